package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	gateway "github.com/chrisallenlawyer/law-firm-sms-sub001/internal/gateways"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatusProvider struct {
	mu       sync.Mutex
	statuses map[string]string
	lookups  int
	err      error
}

func (p *fakeStatusProvider) FetchStatus(ctx context.Context, id string) (*gateway.StatusResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookups++
	if p.err != nil {
		return nil, p.err
	}
	return &gateway.StatusResult{ProviderMessageID: id, Status: p.statuses[id], Raw: `{"status":"` + p.statuses[id] + `"}`}, nil
}

type env struct {
	reminders *repository.ReminderRepository
	logs      *repository.DeliveryLogRepository
	events    *repository.EventRepository
}

var sentAt = time.Date(2025, 3, 8, 9, 5, 0, 0, time.UTC)

func newEnv(t *testing.T) *env {
	db := repository.OpenTestDB(t)
	return &env{
		reminders: repository.NewReminderRepository(db),
		logs:      repository.NewDeliveryLogRepository(db),
		events:    repository.NewEventRepository(db),
	}
}

// sent creates an instance already accepted by the provider as providerID.
func (e *env) sent(t *testing.T, eventID int64, providerID string, at time.Time) *model.ReminderInstance {
	t.Helper()
	ctx := context.Background()
	_, err := e.events.Upsert(ctx, &model.Event{ID: eventID, RecipientAddress: "+15551234567", EventTime: at.Add(48 * time.Hour)})
	require.NoError(t, err)
	inst, _, err := e.reminders.CreateIfAbsent(ctx, &model.ReminderInstance{
		EventID:          eventID,
		TemplateID:       1,
		RecipientAddress: "+15551234567",
		RenderedBody:     "Court soon",
		ScheduledFor:     at,
		Status:           model.ReminderStatusPending,
	})
	require.NoError(t, err)

	token := fmt.Sprintf("w-%d", eventID)
	claimed, err := e.reminders.ClaimDue(ctx, token, at, 100)
	require.NoError(t, err)
	require.NotEmpty(t, claimed)
	ok, err := e.reminders.MarkSent(ctx, inst.ID, token, providerID, at)
	require.NoError(t, err)
	require.True(t, ok)
	return inst
}

func TestMapStatus(t *testing.T) {
	tests := map[string]struct {
		want  model.ReminderStatus
		final bool
	}{
		"delivered":   {model.ReminderStatusDelivered, true},
		"DELIVRD":     {model.ReminderStatusDelivered, true},
		" Undeliv ":   {model.ReminderStatusUndelivered, true},
		"EXPIRED":     {model.ReminderStatusUndelivered, true},
		"rejected":    {model.ReminderStatusUndelivered, true},
		"FAILED":      {model.ReminderStatusFailed, true},
		"ACCEPTED":    {"", false},
		"ENROUTE":     {"", false},
		"":            {"", false},
		"SOMETHING_X": {"", false},
	}
	for in, tt := range tests {
		got, final := MapStatus(in)
		assert.Equal(t, tt.final, final, in)
		assert.Equal(t, tt.want, got, in)
	}
}

func TestReconciler_Refresh(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inst := e.sent(t, 1, "SM123", sentAt)

	provider := &fakeStatusProvider{statuses: map[string]string{"SM123": "ENROUTE"}}
	r := New(e.reminders, e.logs, provider, Config{Grace: 10 * time.Minute}).
		WithClock(func() time.Time { return sentAt.Add(time.Hour) })

	st, err := r.Refresh(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReminderStatusSent, st, "in-progress status leaves sent")
	assert.Empty(t, logStatuses(t, e, inst.ID))

	provider.statuses["SM123"] = "DELIVERED"
	st, err = r.Refresh(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReminderStatusDelivered, st)

	got, _ := e.reminders.GetByID(ctx, inst.ID)
	assert.Equal(t, model.ReminderStatusDelivered, got.Status)
	assert.Equal(t, []string{"delivered"}, logStatuses(t, e, inst.ID))

	lookups := provider.lookups
	st, err = r.Refresh(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReminderStatusDelivered, st)
	assert.Equal(t, lookups, provider.lookups, "terminal instances are not polled")
}

func TestReconciler_RefreshProviderError(t *testing.T) {
	e := newEnv(t)
	inst := e.sent(t, 1, "SM1", sentAt)

	provider := &fakeStatusProvider{err: &gateway.TransientError{Code: gateway.CodeTimeout, Err: errors.New("slow")}}
	r := New(e.reminders, e.logs, provider, Config{})

	st, err := r.Refresh(context.Background(), inst.ID)
	require.Error(t, err)
	assert.True(t, gateway.IsTransient(err))
	assert.Equal(t, model.ReminderStatusSent, st)
}

func TestReconciler_RunPass(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	old1 := e.sent(t, 1, "SM1", sentAt)
	old2 := e.sent(t, 2, "SM2", sentAt)
	old3 := e.sent(t, 3, "SM3", sentAt)
	fresh := e.sent(t, 4, "SM4", sentAt.Add(55*time.Minute))

	provider := &fakeStatusProvider{statuses: map[string]string{
		"SM1": "DELIVERED",
		"SM2": "UNDELIVERED",
		"SM3": "SENT",
		"SM4": "DELIVERED",
	}}
	r := New(e.reminders, e.logs, provider, Config{Grace: 10 * time.Minute, BatchSize: 2}).
		WithClock(func() time.Time { return sentAt.Add(time.Hour) })

	res, err := r.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassResult{Checked: 3, Changed: 2}, res)

	for id, want := range map[int64]model.ReminderStatus{
		old1.ID:  model.ReminderStatusDelivered,
		old2.ID:  model.ReminderStatusUndelivered,
		old3.ID:  model.ReminderStatusSent,
		fresh.ID: model.ReminderStatusSent,
	} {
		got, err := e.reminders.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, "instance %d", id)
	}

	res, err = r.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassResult{Checked: 1}, res, "a pass without changes is a no-op")
	assert.Empty(t, logStatuses(t, e, old3.ID))
}

func TestReconciler_ApplyCallback(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inst := e.sent(t, 1, "SM77", sentAt)

	r := New(e.reminders, e.logs, &fakeStatusProvider{}, Config{})

	st, err := r.ApplyCallback(ctx, "SM77", "FAILED", "carrier error", `{"status":"FAILED"}`)
	require.NoError(t, err)
	assert.Equal(t, model.ReminderStatusFailed, st)

	got, _ := e.reminders.GetByID(ctx, inst.ID)
	assert.Equal(t, model.ReminderStatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "carrier error", *got.LastError)

	logs, err := e.logs.ListByInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, `{"status":"FAILED"}`, *logs[0].ProviderRaw)

	// a late delivery report never moves a terminal instance
	st, err = r.ApplyCallback(ctx, "SM77", "DELIVERED", "", "")
	require.NoError(t, err)
	assert.Equal(t, model.ReminderStatusFailed, st)
	assert.Len(t, logStatuses(t, e, inst.ID), 1)

	_, err = r.ApplyCallback(ctx, "unknown", "DELIVERED", "", "")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func logStatuses(t *testing.T, e *env, id int64) []string {
	t.Helper()
	logs, err := e.logs.ListByInstance(context.Background(), id)
	require.NoError(t, err)
	var out []string
	for _, l := range logs {
		out = append(out, l.Status)
	}
	return out
}

func TestReconciler_CallbackOnly(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inst := e.sent(t, 1, "SM42", sentAt)

	r := New(e.reminders, e.logs, nil, Config{})

	st, err := r.Refresh(ctx, inst.ID)
	assert.ErrorIs(t, err, ErrNoStatusProvider)
	assert.Equal(t, model.ReminderStatusSent, st)

	st, err = r.ApplyCallback(ctx, "SM42", "DELIVRD", "", "")
	require.NoError(t, err)
	assert.Equal(t, model.ReminderStatusDelivered, st)
}
