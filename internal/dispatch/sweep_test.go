package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_RecoversOnlyStaleClaims(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cfg := testConfig()
	cfg.BatchSize = 2

	stale := []*model.ReminderInstance{e.seed(t, 1, 1, due), e.seed(t, 2, 1, due), e.seed(t, 3, 1, due)}
	fresh := e.seed(t, 4, 1, due.Add(20*time.Minute))

	_, err := e.reminders.ClaimDue(ctx, "crashed", due, 10)
	require.NoError(t, err)
	_, err = e.reminders.ClaimDue(ctx, "alive", due.Add(20*time.Minute), 10)
	require.NoError(t, err)

	recovered, err := NewSweeper(e.reminders, e.logs, cfg).
		WithClock(func() time.Time { return due.Add(22 * time.Minute) }).
		Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, recovered, "pages through more than one batch")

	for _, inst := range stale {
		got, err := e.reminders.GetByID(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ReminderStatusPending, got.Status)
		assert.Equal(t, 1, got.AttemptCount)
		assert.Nil(t, got.ClaimedBy)
		require.NotNil(t, got.LastError)
		assert.Equal(t, model.ErrStaleClaim.Error(), *got.LastError)
	}

	got, _ := e.reminders.GetByID(ctx, fresh.ID)
	assert.Equal(t, model.ReminderStatusSending, got.Status, "a recent claim is left alone")
	assert.Equal(t, "alive", *got.ClaimedBy)

	recovered, err = NewSweeper(e.reminders, e.logs, cfg).
		WithClock(func() time.Time { return due.Add(22 * time.Minute) }).
		Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered)
}

func TestSweeper_FailsAfterMaxRetries(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxRetries = 1

	inst := e.seed(t, 1, 1, due)
	clock := due
	sweeper := NewSweeper(e.reminders, e.logs, cfg).WithClock(func() time.Time { return clock })

	_, err := e.reminders.ClaimDue(ctx, "crashed", clock, 1)
	require.NoError(t, err)
	clock = clock.Add(time.Hour)
	_, err = sweeper.Sweep(ctx)
	require.NoError(t, err)

	_, err = e.reminders.ClaimDue(ctx, "crashed-again", clock, 1)
	require.NoError(t, err)
	clock = clock.Add(time.Hour)
	_, err = sweeper.Sweep(ctx)
	require.NoError(t, err)

	got, _ := e.reminders.GetByID(ctx, inst.ID)
	assert.Equal(t, model.ReminderStatusFailed, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, []string{"pending", "failed"}, e.logStatuses(t, inst.ID))
}

func TestSweeper_CancelsClaimOfCancelledEvent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inst := e.seed(t, 1, 1, due)

	_, err := e.reminders.ClaimDue(ctx, "crashed", due, 10)
	require.NoError(t, err)
	_, err = e.events.Upsert(ctx, &model.Event{ID: 1, RecipientAddress: "+15551234567", EventTime: due.Add(48 * time.Hour), Cancelled: true})
	require.NoError(t, err)

	recovered, err := NewSweeper(e.reminders, e.logs, testConfig()).
		WithClock(func() time.Time { return due.Add(time.Hour) }).
		Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	got, _ := e.reminders.GetByID(ctx, inst.ID)
	assert.Equal(t, model.ReminderStatusCancelled, got.Status, "not returned to pending")
	assert.Nil(t, got.ClaimedBy)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, []string{"cancelled"}, e.logStatuses(t, inst.ID))
}
