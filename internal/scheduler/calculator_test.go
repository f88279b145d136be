package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	calc      *Calculator
	events    *repository.EventRepository
	templates *repository.TemplateRepository
	reminders *repository.ReminderRepository
	logs      *repository.DeliveryLogRepository
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	db := repository.OpenTestDB(t)
	f := &fixture{
		events:    repository.NewEventRepository(db),
		templates: repository.NewTemplateRepository(db),
		reminders: repository.NewReminderRepository(db),
		logs:      repository.NewDeliveryLogRepository(db),
		now:       time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.calc = NewCalculator(f.reminders, f.logs, NewRenderer(time.UTC)).
		WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) event(t *testing.T, id int64, at time.Time) *model.Event {
	t.Helper()
	ev, err := f.events.Upsert(context.Background(), &model.Event{
		ID:               id,
		RecipientAddress: "+15551234567",
		RecipientName:    "Jane Doe",
		Location:         "Courtroom 4B",
		EventTime:        at,
	})
	require.NoError(t, err)
	return ev
}

func (f *fixture) template(t *testing.T, pattern string, offset int) *model.ReminderTemplate {
	t.Helper()
	tpl, err := f.templates.Create(context.Background(), &model.ReminderTemplate{
		Name:           "reminder",
		MessagePattern: pattern,
		OffsetDays:     offset,
		Active:         true,
	})
	require.NoError(t, err)
	return tpl
}

var courtDate = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func TestReconcile_CreatesOnePerTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t, 1, courtDate)
	twoDays := f.template(t, "Hi {name}, court on {date} at {time}, {location}.", 2)
	week := f.template(t, "Reminder for {phone}", 7)

	res, err := f.calc.Reconcile(ctx, ev, []*model.ReminderTemplate{twoDays, week})
	require.NoError(t, err)
	assert.Len(t, res.Created, 2)

	items, err := f.reminders.ListByEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)

	byTemplate := map[int64]*model.ReminderInstance{}
	for _, inst := range items {
		byTemplate[inst.TemplateID] = inst
	}
	inst := byTemplate[twoDays.ID]
	assert.Equal(t, time.Date(2025, 3, 8, 9, 0, 0, 0, time.UTC), inst.ScheduledFor)
	assert.Equal(t, model.ReminderStatusPending, inst.Status)
	assert.Equal(t, "Hi Jane Doe, court on Monday, March 10, 2025 at 9:00 AM, Courtroom 4B.", inst.RenderedBody)

	// a week before the court date is already in the past
	assert.Equal(t, f.now, byTemplate[week.ID].ScheduledFor)
	assert.Equal(t, "Reminder for +15551234567", byTemplate[week.ID].RenderedBody)

	logs, err := f.logs.ListByInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "pending", logs[0].Status)
}

func TestReconcile_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t, 1, courtDate)
	tpl := f.template(t, "Court {date}", 2)
	past := f.template(t, "Court {date}", 30)

	_, err := f.calc.Reconcile(ctx, ev, []*model.ReminderTemplate{tpl, past})
	require.NoError(t, err)

	f.now = f.now.Add(time.Minute)
	res, err := f.calc.Reconcile(ctx, ev, []*model.ReminderTemplate{tpl, past})
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Empty(t, res.Rescheduled, "an already due instance is not moved to the new now")
	assert.Empty(t, res.Cancelled)

	items, err := f.reminders.ListByEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestReconcile_EventTimeChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t, 1, courtDate)
	pending := f.template(t, "Court {date}", 2)
	inFlight := f.template(t, "Court soon", 1)

	_, err := f.calc.Reconcile(ctx, ev, []*model.ReminderTemplate{pending, inFlight})
	require.NoError(t, err)

	// a worker holds the second instance while the first went back to pending
	claimed, err := f.reminders.ClaimDue(ctx, "worker-1", courtDate.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, inst := range claimed {
		if inst.TemplateID == pending.ID {
			ok, err := f.reminders.Requeue(ctx, inst.ID, "worker-1", inst.ScheduledFor, "timeout", f.now)
			require.NoError(t, err)
			require.True(t, ok)
		}
	}

	moved := courtDate.Add(72 * time.Hour)
	ev = f.event(t, 1, moved)
	res, err := f.calc.Reconcile(ctx, ev, []*model.ReminderTemplate{pending, inFlight})
	require.NoError(t, err)
	require.Len(t, res.Rescheduled, 1)

	items, _ := f.reminders.ListByEvent(ctx, ev.ID)
	for _, inst := range items {
		switch inst.TemplateID {
		case pending.ID:
			assert.Equal(t, model.ReminderStatusPending, inst.Status)
			assert.Equal(t, moved.Add(-48*time.Hour), inst.ScheduledFor)
			assert.Equal(t, "Court Thursday, March 13, 2025", inst.RenderedBody)
		case inFlight.ID:
			assert.Equal(t, model.ReminderStatusSending, inst.Status, "an instance in sending is left alone")
			assert.Equal(t, courtDate.Add(-24*time.Hour), inst.ScheduledFor)
		}
	}
}

func TestReconcile_BackoffIsNotPulledForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t, 1, courtDate)
	tpl := f.template(t, "Court {date}", 30)

	_, err := f.calc.Reconcile(ctx, ev, []*model.ReminderTemplate{tpl})
	require.NoError(t, err)

	claimed, err := f.reminders.ClaimDue(ctx, "w", f.now, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	retryAt := f.now.Add(2 * time.Minute)
	ok, err := f.reminders.Requeue(ctx, claimed[0].ID, "w", retryAt, "timeout", f.now)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.calc.Reconcile(ctx, ev, []*model.ReminderTemplate{tpl})
	require.NoError(t, err)
	assert.Empty(t, res.Rescheduled)

	inst, err := f.reminders.GetByID(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, retryAt, inst.ScheduledFor)
}

func TestReconcile_Cancellation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t, 1, courtDate)
	tpl := f.template(t, "Court {date}", 2)

	res, err := f.calc.Reconcile(ctx, ev, []*model.ReminderTemplate{tpl})
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	id := res.Created[0]

	ev.Cancelled = true
	ev, err = f.events.Upsert(ctx, ev)
	require.NoError(t, err)

	res, err = f.calc.Reconcile(ctx, ev, []*model.ReminderTemplate{tpl})
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, res.Cancelled)

	inst, err := f.reminders.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ReminderStatusCancelled, inst.Status)

	res, err = f.calc.Reconcile(ctx, ev, []*model.ReminderTemplate{tpl})
	require.NoError(t, err)
	assert.Empty(t, res.Created, "cancelled events are not rescheduled")
	assert.Empty(t, res.Cancelled)

	items, _ := f.reminders.ListByEvent(ctx, ev.ID)
	assert.Len(t, items, 1)

	logs, err := f.logs.ListByInstance(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "cancelled", logs[1].Status)
}

func TestReconcile_ValidationErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t, 1, courtDate)
	good := f.template(t, "Court {date}", 2)
	unknown := f.template(t, "Bring {documents}", 3)
	ev.Location = ""
	noLocation := f.template(t, "At {location}", 4)

	res, err := f.calc.Reconcile(ctx, ev, []*model.ReminderTemplate{unknown, good, noLocation})
	require.Error(t, err)
	assert.True(t, model.IsValidationError(err))
	assert.Contains(t, err.Error(), "{documents}")
	assert.Contains(t, err.Error(), "{location}")
	assert.Len(t, res.Created, 1, "valid templates are still scheduled")

	ev.RecipientAddress = ""
	_, err = f.calc.Reconcile(ctx, ev, []*model.ReminderTemplate{good})
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "recipient_address", ve.Field)
}

func TestReconcile_SkipsInactiveTemplates(t *testing.T) {
	f := newFixture(t)
	ev := f.event(t, 1, courtDate)
	tpl := f.template(t, "Court {date}", 2)
	tpl.Active = false

	res, err := f.calc.Reconcile(context.Background(), ev, []*model.ReminderTemplate{tpl})
	require.NoError(t, err)
	assert.Empty(t, res.Created)
}

func TestAllActiveSelector(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.template(t, "a", 1)
	_, err := f.templates.Create(ctx, &model.ReminderTemplate{Name: "off", MessagePattern: "b", OffsetDays: 2})
	require.NoError(t, err)

	got, err := NewAllActive(f.templates).Select(ctx, &model.Event{ID: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	var sel TemplateSelector = SelectorFunc(func(ctx context.Context, ev *model.Event) ([]*model.ReminderTemplate, error) {
		return nil, nil
	})
	got, err = sel.Select(ctx, &model.Event{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
