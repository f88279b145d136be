package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/logger"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/prom"
)

type ReminderStore interface {
	CreateIfAbsent(ctx context.Context, inst *model.ReminderInstance) (*model.ReminderInstance, bool, error)
	ListByEvent(ctx context.Context, eventID int64) ([]*model.ReminderInstance, error)
	ReschedulePending(ctx context.Context, id int64, scheduledFor time.Time, body, recipient string, now time.Time) (bool, error)
	Cancel(ctx context.Context, id int64, now time.Time) (bool, error)
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type LogStore interface {
	Append(ctx context.Context, log *model.DeliveryLog) (*model.DeliveryLog, error)
}

// Calculator turns an event and its templates into reminder instances.
// Reconcile performs no network calls and may run on every event change.
type Calculator struct {
	reminders ReminderStore
	logs      LogStore
	renderer  *Renderer
	now       func() time.Time
}

func NewCalculator(reminders ReminderStore, logs LogStore, renderer *Renderer) *Calculator {
	if renderer == nil {
		renderer = NewRenderer(time.UTC)
	}
	return &Calculator{
		reminders: reminders,
		logs:      logs,
		renderer:  renderer,
		now:       time.Now,
	}
}

// WithClock replaces the wall clock, mostly for tests.
func (c *Calculator) WithClock(now func() time.Time) *Calculator {
	c.now = now
	return c
}

// Reconcile brings the instances of event in line with templates. Template
// level validation errors are joined and returned alongside the result; the
// remaining templates are still processed.
func (c *Calculator) Reconcile(ctx context.Context, event *model.Event, templates []*model.ReminderTemplate) (*model.ReconcileResult, error) {
	now := c.now().UTC()
	res := &model.ReconcileResult{}

	existing, err := c.reminders.ListByEvent(ctx, event.ID)
	if err != nil {
		return res, fmt.Errorf("list reminders of event %d: %w", event.ID, err)
	}

	if event.Cancelled {
		err := c.cancelAll(ctx, existing, now, res)
		c.record(res)
		return res, err
	}

	if strings.TrimSpace(event.RecipientAddress) == "" {
		err := &model.ValidationError{EventID: event.ID, Field: "recipient_address", Reason: "missing recipient"}
		logger.Warn("Event has no recipient, nothing scheduled", "event_id", event.ID)
		return res, err
	}

	byTemplate := make(map[int64]*model.ReminderInstance, len(existing))
	for _, inst := range existing {
		byTemplate[inst.TemplateID] = inst
	}

	var errs []error
	for _, tpl := range templates {
		if tpl == nil || !tpl.Active {
			continue
		}

		body, err := c.renderer.Render(tpl, event)
		if err != nil {
			logger.Warn("Template could not be rendered", "event_id", event.ID, "template_id", tpl.ID, "error", err)
			errs = append(errs, err)
			continue
		}

		fireAt := tpl.FireTime(event.EventTime).UTC()

		if inst, ok := byTemplate[tpl.ID]; ok {
			changed, err := c.reschedule(ctx, inst, event, fireAt, body, now)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if changed {
				res.Rescheduled = append(res.Rescheduled, inst.ID)
			}
			continue
		}

		id, created, err := c.create(ctx, event, tpl, body, clampToNow(fireAt, now), now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if created {
			res.Created = append(res.Created, id)
		}
	}

	c.record(res)
	return res, errors.Join(errs...)
}

func (c *Calculator) create(ctx context.Context, event *model.Event, tpl *model.ReminderTemplate, body string, scheduledFor, now time.Time) (int64, bool, error) {
	var (
		id      int64
		created bool
	)
	err := c.reminders.WithinTransaction(ctx, func(ctx context.Context) error {
		inst, ok, err := c.reminders.CreateIfAbsent(ctx, &model.ReminderInstance{
			EventID:          event.ID,
			TemplateID:       tpl.ID,
			RecipientAddress: event.RecipientAddress,
			RenderedBody:     body,
			ScheduledFor:     scheduledFor,
			Status:           model.ReminderStatusPending,
		})
		if err != nil {
			return err
		}
		id, created = inst.ID, ok
		if !ok {
			return nil
		}
		_, err = c.logs.Append(ctx, model.NewDeliveryLog(inst.ID, string(model.ReminderStatusPending), now))
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("create reminder event=%d template=%d: %w", event.ID, tpl.ID, err)
	}
	if created {
		logger.Debug("Reminder scheduled", "instance_id", id, "event_id", event.ID, "template_id", tpl.ID, "scheduled_for", scheduledFor)
	}
	return id, created, nil
}

// reschedule moves a pending instance when the event time, body or recipient
// changed. An instance waiting out a retry backoff is never pulled forward.
func (c *Calculator) reschedule(ctx context.Context, inst *model.ReminderInstance, event *model.Event, fireAt time.Time, body string, now time.Time) (bool, error) {
	if inst.Status != model.ReminderStatusPending {
		return false, nil
	}

	target := clampToNow(fireAt, now)
	current := inst.ScheduledFor.UTC()
	timeChanged := false
	switch {
	case inst.AttemptCount > 0:
		timeChanged = target.After(current)
	case !fireAt.After(now) && !current.After(now):
		// already due either way
	default:
		timeChanged = !sameInstant(current, target)
	}

	contentChanged := inst.RenderedBody != body || inst.RecipientAddress != event.RecipientAddress
	if !timeChanged && !contentChanged {
		return false, nil
	}

	scheduledFor := current
	if timeChanged {
		scheduledFor = target
	}

	ok, err := c.reminders.ReschedulePending(ctx, inst.ID, scheduledFor, body, event.RecipientAddress, now)
	if err != nil {
		return false, fmt.Errorf("reschedule reminder %d: %w", inst.ID, err)
	}
	if ok {
		logger.Info("Reminder rescheduled", "instance_id", inst.ID, "event_id", event.ID, "from", current, "to", scheduledFor)
	}
	return ok, nil
}

// cancelAll cancels every pending or sent instance. An instance in sending
// is left to its dispatch: the worker or the stale sweep cancels it unless
// the send was accepted.
func (c *Calculator) cancelAll(ctx context.Context, existing []*model.ReminderInstance, now time.Time, res *model.ReconcileResult) error {
	var errs []error
	for _, inst := range existing {
		if inst.Status != model.ReminderStatusPending && inst.Status != model.ReminderStatusSent {
			continue
		}

		cancelled := false
		err := c.reminders.WithinTransaction(ctx, func(ctx context.Context) error {
			ok, err := c.reminders.Cancel(ctx, inst.ID, now)
			if err != nil || !ok {
				return err
			}
			cancelled = true
			_, err = c.logs.Append(ctx, model.NewDeliveryLog(inst.ID, string(model.ReminderStatusCancelled), now).WithError("event cancelled"))
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("cancel reminder %d: %w", inst.ID, err))
			continue
		}
		if cancelled {
			res.Cancelled = append(res.Cancelled, inst.ID)
		}
	}
	if len(res.Cancelled) > 0 {
		logger.Info("Reminders cancelled", "count", len(res.Cancelled), "instances", res.Cancelled)
	}
	return errors.Join(errs...)
}

func (c *Calculator) record(res *model.ReconcileResult) {
	prom.AddScheduleChanges("created", len(res.Created))
	prom.AddScheduleChanges("rescheduled", len(res.Rescheduled))
	prom.AddScheduleChanges("cancelled", len(res.Cancelled))
}

func clampToNow(t, now time.Time) time.Time {
	if t.Before(now) {
		return now
	}
	return t
}

// sameInstant compares at the microsecond precision postgres keeps.
func sameInstant(a, b time.Time) bool {
	return a.Truncate(time.Microsecond).Equal(b.Truncate(time.Microsecond))
}
