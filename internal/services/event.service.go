package services

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

var ErrInvalidNotification = errors.New("invalid event notification")

type EventRepository interface {
	Upsert(ctx context.Context, event *model.Event) (*model.Event, error)
	Get(ctx context.Context, id int64) (*model.Event, error)
}

type TemplateSelector interface {
	Select(ctx context.Context, event *model.Event) ([]*model.ReminderTemplate, error)
}

type ScheduleReconciler interface {
	Reconcile(ctx context.Context, event *model.Event, templates []*model.ReminderTemplate) (*model.ReconcileResult, error)
}

type Publisher interface {
	PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error)
}

// EventService is the intake for court date changes. The API process calls
// Notify; the dispatcher process consumes the stream and calls Apply.
type EventService struct {
	events     EventRepository
	selector   TemplateSelector
	calculator ScheduleReconciler
	publisher  Publisher
	now        func() time.Time
}

func NewEventService(events EventRepository, selector TemplateSelector, calculator ScheduleReconciler, publisher Publisher) *EventService {
	return &EventService{
		events:     events,
		selector:   selector,
		calculator: calculator,
		publisher:  publisher,
		now:        time.Now,
	}
}

// Notify validates n and publishes it to the event stream.
func (s *EventService) Notify(ctx context.Context, n model.EventNotification) (string, error) {
	n.Event.RecipientAddress = strings.TrimSpace(n.Event.RecipientAddress)
	if err := n.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = s.now().UTC()
	}
	if s.publisher == nil {
		return "", errors.New("event publisher is not configured")
	}

	id, err := s.publisher.PublishJSON(ctx, n, map[string]string{
		"action":   string(n.Action),
		"event_id": fmt.Sprint(n.Event.ID),
	})
	if err != nil {
		return "", fmt.Errorf("publish event notification: %w", err)
	}

	prom.IncEventReceived(string(n.Action))
	logger.Info("Event notification accepted", "event_id", n.Event.ID, "action", n.Action, "stream_id", id)
	return id, nil
}

// Apply stores the event and reconciles its reminders. The returned error
// may carry template validation errors next to a partial result.
func (s *EventService) Apply(ctx context.Context, n model.EventNotification) (*model.ReconcileResult, error) {
	if err := n.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}

	// received_at orders notifications for the same event; an older one
	// never overwrites a newer stored state
	version := n.ReceivedAt.UTC()
	if n.ReceivedAt.IsZero() {
		version = s.now().UTC()
	}

	incoming := n.Event
	if n.Action == model.EventActionCancelled {
		incoming.Cancelled = true
		// cancellations may only carry the id and time
		if stored, err := s.events.Get(ctx, incoming.ID); err == nil {
			cancelled := *stored
			cancelled.Cancelled = true
			incoming = cancelled
		} else if !errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("load event %d: %w", incoming.ID, err)
		}
	}
	incoming.UpdatedAt = version

	event, err := s.events.Upsert(ctx, &incoming)
	if err != nil {
		return nil, fmt.Errorf("store event %d: %w", incoming.ID, err)
	}
	if event.UpdatedAt.After(version) {
		logger.Warn("Out of order event notification, keeping stored state",
			"event_id", event.ID, "action", n.Action, "received_at", version, "stored_at", event.UpdatedAt, "cancelled", event.Cancelled)
	}

	var templates []*model.ReminderTemplate
	if !event.Cancelled {
		templates, err = s.selector.Select(ctx, event)
		if err != nil {
			return nil, fmt.Errorf("select templates for event %d: %w", event.ID, err)
		}
	}

	res, err := s.calculator.Reconcile(ctx, event, templates)
	logger.Info("Event reconciled",
		"event_id", event.ID,
		"action", n.Action,
		"created", len(res.Created),
		"rescheduled", len(res.Rescheduled),
		"cancelled", len(res.Cancelled),
		"error", err)
	return res, err
}
