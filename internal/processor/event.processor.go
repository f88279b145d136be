package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/queue"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/services"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/logger"
)

type EventApplier interface {
	Apply(ctx context.Context, n model.EventNotification) (*model.ReconcileResult, error)
}

// EventProcessor applies event notifications read from the event stream.
type EventProcessor struct {
	events      EventApplier
	idempotency *IdempotencyService
}

// NewEventProcessor builds a processor. idempotency may be nil, in which case
// redelivered messages are applied again, which reconciliation tolerates.
func NewEventProcessor(events EventApplier, idempotency *IdempotencyService) *EventProcessor {
	return &EventProcessor{events: events, idempotency: idempotency}
}

func (p *EventProcessor) GetType() string {
	return "event"
}

func (p *EventProcessor) Process(ctx context.Context, msg *queue.Message) error {
	var n model.EventNotification
	if err := json.Unmarshal(msg.Data, &n); err != nil {
		logger.Error("Failed to unmarshal event notification", "stream_id", msg.ID, "error", err)
		return queue.Discard(err)
	}

	if p.idempotency == nil {
		return p.apply(ctx, msg, n)
	}

	key := "event:" + msg.ID
	procCtx, err := p.idempotency.Begin(ctx, key)
	switch {
	case errors.Is(err, ErrAlreadyProcessed):
		logger.Info("Event notification already applied, skipping", "stream_id", msg.ID, "event_id", n.Event.ID)
		return nil
	case errors.Is(err, ErrMaxRetriesExceeded):
		logger.Error("Event notification keeps failing", "stream_id", msg.ID, "event_id", n.Event.ID)
		return queue.Discard(err)
	case errors.Is(err, ErrLockAcquireFailed):
		return fmt.Errorf("event %d is being applied by another consumer", n.Event.ID)
	case err != nil:
		return err
	}
	defer p.idempotency.ReleaseLock(ctx, procCtx)

	if err := p.apply(ctx, msg, n); err != nil {
		if markErr := p.idempotency.MarkFailure(ctx, procCtx, err); markErr != nil {
			logger.Error("Failed to mark failure", "stream_id", msg.ID, "error", markErr)
		}
		return err
	}
	if err := p.idempotency.MarkSuccess(ctx, procCtx); err != nil {
		logger.Error("Failed to mark success", "stream_id", msg.ID, "error", err)
	}
	return nil
}

func (p *EventProcessor) apply(ctx context.Context, msg *queue.Message, n model.EventNotification) error {
	_, err := p.events.Apply(ctx, n)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, services.ErrInvalidNotification):
		return queue.Discard(err)
	case model.IsValidationError(err):
		// bad templates or a missing recipient do not get better on retry
		logger.Warn("Event applied with validation errors", "stream_id", msg.ID, "event_id", n.Event.ID, "error", err)
		return nil
	}
	logger.Error("Failed to apply event notification", "stream_id", msg.ID, "event_id", n.Event.ID, "attempts", msg.Attempts, "error", err)
	return err
}
