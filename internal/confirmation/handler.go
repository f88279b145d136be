package confirmation

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

var ErrEmptyRef = errors.New("confirmation reference is empty")

type ReminderStore interface {
	GetByID(ctx context.Context, id int64) (*model.ReminderInstance, error)
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*model.ReminderInstance, error)
	LatestSentToRecipient(ctx context.Context, address string) (*model.ReminderInstance, error)
	Confirm(ctx context.Context, id int64, receivedAt, now time.Time) (bool, error)
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type LogStore interface {
	Append(ctx context.Context, log *model.DeliveryLog) (*model.DeliveryLog, error)
}

// Ref identifies the confirmed reminder. The first non-empty field wins, in
// field order.
type Ref struct {
	InstanceID        int64
	ProviderMessageID string
	RecipientAddress  string
}

func (r Ref) String() string {
	switch {
	case r.InstanceID != 0:
		return fmt.Sprintf("instance:%d", r.InstanceID)
	case r.ProviderMessageID != "":
		return "provider:" + r.ProviderMessageID
	default:
		return "recipient:" + r.RecipientAddress
	}
}

// Result reports the confirmed instance. Duplicate is true when it was
// already confirmed before this call.
type Result struct {
	Instance  *model.ReminderInstance
	Duplicate bool
}

type Handler struct {
	reminders ReminderStore
	logs      LogStore
	now       func() time.Time
}

func NewHandler(reminders ReminderStore, logs LogStore) *Handler {
	return &Handler{reminders: reminders, logs: logs, now: time.Now}
}

func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// RecordConfirmation marks the referenced reminder confirmed exactly once.
// Status is never changed.
func (h *Handler) RecordConfirmation(ctx context.Context, ref Ref, receivedAt time.Time) (*Result, error) {
	inst, err := h.locate(ctx, ref)
	if err != nil {
		return nil, err
	}
	if receivedAt.IsZero() {
		receivedAt = h.now()
	}
	receivedAt = receivedAt.UTC()
	now := h.now().UTC()

	won := false
	err = h.reminders.WithinTransaction(ctx, func(ctx context.Context) error {
		ok, err := h.reminders.Confirm(ctx, inst.ID, receivedAt, now)
		if err != nil || !ok {
			return err
		}
		won = true
		_, err = h.logs.Append(ctx, model.NewDeliveryLog(inst.ID, model.LogStatusConfirmed, receivedAt))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("confirm reminder %d: %w", inst.ID, err)
	}

	current, err := h.reminders.GetByID(ctx, inst.ID)
	if err != nil {
		return nil, err
	}

	if won {
		prom.IncConfirmation("confirmed")
		logger.Info("Reminder confirmed", "instance_id", inst.ID, "ref", ref.String(), "received_at", receivedAt)
	} else {
		prom.IncConfirmation("duplicate")
		logger.Debug("Duplicate confirmation", "instance_id", inst.ID, "ref", ref.String())
	}
	return &Result{Instance: current, Duplicate: !won}, nil
}

func (h *Handler) locate(ctx context.Context, ref Ref) (*model.ReminderInstance, error) {
	switch {
	case ref.InstanceID != 0:
		return h.reminders.GetByID(ctx, ref.InstanceID)
	case strings.TrimSpace(ref.ProviderMessageID) != "":
		return h.reminders.GetByProviderMessageID(ctx, strings.TrimSpace(ref.ProviderMessageID))
	case strings.TrimSpace(ref.RecipientAddress) != "":
		return h.reminders.LatestSentToRecipient(ctx, strings.TrimSpace(ref.RecipientAddress))
	}
	return nil, ErrEmptyRef
}

// IsConfirmationReply reports whether an inbound reply body acknowledges a
// reminder, e.g. "YES", "y", "Confirm".
func IsConfirmationReply(body string) bool {
	word := strings.ToUpper(strings.Trim(strings.TrimSpace(body), ".!"))
	switch word {
	case "Y", "YES", "C", "CONFIRM", "CONFIRMED", "OK", "SI", "SÍ":
		return true
	}
	return false
}
