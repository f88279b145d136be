package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/confirmation"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/processor"
	xhttp "github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/http"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/logger"
	"github.com/fasthttp/router"
)

type StatusApplier interface {
	ApplyCallback(ctx context.Context, providerMessageID, providerStatus, errorText, raw string) (model.ReminderStatus, error)
}

type Confirmer interface {
	RecordConfirmation(ctx context.Context, ref confirmation.Ref, receivedAt time.Time) (*confirmation.Result, error)
}

// Deduplicator runs fn at most once per key.
type Deduplicator interface {
	Once(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error)
}

type WebhookHandler struct {
	statuses  StatusApplier
	confirmer Confirmer
	dedup     Deduplicator
}

func RegisterWebhookRoutes(e *router.Group, h *WebhookHandler) {
	e.POST("/webhooks/status", h.Status)
	e.POST("/webhooks/reply", h.Reply)
}

// NewWebhookHandler builds the provider webhook endpoints. dedup may be nil.
func NewWebhookHandler(statuses StatusApplier, confirmer Confirmer, dedup Deduplicator) *WebhookHandler {
	return &WebhookHandler{statuses: statuses, confirmer: confirmer, dedup: dedup}
}

const statusRetryAfter = "30"

type statusCallback struct {
	MessageID    string `json:"message_id"`
	Reference    string `json:"reference,omitempty"`
	Status       string `json:"status"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type statusResponse struct {
	MessageID string               `json:"message_id"`
	Status    model.ReminderStatus `json:"status,omitempty"`
	Duplicate bool                 `json:"duplicate,omitempty"`
}

// Status receives provider delivery reports. Providers retry on anything but
// 2xx. A report can beat the commit of MarkSent, so an unknown message id is
// answered with 503 and does not use up a dedup retry.
func (h *WebhookHandler) Status(ctx *xhttp.RequestCtx) {
	var cb statusCallback
	if err := readJSON(ctx, &cb); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	cb.MessageID = strings.TrimSpace(cb.MessageID)
	if cb.MessageID == "" || strings.TrimSpace(cb.Status) == "" {
		writeError(ctx, xhttp.StatusBadRequest, "message_id and status are required")
		return
	}

	errText := cb.ErrorMessage
	if cb.ErrorCode != "" && errText != "" {
		errText = cb.ErrorCode + ": " + errText
	} else if cb.ErrorCode != "" {
		errText = cb.ErrorCode
	}
	raw := string(ctx.PostBody())

	var applied model.ReminderStatus
	apply := func(c context.Context) error {
		st, err := h.statuses.ApplyCallback(c, cb.MessageID, cb.Status, errText, raw)
		applied = st
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("%w: %w", processor.ErrNotReady, err)
		}
		return err
	}

	ran := true
	var err error
	if h.dedup != nil {
		key := "status:" + cb.MessageID + ":" + strings.ToUpper(strings.TrimSpace(cb.Status))
		ran, err = h.dedup.Once(ctx, key, apply)
	} else {
		err = apply(ctx)
	}

	switch {
	case errors.Is(err, model.ErrNotFound):
		logger.Warn("Status callback for unknown message id", "provider_message_id", cb.MessageID, "status", cb.Status)
		ctx.Response.Header.Set("Retry-After", statusRetryAfter)
		writeError(ctx, xhttp.StatusServiceUnavailable, "unknown message_id")
		return
	case errors.Is(err, processor.ErrLockAcquireFailed):
		writeError(ctx, xhttp.StatusConflict, "callback is being processed")
		return
	case errors.Is(err, processor.ErrMaxRetriesExceeded):
		writeError(ctx, xhttp.StatusUnprocessableEntity, "callback failed too many times")
		return
	case err != nil:
		logger.Error("Failed to apply status callback", "provider_message_id", cb.MessageID, "status", cb.Status, "error", err)
		writeError(ctx, xhttp.StatusInternalServerError, "callback could not be applied")
		return
	}

	writeJSON(ctx, xhttp.StatusOK, statusResponse{MessageID: cb.MessageID, Status: applied, Duplicate: !ran})
}

type replyCallback struct {
	From       string     `json:"from"`
	Body       string     `json:"body"`
	MessageID  string     `json:"message_id,omitempty"`
	ReceivedAt *time.Time `json:"received_at,omitempty"`
}

type replyResponse struct {
	Confirmed  bool  `json:"confirmed"`
	InstanceID int64 `json:"instance_id,omitempty"`
	Duplicate  bool  `json:"duplicate,omitempty"`
}

// Reply receives inbound messages. Replies that are not a confirmation are
// acknowledged and dropped.
func (h *WebhookHandler) Reply(ctx *xhttp.RequestCtx) {
	var r replyCallback
	if err := readJSON(ctx, &r); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(r.From) == "" && strings.TrimSpace(r.MessageID) == "" {
		writeError(ctx, xhttp.StatusBadRequest, "from or message_id is required")
		return
	}

	if !confirmation.IsConfirmationReply(r.Body) {
		logger.Debug("Ignoring non confirmation reply", "from", r.From)
		writeJSON(ctx, xhttp.StatusOK, replyResponse{})
		return
	}

	var receivedAt time.Time
	if r.ReceivedAt != nil {
		receivedAt = *r.ReceivedAt
	}
	res, err := h.confirmer.RecordConfirmation(ctx, confirmation.Ref{
		ProviderMessageID: r.MessageID,
		RecipientAddress:  r.From,
	}, receivedAt)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(ctx, xhttp.StatusNotFound, "no reminder was sent to this recipient")
			return
		}
		logger.Error("Failed to record confirmation", "from", r.From, "error", err)
		writeError(ctx, xhttp.StatusInternalServerError, "confirmation could not be recorded")
		return
	}

	writeJSON(ctx, xhttp.StatusOK, replyResponse{Confirmed: true, InstanceID: res.Instance.ID, Duplicate: res.Duplicate})
}
