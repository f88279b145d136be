package handlers

import (
	"context"
	"errors"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/services"
	xhttp "github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/http"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/logger"
	"github.com/fasthttp/router"
)

type EventService interface {
	Notify(ctx context.Context, n model.EventNotification) (string, error)
}

type EventHandler struct {
	svc EventService
}

func RegisterEventRoutes(e *router.Group, h *EventHandler) {
	e.POST("/events", h.Notify)
}

func NewEventHandler(svc EventService) *EventHandler {
	return &EventHandler{svc: svc}
}

type notifyResponse struct {
	StreamID string `json:"stream_id"`
	EventID  int64  `json:"event_id"`
}

// Notify accepts a court date change. Scheduling happens asynchronously in
// the dispatcher, so a valid notification is answered with 202.
func (h *EventHandler) Notify(ctx *xhttp.RequestCtx) {
	var n model.EventNotification
	if err := readJSON(ctx, &n); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	id, err := h.svc.Notify(ctx, n)
	if err != nil {
		if errors.Is(err, services.ErrInvalidNotification) {
			writeError(ctx, xhttp.StatusBadRequest, err.Error())
			return
		}
		logger.Error("Failed to accept event notification", "event_id", n.Event.ID, "error", err)
		writeError(ctx, xhttp.StatusServiceUnavailable, "event could not be queued")
		return
	}

	writeJSON(ctx, xhttp.StatusAccepted, notifyResponse{StreamID: id, EventID: n.Event.ID})
}
