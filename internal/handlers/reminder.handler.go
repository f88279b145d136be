package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/confirmation"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
	xhttp "github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/http"
	"github.com/fasthttp/router"
)

type ReminderService interface {
	List(ctx context.Context, f model.ReminderFilter) ([]*model.ReminderInstance, int64, error)
	Logs(ctx context.Context, id int64) ([]*model.DeliveryLog, error)
}

type ReminderHandler struct {
	svc       ReminderService
	confirmer Confirmer
}

func RegisterReminderRoutes(e *router.Group, h *ReminderHandler) {
	e.GET("/reminders", h.ListReminders)
	e.GET("/reminders/{id}/logs", h.ListLogs)
	e.POST("/reminders/{id}/confirm", h.Confirm)
}

func NewReminderHandler(svc ReminderService, confirmer Confirmer) *ReminderHandler {
	return &ReminderHandler{svc: svc, confirmer: confirmer}
}

type listResponse struct {
	Items []*model.ReminderInstance `json:"items"`
	Total int64                     `json:"total"`
}

type logsResponse struct {
	Items []*model.DeliveryLog `json:"items"`
}

const maxListLimit = 500

func (h *ReminderHandler) ListReminders(ctx *xhttp.RequestCtx) {
	f, err := parseReminderFilter(ctx)
	if err != nil {
		writeError(ctx, xhttp.StatusBadRequest, err.Error())
		return
	}

	items, total, err := h.svc.List(ctx, f)
	if err != nil {
		writeError(ctx, xhttp.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []*model.ReminderInstance{}
	}
	writeJSON(ctx, xhttp.StatusOK, listResponse{Items: items, Total: total})
}

func (h *ReminderHandler) ListLogs(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, xhttp.StatusBadRequest, err.Error())
		return
	}

	logs, err := h.svc.Logs(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(ctx, xhttp.StatusNotFound, "reminder not found")
			return
		}
		writeError(ctx, xhttp.StatusInternalServerError, err.Error())
		return
	}
	if logs == nil {
		logs = []*model.DeliveryLog{}
	}
	writeJSON(ctx, xhttp.StatusOK, logsResponse{Items: logs})
}

// Confirm records a confirmation taken by staff, e.g. over the phone.
func (h *ReminderHandler) Confirm(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, xhttp.StatusBadRequest, err.Error())
		return
	}

	res, err := h.confirmer.RecordConfirmation(ctx, confirmation.Ref{InstanceID: id}, time.Time{})
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(ctx, xhttp.StatusNotFound, "reminder not found")
			return
		}
		writeError(ctx, xhttp.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(ctx, xhttp.StatusOK, res.Instance)
}

func parseReminderFilter(ctx *xhttp.RequestCtx) (model.ReminderFilter, error) {
	var f model.ReminderFilter

	if v := query(ctx, "event_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, errors.New("event_id must be an integer")
		}
		f.EventID = &id
	}
	if v := query(ctx, "template_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, errors.New("template_id must be an integer")
		}
		f.TemplateID = &id
	}
	if v := query(ctx, "status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			st := model.ReminderStatus(strings.ToLower(strings.TrimSpace(part)))
			if st == "" {
				continue
			}
			if !st.IsValid() {
				return f, errors.New("unknown status " + string(st))
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if v := query(ctx, "recipient"); v != "" {
		f.Recipient = &v
	}
	if v := query(ctx, "confirmed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("confirmed must be true or false")
		}
		f.Confirmed = &b
	}
	if v := query(ctx, "from"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return f, errors.New("from must be RFC3339 or YYYY-MM-DD")
		}
		f.From = &t
	}
	if v := query(ctx, "to"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return f, errors.New("to must be RFC3339 or YYYY-MM-DD")
		}
		f.To = &t
	}
	if v := query(ctx, "limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = min(n, maxListLimit)
		}
	}
	if v := query(ctx, "offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Offset = n
		}
	}
	if strings.EqualFold(query(ctx, "order"), "desc") {
		f.Desc = true
	}
	return f, nil
}
