package scheduler

import (
	"context"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
)

// TemplateSelector decides which templates apply to an event.
type TemplateSelector interface {
	Select(ctx context.Context, event *model.Event) ([]*model.ReminderTemplate, error)
}

type TemplateLister interface {
	ListActive(ctx context.Context) ([]*model.ReminderTemplate, error)
}

// AllActive applies every active template to every event.
type AllActive struct {
	templates TemplateLister
}

func NewAllActive(templates TemplateLister) *AllActive {
	return &AllActive{templates: templates}
}

func (s *AllActive) Select(ctx context.Context, _ *model.Event) ([]*model.ReminderTemplate, error) {
	return s.templates.ListActive(ctx)
}

// SelectorFunc adapts a function to TemplateSelector.
type SelectorFunc func(ctx context.Context, event *model.Event) ([]*model.ReminderTemplate, error)

func (f SelectorFunc) Select(ctx context.Context, event *model.Event) ([]*model.ReminderTemplate, error) {
	return f(ctx, event)
}
