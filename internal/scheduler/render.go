package scheduler

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
)

var placeholderRe = regexp.MustCompile(`\{([^{}]*)\}`)

const (
	dateLayout = "Monday, January 2, 2006"
	timeLayout = "3:04 PM"
)

// Renderer substitutes event fields into a message pattern. Dates and times
// are printed in the reminder timezone.
type Renderer struct {
	loc *time.Location
}

func NewRenderer(loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.UTC
	}
	return &Renderer{loc: loc}
}

// LoadRenderer resolves an IANA zone name such as "America/Chicago".
func LoadRenderer(timezone string) (*Renderer, error) {
	if timezone == "" {
		return NewRenderer(time.UTC), nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load reminder timezone %q: %w", timezone, err)
	}
	return NewRenderer(loc), nil
}

// Render fails with a ValidationError on the first placeholder that is
// unknown or has no value for this event, so a half-filled body never leaves.
func (r *Renderer) Render(tpl *model.ReminderTemplate, event *model.Event) (string, error) {
	var renderErr error
	out := placeholderRe.ReplaceAllStringFunc(tpl.MessagePattern, func(m string) string {
		if renderErr != nil {
			return m
		}
		name := strings.TrimSpace(m[1 : len(m)-1])
		val, err := r.value(name, event)
		if err != nil {
			renderErr = &model.ValidationError{
				EventID:    event.ID,
				TemplateID: tpl.ID,
				Field:      "message_pattern",
				Reason:     fmt.Sprintf("placeholder %s: %s", m, err),
			}
			return m
		}
		return val
	})
	if renderErr != nil {
		return "", renderErr
	}
	return out, nil
}

func (r *Renderer) value(name string, event *model.Event) (string, error) {
	var v string
	switch strings.ToLower(name) {
	case "name":
		v = event.RecipientName
	case "date":
		v = event.EventTime.In(r.loc).Format(dateLayout)
	case "time":
		v = event.EventTime.In(r.loc).Format(timeLayout)
	case "location":
		v = event.Location
	case "phone":
		v = event.RecipientAddress
	default:
		return "", fmt.Errorf("unknown placeholder")
	}
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("no value on event")
	}
	return v, nil
}
