package scheduler

import (
	"testing"
	"time"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderer_Render(t *testing.T) {
	renderer, err := LoadRenderer("America/Chicago")
	require.NoError(t, err)

	event := &model.Event{
		ID:               7,
		RecipientAddress: "+15551234567",
		RecipientName:    "Sam",
		Location:         "Room 2",
		EventTime:        time.Date(2025, 3, 10, 15, 30, 0, 0, time.UTC),
	}

	tests := []struct {
		name    string
		pattern string
		want    string
		wantErr string
	}{
		{name: "all placeholders", pattern: "{name}: {date} {time} in {location}, reply to {phone}", want: "Sam: Monday, March 10, 2025 10:30 AM in Room 2, reply to +15551234567"},
		{name: "case and spaces", pattern: "{ Name }", want: "Sam"},
		{name: "no placeholders", pattern: "See you in court", want: "See you in court"},
		{name: "unknown", pattern: "{case_number}", wantErr: "unknown placeholder"},
		{name: "empty braces", pattern: "hello {}", wantErr: "unknown placeholder"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := renderer.Render(&model.ReminderTemplate{ID: 3, MessagePattern: tt.pattern}, event)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, model.IsValidationError(err))
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderer_MissingValue(t *testing.T) {
	_, err := NewRenderer(nil).Render(&model.ReminderTemplate{MessagePattern: "Hi {name}"}, &model.Event{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no value")
}

func TestLoadRenderer_BadZone(t *testing.T) {
	_, err := LoadRenderer("Mars/Olympus")
	assert.Error(t, err)
}
