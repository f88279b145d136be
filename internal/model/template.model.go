package model

import "time"

// ReminderTemplate defines one reminder that fires OffsetDays before an event.
type ReminderTemplate struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	MessagePattern string    `json:"message_pattern"`
	OffsetDays     int       `json:"offset_days"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FireTime returns eventTime shifted back by the template offset.
func (t ReminderTemplate) FireTime(eventTime time.Time) time.Time {
	return eventTime.Add(-time.Duration(t.OffsetDays) * 24 * time.Hour)
}
