package model

import (
	"errors"
	"time"
)

// Event is the court date a reminder is anchored to. It is owned by the
// caller; the engine only reads it.
type Event struct {
	ID               int64     `json:"id"`
	RecipientAddress string    `json:"recipient_address"`
	RecipientName    string    `json:"recipient_name"`
	Location         string    `json:"location"`
	EventTime        time.Time `json:"event_time"`
	Cancelled        bool      `json:"cancelled"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// EventAction is the kind of change an event notification reports.
type EventAction string

const (
	EventActionCreated   EventAction = "created"
	EventActionUpdated   EventAction = "updated"
	EventActionCancelled EventAction = "cancelled"
)

// EventNotification is published by the event source whenever a court date
// is created, moved or cancelled.
type EventNotification struct {
	Action     EventAction `json:"action"`
	Event      Event       `json:"event"`
	ReceivedAt time.Time   `json:"received_at"`
}

func (n EventNotification) Validate() error {
	switch n.Action {
	case EventActionCreated, EventActionUpdated, EventActionCancelled:
	default:
		return errors.New("action must be one of created, updated, cancelled")
	}
	if n.Event.ID == 0 {
		return errors.New("event id is required")
	}
	if n.Event.EventTime.IsZero() {
		return errors.New("event_time is required")
	}
	if n.Action != EventActionCancelled && n.Event.RecipientAddress == "" {
		return errors.New("recipient_address is required")
	}
	return nil
}
