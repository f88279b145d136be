package model

import "time"

// ReminderInstance is one scheduled and tracked message for an event/template pair.
type ReminderInstance struct {
	ID                int64          `json:"id"`
	EventID           int64          `json:"event_id"`
	TemplateID        int64          `json:"template_id"`
	RecipientAddress  string         `json:"recipient_address"`
	RenderedBody      string         `json:"rendered_body"`
	ScheduledFor      time.Time      `json:"scheduled_for"`
	ClaimedBy         *string        `json:"claimed_by,omitempty"`
	ClaimedAt         *time.Time     `json:"claimed_at,omitempty"`
	Status            ReminderStatus `json:"status"`
	ProviderMessageID *string        `json:"provider_message_id,omitempty"`
	AttemptCount      int            `json:"attempt_count"`
	LastError         *string        `json:"last_error,omitempty"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
	Confirmed         bool           `json:"confirmed"`
	ConfirmedAt       *time.Time     `json:"confirmed_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// ReminderFilter controls List queries.
type ReminderFilter struct {
	EventID    *int64
	TemplateID *int64
	Statuses   []ReminderStatus
	Recipient  *string
	Confirmed  *bool
	From       *time.Time // scheduled_for >=
	To         *time.Time // scheduled_for <
	Limit      int        // default 50
	Offset     int
	Desc       bool // order by scheduled_for
}

// ReconcileResult lists the instances touched by one schedule reconciliation.
type ReconcileResult struct {
	Created     []int64 `json:"created"`
	Cancelled   []int64 `json:"cancelled"`
	Rescheduled []int64 `json:"rescheduled"`
}
