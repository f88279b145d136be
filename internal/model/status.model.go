package model

import "fmt"

// ReminderStatus is the lifecycle state of a reminder instance.
type ReminderStatus string

const (
	ReminderStatusPending     ReminderStatus = "pending"
	ReminderStatusSending     ReminderStatus = "sending"
	ReminderStatusSent        ReminderStatus = "sent"
	ReminderStatusDelivered   ReminderStatus = "delivered"
	ReminderStatusUndelivered ReminderStatus = "undelivered"
	ReminderStatusFailed      ReminderStatus = "failed"
	ReminderStatusCancelled   ReminderStatus = "cancelled"
)

// LogStatusConfirmed marks the delivery log row written when a recipient
// acknowledges a reminder. It is not a ReminderStatus.
const LogStatusConfirmed = "confirmed"

// transitions lists every allowed edge of the reminder state machine.
// sending -> pending covers transient retries and stale claim recovery.
var transitions = map[ReminderStatus][]ReminderStatus{
	ReminderStatusPending: {ReminderStatusSending, ReminderStatusCancelled},
	ReminderStatusSending: {ReminderStatusSent, ReminderStatusFailed, ReminderStatusPending, ReminderStatusCancelled},
	ReminderStatusSent:    {ReminderStatusDelivered, ReminderStatusUndelivered, ReminderStatusFailed, ReminderStatusCancelled},
}

func (s ReminderStatus) IsTerminal() bool {
	switch s {
	case ReminderStatusDelivered, ReminderStatusUndelivered, ReminderStatusFailed, ReminderStatusCancelled:
		return true
	}
	return false
}

func (s ReminderStatus) IsValid() bool {
	switch s {
	case ReminderStatusPending, ReminderStatusSending, ReminderStatusSent,
		ReminderStatusDelivered, ReminderStatusUndelivered, ReminderStatusFailed, ReminderStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to ReminderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition wrapped with both states
// when from -> to is not allowed.
func ValidateTransition(from, to ReminderStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// NonTerminalStatuses returns the statuses an instance can still leave.
func NonTerminalStatuses() []ReminderStatus {
	return []ReminderStatus{ReminderStatusPending, ReminderStatusSending, ReminderStatusSent}
}
