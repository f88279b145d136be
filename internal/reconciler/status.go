package reconciler

import (
	"strings"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
)

// providerStatuses maps provider and SMPP style delivery states to final
// reminder states. Anything else is still in flight.
var providerStatuses = map[string]model.ReminderStatus{
	"DELIVERED":   model.ReminderStatusDelivered,
	"DELIVRD":     model.ReminderStatusDelivered,
	"UNDELIVERED": model.ReminderStatusUndelivered,
	"UNDELIV":     model.ReminderStatusUndelivered,
	"EXPIRED":     model.ReminderStatusUndelivered,
	"REJECTED":    model.ReminderStatusUndelivered,
	"REJECTD":     model.ReminderStatusUndelivered,
	"FAILED":      model.ReminderStatusFailed,
}

// MapStatus reports the final state for a provider status. ok is false for
// in-progress or unknown values, which leave the instance in sent.
func MapStatus(providerStatus string) (model.ReminderStatus, bool) {
	st, ok := providerStatuses[strings.ToUpper(strings.TrimSpace(providerStatus))]
	return st, ok
}
