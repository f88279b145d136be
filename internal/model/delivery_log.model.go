package model

import "time"

// DeliveryLog is an append-only audit row, one per observed transition.
type DeliveryLog struct {
	ID           int64     `json:"id"`
	InstanceID   int64     `json:"instance_id"`
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	ProviderRaw  *string   `json:"provider_raw,omitempty"`
}

func NewDeliveryLog(instanceID int64, status string, at time.Time) *DeliveryLog {
	return &DeliveryLog{
		InstanceID: instanceID,
		Status:     status,
		Timestamp:  at,
	}
}

func (l *DeliveryLog) WithError(msg string) *DeliveryLog {
	if msg != "" {
		l.ErrorMessage = &msg
	}
	return l
}

func (l *DeliveryLog) WithRaw(raw string) *DeliveryLog {
	if raw != "" {
		l.ProviderRaw = &raw
	}
	return l
}
