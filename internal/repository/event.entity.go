package repository

import (
	"time"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
)

type EventEntity struct {
	ID               int64     `db:"id"                gorm:"primaryKey;autoIncrement:false;column:id"`
	RecipientAddress string    `db:"recipient_address" gorm:"column:recipient_address;not null"`
	RecipientName    string    `db:"recipient_name"    gorm:"column:recipient_name;not null;default:''"`
	Location         string    `db:"location"          gorm:"column:location;not null;default:''"`
	EventTime        time.Time `db:"event_time"        gorm:"column:event_time;not null"`
	Cancelled        bool      `db:"cancelled"         gorm:"column:cancelled;not null;default:false"`
	CreatedAt        time.Time `db:"created_at"        gorm:"column:created_at"`
	UpdatedAt        time.Time `db:"updated_at"        gorm:"column:updated_at"`
}

func (EventEntity) TableName() string {
	return "events"
}

func toEventEntity(m *model.Event) *EventEntity {
	if m == nil {
		return nil
	}
	return &EventEntity{
		ID:               m.ID,
		RecipientAddress: m.RecipientAddress,
		RecipientName:    m.RecipientName,
		Location:         m.Location,
		EventTime:        m.EventTime.UTC(),
		Cancelled:        m.Cancelled,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func toEventModel(e *EventEntity) *model.Event {
	if e == nil {
		return nil
	}
	return &model.Event{
		ID:               e.ID,
		RecipientAddress: e.RecipientAddress,
		RecipientName:    e.RecipientName,
		Location:         e.Location,
		EventTime:        e.EventTime.UTC(),
		Cancelled:        e.Cancelled,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
	}
}
