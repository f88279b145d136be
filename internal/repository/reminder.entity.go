package repository

import (
	"time"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
)

type ReminderInstanceEntity struct {
	ID                int64                   `db:"id"                  gorm:"primaryKey;autoIncrement;column:id"`
	EventID           int64                   `db:"event_id"            gorm:"column:event_id;not null;uniqueIndex:ux_reminder_event_template,priority:1"`
	TemplateID        int64                   `db:"template_id"         gorm:"column:template_id;not null;uniqueIndex:ux_reminder_event_template,priority:2"`
	RecipientAddress  string                  `db:"recipient_address"   gorm:"column:recipient_address;not null;index"`
	RenderedBody      string                  `db:"rendered_body"       gorm:"column:rendered_body;not null"`
	ScheduledFor      time.Time               `db:"scheduled_for"       gorm:"column:scheduled_for;not null;index:ix_reminder_status_due,priority:2"`
	ClaimedBy         *string                 `db:"claimed_by"          gorm:"column:claimed_by"`
	ClaimedAt         *time.Time              `db:"claimed_at"          gorm:"column:claimed_at"`
	Status            string                  `db:"status"              gorm:"column:status;not null;default:pending;index:ix_reminder_status_due,priority:1"`
	ProviderMessageID *string                 `db:"provider_message_id" gorm:"column:provider_message_id;index"`
	AttemptCount      int                     `db:"attempt_count"       gorm:"column:attempt_count;not null;default:0"`
	LastError         *string                 `db:"last_error"          gorm:"column:last_error"`
	SentAt            *time.Time              `db:"sent_at"             gorm:"column:sent_at"`
	Confirmed         bool                    `db:"confirmed"           gorm:"column:confirmed;not null;default:false"`
	ConfirmedAt       *time.Time              `db:"confirmed_at"        gorm:"column:confirmed_at"`
	CreatedAt         time.Time               `db:"created_at"          gorm:"column:created_at"`
	UpdatedAt         time.Time               `db:"updated_at"          gorm:"column:updated_at"`
	DeliveryLogs      []*DeliveryLogEntity    `gorm:"foreignKey:InstanceID"`
	Event             *EventEntity            `gorm:"foreignKey:EventID;references:ID"`
	Template          *ReminderTemplateEntity `gorm:"foreignKey:TemplateID;references:ID"`
}

func (ReminderInstanceEntity) TableName() string {
	return "reminder_instances"
}

func toReminderEntity(m *model.ReminderInstance) *ReminderInstanceEntity {
	if m == nil {
		return nil
	}
	return &ReminderInstanceEntity{
		ID:                m.ID,
		EventID:           m.EventID,
		TemplateID:        m.TemplateID,
		RecipientAddress:  m.RecipientAddress,
		RenderedBody:      m.RenderedBody,
		ScheduledFor:      m.ScheduledFor.UTC(),
		ClaimedBy:         m.ClaimedBy,
		ClaimedAt:         m.ClaimedAt,
		Status:            string(m.Status),
		ProviderMessageID: m.ProviderMessageID,
		AttemptCount:      m.AttemptCount,
		LastError:         m.LastError,
		SentAt:            m.SentAt,
		Confirmed:         m.Confirmed,
		ConfirmedAt:       m.ConfirmedAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func toReminderModel(e *ReminderInstanceEntity) *model.ReminderInstance {
	if e == nil {
		return nil
	}
	return &model.ReminderInstance{
		ID:                e.ID,
		EventID:           e.EventID,
		TemplateID:        e.TemplateID,
		RecipientAddress:  e.RecipientAddress,
		RenderedBody:      e.RenderedBody,
		ScheduledFor:      e.ScheduledFor.UTC(),
		ClaimedBy:         e.ClaimedBy,
		ClaimedAt:         utcPtr(e.ClaimedAt),
		Status:            model.ReminderStatus(e.Status),
		ProviderMessageID: e.ProviderMessageID,
		AttemptCount:      e.AttemptCount,
		LastError:         e.LastError,
		SentAt:            utcPtr(e.SentAt),
		Confirmed:         e.Confirmed,
		ConfirmedAt:       utcPtr(e.ConfirmedAt),
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}

func toReminderModels(entities []*ReminderInstanceEntity) []*model.ReminderInstance {
	if entities == nil {
		return nil
	}
	models := make([]*model.ReminderInstance, len(entities))
	for i, e := range entities {
		models[i] = toReminderModel(e)
	}
	return models
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
