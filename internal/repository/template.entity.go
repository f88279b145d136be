package repository

import (
	"time"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
)

type ReminderTemplateEntity struct {
	ID             int64     `db:"id"              gorm:"primaryKey;autoIncrement;column:id"`
	Name           string    `db:"name"            gorm:"column:name;not null"`
	MessagePattern string    `db:"message_pattern" gorm:"column:message_pattern;not null"`
	OffsetDays     int       `db:"offset_days"     gorm:"column:offset_days;not null;default:0"`
	Active         bool      `db:"active"          gorm:"column:active;not null;index"`
	CreatedAt      time.Time `db:"created_at"      gorm:"column:created_at"`
	UpdatedAt      time.Time `db:"updated_at"      gorm:"column:updated_at"`
}

func (ReminderTemplateEntity) TableName() string {
	return "reminder_templates"
}

func toTemplateEntity(m *model.ReminderTemplate) *ReminderTemplateEntity {
	if m == nil {
		return nil
	}
	return &ReminderTemplateEntity{
		ID:             m.ID,
		Name:           m.Name,
		MessagePattern: m.MessagePattern,
		OffsetDays:     m.OffsetDays,
		Active:         m.Active,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func toTemplateModel(e *ReminderTemplateEntity) *model.ReminderTemplate {
	if e == nil {
		return nil
	}
	return &model.ReminderTemplate{
		ID:             e.ID,
		Name:           e.Name,
		MessagePattern: e.MessagePattern,
		OffsetDays:     e.OffsetDays,
		Active:         e.Active,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

func toTemplateModels(entities []*ReminderTemplateEntity) []*model.ReminderTemplate {
	if entities == nil {
		return nil
	}
	models := make([]*model.ReminderTemplate, len(entities))
	for i, e := range entities {
		models[i] = toTemplateModel(e)
	}
	return models
}
