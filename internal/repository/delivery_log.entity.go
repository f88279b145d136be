package repository

import (
	"time"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
)

type DeliveryLogEntity struct {
	ID           int64     `db:"id"            gorm:"primaryKey;autoIncrement;column:id"`
	InstanceID   int64     `db:"instance_id"   gorm:"column:instance_id;not null;index"`
	Status       string    `db:"status"        gorm:"column:status;not null;index"`
	Timestamp    time.Time `db:"timestamp"     gorm:"column:timestamp;not null"`
	ErrorMessage *string   `db:"error_message" gorm:"column:error_message"`
	ProviderRaw  *string   `db:"provider_raw"  gorm:"column:provider_raw"`
}

func (DeliveryLogEntity) TableName() string {
	return "delivery_logs"
}

func toDeliveryLogEntity(m *model.DeliveryLog) *DeliveryLogEntity {
	if m == nil {
		return nil
	}
	return &DeliveryLogEntity{
		ID:           m.ID,
		InstanceID:   m.InstanceID,
		Status:       m.Status,
		Timestamp:    m.Timestamp.UTC(),
		ErrorMessage: m.ErrorMessage,
		ProviderRaw:  m.ProviderRaw,
	}
}

func toDeliveryLogModel(e *DeliveryLogEntity) *model.DeliveryLog {
	if e == nil {
		return nil
	}
	return &model.DeliveryLog{
		ID:           e.ID,
		InstanceID:   e.InstanceID,
		Status:       e.Status,
		Timestamp:    e.Timestamp.UTC(),
		ErrorMessage: e.ErrorMessage,
		ProviderRaw:  e.ProviderRaw,
	}
}

func toDeliveryLogModels(entities []*DeliveryLogEntity) []*model.DeliveryLog {
	if entities == nil {
		return nil
	}
	models := make([]*model.DeliveryLog, len(entities))
	for i, e := range entities {
		models[i] = toDeliveryLogModel(e)
	}
	return models
}
