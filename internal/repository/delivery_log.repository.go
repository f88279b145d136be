package repository

import (
	"context"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/pg"
)

type DeliveryLogRepository struct {
	*pg.DB
}

func NewDeliveryLogRepository(db *pg.DB) *DeliveryLogRepository {
	return &DeliveryLogRepository{
		db,
	}
}

// Append writes one audit row. Rows are never updated or deleted.
func (r *DeliveryLogRepository) Append(ctx context.Context, log *model.DeliveryLog) (*model.DeliveryLog, error) {
	entity := toDeliveryLogEntity(log)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toDeliveryLogModel(entity), nil
}

// ListByInstance returns the log rows of one instance in insertion order.
func (r *DeliveryLogRepository) ListByInstance(ctx context.Context, instanceID int64) ([]*model.DeliveryLog, error) {
	var entities []*DeliveryLogEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("id ASC").
		Find(&entities).
		Error
	if err != nil {
		return nil, err
	}
	return toDeliveryLogModels(entities), nil
}

func (r *DeliveryLogRepository) CountByStatus(ctx context.Context, instanceID int64, status string) (int64, error) {
	var n int64
	err := r.Read(ctx).WithContext(ctx).
		Model(&DeliveryLogEntity{}).
		Where("instance_id = ? AND status = ?", instanceID, status).
		Count(&n).
		Error
	return n, err
}
