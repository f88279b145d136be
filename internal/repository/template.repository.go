package repository

import (
	"context"
	"errors"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/pg"
	"gorm.io/gorm"
)

type TemplateRepository struct {
	*pg.DB
}

func NewTemplateRepository(db *pg.DB) *TemplateRepository {
	return &TemplateRepository{
		db,
	}
}

func (r *TemplateRepository) Create(ctx context.Context, tpl *model.ReminderTemplate) (*model.ReminderTemplate, error) {
	entity := toTemplateEntity(tpl)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toTemplateModel(entity), nil
}

func (r *TemplateRepository) Get(ctx context.Context, id int64) (*model.ReminderTemplate, error) {
	var entity ReminderTemplateEntity
	if err := r.Read(ctx).WithContext(ctx).Where("id = ?", id).First(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return toTemplateModel(&entity), nil
}

// ListActive returns active templates ordered by offset, furthest first.
func (r *TemplateRepository) ListActive(ctx context.Context) ([]*model.ReminderTemplate, error) {
	var entities []*ReminderTemplateEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("active = ?", true).
		Order("offset_days DESC, id ASC").
		Find(&entities).
		Error
	if err != nil {
		return nil, err
	}
	return toTemplateModels(entities), nil
}

func (r *TemplateRepository) SetActive(ctx context.Context, id int64, active bool) error {
	res := r.Write(ctx).WithContext(ctx).
		Model(&ReminderTemplateEntity{}).
		Where("id = ?", id).
		Update("active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}
