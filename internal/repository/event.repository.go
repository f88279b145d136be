package repository

import (
	"context"
	"errors"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/pg"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type EventRepository struct {
	*pg.DB
}

func NewEventRepository(db *pg.DB) *EventRepository {
	return &EventRepository{
		db,
	}
}

// Upsert stores the latest known state of an event. The event source owns
// the id, so an existing row is overwritten in place unless it carries a
// newer updated_at than event. The stored row is returned either way.
func (r *EventRepository) Upsert(ctx context.Context, event *model.Event) (*model.Event, error) {
	entity := toEventEntity(event)
	if !entity.UpdatedAt.IsZero() {
		entity.UpdatedAt = entity.UpdatedAt.UTC()
	}

	err := r.Write(ctx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"recipient_address", "recipient_name", "location", "event_time", "cancelled", "updated_at"}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "events.updated_at <= excluded.updated_at"},
			}},
		}).
		Create(entity).
		Error
	if err != nil {
		return nil, err
	}

	return r.getFrom(r.Write(ctx), event.ID)
}

func (r *EventRepository) Get(ctx context.Context, id int64) (*model.Event, error) {
	return r.getFrom(r.Read(ctx).WithContext(ctx), id)
}

func (r *EventRepository) getFrom(db *gorm.DB, id int64) (*model.Event, error) {
	var entity EventEntity
	if err := db.Where("id = ?", id).First(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return toEventModel(&entity), nil
}
