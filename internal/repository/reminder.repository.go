package repository

import (
	"context"
	"errors"
	"time"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/pg"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ReminderRepository struct {
	*pg.DB
}

func NewReminderRepository(db *pg.DB) *ReminderRepository {
	return &ReminderRepository{
		db,
	}
}

// CreateIfAbsent inserts inst unless an instance for the same event/template
// pair already exists, in which case the stored row is returned with
// created=false.
func (r *ReminderRepository) CreateIfAbsent(ctx context.Context, inst *model.ReminderInstance) (*model.ReminderInstance, bool, error) {
	entity := toReminderEntity(inst)
	entity.ID = 0

	res := r.Write(ctx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}, {Name: "template_id"}},
			DoNothing: true,
		}).
		Create(entity)
	if res.Error != nil {
		return nil, false, res.Error
	}

	if res.RowsAffected == 0 {
		existing, err := r.getOne(r.Write(ctx).WithContext(ctx), "event_id = ? AND template_id = ?", inst.EventID, inst.TemplateID)
		return existing, false, err
	}

	return toReminderModel(entity), true, nil
}

func (r *ReminderRepository) GetByID(ctx context.Context, id int64) (*model.ReminderInstance, error) {
	return r.getOne(r.Write(ctx).WithContext(ctx), "id = ?", id)
}

func (r *ReminderRepository) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*model.ReminderInstance, error) {
	return r.getOne(r.Write(ctx).WithContext(ctx), "provider_message_id = ?", providerMessageID)
}

// LatestSentToRecipient returns the most recently sent instance for address
// that was not cancelled afterwards.
func (r *ReminderRepository) LatestSentToRecipient(ctx context.Context, address string) (*model.ReminderInstance, error) {
	var entity ReminderInstanceEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("recipient_address = ? AND sent_at IS NOT NULL AND status <> ?", address, model.ReminderStatusCancelled).
		Order("sent_at DESC, id DESC").
		First(&entity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return toReminderModel(&entity), nil
}

func (r *ReminderRepository) ListByEvent(ctx context.Context, eventID int64) ([]*model.ReminderInstance, error) {
	var entities []*ReminderInstanceEntity
	err := r.Write(ctx).WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("scheduled_for ASC, id ASC").
		Find(&entities).
		Error
	if err != nil {
		return nil, err
	}
	return toReminderModels(entities), nil
}

func (r *ReminderRepository) List(ctx context.Context, f model.ReminderFilter) ([]*model.ReminderInstance, int64, error) {
	q := r.Read(ctx).WithContext(ctx).Model(&ReminderInstanceEntity{})

	if f.EventID != nil {
		q = q.Where("event_id = ?", *f.EventID)
	}
	if f.TemplateID != nil {
		q = q.Where("template_id = ?", *f.TemplateID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(f.Statuses))
	}
	if f.Recipient != nil && *f.Recipient != "" {
		q = q.Where("recipient_address = ?", *f.Recipient)
	}
	if f.Confirmed != nil {
		q = q.Where("confirmed = ?", *f.Confirmed)
	}
	if f.From != nil {
		q = q.Where("scheduled_for >= ?", f.From.UTC())
	}
	if f.To != nil {
		q = q.Where("scheduled_for < ?", f.To.UTC())
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "scheduled_for ASC, id ASC"
	if f.Desc {
		order = "scheduled_for DESC, id DESC"
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var entities []*ReminderInstanceEntity
	if err := q.Order(order).Limit(limit).Offset(offset).Find(&entities).Error; err != nil {
		return nil, 0, err
	}

	return toReminderModels(entities), total, nil
}

// ReschedulePending moves a still pending instance to a new fire time.
// It reports false when the instance already left pending.
func (r *ReminderRepository) ReschedulePending(ctx context.Context, id int64, scheduledFor time.Time, body, recipient string, now time.Time) (bool, error) {
	return r.updateWhere(ctx, map[string]any{
		"scheduled_for":     scheduledFor.UTC(),
		"rendered_body":     body,
		"recipient_address": recipient,
		"updated_at":        now.UTC(),
	}, "id = ? AND status = ?", id, model.ReminderStatusPending)
}

// Cancel moves a pending or sent instance to cancelled and reports whether
// this call made the change.
func (r *ReminderRepository) Cancel(ctx context.Context, id int64, now time.Time) (bool, error) {
	return r.updateWhere(ctx, map[string]any{
		"status":     model.ReminderStatusCancelled,
		"updated_at": now.UTC(),
	}, "id = ? AND status IN ?", id, statusStrings([]model.ReminderStatus{model.ReminderStatusPending, model.ReminderStatusSent}))
}

// ClaimDue takes up to limit due instances for workerToken. Candidates are
// selected with SKIP LOCKED and each one is then taken by a conditional
// update on status = pending, so a row is claimed by at most one worker.
func (r *ReminderRepository) ClaimDue(ctx context.Context, workerToken string, now time.Time, limit int) ([]*model.ReminderInstance, error) {
	if limit <= 0 {
		return nil, nil
	}
	now = now.UTC()

	var claimed []*model.ReminderInstance
	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		var candidates []int64
		err := r.Write(ctx).
			Model(&ReminderInstanceEntity{}).
			Clauses(clause.Locking{
				Strength: "UPDATE",
				Table:    clause.Table{Name: "reminder_instances"},
				Options:  "SKIP LOCKED",
			}).
			Joins("JOIN events ON events.id = reminder_instances.event_id").
			Where("reminder_instances.status = ? AND reminder_instances.scheduled_for <= ? AND events.cancelled = ?",
				model.ReminderStatusPending, now, false).
			Order("reminder_instances.scheduled_for ASC, reminder_instances.id ASC").
			Limit(limit).
			Pluck("reminder_instances.id", &candidates).
			Error
		if err != nil {
			return err
		}

		ids := make([]int64, 0, len(candidates))
		for _, id := range candidates {
			won, err := r.updateWhere(ctx, map[string]any{
				"status":     model.ReminderStatusSending,
				"claimed_by": workerToken,
				"claimed_at": now,
				"updated_at": now,
			}, "id = ? AND status = ?", id, model.ReminderStatusPending)
			if err != nil {
				return err
			}
			if won {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return nil
		}

		var entities []*ReminderInstanceEntity
		err = r.Write(ctx).
			Where("id IN ?", ids).
			Order("scheduled_for ASC, id ASC").
			Find(&entities).
			Error
		if err != nil {
			return err
		}
		claimed = toReminderModels(entities)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkSent records a provider acceptance. All Mark* and Requeue calls are
// guarded by status = sending and the caller's claim token; false means the
// claim was lost.
func (r *ReminderRepository) MarkSent(ctx context.Context, id int64, workerToken, providerMessageID string, now time.Time) (bool, error) {
	return r.releaseClaim(ctx, id, workerToken, map[string]any{
		"status":              model.ReminderStatusSent,
		"provider_message_id": providerMessageID,
		"sent_at":             now.UTC(),
		"last_error":          nil,
	}, now)
}

func (r *ReminderRepository) MarkFailed(ctx context.Context, id int64, workerToken, lastError string, now time.Time) (bool, error) {
	return r.releaseClaim(ctx, id, workerToken, map[string]any{
		"status":     model.ReminderStatusFailed,
		"last_error": lastError,
	}, now)
}

// Requeue returns a claimed instance to pending with a new fire time.
func (r *ReminderRepository) Requeue(ctx context.Context, id int64, workerToken string, nextAt time.Time, lastError string, now time.Time) (bool, error) {
	return r.releaseClaim(ctx, id, workerToken, map[string]any{
		"status":        model.ReminderStatusPending,
		"scheduled_for": nextAt.UTC(),
		"last_error":    lastError,
	}, now)
}

func (r *ReminderRepository) releaseClaim(ctx context.Context, id int64, workerToken string, values map[string]any, now time.Time) (bool, error) {
	values["attempt_count"] = gorm.Expr("attempt_count + 1")
	values["claimed_by"] = nil
	values["claimed_at"] = nil
	values["updated_at"] = now.UTC()
	return r.updateWhere(ctx, values, "id = ? AND status = ? AND claimed_by = ?", id, model.ReminderStatusSending, workerToken)
}

// RefreshClaim moves claimed_at to now while the claim is still held by
// workerToken. It reports false once the claim was released or taken over.
func (r *ReminderRepository) RefreshClaim(ctx context.Context, id int64, workerToken string, now time.Time) (bool, error) {
	now = now.UTC()
	return r.updateWhere(ctx, map[string]any{
		"claimed_at": now,
		"updated_at": now,
	}, "id = ? AND status = ? AND claimed_by = ?", id, model.ReminderStatusSending, workerToken)
}

// CancelClaimed ends a claim held by workerToken as cancelled when the
// instance's event has been cancelled in the meantime.
func (r *ReminderRepository) CancelClaimed(ctx context.Context, id int64, workerToken, lastError string, countAttempt bool, now time.Time) (bool, error) {
	return r.cancelClaim(ctx, lastError, countAttempt, now,
		"id = ? AND status = ? AND claimed_by = ?", id, model.ReminderStatusSending, workerToken)
}

// CancelStaleClaim is CancelClaimed for the sweep, with the staleness guard
// of ReleaseStaleClaim.
func (r *ReminderRepository) CancelStaleClaim(ctx context.Context, inst *model.ReminderInstance, cutoff, now time.Time) (bool, error) {
	if inst.ClaimedBy == nil {
		return false, nil
	}
	return r.cancelClaim(ctx, model.ErrStaleClaim.Error(), true, now,
		"id = ? AND status = ? AND claimed_by = ? AND claimed_at <= ?", inst.ID, model.ReminderStatusSending, *inst.ClaimedBy, cutoff.UTC())
}

func (r *ReminderRepository) cancelClaim(ctx context.Context, lastError string, countAttempt bool, now time.Time, query string, args ...any) (bool, error) {
	values := map[string]any{
		"status":     model.ReminderStatusCancelled,
		"last_error": lastError,
		"claimed_by": nil,
		"claimed_at": nil,
		"updated_at": now.UTC(),
	}
	if countAttempt {
		values["attempt_count"] = gorm.Expr("attempt_count + 1")
	}
	args = append(args, true)
	return r.updateWhere(ctx, values, query+" AND event_id IN (SELECT id FROM events WHERE cancelled = ?)", args...)
}

// ListStaleClaims returns sending instances claimed at or before cutoff.
func (r *ReminderRepository) ListStaleClaims(ctx context.Context, cutoff time.Time, limit int) ([]*model.ReminderInstance, error) {
	var entities []*ReminderInstanceEntity
	err := r.Write(ctx).WithContext(ctx).
		Where("status = ? AND claimed_at <= ?", model.ReminderStatusSending, cutoff.UTC()).
		Order("claimed_at ASC, id ASC").
		Limit(limit).
		Find(&entities).
		Error
	if err != nil {
		return nil, err
	}
	return toReminderModels(entities), nil
}

// ReleaseStaleClaim recovers an abandoned claim, moving the instance to
// pending (or failed once retries are exhausted) and counting the attempt.
// The guard repeats the staleness test so a claim refreshed in between is
// left alone.
func (r *ReminderRepository) ReleaseStaleClaim(ctx context.Context, inst *model.ReminderInstance, to model.ReminderStatus, cutoff, now time.Time) (bool, error) {
	if inst.ClaimedBy == nil {
		return false, nil
	}
	return r.updateWhere(ctx, map[string]any{
		"status":        to,
		"attempt_count": gorm.Expr("attempt_count + 1"),
		"last_error":    model.ErrStaleClaim.Error(),
		"claimed_by":    nil,
		"claimed_at":    nil,
		"updated_at":    now.UTC(),
	}, "id = ? AND status = ? AND claimed_by = ? AND claimed_at <= ?", inst.ID, model.ReminderStatusSending, *inst.ClaimedBy, cutoff.UTC())
}

// ListRefreshable pages through sent instances whose sent_at is at or before
// sentBefore, in id order starting after afterID.
func (r *ReminderRepository) ListRefreshable(ctx context.Context, sentBefore time.Time, afterID int64, limit int) ([]*model.ReminderInstance, error) {
	var entities []*ReminderInstanceEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("status = ? AND provider_message_id IS NOT NULL AND sent_at <= ? AND id > ?",
			model.ReminderStatusSent, sentBefore.UTC(), afterID).
		Order("id ASC").
		Limit(limit).
		Find(&entities).
		Error
	if err != nil {
		return nil, err
	}
	return toReminderModels(entities), nil
}

// ApplyDeliveryStatus moves a sent instance to a final delivery state.
func (r *ReminderRepository) ApplyDeliveryStatus(ctx context.Context, id int64, to model.ReminderStatus, lastError string, now time.Time) (bool, error) {
	if err := model.ValidateTransition(model.ReminderStatusSent, to); err != nil {
		return false, err
	}
	values := map[string]any{
		"status":     to,
		"updated_at": now.UTC(),
	}
	if lastError != "" {
		values["last_error"] = lastError
	}
	return r.updateWhere(ctx, values, "id = ? AND status = ?", id, model.ReminderStatusSent)
}

// Confirm sets the confirmation fields once. A second call reports false and
// leaves confirmed_at untouched.
func (r *ReminderRepository) Confirm(ctx context.Context, id int64, receivedAt, now time.Time) (bool, error) {
	return r.updateWhere(ctx, map[string]any{
		"confirmed":    true,
		"confirmed_at": receivedAt.UTC(),
		"updated_at":   now.UTC(),
	}, "id = ? AND confirmed = ?", id, false)
}

// CountByStatus is used for queue depth gauges.
func (r *ReminderRepository) CountByStatus(ctx context.Context) (map[model.ReminderStatus]int64, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	err := r.Read(ctx).WithContext(ctx).
		Model(&ReminderInstanceEntity{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).
		Error
	if err != nil {
		return nil, err
	}

	counts := make(map[model.ReminderStatus]int64, len(rows))
	for _, row := range rows {
		counts[model.ReminderStatus(row.Status)] = row.Total
	}
	return counts, nil
}

func (r *ReminderRepository) updateWhere(ctx context.Context, values map[string]any, query string, args ...any) (bool, error) {
	res := r.Write(ctx).WithContext(ctx).
		Model(&ReminderInstanceEntity{}).
		Where(query, args...).
		Updates(values)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *ReminderRepository) getOne(db *gorm.DB, query string, args ...any) (*model.ReminderInstance, error) {
	var entity ReminderInstanceEntity
	if err := db.Where(query, args...).First(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return toReminderModel(&entity), nil
}

func statusStrings(statuses []model.ReminderStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
