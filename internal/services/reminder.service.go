package services

import (
	"context"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
)

type ReminderRepository interface {
	GetByID(ctx context.Context, id int64) (*model.ReminderInstance, error)
	List(ctx context.Context, f model.ReminderFilter) ([]*model.ReminderInstance, int64, error) // results, totalCount
}

type DeliveryLogRepository interface {
	ListByInstance(ctx context.Context, instanceID int64) ([]*model.DeliveryLog, error)
}

// ReminderService is the read side used by the admin query endpoints.
type ReminderService struct {
	reminders ReminderRepository
	logs      DeliveryLogRepository
}

func NewReminderService(reminders ReminderRepository, logs DeliveryLogRepository) *ReminderService {
	return &ReminderService{reminders: reminders, logs: logs}
}

func (s *ReminderService) List(ctx context.Context, f model.ReminderFilter) ([]*model.ReminderInstance, int64, error) {
	return s.reminders.List(ctx, f)
}

// Logs returns the delivery history of one reminder, oldest first.
func (s *ReminderService) Logs(ctx context.Context, id int64) ([]*model.DeliveryLog, error) {
	if _, err := s.reminders.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.logs.ListByInstance(ctx, id)
}
