package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/logger"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/prom"
)

// Sweeper recovers claims left in sending by a crashed or stuck worker.
type Sweeper struct {
	reminders ReminderStore
	logs      LogStore
	config    Config
	now       func() time.Time
}

func NewSweeper(reminders ReminderStore, logs LogStore, config Config) *Sweeper {
	return &Sweeper{
		reminders: reminders,
		logs:      logs,
		config:    config.withDefaults(),
		now:       time.Now,
	}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Sweep reverts every sending instance claimed more than StaleClaimAfter ago
// to pending, or to failed once the counted attempt exceeds MaxRetries.
// Instances of a cancelled event are cancelled instead.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	cutoff := now.Add(-s.config.StaleClaimAfter)

	recovered := 0
	var errs []error
	for {
		stale, err := s.reminders.ListStaleClaims(ctx, cutoff, s.config.BatchSize)
		if err != nil {
			return recovered, fmt.Errorf("list stale claims: %w", err)
		}

		progressed := false
		for _, inst := range stale {
			ok, err := s.release(ctx, inst, cutoff, now)
			if err != nil {
				errs = append(errs, fmt.Errorf("release reminder %d: %w", inst.ID, err))
				continue
			}
			if ok {
				recovered++
				progressed = true
			}
		}

		if len(stale) < s.config.BatchSize || !progressed {
			break
		}
	}

	if recovered > 0 {
		logger.Warn("Recovered stale claims", "count", recovered, "cutoff", cutoff)
	}
	return recovered, errors.Join(errs...)
}

func (s *Sweeper) release(ctx context.Context, inst *model.ReminderInstance, cutoff, now time.Time) (bool, error) {
	to := model.ReminderStatusPending
	if inst.AttemptCount+1 > s.config.MaxRetries {
		to = model.ReminderStatusFailed
	}

	released := false
	err := s.reminders.WithinTransaction(ctx, func(ctx context.Context) error {
		cancelled, err := s.reminders.CancelStaleClaim(ctx, inst, cutoff, now)
		if err != nil {
			return err
		}
		if cancelled {
			to = model.ReminderStatusCancelled
			released = true
			_, err = s.logs.Append(ctx, model.NewDeliveryLog(inst.ID, string(to), now).WithError("event cancelled"))
			return err
		}

		ok, err := s.reminders.ReleaseStaleClaim(ctx, inst, to, cutoff, now)
		if err != nil || !ok {
			return err
		}
		released = true
		_, err = s.logs.Append(ctx, model.NewDeliveryLog(inst.ID, string(to), now).WithError(model.ErrStaleClaim.Error()))
		return err
	})
	if err != nil {
		return false, err
	}
	if released {
		prom.IncStaleClaimRecovered(string(to))
		logger.Info("Stale claim released", "instance_id", inst.ID, "claimed_by", deref(inst.ClaimedBy), "status", to)
	}
	return released, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
