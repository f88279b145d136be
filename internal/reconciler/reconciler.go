package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	gateway "github.com/chrisallenlawyer/law-firm-sms-sub001/internal/gateways"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/logger"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/prom"
)

var ErrNoStatusProvider = errors.New("no status provider configured")

const (
	SourcePoll     = "poll"
	SourceCallback = "callback"
)

type StatusProvider interface {
	FetchStatus(ctx context.Context, providerMessageID string) (*gateway.StatusResult, error)
}

type ReminderStore interface {
	GetByID(ctx context.Context, id int64) (*model.ReminderInstance, error)
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*model.ReminderInstance, error)
	ListRefreshable(ctx context.Context, sentBefore time.Time, afterID int64, limit int) ([]*model.ReminderInstance, error)
	ApplyDeliveryStatus(ctx context.Context, id int64, to model.ReminderStatus, lastError string, now time.Time) (bool, error)
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type LogStore interface {
	Append(ctx context.Context, log *model.DeliveryLog) (*model.DeliveryLog, error)
}

type Config struct {
	// Grace keeps a freshly sent instance out of polling until the provider
	// had a chance to report on it.
	Grace     time.Duration
	BatchSize int
	Timeout   time.Duration
}

// PassResult summarizes one RunPass.
type PassResult struct {
	Checked int
	Changed int
	Errors  int
}

type Reconciler struct {
	reminders ReminderStore
	logs      LogStore
	provider  StatusProvider
	config    Config
	now       func() time.Time
}

func New(reminders ReminderStore, logs LogStore, provider StatusProvider, config Config) *Reconciler {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &Reconciler{
		reminders: reminders,
		logs:      logs,
		provider:  provider,
		config:    config,
		now:       time.Now,
	}
}

func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Refresh polls the provider for one instance and returns its status
// afterwards. Instances not in sent are returned unchanged.
func (r *Reconciler) Refresh(ctx context.Context, id int64) (model.ReminderStatus, error) {
	inst, err := r.reminders.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return r.refresh(ctx, inst)
}

func (r *Reconciler) refresh(ctx context.Context, inst *model.ReminderInstance) (model.ReminderStatus, error) {
	if inst.Status != model.ReminderStatusSent || inst.ProviderMessageID == nil {
		return inst.Status, nil
	}
	if r.provider == nil {
		return inst.Status, ErrNoStatusProvider
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()
	res, err := r.provider.FetchStatus(fetchCtx, *inst.ProviderMessageID)
	if err != nil {
		return inst.Status, fmt.Errorf("fetch status of %s: %w", *inst.ProviderMessageID, err)
	}

	return r.apply(ctx, inst, res.Status, res.ErrorText, res.Raw, SourcePoll)
}

// RunPass refreshes every sent instance older than the grace period, in id
// ordered batches. A failed lookup is counted and skipped until the next pass.
func (r *Reconciler) RunPass(ctx context.Context) (PassResult, error) {
	var result PassResult
	sentBefore := r.now().UTC().Add(-r.config.Grace)

	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		batch, err := r.reminders.ListRefreshable(ctx, sentBefore, afterID, r.config.BatchSize)
		if err != nil {
			return result, fmt.Errorf("list sent reminders: %w", err)
		}

		for _, inst := range batch {
			afterID = inst.ID
			result.Checked++

			st, err := r.refresh(ctx, inst)
			if err != nil {
				result.Errors++
				logger.Warn("Status refresh failed", "instance_id", inst.ID, "error", err)
				continue
			}
			if st != model.ReminderStatusSent {
				result.Changed++
			}
		}

		if len(batch) < r.config.BatchSize {
			break
		}
	}

	if result.Checked > 0 {
		logger.Info("Reconciliation pass done", "checked", result.Checked, "changed", result.Changed, "errors", result.Errors)
	}
	return result, nil
}

// ApplyCallback applies a provider delivery report. Reports for instances
// already past sent are accepted and ignored.
func (r *Reconciler) ApplyCallback(ctx context.Context, providerMessageID, providerStatus, errorText, raw string) (model.ReminderStatus, error) {
	inst, err := r.reminders.GetByProviderMessageID(ctx, providerMessageID)
	if err != nil {
		return "", err
	}
	if inst.Status != model.ReminderStatusSent {
		logger.Debug("Ignoring callback for settled reminder", "instance_id", inst.ID, "status", inst.Status, "provider_status", providerStatus)
		return inst.Status, nil
	}
	return r.apply(ctx, inst, providerStatus, errorText, raw, SourceCallback)
}

func (r *Reconciler) apply(ctx context.Context, inst *model.ReminderInstance, providerStatus, errorText, raw, source string) (model.ReminderStatus, error) {
	to, final := MapStatus(providerStatus)
	if !final {
		return model.ReminderStatusSent, nil
	}

	now := r.now().UTC()
	changed := false
	err := r.reminders.WithinTransaction(ctx, func(ctx context.Context) error {
		ok, err := r.reminders.ApplyDeliveryStatus(ctx, inst.ID, to, errorText, now)
		if err != nil || !ok {
			return err
		}
		changed = true
		_, err = r.logs.Append(ctx, model.NewDeliveryLog(inst.ID, string(to), now).WithError(errorText).WithRaw(raw))
		return err
	})
	if err != nil {
		return model.ReminderStatusSent, fmt.Errorf("apply %s to reminder %d: %w", to, inst.ID, err)
	}

	if !changed {
		// someone else settled it first
		current, err := r.reminders.GetByID(ctx, inst.ID)
		if err != nil {
			return "", err
		}
		return current.Status, nil
	}

	prom.IncReconcilerTransition(source, string(to))
	if to == model.ReminderStatusDelivered && inst.SentAt != nil {
		prom.ObserveDeliveryLatency(now.Sub(*inst.SentAt).Seconds())
	}
	logger.Info("Delivery status applied", "instance_id", inst.ID, "status", to, "provider_status", providerStatus, "source", source)
	return to, nil
}
