package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	gateway "github.com/chrisallenlawyer/law-firm-sms-sub001/internal/gateways"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/logger"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/prom"
)

// Provider sends one message. Errors are *gateway.PermanentError or
// *gateway.TransientError; anything else is treated as transient.
type Provider interface {
	Send(ctx context.Context, req gateway.SendRequest) (*gateway.SendResult, error)
}

type ReminderStore interface {
	ClaimDue(ctx context.Context, workerToken string, now time.Time, limit int) ([]*model.ReminderInstance, error)
	RefreshClaim(ctx context.Context, id int64, workerToken string, now time.Time) (bool, error)
	MarkSent(ctx context.Context, id int64, workerToken, providerMessageID string, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, id int64, workerToken, lastError string, now time.Time) (bool, error)
	Requeue(ctx context.Context, id int64, workerToken string, nextAt time.Time, lastError string, now time.Time) (bool, error)
	CancelClaimed(ctx context.Context, id int64, workerToken, lastError string, countAttempt bool, now time.Time) (bool, error)
	CancelStaleClaim(ctx context.Context, inst *model.ReminderInstance, cutoff, now time.Time) (bool, error)
	ListStaleClaims(ctx context.Context, cutoff time.Time, limit int) ([]*model.ReminderInstance, error)
	ReleaseStaleClaim(ctx context.Context, inst *model.ReminderInstance, to model.ReminderStatus, cutoff, now time.Time) (bool, error)
	CountByStatus(ctx context.Context) (map[model.ReminderStatus]int64, error)
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type LogStore interface {
	Append(ctx context.Context, log *model.DeliveryLog) (*model.DeliveryLog, error)
}

type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeFailed    Outcome = "failed"
	OutcomeRetried   Outcome = "retried"
	OutcomeClaimLost Outcome = "claim_lost"
	// OutcomeCancelled means the event was cancelled while the instance was
	// claimed.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeError means the outcome could not be written. The claim stays
	// in place and the stale sweep recovers it.
	OutcomeError Outcome = "error"
)

type Config struct {
	BatchSize       int
	Timeout         time.Duration
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	StaleClaimAfter time.Duration
	CallbackURL     string
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Minute
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Hour
	}
	if c.StaleClaimAfter <= 0 {
		c.StaleClaimAfter = 5 * time.Minute
	}
	return c
}

// Validate rejects settings under which a claimed batch can outlive
// StaleClaimAfter before its last instance is sent.
func (c Config) Validate() error {
	c = c.withDefaults()
	if time.Duration(c.BatchSize)*c.Timeout >= c.StaleClaimAfter {
		return fmt.Errorf("dispatch batch size %d x timeout %s must stay below the stale claim age %s",
			c.BatchSize, c.Timeout, c.StaleClaimAfter)
	}
	return nil
}

// Worker claims due reminders under its own token and sends them.
type Worker struct {
	token     string
	reminders ReminderStore
	logs      LogStore
	provider  Provider
	config    Config
	now       func() time.Time
}

func NewWorker(token string, reminders ReminderStore, logs LogStore, provider Provider, config Config) *Worker {
	return &Worker{
		token:     token,
		reminders: reminders,
		logs:      logs,
		provider:  provider,
		config:    config.withDefaults(),
		now:       time.Now,
	}
}

func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

func (w *Worker) Token() string {
	return w.token
}

// ClaimDue takes up to limit due reminders for this worker. Rows won by
// another worker are simply absent from the result.
func (w *Worker) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*model.ReminderInstance, error) {
	claimed, err := w.reminders.ClaimDue(ctx, w.token, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due reminders: %w", err)
	}
	prom.AddDispatchClaimed(len(claimed))
	return claimed, nil
}

// RunOnce claims one batch and dispatches it in order. Per instance failures
// are recorded on the instance and never abort the batch.
func (w *Worker) RunOnce(ctx context.Context) (map[Outcome]int, error) {
	claimed, err := w.ClaimDue(ctx, w.now(), w.config.BatchSize)
	if err != nil {
		return nil, err
	}

	outcomes := make(map[Outcome]int)
	for _, inst := range claimed {
		outcomes[w.Dispatch(ctx, inst)]++
	}
	if len(claimed) > 0 {
		logger.Info("Dispatch batch done", "worker", w.token, "claimed", len(claimed), "outcomes", outcomes)
	}
	return outcomes, nil
}

// Dispatch sends a reminder this worker has claimed and records the result.
func (w *Worker) Dispatch(ctx context.Context, inst *model.ReminderInstance) Outcome {
	if inst.Status != model.ReminderStatusSending || inst.ClaimedBy == nil || *inst.ClaimedBy != w.token {
		logger.Warn("Reminder is not claimed by this worker", "instance_id", inst.ID, "worker", w.token, "status", inst.Status)
		return OutcomeClaimLost
	}

	start := time.Now()

	if outcome, err := w.holdClaim(ctx, inst); outcome != "" || err != nil {
		switch {
		case errors.Is(err, model.ErrClaimConflict):
			logger.Warn("Claim lost before send", "instance_id", inst.ID, "worker", w.token)
			outcome = OutcomeClaimLost
		case err != nil:
			logger.Error("Failed to refresh claim", "instance_id", inst.ID, "worker", w.token, "error", err)
			outcome = OutcomeError
		}
		prom.ObserveDispatch(string(outcome), time.Since(start).Seconds())
		return outcome
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	res, sendErr := w.provider.Send(sendCtx, gateway.SendRequest{
		Reference:   strconv.FormatInt(inst.ID, 10),
		PhoneNumber: inst.RecipientAddress,
		Content:     inst.RenderedBody,
		CallbackURL: w.config.CallbackURL,
	})
	cancel()
	if sendErr == nil && (res == nil || res.ProviderMessageID == "") {
		sendErr = &gateway.PermanentError{Message: "provider accepted without a message id"}
	}

	// the send may already have happened, so the outcome is written even
	// when ctx was cancelled meanwhile
	writeCtx := context.WithoutCancel(ctx)
	now := w.now().UTC()

	var outcome Outcome
	var err error
	switch {
	case sendErr == nil:
		outcome, err = w.recordSent(writeCtx, inst, res, now)
	case gateway.IsPermanent(sendErr):
		outcome, err = w.recordFailed(writeCtx, inst, sendErr.Error(), now)
	default:
		outcome, err = w.recordTransient(writeCtx, inst, sendErr, now)
	}
	if err != nil {
		logger.Error("Failed to record dispatch outcome", "instance_id", inst.ID, "worker", w.token, "error", err)
		outcome = OutcomeError
	}

	if outcome == OutcomeClaimLost {
		logger.Warn("Claim lost before the outcome was recorded", "instance_id", inst.ID, "worker", w.token, "send_error", sendErr)
	}

	prom.ObserveDispatch(string(outcome), time.Since(start).Seconds())
	return outcome
}

// holdClaim checks the claim against the store right before the send and
// renews claimed_at so the sweep leaves it alone for another StaleClaimAfter.
// A non empty outcome means the send must not happen; a lost claim is
// reported as ErrClaimConflict.
func (w *Worker) holdClaim(ctx context.Context, inst *model.ReminderInstance) (Outcome, error) {
	now := w.now().UTC()
	var outcome Outcome
	err := w.reminders.WithinTransaction(ctx, func(ctx context.Context) error {
		cancelled, err := w.reminders.CancelClaimed(ctx, inst.ID, w.token, "event cancelled", false, now)
		if err != nil {
			return err
		}
		if cancelled {
			outcome = OutcomeCancelled
			_, err = w.logs.Append(ctx, model.NewDeliveryLog(inst.ID, string(model.ReminderStatusCancelled), now).WithError("event cancelled"))
			return err
		}

		held, err := w.reminders.RefreshClaim(ctx, inst.ID, w.token, now)
		if err != nil {
			return err
		}
		if !held {
			return model.ErrClaimConflict
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if outcome == OutcomeCancelled {
		logger.Info("Claimed reminder cancelled before send", "instance_id", inst.ID, "event_id", inst.EventID)
	}
	return outcome, nil
}

func (w *Worker) recordSent(ctx context.Context, inst *model.ReminderInstance, res *gateway.SendResult, now time.Time) (Outcome, error) {
	outcome := OutcomeClaimLost
	err := w.reminders.WithinTransaction(ctx, func(ctx context.Context) error {
		ok, err := w.reminders.MarkSent(ctx, inst.ID, w.token, res.ProviderMessageID, now)
		if err != nil || !ok {
			return err
		}
		outcome = OutcomeSent
		_, err = w.logs.Append(ctx, model.NewDeliveryLog(inst.ID, string(model.ReminderStatusSent), now).WithRaw(res.Raw))
		return err
	})
	if err == nil && outcome == OutcomeSent {
		logger.Info("Reminder sent", "instance_id", inst.ID, "provider_message_id", res.ProviderMessageID, "attempt", inst.AttemptCount+1)
	}
	return outcome, err
}

func (w *Worker) recordFailed(ctx context.Context, inst *model.ReminderInstance, reason string, now time.Time) (Outcome, error) {
	outcome := OutcomeClaimLost
	err := w.reminders.WithinTransaction(ctx, func(ctx context.Context) error {
		ok, err := w.reminders.MarkFailed(ctx, inst.ID, w.token, reason, now)
		if err != nil || !ok {
			return err
		}
		outcome = OutcomeFailed
		_, err = w.logs.Append(ctx, model.NewDeliveryLog(inst.ID, string(model.ReminderStatusFailed), now).WithError(reason))
		return err
	})
	if err == nil && outcome == OutcomeFailed {
		logger.Warn("Reminder failed", "instance_id", inst.ID, "attempt", inst.AttemptCount+1, "reason", reason)
	}
	return outcome, err
}

// recordTransient requeues with backoff, or fails the instance once the
// attempt count would exceed MaxRetries. An instance whose event was
// cancelled during the send is cancelled instead of requeued.
func (w *Worker) recordTransient(ctx context.Context, inst *model.ReminderInstance, sendErr error, now time.Time) (Outcome, error) {
	attempts := inst.AttemptCount + 1
	if attempts > w.config.MaxRetries {
		return w.recordFailed(ctx, inst, fmt.Sprintf("retries exhausted after %d attempts: %v", attempts, sendErr), now)
	}

	nextAt := now.Add(Backoff(w.config.BackoffBase, w.config.BackoffCap, inst.AttemptCount))
	reason := sendErr.Error()

	outcome := OutcomeClaimLost
	err := w.reminders.WithinTransaction(ctx, func(ctx context.Context) error {
		cancelled, err := w.reminders.CancelClaimed(ctx, inst.ID, w.token, reason, true, now)
		if err != nil {
			return err
		}
		if cancelled {
			outcome = OutcomeCancelled
			_, err = w.logs.Append(ctx, model.NewDeliveryLog(inst.ID, string(model.ReminderStatusCancelled), now).WithError("event cancelled"))
			return err
		}

		ok, err := w.reminders.Requeue(ctx, inst.ID, w.token, nextAt, reason, now)
		if err != nil || !ok {
			return err
		}
		outcome = OutcomeRetried
		_, err = w.logs.Append(ctx, model.NewDeliveryLog(inst.ID, string(model.ReminderStatusPending), now).WithError(reason))
		return err
	})
	if err == nil {
		switch outcome {
		case OutcomeRetried:
			logger.Info("Reminder requeued", "instance_id", inst.ID, "attempt", attempts, "next_at", nextAt, "reason", reason)
		case OutcomeCancelled:
			logger.Info("Reminder cancelled after failed send", "instance_id", inst.ID, "event_id", inst.EventID, "reason", reason)
		}
	}
	return outcome, err
}
