package processor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/logger"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/redis"
	"github.com/google/uuid"
)

var (
	ErrAlreadyProcessed   = errors.New("already processed")
	ErrLockAcquireFailed  = errors.New("failed to acquire processing lock")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	// ErrNotReady wraps fn errors that must not count against MaxRetries,
	// such as a callback for a row that is not committed yet.
	ErrNotReady = errors.New("not ready")
)

type IdempotencyConfig struct {
	LockTTL      time.Duration
	ProcessedTTL time.Duration
	// MaxRetries is the number of failed runs after which a key is refused.
	MaxRetries         int
	RetryKeyPrefix     string
	LockKeyPrefix      string
	ProcessedKeyPrefix string
}

func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		LockTTL:            30 * time.Second,
		ProcessedTTL:       24 * time.Hour,
		MaxRetries:         5,
		RetryKeyPrefix:     "webhook:retry:",
		LockKeyPrefix:      "webhook:lock:",
		ProcessedKeyPrefix: "webhook:processed:",
	}
}

// IdempotencyService makes a keyed unit of work run once per ProcessedTTL,
// e.g. a provider callback the provider may deliver several times.
type IdempotencyService struct {
	redis  redis.RedisAdapter
	config IdempotencyConfig
}

func NewIdempotencyService(adapter redis.RedisAdapter, config IdempotencyConfig) *IdempotencyService {
	return &IdempotencyService{redis: adapter, config: config}
}

// ProcessingContext is a held lock on one key.
type ProcessingContext struct {
	Key        string
	RetryCount int
	IsRetry    bool

	token []byte
	held  bool
}

func (s *IdempotencyService) lockKey(key string) string      { return s.config.LockKeyPrefix + key }
func (s *IdempotencyService) retryKey(key string) string     { return s.config.RetryKeyPrefix + key }
func (s *IdempotencyService) processedKey(key string) string { return s.config.ProcessedKeyPrefix + key }

// Begin takes the short lived processing lock for key. It fails with
// ErrAlreadyProcessed once the key was marked successful.
func (s *IdempotencyService) Begin(ctx context.Context, key string) (*ProcessingContext, error) {
	processed, err := s.IsProcessed(ctx, key)
	switch {
	case err != nil:
		// the store guards make a replay harmless, a lost callback is not
		logger.Warn("Failed to check processed marker", "key", key, "error", err)
	case processed:
		return nil, ErrAlreadyProcessed
	}

	retries, err := s.GetRetryCount(ctx, key)
	if err != nil {
		logger.Warn("Failed to read retry counter", "key", key, "error", err)
	}
	if retries >= s.config.MaxRetries {
		return nil, fmt.Errorf("%w: key=%s, retries=%d", ErrMaxRetriesExceeded, key, retries)
	}

	token := []byte(uuid.NewString())
	acquired, err := s.redis.SetNX(ctx, s.lockKey(key), token, s.config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockAcquireFailed, err)
	}
	if !acquired {
		return nil, ErrLockAcquireFailed
	}

	return &ProcessingContext{
		Key:        key,
		RetryCount: retries,
		IsRetry:    retries > 0,
		token:      token,
		held:       true,
	}, nil
}

// MarkSuccess records key as processed and clears its retry counter.
func (s *IdempotencyService) MarkSuccess(ctx context.Context, pc *ProcessingContext) error {
	if err := s.redis.Set(ctx, s.processedKey(pc.Key), []byte("1"), s.config.ProcessedTTL); err != nil {
		return fmt.Errorf("mark %s processed: %w", pc.Key, err)
	}
	if err := s.redis.Del(ctx, s.retryKey(pc.Key)); err != nil {
		logger.Warn("Failed to clear retry counter", "key", pc.Key, "error", err)
	}
	return s.ReleaseLock(ctx, pc)
}

// MarkFailure counts a failed run and releases the lock so a redelivery can
// try again.
func (s *IdempotencyService) MarkFailure(ctx context.Context, pc *ProcessingContext, reason error) error {
	retries, err := s.redis.IncrWithTTL(ctx, s.retryKey(pc.Key), s.config.ProcessedTTL)
	if err != nil {
		logger.Error("Failed to increment retry counter", "key", pc.Key, "error", err)
		retries = int64(pc.RetryCount + 1)
	}

	logger.Warn("Processing failed, will accept a retry",
		"key", pc.Key,
		"retry_count", retries,
		"max_retries", s.config.MaxRetries,
		"reason", reason)
	return s.ReleaseLock(ctx, pc)
}

// ReleaseLock drops the lock if this context still owns it. Releasing twice
// is a no-op.
func (s *IdempotencyService) ReleaseLock(ctx context.Context, pc *ProcessingContext) error {
	if pc == nil || !pc.held {
		return nil
	}
	owned, err := s.redis.DelIfEquals(ctx, s.lockKey(pc.Key), pc.token)
	if err != nil {
		return err
	}
	if !owned {
		logger.Warn("Processing lock expired before release", "key", pc.Key, "ttl", s.config.LockTTL)
	}
	pc.held = false
	return nil
}

// Once runs fn unless key was already processed. ran is false for a
// duplicate. A concurrent duplicate gets ErrLockAcquireFailed.
func (s *IdempotencyService) Once(ctx context.Context, key string, fn func(ctx context.Context) error) (ran bool, err error) {
	pc, err := s.Begin(ctx, key)
	if errors.Is(err, ErrAlreadyProcessed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() { _ = s.ReleaseLock(ctx, pc) }()

	if err := fn(ctx); err != nil {
		if !errors.Is(err, ErrNotReady) {
			_ = s.MarkFailure(ctx, pc, err)
		}
		return true, err
	}

	if err := s.MarkSuccess(ctx, pc); err != nil {
		logger.Error("Failed to mark success", "key", key, "error", err)
	}
	return true, nil
}

func (s *IdempotencyService) GetRetryCount(ctx context.Context, key string) (int, error) {
	b, err := s.redis.Get(ctx, s.retryKey(key))
	if redis.IsNil(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, fmt.Errorf("retry counter for %s: %w", key, err)
	}
	return n, nil
}

func (s *IdempotencyService) IsProcessed(ctx context.Context, key string) (bool, error) {
	return s.redis.Exists(ctx, s.processedKey(key))
}
