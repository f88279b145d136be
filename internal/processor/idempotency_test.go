package processor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/queue"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupIdempotency(t *testing.T) (*miniredis.Miniredis, *IdempotencyService) {
	mr := miniredis.RunT(t)

	adapter, err := redis.NewRedisAdapter(t.Name()+"-"+mr.Addr(), "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	cfg := DefaultIdempotencyConfig()
	cfg.MaxRetries = 2
	return mr, NewIdempotencyService(adapter, cfg)
}

func TestIdempotency_OnceRunsOnce(t *testing.T) {
	_, svc := setupIdempotency(t)
	ctx := context.Background()

	calls := 0
	fn := func(ctx context.Context) error {
		calls++
		return nil
	}

	ran, err := svc.Once(ctx, "status:SM123:delivered", fn)
	require.NoError(t, err)
	assert.True(t, ran)

	ran, err = svc.Once(ctx, "status:SM123:delivered", fn)
	require.NoError(t, err)
	assert.False(t, ran, "duplicate callback is skipped")
	assert.Equal(t, 1, calls)

	ran, err = svc.Once(ctx, "status:SM123:failed", fn)
	require.NoError(t, err)
	assert.True(t, ran, "a different key runs")
	assert.Equal(t, 2, calls)
}

func TestIdempotency_FailureAllowsRetry(t *testing.T) {
	_, svc := setupIdempotency(t)
	ctx := context.Background()
	key := "reply:+15551234567:1"

	boom := errors.New("store unavailable")
	ran, err := svc.Once(ctx, key, func(ctx context.Context) error { return boom })
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)

	count, err := svc.GetRetryCount(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	ran, err = svc.Once(ctx, key, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)

	processed, err := svc.IsProcessed(ctx, key)
	require.NoError(t, err)
	assert.True(t, processed)

	count, _ = svc.GetRetryCount(ctx, key)
	assert.Equal(t, 0, count, "success clears the retry counter")
}

func TestIdempotency_MaxRetries(t *testing.T) {
	_, svc := setupIdempotency(t)
	ctx := context.Background()
	key := "status:SM9:failed"

	for i := 0; i < 2; i++ {
		_, err := svc.Once(ctx, key, func(ctx context.Context) error { return errors.New("nope") })
		require.Error(t, err)
	}

	_, err := svc.Begin(ctx, key)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
}

func TestIdempotency_NotReadyIsNotCounted(t *testing.T) {
	_, svc := setupIdempotency(t)
	ctx := context.Background()
	key := "status:SM10:delivered"

	for i := 0; i < 3; i++ {
		ran, err := svc.Once(ctx, key, func(ctx context.Context) error {
			return fmt.Errorf("%w: message id not stored yet", ErrNotReady)
		})
		assert.True(t, ran)
		require.ErrorIs(t, err, ErrNotReady)
	}

	count, err := svc.GetRetryCount(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, count)

	ran, err := svc.Once(ctx, key, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran, "still runs after more than MaxRetries deferrals")
}

func TestIdempotency_ConcurrentLock(t *testing.T) {
	_, svc := setupIdempotency(t)
	ctx := context.Background()

	pc, err := svc.Begin(ctx, "status:SM1:delivered")
	require.NoError(t, err)

	_, err = svc.Begin(ctx, "status:SM1:delivered")
	assert.ErrorIs(t, err, ErrLockAcquireFailed)

	require.NoError(t, svc.ReleaseLock(ctx, pc))
	require.NoError(t, svc.ReleaseLock(ctx, pc), "second release is a no-op")

	pc, err = svc.Begin(ctx, "status:SM1:delivered")
	require.NoError(t, err)
	require.NoError(t, svc.MarkSuccess(ctx, pc))

	_, err = svc.Begin(ctx, "status:SM1:delivered")
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestIdempotency_ProcessedMarkerExpires(t *testing.T) {
	mr, svc := setupIdempotency(t)
	ctx := context.Background()

	_, err := svc.Once(ctx, "k", func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	mr.FastForward(25 * time.Hour)

	ran, err := svc.Once(ctx, "k", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestServiceMetrics(t *testing.T) {
	m := NewServiceMetrics()
	assert.Equal(t, OutcomeProcessed, m.Record(nil, 10*time.Millisecond))
	assert.Equal(t, OutcomeProcessed, m.Record(nil, 30*time.Millisecond))
	assert.Equal(t, OutcomeFailed, m.Record(errors.New("db down"), time.Millisecond))
	assert.Equal(t, OutcomeDiscarded, m.Record(queue.Discard(errors.New("bad json")), 0))

	stats := m.Snapshot()
	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Discarded)
	assert.Equal(t, 20*time.Millisecond, stats.AvgDuration)

	m.Reset()
	assert.Zero(t, m.Snapshot().Processed)
}

func TestIdempotency_ReleaseKeepsForeignLock(t *testing.T) {
	mr, svc := setupIdempotency(t)
	ctx := context.Background()

	pc, err := svc.Begin(ctx, "status:SM2:delivered")
	require.NoError(t, err)

	// lock expired and another worker took it over
	mr.FastForward(time.Minute)
	other, err := svc.Begin(ctx, "status:SM2:delivered")
	require.NoError(t, err)

	require.NoError(t, svc.ReleaseLock(ctx, pc))
	_, err = svc.Begin(ctx, "status:SM2:delivered")
	assert.ErrorIs(t, err, ErrLockAcquireFailed, "stale holder does not release the new lock")

	require.NoError(t, svc.ReleaseLock(ctx, other))
	_, err = svc.Begin(ctx, "status:SM2:delivered")
	assert.NoError(t, err)
}
