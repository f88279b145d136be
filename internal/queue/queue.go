package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/logger"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/redis"
)

const (
	fieldData      = "data"
	fieldTimestamp = "timestamp"
	metaPrefix     = "meta_"
)

var ErrNoHandler = errors.New("message handler is required")

type Message struct {
	ID          string
	Data        []byte
	Metadata    map[string]string
	PublishedAt time.Time
	// Attempts counts deliveries, this one included.
	Attempts int
}

// MessageHandler processes one message. nil acks it; an error leaves it
// pending for redelivery; an error wrapped with Discard sends it straight to
// the dead letter stream.
type MessageHandler func(ctx context.Context, msg *Message) error

type discardError struct {
	err error
}

func (e *discardError) Error() string { return "discard: " + e.err.Error() }
func (e *discardError) Unwrap() error { return e.err }

// Discard marks err as unrecoverable for the message being handled.
func Discard(err error) error {
	if err == nil {
		return nil
	}
	return &discardError{err: err}
}

func IsDiscard(err error) bool {
	var de *discardError
	return errors.As(err, &de)
}

type QueueConfig struct {
	Name          string
	ConsumerGroup string
	ConsumerName  string
	// MaxRetries bounds deliveries before a message is dead lettered.
	MaxRetries int
	// VisibilityTimeout is both the handler deadline and the idle time after
	// which an unacked entry is reclaimed.
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	BatchSize         int64
	// MaxLen approximately caps the stream, 0 keeps everything.
	MaxLen    int64
	EnableDLQ bool
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = "default-group"
	}
	if c.ConsumerName == "" {
		c.ConsumerName = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	return c
}

// Queue is a consumer group on one Redis stream, plus an optional
// "<name>:dlq" stream for messages that are given up on.
type Queue struct {
	adapter redis.RedisAdapter
	config  QueueConfig
	handler MessageHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type QueueStats struct {
	TotalMessages   int64
	PendingMessages int64
	DeadLetters     int64
	ConsumerCount   int64
}

// NewQueue makes sure the stream and its consumer group exist.
func NewQueue(adapter redis.RedisAdapter, config QueueConfig) (*Queue, error) {
	if config.Name == "" {
		return nil, errors.New("queue name is required")
	}
	config = config.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	if err := adapter.EnsureGroup(ctx, config.Name, config.ConsumerGroup); err != nil {
		cancel()
		return nil, fmt.Errorf("create consumer group %s on %s: %w", config.ConsumerGroup, config.Name, err)
	}

	return &Queue{
		adapter: adapter,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (q *Queue) Name() string { return q.config.Name }

func (q *Queue) DeadLetterName() string {
	return q.config.Name + ":dlq"
}

func (q *Queue) Publish(ctx context.Context, data []byte, metadata map[string]string) (string, error) {
	values := make(map[string]interface{}, len(metadata)+2)
	values[fieldData] = string(data)
	values[fieldTimestamp] = time.Now().UTC().Format(time.RFC3339Nano)
	for k, v := range metadata {
		values[metaPrefix+k] = v
	}

	id, err := q.adapter.XAdd(ctx, q.config.Name, values)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", q.config.Name, err)
	}

	if q.config.MaxLen > 0 {
		if err := q.adapter.XTrimApprox(ctx, q.config.Name, q.config.MaxLen); err != nil {
			logger.Warn("Failed to trim stream", "queue", q.config.Name, "error", err)
		}
	}
	return id, nil
}

func (q *Queue) PublishJSON(ctx context.Context, v interface{}, metadata map[string]string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	return q.Publish(ctx, data, metadata)
}

// Stop cancels the consume loop and in-flight handlers, then waits up to
// timeout for them to return.
func (q *Queue) Stop(timeout time.Duration) error {
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("queue %s did not stop within %s", q.config.Name, timeout)
	}
}

func (q *Queue) Stats(ctx context.Context) (*QueueStats, error) {
	total, err := q.adapter.XLen(ctx, q.config.Name)
	if err != nil {
		return nil, err
	}
	stats := &QueueStats{TotalMessages: total}

	if pending, err := q.adapter.XPending(ctx, q.config.Name, q.config.ConsumerGroup); err == nil && pending != nil {
		stats.PendingMessages = pending.Count
		stats.ConsumerCount = int64(len(pending.Consumers))
	}
	if dead, err := q.adapter.XLen(ctx, q.DeadLetterName()); err == nil {
		stats.DeadLetters = dead
	}
	return stats, nil
}
