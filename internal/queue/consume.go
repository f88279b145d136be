package queue

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/logger"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/redis"
)

const reclaimScan = 100

// Consume starts the polling loop. It returns immediately.
func (q *Queue) Consume(handler MessageHandler) error {
	if handler == nil {
		return ErrNoHandler
	}
	q.handler = handler

	q.wg.Add(1)
	go q.loop()
	return nil
}

func (q *Queue) loop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.readNew()
			q.reclaimIdle()
		}
	}
}

func (q *Queue) readNew() {
	entries, err := q.adapter.XReadGroup(q.ctx, q.config.ConsumerGroup, q.config.ConsumerName, q.config.Name, q.config.BatchSize)
	if err != nil {
		if !redis.IsNil(err) && q.ctx.Err() == nil {
			logger.Error("Failed to read stream", "queue", q.config.Name, "error", err)
		}
		return
	}

	for _, entry := range entries {
		q.deliver(decode(entry, 1))
	}
}

// reclaimIdle takes over entries left unacked past the visibility timeout,
// after a consumer crash or a handler error.
func (q *Queue) reclaimIdle() {
	idle, err := q.adapter.XPendingIdle(q.ctx, q.config.Name, q.config.ConsumerGroup, q.config.VisibilityTimeout, reclaimScan)
	if err != nil || len(idle) == 0 {
		return
	}

	ids := make([]string, len(idle))
	delivered := make(map[string]int, len(idle))
	for i, p := range idle {
		ids[i] = p.ID
		delivered[p.ID] = int(p.RetryCount)
	}

	entries, err := q.adapter.XClaim(q.ctx, q.config.Name, q.config.ConsumerGroup, q.config.ConsumerName, q.config.VisibilityTimeout, ids...)
	if err != nil {
		logger.Warn("Failed to claim idle messages", "queue", q.config.Name, "error", err)
		return
	}

	for _, entry := range entries {
		// the claim is one more delivery
		q.deliver(decode(entry, delivered[entry.ID]+1))
	}
}

func (q *Queue) deliver(msg *Message) {
	if msg.Attempts > q.config.MaxRetries {
		q.deadLetter(msg, "max retries exceeded")
		q.ack(msg.ID)
		return
	}

	ctx, cancel := context.WithTimeout(q.ctx, q.config.VisibilityTimeout)
	defer cancel()

	err := q.handler(ctx, msg)
	switch {
	case err == nil:
		q.ack(msg.ID)
	case IsDiscard(err):
		logger.Warn("Discarding message", "queue", q.config.Name, "id", msg.ID, "error", err)
		q.deadLetter(msg, err.Error())
		q.ack(msg.ID)
	default:
		logger.Warn("Message handler failed, will retry", "queue", q.config.Name, "id", msg.ID, "attempt", msg.Attempts, "error", err)
	}
}

func (q *Queue) ack(id string) {
	if err := q.adapter.XAck(q.ctx, q.config.Name, q.config.ConsumerGroup, id); err != nil {
		logger.Error("Failed to ack message", "queue", q.config.Name, "id", id, "error", err)
	}
}

func (q *Queue) deadLetter(msg *Message, reason string) {
	if !q.config.EnableDLQ {
		return
	}

	values := map[string]interface{}{
		fieldData:        string(msg.Data),
		"original_id":    msg.ID,
		"original_queue": q.config.Name,
		"attempts":       msg.Attempts,
		"reason":         reason,
		"failed_at":      time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range msg.Metadata {
		values[metaPrefix+k] = v
	}

	if _, err := q.adapter.XAdd(q.ctx, q.DeadLetterName(), values); err != nil {
		logger.Error("Failed to dead letter message", "queue", q.config.Name, "id", msg.ID, "error", err)
	}
}

func decode(entry redis.StreamMessage, attempts int) *Message {
	msg := &Message{
		ID:       entry.ID,
		Metadata: map[string]string{},
		Attempts: attempts,
	}

	for k, v := range entry.Values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		switch {
		case k == fieldData:
			msg.Data = []byte(s)
		case k == fieldTimestamp:
			msg.PublishedAt = parseTimestamp(s)
		case strings.HasPrefix(k, metaPrefix):
			msg.Metadata[strings.TrimPrefix(k, metaPrefix)] = s
		}
	}

	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now().UTC()
	}
	return msg
}

// parseTimestamp accepts RFC 3339 or unix seconds.
func parseTimestamp(s string) time.Time {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC()
	}
	return time.Time{}
}
