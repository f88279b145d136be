package redis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var NilError = goredis.Nil

type Options = goredis.UniversalOptions

// StreamMessage represents a message in Redis Stream
type StreamMessage struct {
	ID     string
	Values map[string]interface{}
}

// RedisAdapter applies the adapter's key prefix to every key and stream.
type RedisAdapter interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	// IncrWithTTL increments key and (re)sets its expiry.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// DelIfEquals deletes key only while it still holds value.
	DelIfEquals(ctx context.Context, key string, value []byte) (bool, error)
	Ping(ctx context.Context) error
	Client() goredis.UniversalClient
	Close() error

	XAdd(ctx context.Context, stream string, values map[string]interface{}) (string, error)
	XReadGroup(ctx context.Context, group, consumer, stream string, count int64) ([]StreamMessage, error)
	XAck(ctx context.Context, stream, group string, ids ...string) error
	// EnsureGroup creates the stream and group; an existing group is fine.
	EnsureGroup(ctx context.Context, stream, group string) error
	XLen(ctx context.Context, stream string) (int64, error)
	XTrimApprox(ctx context.Context, stream string, maxLen int64) error
	XPending(ctx context.Context, stream, group string) (*goredis.XPending, error)
	XPendingIdle(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]goredis.XPendingExt, error)
	XClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamMessage, error)
}

type redisAdapter struct {
	prefix   string
	conn     goredis.UniversalClient
	connName string
}

var (
	registryMu sync.Mutex
	registry   = map[string]RedisAdapter{}
)

var delIfEquals = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// NewRedisAdapter connects and registers an adapter under connName, or
// returns the one already registered under that name.
func NewRedisAdapter(connName string, keysPrefix string, opts *goredis.UniversalOptions) (RedisAdapter, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if adapter, ok := registry[connName]; ok {
		return adapter, nil
	}

	c := goredis.NewUniversalClient(opts)
	if err := c.Ping(context.Background()).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}

	adapter := &redisAdapter{conn: c, prefix: keysPrefix, connName: connName}
	registry[connName] = adapter
	return adapter, nil
}

// GetRedis returns the adapter registered as connName, "default" if omitted.
func GetRedis(connName ...string) RedisAdapter {
	name := "default"
	if len(connName) > 0 && connName[0] != "" {
		name = connName[0]
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	return registry[name]
}

func (r *redisAdapter) key(k string) string {
	return r.prefix + k
}

func (r *redisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.conn.Set(ctx, r.key(key), value, ttl).Err()
}

func (r *redisAdapter) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.conn.SetNX(ctx, r.key(key), value, ttl).Result()
}

func (r *redisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	return r.conn.Get(ctx, r.key(key)).Bytes()
}

func (r *redisAdapter) Del(ctx context.Context, keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = r.key(k)
	}
	return r.conn.Del(ctx, prefixed...).Err()
}

func (r *redisAdapter) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.conn.Exists(ctx, r.key(key)).Result()
	return n > 0, err
}

func (r *redisAdapter) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := r.conn.TxPipeline()
	incr := pipe.Incr(ctx, r.key(key))
	pipe.Expire(ctx, r.key(key), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *redisAdapter) DelIfEquals(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := delIfEquals.Run(ctx, r.conn, []string{r.key(key)}, string(value)).Int64()
	return n > 0, err
}

func (r *redisAdapter) Ping(ctx context.Context) error {
	return r.conn.Ping(ctx).Err()
}

func (r *redisAdapter) Client() goredis.UniversalClient {
	return r.conn
}

// Close closes the connection and forgets the adapter.
func (r *redisAdapter) Close() error {
	registryMu.Lock()
	if registry[r.connName] == RedisAdapter(r) {
		delete(registry, r.connName)
	}
	registryMu.Unlock()
	return r.conn.Close()
}

func (r *redisAdapter) XAdd(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	return r.conn.XAdd(ctx, &goredis.XAddArgs{
		Stream: r.key(stream),
		ID:     "*",
		Values: values,
	}).Result()
}

// XReadGroup reads entries never delivered to the group. It does not block,
// the caller polls.
func (r *redisAdapter) XReadGroup(ctx context.Context, group, consumer, stream string, count int64) ([]StreamMessage, error) {
	streams, err := r.conn.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{r.key(stream), ">"},
		Count:    count,
		Block:    -1,
	}).Result()
	if err != nil {
		return nil, err
	}

	var messages []StreamMessage
	for _, s := range streams {
		messages = append(messages, toStreamMessages(s.Messages)...)
	}
	return messages, nil
}

func (r *redisAdapter) XAck(ctx context.Context, stream, group string, ids ...string) error {
	return r.conn.XAck(ctx, r.key(stream), group, ids...).Err()
}

func (r *redisAdapter) EnsureGroup(ctx context.Context, stream, group string) error {
	err := r.conn.XGroupCreateMkStream(ctx, r.key(stream), group, "0").Err()
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *redisAdapter) XLen(ctx context.Context, stream string) (int64, error) {
	return r.conn.XLen(ctx, r.key(stream)).Result()
}

func (r *redisAdapter) XTrimApprox(ctx context.Context, stream string, maxLen int64) error {
	return r.conn.XTrimMaxLenApprox(ctx, r.key(stream), maxLen, 0).Err()
}

func (r *redisAdapter) XPending(ctx context.Context, stream, group string) (*goredis.XPending, error) {
	return r.conn.XPending(ctx, r.key(stream), group).Result()
}

// XPendingIdle lists pending entries idle for at least minIdle.
func (r *redisAdapter) XPendingIdle(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]goredis.XPendingExt, error) {
	pending, err := r.conn.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: r.key(stream),
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, err
	}

	idle := pending[:0]
	for _, p := range pending {
		if p.Idle >= minIdle {
			idle = append(idle, p)
		}
	}
	return idle, nil
}

func (r *redisAdapter) XClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamMessage, error) {
	msgs, err := r.conn.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   r.key(stream),
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}
	return toStreamMessages(msgs), nil
}

func toStreamMessages(msgs []goredis.XMessage) []StreamMessage {
	out := make([]StreamMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, StreamMessage{ID: m.ID, Values: m.Values})
	}
	return out
}

// IsNil reports whether err is a missing key.
func IsNil(err error) bool {
	return errors.Is(err, goredis.Nil)
}
