package gateway

import (
	"context"
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func newTestClient(t *testing.T, handler fasthttp.RequestHandler, mutate func(*Config)) *Client {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = fasthttp.Serve(ln, handler) }()
	t.Cleanup(func() { _ = ln.Close() })

	cfg := &Config{
		BaseURL:                 "http://provider.test",
		APIKey:                  "secret",
		Timeout:                 time.Second,
		CircuitBreakerThreshold: 3,
		CircuitBreakerTimeout:   time.Minute,
		Dial:                    func(addr string) (net.Conn, error) { return ln.Dial() },
	}
	if mutate != nil {
		mutate(cfg)
	}

	client, err := NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	b, _ := json.Marshal(v)
	ctx.SetBody(b)
}

func TestClient_Send(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		var got SendRequest
		var auth string
		client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
			auth = string(ctx.Request.Header.Peek("Authorization"))
			_ = json.Unmarshal(ctx.PostBody(), &got)
			writeJSON(ctx, fasthttp.StatusAccepted, SendResponse{MessageID: "SM123", Status: "ACCEPTED"})
		}, func(c *Config) { c.CallbackURL = "http://engine/api/v1/webhooks/status" })

		res, err := client.Send(context.Background(), SendRequest{Reference: "rem-1", PhoneNumber: "+15551234567", Content: "hello"})
		require.NoError(t, err)
		assert.Equal(t, "SM123", res.ProviderMessageID)
		assert.Contains(t, res.Raw, "SM123")
		assert.Equal(t, "Bearer secret", auth)
		assert.Equal(t, "rem-1", got.Reference)
		assert.Equal(t, "http://engine/api/v1/webhooks/status", got.CallbackURL)
		assert.Equal(t, int64(1), client.Metrics().SuccessfulReqs.Load())
	})

	t.Run("invalid number is permanent", func(t *testing.T) {
		client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
			writeJSON(ctx, fasthttp.StatusBadRequest, map[string]string{"error_code": CodeInvalidNumber, "error_message": "bad number"})
		}, nil)

		_, err := client.Send(context.Background(), SendRequest{PhoneNumber: "x", Content: "hello"})
		require.Error(t, err)
		assert.True(t, IsPermanent(err))
		assert.False(t, IsTransient(err))
		assert.Equal(t, int32(0), client.Metrics().ConsecutiveFails.Load())
	})

	t.Run("rejection in an ok body is classified by code", func(t *testing.T) {
		client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
			writeJSON(ctx, fasthttp.StatusOK, SendResponse{Status: "REJECTED", ErrorCode: CodeBlocked})
		}, nil)

		_, err := client.Send(context.Background(), SendRequest{PhoneNumber: "+1", Content: "hello"})
		assert.True(t, IsPermanent(err))
	})

	t.Run("server errors are transient and open the circuit", func(t *testing.T) {
		var calls atomic.Int32
		client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
			calls.Add(1)
			writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"error_code": CodeUnavailable})
		}, nil)

		for i := 0; i < 3; i++ {
			_, err := client.Send(context.Background(), SendRequest{PhoneNumber: "+1", Content: "hello"})
			assert.True(t, IsTransient(err))
		}
		assert.Equal(t, StateCircuitOpen, client.GetState())

		_, err := client.Send(context.Background(), SendRequest{PhoneNumber: "+1", Content: "hello"})
		assert.True(t, IsTransient(err))
		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.Equal(t, int32(3), calls.Load(), "open circuit short-circuits the request")
	})

	t.Run("timeout is transient", func(t *testing.T) {
		client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
			time.Sleep(300 * time.Millisecond)
			writeJSON(ctx, fasthttp.StatusAccepted, SendResponse{MessageID: "late"})
		}, func(c *Config) { c.Timeout = 50 * time.Millisecond })

		_, err := client.Send(context.Background(), SendRequest{PhoneNumber: "+1", Content: "hello"})
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})

	t.Run("missing message id is not retried", func(t *testing.T) {
		client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
			writeJSON(ctx, fasthttp.StatusAccepted, SendResponse{Status: "ACCEPTED"})
		}, nil)

		_, err := client.Send(context.Background(), SendRequest{PhoneNumber: "+1", Content: "hello"})
		assert.True(t, IsPermanent(err))
	})
}

func TestClient_FetchStatus(t *testing.T) {
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/api/v1/sms/status/SM123":
			writeJSON(ctx, fasthttp.StatusOK, StatusResponse{MessageID: "SM123", Status: "DELIVERED"})
		case "/api/v1/sms/status/SM500":
			writeJSON(ctx, fasthttp.StatusOK, StatusResponse{MessageID: "SM500", Status: "UNDELIVERED", ErrorCode: "ABSENT_SUBSCRIBER"})
		default:
			writeJSON(ctx, fasthttp.StatusNotFound, map[string]string{"error_code": "NOT_FOUND"})
		}
	}, nil)

	res, err := client.FetchStatus(context.Background(), "SM123")
	require.NoError(t, err)
	assert.Equal(t, "DELIVERED", res.Status)
	assert.Equal(t, "SM123", res.ProviderMessageID)

	res, err = client.FetchStatus(context.Background(), "SM500")
	require.NoError(t, err)
	assert.Equal(t, "ABSENT_SUBSCRIBER", res.ErrorText)

	_, err = client.FetchStatus(context.Background(), "missing")
	assert.True(t, IsPermanent(err))
}

func TestClient_RateLimit(t *testing.T) {
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		writeJSON(ctx, fasthttp.StatusAccepted, SendResponse{MessageID: "SM1"})
	}, func(c *Config) {
		c.RatePerSecond = 1
		c.RateBurst = 1
	})

	_, err := client.Send(context.Background(), SendRequest{PhoneNumber: "+1", Content: "a"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.Send(ctx, SendRequest{PhoneNumber: "+1", Content: "b"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestClient_Ping(t *testing.T) {
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "healthy"})
	}, nil)
	assert.True(t, client.Ping(context.Background()))

	client.SetState(StateUnhealthy)
	client.performHealthCheck()
	assert.Equal(t, StateHealthy, client.GetState())
}

func TestClient_IsAvailable(t *testing.T) {
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {}, nil)

	client.SetState(StateDegraded)
	assert.True(t, client.IsAvailable())

	client.SetState(StateUnhealthy)
	assert.False(t, client.IsAvailable())

	client.SetState(StateCircuitOpen)
	client.circuitOpenUntil.Store(time.Now().Add(-time.Second).UnixMilli())
	assert.True(t, client.IsAvailable())
	assert.Equal(t, StateDegraded, client.GetState())

	client.SetState(StateCircuitOpen)
	client.circuitOpenUntil.Store(time.Now().Add(10 * time.Second).UnixMilli())
	assert.False(t, client.IsAvailable())
}

func TestClassify(t *testing.T) {
	assert.True(t, IsPermanent(classify(400, "", "bad request")))
	assert.True(t, IsPermanent(classify(200, CodeOperatorRejected, "")))
	assert.True(t, IsTransient(classify(429, "", "slow down")))
	assert.True(t, IsTransient(classify(502, "", "")))
	assert.True(t, IsTransient(classify(400, CodeTimeout, "")))
	assert.True(t, IsTransient(classify(200, "SOMETHING_NEW", "")))
}

func TestProviderMetrics(t *testing.T) {
	metrics := NewProviderMetrics()

	metrics.RecordSuccess(100)
	metrics.RecordSuccess(200)
	metrics.RecordRejection()
	metrics.RecordFailure()

	assert.Equal(t, int64(4), metrics.TotalRequests.Load())
	assert.Equal(t, int64(150), metrics.AvgLatencyMs())
	assert.InDelta(t, 0.75, metrics.SuccessRate(), 0.001)
	assert.Equal(t, int32(1), metrics.ConsecutiveFails.Load())

	for i := int64(0); i < 100; i++ {
		metrics.RecordSuccess(i * 10)
	}
	assert.GreaterOrEqual(t, metrics.P95LatencyMs(), int64(900))
}
