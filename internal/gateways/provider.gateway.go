package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/logger"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"
)

type SendRequest struct {
	Reference   string `json:"reference"`
	PhoneNumber string `json:"phone_number"`
	Content     string `json:"content"`
	CallbackURL string `json:"callback_url,omitempty"`
}

type SendResponse struct {
	MessageID   string    `json:"message_id"`
	Status      string    `json:"status"`
	ErrorCode   string    `json:"error_code,omitempty"`
	ErrorMsg    string    `json:"error_message,omitempty"`
	OperatorID  string    `json:"operator_id"`
	ProcessedAt time.Time `json:"processed_at"`
}

type StatusResponse struct {
	MessageID  string     `json:"message_id"`
	Status     string     `json:"status"`
	ErrorCode  string     `json:"error_code,omitempty"`
	ErrorMsg   string     `json:"error_message,omitempty"`
	OperatorID string     `json:"operator_id"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// SendResult is an accepted send. Raw is the provider response body.
type SendResult struct {
	ProviderMessageID string
	Status            string
	Raw               string
}

type StatusResult struct {
	ProviderMessageID string
	Status            string
	ErrorText         string
	Raw               string
}

type ProviderState int

const (
	StateHealthy ProviderState = iota
	StateDegraded
	StateUnhealthy
	StateCircuitOpen
)

type Config struct {
	Name                    string
	BaseURL                 string
	APIKey                  string
	CallbackURL             string
	Timeout                 time.Duration
	MaxConns                int
	ReadBufferSize          int
	WriteBufferSize         int
	HealthCheckInterval     time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
	RatePerSecond           float64
	RateBurst               int

	// Dial overrides the transport, e.g. with an in-memory listener.
	Dial fasthttp.DialFunc
}

type Client struct {
	config  *Config
	http    *fasthttp.Client
	metrics *ProviderMetrics
	limiter *rate.Limiter

	state            atomic.Int32
	circuitOpenUntil atomic.Int64
	lastHealthCheck  atomic.Int64

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.BaseURL == "" {
		return nil, errors.New("provider base url is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.CircuitBreakerThreshold <= 0 {
		config.CircuitBreakerThreshold = 5
	}
	if config.CircuitBreakerTimeout <= 0 {
		config.CircuitBreakerTimeout = time.Minute
	}
	if config.Name == "" {
		config.Name = "primary"
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RatePerSecond > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
	}

	client := &Client{
		config: config,
		http: &fasthttp.Client{
			MaxConnsPerHost:     config.MaxConns,
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
			ReadBufferSize:      config.ReadBufferSize,
			WriteBufferSize:     config.WriteBufferSize,
			Dial:                config.Dial,
		},
		metrics: NewProviderMetrics(),
		limiter: limiter,
		stopCh:  make(chan struct{}),
	}
	client.state.Store(int32(StateHealthy))

	if config.HealthCheckInterval > 0 {
		client.wg.Add(2)
		go client.healthChecker()
		go client.metricsCollector()
	}

	logger.Info("Provider client initialized", "name", config.Name, "url", config.BaseURL, "timeout", config.Timeout, "rate", config.RatePerSecond)

	return client, nil
}

func (c *Client) GetState() ProviderState {
	return ProviderState(c.state.Load())
}

func (c *Client) SetState(state ProviderState) {
	c.state.Store(int32(state))
}

func (c *Client) IsAvailable() bool {
	state := c.GetState()
	if state == StateCircuitOpen {
		if time.Now().UnixMilli() > c.circuitOpenUntil.Load() {
			c.SetState(StateDegraded)
			return true
		}
		return false
	}
	return state != StateUnhealthy
}

func (c *Client) Metrics() *ProviderMetrics {
	return c.metrics
}

// Send submits one message. Errors are *PermanentError or *TransientError.
func (c *Client) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := c.checkAvailable(); err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &TransientError{Code: CodeRateLimited, Err: err}
	}
	if req.CallbackURL == "" {
		req.CallbackURL = c.config.CallbackURL
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	startTime := time.Now()
	raw, err := c.doRequest(ctx, fasthttp.MethodPost, "/api/v1/sms/send", reqBody)
	latency := time.Since(startTime).Milliseconds()
	if err != nil {
		c.recordError(err)
		logger.Warn("Provider send failed", "reference", req.Reference, "error", err, "latency_ms", latency)
		return nil, err
	}

	var resp SendResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.metrics.RecordRejection()
		return nil, &PermanentError{StatusCode: fasthttp.StatusOK, Code: "MALFORMED_RESPONSE", Message: err.Error()}
	}
	if resp.ErrorCode != "" {
		err := classify(fasthttp.StatusOK, resp.ErrorCode, resp.ErrorMsg)
		c.recordError(err)
		return nil, err
	}
	if resp.MessageID == "" {
		c.metrics.RecordRejection()
		return nil, &PermanentError{StatusCode: fasthttp.StatusOK, Code: "MISSING_MESSAGE_ID", Message: "provider accepted without a message id"}
	}

	c.metrics.RecordSuccess(latency)

	logger.Info("SMS accepted by provider", "reference", req.Reference, "provider_message_id", resp.MessageID, "status", resp.Status, "latency_ms", latency)

	return &SendResult{
		ProviderMessageID: resp.MessageID,
		Status:            resp.Status,
		Raw:               string(raw),
	}, nil
}

// FetchStatus queries the provider's current view of a message.
func (c *Client) FetchStatus(ctx context.Context, providerMessageID string) (*StatusResult, error) {
	if err := c.checkAvailable(); err != nil {
		return nil, err
	}

	path := "/api/v1/sms/status/" + url.PathEscape(providerMessageID)
	raw, err := c.doRequest(ctx, fasthttp.MethodGet, path, nil)
	if err != nil {
		c.recordError(err)
		return nil, err
	}

	var resp StatusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	errText := resp.ErrorMsg
	if errText == "" {
		errText = resp.ErrorCode
	}
	return &StatusResult{
		ProviderMessageID: providerMessageID,
		Status:            resp.Status,
		ErrorText:         errText,
		Raw:               string(raw),
	}, nil
}

func (c *Client) checkAvailable() error {
	if c.IsAvailable() {
		return nil
	}
	if c.GetState() == StateCircuitOpen {
		return &TransientError{Code: CodeUnavailable, Err: ErrCircuitOpen}
	}
	return &TransientError{Code: CodeUnavailable, Err: ErrProviderUnavailable}
}

func (c *Client) recordError(err error) {
	if IsPermanent(err) {
		c.metrics.RecordRejection()
		return
	}
	c.metrics.RecordFailure()
	c.checkCircuitBreaker()
}

// doRequest performs one HTTP exchange bounded by the earlier of the ctx
// deadline and the configured timeout.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransientError{Code: CodeTimeout, Err: err}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.BaseURL + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	if body != nil {
		req.SetBody(body)
	}

	deadline := time.Now().Add(c.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		code := CodeNetworkError
		if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, fasthttp.ErrDialTimeout) {
			code = CodeTimeout
		}
		return nil, &TransientError{Code: code, Err: err}
	}

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())

	statusCode := resp.StatusCode()
	if statusCode != fasthttp.StatusOK && statusCode != fasthttp.StatusAccepted {
		var payload struct {
			ErrorCode string `json:"error_code"`
			ErrorMsg  string `json:"error_message"`
		}
		_ = json.Unmarshal(result, &payload)
		msg := payload.ErrorMsg
		if msg == "" {
			msg = string(result)
		}
		return result, classify(statusCode, payload.ErrorCode, msg)
	}

	return result, nil
}

func (c *Client) checkCircuitBreaker() {
	consecutiveFails := c.metrics.ConsecutiveFails.Load()
	if consecutiveFails >= int32(c.config.CircuitBreakerThreshold) && c.GetState() != StateCircuitOpen {
		c.SetState(StateCircuitOpen)
		c.circuitOpenUntil.Store(time.Now().Add(c.config.CircuitBreakerTimeout).UnixMilli())

		logger.Warn("Circuit breaker opened", "provider", c.config.Name, "consecutive_fails", consecutiveFails, "timeout", c.config.CircuitBreakerTimeout)
	}
}

func (c *Client) healthChecker() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.performHealthCheck()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) performHealthCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()

	healthy := c.Ping(ctx)
	c.lastHealthCheck.Store(time.Now().Unix())

	oldState := c.GetState()
	newState := oldState
	if healthy {
		if oldState == StateUnhealthy || oldState == StateDegraded {
			newState = StateHealthy
		}
	} else if oldState != StateCircuitOpen {
		newState = StateUnhealthy
	}

	if newState != oldState {
		c.SetState(newState)
		logger.Info("Provider state changed", "provider", c.config.Name, "old_state", stateString(oldState), "new_state", stateString(newState))
	}
}

// Ping reports whether the provider health endpoint answers healthy.
func (c *Client) Ping(ctx context.Context) bool {
	response, err := c.doRequest(ctx, fasthttp.MethodGet, "/health", nil)
	if err != nil {
		return false
	}

	var health struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(response, &health); err != nil {
		return false
	}

	return health.Status == "healthy"
}

func (c *Client) metricsCollector() {
	defer c.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evaluate()
		case <-c.stopCh:
			return
		}
	}
}

// evaluate degrades or restores the provider from its recent metrics.
func (c *Client) evaluate() {
	if c.GetState() == StateCircuitOpen || c.GetState() == StateUnhealthy {
		return
	}

	successRate := c.metrics.SuccessRate()
	avgLatency := c.metrics.AvgLatencyMs()

	if successRate < 0.8 || avgLatency > 5000 {
		if c.GetState() != StateDegraded {
			c.SetState(StateDegraded)
			logger.Warn("Provider degraded", "provider", c.config.Name, "success_rate", successRate, "avg_latency_ms", avgLatency)
		}
	} else if successRate > 0.95 && avgLatency < 2000 {
		if c.GetState() != StateHealthy {
			c.SetState(StateHealthy)
			logger.Info("Provider recovered to healthy state", "provider", c.config.Name)
		}
	}
}

type ProviderStats struct {
	Name             string  `json:"name"`
	URL              string  `json:"url"`
	State            string  `json:"state"`
	TotalRequests    int64   `json:"total_requests"`
	SuccessfulReqs   int64   `json:"successful_requests"`
	FailedReqs       int64   `json:"failed_requests"`
	Rejected         int64   `json:"rejected"`
	SuccessRate      float64 `json:"success_rate"`
	AvgLatencyMs     int64   `json:"avg_latency_ms"`
	P95LatencyMs     int64   `json:"p95_latency_ms"`
	ConsecutiveFails int32   `json:"consecutive_fails"`
}

func (c *Client) Stats() ProviderStats {
	return ProviderStats{
		Name:             c.config.Name,
		URL:              c.config.BaseURL,
		State:            stateString(c.GetState()),
		TotalRequests:    c.metrics.TotalRequests.Load(),
		SuccessfulReqs:   c.metrics.SuccessfulReqs.Load(),
		FailedReqs:       c.metrics.FailedReqs.Load(),
		Rejected:         c.metrics.Rejected.Load(),
		SuccessRate:      c.metrics.SuccessRate(),
		AvgLatencyMs:     c.metrics.AvgLatencyMs(),
		P95LatencyMs:     c.metrics.P95LatencyMs(),
		ConsecutiveFails: c.metrics.ConsecutiveFails.Load(),
	}
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
		logger.Info("Provider client closed", "provider", c.config.Name)
	})
	return nil
}

func stateString(state ProviderState) string {
	switch state {
	case StateHealthy:
		return "HEALTHY"
	case StateDegraded:
		return "DEGRADED"
	case StateUnhealthy:
		return "UNHEALTHY"
	case StateCircuitOpen:
		return "CIRCUIT_OPEN"
	default:
		return "UNKNOWN"
	}
}
