package main

import (
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

const (
	StatusAccepted    = "ACCEPTED"
	StatusSent        = "SENT"
	StatusDelivered   = "DELIVERED"
	StatusUndelivered = "UNDELIVERED"
	StatusFailed      = "FAILED"
)

type SendSMSRequest struct {
	Reference   string `json:"reference"`
	PhoneNumber string `json:"phone_number" binding:"required"`
	Content     string `json:"content" binding:"required"`
	CallbackURL string `json:"callback_url"`
}

type SendSMSResponse struct {
	MessageID   string    `json:"message_id,omitempty"`
	Status      string    `json:"status"`
	ErrorCode   string    `json:"error_code,omitempty"`
	ErrorMsg    string    `json:"error_message,omitempty"`
	OperatorID  string    `json:"operator_id"`
	ProcessedAt time.Time `json:"processed_at"`
}

type StatusCheckResponse struct {
	MessageID  string     `json:"message_id"`
	Status     string     `json:"status"`
	ErrorCode  string     `json:"error_code,omitempty"`
	ErrorMsg   string     `json:"error_message,omitempty"`
	OperatorID string     `json:"operator_id"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// StatusCallback is posted to the callback url of a message once it settles.
type StatusCallback struct {
	MessageID    string    `json:"message_id"`
	Reference    string    `json:"reference,omitempty"`
	Status       string    `json:"status"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type Rates struct {
	// Delivery is the share of accepted messages that end DELIVERED.
	Delivery float64 `json:"delivery_rate"`
	// Reject is the share of sends refused outright with a permanent code.
	Reject float64 `json:"reject_rate"`
	// Transient is the share of sends answered with a retryable 503.
	Transient float64 `json:"transient_rate"`
}

type message struct {
	id          string
	reference   string
	phone       string
	callbackURL string
	status      string
	errorCode   string
	updatedAt   time.Time
}

// MockOperator simulates an SMS operator that accepts messages and settles
// them asynchronously.
type MockOperator struct {
	mu         sync.Mutex
	rates      Rates
	minDelay   time.Duration
	maxDelay   time.Duration
	operatorID string
	rng        *rand.Rand
	messages   map[string]*message
	callbacks  *fasthttp.Client
	wg         sync.WaitGroup
}

func NewMockOperator(rates Rates, minDelay, maxDelay time.Duration) *MockOperator {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &MockOperator{
		rates:      rates,
		minDelay:   minDelay,
		maxDelay:   maxDelay,
		operatorID: "MOCK_OPERATOR_" + uuid.New().String()[:8],
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		messages:   make(map[string]*message),
		callbacks:  &fasthttp.Client{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second},
	}
}

var errorMessages = map[string]string{
	"INVALID_NUMBER":    "The phone number is invalid or not in service",
	"BLOCKED":           "The recipient has blocked messages",
	"INVALID_CONTENT":   "Message content violates operator policies",
	"OPERATOR_REJECTED": "Operator rejected the message",
	"NETWORK_ERROR":     "Network connectivity issue with operator",
	"UNREACHABLE":       "Handset unreachable",
	"EXPIRED":           "Message validity period expired",
}

var rejectCodes = []string{"INVALID_NUMBER", "BLOCKED", "INVALID_CONTENT", "OPERATOR_REJECTED"}

// Accept decides the synchronous answer to a send. A nil error response
// means the message was queued under the returned id.
func (m *MockOperator) Accept(req *SendSMSRequest) (*SendSMSResponse, int) {
	m.mu.Lock()
	roll := m.rng.Float64()
	rates := m.rates
	resp := &SendSMSResponse{OperatorID: m.operatorID, ProcessedAt: time.Now().UTC()}

	switch {
	case roll < rates.Reject:
		code := rejectCodes[m.rng.Intn(len(rejectCodes))]
		m.mu.Unlock()
		resp.Status = StatusFailed
		resp.ErrorCode = code
		resp.ErrorMsg = errorMessages[code]
		log.Warn().Str("reference", req.Reference).Str("error_code", code).Msg("SMS rejected")
		return resp, 400
	case roll < rates.Reject+rates.Transient:
		m.mu.Unlock()
		resp.Status = StatusFailed
		resp.ErrorCode = "NETWORK_ERROR"
		resp.ErrorMsg = errorMessages["NETWORK_ERROR"]
		log.Warn().Str("reference", req.Reference).Msg("SMS send failed transiently")
		return resp, 503
	}

	msg := &message{
		id:          "SM" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		reference:   req.Reference,
		phone:       req.PhoneNumber,
		callbackURL: req.CallbackURL,
		status:      StatusAccepted,
		updatedAt:   resp.ProcessedAt,
	}
	m.messages[msg.id] = msg
	delay := m.randomDelay()
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		time.Sleep(delay)
		m.settle(msg.id)
	}()

	resp.MessageID = msg.id
	resp.Status = StatusAccepted
	log.Info().Str("reference", req.Reference).Str("message_id", msg.id).Dur("delay", delay).Msg("SMS accepted")
	return resp, 202
}

// settle moves a message to its final status and reports it.
func (m *MockOperator) settle(id string) {
	m.mu.Lock()
	msg, ok := m.messages[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	roll := m.rng.Float64()
	switch {
	case roll < m.rates.Delivery:
		msg.status = StatusDelivered
	case roll < m.rates.Delivery+(1-m.rates.Delivery)/2:
		msg.status = StatusUndelivered
		msg.errorCode = "UNREACHABLE"
	default:
		msg.status = StatusFailed
		msg.errorCode = "EXPIRED"
	}
	msg.updatedAt = time.Now().UTC()
	cb := StatusCallback{
		MessageID:    msg.id,
		Reference:    msg.reference,
		Status:       msg.status,
		ErrorCode:    msg.errorCode,
		ErrorMessage: errorMessages[msg.errorCode],
		Timestamp:    msg.updatedAt,
	}
	url := msg.callbackURL
	m.mu.Unlock()

	log.Info().Str("message_id", id).Str("status", cb.Status).Msg("SMS settled")
	if url != "" {
		m.postCallback(url, cb)
	}
}

func (m *MockOperator) postCallback(url string, cb StatusCallback) {
	body, _ := json.Marshal(cb)

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	for attempt := 1; attempt <= 3; attempt++ {
		err := m.callbacks.Do(req, resp)
		if err == nil && resp.StatusCode() < 500 {
			log.Debug().Str("message_id", cb.MessageID).Int("status", resp.StatusCode()).Msg("Callback delivered")
			return
		}
		log.Warn().Err(err).Str("message_id", cb.MessageID).Int("attempt", attempt).Msg("Callback failed")
		time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
	}
}

func (m *MockOperator) Status(id string) (*StatusCheckResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, false
	}
	updated := msg.updatedAt
	return &StatusCheckResponse{
		MessageID:  msg.id,
		Status:     msg.status,
		ErrorCode:  msg.errorCode,
		ErrorMsg:   errorMessages[msg.errorCode],
		OperatorID: m.operatorID,
		UpdatedAt:  &updated,
	}, true
}

func (m *MockOperator) Rates() Rates {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rates
}

func (m *MockOperator) SetRates(r Rates) {
	m.mu.Lock()
	m.rates = r
	m.mu.Unlock()
}

// Wait blocks until every pending settlement has run.
func (m *MockOperator) Wait() {
	m.wg.Wait()
}

func (m *MockOperator) randomDelay() time.Duration {
	delta := m.maxDelay - m.minDelay
	if delta <= 0 {
		return m.minDelay
	}
	return m.minDelay + time.Duration(m.rng.Int63n(int64(delta)))
}
