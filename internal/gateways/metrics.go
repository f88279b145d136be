package gateway

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const latencyWindow = 100

// ProviderMetrics counts the outcome of every provider exchange. A rejection
// is a provider answer, so it resets the failure streak the breaker watches.
type ProviderMetrics struct {
	TotalRequests    atomic.Int64
	SuccessfulReqs   atomic.Int64
	FailedReqs       atomic.Int64
	Rejected         atomic.Int64
	TotalLatencyMs   atomic.Int64
	LastLatencyMs    atomic.Int64
	ConsecutiveFails atomic.Int32
	LastErrorTime    atomic.Int64
	LastSuccessTime  atomic.Int64

	mu      sync.Mutex
	window  [latencyWindow]int64
	next    int
	samples int
}

func NewProviderMetrics() *ProviderMetrics {
	return &ProviderMetrics{}
}

func (m *ProviderMetrics) RecordSuccess(latencyMs int64) {
	m.TotalRequests.Add(1)
	m.SuccessfulReqs.Add(1)
	m.TotalLatencyMs.Add(latencyMs)
	m.LastLatencyMs.Store(latencyMs)
	m.ConsecutiveFails.Store(0)
	m.LastSuccessTime.Store(time.Now().Unix())

	m.mu.Lock()
	m.window[m.next] = latencyMs
	m.next = (m.next + 1) % latencyWindow
	m.samples = min(m.samples+1, latencyWindow)
	m.mu.Unlock()
}

func (m *ProviderMetrics) RecordRejection() {
	m.TotalRequests.Add(1)
	m.Rejected.Add(1)
	m.ConsecutiveFails.Store(0)
}

func (m *ProviderMetrics) RecordFailure() {
	m.TotalRequests.Add(1)
	m.FailedReqs.Add(1)
	m.ConsecutiveFails.Add(1)
	m.LastErrorTime.Store(time.Now().Unix())
}

func (m *ProviderMetrics) AvgLatencyMs() int64 {
	n := m.SuccessfulReqs.Load()
	if n == 0 {
		return 0
	}
	return m.TotalLatencyMs.Load() / n
}

// SuccessRate is the share of requests the provider answered, rejections
// included. It is 1 before the first request.
func (m *ProviderMetrics) SuccessRate() float64 {
	n := m.TotalRequests.Load()
	if n == 0 {
		return 1
	}
	return 1 - float64(m.FailedReqs.Load())/float64(n)
}

// P95LatencyMs is taken over the last successful requests only.
func (m *ProviderMetrics) P95LatencyMs() int64 {
	return m.percentile(0.95)
}

func (m *ProviderMetrics) percentile(p float64) int64 {
	m.mu.Lock()
	recent := slices.Clone(m.window[:m.samples])
	m.mu.Unlock()

	if len(recent) == 0 {
		return 0
	}
	slices.Sort(recent)
	return recent[min(int(float64(len(recent))*p), len(recent)-1)]
}
