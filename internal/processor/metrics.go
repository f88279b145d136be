package processor

import (
	"sync/atomic"
	"time"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/queue"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/prom"
)

const (
	OutcomeProcessed = "processed"
	OutcomeDiscarded = "discarded"
	OutcomeFailed    = "failed"
)

// Stats is a snapshot of ServiceMetrics.
type Stats struct {
	Processed   int64
	Discarded   int64
	Failed      int64
	AvgDuration time.Duration
	PerSecond   float64
	Uptime      time.Duration
}

// ServiceMetrics counts stream messages by how their handling ended.
type ServiceMetrics struct {
	processed atomic.Int64
	discarded atomic.Int64
	failed    atomic.Int64
	busyNs    atomic.Int64
	since     atomic.Int64
}

func NewServiceMetrics() *ServiceMetrics {
	m := &ServiceMetrics{}
	m.since.Store(time.Now().UnixNano())
	return m
}

// Record classifies err the way the queue will: nil is acknowledged, a
// discard goes to the dead-letter stream, anything else is redelivered.
func (m *ServiceMetrics) Record(err error, took time.Duration) string {
	outcome := OutcomeProcessed
	switch {
	case err == nil:
		m.processed.Add(1)
		m.busyNs.Add(int64(took))
	case queue.IsDiscard(err):
		outcome = OutcomeDiscarded
		m.discarded.Add(1)
	default:
		outcome = OutcomeFailed
		m.failed.Add(1)
	}
	prom.ObserveEventProcessed(outcome, took.Seconds())
	return outcome
}

func (m *ServiceMetrics) Snapshot() Stats {
	s := Stats{
		Processed: m.processed.Load(),
		Discarded: m.discarded.Load(),
		Failed:    m.failed.Load(),
		Uptime:    time.Since(time.Unix(0, m.since.Load())),
	}
	if s.Processed > 0 {
		s.AvgDuration = time.Duration(m.busyNs.Load() / s.Processed)
	}
	if secs := s.Uptime.Seconds(); secs > 0 {
		s.PerSecond = float64(s.Processed) / secs
	}
	return s
}

func (m *ServiceMetrics) Reset() {
	m.processed.Store(0)
	m.discarded.Store(0)
	m.failed.Store(0)
	m.busyNs.Store(0)
	m.since.Store(time.Now().UnixNano())
}
