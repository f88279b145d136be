package dispatch

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/model"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/logger"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/prom"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/worker"
	"github.com/google/uuid"
)

const ShutdownTimeout = 30 * time.Second

type ServiceConfig struct {
	Workers      int
	PollInterval time.Duration
	Dispatch     Config
}

// Service polls the dispatch queue on a fixed interval and hands each tick
// to a pool of workers, each claiming under its own token.
type Service struct {
	reminders ReminderStore
	config    ServiceConfig
	workers   []*slot
	pool      *worker.WorkerManager[*slot]
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

type slot struct {
	worker *Worker
	busy   atomic.Bool
}

func NewService(reminders ReminderStore, logs LogStore, provider Provider, config ServiceConfig) *Service {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		reminders: reminders,
		config:    config,
		pool:      worker.NewWorkerManager[*slot](config.Workers, config.Workers, nil),
		ctx:       ctx,
		cancel:    cancel,
	}

	host, _ := os.Hostname()
	for i := 0; i < config.Workers; i++ {
		token := fmt.Sprintf("%s-%d-%s", host, i, uuid.NewString())
		s.workers = append(s.workers, &slot{worker: NewWorker(token, reminders, logs, provider, config.Dispatch)})
	}
	return s
}

func (s *Service) Workers() []*Worker {
	out := make([]*Worker, len(s.workers))
	for i, sl := range s.workers {
		out[i] = sl.worker
	}
	return out
}

func (s *Service) Start() {
	s.pool.SetWorker(s.run)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		_ = s.pool.Start()
	}()
	go s.pollLoop()

	logger.Info("Dispatch service started", "workers", len(s.workers), "poll_interval", s.config.PollInterval)
}

func (s *Service) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.tick()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick wakes every idle worker. A worker still busy with the previous batch
// is skipped.
func (s *Service) tick() {
	for _, sl := range s.workers {
		if !sl.busy.CompareAndSwap(false, true) {
			continue
		}
		if !s.pool.TryEnqueue(sl) {
			sl.busy.Store(false)
		}
	}
	s.ReportQueueDepth(s.ctx)
}

func (s *Service) run(_ int, sl *slot) {
	defer sl.busy.Store(false)

	if _, err := sl.worker.RunOnce(s.ctx); err != nil && s.ctx.Err() == nil {
		logger.Error("Dispatch run failed", "worker", sl.worker.Token(), "error", err)
	}
}

// ReportQueueDepth publishes the instance count per status.
func (s *Service) ReportQueueDepth(ctx context.Context) {
	counts, err := s.reminders.CountByStatus(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("Failed to count reminders", "error", err)
		}
		return
	}
	for _, st := range []model.ReminderStatus{
		model.ReminderStatusPending, model.ReminderStatusSending, model.ReminderStatusSent,
		model.ReminderStatusDelivered, model.ReminderStatusUndelivered, model.ReminderStatusFailed,
		model.ReminderStatusCancelled,
	} {
		prom.SetInstancesByStatus(string(st), counts[st])
	}
}

// Stop waits for running batches. In-flight sends finish and record their
// outcome; claims left behind are recovered by the stale sweep.
func (s *Service) Stop() {
	logger.Info("Shutting down dispatch service...")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.pool.Exit()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Dispatch service stopped")
	case <-time.After(ShutdownTimeout):
		logger.Warn("Timeout waiting for dispatch workers to stop")
	}
}
