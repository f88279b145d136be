// Package jobs runs the periodic engine passes (status reconciliation, stale
// claim sweep) on cron schedules.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/logger"
	"github.com/robfig/cron/v3"
)

// Func is one run of a periodic job.
type Func func(ctx context.Context) error

type Scheduler struct {
	parser  cron.Parser
	c       *cron.Cron
	timeout time.Duration

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	runs   map[string]int
}

// New returns a scheduler whose job runs are bounded by timeout (zero for
// none). Specs accept an optional seconds field and descriptors like
// "@every 5m".
func New(timeout time.Duration) *Scheduler {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	l := cronLogger{}
	return &Scheduler{
		parser: parser,
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		runs:    make(map[string]int),
	}
}

// Add registers fn under name. A run still in progress when the next one is
// due is not overlapped.
func (s *Scheduler) Add(name, spec string, fn Func) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", name, spec, err)
	}
	_, err := s.c.AddFunc(spec, func() { s.run(name, fn) })
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	logger.Info("Registered job", "job", name, "schedule", spec)
	return nil
}

func (s *Scheduler) run(name string, fn Func) {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)

	s.mu.Lock()
	s.runs[name]++
	s.mu.Unlock()

	if err != nil && s.ctx.Err() == nil {
		logger.Error("Job failed", "job", name, "duration", time.Since(start), "error", err)
		return
	}
	logger.Debug("Job finished", "job", name, "duration", time.Since(start))
}

// Runs returns how many times name has completed.
func (s *Scheduler) Runs(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[name]
}

func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop cancels running jobs and waits for them up to timeout.
func (s *Scheduler) Stop(timeout time.Duration) {
	s.cancel()
	select {
	case <-s.c.Stop().Done():
	case <-time.After(timeout):
		logger.Warn("Timeout waiting for jobs to stop")
	}
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Debug("[cron] "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Error("[cron] "+msg, append(keysAndValues, "error", err)...)
}
