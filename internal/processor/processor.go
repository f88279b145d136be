package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/config"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/queue"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/logger"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/prom"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/redis"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/worker"
)

const ProcessingTimeout = 30 * time.Second
const ShutdownTimeout = time.Minute

// lagWarnThreshold is the pending count per consumer group worth a warning.
const lagWarnThreshold = 10_000

var ErrNoProcessor = errors.New("no processor registered")

type ServiceConfig struct {
	Queue     queue.QueueConfig
	Consumers int
	Workers   int
	// ProcessingTimeout bounds one Process call.
	ProcessingTimeout time.Duration
	MetricsInterval   time.Duration
}

// QueueConfigFromEnv maps the QUEUE_* settings onto a stream consumer config.
func QueueConfigFromEnv(c *config.Config) queue.QueueConfig {
	return queue.QueueConfig{
		Name:              c.QueueName,
		ConsumerGroup:     c.QueueConsumerGroup,
		ConsumerName:      c.QueueConsumerName,
		MaxRetries:        c.QueueMaxRetries,
		VisibilityTimeout: c.QueueVisibilityTimeout,
		PollInterval:      c.QueuePollInterval,
		BatchSize:         c.QueueBatchSize,
		MaxLen:            c.QueueMaxLen,
		EnableDLQ:         c.QueueEnableDLQ,
	}
}

// Processor handles one stream message. A nil error acknowledges it.
type Processor interface {
	Process(ctx context.Context, message *queue.Message) error
	GetType() string
}

// ProcessorService consumes the event stream with several consumers of one
// group and runs every message through the registered Processor on a
// bounded worker pool.
type ProcessorService struct {
	adapter   redis.RedisAdapter
	config    ServiceConfig
	processor Processor
	consumers []*queue.Queue
	metrics   *ServiceMetrics
	pool      *worker.WorkerManager[*job]

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type job struct {
	ctx    context.Context
	msg    *queue.Message
	result chan error
}

func NewProcessorService(adapter redis.RedisAdapter, cfg ServiceConfig) (*ProcessorService, error) {
	if cfg.Queue.Name == "" {
		return nil, errors.New("queue name is required")
	}
	if cfg.Consumers <= 0 {
		cfg.Consumers = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = ProcessingTimeout
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ProcessorService{
		adapter:   adapter,
		config:    cfg,
		consumers: make([]*queue.Queue, 0, cfg.Consumers),
		metrics:   NewServiceMetrics(),
		pool:      worker.NewWorkerManager[*job](cfg.Workers*10, cfg.Workers, nil),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func (s *ProcessorService) Metrics() *ServiceMetrics {
	return s.metrics
}

func (s *ProcessorService) RegisterProcessor(p Processor) {
	s.processor = p
	logger.Info("Registered processor", "type", p.GetType(), "stream", s.config.Queue.Name)
}

func (s *ProcessorService) Start() error {
	if s.processor == nil {
		return ErrNoProcessor
	}

	s.pool.SetWorker(s.work)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.pool.Start(); err != nil {
			logger.Error("Worker pool stopped", "error", err)
		}
	}()

	for i := 0; i < s.config.Consumers; i++ {
		qc := s.config.Queue
		qc.ConsumerName = fmt.Sprintf("%s-instance-%d", qc.ConsumerName, i)

		q, err := queue.NewQueue(s.adapter, qc)
		if err != nil {
			return fmt.Errorf("create consumer %d: %w", i, err)
		}
		if err := q.Consume(s.handle); err != nil {
			return fmt.Errorf("start consumer %d: %w", i, err)
		}
		s.consumers = append(s.consumers, q)
	}

	s.wg.Add(1)
	go s.monitor()

	logger.Info("Event consumer started", "stream", s.config.Queue.Name, "group", s.config.Queue.ConsumerGroup,
		"consumers", len(s.consumers), "workers", s.config.Workers)
	return nil
}

// monitor logs throughput and exports the consumer group lag.
func (s *ProcessorService) monitor() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.report()
		}
	}
}

func (s *ProcessorService) report() {
	st := s.metrics.Snapshot()
	logger.Info("Event consumer stats",
		"processed", st.Processed, "discarded", st.Discarded, "failed", st.Failed,
		"avg_ms", st.AvgDuration.Milliseconds(), "per_second", st.PerSecond)

	if len(s.consumers) == 0 {
		return
	}
	// consumers share one group, any of them reports the group lag
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	qs, err := s.consumers[0].Stats(ctx)
	if err != nil {
		logger.Warn("Stream stats unavailable", "stream", s.config.Queue.Name, "error", err)
		return
	}
	prom.SetStreamPending(s.config.Queue.Name, qs.PendingMessages)
	if qs.PendingMessages > lagWarnThreshold {
		logger.Warn("Event stream lagging", "stream", s.config.Queue.Name, "pending", qs.PendingMessages, "length", qs.TotalMessages)
	}
}

// Stop stops reading, lets in-flight messages finish and waits for the pool.
// Unacknowledged messages are redelivered to the next consumer.
func (s *ProcessorService) Stop() {
	logger.Info("Stopping event consumer...")
	s.cancel()

	var stopped sync.WaitGroup
	for i, q := range s.consumers {
		stopped.Add(1)
		go func() {
			defer stopped.Done()
			if err := q.Stop(ShutdownTimeout); err != nil {
				logger.Error("Consumer did not stop", "consumer", i, "error", err)
			}
		}()
	}
	stopped.Wait()

	s.pool.Exit()
	s.wg.Wait()
	s.report()
	logger.Info("Event consumer stopped")
}

// handle runs in the consumer loop; it hands msg to the pool and waits for
// the result so that the ack follows the outcome.
func (s *ProcessorService) handle(ctx context.Context, msg *queue.Message) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ProcessingTimeout+time.Second)
	defer cancel()

	j := &job{ctx: ctx, msg: msg, result: make(chan error, 1)}
	if !s.pool.Enqueue(j) {
		return worker.ErrTerminated
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("message %s not processed in time: %w", msg.ID, ctx.Err())
	}
}

func (s *ProcessorService) work(workerIndex int, j *job) {
	if j.ctx.Err() != nil {
		// the consumer gave up waiting, the message will be redelivered
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(j.ctx, s.config.ProcessingTimeout)
	err := s.processor.Process(ctx, j.msg)
	cancel()

	if outcome := s.metrics.Record(err, time.Since(start)); outcome != OutcomeProcessed {
		logger.Warn("Event message not processed", "worker", workerIndex, "stream_id", j.msg.ID, "outcome", outcome, "error", err)
	}
	j.result <- err
}
