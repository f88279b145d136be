package main

import (
	"context"
	"os"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/bootstrap"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/dispatch"
	gateway "github.com/chrisallenlawyer/law-firm-sms-sub001/internal/gateways"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/jobs"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/processor"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/reconciler"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/repository"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/scheduler"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/services"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	c, err := bootstrap.Load(bootstrap.EnvPathFromArgs(os.Args))
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}
	defer logger.Sync()
	logger.Info("starting dispatcher", "version", version, "commit", commit, "date", date, "env", c.AppEnv)

	db, err := bootstrap.OpenDB(c)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := bootstrap.OpenRedis(c)
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	renderer, err := scheduler.LoadRenderer(c.ReminderTimezone)
	if err != nil {
		logger.Error("failed loading reminder timezone", "timezone", c.ReminderTimezone, "error", err)
		return
	}

	client, err := gateway.NewClient(bootstrap.ProviderConfig(c))
	if err != nil {
		logger.Error("failed to create provider client", "error", err)
		return
	}
	defer client.Close()

	if err := bootstrap.StartMetrics(c); err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}

	eventRepo := repository.NewEventRepository(db)
	templateRepo := repository.NewTemplateRepository(db)
	reminderRepo := repository.NewReminderRepository(db)
	logRepo := repository.NewDeliveryLogRepository(db)

	// event stream -> schedule
	calculator := scheduler.NewCalculator(reminderRepo, logRepo, renderer)
	eventService := services.NewEventService(eventRepo, scheduler.NewAllActive(templateRepo), calculator, nil)

	idemConfig := processor.DefaultIdempotencyConfig()
	idemConfig.MaxRetries = c.QueueMaxRetries
	idemConfig.LockKeyPrefix = "stream:lock:"
	idemConfig.RetryKeyPrefix = "stream:retry:"
	idemConfig.ProcessedKeyPrefix = "stream:processed:"
	idempotency := processor.NewIdempotencyService(redisAdap, idemConfig)

	consumer, err := processor.NewProcessorService(redisAdap, processor.ServiceConfig{
		Queue:     processor.QueueConfigFromEnv(c),
		Consumers: c.QueueConsumers,
		Workers:   c.DispatchWorkers,
	})
	if err != nil {
		logger.Error("failed to create event consumer", "error", err)
		return
	}
	consumer.RegisterProcessor(processor.NewEventProcessor(eventService, idempotency))

	// schedule -> provider
	dispatchConfig := dispatch.Config{
		BatchSize:       c.DispatchBatchSize,
		Timeout:         c.DispatchTimeout,
		MaxRetries:      c.DispatchMaxRetries,
		BackoffBase:     c.DispatchBackoffBase,
		BackoffCap:      c.DispatchBackoffCap,
		StaleClaimAfter: c.StaleClaimAfter,
		CallbackURL:     c.ProviderCallbackUrl,
	}
	if err := dispatchConfig.Validate(); err != nil {
		logger.Error("invalid dispatch configuration", "error", err)
		return
	}
	dispatcher := dispatch.NewService(reminderRepo, logRepo, client, dispatch.ServiceConfig{
		Workers:      c.DispatchWorkers,
		PollInterval: c.DispatchPollInterval,
		Dispatch:     dispatchConfig,
	})
	sweeper := dispatch.NewSweeper(reminderRepo, logRepo, dispatchConfig)
	statuses := reconciler.New(reminderRepo, logRepo, client, reconciler.Config{
		Grace:     c.ReconcileGrace,
		BatchSize: c.ReconcileBatchSize,
		Timeout:   c.DispatchTimeout,
	})

	periodic := jobs.New(0)
	if err := periodic.Add("reconcile", c.ReconcileSchedule, func(ctx context.Context) error {
		_, err := statuses.RunPass(ctx)
		return err
	}); err != nil {
		logger.Error("failed to schedule reconciler", "error", err)
		return
	}
	if err := periodic.Add("sweep", c.SweepSchedule, func(ctx context.Context) error {
		_, err := sweeper.Sweep(ctx)
		return err
	}); err != nil {
		logger.Error("failed to schedule stale claim sweep", "error", err)
		return
	}

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	if err := consumer.Start(); err != nil {
		logger.Error("failed to start event consumer", "error", err)
		return
	}
	dispatcher.Start()
	periodic.Start()

	<-ctx.Done()

	periodic.Stop(dispatch.ShutdownTimeout)
	dispatcher.Stop()
	consumer.Stop()
}
