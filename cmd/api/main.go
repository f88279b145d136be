package main

import (
	"context"
	"os"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/bootstrap"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/confirmation"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/handlers"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/processor"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/queue"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/reconciler"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/repository"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/scheduler"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/services"
	xhttp "github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/http"
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
	logger.Info("starting api", "version", version, "commit", commit, "date", date, "env", c.AppEnv)

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

	q, err := queue.NewQueue(redisAdap, processor.QueueConfigFromEnv(c))
	if err != nil {
		logger.Error("failed creating queue", "error", err)
		return
	}

	if err := bootstrap.StartMetrics(c); err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}

	// repositories
	eventRepo := repository.NewEventRepository(db)
	templateRepo := repository.NewTemplateRepository(db)
	reminderRepo := repository.NewReminderRepository(db)
	logRepo := repository.NewDeliveryLogRepository(db)

	// services
	calculator := scheduler.NewCalculator(reminderRepo, logRepo, renderer)
	eventService := services.NewEventService(eventRepo, scheduler.NewAllActive(templateRepo), calculator, q)
	reminderService := services.NewReminderService(reminderRepo, logRepo)
	confirmations := confirmation.NewHandler(reminderRepo, logRepo)
	// the api only applies pushed callbacks, polling runs in the dispatcher
	statuses := reconciler.New(reminderRepo, logRepo, nil, reconciler.Config{})

	dedupConfig := processor.DefaultIdempotencyConfig()
	dedupConfig.ProcessedTTL = c.WebhookDedupTTL
	dedup := processor.NewIdempotencyService(redisAdap, dedupConfig)

	// transport
	s := xhttp.NewServer(xhttp.DefaultServerOption.WithTimeouts(
		c.HttpServerReadTimeout, c.HttpServerWriteTimeout,
		c.HttpServerReadBufferSize, c.HttpServerWriteBufferSize,
	))
	s.Use(xhttp.RecoverMiddleware)
	s.Use(xhttp.RequestIDMiddleware)
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.CompressMiddleware(6))

	// v1 handlers
	g := s.Router.Group(c.HttpBaseRequestUrl)
	handlers.RegisterEventRoutes(g, handlers.NewEventHandler(eventService))
	handlers.RegisterReminderRoutes(g, handlers.NewReminderHandler(reminderService, confirmations))
	handlers.RegisterWebhookRoutes(g, handlers.NewWebhookHandler(statuses, confirmations, dedup))
	handlers.RegisterHealthRoutes(g, handlers.NewHealthHandler(map[string]handlers.HealthCheck{
		"postgres": db.Ping,
		"redis": func(ctx context.Context) error {
			return redisAdap.Ping(ctx)
		},
	}))

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	go func() {
		if err := s.ListenAndServe(c.HttpListenAddr); err != nil {
			logger.Error("error in running http-server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	s.Shutdown()
	if err := q.Stop(processor.ShutdownTimeout); err != nil {
		logger.Warn("failed to stop queue", "error", err)
	}
}
