package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type settings struct {
	GinMode       string        `env:"GIN_MODE,default=release"`
	Port          string        `env:"PORT,default=8081"`
	DeliveryRate  float64       `env:"DELIVERY_RATE,default=0.95"`
	RejectRate    float64       `env:"REJECT_RATE,default=0"`
	TransientRate float64       `env:"TRANSIENT_RATE,default=0"`
	MinDelay      time.Duration `env:"MIN_DELAY,default=1s"`
	MaxDelay      time.Duration `env:"MAX_DELAY,default=5s"`
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var s settings
	if _, err := env.UnmarshalFromEnviron(&s); err != nil {
		log.Fatal().Err(err).Msg("Invalid operator settings")
	}
	gin.SetMode(s.GinMode)

	rates := Rates{Delivery: s.DeliveryRate, Reject: s.RejectRate, Transient: s.TransientRate}
	operator := NewMockOperator(rates, s.MinDelay, s.MaxDelay)

	srv := &http.Server{
		Addr:              ":" + s.Port,
		Handler:           SetupRouter(NewHandler(operator)),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", srv.Addr).
			Float64("delivery_rate", rates.Delivery).
			Float64("reject_rate", rates.Reject).
			Float64("transient_rate", rates.Transient).
			Dur("min_delay", s.MinDelay).
			Dur("max_delay", s.MaxDelay).
			Msg("Mock operator listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Mock operator stopped")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Forced shutdown")
	}
	// let pending delivery callbacks go out
	operator.Wait()
	log.Info().Msg("Mock operator exited")
}
