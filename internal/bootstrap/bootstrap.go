// Package bootstrap wires configuration, connections and metrics shared by
// the engine binaries.
package bootstrap

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/config"
	gateway "github.com/chrisallenlawyer/law-firm-sms-sub001/internal/gateways"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/logger"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/pg"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/prom"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/redis"
	"github.com/pkg/errors"
)

const defaultMetricsAddr = ":9100"

// EnvPathFromArgs returns the value of a --env=<path> argument when the file
// exists.
func EnvPathFromArgs(args []string) string {
	for _, v := range args {
		if !strings.HasPrefix(v, "--env=") {
			continue
		}
		path := strings.TrimPrefix(v, "--env=")
		if _, err := os.Stat(path); err != nil {
			logger.Error("failed to open the passed env file", "path", path, "error", err)
			return ""
		}
		return path
	}
	return ""
}

// Load reads the configuration and reconfigures the logger for it.
func Load(envPath string) (*config.Config, error) {
	if err := config.Load(envPath); err != nil {
		return nil, err
	}
	c := config.Get()
	if err := logger.Configure(c.AppEnv, c.LogLevel); err != nil {
		return nil, errors.Wrap(err, "configure logger")
	}
	return c, nil
}

// PostgresConfigs splits c into the read replica and primary settings.
func PostgresConfigs(c *config.Config) (read, write pg.Config) {
	read = pg.Config{
		User:         c.PostgresReadUser,
		Host:         c.PostgresReadHost,
		Port:         c.PostgresReadPort,
		Password:     c.PostgresReadPassword,
		Database:     c.PostgresReadDatabase,
		MaxOpenConns: c.PostgresMaxOpenConns,
	}
	write = pg.Config{
		User:         c.PostgresWriteUser,
		Host:         c.PostgresWriteHost,
		Port:         c.PostgresWritePort,
		Password:     c.PostgresWritePassword,
		Database:     c.PostgresWriteDatabase,
		MaxOpenConns: c.PostgresMaxOpenConns,
	}
	if read.Host == "" {
		read = write
	}
	return read, write
}

func OpenDB(c *config.Config) (*pg.DB, error) {
	read, write := PostgresConfigs(c)
	db, err := pg.CreateReadWrite(read, write, c.AppEnv == "dev" && c.AppDebug)
	if err != nil {
		return nil, errors.Wrap(err, "connect to postgres")
	}
	return db, nil
}

func OpenRedis(c *config.Config) (redis.RedisAdapter, error) {
	adapter, err := redis.NewRedisAdapter("default", c.RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{c.RedisAddr},
		ClientName: c.AppName,
		DB:         c.RedisDatabase,
		Username:   c.RedisUsername,
		Password:   c.RedisPassword,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect to redis")
	}
	return adapter, nil
}

// ProviderConfig maps c onto the provider client settings.
func ProviderConfig(c *config.Config) *gateway.Config {
	return &gateway.Config{
		Name:                    "primary",
		BaseURL:                 c.ProviderUrl,
		APIKey:                  c.ProviderApiKey,
		CallbackURL:             c.ProviderCallbackUrl,
		Timeout:                 c.DispatchTimeout,
		MaxConns:                256,
		ReadBufferSize:          1024 * 4,
		WriteBufferSize:         1024 * 4,
		HealthCheckInterval:     c.ProviderHealthCheck,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   time.Minute,
		RatePerSecond:           c.ProviderRatePerSecond,
		RateBurst:               c.ProviderRateBurst,
	}
}

// StartMetrics registers the engine metrics and serves them in the
// background.
func StartMetrics(c *config.Config) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err := prom.Create(hostname, c.AppEnv, c.PromNamespace); err != nil {
		return errors.Wrap(err, "create prometheus metrics")
	}

	addr := c.AppDebugMetricsAddr
	if addr == "" {
		addr = defaultMetricsAddr
	}
	go prom.ListenAndServer(addr, c.AppDebugMetricsURI)
	return nil
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
