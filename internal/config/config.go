package config

import (
	"time"

	"github.com/Netflix/go-env"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

var config *Config

// Config holds every configuration value of the engine processes. Only this
// struct must be used to hold configuration values, no direct access to env,
// ini or any other config source should be made.
type Config struct {
	AppEnv              string `env:"APP_ENV,default=dev"`
	AppName             string `env:"APP_NAME,default=court_reminders"`
	AppDebug            bool   `env:"APP_DEBUG"`
	AppDebugMetricsAddr string `env:"APP_DEBUG_METRIC_ADDR"`
	AppDebugMetricsURI  string `env:"APP_DEBUG_METRIC_URI,default=/metrics"`
	AppBaseUrl          string `env:"APP_BASE_URL"`

	HttpListenAddr            string `env:"HTTP_LISTEN_ADDR,default=:8080"`
	HttpBaseRequestUrl        string `env:"HTTP_BASE_REQUEST_URI,default=/api/v1"`
	HttpServerReadTimeout     int    `env:"HTTP_SERVER_READ_TIMEOUT"`
	HttpServerWriteTimeout    int    `env:"HTTP_SERVER_WRITE_TIMEOUT"`
	HttpServerReadBufferSize  int    `env:"HTTP_SERVER_READ_BUFFER_SIZE"`
	HttpServerWriteBufferSize int    `env:"HTTP_SERVER_WRITE_BUFFER_SIZE"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`
	PostgresMaxOpenConns  int    `env:"POSTGRES_MAX_OPEN_CONNS,default=20"`
	MigrationsDir         string `env:"MIGRATIONS_DIR,default=migrations"`

	RedisAddr               string `env:"REDIS_ADDR"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX"`

	PromNamespace string `env:"PROM_NAMESPACE,default=court_reminders"`

	LogLevel string `env:"LOG_LEVEL,default=info"`

	QueueName              string        `env:"QUEUE_NAME,default=events:notifications"`
	QueueConsumerGroup     string        `env:"QUEUE_CONSUMER_GROUP,default=dispatcher"`
	QueueConsumerName      string        `env:"QUEUE_CONSUMER_NAME,default=dispatcher"`
	QueueConsumers         int           `env:"QUEUE_CONSUMERS,default=2"`
	QueueMaxRetries        int           `env:"QUEUE_MAX_RETRIES,default=5"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT,default=30s"`
	QueuePollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL,default=1s"`
	QueueBatchSize         int64         `env:"QUEUE_BATCH_SIZE,default=10"`
	QueueMaxLen            int64         `env:"QUEUE_MAX_LEN,default=100000"`
	QueueEnableDLQ         bool          `env:"QUEUE_ENABLE_DLQ,default=true"`

	DispatchWorkers      int           `env:"DISPATCH_WORKERS,default=4"`
	DispatchBatchSize    int           `env:"DISPATCH_BATCH_SIZE,default=20"`
	DispatchPollInterval time.Duration `env:"DISPATCH_POLL_INTERVAL,default=15s"`
	DispatchTimeout      time.Duration `env:"DISPATCH_TIMEOUT,default=10s"`
	DispatchMaxRetries   int           `env:"DISPATCH_MAX_RETRIES,default=5"`
	DispatchBackoffBase  time.Duration `env:"DISPATCH_BACKOFF_BASE,default=1m"`
	DispatchBackoffCap   time.Duration `env:"DISPATCH_BACKOFF_CAP,default=1h"`
	StaleClaimAfter      time.Duration `env:"STALE_CLAIM_AFTER,default=5m"`
	SweepSchedule        string        `env:"SWEEP_SCHEDULE,default=@every 1m"`

	ReconcileSchedule  string        `env:"RECONCILE_SCHEDULE,default=@every 5m"`
	ReconcileGrace     time.Duration `env:"RECONCILE_GRACE,default=10m"`
	ReconcileBatchSize int           `env:"RECONCILE_BATCH_SIZE,default=100"`

	ReminderTimezone string `env:"REMINDER_TIMEZONE,default=America/Chicago"`

	ProviderUrl           string        `env:"PROVIDER_URL"`
	ProviderApiKey        string        `env:"PROVIDER_API_KEY"`
	ProviderCallbackUrl   string        `env:"PROVIDER_CALLBACK_URL"`
	ProviderRatePerSecond float64       `env:"PROVIDER_RATE,default=10"`
	ProviderRateBurst     int           `env:"PROVIDER_BURST,default=10"`
	ProviderHealthCheck   time.Duration `env:"PROVIDER_HEALTH_CHECK_INTERVAL,default=30s"`

	WebhookDedupTTL time.Duration `env:"WEBHOOK_DEDUP_TTL,default=24h"`
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c := &Config{}
	var err error
	if path != "" {
		logger.Info("trying to publish env from file", "path", path)
		err = godotenv.Load(path)
		if err != nil {
			return errors.New("failed to load configuration file " + path + " error: " + err.Error())
		}
	}

	_, err = env.UnmarshalFromEnviron(c)

	if err != nil {
		return errors.Wrap(err, "failed to map env variables to Configuration object")
	}

	config = c
	return nil
}

// Set installs c as the process configuration.
func Set(c *Config) {
	config = c
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}
