package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvPathFromArgs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("APP_ENV=test\n"), 0o600))

	assert.Equal(t, path, EnvPathFromArgs([]string{"api", "--env=" + path}))
	assert.Empty(t, EnvPathFromArgs([]string{"api", "--env=/does/not/exist"}))
	assert.Empty(t, EnvPathFromArgs([]string{"api"}))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("APP_ENV=test\nLOG_LEVEL=warn\nDISPATCH_TIMEOUT=3s\n"), 0o600))
	t.Cleanup(func() {
		for _, k := range []string{"APP_ENV", "LOG_LEVEL", "DISPATCH_TIMEOUT"} {
			os.Unsetenv(k)
		}
	})

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test", c.AppEnv)
	assert.Equal(t, 3*time.Second, c.DispatchTimeout)
	assert.Equal(t, "events:notifications", c.QueueName)
	assert.Same(t, c, config.Get())
}

func TestPostgresConfigs(t *testing.T) {
	c := &config.Config{
		PostgresWriteHost:     "primary",
		PostgresWritePort:     "5432",
		PostgresWriteUser:     "app",
		PostgresWriteDatabase: "reminders",
		PostgresMaxOpenConns:  7,
	}

	read, write := PostgresConfigs(c)
	assert.Equal(t, "primary", write.Host)
	assert.Equal(t, 7, write.MaxOpenConns)
	assert.Equal(t, write, read, "without a replica reads go to the primary")

	c.PostgresReadHost = "replica"
	read, _ = PostgresConfigs(c)
	assert.Equal(t, "replica", read.Host)
}

func TestProviderConfig(t *testing.T) {
	c := &config.Config{
		ProviderUrl:           "http://operator:8081",
		ProviderApiKey:        "secret",
		ProviderCallbackUrl:   "http://api/api/v1/webhooks/status",
		ProviderRatePerSecond: 5,
		ProviderRateBurst:     2,
		DispatchTimeout:       4 * time.Second,
	}

	pc := ProviderConfig(c)
	assert.Equal(t, "http://operator:8081", pc.BaseURL)
	assert.Equal(t, "secret", pc.APIKey)
	assert.Equal(t, 4*time.Second, pc.Timeout)
	assert.Equal(t, 5.0, pc.RatePerSecond)
	assert.Equal(t, 2, pc.RateBurst)
}
