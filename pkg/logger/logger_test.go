package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestPackageHelpers(t *testing.T) {
	prev := current.Load()
	t.Cleanup(func() { current.Store(prev) })

	core, logs := observer.New(zapcore.InfoLevel)
	NewWithCore(core)

	Info("Reminder sent", "instance_id", 7, "provider_message_id", "SM123")
	Debug("dropped below level")
	Warn("Claim lost", "instance_id", 7)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "Reminder sent", entries[0].Message)
	assert.Equal(t, int64(7), entries[0].ContextMap()["instance_id"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
}

func TestBuildConfig(t *testing.T) {
	cfg := buildConfig("production", "warn")
	assert.Equal(t, "json", cfg.Encoding)
	assert.Equal(t, zap.WarnLevel, cfg.Level.Level())

	cfg = buildConfig("dev", "not-a-level")
	assert.Equal(t, "console", cfg.Encoding)
	assert.Equal(t, zap.DebugLevel, cfg.Level.Level())
}
