package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/linchenxuan/vigil/log"
	"github.com/linchenxuan/vigil/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
appName: orders
log:
  level: debug
  format: console
collector:
  host: collector.internal
  port: 4443
  useTLS: true
  compression: gzip
  sendDeadline: 3s
  headers:
    X-Team: payments
retry:
  initialBackoff: 100ms
  maxBackoff: 5s
  maxRetries: 7
harvest:
  period: 5s
  maxTransactionAge: 2m
tracing:
  unscopedRollup: false
  slowThreshold: 250ms
plugin:
  reporter:
    prometheus:
      httpListenAddr: 127.0.0.1:0
      pushIntervalSec: 30
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "orders", cfg.AppName)
	assert.Equal(t, log.DebugLevel, cfg.Log.LogLevel)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.True(t, cfg.Log.ConsoleAppender, "defaults survive a partial section")

	assert.Equal(t, transport.Destination{Host: "collector.internal", Port: 4443, UseTLS: true}, cfg.Destination())
	assert.Equal(t, transport.CompressionGzip, cfg.Collector.Compression)
	assert.Equal(t, 3*time.Second, cfg.Collector.SendDeadline)
	assert.Equal(t, 5*time.Second, cfg.Collector.ConnectTimeout)
	assert.Equal(t, map[string]string{"X-Team": "payments"}, cfg.Collector.Headers)

	assert.Equal(t, 100*time.Millisecond, cfg.Retry.InitialBackoff)
	assert.Equal(t, uint64(7), cfg.Retry.MaxRetries)
	assert.Equal(t, time.Minute, cfg.Retry.DropLogInterval)

	assert.Equal(t, 5*time.Second, cfg.Harvest.Period)
	assert.Equal(t, 2*time.Minute, cfg.Harvest.MaxTransactionAge)
	assert.False(t, cfg.Tracing.UnscopedRollup)
	assert.Equal(t, 250*time.Millisecond, cfg.Tracing.SlowThreshold)

	reporters, ok := cfg.Plugins["reporter"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, reporters, "prometheus")

	d := cfg.DeliveryConfig(map[string]string{"vigil-app-name": "orders"})
	assert.Equal(t, cfg.Destination(), d.Destination)
	assert.Equal(t, uint64(7), d.MaxRetries)
	assert.Equal(t, "orders", d.Headers["vigil-app-name"])
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	require.NoError(t, os.WriteFile(path, []byte("appName: billing\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "billing", cfg.AppName)
	assert.Equal(t, Default().Collector, cfg.Collector)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("appName: x\ncolector:\n  host: y\n"))
	assert.Error(t, err)
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte("harvest:\n  period: soon\n"))
	assert.Error(t, err)
}

func TestParseRejectsZeroMaxRetries(t *testing.T) {
	_, err := Parse([]byte("retry:\n  maxRetries: 0\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Default().Validate())

	tests := []struct {
		name   string
		mutate func(c *AgentConfig)
	}{
		{"empty app name", func(c *AgentConfig) { c.AppName = "" }},
		{"empty host", func(c *AgentConfig) { c.Collector.Host = "" }},
		{"port zero", func(c *AgentConfig) { c.Collector.Port = 0 }},
		{"port too large", func(c *AgentConfig) { c.Collector.Port = 70000 }},
		{"unknown compression", func(c *AgentConfig) { c.Collector.Compression = "lz4" }},
		{"negative deadline", func(c *AgentConfig) { c.Collector.SendDeadline = -time.Second }},
		{"reserved header", func(c *AgentConfig) { c.Collector.Headers = map[string]string{"Vigil-Run-Id": "x"} }},
		{"unbounded retries", func(c *AgentConfig) { c.Retry.MaxRetries = 0 }},
		{"bad header key", func(c *AgentConfig) { c.Collector.Headers = map[string]string{"x env": "x"} }},
		{"backoff inverted", func(c *AgentConfig) { c.Retry.InitialBackoff = time.Hour }},
		{"zero period", func(c *AgentConfig) { c.Harvest.Period = 0 }},
		{"negative max age", func(c *AgentConfig) { c.Harvest.MaxTransactionAge = -1 }},
		{"negative slow threshold", func(c *AgentConfig) { c.Tracing.SlowThreshold = -1 }},
		{"no appender", func(c *AgentConfig) { c.Log.ConsoleAppender = false }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
