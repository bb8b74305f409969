// Package config loads the agent configuration from YAML.
//
// The file is unmarshalled into a generic map first and then decoded with mapstructure, so the
// plugin section can be handed to the plugin manager untouched.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/linchenxuan/vigil/delivery"
	"github.com/linchenxuan/vigil/harvest"
	"github.com/linchenxuan/vigil/log"
	"github.com/linchenxuan/vigil/runtime"
	"github.com/linchenxuan/vigil/tracing"
	"github.com/linchenxuan/vigil/transport"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid agent config")

// CollectorConfig locates the collector and shapes the metric stream.
type CollectorConfig struct {
	Host           string            `mapstructure:"host" yaml:"host"`
	Port           int               `mapstructure:"port" yaml:"port"`
	UseTLS         bool              `mapstructure:"useTLS" yaml:"useTLS"`
	Compression    string            `mapstructure:"compression" yaml:"compression"`
	ConnectTimeout time.Duration     `mapstructure:"connectTimeout" yaml:"connectTimeout"`
	SendDeadline   time.Duration     `mapstructure:"sendDeadline" yaml:"sendDeadline"`
	Headers        map[string]string `mapstructure:"headers" yaml:"headers"`
}

// RetryConfig bounds delivery retries.
type RetryConfig struct {
	InitialBackoff  time.Duration `mapstructure:"initialBackoff" yaml:"initialBackoff"`
	MaxBackoff      time.Duration `mapstructure:"maxBackoff" yaml:"maxBackoff"`
	MaxRetries      uint64        `mapstructure:"maxRetries" yaml:"maxRetries"`
	DropLogInterval time.Duration `mapstructure:"dropLogInterval" yaml:"dropLogInterval"`
}

// AgentConfig is the root of the agent configuration file.
type AgentConfig struct {
	AppName   string          `mapstructure:"appName" yaml:"appName"`
	Log       log.LogCfg      `mapstructure:"log" yaml:"log"`
	Collector CollectorConfig `mapstructure:"collector" yaml:"collector"`
	Retry     RetryConfig     `mapstructure:"retry" yaml:"retry"`
	Harvest   harvest.Config  `mapstructure:"harvest" yaml:"harvest"`
	Tracing   tracing.Config  `mapstructure:"tracing" yaml:"tracing"`
	// Plugins is type -> name -> settings, passed as-is to plugin.Manager.SetupPlugins.
	Plugins map[string]any `mapstructure:"plugin" yaml:"plugin"`
}

// Default returns a configuration pointing at a collector on localhost.
func Default() *AgentConfig {
	return &AgentConfig{
		AppName: "unnamed",
		Log: log.LogCfg{
			LogPath:           "./vigil.log",
			LogLevel:          log.InfoLevel,
			Format:            "json",
			ConsoleAppender:   true,
			EnabledCallerInfo: true,
		},
		Collector: CollectorConfig{
			Host:           "127.0.0.1",
			Port:           4317,
			Compression:    transport.CompressionZstd,
			ConnectTimeout: 5 * time.Second,
			SendDeadline:   10 * time.Second,
		},
		Retry: RetryConfig{
			InitialBackoff:  500 * time.Millisecond,
			MaxBackoff:      30 * time.Second,
			MaxRetries:      5,
			DropLogInterval: time.Minute,
		},
		Harvest: harvest.Config{
			Period:            time.Minute,
			MaxTransactionAge: 10 * time.Minute,
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// Load reads and validates the YAML file at path on top of Default.
func Load(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (*AgentConfig, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse agent config: %w", err)
	}

	cfg := Default()
	if err := Decode(raw, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode decodes a generic map into out, accepting duration strings and level names.
func Decode(raw map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToLevelHookFunc(),
		),
		ErrorUnused: true,
		Result:      out,
	})
	if err != nil {
		return fmt.Errorf("create config decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("decode agent config: %w", err)
	}
	return nil
}

var _levelType = reflect.TypeOf(log.Level(0))

func stringToLevelHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != _levelType {
			return data, nil
		}
		return log.ParseLevel(data.(string)), nil
	}
}

// Validate checks every section.
func (c *AgentConfig) Validate() error {
	if c.AppName == "" {
		return fmt.Errorf("%w: appName must not be empty", ErrInvalidConfig)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("%w: log: %w", ErrInvalidConfig, err)
	}

	cc := &c.Collector
	if cc.Host == "" {
		return fmt.Errorf("%w: collector.host must not be empty", ErrInvalidConfig)
	}
	if cc.Port <= 0 || cc.Port > 65535 {
		return fmt.Errorf("%w: collector.port %d out of range", ErrInvalidConfig, cc.Port)
	}
	if err := transport.ValidCompression(cc.Compression); err != nil {
		return fmt.Errorf("%w: collector: %w", ErrInvalidConfig, err)
	}
	if cc.ConnectTimeout < 0 || cc.SendDeadline < 0 {
		return fmt.Errorf("%w: collector timeouts must not be negative", ErrInvalidConfig)
	}
	if _, err := (&runtime.Identity{}).Headers(cc.Headers); err != nil {
		return fmt.Errorf("%w: collector.headers: %w", ErrInvalidConfig, err)
	}

	r := &c.Retry
	if r.InitialBackoff < 0 || r.MaxBackoff < 0 || r.DropLogInterval < 0 {
		return fmt.Errorf("%w: retry intervals must not be negative", ErrInvalidConfig)
	}
	if r.MaxRetries == 0 {
		return fmt.Errorf("%w: retry.maxRetries must be positive", ErrInvalidConfig)
	}
	if r.MaxBackoff > 0 && r.InitialBackoff > r.MaxBackoff {
		return fmt.Errorf("%w: retry.initialBackoff %s exceeds maxBackoff %s",
			ErrInvalidConfig, r.InitialBackoff, r.MaxBackoff)
	}

	if c.Harvest.Period <= 0 {
		return fmt.Errorf("%w: harvest.period must be positive", ErrInvalidConfig)
	}
	if c.Harvest.MaxTransactionAge < 0 {
		return fmt.Errorf("%w: harvest.maxTransactionAge must not be negative", ErrInvalidConfig)
	}
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("%w: tracing: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Destination returns the collector destination.
func (c *AgentConfig) Destination() transport.Destination {
	return transport.Destination{Host: c.Collector.Host, Port: c.Collector.Port, UseTLS: c.Collector.UseTLS}
}

// DeliveryConfig builds the delivery settings; headers are the full stream metadata.
func (c *AgentConfig) DeliveryConfig(headers map[string]string) delivery.Config {
	return delivery.Config{
		Destination:     c.Destination(),
		ConnectTimeout:  c.Collector.ConnectTimeout,
		SendDeadline:    c.Collector.SendDeadline,
		InitialBackoff:  c.Retry.InitialBackoff,
		MaxBackoff:      c.Retry.MaxBackoff,
		MaxRetries:      c.Retry.MaxRetries,
		DropLogInterval: c.Retry.DropLogInterval,
		Headers:         headers,
	}
}
