package log

import (
	"errors"
	"fmt"
	"path/filepath"
)

// ErrInvalidLogCfg wraps every LogCfg validation failure.
var ErrInvalidLogCfg = errors.New("invalid log config")

// LogCfg configures the agent logger. Field tags follow the agent's config file layout.
type LogCfg struct {
	LogPath  string `mapstructure:"path"`   // file sink target
	LogLevel Level  `mapstructure:"level"`  // minimum level, changeable with SetLevel
	Format   string `mapstructure:"format"` // "json" (default) or "console"

	// CallerSkip adds frames to skip when a wrapper sits between the caller and this package.
	CallerSkip int `mapstructure:"callerSkip"`

	FileAppender      bool `mapstructure:"fileAppender"`
	ConsoleAppender   bool `mapstructure:"consoleAppender"`
	EnabledCallerInfo bool `mapstructure:"enabledCallerInfo"`
}

// Validate checks cfg and cleans the file path when the file sink is on.
func (cfg *LogCfg) Validate() error {
	var problem string
	switch {
	case !cfg.LogLevel.valid():
		problem = fmt.Sprintf("level %d outside %s..%s", cfg.LogLevel, TraceLevel, FatalLevel)
	case cfg.Format != "" && cfg.Format != "json" && cfg.Format != "console":
		problem = fmt.Sprintf("format %q, want json or console", cfg.Format)
	case cfg.CallerSkip < 0:
		problem = fmt.Sprintf("negative caller skip %d", cfg.CallerSkip)
	case !cfg.FileAppender && !cfg.ConsoleAppender:
		problem = "no appender enabled"
	case cfg.FileAppender && cfg.LogPath == "":
		problem = "file appender enabled without a path"
	}
	if problem != "" {
		return fmt.Errorf("%w: %s", ErrInvalidLogCfg, problem)
	}

	if cfg.FileAppender {
		cfg.LogPath = filepath.Clean(cfg.LogPath)
	}
	return nil
}

func getDefaultCfg() *LogCfg {
	return &LogCfg{
		LogPath:           "./vigil.log",
		LogLevel:          InfoLevel,
		Format:            "json",
		ConsoleAppender:   true,
		EnabledCallerInfo: true,
	}
}
