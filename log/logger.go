// Package log is the agent's structured logger: a fluent event API
// (log.Info().Str("k", v).Msg("...")) backed by zap.
package log

import "sync/atomic"

// Logger is the logging component contract.
type Logger interface {
	Trace() *LogEvent
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
	GetAppender() []LogAppender
	AddAppender(appender LogAppender)
}

var _defaultLogger atomic.Pointer[AgentLogger]

func init() {
	_defaultLogger.Store(NewLogger(getDefaultCfg()))
}

// Initialize replaces the default logger. A nil cfg restores the defaults.
func Initialize(cfg *LogCfg) error {
	if cfg == nil {
		cfg = getDefaultCfg()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	SetDefaultLogger(NewLogger(cfg))
	return nil
}

// SetDefaultLogger swaps the package-level logger. The line hook of the previous logger is
// carried over.
func SetDefaultLogger(logger *AgentLogger) {
	if prev := _defaultLogger.Swap(logger); prev != nil {
		if h := prev.hook.Load(); h != nil {
			logger.hook.CompareAndSwap(nil, h)
		}
	}
}

// Default returns the package-level logger.
func Default() *AgentLogger {
	return _defaultLogger.Load()
}

// SetLineHook installs a hook on the default logger.
func SetLineHook(h LineHook) {
	Default().SetLineHook(h)
}

func AddAppender(appender LogAppender) {
	Default().AddAppender(appender)
}

func Refresh() {
	Default().Refresh()
}

// Close flushes and closes the default logger's appenders.
func Close() {
	Default().Close()
}

func Trace() *LogEvent { return Default().Trace() }
func Debug() *LogEvent { return Default().Debug() }
func Info() *LogEvent  { return Default().Info() }
func Warn() *LogEvent  { return Default().Warn() }
func Error() *LogEvent { return Default().Error() }
func Fatal() *LogEvent { return Default().Fatal() }
