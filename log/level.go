package log

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// Level is the severity of a log event. Higher values are more severe.
type Level int8

const (
	// TraceLevel is for per-record diagnostics on the recording path.
	TraceLevel Level = iota + 1
	// DebugLevel is for harvest and delivery internals.
	DebugLevel
	// InfoLevel is for lifecycle events such as channel open and shutdown.
	InfoLevel
	// WarnLevel is for dropped data and recoverable transport failures.
	WarnLevel
	// ErrorLevel is for contract violations and fatal send failures.
	ErrorLevel
	// FatalLevel panics after the event is written.
	FatalLevel
)

// Indexed by Level. Trace has no zap equivalent and sits one below debug.
var (
	_levelNames = [...]string{"UNKNOWN", "TRACE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	_zapLevels  = [...]zapcore.Level{
		zapcore.InfoLevel,
		zapcore.DebugLevel - 1,
		zapcore.DebugLevel,
		zapcore.InfoLevel,
		zapcore.WarnLevel,
		zapcore.ErrorLevel,
		zapcore.FatalLevel,
	}
)

func (l Level) valid() bool {
	return l >= TraceLevel && l <= FatalLevel
}

// String returns the upper-case level name used in metric names and log output.
func (l Level) String() string {
	if !l.valid() {
		return _levelNames[0]
	}
	return _levelNames[l]
}

// ParseLevel converts a case-insensitive level name. "WARNING" is accepted for WarnLevel and
// unknown names map to InfoLevel.
func ParseLevel(levelStr string) Level {
	name := strings.ToUpper(strings.TrimSpace(levelStr))
	if name == "WARNING" {
		return WarnLevel
	}
	for l := TraceLevel; l <= FatalLevel; l++ {
		if _levelNames[l] == name {
			return l
		}
	}
	return InfoLevel
}

func (l Level) zapLevel() zapcore.Level {
	if !l.valid() {
		return _zapLevels[0]
	}
	return _zapLevels[l]
}
