package log

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LineHook observes every written line with the size of its encoded form. The agent uses it
// to count its own log lines and bytes per level; it must not log.
type LineHook func(level Level, size int)

// AgentLogger is the default Logger: a fluent event API over a zap core fanned out to the
// configured appenders.
type AgentLogger struct {
	mu        sync.RWMutex
	cfg       *LogCfg
	level     zap.AtomicLevel
	appenders []LogAppender
	enc       zapcore.Encoder
	zl        *zap.Logger
	eventPool sync.Pool
	hook      atomic.Pointer[LineHook]
}

// NewLogger builds a logger from cfg; nil uses the defaults. Appender open failures fall back
// to the console so the agent never loses its own diagnostics.
func NewLogger(cfg *LogCfg) *AgentLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}

	x := &AgentLogger{
		cfg:   cfg,
		level: zap.NewAtomicLevelAt(cfg.LogLevel.zapLevel()),
	}
	x.eventPool.New = func() any {
		return &LogEvent{fields: make([]zap.Field, 0, 8)}
	}

	if cfg.FileAppender {
		fa, err := NewFileAppender(cfg.LogPath)
		if err == nil {
			x.appenders = append(x.appenders, fa)
		} else {
			x.appenders = append(x.appenders, NewConsoleAppender())
		}
	}
	if cfg.ConsoleAppender {
		x.appenders = append(x.appenders, NewConsoleAppender())
	}
	x.rebuild()
	return x
}

// rebuild recreates the zap logger after the appender set changed. Caller holds no lock.
func (x *AgentLogger) rebuild() {
	x.mu.Lock()
	defer x.mu.Unlock()

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var enc zapcore.Encoder
	if x.cfg.Format == "console" {
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	cores := make([]zapcore.Core, 0, len(x.appenders))
	for _, a := range x.appenders {
		cores = append(cores, zapcore.NewCore(enc, appenderSyncer{a}, x.level))
	}

	opts := []zap.Option{
		zap.WithFatalHook(zapcore.WriteThenPanic),
		// user -> Msg/End -> finish -> write -> Check
		zap.AddCallerSkip(3 + x.cfg.CallerSkip),
	}
	if x.cfg.EnabledCallerInfo {
		opts = append(opts, zap.AddCaller())
	}
	x.enc = enc
	x.zl = zap.New(zapcore.NewTee(cores...), opts...)
}

// SetLevel changes the minimum level at runtime.
func (x *AgentLogger) SetLevel(l Level) {
	x.level.SetLevel(l.zapLevel())
}

// SetLineHook installs (or, with nil, removes) the per-line hook.
func (x *AgentLogger) SetLineHook(h LineHook) {
	if h == nil {
		x.hook.Store(nil)
		return
	}
	x.hook.Store(&h)
}

func (x *AgentLogger) AddAppender(appender LogAppender) {
	x.mu.Lock()
	x.appenders = append(x.appenders, appender)
	x.mu.Unlock()
	x.rebuild()
}

func (x *AgentLogger) GetAppender() []LogAppender {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]LogAppender, len(x.appenders))
	copy(out, x.appenders)
	return out
}

// Refresh flushes every appender.
func (x *AgentLogger) Refresh() {
	x.mu.RLock()
	zl := x.zl
	x.mu.RUnlock()
	_ = zl.Sync()
}

// Close flushes and closes every appender.
func (x *AgentLogger) Close() {
	x.Refresh()
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, a := range x.appenders {
		_ = a.Close()
	}
}

func (x *AgentLogger) Trace() *LogEvent { return x.log(TraceLevel) }
func (x *AgentLogger) Debug() *LogEvent { return x.log(DebugLevel) }
func (x *AgentLogger) Info() *LogEvent  { return x.log(InfoLevel) }
func (x *AgentLogger) Warn() *LogEvent  { return x.log(WarnLevel) }
func (x *AgentLogger) Error() *LogEvent { return x.log(ErrorLevel) }

// Fatal events panic after being written.
func (x *AgentLogger) Fatal() *LogEvent { return x.log(FatalLevel) }

// log returns nil when level is disabled; every LogEvent method accepts a nil receiver.
func (x *AgentLogger) log(level Level) *LogEvent {
	if !x.level.Enabled(level.zapLevel()) {
		return nil
	}
	e := x.eventPool.Get().(*LogEvent)
	e.logger = x
	e.level = level
	e.fields = e.fields[:0]
	return e
}

func (x *AgentLogger) write(e *LogEvent, msg string) {
	x.mu.RLock()
	zl, enc := x.zl, x.enc
	x.mu.RUnlock()

	if ce := zl.Check(e.level.zapLevel(), msg); ce != nil {
		if h := x.hook.Load(); h != nil {
			(*h)(e.level, encodedSize(enc, ce.Entry, e.fields))
		}
		ce.Write(e.fields...)
	}

	e.logger = nil
	if cap(e.fields) <= 64 {
		x.eventPool.Put(e)
	}
}

// encodedSize is the byte length of the line enc produces for ent and fields.
func encodedSize(enc zapcore.Encoder, ent zapcore.Entry, fields []zap.Field) int {
	buf, err := enc.EncodeEntry(ent, fields)
	if err != nil {
		return 0
	}
	n := buf.Len()
	buf.Free()
	return n
}
