package log

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type traceContextKey string

const (
	// TransactionIDKey carries the transaction ID in a context for log correlation.
	TransactionIDKey traceContextKey = "transaction_id"
)

// LogEvent accumulates structured fields for one log line. A nil *LogEvent is a disabled
// event and every method on it is a no-op, so call chains need no level checks.
type LogEvent struct {
	logger *AgentLogger
	level  Level
	fields []zap.Field
}

func (e *LogEvent) Str(k string, v string) *LogEvent {
	if e == nil {
		return nil
	}
	e.fields = append(e.fields, zap.String(k, v))
	return e
}

func (e *LogEvent) Strs(k string, v []string) *LogEvent {
	if e == nil {
		return nil
	}
	e.fields = append(e.fields, zap.Strings(k, v))
	return e
}

func (e *LogEvent) Int(k string, v int) *LogEvent {
	if e == nil {
		return nil
	}
	e.fields = append(e.fields, zap.Int(k, v))
	return e
}

func (e *LogEvent) Int32(k string, v int32) *LogEvent {
	if e == nil {
		return nil
	}
	e.fields = append(e.fields, zap.Int32(k, v))
	return e
}

func (e *LogEvent) Int64(k string, v int64) *LogEvent {
	if e == nil {
		return nil
	}
	e.fields = append(e.fields, zap.Int64(k, v))
	return e
}

func (e *LogEvent) Uint32(k string, v uint32) *LogEvent {
	if e == nil {
		return nil
	}
	e.fields = append(e.fields, zap.Uint32(k, v))
	return e
}

func (e *LogEvent) Uint64(k string, v uint64) *LogEvent {
	if e == nil {
		return nil
	}
	e.fields = append(e.fields, zap.Uint64(k, v))
	return e
}

func (e *LogEvent) Float64(k string, v float64) *LogEvent {
	if e == nil {
		return nil
	}
	e.fields = append(e.fields, zap.Float64(k, v))
	return e
}

func (e *LogEvent) Bool(k string, v bool) *LogEvent {
	if e == nil {
		return nil
	}
	e.fields = append(e.fields, zap.Bool(k, v))
	return e
}

// Dur appends a duration rendered by the encoder's duration encoder.
func (e *LogEvent) Dur(k string, v time.Duration) *LogEvent {
	if e == nil {
		return nil
	}
	e.fields = append(e.fields, zap.Duration(k, v))
	return e
}

func (e *LogEvent) Time(k string, v time.Time) *LogEvent {
	if e == nil {
		return nil
	}
	e.fields = append(e.fields, zap.Time(k, v))
	return e
}

// Err appends the error under the "error" key. A nil error is skipped.
func (e *LogEvent) Err(v error) *LogEvent {
	if e == nil || v == nil {
		return e
	}
	e.fields = append(e.fields, zap.Error(v))
	return e
}

func (e *LogEvent) Errs(k string, v []error) *LogEvent {
	if e == nil {
		return nil
	}
	e.fields = append(e.fields, zap.Errors(k, v))
	return e
}

// Any falls back to reflection; prefer the typed methods on hot paths.
func (e *LogEvent) Any(k string, v any) *LogEvent {
	if e == nil {
		return nil
	}
	e.fields = append(e.fields, zap.Any(k, v))
	return e
}

// Context copies the transaction ID from ctx, if present.
func (e *LogEvent) Context(ctx context.Context) *LogEvent {
	if e == nil || ctx == nil {
		return e
	}
	if id, ok := ctx.Value(TransactionIDKey).(string); ok && id != "" {
		e.fields = append(e.fields, zap.String(string(TransactionIDKey), id))
	}
	return e
}

// Msg writes the event with message v. The event must not be used afterwards.
func (e *LogEvent) Msg(v string) {
	if e == nil {
		return
	}
	e.finish(v)
}

// End writes the event without a message.
func (e *LogEvent) End() {
	if e == nil {
		return
	}
	e.finish("")
}

func (e *LogEvent) finish(msg string) {
	e.logger.write(e, msg)
}
