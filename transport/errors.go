package transport

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"google.golang.org/grpc/codes"
)

var (
	// ErrChannelUnavailable matches every *ChannelUnavailableError.
	ErrChannelUnavailable = errors.New("channel unavailable")
	// ErrStreamUnavailable is returned when a stream is requested on a channel that is not open.
	ErrStreamUnavailable = errors.New("stream unavailable")
)

// Kind is the retry class of a send failure.
type Kind int

const (
	// KindNone is the class of a successful status.
	KindNone Kind = iota
	// KindTransient failures are retried with the same batch after a backoff.
	KindTransient
	// KindFatal failures must not be retried.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "NONE"
	case KindTransient:
		return "TRANSIENT"
	case KindFatal:
		return "FATAL"
	}
	return "UNKNOWN"
}

// Classify maps a status code to its retry class.
func Classify(code codes.Code) Kind {
	switch code {
	case codes.OK:
		return KindNone
	case codes.ResourceExhausted, codes.Unavailable, codes.DeadlineExceeded:
		return KindTransient
	}
	return KindFatal
}

// StatusName renders a status code in upper snake case, e.g. RESOURCE_EXHAUSTED.
func StatusName(code codes.Code) string {
	name := code.String()
	if strings.HasPrefix(name, "Code(") {
		return name
	}
	var sb strings.Builder
	sb.Grow(len(name) + 4)
	var prev rune
	for _, r := range name {
		if unicode.IsUpper(r) && unicode.IsLower(prev) {
			sb.WriteByte('_')
		}
		sb.WriteRune(unicode.ToUpper(r))
		prev = r
	}
	return sb.String()
}

// SendError is a failed send with its status and retry class.
type SendError struct {
	Kind Kind
	Code codes.Code
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s send error, status %s: %v", strings.ToLower(e.Kind.String()), StatusName(e.Code), e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Transient reports whether the send may be retried.
func (e *SendError) Transient() bool {
	return e.Kind == KindTransient
}

// ChannelUnavailableError is returned by sends on a channel that is not open.
type ChannelUnavailableError struct {
	Addr  string
	State State
}

func (e *ChannelUnavailableError) Error() string {
	return fmt.Sprintf("channel to %s unavailable, state %s", e.Addr, e.State)
}

// Is makes errors.Is(err, ErrChannelUnavailable) hold.
func (e *ChannelUnavailableError) Is(target error) bool {
	return target == ErrChannelUnavailable
}
