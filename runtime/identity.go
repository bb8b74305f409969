// Package runtime holds the identity of this agent instance and the per-stream metadata
// headers derived from it.
package runtime

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Header keys sent on every stream.
const (
	HeaderAppName   = "vigil-app-name"
	HeaderHost      = "vigil-host"
	HeaderPID       = "vigil-pid"
	HeaderRunID     = "vigil-run-id"
	HeaderVersion   = "vigil-agent-version"
	HeaderStartTime = "vigil-start-time"

	// MaxStreamHeaders bounds the number of metadata headers on one stream.
	MaxStreamHeaders = 16
	// MaxHeaderValueLen bounds the length of one header value.
	MaxHeaderValueLen = 256
)

var (
	// ErrTooManyHeaders is returned when the identity headers plus extras exceed MaxStreamHeaders.
	ErrTooManyHeaders = errors.New("too many stream headers")
	// ErrInvalidHeader is returned for an extra header that is reserved or not a valid
	// gRPC metadata key.
	ErrInvalidHeader = errors.New("invalid stream header")
)

// Version is the agent version, overridden at link time.
var Version = "0.1.0"

// Identity describes one running agent.
type Identity struct {
	AppName   string
	Host      string
	PID       int
	RunID     string
	StartTime time.Time
}

var _identity atomic.Pointer[Identity]

// Initialize sets the process-wide identity for appName. The run ID is a fresh UUID, so a
// restarted process is distinguishable from its predecessor.
func Initialize(appName string) *Identity {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	id := &Identity{
		AppName:   appName,
		Host:      host,
		PID:       os.Getpid(),
		RunID:     uuid.NewString(),
		StartTime: time.Now(),
	}
	_identity.Store(id)
	return id
}

// Current returns the identity set by Initialize, initializing an anonymous one if needed.
func Current() *Identity {
	if id := _identity.Load(); id != nil {
		return id
	}
	return Initialize("unnamed")
}

// Headers returns the identity headers merged with extra. Extra keys are lower-cased and may
// not override identity keys. Values are truncated to MaxHeaderValueLen.
func (id *Identity) Headers(extra map[string]string) (map[string]string, error) {
	h := map[string]string{
		HeaderAppName:   id.AppName,
		HeaderHost:      id.Host,
		HeaderPID:       strconv.Itoa(id.PID),
		HeaderRunID:     id.RunID,
		HeaderVersion:   Version,
		HeaderStartTime: id.StartTime.UTC().Format(time.RFC3339),
	}

	for _, k := range slices.Sorted(maps.Keys(extra)) {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" {
			continue
		}
		if _, ok := h[key]; ok {
			return nil, fmt.Errorf("%w: %q is reserved", ErrInvalidHeader, key)
		}
		if !validKey(key) {
			return nil, fmt.Errorf("%w: %q is not a metadata key", ErrInvalidHeader, key)
		}
		h[key] = extra[k]
	}
	if len(h) > MaxStreamHeaders {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyHeaders, len(h), MaxStreamHeaders)
	}
	for k, v := range h {
		h[k] = truncate(v, MaxHeaderValueLen)
	}
	return h, nil
}

// validKey reports whether key is a lower-case gRPC metadata key outside the reserved
// grpc- namespace.
func validKey(key string) bool {
	if strings.HasPrefix(key, "grpc-") {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

// truncate cuts v to at most n bytes without splitting a UTF-8 sequence.
func truncate(v string, n int) string {
	if len(v) <= n {
		return v
	}
	for n > 0 && !utf8.RuneStart(v[n]) {
		n--
	}
	return v[:n]
}
