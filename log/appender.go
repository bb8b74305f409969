package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap/zapcore"
)

// LogAppender is an output destination for encoded log lines.
// Implementations must be safe for concurrent use.
type LogAppender interface {
	Write(buf []byte) (n int, err error)
	// Refresh flushes buffered data to the destination.
	Refresh() error
	Close() error
}

// appenderSyncer adapts a LogAppender to zap's WriteSyncer.
type appenderSyncer struct {
	LogAppender
}

func (s appenderSyncer) Sync() error {
	return s.Refresh()
}

var _ zapcore.WriteSyncer = appenderSyncer{}

// ConsoleAppender writes to stdout without buffering.
type ConsoleAppender struct{}

// NewConsoleAppender returns a stdout appender.
func NewConsoleAppender() *ConsoleAppender {
	return &ConsoleAppender{}
}

func (ca *ConsoleAppender) Write(buf []byte) (int, error) {
	return os.Stdout.Write(buf)
}

func (ca *ConsoleAppender) Refresh() error {
	return nil
}

func (ca *ConsoleAppender) Close() error {
	return nil
}

// FileAppender appends to a single file. Rotation is left to the host's log tooling.
type FileAppender struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewFileAppender opens (or creates) path for appending, creating parent directories.
func NewFileAppender(path string) (*FileAppender, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return &FileAppender{path: path, file: f}, nil
}

func (fa *FileAppender) Write(buf []byte) (int, error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.file == nil {
		return 0, os.ErrClosed
	}
	return fa.file.Write(buf)
}

func (fa *FileAppender) Refresh() error {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.file == nil {
		return nil
	}
	return fa.file.Sync()
}

func (fa *FileAppender) Close() error {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.file == nil {
		return nil
	}
	err := fa.file.Close()
	fa.file = nil
	return err
}
