// Package audit implements the append-only audit log of a hosted
// service: one file per process start, one timestamped line per entry.
//
// Entries may be appended from several goroutines at once (the
// controller, the timer, the message agent, and the script host); the
// sink serializes appends internally so a full line is always written
// atomically with respect to other appends. Entries are never
// reordered or rewritten once appended.
package audit

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	timestampFormat = "2006-01-02 15:04:05.000"
	fileStampFormat = "20060102-150405"

	// Width of the origin column; fits the longest tag ("controller").
	originWidth = 10
)

var ErrClosed = errors.New("audit sink closed")

// Sink is the append-only audit log.
type Sink struct {
	mx     sync.Mutex
	w      io.Writer
	closer io.Closer
	path   string
}

// Open creates a fresh audit log file named after the service and the
// process start time, under dir (created if absent).
func Open(dir, serviceName string, start time.Time) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", serviceName, start.Format(fileStampFormat)))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating audit log %s: %w", path, err)
	}

	return &Sink{w: f, closer: f, path: path}, nil
}

// NewWriterSink appends entries to w. For tests and foreground runs.
func NewWriterSink(w io.Writer) *Sink {
	return &Sink{w: w}
}

// Path returns the log file path, empty for writer-backed sinks.
func (s *Sink) Path() string {
	return s.path
}

// Append writes one entry: <timestamp> | <origin, left-padded> | <message>.
func (s *Sink) Append(origin, message string) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.w == nil {
		return ErrClosed
	}
	_, err := fmt.Fprintf(s.w, "%s | %*s | %s\n",
		time.Now().Format(timestampFormat), originWidth, origin, message)
	return err
}

// Appendf is Append with fmt-style formatting of the message.
func (s *Sink) Appendf(origin, format string, args ...any) error {
	return s.Append(origin, fmt.Sprintf(format, args...))
}

// Close closes the underlying file. Later appends return ErrClosed.
func (s *Sink) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.w == nil {
		return ErrClosed
	}
	s.w = nil
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
