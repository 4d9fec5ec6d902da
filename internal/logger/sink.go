package logger

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Sink is the shared append-only worker output file. When a write would push
// the file past MaxBytes the file is truncated to zero and writing continues
// from the start; it is never rotated.
type Sink struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	f        *os.File
	size     int64
	now      func() time.Time
}

// NewSink prepares a sink at path. The file is opened on first write.
func NewSink(path string, maxBytes int64) *Sink {
	if maxBytes <= 0 {
		maxBytes = DefaultWorkerLogMaxBytes
	}
	return &Sink{path: path, maxBytes: maxBytes, now: time.Now}
}

// Path returns the file location.
func (s *Sink) Path() string { return s.path }

// Line appends "<timestamp> [<worker>] <line>\n".
func (s *Sink) Line(worker, line string) error {
	if s == nil {
		return nil
	}
	rec := s.now().Format(time.RFC3339) + " [" + worker + "] " + strings.TrimRight(line, "\r\n") + "\n"
	if int64(len(rec)) > s.maxBytes {
		rec = clip(rec, s.maxBytes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openLocked(); err != nil {
		return err
	}
	if s.size+int64(len(rec)) > s.maxBytes {
		if err := s.f.Truncate(0); err != nil {
			return err
		}
		if _, err := s.f.Seek(0, 0); err != nil {
			return err
		}
		s.size = 0
	}
	n, err := s.f.WriteString(rec)
	s.size += int64(n)
	return err
}

// clip cuts rec to at most n bytes on a rune boundary, keeping the newline.
func clip(rec string, n int64) string {
	if n < 2 {
		return "\n"[:n]
	}
	cut := int(n - 1)
	for cut > 0 && !utf8.RuneStart(rec[cut]) {
		cut--
	}
	return rec[:cut] + "\n"
}

func (s *Sink) openLocked() error {
	if s.f != nil {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(filepath.Clean(s.path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	s.f = f
	s.size = st.Size()
	return nil
}

// Close releases the file; a later Line reopens it.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
