package process

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// LineSink receives every worker output line; logger.Sink implements it.
type LineSink interface {
	Line(worker, line string) error
}

const maxLine = 64 * 1024

// lineWriter splits a worker stream into lines, logging each one and copying
// it to the shared sink.
type lineWriter struct {
	mu     sync.Mutex
	id     string
	stream string
	level  slog.Level
	log    *slog.Logger
	sink   LineSink
	buf    []byte
}

func newLineWriter(id, stream string, level slog.Level, log *slog.Logger, sink LineSink) *lineWriter {
	return &lineWriter{id: id, stream: stream, level: level, log: log, sink: sink}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	// overlong partial line: cut it rather than grow without bound
	if len(w.buf) > maxLine {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits a trailing line without newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(b []byte) {
	line := string(bytes.TrimRight(b, "\r"))
	w.log.Log(context.Background(), w.level, "worker output", "service", w.id, "stream", w.stream, "line", line)
	if w.sink != nil {
		if err := w.sink.Line(w.id, line); err != nil {
			w.log.Debug("worker log sink write failed", "service", w.id, "err", err)
		}
	}
}
