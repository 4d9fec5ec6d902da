package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultBuffer      = 256
	DefaultSendTimeout = 5 * time.Second
)

// Recorder fans events out to sinks from a single background goroutine so
// that slow sinks never block status transitions. Events are dropped, and
// counted, while the buffer is full.
type Recorder struct {
	sinks   []Sink
	ch      chan Event
	log     *slog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Uint64
}

func NewRecorder(log *slog.Logger, buffer int, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	r := &Recorder{
		sinks:   sinks,
		ch:      make(chan Event, buffer),
		log:     log,
		timeout: DefaultSendTimeout,
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Len returns the number of configured sinks.
func (r *Recorder) Len() int { return len(r.sinks) }

// Dropped returns how many events were discarded because the buffer was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Record queues e for delivery. It never blocks and reports whether the event
// was accepted.
func (r *Recorder) Record(e Event) bool {
	if len(r.sinks) == 0 {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.ch <- e:
		return true
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.log.Warn("history buffer full, dropping events", "service", e.Service, "dropped", n)
		}
		return false
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.ch {
		for _, s := range r.sinks {
			r.send(s, e)
		}
	}
}

func (r *Recorder) send(s Sink, e Event) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("history sink panicked", "service", e.Service, "panic", p)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := s.Send(ctx, e); err != nil {
		r.log.Warn("history sink send failed", "service", e.Service, "type", e.Type, "error", err)
	}
}

// Close stops accepting events, waits for queued ones to drain (bounded by
// ctx) and closes every sink that implements io.Closer.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()

	var errs []error
	select {
	case <-r.done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
