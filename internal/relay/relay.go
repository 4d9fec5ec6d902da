// Package relay correlates request/reply traffic with the long-lived relay
// process and fans its unsolicited pushes out to listeners.
//
// Frames are newline-delimited JSON envelopes:
//
//	{"type":"request","id":7,"name":"download_model","args":{...}}
//	{"type":"reply","id":7,"result":{...}}            or "error":...
//	{"type":"push","event":"progress","data":{...}}
//
// Replies may arrive in any order; the id is the only correlation.
package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/sidecar/internal/metrics"
)

// AllPushes subscribes a listener to every push.
const AllPushes = "*"

var errWriteStalled = errors.New("request write stalled past its deadline")

type Options struct {
	DefaultTimeout time.Duration
	LongTimeout    time.Duration
	// LongOperations are operation names that use LongTimeout; nil selects
	// DefaultLongOperations.
	LongOperations []string
	Logger         *slog.Logger
}

type result struct {
	data json.RawMessage
	err  error
}

type pending struct {
	name string
	ch   chan result // buffered; written once by whoever removed the entry
}

type listener struct {
	event string
	fn    func(Push)
}

type Relay struct {
	mu        sync.Mutex
	conn      io.ReadWriteCloser
	gen       uint64
	nextID    uint64
	pending   map[uint64]*pending
	listeners map[uint64]listener
	nextLis   uint64

	writeMu sync.Mutex
	enc     *json.Encoder

	defaultTimeout time.Duration
	longTimeout    time.Duration
	longOps        map[string]struct{}
	log            *slog.Logger
}

func New(opts Options) *Relay {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.LongTimeout <= 0 {
		opts.LongTimeout = LongTimeout
	}
	if opts.LongOperations == nil {
		opts.LongOperations = DefaultLongOperations()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	longOps := make(map[string]struct{}, len(opts.LongOperations))
	for _, n := range opts.LongOperations {
		longOps[n] = struct{}{}
	}
	return &Relay{
		pending:        make(map[uint64]*pending),
		listeners:      make(map[uint64]listener),
		defaultTimeout: opts.DefaultTimeout,
		longTimeout:    opts.LongTimeout,
		longOps:        longOps,
		log:            opts.Logger,
	}
}

// Timeout returns the deadline applied to req without a per-call override.
func (r *Relay) Timeout(req Request) time.Duration {
	if req.Kind.Class() == ClassLong {
		return r.longTimeout
	}
	if _, ok := r.longOps[req.Name()]; ok {
		return r.longTimeout
	}
	return r.defaultTimeout
}

// Attach makes rwc the relay transport and starts reading from it. A previous
// transport is detached first.
func (r *Relay) Attach(rwc io.ReadWriteCloser) {
	r.Detach()
	r.writeMu.Lock()
	r.enc = json.NewEncoder(rwc)
	r.writeMu.Unlock()

	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.conn = rwc
	r.mu.Unlock()

	r.log.Info("relay attached")
	go r.readLoop(rwc, gen)
}

// Attached reports whether a transport is present.
func (r *Relay) Attached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// Detach closes the transport and rejects every pending request with
// ErrRelayUnavailable.
func (r *Relay) Detach() {
	r.mu.Lock()
	gen := r.gen
	r.mu.Unlock()
	r.detach(gen, nil)
}

func (r *Relay) detach(gen uint64, cause error) {
	r.mu.Lock()
	if r.conn == nil || r.gen != gen {
		r.mu.Unlock()
		return
	}
	conn := r.conn
	r.conn = nil
	drained := r.pending
	r.pending = make(map[uint64]*pending)
	r.mu.Unlock()

	_ = conn.Close()
	for _, p := range drained {
		p.ch <- result{err: ErrRelayUnavailable}
	}
	metrics.SetRelayPending(0)
	if cause != nil && !errors.Is(cause, io.EOF) {
		r.log.Warn("relay detached", "err", cause, "rejected", len(drained))
	} else {
		r.log.Info("relay detached", "rejected", len(drained))
	}
}

// Pending is the number of requests awaiting a reply.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Send writes req and waits for its reply, the deadline or ctx, whichever
// comes first.
func (r *Relay) Send(ctx context.Context, req Request, opts ...SendOption) (json.RawMessage, error) {
	var so sendOptions
	for _, o := range opts {
		o(&so)
	}
	name := req.Name()
	if name == "" {
		return nil, errors.New("relay request without operation name")
	}
	timeout := so.timeout
	if timeout <= 0 {
		timeout = r.Timeout(req)
	}
	args, err := json.Marshal(req.Args)
	if err != nil {
		return nil, fmt.Errorf("encode %s args: %w", name, err)
	}
	if string(args) == "null" {
		args = nil
	}

	r.mu.Lock()
	if r.conn == nil {
		r.mu.Unlock()
		metrics.IncRelayRequest(name, "unavailable")
		return nil, ErrRelayUnavailable
	}
	r.nextID++
	id := r.nextID
	gen := r.gen
	p := &pending{name: name, ch: make(chan result, 1)}
	r.pending[id] = p
	n := len(r.pending)
	r.mu.Unlock()
	metrics.SetRelayPending(n)

	// the deadline covers the write too: a relay that stops reading must not
	// block the caller
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var writing atomic.Bool
	written := make(chan error, 1)
	go func() {
		written <- r.write(id, envelope{Type: TypeRequest, ID: id, Name: name, Args: args}, &writing)
	}()

	var res result
	for wait := written; ; {
		select {
		case err := <-wait:
			wait = nil
			if err == nil {
				continue
			}
			if r.take(id) != nil {
				metrics.IncRelayRequest(name, "error")
				return nil, fmt.Errorf("write relay request %s: %w", name, err)
			}
			// detached concurrently; the entry was already rejected
			res = <-p.ch
		case res = <-p.ch:
		case <-timer.C:
			if r.take(id) != nil {
				r.abandonWrite(gen, wait != nil && writing.Load())
				r.log.Warn("relay request timed out", "name", name, "id", id, "after", timeout)
				metrics.IncRelayRequest(name, "timeout")
				return nil, &TimeoutError{Name: name, ID: id, After: timeout}
			}
			res = <-p.ch
		case <-ctx.Done():
			if r.take(id) != nil {
				r.abandonWrite(gen, wait != nil && writing.Load())
				metrics.IncRelayRequest(name, "cancelled")
				return nil, ctx.Err()
			}
			res = <-p.ch
		}
		break
	}
	switch {
	case res.err == nil:
		metrics.IncRelayRequest(name, "ok")
	case errors.Is(res.err, ErrRelayUnavailable):
		metrics.IncRelayRequest(name, "unavailable")
	default:
		metrics.IncRelayRequest(name, "remote_error")
	}
	return res.data, res.err
}

// abandonWrite drops transport gen when a request gave up halfway through
// writing its frame: the stream is no longer framed and the write only
// returns once the transport is closed.
func (r *Relay) abandonWrite(gen uint64, midFrame bool) {
	if midFrame {
		r.detach(gen, errWriteStalled)
	}
}

// take removes the pending entry for id; nil when someone else got it first.
func (r *Relay) take(id uint64) *pending {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	n := len(r.pending)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	metrics.SetRelayPending(n)
	return p
}

func (r *Relay) isPending(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

// write encodes the request frame unless its caller already gave up while
// queued behind another write. writing is set before the pending check so a
// caller that gives up afterwards sees it.
func (r *Relay) write(id uint64, e envelope, writing *atomic.Bool) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	writing.Store(true)
	defer writing.Store(false)
	if !r.isPending(id) {
		return nil
	}
	if r.enc == nil {
		return ErrRelayUnavailable
	}
	return r.enc.Encode(e)
}

// Listen registers fn for pushes. event "*" or "" receives every push, any
// other value only pushes carrying that event name.
func (r *Relay) Listen(event string, fn func(Push)) func() {
	if event == "" {
		event = AllPushes
	}
	r.mu.Lock()
	id := r.nextLis
	r.nextLis++
	r.listeners[id] = listener{event: event, fn: fn}
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Relay) readLoop(rd io.Reader, gen uint64) {
	br := bufio.NewReaderSize(rd, 64*1024)
	var cause error
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			r.dispatch(line)
		}
		if err != nil {
			cause = err
			break
		}
	}
	r.detach(gen, cause)
}

func (r *Relay) dispatch(line []byte) {
	var e envelope
	if err := json.Unmarshal(line, &e); err != nil {
		if len(bytes.TrimSpace(line)) > 0 {
			r.log.Warn("relay sent malformed frame", "err", err, "frame", truncate(line, 256))
		}
		return
	}
	switch e.Type {
	case TypeReply:
		r.resolve(e)
	case TypePush:
		r.broadcast(Push{Event: e.Event, Data: e.Data})
	default:
		r.log.Warn("relay sent unknown frame type", "type", e.Type)
	}
}

func (r *Relay) resolve(e envelope) {
	p := r.take(e.ID)
	if p == nil {
		r.log.Warn("relay reply for unknown request dropped", "id", e.ID)
		return
	}
	if len(e.Error) > 0 && string(e.Error) != "null" {
		p.ch <- result{err: remoteError(p.name, e.ID, e.Error)}
		return
	}
	p.ch <- result{data: e.Result}
}

func (r *Relay) broadcast(p Push) {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Push), 0, len(ids))
	for _, id := range ids {
		l := r.listeners[id]
		if l.event == AllPushes || l.event == p.Event {
			fns = append(fns, l.fn)
		}
	}
	r.mu.Unlock()

	for _, fn := range fns {
		r.deliver(fn, p)
	}
}

func (r *Relay) deliver(fn func(Push), p Push) {
	defer func() {
		if v := recover(); v != nil {
			r.log.Error("relay listener panicked", "event", p.Event, "panic", v)
		}
	}()
	fn(p)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
