// Package tracker holds the mutable per-worker status records and broadcasts
// every change to subscribers.
//
// State machine:
//
//	not_configured|stopped --start--> starting --health ok--> running
//	running --stop--> stopping --exit--> stopped
//	any --failure--> error (left only by an explicit start)
package tracker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusNotConfigured Status = "not_configured"
	StatusStopped       Status = "stopped"
	StatusStarting      Status = "starting"
	StatusRunning       Status = "running"
	StatusStopping      Status = "stopping"
	StatusError         Status = "error"
)

// Active reports whether a launch is in flight or complete.
func (s Status) Active() bool { return s == StatusStarting || s == StatusRunning }

// Busy reports whether a start must be refused: a launch is in flight or
// complete, or the previous process is still being terminated.
func (s Status) Busy() bool { return s.Active() || s == StatusStopping }

// Idle reports whether there is nothing to stop.
func (s Status) Idle() bool {
	return s == StatusNotConfigured || s == StatusStopped || s == StatusStopping
}

// Runtime is a point-in-time snapshot of one worker's record.
type Runtime struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	PID       int       `json:"pid,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Message   string    `json:"message,omitempty"`
	Attempt   string    `json:"attempt,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Change is delivered to subscribers after each mutation.
type Change struct {
	From    Status
	Runtime Runtime
}

// Tracker owns one record per worker id. A Tracker is constructed per
// orchestrator instance; nothing is package-global.
type Tracker struct {
	mu          sync.Mutex
	records     map[string]*Runtime
	subs        map[uint64]func(Change)
	nextSub     uint64
	provisioned func(id string) bool
	log         *slog.Logger
	now         func() time.Time
}

// New creates a tracker. provisioned decides the initial status of lazily
// created records and may be nil (everything starts not_configured).
func New(provisioned func(id string) bool, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		records:     make(map[string]*Runtime),
		subs:        make(map[uint64]func(Change)),
		provisioned: provisioned,
		log:         log,
		now:         time.Now,
	}
}

// Subscribe registers fn for every change. The returned func unsubscribes.
func (t *Tracker) Subscribe(fn func(Change)) func() {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Get returns the current snapshot, creating the record if needed.
func (t *Tracker) Get(id string) Runtime {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.recordLocked(id)
}

// List returns snapshots for ids in the given order.
func (t *Tracker) List(ids []string) []Runtime {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Runtime, 0, len(ids))
	for _, id := range ids {
		out = append(out, *t.recordLocked(id))
	}
	return out
}

// Known returns every id that has a record, sorted.
func (t *Tracker) Known() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BeginStart moves the record to starting unless the record is busy (see
// Status.Busy), in which case the unchanged snapshot and false are returned.
func (t *Tracker) BeginStart(id string) (Runtime, bool) {
	t.mu.Lock()
	r := t.recordLocked(id)
	if r.Status.Busy() {
		snap := *r
		t.mu.Unlock()
		return snap, false
	}
	from := r.Status
	r.Status = StatusStarting
	r.Attempt = uuid.NewString()
	r.LastError = ""
	r.PID = 0
	r.Message = "starting"
	r.UpdatedAt = t.now()
	snap := *r
	subs := t.subscribersLocked()
	t.mu.Unlock()

	t.broadcast(subs, Change{From: from, Runtime: snap})
	return snap, true
}

// BeginStop moves the record to stopping unless there is nothing to stop.
// The attempt is cleared so that an in-flight launch can no longer write.
func (t *Tracker) BeginStop(id string) (Runtime, bool) {
	t.mu.Lock()
	r := t.recordLocked(id)
	if r.Status.Idle() {
		snap := *r
		t.mu.Unlock()
		return snap, false
	}
	from := r.Status
	r.Status = StatusStopping
	r.Attempt = ""
	r.Message = "stopping"
	r.UpdatedAt = t.now()
	snap := *r
	subs := t.subscribersLocked()
	t.mu.Unlock()

	t.broadcast(subs, Change{From: from, Runtime: snap})
	return snap, true
}

// Update applies fn only while the record still belongs to attempt. It
// returns the resulting snapshot and whether fn was applied.
func (t *Tracker) Update(id, attempt string, fn func(*Runtime)) (Runtime, bool) {
	return t.mutate(id, func(r *Runtime) bool {
		if attempt == "" || r.Attempt != attempt {
			return false
		}
		fn(r)
		return true
	})
}

// Set applies fn unconditionally.
func (t *Tracker) Set(id string, fn func(*Runtime)) Runtime {
	r, _ := t.mutate(id, func(r *Runtime) bool {
		fn(r)
		return true
	})
	return r
}

// SetIf applies fn when cond holds for the current record.
func (t *Tracker) SetIf(id string, cond func(Runtime) bool, fn func(*Runtime)) (Runtime, bool) {
	return t.mutate(id, func(r *Runtime) bool {
		if !cond(*r) {
			return false
		}
		fn(r)
		return true
	})
}

func (t *Tracker) mutate(id string, apply func(*Runtime) bool) (Runtime, bool) {
	t.mu.Lock()
	r := t.recordLocked(id)
	from := r.Status
	if !apply(r) {
		snap := *r
		t.mu.Unlock()
		return snap, false
	}
	r.ID = id
	r.UpdatedAt = t.now()
	snap := *r
	subs := t.subscribersLocked()
	t.mu.Unlock()

	t.broadcast(subs, Change{From: from, Runtime: snap})
	return snap, true
}

// Resting returns the status a worker settles in when nothing runs.
func (t *Tracker) Resting(id string) Status {
	if t.provisioned != nil && t.provisioned(id) {
		return StatusStopped
	}
	return StatusNotConfigured
}

func (t *Tracker) recordLocked(id string) *Runtime {
	r, ok := t.records[id]
	if !ok {
		r = &Runtime{ID: id, Status: t.Resting(id), UpdatedAt: t.now()}
		t.records[id] = r
	}
	return r
}

func (t *Tracker) subscribersLocked() []func(Change) {
	out := make([]func(Change), 0, len(t.subs))
	ids := make([]uint64, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		out = append(out, t.subs[id])
	}
	return out
}

func (t *Tracker) broadcast(subs []func(Change), c Change) {
	for _, fn := range subs {
		t.deliver(fn, c)
	}
}

func (t *Tracker) deliver(fn func(Change), c Change) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("status subscriber panicked", "service", c.Runtime.ID, "panic", r)
		}
	}()
	fn(c)
}
