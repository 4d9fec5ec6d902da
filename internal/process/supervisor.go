package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/sidecar/internal/env"
	"github.com/loykin/sidecar/internal/registry"
)

const (
	DefaultGrace    = 5 * time.Second
	DefaultKillWait = 3 * time.Second
)

var (
	ErrAlreadyTracked = errors.New("worker process already tracked")
	ErrNotTracked     = errors.New("worker process not tracked")
	// ErrAbandoned is returned by Stop when the process survived SIGKILL for
	// the whole kill wait.
	ErrAbandoned = errors.New("gave up waiting for worker process to exit")
)

// SpawnError reports a worker that could not be launched at all.
type SpawnError struct {
	Service string
	Path    string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%s): %v", e.Service, e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitInfo is passed to the exit callback once the worker is gone.
type ExitInfo struct {
	ID            string
	PID           int
	Err           error // nil on clean exit
	StopRequested bool
	ExitedAt      time.Time
}

// Handle is a live worker process. It stays tracked only while the OS process
// is alive.
type Handle struct {
	id        string
	pid       int
	cmd       *exec.Cmd
	startedAt time.Time
	done      chan struct{}
	exitErr   error
	stopReq   atomic.Bool
}

func (h *Handle) ID() string           { return h.id }
func (h *Handle) PID() int             { return h.pid }
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed after the process exited and was untracked.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitErr is valid once Done is closed.
func (h *Handle) ExitErr() error {
	<-h.done
	return h.exitErr
}

// StopRequested reports whether the exit was asked for.
func (h *Handle) StopRequested() bool { return h.stopReq.Load() }

func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

type Options struct {
	Env      *env.Env      // base environment; nil inherits the OS environment
	Sink     LineSink      // shared worker log, skipped for OwnsLog services
	KillWait time.Duration // wait after SIGKILL before giving up
	Logger   *slog.Logger
}

// Supervisor spawns and terminates worker processes and owns the table of
// live handles.
type Supervisor struct {
	mu       sync.Mutex
	handles  map[string]*Handle
	env      *env.Env
	sink     LineSink
	killWait time.Duration
	log      *slog.Logger
}

func New(opts Options) *Supervisor {
	e := opts.Env
	if e == nil {
		e = env.New()
		e.FromOS()
	}
	if opts.KillWait <= 0 {
		opts.KillWait = DefaultKillWait
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{
		handles:  make(map[string]*Handle),
		env:      e,
		sink:     opts.Sink,
		killWait: opts.KillWait,
		log:      opts.Logger,
	}
}

// Start launches `<interpreter> -m <entry>` for def. onExit (may be nil) runs
// after the process exited and its handle was untracked.
func (s *Supervisor) Start(def registry.Definition, interpreter string, onExit func(ExitInfo)) (*Handle, error) {
	s.mu.Lock()
	if _, ok := s.handles[def.ID]; ok {
		s.mu.Unlock()
		return nil, ErrAlreadyTracked
	}
	// reserve the slot while spawning
	s.handles[def.ID] = nil
	s.mu.Unlock()

	// #nosec G204 -- interpreter and entry come from the service registry
	cmd := exec.Command(interpreter, "-m", def.Entry)
	cmd.Dir = def.Root
	cmd.Env = s.env.ForWorker(def.Env)
	cmd.WaitDelay = time.Second
	configureSysProcAttr(cmd)

	var sink LineSink
	if !def.OwnsLog {
		sink = s.sink
	}
	stdout := newLineWriter(def.ID, "stdout", slog.LevelInfo, s.log, sink)
	stderr := newLineWriter(def.ID, "stderr", slog.LevelWarn, s.log, sink)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		s.mu.Lock()
		delete(s.handles, def.ID)
		s.mu.Unlock()
		return nil, &SpawnError{Service: def.ID, Path: interpreter, Err: err}
	}

	h := &Handle{
		id:        def.ID,
		pid:       cmd.Process.Pid,
		cmd:       cmd,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	s.handles[def.ID] = h
	s.mu.Unlock()
	s.log.Info("worker spawned", "service", def.ID, "pid", h.pid, "entry", def.Entry)

	go s.wait(h, onExit, stdout, stderr)
	return h, nil
}

func (s *Supervisor) wait(h *Handle, onExit func(ExitInfo), outs ...*lineWriter) {
	err := h.cmd.Wait()
	for _, w := range outs {
		w.Flush()
	}
	h.exitErr = err
	s.untrack(h)
	close(h.done)

	if err != nil {
		s.log.Warn("worker exited", "service", h.id, "pid", h.pid, "err", err, "stop_requested", h.StopRequested())
	} else {
		s.log.Info("worker exited", "service", h.id, "pid", h.pid, "stop_requested", h.StopRequested())
	}
	if onExit == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("exit callback panicked", "service", h.id, "panic", r)
		}
	}()
	onExit(ExitInfo{ID: h.id, PID: h.pid, Err: err, StopRequested: h.StopRequested(), ExitedAt: time.Now()})
}

func (s *Supervisor) untrack(h *Handle) {
	s.mu.Lock()
	if cur, ok := s.handles[h.id]; ok && cur == h {
		delete(s.handles, h.id)
	}
	s.mu.Unlock()
}

func (s *Supervisor) handle(id string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[id]
}

// KillWait is how long Stop waits after SIGKILL before giving up.
func (s *Supervisor) KillWait() time.Duration { return s.killWait }

// Tracked reports whether a live process exists for id.
func (s *Supervisor) Tracked(id string) bool { return s.handle(id) != nil }

// PID returns the tracked process id or 0.
func (s *Supervisor) PID(id string) int {
	if h := s.handle(id); h != nil {
		return h.pid
	}
	return 0
}

// Stop terminates the worker: SIGTERM to its group, SIGKILL after grace and
// give up after the kill wait. It is a no-op for untracked ids. The handle is
// untracked when Stop returns.
func (s *Supervisor) Stop(ctx context.Context, id string, grace time.Duration) error {
	h := s.handle(id)
	if h == nil {
		return nil
	}
	h.stopReq.Store(true)
	return s.terminate(ctx, h, grace)
}

// Kill is Stop without a grace window.
func (s *Supervisor) Kill(ctx context.Context, id string) error {
	h := s.handle(id)
	if h == nil {
		return nil
	}
	h.stopReq.Store(true)
	return s.terminate(ctx, h, time.Nanosecond)
}

func (s *Supervisor) terminate(ctx context.Context, h *Handle, grace time.Duration) error {
	err := Terminate(ctx, h.pid, h.done, grace, s.killWait, s.log.With("service", h.id, "pid", h.pid))
	if errors.Is(err, ErrAbandoned) {
		s.untrack(h)
	}
	return err
}

// StopAll stops every tracked worker concurrently.
func (s *Supervisor) StopAll(ctx context.Context, grace time.Duration) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.handles))
	for id, h := range s.handles {
		if h != nil {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			if err := s.Stop(ctx, id, grace); err != nil {
				errs[i] = fmt.Errorf("stop %s: %w", id, err)
			}
		}(i, id)
	}
	wg.Wait()
	return errors.Join(errs...)
}
