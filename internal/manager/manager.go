// Package manager is the command facade of the orchestrator. It owns the
// runtime tracker and drives provisioning, spawning, health probing and
// termination of workers, and exposes the request relay.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/sidecar/internal/bootstrap"
	"github.com/loykin/sidecar/internal/health"
	"github.com/loykin/sidecar/internal/history"
	"github.com/loykin/sidecar/internal/metrics"
	"github.com/loykin/sidecar/internal/process"
	"github.com/loykin/sidecar/internal/registry"
	"github.com/loykin/sidecar/internal/relay"
	"github.com/loykin/sidecar/internal/tracker"
)

// launchWindDown bounds the wait for a cancelled launch once the stopping
// caller's context is done.
const launchWindDown = 2 * time.Second

var (
	ErrUnknownService = registry.ErrUnknownService
	ErrShutdown       = errors.New("manager is shut down")
)

// Options wires the components. Only Registry is required; the rest default
// to freshly constructed instances.
type Options struct {
	Registry   *registry.Registry
	Bootstrap  *bootstrap.Bootstrapper
	Supervisor *process.Supervisor
	Probe      *health.Probe
	Relay      *relay.Relay
	RelayHost  *relay.Host             // optional relay process
	History    *history.Recorder       // optional status-change export
	Usage      *metrics.UsageCollector // optional resource sampling
	StopGrace  time.Duration           // SIGTERM grace window (default process.DefaultGrace)
	Logger     *slog.Logger
}

// Service pairs a definition with its current runtime snapshot.
type Service struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"display_name"`
	BaseURL     string          `json:"base_url"`
	HealthURL   string          `json:"health_url"`
	OwnsLog     bool            `json:"owns_log"`
	Runtime     tracker.Runtime `json:"runtime"`
}

type launch struct {
	attempt string
	cancel  context.CancelFunc
	done    chan struct{}
}

type Manager struct {
	reg     *registry.Registry
	boot    *bootstrap.Bootstrapper
	sup     *process.Supervisor
	probe   *health.Probe
	relay   *relay.Relay
	host    *relay.Host
	hist    *history.Recorder
	usage   *metrics.UsageCollector
	grace   time.Duration
	log     *slog.Logger
	tracker *tracker.Tracker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
	unsub  func()

	mu       sync.Mutex
	launches map[string]*launch
}

func New(opts Options) (*Manager, error) {
	if opts.Registry == nil {
		return nil, errors.New("manager: registry is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Bootstrap == nil {
		opts.Bootstrap = bootstrap.New(bootstrap.Config{}, log)
	}
	if opts.Supervisor == nil {
		opts.Supervisor = process.New(process.Options{Logger: log})
	}
	if opts.Probe == nil {
		opts.Probe = health.New(0, 0)
	}
	if opts.Relay == nil {
		opts.Relay = relay.New(relay.Options{Logger: log})
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = process.DefaultGrace
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		reg:      opts.Registry,
		boot:     opts.Bootstrap,
		sup:      opts.Supervisor,
		probe:    opts.Probe,
		relay:    opts.Relay,
		host:     opts.RelayHost,
		hist:     opts.History,
		usage:    opts.Usage,
		grace:    opts.StopGrace,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		launches: make(map[string]*launch),
	}
	m.tracker = tracker.New(m.provisioned, log)
	m.unsub = m.tracker.Subscribe(m.observe)
	for _, rt := range m.tracker.List(m.reg.IDs()) {
		metrics.SetCurrentState(rt.ID, string(rt.Status))
	}
	return m, nil
}

// Open starts the relay process and usage sampling when configured. A relay
// that fails to start is logged; requests then fail with ErrRelayUnavailable.
func (m *Manager) Open(ctx context.Context) error {
	if m.closed.Load() {
		return ErrShutdown
	}
	if m.host != nil {
		if err := m.host.Start(ctx); err != nil {
			m.log.Error("relay process failed to start", "error", err)
		}
	}
	if m.usage != nil {
		m.usage.Start(m.ctx, m.sampleUsage)
	}
	return nil
}

func (m *Manager) provisioned(id string) bool {
	def, ok := m.reg.Lookup(id)
	return ok && m.boot.Provisioned(def)
}

// observe exports every status transition to metrics and history.
func (m *Manager) observe(c tracker.Change) {
	rt := c.Runtime
	if c.From == rt.Status {
		return
	}
	metrics.RecordStateTransition(rt.ID, string(c.From), string(rt.Status))
	metrics.SetCurrentState(rt.ID, string(rt.Status))
	if rt.Status == tracker.StatusRunning {
		metrics.IncStart(rt.ID)
	}
	if m.hist != nil {
		m.hist.Record(history.FromChange(c))
	}
}

func (m *Manager) lookup(id string) (registry.Definition, error) {
	def, ok := m.reg.Lookup(id)
	if !ok {
		return registry.Definition{}, fmt.Errorf("%w: %s", ErrUnknownService, id)
	}
	return def, nil
}

// List returns the runtime of every registered service in registry order.
func (m *Manager) List() []tracker.Runtime {
	return m.tracker.List(m.reg.IDs())
}

// Services returns definitions together with their runtimes.
func (m *Manager) Services() []Service {
	defs := m.reg.List()
	out := make([]Service, 0, len(defs))
	for _, d := range defs {
		out = append(out, m.describe(d))
	}
	return out
}

// Describe returns one service with its runtime.
func (m *Manager) Describe(id string) (Service, error) {
	def, err := m.lookup(id)
	if err != nil {
		return Service{}, err
	}
	return m.describe(def), nil
}

func (m *Manager) describe(d registry.Definition) Service {
	return Service{
		ID:          d.ID,
		DisplayName: d.Name(),
		BaseURL:     d.BaseURL,
		HealthURL:   d.HealthURL(),
		OwnsLog:     d.OwnsLog,
		Runtime:     m.tracker.Get(d.ID),
	}
}

func (m *Manager) Status(id string) (tracker.Runtime, error) {
	if _, err := m.lookup(id); err != nil {
		return tracker.Runtime{}, err
	}
	return m.tracker.Get(id), nil
}

// Start begins launching id and returns immediately. When a launch is already
// in flight or the worker runs, the unchanged snapshot is returned.
func (m *Manager) Start(ctx context.Context, id string) (tracker.Runtime, error) {
	def, err := m.lookup(id)
	if err != nil {
		return tracker.Runtime{}, err
	}
	if m.closed.Load() {
		return m.tracker.Get(id), ErrShutdown
	}
	if err := ctx.Err(); err != nil {
		return m.tracker.Get(id), err
	}
	snap, ok := m.tracker.BeginStart(id)
	if !ok {
		m.log.Debug("start ignored", "service", id, "status", snap.Status)
		return snap, nil
	}

	lctx, cancel := context.WithCancel(m.ctx)
	l := &launch{attempt: snap.Attempt, cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.launches[id] = l
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(lctx, def, l)
	return snap, nil
}

// Stop terminates id and blocks until it settled, bounded by the grace
// window plus the kill wait. An in-flight launch is cancelled first.
func (m *Manager) Stop(ctx context.Context, id string) (tracker.Runtime, error) {
	if _, err := m.lookup(id); err != nil {
		return tracker.Runtime{}, err
	}
	snap, ok := m.tracker.BeginStop(id)
	if !ok {
		if snap.Status == tracker.StatusStopping {
			// another caller is stopping it
			wctx, cancel := context.WithTimeout(ctx, m.settleWindow())
			defer cancel()
			return m.WaitFor(wctx, id, tracker.StatusStopped, tracker.StatusNotConfigured, tracker.StatusError)
		}
		return snap, nil
	}
	log := m.log.With("service", id)
	log.Info("stopping worker", "from_pid", snap.PID)
	metrics.IncStop(id)

	if err := m.cancelLaunch(ctx, id); err != nil {
		log.Warn("launch did not wind down in time", "error", err)
	}
	err := m.sup.Stop(ctx, id, m.grace)
	if errors.Is(err, process.ErrAbandoned) {
		metrics.IncFailure(id, "abandoned")
		log.Error("worker outlived kill, treating as stopped", "error", err)
	} else if err != nil {
		log.Warn("stop returned error", "error", err)
	}

	final, applied := m.tracker.SetIf(id,
		func(r tracker.Runtime) bool { return r.Status == tracker.StatusStopping },
		func(r *tracker.Runtime) { m.settle(r, "stopped") },
	)
	if applied {
		log.Info("worker stopped", "status", final.Status)
	}
	return final, nil
}

// Restart is Stop followed by Start.
func (m *Manager) Restart(ctx context.Context, id string) (tracker.Runtime, error) {
	if _, err := m.Stop(ctx, id); err != nil {
		return tracker.Runtime{}, err
	}
	return m.Start(ctx, id)
}

// settle moves r to its resting status.
func (m *Manager) settle(r *tracker.Runtime, msg string) {
	r.Status = m.tracker.Resting(r.ID)
	r.PID = 0
	r.Attempt = ""
	r.LastError = ""
	r.Message = msg
}

func (m *Manager) cancelLaunch(ctx context.Context, id string) error {
	m.mu.Lock()
	l := m.launches[id]
	m.mu.Unlock()
	if l == nil {
		return nil
	}
	l.cancel()
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
	}
	// the launch may sit between its last cancellation check and the spawn
	t := time.NewTimer(launchWindDown)
	defer t.Stop()
	select {
	case <-l.done:
		return nil
	case <-t.C:
		return fmt.Errorf("launch still active %s after %w", launchWindDown, ctx.Err())
	}
}

// settleWindow bounds how long a stop can take: the grace window, the kill
// wait and the launch wind-down.
func (m *Manager) settleWindow() time.Duration {
	return m.grace + m.sup.KillWait() + launchWindDown
}

func (m *Manager) forget(id string, l *launch) {
	m.mu.Lock()
	if m.launches[id] == l {
		delete(m.launches, id)
	}
	m.mu.Unlock()
}

// Subscribe registers fn for every runtime change.
func (m *Manager) Subscribe(fn func(tracker.Change)) func() {
	return m.tracker.Subscribe(fn)
}

// WaitFor blocks until id reaches one of statuses or ctx is done. It returns
// the matching snapshot, or the latest one together with ctx's error.
func (m *Manager) WaitFor(ctx context.Context, id string, statuses ...tracker.Status) (tracker.Runtime, error) {
	if _, err := m.lookup(id); err != nil {
		return tracker.Runtime{}, err
	}
	match := func(s tracker.Status) bool {
		for _, want := range statuses {
			if s == want {
				return true
			}
		}
		return false
	}
	hit := make(chan tracker.Runtime, 1)
	unsub := m.tracker.Subscribe(func(c tracker.Change) {
		if c.Runtime.ID == id && match(c.Runtime.Status) {
			select {
			case hit <- c.Runtime:
			default:
			}
		}
	})
	defer unsub()

	if rt := m.tracker.Get(id); match(rt.Status) {
		return rt, nil
	}
	select {
	case rt := <-hit:
		return rt, nil
	case <-ctx.Done():
		return m.tracker.Get(id), ctx.Err()
	}
}

// RelaySend forwards a request to the relay process.
func (m *Manager) RelaySend(ctx context.Context, req relay.Request, opts ...relay.SendOption) (json.RawMessage, error) {
	return m.relay.Send(ctx, req, opts...)
}

// RelayListen subscribes to relay pushes; "" or "*" receives all of them.
func (m *Manager) RelayListen(event string, fn func(relay.Push)) func() {
	return m.relay.Listen(event, fn)
}

func (m *Manager) RelayAttached() bool { return m.relay.Attached() }

// Usage samples the resources of a running worker.
func (m *Manager) Usage(id string) (process.Usage, error) {
	if _, err := m.lookup(id); err != nil {
		return process.Usage{}, err
	}
	return m.sup.Usage(id)
}

// UsageHistory returns the samples collected for id, when sampling is enabled.
func (m *Manager) UsageHistory(id string) ([]metrics.Sample, bool) {
	if m.usage == nil {
		return nil, false
	}
	return m.usage.History(id)
}

// Shutdown stops every worker, kills in-flight provisioning and stops the
// relay, then flushes history. It is
// idempotent; later calls return nil.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.log.Info("shutting down workers")
	m.cancel()

	var wg sync.WaitGroup
	for _, id := range m.reg.IDs() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = m.Stop(ctx, id)
		}(id)
	}
	wg.Wait()

	var errs []error
	if err := m.sup.StopAll(ctx, m.grace); err != nil {
		errs = append(errs, err)
	}
	if err := m.boot.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("cancel provisioning: %w", err))
	}
	if m.host != nil {
		if err := m.host.Stop(ctx, m.grace); err != nil {
			errs = append(errs, fmt.Errorf("stop relay: %w", err))
		}
	}
	m.relay.Detach()
	if m.usage != nil {
		m.usage.Stop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	m.unsub()
	if m.hist != nil {
		if err := m.hist.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close history: %w", err))
		}
	}
	return errors.Join(errs...)
}
