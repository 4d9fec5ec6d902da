package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/sidecar/internal/bootstrap"
	"github.com/loykin/sidecar/internal/health"
	"github.com/loykin/sidecar/internal/metrics"
	"github.com/loykin/sidecar/internal/process"
	"github.com/loykin/sidecar/internal/registry"
	"github.com/loykin/sidecar/internal/tracker"
)

// run is the launch sequence: provision, spawn, wait for health. Every write
// goes through the attempt guard so a stopped or restarted worker is never
// resurrected by a stale launch.
func (m *Manager) run(ctx context.Context, def registry.Definition, l *launch) {
	id := def.ID
	log := m.log.With("service", id, "attempt", l.attempt)
	defer m.wg.Done()
	defer close(l.done)
	defer m.forget(id, l)
	defer func() {
		if r := recover(); r != nil {
			log.Error("launch panicked", "panic", r)
			m.fail(id, l.attempt, "panic", "internal error while starting", fmt.Errorf("panic: %v", r))
		}
	}()

	update := func(fn func(*tracker.Runtime)) bool {
		_, ok := m.tracker.Update(id, l.attempt, fn)
		return ok
	}

	if !m.boot.Provisioned(def) {
		log.Info("provisioning runtime", "packages", def.BootstrapPackages)
		update(func(r *tracker.Runtime) { r.Message = "provisioning runtime" })
		began := time.Now()
		err := m.boot.EnsureRuntime(ctx, def, func(line string) {
			update(func(r *tracker.Runtime) { r.Message = line })
		})
		if ctx.Err() != nil {
			metrics.ObserveProvision(id, "cancelled", time.Since(began).Seconds())
			return
		}
		if err != nil {
			metrics.ObserveProvision(id, "error", time.Since(began).Seconds())
			m.fail(id, l.attempt, "provision", "failed to provision runtime", err)
			return
		}
		metrics.ObserveProvision(id, "ok", time.Since(began).Seconds())
	}
	if ctx.Err() != nil {
		return
	}

	h, err := m.sup.Start(def, m.boot.InterpreterPath(def), m.onExit(id, l.attempt))
	if err != nil {
		m.fail(id, l.attempt, "spawn", "failed to launch worker", err)
		return
	}
	log = log.With("pid", h.PID())
	if !update(func(r *tracker.Runtime) {
		r.PID = h.PID()
		r.Message = "waiting for health check"
	}) {
		// stopped meanwhile; the stopper terminates the handle after we return
		return
	}

	began := time.Now()
	err = m.probe.WaitUntilReady(ctx, def.HealthURL(), def.Timeout(), h.Alive)
	metrics.ObserveHealthProbe(id, probeOutcome(ctx, err), time.Since(began).Seconds())
	switch {
	case ctx.Err() != nil:
		return
	case err == nil:
		m.tracker.Update(id, l.attempt, func(r *tracker.Runtime) {
			if !h.Alive() {
				m.crashed(r, h.ExitErr())
				return
			}
			r.Status = tracker.StatusRunning
			r.PID = h.PID()
			r.Message = "running"
			r.LastError = ""
		})
		log.Info("worker ready", "after", time.Since(began).Round(time.Millisecond))
	case errors.Is(err, health.ErrProcessExited):
		exitErr := h.ExitErr()
		if exitErr == nil {
			exitErr = errors.New("exit status 0")
		}
		m.fail(id, l.attempt, "crash", "worker exited before becoming healthy", exitErr)
	default:
		var te *health.TimeoutError
		if errors.As(err, &te) {
			log.Warn("health check timed out, killing worker", "after", te.After)
			if kerr := m.sup.Kill(context.Background(), id); kerr != nil {
				log.Error("kill after health timeout failed", "error", kerr)
			}
		}
		m.fail(id, l.attempt, "health", "worker did not become healthy", err)
	}
}

// fail records an error for the attempt. msg is the human readable summary,
// err the detail kept in LastError.
func (m *Manager) fail(id, attempt, kind, msg string, err error) {
	metrics.IncFailure(id, kind)
	_, ok := m.tracker.Update(id, attempt, func(r *tracker.Runtime) {
		r.Status = tracker.StatusError
		r.PID = 0
		r.LastError = err.Error()
		r.Message = msg + ": " + describe(err)
	})
	if ok {
		m.log.Error(msg, "service", id, "attempt", attempt, "kind", kind, "error", err)
	}
}

func (m *Manager) crashed(r *tracker.Runtime, exitErr error) {
	if exitErr == nil {
		exitErr = errors.New("exit status 0")
	}
	r.Status = tracker.StatusError
	r.PID = 0
	r.LastError = exitErr.Error()
	r.Message = "worker exited unexpectedly: " + exitErr.Error()
}

// onExit handles the exit of one spawned handle. Requested stops are
// resolved by their requester; exits while starting belong to the launch.
func (m *Manager) onExit(id, attempt string) func(process.ExitInfo) {
	return func(info process.ExitInfo) {
		if info.StopRequested {
			return
		}
		// a stop that raced with the exit before the handle was flagged
		if _, ok := m.tracker.SetIf(id,
			func(r tracker.Runtime) bool { return r.Status == tracker.StatusStopping && !m.sup.Tracked(id) },
			func(r *tracker.Runtime) { m.settle(r, "stopped") },
		); ok {
			return
		}
		rt, ok := m.tracker.SetIf(id,
			func(r tracker.Runtime) bool { return r.Attempt == attempt && r.Status == tracker.StatusRunning },
			func(r *tracker.Runtime) { m.crashed(r, info.Err) },
		)
		if ok {
			metrics.IncFailure(id, "crash")
			m.log.Error("worker exited unexpectedly", "service", id, "pid", info.PID, "error", rt.LastError)
		}
	}
}

func probeOutcome(ctx context.Context, err error) string {
	var te *health.TimeoutError
	switch {
	case err == nil:
		return "ok"
	case ctx.Err() != nil:
		return "cancelled"
	case errors.Is(err, health.ErrProcessExited):
		return "exited"
	case errors.As(err, &te):
		return "timeout"
	default:
		return "error"
	}
}

// describe shortens typed errors for the Message field.
func describe(err error) string {
	var pe *bootstrap.ProvisionError
	if errors.As(err, &pe) {
		return fmt.Sprintf("%s step failed: %v", pe.Step, pe.Err)
	}
	var se *process.SpawnError
	if errors.As(err, &se) {
		return se.Err.Error()
	}
	return err.Error()
}
