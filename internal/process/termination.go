package process

import (
	"context"
	"log/slog"
	"os/exec"
	"time"
)

// Phase is a step of the termination state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseGraceful
	PhaseForced
	PhaseDone
	PhaseAbandoned
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseGraceful:
		return "graceful"
	case PhaseForced:
		return "forced"
	case PhaseDone:
		return "done"
	case PhaseAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further events are expected.
func (p Phase) Terminal() bool { return p == PhaseDone || p == PhaseAbandoned }

type Event int

const (
	EventBegin Event = iota
	EventExited
	EventTimeout
)

// Action is the side effect the driver performs after a transition.
type Action int

const (
	ActionNone Action = iota
	ActionTerm        // graceful signal + arm grace timer
	ActionKill        // forced signal + arm kill timer
	ActionGiveUp      // stop waiting for the process
)

// Transition is the pure termination state machine. Events that do not apply
// to a phase leave it unchanged.
func Transition(p Phase, e Event) (Phase, Action) {
	switch p {
	case PhaseIdle:
		switch e {
		case EventBegin:
			return PhaseGraceful, ActionTerm
		case EventExited:
			return PhaseDone, ActionNone
		}
	case PhaseGraceful:
		switch e {
		case EventExited:
			return PhaseDone, ActionNone
		case EventTimeout:
			return PhaseForced, ActionKill
		}
	case PhaseForced:
		switch e {
		case EventExited:
			return PhaseDone, ActionNone
		case EventTimeout:
			return PhaseAbandoned, ActionGiveUp
		}
	}
	return p, ActionNone
}

// Terminate drives Transition for the process group led by pid until done is
// closed or the kill wait runs out. Cancelling ctx skips the rest of the grace
// window. It returns ErrAbandoned when the process outlived SIGKILL.
func Terminate(ctx context.Context, pid int, done <-chan struct{}, grace, killWait time.Duration, log *slog.Logger) error {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if killWait <= 0 {
		killWait = DefaultKillWait
	}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	cancelled := ctx.Done()

	phase, act := Transition(PhaseIdle, EventBegin)
	for {
		switch act {
		case ActionTerm:
			if err := signalGroup(pid, false); err != nil {
				log.Debug("graceful signal failed", "err", err)
			}
			timer.Reset(grace)
		case ActionKill:
			log.Warn("process ignored graceful stop, killing", "grace", grace)
			if err := signalGroup(pid, true); err != nil {
				log.Debug("kill signal failed", "err", err)
			}
			timer.Reset(killWait)
		case ActionGiveUp:
			log.Error("process did not exit after kill", "waited", killWait)
			return ErrAbandoned
		}
		if phase.Terminal() {
			return nil
		}

		var ev Event
		select {
		case <-done:
			ev = EventExited
		case <-timer.C:
			ev = EventTimeout
		case <-cancelled:
			// escalate once, then keep waiting on the kill timer
			cancelled = nil
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			ev = EventTimeout
		}
		phase, act = Transition(phase, ev)
	}
}

// SetProcessGroup starts cmd in its own process group so Terminate reaches
// all of its children.
func SetProcessGroup(cmd *exec.Cmd) { configureSysProcAttr(cmd) }
