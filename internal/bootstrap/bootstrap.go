package bootstrap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/loykin/sidecar/internal/registry"
)

const (
	DefaultVenvDir     = ".venv"
	DefaultStepTimeout = 10 * time.Minute
	DefaultTailLines   = 20
)

// Step names reported in ProvisionError.
const (
	StepCreateEnv = "create-env"
	StepInstall   = "install-packages"
)

// ProvisionError reports a failed provisioning step together with the last
// captured output lines.
type ProvisionError struct {
	Service string
	Step    string
	Err     error
	Tail    []string
}

func (e *ProvisionError) Error() string {
	msg := fmt.Sprintf("provision %s: %s failed: %v", e.Service, e.Step, e.Err)
	if len(e.Tail) > 0 {
		msg += "\n" + strings.Join(e.Tail, "\n")
	}
	return msg
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Config controls how isolated runtimes are created.
type Config struct {
	Python      string        // system interpreter used to create environments
	VenvDir     string        // environment directory relative to the service root
	StepTimeout time.Duration // upper bound for each step
	TailLines   int           // output lines kept for diagnostics
	Env         []string      // environment for bootstrap commands; nil inherits the OS env
}

var ErrClosed = errors.New("bootstrapper closed")

// Bootstrapper ensures each worker has an isolated interpreter with its
// bootstrap packages installed before first launch.
type Bootstrapper struct {
	cfg   Config
	log   *slog.Logger
	group singleflight.Group

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is one provisioning run. It is cancelled when its last waiter
// leaves or the bootstrapper is closed.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	waiters int
}

func New(cfg Config, log *slog.Logger) *Bootstrapper {
	if cfg.Python == "" {
		cfg.Python = defaultPython()
	}
	if cfg.VenvDir == "" {
		cfg.VenvDir = DefaultVenvDir
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = DefaultTailLines
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Bootstrapper{cfg: cfg, log: log, ctx: ctx, stop: stop, flights: make(map[string]*flight)}
}

// Close cancels every provisioning run and waits until their commands
// exited and half-built environments were removed.
func (b *Bootstrapper) Close(ctx context.Context) error {
	b.mu.Lock()
	b.stop()
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnvDir returns the isolated environment directory for def.
func (b *Bootstrapper) EnvDir(def registry.Definition) string {
	if filepath.IsAbs(b.cfg.VenvDir) {
		return filepath.Join(b.cfg.VenvDir, def.ID)
	}
	return filepath.Join(def.Root, b.cfg.VenvDir)
}

// InterpreterPath is where the isolated interpreter lives once provisioned.
func (b *Bootstrapper) InterpreterPath(def registry.Definition) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(b.EnvDir(def), "Scripts", "python.exe")
	}
	return filepath.Join(b.EnvDir(def), "bin", "python")
}

// Provisioned reports whether the isolated interpreter exists on disk and no
// provisioning run for def is in progress.
func (b *Bootstrapper) Provisioned(def registry.Definition) bool {
	b.mu.Lock()
	_, busy := b.flights[def.ID]
	b.mu.Unlock()
	return !busy && b.interpreterExists(def)
}

func (b *Bootstrapper) interpreterExists(def registry.Definition) bool {
	_, err := os.Stat(b.InterpreterPath(def))
	return err == nil
}

// EnsureRuntime provisions def when its interpreter is missing. Output lines
// are passed to progress (may be nil). Concurrent calls for the same service
// share one provisioning run; only the caller that started it sees progress.
// The run is cancelled once every caller waiting on it gave up.
func (b *Bootstrapper) EnsureRuntime(ctx context.Context, def registry.Definition, progress func(string)) error {
	for {
		if b.Provisioned(def) {
			return nil
		}
		f, ch, err := b.join(def, progress)
		if err != nil {
			return err
		}
		if ch == nil {
			// an abandoned run is still winding down
			select {
			case <-f.done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case res := <-ch:
			b.leave(f)
			return res.Err
		case <-ctx.Done():
			b.leave(f)
			return ctx.Err()
		}
	}
}

// join registers the caller as a waiter of the current run for def, starting
// one when none is in progress. A nil channel means the current run was
// abandoned and the caller has to wait for f.done.
func (b *Bootstrapper) join(def registry.Definition, progress func(string)) (*flight, <-chan singleflight.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f := b.flights[def.ID]
	if f != nil && f.ctx.Err() != nil {
		return f, nil, nil
	}
	if f == nil {
		if b.ctx.Err() != nil {
			return nil, nil, ErrClosed
		}
		ctx, cancel := context.WithCancel(b.ctx)
		f = &flight{ctx: ctx, cancel: cancel, done: make(chan struct{})}
		b.flights[def.ID] = f
		b.wg.Add(1)
	}
	f.waiters++
	// the call for def.ID is forgotten under b.mu, so while f is registered
	// DoChan joins the call that runs f
	ch := b.group.DoChan(def.ID, func() (any, error) {
		defer b.finish(def.ID, f)
		if b.interpreterExists(def) {
			return nil, nil
		}
		return nil, b.provision(f.ctx, def, progress)
	})
	return f, ch, nil
}

func (b *Bootstrapper) leave(f *flight) {
	b.mu.Lock()
	f.waiters--
	last := f.waiters == 0
	b.mu.Unlock()
	if last {
		f.cancel()
	}
}

func (b *Bootstrapper) finish(id string, f *flight) {
	b.mu.Lock()
	b.group.Forget(id)
	if b.flights[id] == f {
		delete(b.flights, id)
	}
	b.mu.Unlock()
	f.cancel()
	close(f.done)
	b.wg.Done()
}

func (b *Bootstrapper) provision(ctx context.Context, def registry.Definition, progress func(string)) error {
	log := b.log.With("service", def.ID)
	envDir := b.EnvDir(def)
	started := time.Now()
	log.Info("provisioning isolated runtime", "dir", envDir, "packages", def.BootstrapPackages)

	if err := b.run(ctx, def, StepCreateEnv, progress, b.cfg.Python, "-m", "venv", envDir); err != nil {
		_ = os.RemoveAll(envDir)
		return err
	}
	if len(def.BootstrapPackages) > 0 {
		args := append([]string{"-m", "pip", "install", "--disable-pip-version-check"}, def.BootstrapPackages...)
		if err := b.run(ctx, def, StepInstall, progress, b.InterpreterPath(def), args...); err != nil {
			// drop the half-built environment so the next start provisions again
			_ = os.RemoveAll(envDir)
			return err
		}
	}
	log.Info("runtime provisioned", "elapsed", time.Since(started).Round(time.Millisecond))
	return nil
}

func (b *Bootstrapper) run(ctx context.Context, def registry.Definition, step string, progress func(string), name string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.StepTimeout)
	defer cancel()

	// #nosec G204 -- interpreter path and package list come from trusted configuration
	cmd := exec.CommandContext(ctx, name, args...)
	if dir := def.Root; dir != "" {
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			cmd.Dir = dir
		}
	}
	if b.cfg.Env != nil {
		cmd.Env = b.cfg.Env
	}
	cmd.WaitDelay = 2 * time.Second

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	tail := newTail(b.cfg.TailLines)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			tail.add(line)
			b.log.Debug("bootstrap output", "service", def.ID, "step", step, "line", line)
			if progress != nil {
				progress(line)
			}
		}
		_, _ = io.Copy(io.Discard, pr)
	}()

	err := cmd.Run()
	_ = pw.Close()
	wg.Wait()

	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", b.cfg.StepTimeout, err)
		}
		return &ProvisionError{Service: def.ID, Step: step, Err: err, Tail: tail.lines()}
	}
	return nil
}

func defaultPython() string {
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}

// tail keeps the last n lines.
type tail struct {
	mu  sync.Mutex
	n   int
	buf []string
}

func newTail(n int) *tail { return &tail{n: n} }

func (t *tail) add(s string) {
	t.mu.Lock()
	t.buf = append(t.buf, s)
	if len(t.buf) > t.n {
		t.buf = t.buf[len(t.buf)-t.n:]
	}
	t.mu.Unlock()
}

func (t *tail) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.buf...)
}
