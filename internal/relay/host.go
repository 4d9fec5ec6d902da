package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/sidecar/internal/process"
)

// HostConfig describes how to launch the relay process.
type HostConfig struct {
	Command []string
	WorkDir string
	Env     []string // nil inherits the OS environment
	Sink    process.LineSink
}

// Host runs the relay process and attaches its stdio to a Relay.
type Host struct {
	cfg   HostConfig
	relay *Relay
	log   *slog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	conn *stdioConn
	done chan struct{}
}

func NewHost(cfg HostConfig, r *Relay, log *slog.Logger) *Host {
	if log == nil {
		log = slog.Default()
	}
	return &Host{cfg: cfg, relay: r, log: log.With("service", "relay")}
}

// Running reports whether the relay process is alive.
func (h *Host) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Start launches the relay process unless it is already running.
func (h *Host) Start(ctx context.Context) error {
	if len(h.cfg.Command) == 0 {
		return errors.New("relay command not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done != nil {
		select {
		case <-h.done:
		default:
			return nil
		}
	}

	// #nosec G204 -- relay command comes from trusted configuration
	cmd := exec.Command(h.cfg.Command[0], h.cfg.Command[1:]...)
	cmd.Dir = h.cfg.WorkDir
	if h.cfg.Env != nil {
		cmd.Env = h.cfg.Env
	}
	process.SetProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("relay stdin: %w", err)
	}
	// own the read end so Wait never closes it under the relay reader
	outR, outW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("relay stdout: %w", err)
	}
	cmd.Stdout = outW
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return fmt.Errorf("relay stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return &process.SpawnError{Service: "relay", Path: h.cfg.Command[0], Err: err}
	}
	_ = outW.Close()

	done := make(chan struct{})
	conn := &stdioConn{r: outR, w: stdin}
	h.cmd, h.conn, h.done = cmd, conn, done
	h.log.Info("relay process started", "pid", cmd.Process.Pid)

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		h.drainStderr(stderr)
	}()
	h.relay.Attach(conn)
	go func() {
		<-stderrDone
		err := cmd.Wait()
		close(done)
		h.relay.Detach()
		if err != nil {
			h.log.Warn("relay process exited", "pid", cmd.Process.Pid, "err", err)
		} else {
			h.log.Info("relay process exited", "pid", cmd.Process.Pid)
		}
	}()
	return nil
}

func (h *Host) drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		h.log.Warn("relay output", "stream", "stderr", "line", line)
		if h.cfg.Sink != nil {
			_ = h.cfg.Sink.Line("relay", line)
		}
	}
}

// Stop closes the relay's stdin and terminates it with the same escalation as
// worker processes.
func (h *Host) Stop(ctx context.Context, grace time.Duration) error {
	h.mu.Lock()
	cmd, conn, done := h.cmd, h.conn, h.done
	h.mu.Unlock()
	if cmd == nil || done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}
	_ = conn.Close()
	return process.Terminate(ctx, cmd.Process.Pid, done, grace, 0, h.log.With("pid", cmd.Process.Pid))
}

// stdioConn joins the relay process stdout and stdin into one transport.
type stdioConn struct {
	r    io.ReadCloser
	w    io.WriteCloser
	once sync.Once
}

func (c *stdioConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *stdioConn) Write(p []byte) (int, error) { return c.w.Write(p) }

func (c *stdioConn) Close() error {
	var err error
	c.once.Do(func() {
		err = errors.Join(c.w.Close(), c.r.Close())
	})
	return err
}
