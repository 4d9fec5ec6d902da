// Package sidecar embeds the worker orchestrator: it wires configuration,
// logging, provisioning, supervision, health probing, the request relay,
// metrics, history export and the HTTP command surface into one value.
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/sidecar/internal/config"
	"github.com/loykin/sidecar/internal/bootstrap"
	"github.com/loykin/sidecar/internal/health"
	"github.com/loykin/sidecar/internal/history"
	"github.com/loykin/sidecar/internal/history/factory"
	"github.com/loykin/sidecar/internal/logger"
	"github.com/loykin/sidecar/internal/manager"
	"github.com/loykin/sidecar/internal/metrics"
	"github.com/loykin/sidecar/internal/process"
	"github.com/loykin/sidecar/internal/registry"
	"github.com/loykin/sidecar/internal/relay"
	iapi "github.com/loykin/sidecar/internal/server"
	"github.com/loykin/sidecar/internal/tracker"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Definition = registry.Definition

type Runtime = tracker.Runtime

type Status = tracker.Status

type Change = tracker.Change

type Manager = manager.Manager

type Service = manager.Service

type Request = relay.Request

type Push = relay.Push

type HistorySink = history.Sink

const (
	StatusNotConfigured = tracker.StatusNotConfigured
	StatusStopped       = tracker.StatusStopped
	StatusStarting      = tracker.StatusStarting
	StatusRunning       = tracker.StatusRunning
	StatusStopping      = tracker.StatusStopping
	StatusError         = tracker.StatusError
)

var (
	ErrUnknownService   = manager.ErrUnknownService
	ErrShutdown         = manager.ErrShutdown
	ErrRelayUnavailable = relay.ErrRelayUnavailable
)

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func DefaultConfig() (*Config, error) { return cfg.Default() }

// Options adjusts how New builds the orchestrator.
type Options struct {
	// Console receives the text log; nil selects stderr.
	Console io.Writer
	// Logger replaces the logger built from the log section.
	Logger *slog.Logger
	// Registerer receives the metrics when metrics are enabled; nil selects
	// the prometheus default registerer.
	Registerer prometheus.Registerer
	// HistorySinks are added to the sinks built from history.dsns.
	HistorySinks []HistorySink
}

// Sidecar owns every component built from one configuration.
type Sidecar struct {
	cfg       *Config
	log       *slog.Logger
	logCloser io.Closer
	sink      *logger.Sink
	mgr       *manager.Manager
	metrics   http.Handler

	mu     sync.Mutex
	server *iapi.Server

	closeOnce sync.Once
	closeErr  error
}

// New wires the components described by c. Nothing is started until Open.
func New(c *Config, opts Options) (*Sidecar, error) {
	if c == nil {
		return nil, errors.New("sidecar: config is required")
	}
	s := &Sidecar{cfg: c, logCloser: nopCloser{}}
	if opts.Logger != nil {
		s.log = opts.Logger
	} else {
		s.log, s.logCloser = logger.New(c.LoggerConfig(), opts.Console)
	}
	log := s.log

	reg, err := c.Registry()
	if err != nil {
		_ = s.logCloser.Close()
		return nil, err
	}

	var lineSink process.LineSink
	if p := c.LoggerConfig().WorkerLogPath(); p != "" {
		s.sink = logger.NewSink(p, c.Log.WorkerLogMaxBytes)
		lineSink = s.sink
	}

	if c.Metrics.Enabled {
		r := opts.Registerer
		if r == nil {
			r = prometheus.DefaultRegisterer
		}
		if err := metrics.Register(r); err != nil {
			_ = s.logCloser.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if g, ok := r.(prometheus.Gatherer); ok && opts.Registerer != nil {
			s.metrics = metrics.HandlerFor(g)
		} else {
			s.metrics = metrics.Handler()
		}
	}

	var rec *history.Recorder
	if c.History.Enabled || len(opts.HistorySinks) > 0 {
		var sinks []history.Sink
		if c.History.Enabled {
			sinks, err = factory.NewSinks(c.History.DSNs)
			if err != nil {
				_ = s.logCloser.Close()
				return nil, fmt.Errorf("history sinks: %w", err)
			}
		}
		sinks = append(sinks, opts.HistorySinks...)
		rec = history.NewRecorder(log, c.History.Buffer, sinks...)
	}

	var usage *metrics.UsageCollector
	if c.Metrics.Usage.Enabled {
		usage = metrics.NewUsageCollector(c.Metrics.Usage)
	}

	relayOpts := c.RelayOptions()
	relayOpts.Logger = log
	rl := relay.New(relayOpts)
	var host *relay.Host
	if c.RelayEnabled() {
		hc := c.RelayHostConfig()
		hc.Sink = lineSink
		host = relay.NewHost(hc, rl, log)
	}

	s.mgr, err = manager.New(manager.Options{
		Registry:  reg,
		Bootstrap: bootstrap.New(c.BootstrapConfig(), log),
		Supervisor: process.New(process.Options{
			Env:      c.WorkerEnv(),
			Sink:     lineSink,
			KillWait: c.KillWait,
			Logger:   log,
		}),
		Probe:     health.New(c.Health.Interval, c.Health.RequestTimeout),
		Relay:     rl,
		RelayHost: host,
		History:   rec,
		Usage:     usage,
		StopGrace: c.StopGrace,
		Logger:    log,
	})
	if err != nil {
		if rec != nil {
			_ = rec.Close(context.Background())
		}
		_ = s.logCloser.Close()
		return nil, err
	}
	return s, nil
}

// Manager exposes the command facade for embedding.
func (s *Sidecar) Manager() *manager.Manager { return s.mgr }

func (s *Sidecar) Logger() *slog.Logger { return s.log }

// Open starts the relay process, usage sampling and, when enabled, the HTTP
// command surface.
func (s *Sidecar) Open(ctx context.Context) error {
	if err := s.mgr.Open(ctx); err != nil {
		return err
	}
	if !s.cfg.Server.Enabled {
		return nil
	}
	srv, err := iapi.New(iapi.Config{
		Listen:   s.cfg.Server.Listen,
		BasePath: s.cfg.Server.BasePath,
		Engine:   s.cfg.Server.Engine,
		Metrics:  s.metrics,
		Logger:   s.log,
	}, s.mgr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()
	srv.Serve()
	return nil
}

func (s *Sidecar) httpServer() *iapi.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server
}

// Addr is the bound HTTP address, empty when the server is disabled.
func (s *Sidecar) Addr() string {
	srv := s.httpServer()
	if srv == nil {
		return ""
	}
	return srv.Addr()
}

// Run opens the sidecar and blocks until ctx is done or the HTTP server
// fails, then shuts everything down within the stop budget.
func (s *Sidecar) Run(ctx context.Context) error {
	if err := s.Open(ctx); err != nil {
		_ = s.Close(context.Background())
		return err
	}
	var serveErr error
	var done <-chan error
	if srv := s.httpServer(); srv != nil {
		done = srv.Done()
	}
	select {
	case <-ctx.Done():
	case serveErr = <-done:
	}
	sctx, cancel := context.WithTimeout(context.Background(), s.shutdownBudget())
	defer cancel()
	return errors.Join(serveErr, s.Close(sctx))
}

// shutdownBudget bounds Close: grace plus kill wait for the workers and the
// relay, with headroom for draining history.
func (s *Sidecar) shutdownBudget() time.Duration {
	grace, kill := s.cfg.StopGrace, s.cfg.KillWait
	if grace <= 0 {
		grace = process.DefaultGrace
	}
	if kill <= 0 {
		kill = process.DefaultKillWait
	}
	return 2*(grace+kill) + history.DefaultSendTimeout
}

// Close stops the HTTP server, every worker and the relay, flushes history
// and closes the log files. It is idempotent.
func (s *Sidecar) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		if srv := s.httpServer(); srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http server: %w", err))
			}
		}
		if err := s.mgr.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if s.sink != nil {
			if err := s.sink.Close(); err != nil {
				errs = append(errs, fmt.Errorf("worker log: %w", err))
			}
		}
		if err := s.logCloser.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
