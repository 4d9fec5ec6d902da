package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	mng "github.com/loykin/sidecar/internal/manager"
)

const (
	EngineGin  = "gin"
	EngineEcho = "echo"
)

type Config struct {
	Listen   string
	BasePath string
	Engine   string       // gin (default) or echo
	Metrics  http.Handler // mounted on /metrics when set
	Logger   *slog.Logger
}

// Server hosts the Router on a listener. With the echo engine the gin
// handler is mounted inside an echo instance.
type Server struct {
	http *http.Server
	ln   net.Listener
	log  *slog.Logger
	done chan error
}

// New binds cfg.Listen and returns a server ready to Serve.
func New(cfg Config, mgr *mng.Manager) (*Server, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	r := NewRouter(mgr, cfg.BasePath).WithLogger(log)
	if cfg.Metrics != nil {
		r.WithMetrics(cfg.Metrics)
	}
	handler, err := buildHandler(cfg.Engine, r)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// no WriteTimeout: relay calls and the event stream are long lived
	}
	srv.RegisterOnShutdown(r.CloseStreams)
	return &Server{
		http: srv,
		ln:   ln,
		log:  log,
		done: make(chan error, 1),
	}, nil
}

func buildHandler(engine string, r *Router) (http.Handler, error) {
	switch engine {
	case "", EngineGin:
		return r.Handler(), nil
	case EngineEcho:
		e := echo.New()
		e.HideBanner = true
		e.HidePort = true
		h := echo.WrapHandler(r.Handler())
		e.Any("/*", h)
		e.Any("/", h)
		return e, nil
	default:
		return nil, fmt.Errorf("unknown server engine %q", engine)
	}
}

// Addr is the bound address, useful with port 0.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve runs the server in the background.
func (s *Server) Serve() {
	s.log.Info("http server listening", "addr", s.Addr())
	go func() {
		err := s.http.Serve(s.ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			s.log.Error("http server stopped", "error", err)
		}
		s.done <- err
	}()
}

// Done reports the result of Serve once the server stopped.
func (s *Server) Done() <-chan error { return s.done }

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx is done, then closes the rest.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	if err != nil {
		_ = s.http.Close()
	}
	return err
}
