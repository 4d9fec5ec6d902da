package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	DefaultInterval       = 500 * time.Millisecond
	DefaultRequestTimeout = 2 * time.Second
)

// ErrProcessExited is returned when the worker disappears while being polled.
var ErrProcessExited = errors.New("worker process exited before becoming healthy")

// TimeoutError reports a worker that never answered 2xx within its budget.
type TimeoutError struct {
	URL     string
	After   time.Duration
	LastErr error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("health check %s not ready after %s", e.URL, e.After)
	if e.LastErr != nil {
		msg += ": " + e.LastErr.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.LastErr }

// Probe polls a readiness URL at a fixed interval.
type Probe struct {
	client   *http.Client
	interval time.Duration
}

// New creates a probe; zero values select the defaults.
func New(interval, requestTimeout time.Duration) *Probe {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	return &Probe{
		client:   &http.Client{Timeout: requestTimeout},
		interval: interval,
	}
}

func (p *Probe) Interval() time.Duration { return p.interval }

// Check performs a single GET and reports nil on any 2xx answer.
func (p *Probe) Check(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check %s returned status %s", url, resp.Status)
	}
	return nil
}

// WaitUntilReady checks url until it answers 2xx, alive reports false, the
// timeout elapses or ctx is cancelled. alive may be nil.
func (p *Probe) WaitUntilReady(ctx context.Context, url string, timeout time.Duration, alive func() bool) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(p.interval)
	defer tick.Stop()

	var lastErr error
	for {
		if alive != nil && !alive() {
			return ErrProcessExited
		}
		cctx, cancel := context.WithTimeout(ctx, p.client.Timeout)
		lastErr = p.Check(cctx, url)
		cancel()
		if lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if alive != nil && !alive() {
				return ErrProcessExited
			}
			return &TimeoutError{URL: url, After: timeout, LastErr: lastErr}
		case <-tick.C:
		}
	}
}
