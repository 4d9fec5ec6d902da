package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides HTTP client functionality to communicate with the sidecar daemon
type Client struct {
	baseURL string
	client  *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration // per request; relay calls with a timeout extend it
	Logger  *slog.Logger  // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:7788/api",
		Timeout: 30 * time.Second,
	}
}

// New creates a new sidecar API client
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
		// event streams and long relay calls are bounded by ctx only
		stream: &http.Client{},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Health(ctx)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, c.client, http.MethodGet, "/health", nil, &h)
	return h, err
}

// Services lists every registered service with its runtime.
func (c *Client) Services(ctx context.Context) ([]Service, error) {
	var out []Service
	err := c.do(ctx, c.client, http.MethodGet, "/services", nil, &out)
	return out, err
}

func (c *Client) Service(ctx context.Context, id string) (Service, error) {
	var out Service
	err := c.do(ctx, c.client, http.MethodGet, "/services/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) Usage(ctx context.Context, id string) (Usage, error) {
	var out Usage
	err := c.do(ctx, c.client, http.MethodGet, "/services/"+url.PathEscape(id)+"/usage", nil, &out)
	return out, err
}

// Start asks the daemon to launch id. With wait > 0 the daemon answers once
// the worker is running or failed, or wait elapsed.
func (c *Client) Start(ctx context.Context, id string, wait time.Duration) (Runtime, error) {
	return c.launch(ctx, "start", id, wait)
}

func (c *Client) Restart(ctx context.Context, id string, wait time.Duration) (Runtime, error) {
	return c.launch(ctx, "restart", id, wait)
}

func (c *Client) launch(ctx context.Context, verb, id string, wait time.Duration) (Runtime, error) {
	c.logger.Debug("Launching service", "verb", verb, "id", id, "wait", wait)
	path := "/services/" + url.PathEscape(id) + "/" + verb
	hc := c.client
	if wait > 0 {
		path += "?wait=" + url.QueryEscape(wait.String())
		hc = c.stream
	}
	var rt Runtime
	err := c.do(ctx, hc, http.MethodPost, path, nil, &rt)
	return rt, err
}

// Stop blocks until the daemon reports the worker stopped.
func (c *Client) Stop(ctx context.Context, id string) (Runtime, error) {
	c.logger.Debug("Stopping service", "id", id)
	var rt Runtime
	err := c.do(ctx, c.stream, http.MethodPost, "/services/"+url.PathEscape(id)+"/stop", nil, &rt)
	return rt, err
}

// RelaySend forwards one request to the relay process. args may be nil.
// timeout overrides the daemon's per-operation deadline when positive.
func (c *Client) RelaySend(ctx context.Context, name string, args any, timeout time.Duration) (json.RawMessage, error) {
	var body []byte
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal args: %w", err)
		}
		body = b
	}
	path := "/relay/" + url.PathEscape(name)
	if timeout > 0 {
		path += "?timeout=" + url.QueryEscape(timeout.String())
	}
	var out struct {
		Result json.RawMessage `json:"result"`
	}
	if err := c.do(ctx, c.stream, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

// Events streams server-sent events to fn until ctx is done or the stream
// ends. service filters status events, push filters relay pushes by event
// name ("" for all, "none" to disable).
func (c *Client) Events(ctx context.Context, service, push string, fn func(Event)) error {
	q := url.Values{}
	if service != "" {
		q.Set("service", service)
	}
	if push != "" {
		q.Set("event", push)
	}
	u := c.baseURL + "/events"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}

	err = readEvents(resp.Body, fn)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func readEvents(r io.Reader, fn func(Event)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var name string
	var data []byte
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:"))...)
		case line == "":
			if name != "" {
				fn(decodeEvent(name, data))
			}
			name, data = "", nil
		}
	}
	return sc.Err()
}

func decodeEvent(name string, data []byte) Event {
	e := Event{Name: name, Raw: json.RawMessage(data)}
	switch name {
	case "status":
		var rt Runtime
		if json.Unmarshal(data, &rt) == nil {
			e.Status = &rt
		}
	case "push":
		var p Push
		if json.Unmarshal(data, &p) == nil {
			e.Push = &p
		}
	}
	return e
}

// do performs an HTTP request and decodes a JSON answer into out (may be nil).
func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, body []byte, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse turns non-2xx answers into *APIError
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	} else {
		apiErr.Message = errorResp.Error
		apiErr.Code = errorResp.Code
	}
	c.logger.Debug("API request failed", "error", apiErr.Message, "status", resp.StatusCode)
	return apiErr
}
