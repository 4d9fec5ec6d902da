package client

import (
	"encoding/json"
	"fmt"
	"time"
)

// Runtime mirrors the daemon's runtime snapshot of one worker.
type Runtime struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	PID       int       `json:"pid,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Message   string    `json:"message,omitempty"`
	Attempt   string    `json:"attempt,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Service is a registered worker together with its runtime.
type Service struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name"`
	BaseURL     string  `json:"base_url"`
	HealthURL   string  `json:"health_url"`
	OwnsLog     bool    `json:"owns_log"`
	Runtime     Runtime `json:"runtime"`
}

type UsageSample struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Usage is the current resource snapshot (nil when not running) and the
// samples collected by the daemon.
type Usage struct {
	Current *UsageSample  `json:"current,omitempty"`
	History []UsageSample `json:"history,omitempty"`
}

type Health struct {
	OK    bool `json:"ok"`
	Relay bool `json:"relay"`
}

// Push is an unsolicited message from the relay process.
type Push struct {
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// Event is one server-sent event. Exactly one of Status and Push is set for
// "status" and "push" events.
type Event struct {
	Name   string
	Status *Runtime
	Push   *Push
	Raw    json.RawMessage
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// APIError is returned for every non-2xx answer.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (HTTP %d): %s (%s)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}
