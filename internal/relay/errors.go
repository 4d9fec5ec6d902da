package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrRelayUnavailable is returned when no relay process is attached, and to
// every pending request when the relay goes away.
var ErrRelayUnavailable = errors.New("relay unavailable")

// TimeoutError reports a request that received no reply within its deadline.
// The far side is not told; a late reply is dropped.
type TimeoutError struct {
	Name  string
	ID    uint64
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("relay request %s (id %d) timed out after %s", e.Name, e.ID, e.After)
}

// RemoteError carries the error member of a reply envelope.
type RemoteError struct {
	Name    string
	ID      uint64
	Message string
	Code    string
	Raw     json.RawMessage
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("relay %s failed: %s (%s)", e.Name, e.Message, e.Code)
	}
	return fmt.Sprintf("relay %s failed: %s", e.Name, e.Message)
}

// remoteError decodes either a bare string or an object with message/code.
func remoteError(name string, id uint64, raw json.RawMessage) *RemoteError {
	e := &RemoteError{Name: name, ID: id, Raw: raw}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		e.Message = s
		return e
	}
	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Code    any    `json:"code"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && (obj.Message != "" || obj.Error != "") {
		e.Message = obj.Message
		if e.Message == "" {
			e.Message = obj.Error
		}
		if obj.Code != nil {
			e.Code = fmt.Sprint(obj.Code)
		}
		return e
	}
	e.Message = string(raw)
	return e
}
