package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	mng "github.com/loykin/sidecar/internal/manager"
	"github.com/loykin/sidecar/internal/relay"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// isSafeName validates operation names taken from the URL before they are
// forwarded to the relay. Allowed characters: A-Z a-z 0-9 . _ - and no "..".
func isSafeName(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	if strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

type errorResp struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// statusOf maps facade and relay errors to HTTP status codes.
func statusOf(err error) int {
	var te *relay.TimeoutError
	var re *relay.RemoteError
	switch {
	case errors.Is(err, mng.ErrUnknownService):
		return http.StatusNotFound
	case errors.Is(err, mng.ErrShutdown), errors.Is(err, relay.ErrRelayUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &te):
		return http.StatusGatewayTimeout
	case errors.As(err, &re):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	resp := errorResp{Error: err.Error()}
	var re *relay.RemoteError
	if errors.As(err, &re) {
		resp.Code = re.Code
	}
	writeJSON(c, statusOf(err), resp)
}
