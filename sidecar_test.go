//go:build !windows

package sidecar

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/sidecar/internal/history/sqlite"
	"github.com/loykin/sidecar/pkg/client"
)

const fakePython = `#!/bin/sh
if [ "$1" = "-m" ] && [ "$2" = "venv" ]; then
  mkdir -p "$3/bin" && cp "$0" "$3/bin/python"
  exit 0
fi
[ "$1" = "-m" ] && shift
exec /bin/sh "$1"
`

const worker = `echo "hello from worker"
trap 'exit 0' TERM
while :; do sleep 0.05; done
`

const relayScript = `while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed 's/.*"id":\([0-9]*\).*/\1/')
  printf '{"type":"reply","id":%s,"result":"pong"}\n' "$id"
done
`

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
}

func TestSidecarEndToEnd(t *testing.T) {
	dir := t.TempDir()
	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer health.Close()

	writeFile(t, filepath.Join(dir, "python3"), fakePython, 0o755)
	writeFile(t, filepath.Join(dir, "asr", "worker.sh"), worker, 0o644)
	writeFile(t, filepath.Join(dir, "relay.sh"), relayScript, 0o644)
	dbPath := filepath.Join(dir, "history.db")
	writeFile(t, filepath.Join(dir, "sidecar.toml"), fmt.Sprintf(`
python = %q
stop_grace = "500ms"
kill_wait = "1s"

[log]
dir = "logs"
level = "debug"

[health]
interval = "20ms"

[server]
listen = "127.0.0.1:0"
engine = "echo"

[metrics]
enabled = true

[metrics.usage]
enabled = true
interval = "50ms"

[relay]
command = ["/bin/sh", "relay.sh"]
workdir = "."

[history]
enabled = true
dsns = ["sqlite://%s"]

[[services]]
id = "asr"
display_name = "Speech recognition"
root = "asr"
entry = "worker.sh"
base_url = %q
startup_timeout = "5s"
`, filepath.Join(dir, "python3"), dbPath, health.URL), 0o644)

	c, err := LoadConfig(filepath.Join(dir, "sidecar.toml"))
	require.NoError(t, err)

	var console bytes.Buffer
	sc, err := New(c, Options{Console: &console, Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	require.NoError(t, sc.Open(context.Background()))
	defer func() { _ = sc.Close(context.Background()) }()
	require.NotEmpty(t, sc.Addr())

	api := client.New(client.Config{BaseURL: "http://" + sc.Addr() + "/api", Timeout: 5 * time.Second})
	ctx := context.Background()

	require.Eventually(t, func() bool {
		h, err := api.Health(ctx)
		return err == nil && h.Relay
	}, 5*time.Second, 20*time.Millisecond, "relay never attached")

	svcs, err := api.Services(ctx)
	require.NoError(t, err)
	require.Len(t, svcs, 1)
	assert.Equal(t, "Speech recognition", svcs[0].DisplayName)
	assert.Equal(t, "not_configured", svcs[0].Runtime.Status)

	rt, err := api.Start(ctx, "asr", 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, "running", rt.Status, "message: %s error: %s", rt.Message, rt.LastError)

	res, err := api.RelaySend(ctx, "ping", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(res))

	assert.Eventually(t, func() bool {
		u, err := api.Usage(ctx, "asr")
		return err == nil && u.Current != nil && len(u.History) > 0
	}, 5*time.Second, 50*time.Millisecond)

	resp, err := http.Get("http://" + sc.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "sidecar_service_starts_total")

	rt, err = api.Stop(ctx, "asr")
	require.NoError(t, err)
	assert.Equal(t, "stopped", rt.Status)

	require.NoError(t, sc.Close(context.Background()))
	require.NoError(t, sc.Close(context.Background()), "second close is a no-op")

	wl, err := os.ReadFile(filepath.Join(dir, "logs", "workers.log"))
	require.NoError(t, err)
	assert.Contains(t, string(wl), "[asr] hello from worker")
	assert.Contains(t, console.String(), "worker ready")

	db, err := sqlite.New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	n, err := db.Count(ctx, "asr")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 4, "start, ready, stop and exit should be recorded")
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(nil, Options{})
	assert.Error(t, err)

	c, err := DefaultConfig()
	require.NoError(t, err)
	c.History.Enabled = true
	c.History.DSNs = []string{"mongodb://nowhere"}
	_, err = New(c, Options{Console: io.Discard})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "history"), err.Error())
}

func TestRunStopsOnCancel(t *testing.T) {
	c, err := DefaultConfig()
	require.NoError(t, err)
	c.Server.Listen = "127.0.0.1:0"
	sc, err := New(c, Options{Console: io.Discard})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sc.Run(ctx) }()
	require.Eventually(t, func() bool { return sc.Addr() != "" }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	_, err = sc.Manager().Start(context.Background(), "none")
	assert.ErrorIs(t, err, ErrUnknownService)
}
