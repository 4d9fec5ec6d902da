package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/sidecar/internal/env"
	"github.com/loykin/sidecar/internal/relay"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoad_Minimal(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "sidecar.toml", `
[[services]]
id = "asr"
root = "services/asr"
entry = "asr.server"
base_url = "http://127.0.0.1:9001"
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(c.Services) != 1 {
		t.Fatalf("expected 1 service, got %d", len(c.Services))
	}
	s := c.Services[0]
	if s.Root != filepath.Join(dir, "services/asr") {
		t.Fatalf("root not resolved against config dir: %s", s.Root)
	}
	if s.HealthURL() != "http://127.0.0.1:9001/health" {
		t.Fatalf("health url = %s", s.HealthURL())
	}

	// defaults
	if c.StopGrace != DefaultStopGrace || c.KillWait != DefaultKillWait {
		t.Fatalf("stop defaults: %v %v", c.StopGrace, c.KillWait)
	}
	if !c.Server.Enabled || c.Server.Listen != DefaultListen || c.Server.BasePath != DefaultBasePath || c.Server.Engine != "gin" {
		t.Fatalf("server defaults: %+v", c.Server)
	}
	if c.Relay.DefaultTimeout != relay.DefaultTimeout || c.Relay.LongTimeout != relay.LongTimeout {
		t.Fatalf("relay defaults: %+v", c.Relay)
	}
	if !c.UseOSEnv {
		t.Fatal("use_os_env should default to true")
	}
	if c.RelayEnabled() {
		t.Fatal("relay should be disabled without a command")
	}
}

func TestLoad_Full(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "common.env", "export SHARED=from-file\nQUOTED=\"x y\"\n# comment\nOVERRIDE=file\n")
	p := writeFile(t, dir, "sidecar.toml", `
python = "/usr/bin/python3.11"
venv_dir = ".runtime"
env = ["OVERRIDE=top", "EXTRA=1"]
env_files = ["common.env"]
stop_grace = "2s"
kill_wait = "500ms"

[bootstrap]
step_timeout = "90s"
tail_lines = 5

[health]
interval = "250ms"
request_timeout = "1s"

[log]
level = "debug"
dir = "logs"
file = "sidecar.log"
worker_log_max_bytes = 1024

[relay]
command = ["node", "relay.js"]
workdir = "relay"
default_timeout = "10s"
long_timeout = "1h"
long_operations = ["fine_tune"]

[server]
listen = "127.0.0.1:0"
base_path = "/v1"
engine = "echo"

[metrics]
enabled = true
  [metrics.usage]
  enabled = true
  interval = "2s"
  max_history = 10

[history]
enabled = true
dsns = ["sqlite://:memory:"]

[[services]]
id = "tts"
display_name = "Speech"
root = "/opt/tts"
entry = "tts.main"
base_url = "http://127.0.0.1:9002/"
health_path = "ready"
startup_timeout = "2m"
bootstrap_packages = ["fastapi", "uvicorn"]
owns_log = true
env = ["MODEL=large"]

[[services]]
id = "seg"
root = "seg"
entry = "seg"
base_url = "http://127.0.0.1:9003"
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if c.StopGrace != 2*time.Second || c.KillWait != 500*time.Millisecond {
		t.Fatalf("durations: %v %v", c.StopGrace, c.KillWait)
	}
	tts := c.Services[0]
	if tts.Name() != "Speech" || !tts.OwnsLog || tts.Timeout() != 2*time.Minute {
		t.Fatalf("tts: %+v", tts)
	}
	if tts.HealthURL() != "http://127.0.0.1:9002/ready" {
		t.Fatalf("tts health url: %s", tts.HealthURL())
	}
	if len(tts.BootstrapPackages) != 2 || tts.Root != "/opt/tts" {
		t.Fatalf("tts: %+v", tts)
	}
	if c.Services[1].Root != filepath.Join(dir, "seg") {
		t.Fatalf("seg root: %s", c.Services[1].Root)
	}

	bc := c.BootstrapConfig()
	if bc.Python != "/usr/bin/python3.11" || bc.VenvDir != ".runtime" || bc.StepTimeout != 90*time.Second || bc.TailLines != 5 {
		t.Fatalf("bootstrap: %+v", bc)
	}

	lc := c.LoggerConfig()
	if lc.Dir != filepath.Join(dir, "logs") || lc.Level != "debug" || lc.WorkerLogMaxBytes != 1024 {
		t.Fatalf("log: %+v", lc)
	}
	if lc.WorkerLogPath() != filepath.Join(dir, "logs", "workers.log") {
		t.Fatalf("worker log: %s", lc.WorkerLogPath())
	}

	if !c.RelayEnabled() {
		t.Fatal("relay should be enabled")
	}
	hc := c.RelayHostConfig()
	if hc.WorkDir != filepath.Join(dir, "relay") || strings.Join(hc.Command, " ") != "node relay.js" {
		t.Fatalf("relay host: %+v", hc)
	}
	ro := c.RelayOptions()
	if ro.DefaultTimeout != 10*time.Second || ro.LongTimeout != time.Hour || len(ro.LongOperations) != 1 {
		t.Fatalf("relay options: %+v", ro)
	}

	if c.Server.Engine != "echo" || c.Server.BasePath != "/v1" {
		t.Fatalf("server: %+v", c.Server)
	}
	if !c.Metrics.Enabled || !c.Metrics.Usage.Enabled || c.Metrics.Usage.Interval != 2*time.Second || c.Metrics.Usage.MaxHistory != 10 {
		t.Fatalf("metrics: %+v", c.Metrics)
	}
	if !c.History.Enabled || len(c.History.DSNs) != 1 {
		t.Fatalf("history: %+v", c.History)
	}

	genv := strings.Join(c.GlobalEnv, ",")
	for _, want := range []string{"SHARED=from-file", "QUOTED=x y", "OVERRIDE=top", "EXTRA=1"} {
		if !strings.Contains(genv, want) {
			t.Fatalf("global env %v missing %s", c.GlobalEnv, want)
		}
	}
	if v, _ := env.Lookup(c.WorkerEnv().ForWorker(tts.Env), "MODEL"); v != "large" {
		t.Fatalf("MODEL = %q", v)
	}

	reg, err := c.Registry()
	if err != nil {
		t.Fatal(err)
	}
	if reg.Len() != 2 {
		t.Fatalf("registry len = %d", reg.Len())
	}
}

func TestLoad_Errors(t *testing.T) {
	cases := map[string]string{
		"duplicate id": `
[[services]]
id = "a"
root = "a"
entry = "a"
base_url = "http://127.0.0.1:1"
[[services]]
id = "a"
root = "b"
entry = "b"
base_url = "http://127.0.0.1:2"
`,
		"missing entry": `
[[services]]
id = "a"
root = "a"
base_url = "http://127.0.0.1:1"
`,
		"unsafe id": `
[[services]]
id = "../etc"
root = "a"
entry = "a"
base_url = "http://127.0.0.1:1"
`,
		"bad engine": `
[server]
engine = "fiber"
`,
		"history without dsn": `
[history]
enabled = true
`,
		"missing env file": `
env_files = ["nope.env"]
`,
		"bad toml": `services = [`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			p := writeFile(t, t.TempDir(), "c.toml", data)
			if _, err := Load(p); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefault(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Services) != 0 || c.Server.Listen != DefaultListen || c.StopGrace != DefaultStopGrace {
		t.Fatalf("unexpected defaults: %+v", c.FileConfig)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestWorkerEnvWithoutOS(t *testing.T) {
	t.Setenv("SIDECAR_TEST_LEAK", "1")
	c := &Config{FileConfig: FileConfig{UseOSEnv: false}, GlobalEnv: []string{"A=1"}}
	out := c.WorkerEnv().Merge(nil)
	if _, ok := env.Lookup(out, "SIDECAR_TEST_LEAK"); ok {
		t.Fatal("OS environment leaked")
	}
	if v, _ := env.Lookup(out, "A"); v != "1" {
		t.Fatalf("A = %q", v)
	}
}

func TestLoadEnvFile(t *testing.T) {
	p := writeFile(t, t.TempDir(), ".env", "A=1\n#comment\nB=two\nnoequals\n=novalue\n")
	pairs, err := LoadEnvFile(p)
	if err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if strings.Join(pairs, ",") != "A=1,B=two" {
		t.Fatalf("unexpected pairs: %v", pairs)
	}
	if _, err := LoadEnvFile("/definitely/not/exist.env"); err == nil {
		t.Fatal("expected error for missing env file")
	}
}
