package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"
)

func TestPidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "sidecar.pid")

	if err := writePidFile(pidFile, 4321); err != nil {
		t.Fatalf("writePidFile failed: %v", err)
	}
	b, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := strconv.Atoi(string(b)); got != 4321 {
		t.Fatalf("pid file holds %q", b)
	}

	if err := removePidFile(pidFile); err != nil {
		t.Fatalf("removePidFile failed: %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatal("PID file was not removed")
	}
	// removing twice or removing nothing is not an error
	if err := removePidFile(pidFile); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if err := removePidFile(""); err != nil {
		t.Fatalf("empty remove: %v", err)
	}
}

func TestDaemonArgsDropDaemonize(t *testing.T) {
	in := []string{"serve", "--daemonize", "--pidfile", "s.pid", "--daemonize=true", "--logfile", "s.out", "sidecar.toml"}
	want := []string{"serve", "--pidfile", "s.pid", "--logfile", "s.out", "sidecar.toml"}
	if got := daemonArgs(in); !reflect.DeepEqual(got, want) {
		t.Fatalf("daemonArgs = %v, want %v", got, want)
	}
}
