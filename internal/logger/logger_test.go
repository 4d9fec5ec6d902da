package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestFileWriter_Defaults(t *testing.T) {
	if w := (Config{}).FileWriter(); w != nil {
		t.Fatalf("expected nil writer when File is empty")
	}
	w := Config{Dir: "/var/lib/sidecar", File: "daemon.log"}.FileWriter()
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger")
	}
	if l.Filename != filepath.Join("/var/lib/sidecar", "daemon.log") {
		t.Fatalf("relative file not resolved against dir: %s", l.Filename)
	}
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}
}

func TestFileWriter_Overrides(t *testing.T) {
	w := Config{File: "/tmp/x.log", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}.FileWriter()
	l := w.(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
}

func TestWorkerLogPath(t *testing.T) {
	if p := (Config{}).WorkerLogPath(); p != "" {
		t.Fatalf("expected disabled sink, got %q", p)
	}
	if p := (Config{Dir: "/logs"}).WorkerLogPath(); p != filepath.Join("/logs", DefaultWorkerLogName) {
		t.Fatalf("default path = %q", p)
	}
	if p := (Config{Dir: "/logs", WorkerLog: "w.log"}).WorkerLogPath(); p != filepath.Join("/logs", "w.log") {
		t.Fatalf("relative path = %q", p)
	}
}

func TestNewWritesConsoleAndFile(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	log, closer := New(Config{Dir: dir, File: "daemon.log", NoColor: true}, &console)
	log.Info("hello", "service", "asr")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(console.String(), "service=asr") {
		t.Fatalf("console missing record: %q", console.String())
	}
	b, err := os.ReadFile(filepath.Join(dir, "daemon.log"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"service":"asr"`) {
		t.Fatalf("file missing JSON record: %q", string(b))
	}
}

func TestColorHandlerLevelPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))
	l.With("service", "tts").Warn("slow start")
	out := buf.String()
	if !strings.Contains(out, "WARN") || !strings.Contains(out, "service=tts") {
		t.Fatalf("unexpected output: %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("time should be dropped when showTime=false: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("DEBUG") != slog.LevelDebug || ParseLevel("warning") != slog.LevelWarn ||
		ParseLevel("error") != slog.LevelError || ParseLevel("") != slog.LevelInfo {
		t.Fatal("level mapping mismatch")
	}
}

func TestSinkPrefixesLines(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nested", "workers.log")
	s := NewSink(p, 1024)
	s.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	if err := s.Line("asr", "loading model\n"); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	want := "2026-01-02T03:04:05Z [asr] loading model\n"
	if string(b) != want {
		t.Fatalf("got %q want %q", string(b), want)
	}
}

func TestSinkTruncatesPastCeiling(t *testing.T) {
	p := filepath.Join(t.TempDir(), "workers.log")
	s := NewSink(p, 100)
	for i := 0; i < 10; i++ {
		if err := s.Line("seg", strings.Repeat("x", 20)); err != nil {
			t.Fatal(err)
		}
	}
	_ = s.Close()
	st, err := os.Stat(p)
	if err != nil {
		t.Fatal(err)
	}
	if st.Size() > 100 {
		t.Fatalf("sink grew past ceiling: %d", st.Size())
	}
	// rotation would leave siblings behind
	entries, _ := os.ReadDir(filepath.Dir(p))
	if len(entries) != 1 {
		t.Fatalf("expected a single log file, found %d", len(entries))
	}
}

func TestSinkClipsOversizedRecord(t *testing.T) {
	p := filepath.Join(t.TempDir(), "workers.log")
	s := NewSink(p, 64)
	if err := s.Line("asr", strings.Repeat("é", 100)); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) > 64 {
		t.Fatalf("record of %d bytes written past the %d byte ceiling", len(b), 64)
	}
	if !strings.HasSuffix(string(b), "\n") || !utf8.Valid(b) {
		t.Fatalf("clipped record is not a valid line: %q", b)
	}
	if !strings.Contains(string(b), "[asr] é") {
		t.Fatalf("clipped record lost its prefix: %q", b)
	}
}

func TestSinkReopenKeepsSize(t *testing.T) {
	p := filepath.Join(t.TempDir(), "workers.log")
	s := NewSink(p, 4096)
	_ = s.Line("a", "one")
	_ = s.Close()
	_ = s.Line("a", "two")
	_ = s.Close()
	b, _ := os.ReadFile(p)
	if strings.Count(string(b), "\n") != 2 {
		t.Fatalf("expected append across reopen: %q", string(b))
	}
}
