package factory

import (
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loykin/sidecar/internal/history/clickhouse"
	"github.com/loykin/sidecar/internal/history/opensearch"
	"github.com/loykin/sidecar/internal/history/sqlite"
)

func TestFactoryDSNTypes(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name        string
		dsn         string
		expectError bool
	}{
		{"Empty DSN", "", true},
		{"Invalid scheme", "invalid://test", true},
		{"OpenSearch DSN", "opensearch://localhost:9200/service-logs", false},
		{"Elasticsearch DSN", "elasticsearch://localhost:9200", false},
		{"OpenSearch without host", "opensearch:///idx", true},
		{"SQLite file DSN", "sqlite://" + filepath.Join(dir, "a.db"), false},
		{"SQLite memory DSN", "sqlite://:memory:", false},
		{"SQLite bare path", filepath.Join(dir, "b.db"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewSinkFromDSN(tt.dsn)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error for DSN %q, got nil", tt.dsn)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for DSN %q: %v", tt.dsn, err)
			}
			if sink == nil {
				t.Fatalf("expected non-nil sink for DSN %q", tt.dsn)
			}
			if closer, ok := sink.(io.Closer); ok {
				_ = closer.Close()
			}
		})
	}
}

func TestFactorySelectsImplementation(t *testing.T) {
	s, err := NewSinkFromDSN(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*sqlite.Sink); !ok {
		t.Fatalf("expected sqlite sink, got %T", s)
	}
	_ = s.(io.Closer).Close()

	s, err = NewSinkFromDSN("opensearch://search:9200/idx")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*opensearch.Sink); !ok {
		t.Fatalf("expected opensearch sink, got %T", s)
	}
}

func TestParseClickHouseDSN(t *testing.T) {
	tests := []struct {
		dsn  string
		want clickhouse.Config
	}{
		{"clickhouse://localhost:9000?table=events", clickhouse.Config{Addr: "localhost:9000", Table: "events"}},
		{"clickhouse://ch:9440", clickhouse.Config{Addr: "ch:9440", Table: clickhouse.DefaultTable}},
		{"clickhouse://", clickhouse.Config{Addr: "localhost:9000", Table: clickhouse.DefaultTable}},
		{"clickhouse://bob:secret@ch:9000?database=ops", clickhouse.Config{Addr: "ch:9000", Database: "ops", Username: "bob", Password: "secret", Table: clickhouse.DefaultTable}},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			got, err := parseClickHouseDSN(tt.dsn)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseOpenSearchDSN(t *testing.T) {
	tests := []struct {
		dsn       string
		wantBase  string
		wantIndex string
	}{
		{"opensearch://localhost:9200/service-logs", "http://localhost:9200", "service-logs"},
		{"opensearch://localhost:9200", "http://localhost:9200", opensearch.DefaultIndex},
		{"opensearch://search.internal:443/logs?tls=true", "https://search.internal:443", "logs"},
		{"elasticsearch://es:9200/events/", "http://es:9200", "events"},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			base, index, err := parseOpenSearchDSN(tt.dsn)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if base != tt.wantBase || index != tt.wantIndex {
				t.Fatalf("got (%s, %s), want (%s, %s)", base, index, tt.wantBase, tt.wantIndex)
			}
		})
	}
}

func TestNewSinksClosesOnFailure(t *testing.T) {
	sinks, err := NewSinks([]string{":memory:", "", "bogus://x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if sinks != nil {
		t.Fatalf("expected no sinks, got %d", len(sinks))
	}

	sinks, err = NewSinks([]string{":memory:", " ", "opensearch://os:9200"})
	if err != nil {
		t.Fatal(err)
	}
	if len(sinks) != 2 {
		t.Fatalf("expected 2 sinks, got %d", len(sinks))
	}
	_ = sinks[0].(io.Closer).Close()
}

func TestRedact(t *testing.T) {
	r := redact("postgres://user:hunter2@db:5432/x")
	if strings.Contains(r, "hunter2") {
		t.Fatalf("password leaked: %s", r)
	}
	if redact("/tmp/a.db") != "/tmp/a.db" {
		t.Fatal("plain path changed")
	}
}
