package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestAPIURLFor(t *testing.T) {
	cases := []struct{ listen, base, want string }{
		{"127.0.0.1:7788", "/api", "http://127.0.0.1:7788/api"},
		{"0.0.0.0:8080", "/api", "http://127.0.0.1:8080/api"},
		{":9000", "", "http://127.0.0.1:9000"},
		{"[::]:9000", "/x", "http://127.0.0.1:9000/x"},
		{"[::1]:9000", "/x", "http://[::1]:9000/x"},
		{"localhost", "/api", "http://localhost/api"},
	}
	for _, c := range cases {
		if got := apiURLFor(c.listen, c.base); got != c.want {
			t.Errorf("apiURLFor(%q, %q) = %q, want %q", c.listen, c.base, got, c.want)
		}
	}
}

func TestFormatting(t *testing.T) {
	if pidString(0) != "-" || pidString(12) != "12" {
		t.Fatal("pidString")
	}
	if shortAttempt("") != "-" || shortAttempt("abc") != "abc" || shortAttempt("0123456789") != "01234567" {
		t.Fatal("shortAttempt")
	}
	if firstLine("one") != "one" || firstLine("one\ntwo") != "one …" {
		t.Fatal("firstLine")
	}
}

func TestPrintJSON(t *testing.T) {
	var b bytes.Buffer
	if err := printJSON(&b, map[string]int{"a": 1}); err != nil {
		t.Fatal(err)
	}
	if b.String() != "{\n  \"a\": 1\n}\n" {
		t.Fatalf("printJSON = %q", b.String())
	}
	if err := printJSON(&b, func() {}); err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestTableAlignsColumns(t *testing.T) {
	var b bytes.Buffer
	u := newUI(&b)
	u.Table([]string{"ID", "STATUS"}, [][]string{{"asr", u.Status("running")}, {"segmentation", u.Status("error")}})
	lines := strings.Split(strings.TrimRight(b.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	col := strings.Index(lines[0], "STATUS")
	if strings.Index(lines[1], "running") != col || strings.Index(lines[2], "error") != col {
		t.Fatalf("columns not aligned:\n%s", b.String())
	}
}
