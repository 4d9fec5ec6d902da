package main

import (
	"io"
	"sort"
	"strings"
	"testing"
)

func TestRootCommandTree(t *testing.T) {
	root := buildRoot(&command{out: io.Discard})

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	sort.Strings(names)
	want := "list relay restart serve start status stop usage validate watch"
	if got := strings.Join(filterBuiltins(names), " "); got != want {
		t.Fatalf("subcommands = %q, want %q", got, want)
	}

	for _, f := range []string{"config", "api-url", "api-timeout", "json"} {
		if root.PersistentFlags().Lookup(f) == nil {
			t.Errorf("missing persistent flag --%s", f)
		}
	}

	relay, _, err := root.Find([]string{"relay", "send"})
	if err != nil || relay.Flags().Lookup("timeout") == nil {
		t.Fatalf("relay send missing --timeout: %v", err)
	}
	serve, _, err := root.Find([]string{"serve"})
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range []string{"daemonize", "pidfile", "logfile"} {
		if serve.Flags().Lookup(f) == nil {
			t.Errorf("serve missing --%s", f)
		}
	}
}

// filterBuiltins drops the commands cobra adds on its own.
func filterBuiltins(names []string) []string {
	out := names[:0]
	for _, n := range names {
		if n == "help" || n == "completion" {
			continue
		}
		out = append(out, n)
	}
	return out
}

func TestArgsAreChecked(t *testing.T) {
	if _, err := run(t, "status"); err == nil {
		t.Fatal("status without a service should fail")
	}
	if _, err := run(t, "relay", "send"); err == nil {
		t.Fatal("relay send without a name should fail")
	}
	if _, err := run(t, "list", "extra"); err == nil {
		t.Fatal("list takes no arguments")
	}
}
