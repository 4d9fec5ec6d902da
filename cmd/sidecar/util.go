package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// apiURLFor builds the command surface URL for a listen address. Wildcard
// hosts are reached through loopback.
func apiURLFor(listen, basePath string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen + basePath
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + basePath
}

func pidString(pid int) string {
	if pid <= 0 {
		return "-"
	}
	return strconv.Itoa(pid)
}

func shortAttempt(a string) string {
	if len(a) > 8 {
		return a[:8]
	}
	if a == "" {
		return "-"
	}
	return a
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}
