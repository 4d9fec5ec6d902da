package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// WorkerIO is forced into every worker environment so Python flushes output
// line by line and decodes/encodes its standard streams as UTF-8.
var WorkerIO = []string{
	"PYTHONUNBUFFERED=1",
	"PYTHONIOENCODING=utf-8",
	"PYTHONUTF8=1",
}

type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = parse(os.Environ())
}

// FromKVs uses kvs instead of the OS environment as the base. A nil list
// yields an empty base.
func (e *Env) FromKVs(kvs []string) {
	e.env = parse(kvs)
}

// WithSet returns a copy of e with K=V applied. The receiver is not modified.
func (e *Env) WithSet(k, v string) *Env {
	n := &Env{Var: make(Var, len(e.Var)+1), env: e.env}
	for kk, vv := range e.Var {
		n.Var[kk] = vv
	}
	if k != "" {
		n.Var[k] = v
	}
	return n
}

// WithKVs applies a list of "KEY=VALUE" entries; malformed entries are skipped.
func (e *Env) WithKVs(kvs []string) *Env {
	n := e
	for k, v := range parse(kvs) {
		n = n.WithSet(k, v)
	}
	return n
}

// Merge composes the final environment list applying order:
// base = OS env (or cached)
// then apply global e.Var overrides
// then apply perProc (slice of "K=V") overrides
// Returns the environment slice in "K=V" form, with ${VAR} expansion performed
// using the composed map (simple expansion, no recursion). Output is sorted.
func (e *Env) Merge(perProc []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(perProc))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range parse(perProc) {
		m[k] = v
	}
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	out := make([]string, 0, len(expanded))
	for k, v := range expanded {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// ForWorker merges perService on top of the global environment and then
// forces WorkerIO, which always wins.
func (e *Env) ForWorker(perService []string) []string {
	kvs := make([]string, 0, len(perService)+len(WorkerIO))
	kvs = append(kvs, perService...)
	kvs = append(kvs, WorkerIO...)
	return e.Merge(kvs)
}

// Lookup returns the value of k inside a "K=V" list.
func Lookup(kvs []string, k string) (string, bool) {
	v, ok := parse(kvs)[k]
	return v, ok
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
