package registry

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Default values applied to definitions that leave them unset.
const (
	DefaultHealthPath     = "/health"
	DefaultStartupTimeout = 60 * time.Second
)

// ErrUnknownService is returned for lookups of ids that were never registered.
var ErrUnknownService = errors.New("unknown service")

// Definition describes one supervisable worker. It is loaded once at process
// start and never mutated afterwards.
type Definition struct {
	ID                string        `json:"id" mapstructure:"id"`
	DisplayName       string        `json:"display_name" mapstructure:"display_name"`
	Root              string        `json:"root" mapstructure:"root"`   // service root, used as working directory
	Entry             string        `json:"entry" mapstructure:"entry"` // entry module, launched as "-m <entry>"
	BaseURL           string        `json:"base_url" mapstructure:"base_url"`
	HealthPath        string        `json:"health_path" mapstructure:"health_path"`
	StartupTimeout    time.Duration `json:"startup_timeout" mapstructure:"startup_timeout"`
	BootstrapPackages []string      `json:"bootstrap_packages" mapstructure:"bootstrap_packages"`
	OwnsLog           bool          `json:"owns_log" mapstructure:"owns_log"` // worker writes its own log file; skip the shared sink
	Env               []string      `json:"env" mapstructure:"env"`
}

// HealthURL derives the readiness endpoint from BaseURL and HealthPath.
func (d Definition) HealthURL() string {
	p := d.HealthPath
	if p == "" {
		p = DefaultHealthPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(d.BaseURL, "/") + p
}

// Timeout returns StartupTimeout or the default when unset.
func (d Definition) Timeout() time.Duration {
	if d.StartupTimeout <= 0 {
		return DefaultStartupTimeout
	}
	return d.StartupTimeout
}

// Name returns the display name, falling back to the id.
func (d Definition) Name() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.ID
}

// Validate checks the fields required to launch and probe the worker.
func (d Definition) Validate() error {
	if !IsSafeID(d.ID) {
		return fmt.Errorf("service %q: id must match [A-Za-z0-9._-] without '..'", d.ID)
	}
	if strings.TrimSpace(d.Root) == "" {
		return fmt.Errorf("service %s: root is required", d.ID)
	}
	if strings.TrimSpace(d.Entry) == "" {
		return fmt.Errorf("service %s: entry is required", d.ID)
	}
	if d.BaseURL == "" {
		return fmt.Errorf("service %s: base_url is required", d.ID)
	}
	u, err := url.Parse(d.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("service %s: invalid base_url %q", d.ID, d.BaseURL)
	}
	if d.StartupTimeout < 0 {
		return fmt.Errorf("service %s: startup_timeout cannot be negative", d.ID)
	}
	for i, kv := range d.Env {
		if strings.IndexByte(kv, '=') <= 0 {
			return fmt.Errorf("service %s: env[%d] %q must be KEY=VALUE", d.ID, i, kv)
		}
	}
	return nil
}

// IsSafeID reports whether id can be used in file names and URL paths.
func IsSafeID(id string) bool {
	if id == "" || strings.Contains(id, "..") {
		return false
	}
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// Registry is a read-only set of definitions keyed by id.
type Registry struct {
	order []string
	defs  map[string]Definition
}

// New validates defs and builds a registry preserving their order.
func New(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.defs[d.ID]; dup {
			return nil, fmt.Errorf("duplicate service id %q", d.ID)
		}
		r.defs[d.ID] = d.clone()
		r.order = append(r.order, d.ID)
	}
	return r, nil
}

// Lookup returns a copy of the definition registered under id.
func (r *Registry) Lookup(id string) (Definition, bool) {
	d, ok := r.defs[id]
	if !ok {
		return Definition{}, false
	}
	return d.clone(), true
}

// List returns copies of all definitions in registration order.
func (r *Registry) List() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id].clone())
	}
	return out
}

// clone copies d so callers never share slices with the registry.
func (d Definition) clone() Definition {
	d.BootstrapPackages = append([]string(nil), d.BootstrapPackages...)
	d.Env = append([]string(nil), d.Env...)
	return d
}

// IDs returns registered ids in registration order.
func (r *Registry) IDs() []string { return append([]string(nil), r.order...) }

func (r *Registry) Len() int { return len(r.order) }
