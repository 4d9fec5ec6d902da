package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	usageCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sidecar",
			Subsystem: "worker",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of running workers.",
		}, []string{"service"},
	)
	usageMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sidecar",
			Subsystem: "worker",
			Name:      "memory_mb",
			Help:      "Resident memory in MB of running workers.",
		}, []string{"service"},
	)
	usageThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sidecar",
			Subsystem: "worker",
			Name:      "num_threads",
			Help:      "Number of threads of running workers.",
		}, []string{"service"},
	)
	usageFDs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sidecar",
			Subsystem: "worker",
			Name:      "num_fds",
			Help:      "Open file descriptors of running workers (Unix only).",
		}, []string{"service"},
	)
)

// Sample is one resource reading of a worker.
type Sample struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type UsageConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ring keeps the last n samples of one worker.
type ring struct {
	buf   []Sample
	start int
	count int
}

func (r *ring) add(s Sample) {
	if r.count < len(r.buf) {
		r.buf[r.count] = s
		r.count++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) latest() (Sample, bool) {
	if r.count == 0 {
		return Sample{}, false
	}
	if r.count < len(r.buf) {
		return r.buf[r.count-1], true
	}
	return r.buf[(r.start-1+len(r.buf))%len(r.buf)], true
}

func (r *ring) ordered() []Sample {
	out := make([]Sample, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// UsageCollector periodically samples running workers, exports the readings
// as gauges and keeps a short history per worker.
type UsageCollector struct {
	enabled    bool
	interval   time.Duration
	maxHistory int

	mu      sync.RWMutex
	history map[string]*ring

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewUsageCollector(cfg UsageConfig) *UsageCollector {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	return &UsageCollector{
		enabled:    cfg.Enabled,
		interval:   cfg.Interval,
		maxHistory: cfg.MaxHistory,
		history:    make(map[string]*ring),
		stopCh:     make(chan struct{}),
	}
}

func (c *UsageCollector) Enabled() bool { return c.enabled }

// Start samples every interval until ctx is done or Stop is called. sample
// returns the current reading for each running worker.
func (c *UsageCollector) Start(ctx context.Context, sample func() map[string]Sample) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Record(sample())
			}
		}
	}()
}

func (c *UsageCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Record stores one round of samples. Workers missing from samples are
// forgotten and their gauges removed.
func (c *UsageCollector) Record(samples map[string]Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range samples {
		r, ok := c.history[id]
		if !ok {
			r = &ring{buf: make([]Sample, c.maxHistory)}
			c.history[id] = r
		}
		r.add(s)
		if regOK.Load() {
			usageCPU.WithLabelValues(id).Set(s.CPUPercent)
			usageMemory.WithLabelValues(id).Set(s.MemoryMB)
			usageThreads.WithLabelValues(id).Set(float64(s.NumThreads))
			if runtime.GOOS != "windows" && s.NumFDs > 0 {
				usageFDs.WithLabelValues(id).Set(float64(s.NumFDs))
			}
		}
	}
	for id := range c.history {
		if _, ok := samples[id]; ok {
			continue
		}
		delete(c.history, id)
		usageCPU.DeleteLabelValues(id)
		usageMemory.DeleteLabelValues(id)
		usageThreads.DeleteLabelValues(id)
		usageFDs.DeleteLabelValues(id)
		slog.Debug("usage history dropped", "service", id)
	}
}

// Latest returns the most recent sample of a worker.
func (c *UsageCollector) Latest(id string) (Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.history[id]
	if !ok {
		return Sample{}, false
	}
	return r.latest()
}

// History returns the samples of a worker in chronological order.
func (c *UsageCollector) History(id string) ([]Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.history[id]
	if !ok || r.count == 0 {
		return nil, false
	}
	return r.ordered(), true
}
