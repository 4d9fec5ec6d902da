package process

import (
	"fmt"
	"runtime"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Usage is a resource snapshot of one worker process.
type Usage struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	StartedAt  time.Time `json:"started_at"`
	Timestamp  time.Time `json:"timestamp"`
}

// Usage samples CPU and memory of the tracked worker id.
func (s *Supervisor) Usage(id string) (Usage, error) {
	h := s.handle(id)
	if h == nil {
		return Usage{}, ErrNotTracked
	}
	return sample(h.pid, h.startedAt)
}

func sample(pid int, startedAt time.Time) (Usage, error) {
	proc, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	u := Usage{PID: pid, StartedAt: startedAt, Timestamp: time.Now()}
	if cpu, err := proc.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("memory info for pid %d: %w", pid, err)
	}
	u.MemoryRSS = mem.RSS
	u.MemoryMB = float64(mem.RSS) / 1024 / 1024
	if n, err := proc.NumThreads(); err == nil {
		u.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			u.NumFDs = n
		}
	}
	return u, nil
}
