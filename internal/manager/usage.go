package manager

import (
	"github.com/loykin/sidecar/internal/metrics"
)

// sampleUsage reads every tracked worker for the usage collector.
func (m *Manager) sampleUsage() map[string]metrics.Sample {
	out := make(map[string]metrics.Sample)
	for _, id := range m.reg.IDs() {
		u, err := m.sup.Usage(id)
		if err != nil {
			continue
		}
		out[id] = metrics.Sample{
			PID:        u.PID,
			CPUPercent: u.CPUPercent,
			MemoryMB:   u.MemoryMB,
			NumThreads: u.NumThreads,
			NumFDs:     u.NumFDs,
			Timestamp:  u.Timestamp,
		}
	}
	return out
}
