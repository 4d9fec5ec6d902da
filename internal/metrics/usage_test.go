package metrics

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUsageCollectorDefaults(t *testing.T) {
	c := NewUsageCollector(UsageConfig{Enabled: true})
	assert.True(t, c.Enabled())
	assert.Equal(t, 5*time.Second, c.interval)
	assert.Equal(t, 100, c.maxHistory)

	c = NewUsageCollector(UsageConfig{Interval: time.Second, MaxHistory: 3})
	assert.False(t, c.Enabled())
	assert.Equal(t, time.Second, c.interval)
	assert.Equal(t, 3, c.maxHistory)
}

func TestUsageHistoryIsBounded(t *testing.T) {
	c := NewUsageCollector(UsageConfig{Enabled: true, MaxHistory: 3})
	base := time.Now()
	for i := 0; i < 5; i++ {
		c.Record(map[string]Sample{"asr": {PID: 10, CPUPercent: float64(i), Timestamp: base.Add(time.Duration(i) * time.Second)}})
	}

	hist, ok := c.History("asr")
	require.True(t, ok)
	require.Len(t, hist, 3)
	assert.Equal(t, []float64{2, 3, 4}, []float64{hist[0].CPUPercent, hist[1].CPUPercent, hist[2].CPUPercent})

	latest, ok := c.Latest("asr")
	require.True(t, ok)
	assert.Equal(t, 4.0, latest.CPUPercent)
}

func TestUsageForgetsStoppedWorkers(t *testing.T) {
	reg := prometheus.NewRegistry()
	regOK.Store(false)
	require.NoError(t, Register(reg))

	c := NewUsageCollector(UsageConfig{Enabled: true})
	c.Record(map[string]Sample{
		"asr": {PID: 1, MemoryMB: 100},
		"tts": {PID: 2, MemoryMB: 200},
	})
	c.Record(map[string]Sample{"tts": {PID: 2, MemoryMB: 210}})

	_, ok := c.Latest("asr")
	assert.False(t, ok, "stopped worker should be forgotten")
	s, ok := c.Latest("tts")
	require.True(t, ok)
	assert.Equal(t, 210.0, s.MemoryMB)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != "sidecar_worker_memory_mb" {
			continue
		}
		for _, m := range mf.GetMetric() {
			assert.NotEqual(t, "asr", label(m, "service"))
		}
	}
}

func TestUsageCollectorStartStop(t *testing.T) {
	c := NewUsageCollector(UsageConfig{Enabled: true, Interval: 10 * time.Millisecond})
	var calls atomic.Int32
	c.Start(context.Background(), func() map[string]Sample {
		calls.Add(1)
		return map[string]Sample{"seg": {PID: 3, Timestamp: time.Now()}}
	})
	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	c.Stop()
	c.Stop() // idempotent

	n := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, calls.Load(), "sampling continued after Stop")
	_, ok := c.Latest("seg")
	assert.True(t, ok)
}

func TestDisabledCollectorDoesNothing(t *testing.T) {
	c := NewUsageCollector(UsageConfig{Enabled: false, Interval: time.Millisecond})
	c.Start(context.Background(), func() map[string]Sample {
		t.Error("disabled collector sampled")
		return nil
	})
	time.Sleep(20 * time.Millisecond)
	c.Stop()
}
