package monitoring

import (
	"runtime"
	"sync"
	"time"
)

// ResourceSample is a point-in-time view of process resource usage.
type ResourceSample struct {
	CPUPercent     float64
	MemoryPercent  float64
	MemoryUsage    int64
	MemoryTotal    int64
	GoroutineCount int
	GCPauseTime    time.Duration
	Timestamp      time.Time
}

// ResourceSampler collects process resource usage from the Go runtime.
type ResourceSampler struct {
	mu                 sync.Mutex
	lastGCStats        runtime.MemStats
	gcStatsInitialized bool
}

// NewResourceSampler creates a new resource sampler.
func NewResourceSampler() *ResourceSampler {
	return &ResourceSampler{}
}

// Sample reads current runtime metrics. CPU usage is estimated from the
// runtime's GC CPU fraction since the process has no portable per-core
// counter without cgo.
func (rs *ResourceSampler) Sample() ResourceSample {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	sample := ResourceSample{
		MemoryUsage:    int64(memStats.Alloc),
		MemoryTotal:    int64(memStats.Sys),
		GoroutineCount: runtime.NumGoroutine(),
		Timestamp:      time.Now(),
	}

	if sample.MemoryTotal > 0 {
		sample.MemoryPercent = float64(sample.MemoryUsage) / float64(sample.MemoryTotal) * 100
	}

	sample.CPUPercent = memStats.GCCPUFraction * 100 * float64(runtime.NumCPU())
	if sample.CPUPercent > 100 {
		sample.CPUPercent = 100
	}

	if rs.gcStatsInitialized && memStats.NumGC > rs.lastGCStats.NumGC {
		totalPause := memStats.PauseTotalNs - rs.lastGCStats.PauseTotalNs
		numGCs := memStats.NumGC - rs.lastGCStats.NumGC
		sample.GCPauseTime = time.Duration(totalPause / uint64(numGCs))
	}
	rs.gcStatsInitialized = true
	rs.lastGCStats = memStats

	return sample
}

// MemoryPressure returns a 0-1 indicator of heap usage against the amount
// of memory obtained from the OS.
func (rs *ResourceSampler) MemoryPressure() float64 {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	if memStats.Sys == 0 {
		return 0
	}
	return float64(memStats.Alloc) / float64(memStats.Sys)
}
