package checkpoint

import (
	"runtime"
	"time"
)

// CaptureMetrics builds PerformanceMetrics from the run start time and the
// current heap usage. agentTimes may be nil.
func CaptureMetrics(start, now time.Time, agentTimes map[string]float64) PerformanceMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m := PerformanceMetrics{
		ElapsedMs: float64(now.Sub(start)) / float64(time.Millisecond),
		MemoryMB:  float64(ms.HeapAlloc) / (1024 * 1024),
	}
	if len(agentTimes) > 0 {
		m.AgentExecutionTimes = make(map[string]float64, len(agentTimes))
		for k, v := range agentTimes {
			m.AgentExecutionTimes[k] = v
		}
	}
	return m
}
