package telemetry

import "time"

// Standard outcomes. Components may record more specific ones (a git
// strategy name, for instance).
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Sample is one timed operation.
type Sample struct {
	Operation   string
	StartedAt   time.Time
	Duration    time.Duration
	MemoryDelta int64
	Outcome     string
	Failed      bool
}

// OperationStats summarizes the samples of one operation. Count, Failures,
// Total and Max are cumulative; Mean, P50 and P95 cover the recent window.
type OperationStats struct {
	Operation       string        `json:"operation"`
	Count           int64         `json:"count"`
	Failures        int64         `json:"failures"`
	Total           time.Duration `json:"total_ns"`
	Mean            time.Duration `json:"mean_ns"`
	P50             time.Duration `json:"p50_ns"`
	P95             time.Duration `json:"p95_ns"`
	Max             time.Duration `json:"max_ns"`
	PeakMemoryDelta int64         `json:"peak_memory_delta_bytes"`
}

type AlertKind string

const (
	AlertSlowOperation AlertKind = "slow_operation"
	AlertLowHitRate    AlertKind = "low_cache_hit_rate"
)

type Alert struct {
	Kind      AlertKind     `json:"kind"`
	Operation string        `json:"operation,omitempty"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
	Threshold time.Duration `json:"threshold_ns,omitempty"`
	HitRate   float64       `json:"hit_rate,omitempty"`
	At        time.Time     `json:"at"`
	Message   string        `json:"message"`
}

// Snapshot is a deep copy of the recorder state.
type Snapshot struct {
	Operations  map[string]OperationStats `json:"operations"`
	Counters    map[string]int64          `json:"counters"`
	CacheHits   uint64                    `json:"cache_hits"`
	CacheMisses uint64                    `json:"cache_misses"`
	Dropped     uint64                    `json:"dropped_samples"`
	Alerts      []Alert                   `json:"alerts"`
}

// HitRate is the cumulative cache hit rate, zero before any lookup.
func (s Snapshot) HitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}
