package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"repopulse/internal/cache"
	"repopulse/internal/telemetry"
)

// Run outcomes.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailure = "failure"
	OutcomeAborted = "aborted"
)

// Report is the performance summary of one run.
type Report struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	TotalTime  time.Duration `json:"total_time_ns"`
	Outcome    string        `json:"outcome"`
	ExitCode   int           `json:"exit_code"`
	// Error is the run-level failure, if any.
	Error string `json:"error,omitempty"`

	Items     int `json:"items"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`
	Cancelled int `json:"cancelled"`

	Operations     []telemetry.OperationStats `json:"operations"`
	PeakMemory     uint64                     `json:"peak_memory_bytes"`
	Cache          CacheReport                `json:"cache"`
	CallsMade      int64                      `json:"calls_made"`
	CallsSaved     int64                      `json:"calls_saved"`
	DroppedSamples uint64                     `json:"dropped_samples"`
	Alerts         []telemetry.Alert          `json:"alerts"`
	Failures       []Failure                  `json:"failures"`
	History        []telemetry.RunSummary     `json:"history,omitempty"`
}

type CacheReport struct {
	Enabled bool        `json:"enabled"`
	HitRate float64     `json:"hit_rate"`
	Stats   cache.Stats `json:"stats"`
}

// Failure describes one work item that did not succeed.
type Failure struct {
	Item     string        `json:"item"`
	Status   string        `json:"status"`
	Kind     string        `json:"kind,omitempty"`
	Cause    string        `json:"cause"`
	Retries  int           `json:"retries"`
	Duration time.Duration `json:"duration_ns"`
}

// ReportSink writes the Report as indented JSON on Close. The file is
// replaced atomically so readers never observe a partial report.
type ReportSink struct {
	path   string
	mu     sync.Mutex
	report *Report
}

func NewReportSink(path string) (*ReportSink, error) {
	if path == "" {
		return nil, fmt.Errorf("report path required")
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	return &ReportSink{path: path}, nil
}

func (s *ReportSink) Write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch t := v.(type) {
	case Report:
		s.report = &t
	case *Report:
		if t != nil {
			cp := *t
			s.report = &cp
		}
	}
	return nil
}

// Close writes the last Report received. Without one nothing is written.
func (s *ReportSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.report == nil {
		return nil
	}
	data, err := json.MarshalIndent(s.report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	data = append(data, '\n')
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("write report %s: %w", s.path, err)
	}
	s.report = nil
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer func() { _ = os.Remove(name) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(name, path)
}
