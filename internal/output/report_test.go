package output

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"repopulse/internal/cache"
	"repopulse/internal/telemetry"
)

func sampleReport() *Report {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Report{
		RunID:      "run-1",
		StartedAt:  started,
		FinishedAt: started.Add(90 * time.Second),
		TotalTime:  90 * time.Second,
		Outcome:    OutcomePartial,
		ExitCode:   1,
		Items:      3,
		Succeeded:  2,
		Failed:     1,
		Operations: []telemetry.OperationStats{
			{Operation: "git.acquire", Count: 3, Total: 60 * time.Second, Mean: 20 * time.Second, P95: 30 * time.Second, Max: 30 * time.Second},
			{Operation: "api.dispatch", Count: 4, Failures: 1, Total: 2 * time.Second, Mean: 500 * time.Millisecond},
		},
		PeakMemory: 300 << 20,
		Cache: CacheReport{
			Enabled: true,
			HitRate: 0.75,
			Stats:   cache.Stats{Hits: 3, Misses: 1, SizeBytes: 2048, DiskBytes: 4096},
		},
		CallsMade:  4,
		CallsSaved: 6,
		Alerts: []telemetry.Alert{
			{Kind: telemetry.AlertSlowOperation, Operation: "git.acquire", Message: "git.acquire took 30s"},
		},
		Failures: []Failure{
			{Item: "acme/api", Status: "failed", Kind: "permanent", Cause: "api.fetch: GET repos/acme/api: not found", Retries: 0},
		},
	}
}

func TestReportSink_WritesJSONAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "report.json")

	s, err := NewReportSink(path)
	if err != nil {
		t.Fatalf("NewReportSink failed: %v", err)
	}
	if err := s.Write(Event{Type: EventRunStarted, Items: 3}); err != nil {
		t.Fatalf("Write event failed: %v", err)
	}
	if err := s.Write(sampleReport()); err != nil {
		t.Fatalf("Write report failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var got Report
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	if got.RunID != "run-1" || got.Outcome != OutcomePartial || got.Items != 3 {
		t.Fatalf("Expected run-1/partial/3, got %s/%s/%d", got.RunID, got.Outcome, got.Items)
	}
	if len(got.Failures) != 1 || got.Failures[0].Item != "acme/api" {
		t.Fatalf("Expected one failure for acme/api, got %+v", got.Failures)
	}
	if got.Cache.Stats.Hits != 3 {
		t.Fatalf("Expected cache hits 3, got %d", got.Cache.Stats.Hits)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected only the report file, found %d entries", len(entries))
	}
}

func TestReportSink_ReplacesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	if err := os.WriteFile(path, []byte("stale"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	s, err := NewReportSink(path)
	if err != nil {
		t.Fatalf("NewReportSink failed: %v", err)
	}
	_ = s.Write(*sampleReport())
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	b, _ := os.ReadFile(path)
	if !json.Valid(b) {
		t.Fatalf("Expected the stale file to be replaced by JSON, got %q", string(b))
	}
}

func TestReportSink_NoReportWritesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	s, err := NewReportSink(path)
	if err != nil {
		t.Fatalf("NewReportSink failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("Expected no report file, stat err=%v", err)
	}
}

func TestReportSink_RequiresPath(t *testing.T) {
	if _, err := NewReportSink(""); err == nil {
		t.Fatalf("Expected error for empty path")
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		name      string
		items     int
		succeeded int
		aborted   bool
		want      string
	}{
		{"all succeeded", 3, 3, false, OutcomeSuccess},
		{"empty run", 0, 0, false, OutcomeSuccess},
		{"some succeeded", 3, 1, false, OutcomePartial},
		{"none succeeded", 3, 0, false, OutcomeFailure},
		{"aborted wins", 3, 3, true, OutcomeAborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Outcome(tt.items, tt.succeeded, tt.aborted); got != tt.want {
				t.Fatalf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestSortedOperations(t *testing.T) {
	ops := map[string]telemetry.OperationStats{
		"b": {Operation: "b", Total: time.Second},
		"a": {Operation: "a", Total: time.Second},
		"c": {Operation: "c", Total: time.Minute},
	}
	got := SortedOperations(ops)
	if len(got) != 3 || got[0].Operation != "c" || got[1].Operation != "a" || got[2].Operation != "b" {
		t.Fatalf("Expected c, a, b; got %+v", got)
	}
}

func TestReportSummary(t *testing.T) {
	r := sampleReport()
	s := r.Summary()
	if s.RunID != r.RunID || s.Items != 3 || s.ExitCode != 1 || s.CacheHitRate != 0.75 {
		t.Fatalf("Expected summary to mirror report, got %+v", s)
	}
	if _, ok := s.Operations["git.acquire"]; !ok {
		t.Fatalf("Expected git.acquire in summary operations")
	}
	var nilReport *Report
	if got := nilReport.Summary(); got.RunID != "" {
		t.Fatalf("Expected zero summary for nil report")
	}
}

func TestNormalizeReason(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"api.fetch: GET x: not found", "GET x: not found"},
		{"  spaced   out  ", "spaced out"},
		{"plain error: detail", "plain error: detail"},
		{"", "unknown cause"},
	}
	for _, tt := range tests {
		if got := normalizeReason(tt.in); got != tt.want {
			t.Fatalf("normalizeReason(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}

func TestGroupFailures(t *testing.T) {
	groups := groupFailures([]Failure{
		{Item: "b", Cause: "timeout"},
		{Item: "a", Cause: "timeout"},
		{Item: "c", Cause: "not found"},
	})
	if len(groups) != 2 {
		t.Fatalf("Expected 2 groups, got %d", len(groups))
	}
	if groups[0].Reason != "timeout" || groups[0].Items[0] != "a" {
		t.Fatalf("Expected largest group first with sorted items, got %+v", groups[0])
	}
	if got := formatItemList([]string{"a", "b", "c"}, 2); got != "3 items (a, b, +1 more)" {
		t.Fatalf("Unexpected list format: %q", got)
	}
}
