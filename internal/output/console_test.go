package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"repopulse/internal/telemetry"
)

func withoutColor(t *testing.T) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func TestConsoleSink_Progress(t *testing.T) {
	withoutColor(t)
	var buf bytes.Buffer
	s := NewConsoleSink(&buf, true)

	_ = s.Write(Event{Type: EventRunStarted, RunID: "run-1", Items: 2})
	_ = s.Write(Event{Type: EventItemFinished, Item: "acme/a", Status: "success", Duration: 1500 * time.Millisecond})
	_ = s.Write(Event{Type: EventItemFinished, Item: "acme/b", Status: "failed", Retries: 2, Error: "boom"})

	out := buf.String()
	for _, want := range []string{
		"run run-1: 2 items",
		"[1/2] success   acme/a 1.5s",
		"[2/2] failed    acme/b",
		"(2 retries)",
		"- boom",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("Expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestConsoleSink_NoProgressStillSummarizes(t *testing.T) {
	withoutColor(t)
	var buf bytes.Buffer
	s := NewConsoleSink(&buf, false)

	_ = s.Write(Event{Type: EventRunStarted, Items: 3})
	_ = s.Write(Event{Type: EventItemFinished, Item: "acme/a", Status: "success"})
	if buf.Len() != 0 {
		t.Fatalf("Expected no progress output, got %q", buf.String())
	}

	_ = s.Write(sampleReport())
	out := buf.String()
	for _, want := range []string{
		"Run run-1  partial  2 of 3 items succeeded in 1m30s",
		"peak 300 MiB",
		"75.0% hit rate (3 hits, 1 misses), 2.0 KiB in memory, 4.0 KiB on disk",
		"4 calls made, 6 saved",
		"git.acquire",
		"1 failed",
		"! git.acquire took 30s",
		"GET repos/acme/api: not found: 1 items (acme/api)",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("Expected summary to contain %q, got:\n%s", want, out)
		}
	}
}

func TestConsoleSink_SummaryExtras(t *testing.T) {
	withoutColor(t)
	var buf bytes.Buffer
	s := NewConsoleSink(&buf, false)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC) }

	r := sampleReport()
	r.Cache = CacheReport{}
	r.DroppedSamples = 1200
	r.Error = "memory pressure sustained"
	prev := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	r.History = []telemetry.RunSummary{
		{RunID: r.RunID},
		{RunID: "run-0", StartedAt: prev.Add(-time.Minute), FinishedAt: prev, Items: 4, Succeeded: 4},
	}
	_ = s.Write(*r)

	out := buf.String()
	for _, want := range []string{
		"error memory pressure sustained",
		"cache       disabled",
		"1,200 samples dropped",
		"previous run run-0: 4 of 4 succeeded in 1m0s, 2 hours ago",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("Expected summary to contain %q, got:\n%s", want, out)
		}
	}
}

func TestConsoleSink_IgnoresUnknownValues(t *testing.T) {
	var buf bytes.Buffer
	s := NewConsoleSink(&buf, true)
	if err := s.Write("noise"); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	var nilReport *Report
	if err := s.Write(nilReport); err != nil {
		t.Fatalf("Write(nil report) returned error: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("Expected no output, got %q", buf.String())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
}
