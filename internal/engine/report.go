package engine

import (
	"time"

	"repopulse/internal/cache"
	"repopulse/internal/memory"
	"repopulse/internal/output"
	"repopulse/internal/telemetry"
)

type runStats struct {
	runID      string
	startedAt  time.Time
	finishedAt time.Time
	results    []WorkResult
	runErr     error
	fatal      bool
	verbose    bool
	snapshot   telemetry.Snapshot
	cache      cache.Stats
	cacheOn    bool
	governor   *memory.Governor
	callsMade  int64
	callsSaved int64
}

func buildReport(s runStats) *output.Report {
	r := &output.Report{
		RunID:          s.runID,
		StartedAt:      s.startedAt,
		FinishedAt:     s.finishedAt,
		TotalTime:      s.finishedAt.Sub(s.startedAt),
		Items:          len(s.results),
		Operations:     output.SortedOperations(s.snapshot.Operations),
		PeakMemory:     s.governor.Peak(),
		CallsMade:      s.callsMade,
		CallsSaved:     s.callsSaved,
		DroppedSamples: s.snapshot.Dropped,
		Alerts:         s.snapshot.Alerts,
		Cache: output.CacheReport{
			Enabled: s.cacheOn,
			HitRate: s.cache.HitRate(),
			Stats:   s.cache,
		},
		Failures: []output.Failure{},
	}
	if r.Alerts == nil {
		r.Alerts = []telemetry.Alert{}
	}

	for _, res := range s.results {
		switch res.Status {
		case StatusSuccess:
			r.Succeeded++
			continue
		case StatusFailed:
			r.Failed++
		case StatusTimedOut:
			r.TimedOut++
		case StatusCancelled:
			r.Cancelled++
		}
		p := presentFailure(res, s.verbose)
		r.Failures = append(r.Failures, output.Failure{
			Item:     res.ID,
			Status:   string(res.Status),
			Kind:     string(p.kind),
			Cause:    p.message,
			Retries:  res.Retries,
			Duration: res.Duration,
		})
	}

	aborted := s.fatal || s.runErr != nil
	if s.runErr != nil {
		r.Error = presentFailure(WorkResult{Status: StatusFailed, Err: s.runErr}, s.verbose).message
	}
	r.Outcome = output.Outcome(r.Items, r.Succeeded, aborted)
	r.ExitCode = exitCodeForRun(aborted, r.Items, r.Succeeded)
	return r
}
