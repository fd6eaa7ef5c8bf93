package output

import (
	"fmt"
	"sort"
	"strings"

	"repopulse/internal/telemetry"
)

// Outcome classifies a run from its item counts. An aborted run is aborted
// regardless of what completed.
func Outcome(items, succeeded int, aborted bool) string {
	switch {
	case aborted:
		return OutcomeAborted
	case succeeded == items:
		return OutcomeSuccess
	case succeeded == 0:
		return OutcomeFailure
	default:
		return OutcomePartial
	}
}

// SortedOperations flattens a snapshot's operation map, slowest total first,
// ties broken by name.
func SortedOperations(ops map[string]telemetry.OperationStats) []telemetry.OperationStats {
	out := make([]telemetry.OperationStats, 0, len(ops))
	for _, st := range ops {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Operation < out[j].Operation
	})
	return out
}

// Summary is the persisted history record for the report.
func (r *Report) Summary() telemetry.RunSummary {
	if r == nil {
		return telemetry.RunSummary{}
	}
	ops := make(map[string]telemetry.OperationStats, len(r.Operations))
	for _, st := range r.Operations {
		ops[st.Operation] = st
	}
	return telemetry.RunSummary{
		RunID:        r.RunID,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
		Items:        r.Items,
		Succeeded:    r.Succeeded,
		Failed:       r.Failed,
		TimedOut:     r.TimedOut,
		Cancelled:    r.Cancelled,
		ExitCode:     r.ExitCode,
		CacheHitRate: r.Cache.HitRate,
		PeakMemory:   r.PeakMemory,
		Operations:   ops,
	}
}

// normalizeReason collapses whitespace, strips a leading "op: " prefix, and
// truncates long causes so similar failures group together.
func normalizeReason(cause string) string {
	s := strings.Join(strings.Fields(cause), " ")
	if idx := strings.Index(s, ": "); idx != -1 {
		prefix := s[:idx]
		if !strings.Contains(prefix, " ") && (strings.Contains(prefix, ".") || strings.Contains(prefix, "_")) {
			s = s[idx+2:]
		}
	}
	if s == "" {
		return "unknown cause"
	}
	if len(s) > 120 {
		return s[:117] + "..."
	}
	return s
}

type failureGroup struct {
	Reason string
	Items  []string
}

// groupFailures buckets failures by normalized cause, largest group first.
func groupFailures(failures []Failure) []failureGroup {
	byReason := make(map[string][]string)
	for _, f := range failures {
		reason := normalizeReason(f.Cause)
		byReason[reason] = append(byReason[reason], f.Item)
	}
	groups := make([]failureGroup, 0, len(byReason))
	for reason, items := range byReason {
		sort.Strings(items)
		groups = append(groups, failureGroup{Reason: reason, Items: items})
	}
	sort.Slice(groups, func(i, j int) bool {
		if len(groups[i].Items) != len(groups[j].Items) {
			return len(groups[i].Items) > len(groups[j].Items)
		}
		return groups[i].Reason < groups[j].Reason
	})
	return groups
}

func formatItemList(items []string, max int) string {
	if len(items) == 0 {
		return ""
	}
	if len(items) <= max {
		return fmt.Sprintf("%d items (%s)", len(items), strings.Join(items, ", "))
	}
	return fmt.Sprintf("%d items (%s, +%d more)", len(items), strings.Join(items[:max], ", "), len(items)-max)
}
