package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
)

const maxListedItems = 5

// ConsoleSink prints per-item progress and a run summary for humans.
type ConsoleSink struct {
	writer   io.Writer
	progress bool
	mu       sync.Mutex
	total    int
	done     int
	now      func() time.Time

	bold  *color.Color
	good  *color.Color
	warn  *color.Color
	bad   *color.Color
	faint *color.Color
}

// NewConsoleSink writes to w (stderr when nil). progress controls the
// per-item lines; the summary is always printed.
func NewConsoleSink(w io.Writer, progress bool) *ConsoleSink {
	if w == nil {
		w = os.Stderr
	}
	return &ConsoleSink{
		writer:   w,
		progress: progress,
		now:      time.Now,
		bold:     color.New(color.Bold),
		good:     color.New(color.FgGreen),
		warn:     color.New(color.FgYellow),
		bad:      color.New(color.FgRed),
		faint:    color.New(color.Faint),
	}
}

func (s *ConsoleSink) Write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch t := v.(type) {
	case Event:
		return s.writeEvent(t)
	case Report:
		return s.writeReport(&t)
	case *Report:
		if t == nil {
			return nil
		}
		return s.writeReport(t)
	default:
		return nil
	}
}

func (s *ConsoleSink) Close() error { return nil }

func (s *ConsoleSink) statusColor(status string) *color.Color {
	switch status {
	case OutcomeSuccess:
		return s.good
	case "timed_out", "cancelled", OutcomePartial:
		return s.warn
	default:
		return s.bad
	}
}

func (s *ConsoleSink) writeEvent(e Event) error {
	switch e.Type {
	case EventRunStarted:
		s.total = e.Items
		s.done = 0
		if !s.progress {
			return nil
		}
		if _, err := fmt.Fprintf(s.writer, "%s %s: %s\n", s.bold.Sprint("run"), e.RunID, pluralItems(e.Items)); err != nil {
			return err
		}
	case EventItemFinished:
		s.done++
		if !s.progress {
			return nil
		}
		line := fmt.Sprintf("[%d/%d] %s %s %s", s.done, s.total,
			s.statusColor(e.Status).Sprintf("%-9s", e.Status), e.Item,
			s.faint.Sprint(e.Duration.Round(time.Millisecond)))
		if e.Retries > 0 {
			line += s.faint.Sprintf(" (%d retries)", e.Retries)
		}
		if e.Error != "" {
			line += " - " + e.Error
		}
		if _, err := fmt.Fprintln(s.writer, line); err != nil {
			return err
		}
	default:
		return nil
	}
	return flushIfPossible(s.writer)
}

func pluralItems(n int) string {
	if n == 1 {
		return "1 item"
	}
	return humanize.Comma(int64(n)) + " items"
}

func (s *ConsoleSink) writeReport(r *Report) error {
	var b strings.Builder
	fmt.Fprintln(&b)
	fmt.Fprintf(&b, "%s %s  %s  %d of %s succeeded in %s\n",
		s.bold.Sprint("Run"), r.RunID, s.statusColor(r.Outcome).Sprint(r.Outcome),
		r.Succeeded, pluralItems(r.Items), r.TotalTime.Round(time.Millisecond))
	if r.Error != "" {
		fmt.Fprintf(&b, "  %s %s\n", s.bad.Sprint("error"), r.Error)
	}
	fmt.Fprintf(&b, "  items       %d succeeded, %d failed, %d timed out, %d cancelled\n",
		r.Succeeded, r.Failed, r.TimedOut, r.Cancelled)
	fmt.Fprintf(&b, "  memory      peak %s\n", humanize.IBytes(r.PeakMemory))
	if r.Cache.Enabled {
		st := r.Cache.Stats
		fmt.Fprintf(&b, "  cache       %.1f%% hit rate (%s hits, %s misses), %s in memory, %s on disk\n",
			r.Cache.HitRate*100, humanize.Comma(int64(st.Hits)), humanize.Comma(int64(st.Misses)),
			humanize.IBytes(uint64(max(st.SizeBytes, 0))), humanize.IBytes(uint64(max(st.DiskBytes, 0))))
	} else {
		fmt.Fprintf(&b, "  cache       disabled\n")
	}
	fmt.Fprintf(&b, "  api         %s calls made, %s saved\n", humanize.Comma(r.CallsMade), humanize.Comma(r.CallsSaved))
	if r.DroppedSamples > 0 {
		fmt.Fprintf(&b, "  telemetry   %s samples dropped\n", humanize.Comma(int64(r.DroppedSamples)))
	}

	if len(r.Operations) > 0 {
		fmt.Fprintf(&b, "  %s\n", s.bold.Sprint("operations"))
		for _, op := range r.Operations {
			line := fmt.Sprintf("    %-22s %6s  mean %-9s p95 %-9s max %s",
				op.Operation, humanize.Comma(op.Count),
				op.Mean.Round(time.Millisecond), op.P95.Round(time.Millisecond), op.Max.Round(time.Millisecond))
			if op.Failures > 0 {
				line += s.bad.Sprintf("  %d failed", op.Failures)
			}
			fmt.Fprintln(&b, line)
		}
	}

	if len(r.Alerts) > 0 {
		fmt.Fprintf(&b, "  %s\n", s.warn.Sprint("alerts"))
		for _, a := range r.Alerts {
			fmt.Fprintf(&b, "    ! %s\n", a.Message)
		}
	}

	if len(r.Failures) > 0 {
		fmt.Fprintf(&b, "  %s\n", s.bad.Sprint("failures"))
		for _, g := range groupFailures(r.Failures) {
			fmt.Fprintf(&b, "    %s: %s\n", g.Reason, formatItemList(g.Items, maxListedItems))
		}
	}

	for _, h := range r.History {
		if h.RunID == r.RunID {
			continue
		}
		fmt.Fprintf(&b, "  %s\n", s.faint.Sprintf("previous run %s: %d of %d succeeded in %s, %s",
			h.RunID, h.Succeeded, h.Items, h.FinishedAt.Sub(h.StartedAt).Round(time.Millisecond),
			humanize.RelTime(h.FinishedAt, s.now(), "ago", "from now")))
		break
	}

	if _, err := io.WriteString(s.writer, b.String()); err != nil {
		return err
	}
	return flushIfPossible(s.writer)
}
