package telemetry

import "time"

// Span times one operation from Begin to End.
type Span struct {
	r        *Recorder
	op       string
	start    time.Time
	memStart uint64
}

func (r *Recorder) Begin(op string) *Span {
	s := &Span{r: r, op: op}
	if r == nil {
		s.start = time.Now()
		return s
	}
	s.start = r.now()
	if r.opts.Memory != nil {
		s.memStart = r.opts.Memory()
	}
	return s
}

// End records the span with a success or failure outcome derived from err.
func (s *Span) End(err error) time.Duration {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	return s.EndWith(outcome, err)
}

// EndWith records the span under a caller-chosen outcome label.
func (s *Span) EndWith(outcome string, err error) time.Duration {
	if s == nil {
		return 0
	}
	if s.r == nil {
		return time.Since(s.start)
	}
	d := s.r.now().Sub(s.start)
	var delta int64
	if s.r.opts.Memory != nil {
		delta = int64(s.r.opts.Memory()) - int64(s.memStart)
	}
	s.r.Record(Sample{
		Operation:   s.op,
		StartedAt:   s.start,
		Duration:    d,
		MemoryDelta: delta,
		Outcome:     outcome,
		Failed:      err != nil,
	})
	return d
}
