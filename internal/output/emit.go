package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// EmitSink writes machine-readable output to a stream, usually stdout.
//
// Formats:
//   - json: writes the final Report as a single JSON document on Close
//   - ndjson: streams Event values (one JSON object per line), then the
//     Report as a "run.report" line
type EmitSink struct {
	writer io.Writer
	format string // "json" | "ndjson"
	mu     sync.Mutex
	report *Report
}

// reportLine wraps the Report for NDJSON streams.
type reportLine struct {
	Type string `json:"type"`
	*Report
}

func NewEmitSink(w io.Writer, format string) (*EmitSink, error) {
	if w == nil {
		return nil, fmt.Errorf("emit sink writer must not be nil")
	}
	if format != "json" && format != "ndjson" {
		return nil, fmt.Errorf("unsupported emit format: %s", format)
	}
	return &EmitSink{writer: w, format: format}, nil
}

func (s *EmitSink) Write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r *Report
	switch t := v.(type) {
	case Event:
		if s.format != "ndjson" {
			return nil
		}
		if err := json.NewEncoder(s.writer).Encode(t); err != nil {
			return err
		}
		return flushIfPossible(s.writer)
	case Report:
		r = &t
	case *Report:
		r = t
	default:
		return nil
	}
	if r == nil {
		return nil
	}

	if s.format == "json" {
		cp := *r
		s.report = &cp
		return nil
	}
	if err := json.NewEncoder(s.writer).Encode(reportLine{Type: "run.report", Report: r}); err != nil {
		return err
	}
	return flushIfPossible(s.writer)
}

func (s *EmitSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.format != "json" || s.report == nil {
		return nil
	}
	encoder := json.NewEncoder(s.writer)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.report); err != nil {
		return err
	}
	s.report = nil
	return flushIfPossible(s.writer)
}

type flusher interface {
	Flush() error
}

// flushIfPossible pushes buffered output downstream so consumers of a live
// ndjson stream see each line as it is written.
func flushIfPossible(w io.Writer) error {
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}
