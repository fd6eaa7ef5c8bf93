package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	perrors "github.com/jmgilman/go/errors"

	"repopulse/internal/faults"
)

type failurePresentation struct {
	kind    faults.Kind
	message string
}

// presentFailure turns an item's error into a report line. Unless verbose,
// request URLs are scrubbed so reports do not leak hosts or query strings.
func presentFailure(res WorkResult, verbose bool) failurePresentation {
	err := res.Err
	if err == nil {
		switch res.Status {
		case StatusTimedOut:
			return failurePresentation{kind: faults.KindTransientIO, message: "timed out"}
		case StatusCancelled:
			return failurePresentation{kind: faults.KindCancelled, message: "cancelled"}
		}
		return failurePresentation{kind: faults.KindUnknown, message: "unknown error"}
	}

	kind := faults.KindOf(err)
	switch {
	case res.Status == StatusTimedOut && errors.Is(err, context.DeadlineExceeded):
		return failurePresentation{kind: faults.KindTransientIO, message: fmt.Sprintf("timed out after %s", res.Duration.Round(time.Millisecond))}
	case res.Status == StatusCancelled && kind != faults.KindResourceExhaustion:
		return failurePresentation{kind: faults.KindCancelled, message: "cancelled: " + scrubError(err.Error())}
	}

	full := strings.TrimSpace(err.Error())
	if verbose {
		return failurePresentation{kind: kind, message: full}
	}

	// Prefer the classified message over the wrapped error chain.
	var pe perrors.PlatformError
	if errors.As(err, &pe) {
		msg := strings.TrimSpace(pe.Message())
		if cause := pe.Unwrap(); cause != nil {
			if scrubbed := scrubError(cause.Error()); scrubbed != "" && !strings.Contains(msg, scrubbed) {
				msg = msg + ": " + scrubbed
			}
		}
		if msg != "" {
			return failurePresentation{kind: kind, message: fmt.Sprintf("%s (%s)", msg, pe.Code())}
		}
	}

	if scrubbed := scrubError(full); scrubbed != "" {
		return failurePresentation{kind: kind, message: scrubbed}
	}
	return failurePresentation{kind: kind, message: "request failed"}
}

// scrubError drops "METHOD https://host/path: " request prefixes that
// go-github and net/http put in error strings, wherever they occur.
func scrubError(s string) string {
	s = strings.TrimSpace(s)
	methods := []string{"GET ", "POST ", "PUT ", "PATCH ", "DELETE ", "HEAD "}
	for {
		idx := -1
		for _, m := range methods {
			i := strings.Index(s, m+"http")
			if i >= 0 && (idx < 0 || i < idx) {
				idx = i
			}
		}
		if idx < 0 {
			return s
		}
		rest := s[idx:]
		j := strings.Index(rest, ": ")
		if j < 0 {
			return strings.TrimSpace(strings.TrimSuffix(s[:idx], ": "))
		}
		s = s[:idx] + rest[j+2:]
	}
}
