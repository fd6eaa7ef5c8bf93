package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	perrors "github.com/jmgilman/go/errors"

	"repopulse/internal/faults"
)

func TestPresentFailure_PermanentRequestUsesClassifiedMessage(t *testing.T) {
	err := fmt.Errorf("api.fetch acme/api: %w", faults.Permanent(perrors.CodeNotFound, "404 Not Found"))
	pres := presentFailure(WorkResult{Status: StatusFailed, Err: err}, false)
	if pres.kind != faults.KindPermanentRequest {
		t.Fatalf("expected permanent_request, got %s", pres.kind)
	}
	if pres.message != "404 Not Found (NOT_FOUND)" {
		t.Fatalf("unexpected message %q", pres.message)
	}
}

func TestPresentFailure_TransientScrubsRequestURL(t *testing.T) {
	cause := errors.New("GET https://api.github.com/repos/acme/api?token=x: dial tcp: connection refused")
	err := faults.Transient(cause, "github request failed")
	pres := presentFailure(WorkResult{Status: StatusFailed, Err: err}, false)
	if pres.kind != faults.KindTransientIO {
		t.Fatalf("expected transient_io, got %s", pres.kind)
	}
	if strings.Contains(pres.message, "https://") {
		t.Fatalf("expected URL to be scrubbed, got %q", pres.message)
	}
	if !strings.Contains(pres.message, "connection refused") {
		t.Fatalf("expected cause to survive, got %q", pres.message)
	}
}

func TestPresentFailure_VerboseKeepsFullError(t *testing.T) {
	err := errors.New("GET https://api.github.com/x: boom")
	pres := presentFailure(WorkResult{Status: StatusFailed, Err: err}, true)
	if pres.message != err.Error() {
		t.Fatalf("expected full error, got %q", pres.message)
	}
}

func TestPresentFailure_TimedOutAndCancelled(t *testing.T) {
	pres := presentFailure(WorkResult{Status: StatusTimedOut, Err: context.DeadlineExceeded, Duration: 1500 * time.Millisecond}, false)
	if pres.message != "timed out after 1.5s" {
		t.Fatalf("unexpected timeout message %q", pres.message)
	}
	pres = presentFailure(WorkResult{Status: StatusCancelled, Err: context.Canceled}, false)
	if pres.kind != faults.KindCancelled || pres.message != "cancelled: context canceled" {
		t.Fatalf("unexpected cancel presentation %+v", pres)
	}
	pres = presentFailure(WorkResult{Status: StatusCancelled, Err: faults.ResourceExhausted("memory pressure sustained")}, false)
	if pres.kind != faults.KindResourceExhaustion {
		t.Fatalf("expected resource_exhaustion, got %s", pres.kind)
	}
	pres = presentFailure(WorkResult{Status: StatusCancelled}, false)
	if pres.message != "cancelled" {
		t.Fatalf("unexpected message for bare cancel %q", pres.message)
	}
}

func TestScrubError_StripsURLPrefix(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"GET https://api.github.com/repos/acme/foo: 403 some message []", "403 some message []"},
		{"api.fetch: GET https://api.github.com/x: 500 oops", "api.fetch: 500 oops"},
		{"no request here", "no request here"},
		{"POST https://h/a: PUT https://h/b: nested", "nested"},
	}
	for _, tt := range tests {
		if got := scrubError(tt.in); got != tt.want {
			t.Fatalf("scrubError(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}
