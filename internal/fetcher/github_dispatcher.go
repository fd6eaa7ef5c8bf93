package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v81/github"
	perrors "github.com/jmgilman/go/errors"

	"repopulse/internal/faults"
)

// GitHubDispatcher sends requests through a go-github client, so they pick
// up its authentication transport and base URL.
type GitHubDispatcher struct {
	client *github.Client
}

func NewGitHubDispatcher(client *github.Client) *GitHubDispatcher {
	return &GitHubDispatcher{client: client}
}

// Target is the API host, the natural rate budget key.
func (d *GitHubDispatcher) Target() string {
	if d == nil || d.client == nil || d.client.BaseURL == nil {
		return ""
	}
	return d.client.BaseURL.Host
}

func (d *GitHubDispatcher) Dispatch(ctx context.Context, req Request) (Response, error) {
	if d == nil || d.client == nil {
		return Response{}, fmt.Errorf("Dispatch: nil github client")
	}
	if ctx == nil {
		return Response{}, fmt.Errorf("Dispatch: nil context")
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body any
	if len(req.Body) > 0 {
		body = json.RawMessage(req.Body)
	}
	httpReq, err := d.client.NewRequest(method, strings.TrimPrefix(req.Path, "/"), body)
	if err != nil {
		return Response{}, faults.Permanent(perrors.CodeInvalidInput, fmt.Sprintf("build request %s %s: %v", method, req.Path, err))
	}

	var buf bytes.Buffer
	ghResp, err := d.client.Do(ctx, httpReq, &buf)
	var out Response
	if ghResp != nil && ghResp.Response != nil {
		out.Status = ghResp.StatusCode
		out.Rate = ParseRateHeaders(ghResp.Header)
	}
	if err != nil {
		return out, classifyGitHub(ctx, err)
	}
	out.Body = buf.Bytes()
	return out, nil
}

// classifyGitHub maps go-github failures onto the faults taxonomy.
func classifyGitHub(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return faults.Timeout(err, "github request timed out")
		}
		return ctxErr
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		wait := time.Until(rateErr.Rate.Reset.Time)
		return faults.RateLimited(max(wait, 0), rateErr.Message)
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return faults.RateLimited(abuseErr.GetRetryAfter(), abuseErr.Message)
	}

	var accepted *github.AcceptedError
	if errors.As(err, &accepted) {
		return faults.Unavailable(err, "github accepted the request but has no result yet")
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		return statusFault(respErr.Response, respErr.Message)
	}

	return faults.Transient(err, "github request failed")
}

func statusFault(resp *http.Response, message string) error {
	status := resp.StatusCode
	if message == "" {
		message = http.StatusText(status)
	}
	message = fmt.Sprintf("%d %s", status, message)

	switch {
	case status == http.StatusTooManyRequests:
		return faults.RateLimited(ParseRateHeaders(resp.Header).RetryAfter, message)
	case status == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		info := ParseRateHeaders(resp.Header)
		wait := info.RetryAfter
		if wait == 0 && !info.Reset.IsZero() {
			wait = max(time.Until(info.Reset), 0)
		}
		return faults.RateLimited(wait, message)
	case status == http.StatusUnauthorized:
		return faults.Permanent(perrors.CodeUnauthorized, message)
	case status == http.StatusForbidden:
		return faults.Permanent(perrors.CodeForbidden, message)
	case status == http.StatusNotFound || status == http.StatusGone:
		return faults.Permanent(perrors.CodeNotFound, message)
	case status == http.StatusRequestTimeout:
		return faults.Timeout(nil, message)
	case status >= 500:
		return faults.Unavailable(nil, message)
	}
	return faults.Permanent(perrors.CodeInvalidInput, message)
}
