package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/apex/log"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/google/go-github/v81/github"
	"golang.org/x/oauth2"
)

type Client struct {
	REST  *github.Client
	HTTP  *http.Client
	token string
}

type options struct {
	verbose bool
	baseURL string
}

type Option func(*options)

// WithVerbose logs one debug line per request and response.
func WithVerbose(enabled bool) Option {
	return func(o *options) {
		o.verbose = enabled
	}
}

// WithBaseURL points the client at a GitHub Enterprise or test server.
func WithBaseURL(raw string) Option {
	return func(o *options) {
		o.baseURL = raw
	}
}

// loggingRoundTripper emits one line per request and response (including
// latency) when verbose logging is enabled.
type loggingRoundTripper struct {
	base http.RoundTripper
}

func (t *loggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	entry := log.WithFields(log.Fields{"method": req.Method, "url": req.URL.String()})
	entry.Debug("github api request")
	resp, err := t.base.RoundTrip(req)
	dur := time.Since(start).Truncate(time.Millisecond)
	if err != nil {
		entry.WithError(err).WithField("duration", dur).Debug("github api error")
	} else {
		entry.WithFields(log.Fields{
			"status":    resp.StatusCode,
			"duration":  dur,
			"remaining": resp.Header.Get("X-RateLimit-Remaining"),
		}).Debug("github api response")
	}
	return resp, err
}

func NewClient(ctx context.Context, token string, opts ...Option) (*Client, error) {
	if ctx == nil {
		return nil, fmt.Errorf("github client: ctx is nil")
	}

	o := &options{}
	for _, apply := range opts {
		if apply != nil {
			apply(o)
		}
	}

	transport := http.DefaultTransport
	if o.verbose {
		transport = &loggingRoundTripper{base: transport}
	}
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		transport = &oauth2.Transport{Source: ts, Base: transport}
	}
	// Always provide an http.Client so verbose logging works even without a token.
	tc := &http.Client{Transport: transport}

	rest := github.NewClient(tc)
	if o.baseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(o.baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("github client: invalid base url: %w", err)
		}
		rest.BaseURL = base
		rest.UploadURL = base
	}

	return &Client{REST: rest, HTTP: tc, token: token}, nil
}

// Host is the API host, used as the rate budget target.
func (c *Client) Host() string {
	if c == nil || c.REST == nil || c.REST.BaseURL == nil {
		return ""
	}
	return c.REST.BaseURL.Host
}

// Token is the resolved access token, empty for anonymous access.
func (c *Client) Token() string {
	if c == nil {
		return ""
	}
	return c.token
}

// GitAuth returns credentials for git transports, or nil without a token.
func (c *Client) GitAuth() *githttp.BasicAuth {
	if c == nil || c.token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: c.token}
}
