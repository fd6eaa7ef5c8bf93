package fetcher

import (
	"context"
	"net/http"

	"repopulse/internal/cache"
)

const requestNamespace = "fetcher.request"

// Request is one outbound call. Target names the rate budget the call draws
// from, typically the upstream host.
type Request struct {
	Target string
	Method string
	Path   string
	Body   []byte
	// NoCache bypasses the response cache in both directions. In-flight
	// dedupe still applies.
	NoCache bool
}

// Key identifies identical requests for dedupe and caching.
func (r Request) Key() string {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return cache.Key(requestNamespace, r.Target, method, r.Path, string(r.Body))
}

type Response struct {
	Status  int
	Body    []byte
	Rate    RateInfo
	Cached  bool
	Retries int
}

// Dispatcher performs a single call. Implementations translate failures into
// the faults taxonomy and report rate metadata in Response.Rate, also when
// returning an error.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (Response, error)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, req Request) (Response, error)

func (f DispatchFunc) Dispatch(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// cachedResponse is the persisted form of a successful response.
type cachedResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}
