package fetcher

import (
	"context"
	"fmt"
)

// Future is the eventual outcome of an enqueued request. Every caller
// sharing a deduplicated request holds the same Future.
type Future struct {
	done chan struct{}
	resp Response
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func resolvedFuture(resp Response, err error) *Future {
	f := newFuture()
	f.resolve(resp, err)
	return f
}

func (f *Future) resolve(resp Response, err error) {
	f.resp = resp
	f.err = err
	close(f.done)
}

// Done is closed once the outcome is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the outcome is available or ctx ends. Abandoning a wait
// does not cancel the dispatch, other callers may share it.
func (f *Future) Wait(ctx context.Context) (Response, error) {
	if f == nil {
		return Response{}, fmt.Errorf("Wait: nil future")
	}
	if ctx == nil {
		return Response{}, fmt.Errorf("Wait: nil context")
	}
	select {
	case <-f.done:
		resp := f.resp
		if resp.Body != nil {
			resp.Body = append([]byte(nil), resp.Body...)
		}
		return resp, f.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}
