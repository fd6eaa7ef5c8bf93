package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"

	"repopulse/internal/faults"
	"repopulse/internal/memory"
	"repopulse/internal/telemetry"
)

type SchedulerOptions struct {
	// Workers bounds concurrent items. Zero means runtime.NumCPU().
	Workers     int
	ItemTimeout time.Duration
	RunTimeout  time.Duration
	// PressureFraction pauses admission while usage is at or above this
	// fraction of the governor's limit. Zero disables backpressure.
	PressureFraction float64
	// PressureGrace aborts the run when a pause lasts longer. Zero waits
	// indefinitely.
	PressureGrace time.Duration
	Governor      *memory.Governor
	Recorder      *telemetry.Recorder
	// OnResult is called once per item as it completes. Calls are
	// serialized.
	OnResult func(index int, r WorkResult)
	Now      func() time.Time
}

type Scheduler struct {
	opts SchedulerOptions
	now  func() time.Time
}

func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Workers < 0 {
		return nil, fmt.Errorf("workers must be >= 0, got %d", opts.Workers)
	}
	if opts.Workers == 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.ItemTimeout < 0 || opts.RunTimeout < 0 || opts.PressureGrace < 0 {
		return nil, fmt.Errorf("timeouts must not be negative")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{opts: opts, now: now}, nil
}

func (s *Scheduler) Workers() int {
	if s == nil {
		return 0
	}
	return s.opts.Workers
}

// run is the state of one Process call.
type inflightItem struct {
	cancel  context.CancelFunc
	started time.Time
}

type run struct {
	s       *Scheduler
	items   []WorkItem
	fn      WorkFunc
	results []WorkResult

	mu       sync.Mutex
	resolved []bool
	inflight map[int]inflightItem
	hookMu   sync.Mutex

	interrupted atomic.Bool

	abortOnce sync.Once
	abortCh   chan struct{}
	abortErr  error

	next atomic.Int64
}

// Process runs fn over items on a bounded pool and returns one result per
// item in submission order.
//
// Run-level cancellation of ctx stops admission; in-flight items keep running
// until their own deadlines and unstarted items are Cancelled. When the run
// times out (RunTimeout or a ctx deadline), in-flight items are signalled,
// marked TimedOut and abandoned. Sustained memory pressure aborts the run
// with a resource exhaustion error.
func (s *Scheduler) Process(ctx context.Context, items []WorkItem, fn WorkFunc) ([]WorkResult, error) {
	if s == nil {
		return nil, errors.New("scheduler is nil")
	}
	if ctx == nil {
		return nil, errors.New("context is nil")
	}
	if fn == nil {
		return nil, errors.New("work func is nil")
	}

	runCtx := ctx
	if s.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.opts.RunTimeout)
		defer cancel()
	}

	r := &run{
		s:        s,
		items:    items,
		fn:       fn,
		results:  make([]WorkResult, len(items)),
		resolved: make([]bool, len(items)),
		inflight: make(map[int]inflightItem),
		abortCh:  make(chan struct{}),
	}

	gate := newAdmissionGate(s.opts.PressureGrace, func() {
		r.abort(faults.ResourceExhausted(fmt.Sprintf("memory pressure sustained beyond %s", s.opts.PressureGrace)))
	})
	defer gate.stop()
	if s.opts.Governor != nil && s.opts.PressureFraction > 0 {
		unregister := s.opts.Governor.RegisterThreshold(s.opts.PressureFraction, func(c memory.Crossing) {
			if c.Above {
				log.WithFields(log.Fields{"usage": c.Usage, "limit": c.Limit}).Warn("memory pressure, pausing admission")
			} else {
				log.Info("memory pressure relieved, resuming admission")
			}
			gate.set(c.Above)
		})
		defer unregister()
		if s.opts.Governor.Pressure(s.opts.PressureFraction) {
			gate.set(true)
		}
	}

	finished := make(chan struct{})
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		select {
		case <-finished:
		case <-r.abortCh:
		case <-runCtx.Done():
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				r.interrupted.Store(true)
				r.interruptInflight(StatusTimedOut, runCtx.Err())
			}
		}
	}()

	workers := min(s.opts.Workers, max(len(items), 1))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if runCtx.Err() != nil || r.aborted() {
					return
				}
				if !gate.wait(runCtx, r.abortCh) {
					return
				}
				i := int(r.next.Add(1) - 1)
				if i >= len(items) {
					return
				}
				r.runItem(runCtx, i)
			}
		}()
	}
	wg.Wait()
	close(finished)
	<-monitorDone

	var runErr error
	switch {
	case r.aborted():
		runErr = r.abortErr
	case r.interrupted.Load(), runCtx.Err() != nil && r.next.Load() < int64(len(items)):
		runErr = runCtx.Err()
	}
	cause := runErr
	if cause == nil {
		cause = context.Canceled
	}
	for i := range items {
		r.resolve(i, WorkResult{Status: StatusCancelled, Err: cause})
	}
	return r.results, runErr
}

func (r *run) aborted() bool {
	select {
	case <-r.abortCh:
		return true
	default:
		return false
	}
}

// abort stops admission and signals in-flight items, which are Cancelled.
func (r *run) abort(err error) {
	r.abortOnce.Do(func() {
		log.WithError(err).Error("aborting run")
		r.abortErr = err
		close(r.abortCh)
		r.interruptInflight(StatusCancelled, err)
	})
}

func (r *run) interruptInflight(status Status, err error) {
	r.mu.Lock()
	pending := make(map[int]inflightItem, len(r.inflight))
	for i, it := range r.inflight {
		pending[i] = it
	}
	r.mu.Unlock()

	now := r.s.now()
	for i, it := range pending {
		r.resolve(i, WorkResult{Status: status, Err: err, Duration: now.Sub(it.started)})
		it.cancel()
	}
}

type outcome struct {
	value any
	err   error
}

func (r *run) runItem(runCtx context.Context, i int) {
	item := r.items[i]
	s := r.s
	start := s.now()

	deadline := item.Deadline
	if deadline.IsZero() && s.opts.ItemTimeout > 0 {
		deadline = start.Add(s.opts.ItemTimeout)
	}
	retries := new(atomic.Int64)
	base := context.WithValue(context.WithoutCancel(runCtx), retriesKey{}, retries)
	var itemCtx context.Context
	var cancel context.CancelFunc
	if deadline.IsZero() {
		itemCtx, cancel = context.WithCancel(base)
	} else {
		itemCtx, cancel = context.WithDeadline(base, deadline)
	}
	defer cancel()

	r.mu.Lock()
	if r.interrupted.Load() || r.aborted() {
		// Lost the race with a timeout or abort; left for the Cancelled sweep.
		r.mu.Unlock()
		return
	}
	r.inflight[i] = inflightItem{cancel: cancel, started: start}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inflight, i)
		r.mu.Unlock()
	}()

	span := s.opts.Recorder.Begin("scheduler.item")
	done := make(chan outcome, 1)
	go func() {
		v, err := r.fn(itemCtx, item)
		done <- outcome{value: v, err: err}
	}()

	var res WorkResult
	select {
	case o := <-done:
		res = WorkResult{Status: statusOf(itemCtx, o.err), Value: o.value, Err: o.err}
	case <-itemCtx.Done():
		// Abandoned: the work func may still be running.
		status := StatusCancelled
		if errors.Is(itemCtx.Err(), context.DeadlineExceeded) {
			status = StatusTimedOut
			log.WithField("item", item.ID).Warn("item deadline exceeded, abandoning")
		}
		res = WorkResult{Status: status, Err: itemCtx.Err()}
	}
	res.Duration = s.now().Sub(start)
	res.Retries = int(retries.Load())

	if r.resolve(i, res) {
		span.EndWith(string(res.Status), res.Err)
	} else {
		span.EndWith(string(r.statusOf(i)), context.Canceled)
	}
}

func statusOf(ctx context.Context, err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return StatusTimedOut
	case errors.Is(err, context.Canceled):
		return StatusCancelled
	}
	return StatusFailed
}

func (r *run) statusOf(i int) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[i].Status
}

// resolve records the first result for item i. Later results are dropped.
func (r *run) resolve(i int, res WorkResult) bool {
	r.mu.Lock()
	if r.resolved[i] {
		r.mu.Unlock()
		return false
	}
	r.resolved[i] = true
	res.ID = r.items[i].ID
	r.results[i] = res
	r.mu.Unlock()

	r.s.opts.Governor.ItemCompleted()
	if r.s.opts.OnResult != nil {
		r.hookMu.Lock()
		r.s.opts.OnResult(i, res)
		r.hookMu.Unlock()
	}
	return true
}
