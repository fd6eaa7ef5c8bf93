// Package telemetry records operation timings, cache effectiveness and
// counters, raises alerts on slow operations and poor hit rates, and exposes
// everything as Prometheus metrics and persisted run history.
package telemetry

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultBuffer        = 1024
	defaultWindow        = 256
	defaultMinSamples    = 5
	defaultHitWindow     = 100
	defaultMinHitSamples = 20
)

type Options struct {
	Buffer          int
	Window          int
	SlowThreshold   time.Duration
	SlowMultiplier  float64
	MinSamples      int
	MinCacheHitRate float64
	HitRateWindow   int
	MinHitSamples   int
	// Baselines seed the rolling mean per operation until MinSamples are seen.
	Baselines map[string]time.Duration
	Registry  *prometheus.Registry
	// Memory reports current usage for Span memory deltas.
	Memory func() uint64
	Now    func() time.Time
}

type msgKind int

const (
	msgSample msgKind = iota
	msgAccess
	msgBarrier
)

type message struct {
	kind    msgKind
	sample  Sample
	hit     bool
	barrier chan struct{}
}

// Recorder aggregates samples on a single writer goroutine. Record and
// CacheAccess never block; when the buffer is full the event is dropped.
type Recorder struct {
	opts    Options
	now     func() time.Time
	ch      chan message
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	metrics *metrics
	dropped atomic.Uint64

	mu         sync.Mutex
	ops        map[string]*opState
	counters   map[string]int64
	hits       uint64
	misses     uint64
	window     *hitWindow
	lowHitRate bool
	alerts     []Alert
}

func New(opts Options) *Recorder {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = defaultMinSamples
	}
	if opts.HitRateWindow <= 0 {
		opts.HitRateWindow = defaultHitWindow
	}
	if opts.MinHitSamples <= 0 {
		opts.MinHitSamples = defaultMinHitSamples
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := &Recorder{
		opts:     opts,
		now:      now,
		ch:       make(chan message, opts.Buffer),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		metrics:  newMetrics(opts.Registry),
		ops:      make(map[string]*opState),
		counters: make(map[string]int64),
		window:   newHitWindow(opts.HitRateWindow),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.stopped)
	for {
		select {
		case m := <-r.ch:
			r.handle(m)
		case <-r.done:
			// Drain what was queued before Close.
			for {
				select {
				case m := <-r.ch:
					r.handle(m)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) handle(m message) {
	switch m.kind {
	case msgSample:
		r.apply(m.sample)
	case msgAccess:
		r.applyAccess(m.hit)
	case msgBarrier:
		close(m.barrier)
	}
}

func (r *Recorder) send(m message) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.ch <- m:
		return true
	default:
		r.dropped.Add(1)
		r.metrics.dropped.Inc()
		return false
	}
}

// Record queues a sample for aggregation.
func (r *Recorder) Record(s Sample) {
	if r == nil {
		return
	}
	if s.Outcome == "" {
		s.Outcome = OutcomeSuccess
		if s.Failed {
			s.Outcome = OutcomeFailure
		}
	}
	r.send(message{kind: msgSample, sample: s})
}

// CacheAccess implements cache.Observer.
func (r *Recorder) CacheAccess(hit bool) {
	if r == nil {
		return
	}
	r.send(message{kind: msgAccess, hit: hit})
}

// Add increments a named counter.
func (r *Recorder) Add(name string, delta int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.counters[name] += delta
	r.mu.Unlock()
	r.metrics.events.WithLabelValues(name).Add(float64(delta))
}

func (r *Recorder) apply(s Sample) {
	r.metrics.duration.WithLabelValues(s.Operation, s.Outcome).Observe(s.Duration.Seconds())
	if s.Failed {
		r.metrics.failures.WithLabelValues(s.Operation).Inc()
	}

	r.mu.Lock()
	st, ok := r.ops[s.Operation]
	if !ok {
		st = &opState{recent: newRing(r.opts.Window)}
		r.ops[s.Operation] = st
	}
	alert, slow := r.slowAlert(s, st)
	st.count++
	if s.Failed {
		st.failures++
	}
	st.total += s.Duration
	st.max = max(st.max, s.Duration)
	st.peakMem = max(st.peakMem, s.MemoryDelta)
	st.recent.add(s.Duration)
	if slow {
		r.alerts = append(r.alerts, alert)
	}
	r.mu.Unlock()

	if slow {
		log.WithFields(log.Fields{
			"op":        s.Operation,
			"duration":  s.Duration,
			"threshold": alert.Threshold,
		}).Warn("slow operation")
	}
}

// slowAlert compares s against the rolling mean before s is added.
func (r *Recorder) slowAlert(s Sample, st *opState) (Alert, bool) {
	var threshold time.Duration
	if r.opts.SlowMultiplier > 0 {
		mean := time.Duration(0)
		switch {
		case st.recent.len() >= r.opts.MinSamples:
			mean = st.recent.mean()
		case r.opts.Baselines[s.Operation] > 0:
			mean = r.opts.Baselines[s.Operation]
		}
		if mean > 0 {
			threshold = time.Duration(float64(mean) * r.opts.SlowMultiplier)
		}
	}
	if r.opts.SlowThreshold > 0 && (threshold == 0 || r.opts.SlowThreshold < threshold) {
		threshold = r.opts.SlowThreshold
	}
	if threshold == 0 || s.Duration <= threshold {
		return Alert{}, false
	}
	return Alert{
		Kind:      AlertSlowOperation,
		Operation: s.Operation,
		Duration:  s.Duration,
		Threshold: threshold,
		At:        r.now(),
		Message:   fmt.Sprintf("%s took %s (threshold %s)", s.Operation, s.Duration.Round(time.Millisecond), threshold.Round(time.Millisecond)),
	}, true
}

func (r *Recorder) applyAccess(hit bool) {
	if hit {
		r.metrics.lookups.WithLabelValues("hit").Inc()
	} else {
		r.metrics.lookups.WithLabelValues("miss").Inc()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if hit {
		r.hits++
	} else {
		r.misses++
	}
	r.window.add(hit)
	if r.opts.MinCacheHitRate <= 0 || r.window.n < r.opts.MinHitSamples {
		return
	}
	rate := r.window.rate()
	below := rate < r.opts.MinCacheHitRate
	if below && !r.lowHitRate {
		r.alerts = append(r.alerts, Alert{
			Kind:    AlertLowHitRate,
			HitRate: rate,
			At:      r.now(),
			Message: fmt.Sprintf("cache hit rate %.2f below %.2f over last %d lookups", rate, r.opts.MinCacheHitRate, r.window.n),
		})
		log.WithField("hit_rate", rate).Warn("cache hit rate below floor")
	}
	r.lowHitRate = below
}

// sync waits until every event queued before the call has been applied.
func (r *Recorder) sync() {
	b := make(chan struct{})
	select {
	case r.ch <- message{kind: msgBarrier, barrier: b}:
	case <-r.done:
		<-r.stopped
		return
	}
	select {
	case <-b:
	case <-r.stopped:
	}
}

// Snapshot reflects every event recorded before the call.
func (r *Recorder) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	r.sync()

	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		Operations:  make(map[string]OperationStats, len(r.ops)),
		Counters:    maps.Clone(r.counters),
		CacheHits:   r.hits,
		CacheMisses: r.misses,
		Dropped:     r.dropped.Load(),
		Alerts:      slices.Clone(r.alerts),
	}
	for name, st := range r.ops {
		snap.Operations[name] = st.stats(name)
	}
	return snap
}

// Alerts returns the alerts raised so far.
func (r *Recorder) Alerts() []Alert {
	return r.Snapshot().Alerts
}

// Registry is the per-run Prometheus registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.opts.Registry
}

// Close drains queued events and stops the writer. Later events are dropped.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.once.Do(func() { close(r.done) })
	<-r.stopped
}
