// Package memory tracks process memory against a limit, notifies threshold
// crossings, nudges the garbage collector and provides bounded-memory
// streaming over large payloads.
package memory

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	defaultGCEvery        = 10
	defaultNudgeFraction  = 0.5
	defaultSampleInterval = 500 * time.Millisecond
	defaultChunkSize      = 64 << 10
)

// UsageFunc reports current memory usage in bytes.
type UsageFunc func() (uint64, error)

// Crossing describes one threshold transition.
type Crossing struct {
	Fraction float64
	Usage    uint64
	Limit    uint64
	Above    bool
}

type Options struct {
	// Limit is the byte ceiling fractions are measured against. Zero means
	// total system memory.
	Limit           uint64
	GCEvery         int
	NudgeFraction   float64
	SampleInterval  time.Duration
	StreamThreshold int64
	ChunkSize       int
	// Usage overrides the process RSS sampler.
	Usage UsageFunc
	// GC overrides runtime.GC for the nudge.
	GC func()
}

type threshold struct {
	id       int
	fraction float64
	fn       func(Crossing)
	above    bool
}

type Governor struct {
	opts  Options
	limit uint64
	usage UsageFunc
	gc    func()

	mu         sync.Mutex
	thresholds []*threshold
	nextID     int
	last       uint64
	peak       uint64

	completed atomic.Int64
	gcRunning atomic.Bool
	nudges    atomic.Int64

	wg sync.WaitGroup
}

func New(opts Options) *Governor {
	g := &Governor{opts: opts, usage: opts.Usage, gc: opts.GC}
	if g.usage == nil {
		g.usage = processUsage()
	}
	if g.gc == nil {
		g.gc = runtime.GC
	}
	if g.opts.GCEvery <= 0 {
		g.opts.GCEvery = defaultGCEvery
	}
	if g.opts.NudgeFraction <= 0 {
		g.opts.NudgeFraction = defaultNudgeFraction
	}
	if g.opts.SampleInterval <= 0 {
		g.opts.SampleInterval = defaultSampleInterval
	}
	if g.opts.ChunkSize <= 0 {
		g.opts.ChunkSize = defaultChunkSize
	}
	g.limit = opts.Limit
	if g.limit == 0 {
		g.limit = systemTotal()
	}
	return g
}

// processUsage samples RSS via gopsutil, falling back to Go heap statistics.
func processUsage() UsageFunc {
	proc, err := process.NewProcess(int32(os.Getpid()))
	return func() (uint64, error) {
		if err == nil {
			if info, infoErr := proc.MemoryInfo(); infoErr == nil && info.RSS > 0 {
				return info.RSS, nil
			}
		}
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return ms.Sys - ms.HeapReleased, nil
	}
}

func systemTotal() uint64 {
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return ms.Sys * 4
	}
	return vm.Total
}

// Limit is the byte ceiling fractions refer to.
func (g *Governor) Limit() uint64 {
	if g == nil {
		return 0
	}
	return g.limit
}

// CurrentUsage takes a fresh reading without evaluating thresholds.
func (g *Governor) CurrentUsage() uint64 {
	if g == nil {
		return 0
	}
	u, err := g.usage()
	if err != nil {
		log.WithError(err).Debug("memory sample failed")
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.last
	}
	g.mu.Lock()
	g.observeLocked(u)
	g.mu.Unlock()
	return u
}

func (g *Governor) observeLocked(u uint64) {
	g.last = u
	if u > g.peak {
		g.peak = u
	}
}

// Peak is the highest usage observed so far.
func (g *Governor) Peak() uint64 {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

// Pressure reports whether the last sample is at or above fraction of the limit.
func (g *Governor) Pressure(fraction float64) bool {
	if g == nil || g.limit == 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return float64(g.last) >= fraction*float64(g.limit)
}

// RegisterThreshold calls fn whenever usage crosses fraction of the limit, in
// either direction, starting from the side of the last sample. The returned
// func unregisters it.
func (g *Governor) RegisterThreshold(fraction float64, fn func(Crossing)) func() {
	if g == nil || fn == nil {
		return func() {}
	}
	g.mu.Lock()
	g.nextID++
	id := g.nextID
	above := g.limit > 0 && float64(g.last) >= fraction*float64(g.limit)
	g.thresholds = append(g.thresholds, &threshold{id: id, fraction: fraction, fn: fn, above: above})
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		for i, th := range g.thresholds {
			if th.id == id {
				g.thresholds = append(g.thresholds[:i], g.thresholds[i+1:]...)
				return
			}
		}
	}
}

// Sample reads usage and fires callbacks for thresholds whose side changed.
// Callbacks run on the caller's goroutine after the lock is released.
func (g *Governor) Sample() uint64 {
	if g == nil {
		return 0
	}
	u, err := g.usage()
	if err != nil {
		log.WithError(err).Debug("memory sample failed")
		return g.CurrentUsage()
	}

	var fire []func()
	g.mu.Lock()
	g.observeLocked(u)
	for _, th := range g.thresholds {
		above := g.limit > 0 && float64(u) >= th.fraction*float64(g.limit)
		if above == th.above {
			continue
		}
		th.above = above
		c := Crossing{Fraction: th.fraction, Usage: u, Limit: g.limit, Above: above}
		fn := th.fn
		fire = append(fire, func() { fn(c) })
	}
	g.mu.Unlock()

	for _, f := range fire {
		f()
	}
	return u
}

// Start samples on the configured interval until ctx is done.
func (g *Governor) Start(ctx context.Context) {
	if g == nil || ctx == nil {
		return
	}
	g.Sample()
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.opts.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Sample()
			}
		}
	}()
}

// Wait blocks until the sampler started by Start and any nudged GC finish.
func (g *Governor) Wait() {
	if g == nil {
		return
	}
	g.wg.Wait()
}

// ItemCompleted counts a finished work item. Every GCEvery completions, if
// usage is above the nudge fraction, a background GC is started unless one is
// already running. It never blocks.
func (g *Governor) ItemCompleted() {
	if g == nil {
		return
	}
	n := g.completed.Add(1)
	if n%int64(g.opts.GCEvery) != 0 {
		return
	}
	if !g.Pressure(g.opts.NudgeFraction) {
		return
	}
	if !g.gcRunning.CompareAndSwap(false, true) {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.gcRunning.Store(false)
		g.gc()
		g.nudges.Add(1)
	}()
}

// Nudges is the number of completed GC nudges.
func (g *Governor) Nudges() int64 {
	if g == nil {
		return 0
	}
	return g.nudges.Load()
}
