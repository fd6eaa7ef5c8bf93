package engine

import (
	"context"
	"sync"
	"time"
)

// admissionGate pauses admission while memory pressure is reported. If a
// pause outlasts grace, onSustained is called once.
type admissionGate struct {
	mu          sync.Mutex
	paused      bool
	wake        chan struct{}
	timer       *time.Timer
	grace       time.Duration
	onSustained func()
}

func newAdmissionGate(grace time.Duration, onSustained func()) *admissionGate {
	return &admissionGate{wake: make(chan struct{}), grace: grace, onSustained: onSustained}
}

func (g *admissionGate) set(paused bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if paused == g.paused {
		return
	}
	g.paused = paused
	if paused {
		if g.grace > 0 && g.onSustained != nil {
			g.timer = time.AfterFunc(g.grace, g.onSustained)
		}
		return
	}
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	close(g.wake)
	g.wake = make(chan struct{})
}

// wait blocks while the gate is paused.
func (g *admissionGate) wait(ctx context.Context, abort <-chan struct{}) bool {
	for {
		g.mu.Lock()
		if !g.paused {
			g.mu.Unlock()
			return true
		}
		ch := g.wake
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-abort:
			return false
		case <-ch:
		}
	}
}

func (g *admissionGate) stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
