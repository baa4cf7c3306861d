// Package netwatch tracks connectivity to the ERP server by polling its
// health endpoint. It replaces the browser's online/offline events for a
// long-running agent.
package netwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Probe checks reachability; it returns nil when the server answered.
type Probe func(ctx context.Context) error

// Watcher polls a Probe and emits edge-triggered transitions. State only
// flips after FlapThreshold consecutive identical results, so a single
// dropped probe does not bounce the agent offline.
type Watcher struct {
	Interval      time.Duration
	FlapThreshold int
	Probe         Probe

	// OnOnline fires on each offline-to-online transition, OnOffline on
	// the reverse. Both are called from the watcher goroutine.
	OnOnline  func()
	OnOffline func()

	mu     sync.RWMutex
	online bool
	streak int
}

// New builds a watcher that starts offline; it flips online once
// flapThreshold consecutive probes succeed.
func New(interval time.Duration, flapThreshold int, probe Probe) *Watcher {
	if flapThreshold < 1 {
		flapThreshold = 1
	}
	return &Watcher{
		Interval:      interval,
		FlapThreshold: flapThreshold,
		Probe:         probe,
	}
}

// Online reports the current state.
func (w *Watcher) Online() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.online
}

// Run polls until ctx is cancelled. The first probe fires immediately so
// the agent does not wait a full interval to learn it is online.
func (w *Watcher) Run(ctx context.Context) {
	w.poll(ctx)

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, w.Interval)
	err := w.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}
	w.observe(err == nil)
}

// observe folds one probe result into the state machine. The streak counts
// consecutive results that disagree with the current state; the state flips
// once the streak reaches FlapThreshold.
func (w *Watcher) observe(reachable bool) {
	w.mu.Lock()
	if reachable == w.online {
		w.streak = 0
		w.mu.Unlock()
		return
	}

	w.streak++
	if w.streak < w.FlapThreshold {
		w.mu.Unlock()
		return
	}

	w.online = reachable
	w.streak = 0
	w.mu.Unlock()

	if reachable {
		slog.Info("connectivity: online")
		if w.OnOnline != nil {
			w.OnOnline()
		}
	} else {
		slog.Warn("connectivity: offline")
		if w.OnOffline != nil {
			w.OnOffline()
		}
	}
}
