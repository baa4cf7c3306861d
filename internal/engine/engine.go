// Package engine reconciles the local store with the remote ERP API: it
// drains the pending-mutation queue oldest first, then refreshes every
// entity collection in parallel. Failures are isolated per mutation and per
// collection; only a failure of the orchestration itself puts the engine in
// the Error state.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/mercatus/mercsync/internal/entity"
	"github.com/mercatus/mercsync/internal/erpclient"
	"github.com/mercatus/mercsync/internal/notify"
	"github.com/mercatus/mercsync/internal/store"
)

// State is the engine's externally visible state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateOffline State = "offline"
	StateError   State = "error"
)

// API is the slice of the ERP client the engine needs.
type API interface {
	FetchCollection(ctx context.Context, collection string) ([]entity.Record, error)
	Apply(ctx context.Context, m erpclient.MutationRequest) (json.RawMessage, error)
}

// Publisher receives engine notifications; satisfied by *notify.Hub.
type Publisher interface {
	Publish(ev notify.Event)
}

// Config tunes the engine.
type Config struct {
	// Interval between timer-driven cycles.
	Interval time.Duration
	// MaxRetries is the number of network-class failures a queued
	// mutation survives before it is dead-lettered.
	MaxRetries int
	// Collections to refresh; defaults to every registered entity.
	Collections []string
}

// Engine coordinates sync cycles. A single cycle runs at a time: concurrent
// triggers collapse onto the in-flight cycle and share its result.
type Engine struct {
	store  store.Store
	api    API
	cfg    Config
	pub    Publisher
	online func() bool

	mu       sync.Mutex
	state    State
	lastSync time.Time
	lastErr  error
	inflight *flight

	wake chan struct{}
}

// flight is one in-progress cycle; done closes when the result is ready.
type flight struct {
	done   chan struct{}
	result *Result
	err    error
}

// Result is the outcome of one sync cycle.
type Result struct {
	// Skipped is true when the device was offline and the cycle did no
	// work at all.
	Skipped bool
	// Collections maps every known entity to its post-cycle contents:
	// freshly fetched where the refresh succeeded, the cached copy where
	// it failed.
	Collections map[string][]entity.Record
	// Drained counts mutations confirmed by the server this cycle.
	Drained int
	// DeadLettered counts mutations abandoned this cycle.
	DeadLettered int
	// Warnings holds per-collection refresh failures. A non-empty list is
	// a partial sync, not an error.
	Warnings []string

	StartedAt  time.Time
	FinishedAt time.Time
}

// New creates an engine. online reports device connectivity; pub may be nil.
func New(st store.Store, api API, cfg Config, pub Publisher, online func() bool) *Engine {
	if len(cfg.Collections) == 0 {
		cfg.Collections = entity.All()
	}
	if online == nil {
		online = func() bool { return true }
	}
	return &Engine{
		store:  st,
		api:    api,
		cfg:    cfg,
		pub:    pub,
		online: online,
		state:  StateIdle,
		wake:   make(chan struct{}, 1),
	}
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastSync returns when the last successful cycle finished (zero if never).
func (e *Engine) LastSync() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// LastError returns the error that put the engine in the Error state, if any.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Wake requests a sync cycle outside the timer, e.g. after a local mutation
// was queued or when connectivity returns. Coalesces if one is already
// requested.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drives timer- and wake-triggered cycles until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.wake:
		}
		if _, err := e.ForceSync(ctx); err != nil {
			slog.Error("sync cycle failed", "err", err)
		}
	}
}

// ForceSync runs one cycle now. If a cycle is already in flight, it waits
// for that cycle and returns its result instead of starting a second one.
func (e *Engine) ForceSync(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if f := e.inflight; f != nil {
		e.mu.Unlock()
		select {
		case <-f.done:
			return f.result, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	e.inflight = f
	e.mu.Unlock()

	res, err := e.cycle(ctx)

	e.mu.Lock()
	f.result, f.err = res, err
	e.inflight = nil
	e.mu.Unlock()
	close(f.done)
	return res, err
}

// cycle performs one full sync pass.
func (e *Engine) cycle(ctx context.Context) (*Result, error) {
	res := &Result{StartedAt: time.Now().UTC()}

	if !e.online() {
		e.setState(StateOffline, nil)
		res.Skipped = true
		res.FinishedAt = time.Now().UTC()
		slog.Debug("sync skipped: offline")
		return res, nil
	}

	e.setState(StateSyncing, nil)
	e.publish(notify.Event{Type: notify.TypeSyncStarted, Timestamp: time.Now().Unix()})

	if err := e.drain(ctx, res); err != nil {
		e.setState(StateError, err)
		e.publish(notify.Event{Type: notify.TypeSyncFailed, Timestamp: time.Now().Unix()})
		return nil, err
	}

	if err := e.refresh(ctx, res); err != nil {
		e.setState(StateError, err)
		e.publish(notify.Event{Type: notify.TypeSyncFailed, Timestamp: time.Now().Unix()})
		return nil, err
	}

	res.FinishedAt = time.Now().UTC()
	e.mu.Lock()
	e.state = StateIdle
	e.lastErr = nil
	e.lastSync = res.FinishedAt
	e.mu.Unlock()

	e.publish(notify.Event{Type: notify.TypeSyncFinished, Timestamp: time.Now().Unix()})
	slog.Info("sync cycle complete",
		"drained", res.Drained,
		"dead_lettered", res.DeadLettered,
		"warnings", len(res.Warnings),
		"took", res.FinishedAt.Sub(res.StartedAt))
	return res, nil
}

func (e *Engine) setState(s State, err error) {
	e.mu.Lock()
	e.state = s
	e.lastErr = err
	e.mu.Unlock()
}

func (e *Engine) publish(ev notify.Event) {
	if e.pub != nil {
		e.pub.Publish(ev)
	}
}
