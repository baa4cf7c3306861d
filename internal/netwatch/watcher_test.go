package netwatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var errUnreachable = errors.New("unreachable")

func TestStartsOffline(t *testing.T) {
	w := New(time.Second, 2, func(ctx context.Context) error { return nil })
	if w.Online() {
		t.Fatal("watcher should start offline")
	}
}

func TestFlapThresholdDebouncesTransitions(t *testing.T) {
	w := New(time.Second, 2, nil)

	// One good probe is not enough to flip online.
	w.observe(true)
	if w.Online() {
		t.Fatal("flipped online after a single probe with threshold 2")
	}
	w.observe(true)
	if !w.Online() {
		t.Fatal("should be online after two consecutive good probes")
	}

	// A single bad probe in a healthy run must not flip offline.
	w.observe(false)
	if !w.Online() {
		t.Fatal("flipped offline after a single failed probe")
	}
	// A good probe resets the disagreement streak.
	w.observe(true)
	w.observe(false)
	if !w.Online() {
		t.Fatal("streak should have been reset by the good probe")
	}
	w.observe(false)
	if w.Online() {
		t.Fatal("should be offline after two consecutive failed probes")
	}
}

func TestThresholdOneFlipsImmediately(t *testing.T) {
	w := New(time.Second, 1, nil)
	w.observe(true)
	if !w.Online() {
		t.Fatal("threshold 1 should flip on the first good probe")
	}
	w.observe(false)
	if w.Online() {
		t.Fatal("threshold 1 should flip on the first bad probe")
	}
}

func TestZeroThresholdIsClampedToOne(t *testing.T) {
	w := New(time.Second, 0, nil)
	if w.FlapThreshold != 1 {
		t.Fatalf("threshold: got %d, want 1", w.FlapThreshold)
	}
}

func TestEdgeTriggeredCallbacks(t *testing.T) {
	var ups, downs atomic.Int32
	w := New(time.Second, 1, nil)
	w.OnOnline = func() { ups.Add(1) }
	w.OnOffline = func() { downs.Add(1) }

	w.observe(true)
	w.observe(true) // steady state, no second callback
	w.observe(true)
	if got := ups.Load(); got != 1 {
		t.Errorf("online callbacks: got %d, want 1", got)
	}

	w.observe(false)
	w.observe(false)
	if got := downs.Load(); got != 1 {
		t.Errorf("offline callbacks: got %d, want 1", got)
	}

	w.observe(true)
	if got := ups.Load(); got != 2 {
		t.Errorf("online callbacks after recovery: got %d, want 2", got)
	}
}

func TestRunProbesImmediately(t *testing.T) {
	var probes atomic.Int32
	w := New(time.Hour, 1, func(ctx context.Context) error {
		probes.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for probes.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("first probe did not fire promptly")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if !w.Online() {
		t.Error("watcher should be online after an immediate successful probe")
	}
}

func TestRunKeepsPolling(t *testing.T) {
	var probes atomic.Int32
	w := New(10*time.Millisecond, 1, func(ctx context.Context) error {
		if probes.Add(1) >= 3 {
			return errUnreachable
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for probes.Load() < 4 {
		select {
		case <-deadline:
			t.Fatal("watcher stopped polling")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if w.Online() {
		t.Error("watcher should have gone offline once probes started failing")
	}
}
