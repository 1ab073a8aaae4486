package async

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type panicRecorder struct {
	mu    sync.Mutex
	count int
}

func (p *panicRecorder) Error(format string, args ...any) {
	p.mu.Lock()
	p.count++
	p.mu.Unlock()
}

func (p *panicRecorder) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func TestGoRecoversPanics(t *testing.T) {
	rec := &panicRecorder{}
	done := make(chan struct{})

	Go(rec, "exploder", func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("goroutine did not finish")
	}

	// Recover runs in the deferred frame after done closes; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for rec.calls() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("panic was not logged")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLoopStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int64

	Loop(ctx, nil, "counter", 5*time.Millisecond, func(ctx context.Context) {
		ticks.Add(1)
	})

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("loop never ticked")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	time.Sleep(20 * time.Millisecond)
	settled := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	if ticks.Load()-settled > 1 {
		t.Fatalf("loop kept ticking after cancel")
	}
}

func TestLoopSurvivesPanickingCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &panicRecorder{}
	var ticks atomic.Int64

	Loop(ctx, rec, "flaky", 5*time.Millisecond, func(ctx context.Context) {
		if ticks.Add(1) == 1 {
			panic("first cycle dies")
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("loop did not continue after panic, got %d ticks", ticks.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if rec.calls() == 0 {
		t.Fatalf("panic was not logged")
	}
}
