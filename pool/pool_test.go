package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmit_runsWorker(t *testing.T) {
	var ran atomic.Bool
	done := make(chan struct{})

	p := New(2, func(ctx context.Context, pairID string, abort <-chan struct{}) {
		ran.Store(true)
		close(done)
	}, nil)

	p.Submit(context.Background(), "pair-1")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not run in time")
	}
	if !ran.Load() {
		t.Error("expected worker to have run")
	}
}

func TestSubmit_duplicateIsNoop(t *testing.T) {
	var runs atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	p := New(1, func(ctx context.Context, pairID string, abort <-chan struct{}) {
		runs.Add(1)
		started <- struct{}{}
		<-release
	}, nil)

	p.Submit(context.Background(), "pair-1")
	<-started

	if !p.IsActive("pair-1") {
		t.Fatal("expected pair-1 to be active")
	}

	// resubmitting while still active must be a no-op
	p.Submit(context.Background(), "pair-1")

	close(release)
	time.Sleep(50 * time.Millisecond)

	if runs.Load() != 1 {
		t.Errorf("expected exactly 1 run, got %d", runs.Load())
	}
}

func TestSubmit_boundsConcurrency(t *testing.T) {
	var concurrent atomic.Int32
	var maxConcurrent atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup

	p := New(2, func(ctx context.Context, pairID string, abort <-chan struct{}) {
		defer wg.Done()
		n := concurrent.Add(1)
		defer concurrent.Add(-1)
		for {
			old := maxConcurrent.Load()
			if n <= old || maxConcurrent.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
	}, nil)

	for i := 0; i < 5; i++ {
		wg.Add(1)
		p.Submit(context.Background(), pairName(i))
	}

	time.Sleep(100 * time.Millisecond)
	if got := maxConcurrent.Load(); got > 2 {
		t.Errorf("expected at most 2 concurrent workers, saw %d", got)
	}

	close(release)
	wg.Wait()
}

func TestResize_admitsMore(t *testing.T) {
	release := make(chan struct{})
	var wg sync.WaitGroup
	var concurrent atomic.Int32
	var maxConcurrent atomic.Int32

	p := New(1, func(ctx context.Context, pairID string, abort <-chan struct{}) {
		defer wg.Done()
		n := concurrent.Add(1)
		defer concurrent.Add(-1)
		for {
			old := maxConcurrent.Load()
			if n <= old || maxConcurrent.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
	}, nil)

	for i := 0; i < 3; i++ {
		wg.Add(1)
		p.Submit(context.Background(), pairName(i))
	}
	time.Sleep(50 * time.Millisecond)

	p.Resize(3)
	time.Sleep(50 * time.Millisecond)

	close(release)
	wg.Wait()

	if got := maxConcurrent.Load(); got < 2 {
		t.Errorf("expected resize to admit more concurrent workers, saw max %d", got)
	}
}

func TestAbort_unblocksWaitingSlot(t *testing.T) {
	release := make(chan struct{})
	blockerDone := make(chan struct{})
	var waiterRan atomic.Bool

	p := New(1, func(ctx context.Context, pairID string, abort <-chan struct{}) {
		if pairID == "blocker" {
			<-release
			close(blockerDone)
			return
		}
		// if this ever runs, the abort did not actually prevent admission
		waiterRan.Store(true)
	}, nil)

	p.Submit(context.Background(), "blocker")
	time.Sleep(20 * time.Millisecond)

	p.Submit(context.Background(), "waiter")
	time.Sleep(20 * time.Millisecond)
	if !p.IsActive("waiter") {
		t.Fatal("expected waiter to be active while queued for a slot")
	}

	p.Abort("waiter")

	deadline := time.After(2 * time.Second)
	for p.IsActive("waiter") {
		select {
		case <-deadline:
			t.Fatal("waiter never released its active record after abort")
		case <-time.After(10 * time.Millisecond):
		}
	}

	close(release)
	<-blockerDone

	if waiterRan.Load() {
		t.Error("waiter should never have been admitted after being aborted while queued")
	}
}

func TestActiveIDs(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	p := New(2, func(ctx context.Context, pairID string, abort <-chan struct{}) {
		started <- struct{}{}
		<-release
	}, nil)

	p.Submit(context.Background(), "pair-x")
	<-started

	ids := p.ActiveIDs()
	if len(ids) != 1 || ids[0] != "pair-x" {
		t.Errorf("expected [pair-x], got %v", ids)
	}

	close(release)
}

func TestAbort_reportsWhetherActive(t *testing.T) {
	started := make(chan struct{}, 1)

	p := New(1, func(ctx context.Context, pairID string, abort <-chan struct{}) {
		started <- struct{}{}
		<-abort
	}, nil)

	if p.Abort("pair-1") {
		t.Error("expected Abort to report false when nothing is active")
	}

	p.Submit(context.Background(), "pair-1")
	<-started

	if !p.Abort("pair-1") {
		t.Error("expected Abort to report true for an in-flight sync")
	}

	deadline := time.After(2 * time.Second)
	for p.IsActive("pair-1") {
		select {
		case <-deadline:
			t.Fatal("worker never released after abort")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func pairName(i int) string {
	return "pair-" + string(rune('a'+i))
}
