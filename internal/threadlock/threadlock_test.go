package threadlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestDoSerializesSameThreadFIFO(t *testing.T) {
	reg := NewRegistry(0)
	ctx := context.Background()

	var mu sync.Mutex
	order := make([]int, 0, 5)

	started := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = reg.Do(ctx, "thread-a", func(context.Context) error {
			close(started)
			<-release
			mu.Lock()
			order = append(order, 0)
			mu.Unlock()
			return nil
		})
	}()
	<-started

	// Queue four more in a known arrival order.
	for i := 1; i <= 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = reg.Do(ctx, "thread-a", func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Wait until the waiter is queued before launching the next one.
		for reg.Waiters("thread-a") < i {
			time.Sleep(time.Millisecond)
		}
	}

	close(release)
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("FIFO violated: order=%v", order)
		}
	}
	if !reg.Idle("thread-a") {
		t.Fatal("entry not reclaimed after idle")
	}
}

func TestDoDistinctThreadsRunInParallel(t *testing.T) {
	reg := NewRegistry(0)
	ctx := context.Background()

	aHolding := make(chan struct{})
	bDone := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = reg.Do(ctx, "thread-a", func(context.Context) error {
			close(aHolding)
			<-release
			return nil
		})
	}()
	<-aHolding

	go func() {
		_ = reg.Do(ctx, "thread-b", func(context.Context) error {
			close(bDone)
			return nil
		})
	}()

	select {
	case <-bDone:
	case <-time.After(time.Second):
		t.Fatal("thread-b blocked behind thread-a's lock")
	}
	close(release)
}

func TestDoReturnsBusyPastDepthCap(t *testing.T) {
	reg := NewRegistry(1)
	ctx := context.Background()

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = reg.Do(ctx, "thread-a", func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	queued := make(chan error, 1)
	go func() {
		queued <- reg.Do(ctx, "thread-a", func(context.Context) error { return nil })
	}()
	for reg.Waiters("thread-a") < 1 {
		time.Sleep(time.Millisecond)
	}

	// Queue is at capacity: the next caller is rejected immediately.
	if err := reg.Do(ctx, "thread-a", func(context.Context) error { return nil }); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(release)
	if err := <-queued; err != nil {
		t.Fatalf("queued waiter failed: %v", err)
	}
}

func TestDoReleasesOnError(t *testing.T) {
	reg := NewRegistry(0)
	ctx := context.Background()

	wantErr := errors.New("engine failure")
	if err := reg.Do(ctx, "thread-a", func(context.Context) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if !reg.Idle("thread-a") {
		t.Fatal("lock not released after error")
	}

	done := make(chan struct{})
	go func() {
		_ = reg.Do(ctx, "thread-a", func(context.Context) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock still held after failed invocation")
	}
}

func TestDoWaiterHonorsCancellation(t *testing.T) {
	reg := NewRegistry(0)

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = reg.Do(context.Background(), "thread-a", func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	ctx, cancel := context.WithCancel(context.Background())
	waiterErr := make(chan error, 1)
	go func() {
		waiterErr <- reg.Do(ctx, "thread-a", func(context.Context) error { return nil })
	}()
	for reg.Waiters("thread-a") < 1 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-waiterErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter did not return")
	}

	close(release)
	// The holder's release must still leave a clean registry.
	for !reg.Idle("thread-a") {
		time.Sleep(time.Millisecond)
	}
}
