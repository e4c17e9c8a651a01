// Package threadlock serializes engine invocations per thread identifier.
// Locks for distinct threads are independent; messages queued behind one
// thread's lock run strictly in arrival order. Entries are created lazily and
// reclaimed as soon as a thread goes idle.
package threadlock

import (
	"context"
	"errors"
	"sync"
)

// ErrBusy is returned when a thread's wait queue is at its depth cap.
var ErrBusy = errors.New("thread busy")

type entry struct {
	running bool
	// queue holds one grant channel per waiter, head first. A waiter is
	// admitted by closing its channel.
	queue []chan struct{}
}

// Registry hands out per-thread FIFO locks. The zero value is not usable;
// call NewRegistry.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	maxDepth int
}

// NewRegistry creates a registry. maxDepth caps the number of waiters queued
// behind one busy thread; zero or negative means unbounded.
func NewRegistry(maxDepth int) *Registry {
	return &Registry{
		entries:  map[string]*entry{},
		maxDepth: maxDepth,
	}
}

// Do runs fn while holding the lock for threadID. Calls for the same thread
// are serialized FIFO; calls for different threads proceed in parallel. The
// lock is released on every exit path. Returns ErrBusy when the thread's
// queue is full, or the context error when ctx is done before the lock is
// granted.
func (r *Registry) Do(ctx context.Context, threadID string, fn func(ctx context.Context) error) error {
	if err := r.acquire(ctx, threadID); err != nil {
		return err
	}
	defer r.release(threadID)
	return fn(ctx)
}

// Waiters reports how many callers are queued behind threadID's lock,
// excluding the current holder.
func (r *Registry) Waiters(threadID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[threadID]
	if !ok {
		return 0
	}
	return len(e.queue)
}

// Idle reports whether no lock entry exists for threadID.
func (r *Registry) Idle(threadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[threadID]
	return !ok
}

func (r *Registry) acquire(ctx context.Context, threadID string) error {
	r.mu.Lock()
	e, ok := r.entries[threadID]
	if !ok {
		e = &entry{}
		r.entries[threadID] = e
	}
	if !e.running {
		e.running = true
		r.mu.Unlock()
		return nil
	}
	if r.maxDepth > 0 && len(e.queue) >= r.maxDepth {
		r.mu.Unlock()
		return ErrBusy
	}
	grant := make(chan struct{})
	e.queue = append(e.queue, grant)
	r.mu.Unlock()

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		for i, ch := range e.queue {
			if ch == grant {
				e.queue = append(e.queue[:i], e.queue[i+1:]...)
				r.mu.Unlock()
				return ctx.Err()
			}
		}
		r.mu.Unlock()
		// The grant raced the cancellation: we now hold the lock and must
		// hand it back before reporting the cancellation.
		r.release(threadID)
		return ctx.Err()
	}
}

func (r *Registry) release(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[threadID]
	if !ok {
		return
	}
	if len(e.queue) > 0 {
		next := e.queue[0]
		e.queue = e.queue[1:]
		close(next)
		return
	}
	e.running = false
	delete(r.entries, threadID)
}
