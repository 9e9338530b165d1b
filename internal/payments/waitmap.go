package payments

import (
	"context"
	"sync"
)

// waitMap lets HTTP long-poll handlers block until a payment reaches a
// terminal state. Notify wakes every waiter exactly once; keys are payment
// ids and are forgotten after notification since completion is terminal.
type waitMap struct {
	mu      sync.Mutex
	waiters map[string]chan struct{}
}

func newWaitMap() *waitMap {
	return &waitMap{waiters: make(map[string]chan struct{})}
}

func (w *waitMap) channel(key string) chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.waiters[key]
	if !ok {
		ch = make(chan struct{})
		w.waiters[key] = ch
	}
	return ch
}

// Wait blocks until Notify(key) or context cancellation. The lock is never
// held while blocked, so concurrent waiters and notifiers cannot deadlock.
func (w *waitMap) Wait(ctx context.Context, key string) error {
	ch := w.channel(key)
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify wakes all current waiters on key. Safe to call with no waiters and
// safe to call repeatedly.
func (w *waitMap) Notify(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ch, ok := w.waiters[key]; ok {
		close(ch)
		delete(w.waiters, key)
	}
}
