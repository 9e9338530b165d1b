package payments

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestWaitMapWakesAllWaiters(t *testing.T) {
	wm := newWaitMap()

	var wg sync.WaitGroup
	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- wm.Wait(context.Background(), "plp_1")
		}()
	}

	// Give the waiters time to register before notifying.
	time.Sleep(20 * time.Millisecond)
	wm.Notify("plp_1")
	wg.Wait()
	close(results)

	for err := range results {
		if err != nil {
			t.Fatalf("unexpected waiter error: %v", err)
		}
	}
}

func TestWaitMapRespectsContextCancellation(t *testing.T) {
	wm := newWaitMap()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := wm.Wait(ctx, "plp_never")
	if err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestWaitMapNotifyWithoutWaitersIsNoop(t *testing.T) {
	wm := newWaitMap()
	wm.Notify("plp_gone")
	wm.Notify("plp_gone")

	// A waiter arriving after notification blocks until its own notify.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := wm.Wait(ctx, "plp_gone"); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
