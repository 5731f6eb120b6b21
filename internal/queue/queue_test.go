package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestQueue_RunPool_ProcessesJobsInPriorityOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(ctx, 3)

	var mu sync.Mutex
	var order []int

	done := make(chan struct{})
	var count int
	handler := func(ctx context.Context, job Job) error {
		mu.Lock()
		order = append(order, job.Priority)
		count++
		if count == 3 {
			close(done)
		}
		mu.Unlock()
		return nil
	}

	q.Enqueue(Job{Queue: TradeProcessing, Priority: PriorityLow, Payload: 1})
	q.Enqueue(Job{Queue: TradeProcessing, Priority: PriorityHigh, Payload: 2})
	q.Enqueue(Job{Queue: TradeProcessing, Priority: PriorityNormal, Payload: 3})

	q.RunPool(ctx, TradeProcessing, 1, handler)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for jobs to process")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("expected 3 jobs processed, got %d", len(order))
	}
	if order[0] != PriorityHigh || order[1] != PriorityNormal || order[2] != PriorityLow {
		t.Errorf("expected priority order [high, normal, low], got %v", order)
	}
}

func TestQueue_RunOnce_RetriesUpToMaxAttemptsThenFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(ctx, 2)

	var attempts int
	handler := func(ctx context.Context, job Job) error {
		attempts++
		return errors.New("boom")
	}

	q.runOnce(ctx, Job{Queue: TradeProcessing, ID: uuid.New()}, handler)

	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
	failed := q.Failed()
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed job, got %d", len(failed))
	}
}

func TestQueue_PauseStopsDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(ctx, 1)
	q.Pause(TradeProcessing)

	var delivered bool
	var mu sync.Mutex
	q.RunPool(ctx, TradeProcessing, 1, func(ctx context.Context, job Job) error {
		mu.Lock()
		delivered = true
		mu.Unlock()
		return nil
	})

	q.Enqueue(Job{Queue: TradeProcessing})
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if delivered {
		t.Error("expected job to not be delivered while queue paused")
	}
}

func TestQueue_SymbolWorker_SerializesPerSymbol(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(ctx, 1)

	var mu sync.Mutex
	var concurrent, maxConcurrent int
	done := make(chan struct{})
	var count int

	q.SetOrderHandler(func(ctx context.Context, job Job) error {
		mu.Lock()
		concurrent++
		if concurrent > maxConcurrent {
			maxConcurrent = concurrent
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		concurrent--
		count++
		if count == 5 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	for i := 0; i < 5; i++ {
		q.Enqueue(Job{Queue: OrderProcessing, Symbol: "ACME"})
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for symbol jobs to process")
	}

	mu.Lock()
	defer mu.Unlock()
	if maxConcurrent > 1 {
		t.Errorf("expected at most 1 concurrent job per symbol, saw %d", maxConcurrent)
	}
}
