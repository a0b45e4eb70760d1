package future

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolGoWaitRunsAllTasks(t *testing.T) {
	pool := NewPool(4)
	var count atomic.Int32

	for i := 0; i < 20; i++ {
		pool.Go(func() { count.Add(1) })
	}
	pool.Wait()

	if got := count.Load(); got != 20 {
		t.Fatalf("ran %d tasks, want 20", got)
	}
}

func TestMainThreadQueueDrainRunsPostedContinuationsInOrder(t *testing.T) {
	queue := NewMainThreadQueue(16)
	var order []int

	for i := 0; i < 5; i++ {
		i := i
		queue.Post(func() { order = append(order, i) })
	}

	ran := queue.Drain()
	if ran != 5 {
		t.Fatalf("Drain ran %d continuations, want 5", ran)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want 0..4 in order", order)
		}
	}
}

func TestMainThreadQueueDrainDoesNotBlockOnEmptyQueue(t *testing.T) {
	queue := NewMainThreadQueue(4)
	done := make(chan int, 1)
	go func() { done <- queue.Drain() }()

	select {
	case ran := <-done:
		if ran != 0 {
			t.Fatalf("Drain on empty queue ran %d, want 0", ran)
		}
	case <-time.After(time.Second):
		t.Fatalf("Drain blocked on an empty queue")
	}
}

func TestMainThreadQueueWorkerPostsMainThreadDrains(t *testing.T) {
	pool := NewPool(2)
	queue := NewMainThreadQueue(8)
	var applied atomic.Int32

	for i := 0; i < 10; i++ {
		pool.Go(func() {
			// Simulate a worker computing a result, then handing the merge
			// into shared state to the main thread via a continuation.
			queue.Post(func() { applied.Add(1) })
		})
	}
	pool.Wait()

	for applied.Load() < 10 {
		queue.Drain()
	}
	if got := applied.Load(); got != 10 {
		t.Fatalf("applied = %d, want 10", got)
	}
}
