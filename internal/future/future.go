// Package future implements the worker/main-thread continuation boundary
// the content pipeline and tile state machine are built against: work
// dispatched with Pool.Go runs on a bounded worker pool
// ("thenInWorkerThread"); its result is handed to the caller's continuation
// exactly once, from inside a single MainThreadQueue.Drain call driven by
// the tileset's per-frame Update ("thenInMainThread"). Worker continuations
// never touch the tile tree directly -- only a queued main-thread
// continuation is allowed to.
package future

import (
	"github.com/sourcegraph/conc/pool"

	"github.com/MeKo-Tech/tile3d/internal/iface"
)

// Pool is a bounded worker pool for "thenInWorkerThread" work. It wraps
// conc/pool.Pool, which recovers panics in submitted goroutines and
// re-panics them on Wait so a single bad worker cannot silently vanish.
// Pool implements iface.TaskProcessor; a Tileset holds the concrete *Pool
// (so it can Wait) and submits its load work through StartTask.
type Pool struct {
	p *pool.Pool
}

// NewPool creates a worker pool with at most maxGoroutines concurrently
// running tasks. maxGoroutines <= 0 means unbounded.
func NewPool(maxGoroutines int) *Pool {
	p := pool.New()
	if maxGoroutines > 0 {
		p = p.WithMaxGoroutines(maxGoroutines)
	}
	return &Pool{p: p}
}

// Go submits f to run on the pool.
func (p *Pool) Go(f func()) {
	p.p.Go(f)
}

// StartTask implements iface.TaskProcessor.
func (p *Pool) StartTask(f func()) {
	p.p.Go(f)
}

var _ iface.TaskProcessor = (*Pool)(nil)

// Wait blocks until every submitted task has completed, re-panicking any
// panic a task raised.
func (p *Pool) Wait() {
	p.p.Wait()
}

// Continuation is a closure queued by worker-thread code to run later on
// the main thread. It carries no return value; continuations communicate
// results by closing over the variables they need to set.
type Continuation func()

// MainThreadQueue collects continuations produced by worker-thread
// completions and lets the owning goroutine (the one calling
// Tileset.Update) drain them one at a time, giving every completion a
// single atomic merge point into the tile tree.
type MainThreadQueue struct {
	ch chan Continuation
}

// NewMainThreadQueue creates a queue buffering up to capacity pending
// continuations before Post blocks.
func NewMainThreadQueue(capacity int) *MainThreadQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &MainThreadQueue{ch: make(chan Continuation, capacity)}
}

// Post enqueues a continuation to run on the next Drain. Safe to call from
// any goroutine, including worker-pool tasks.
func (q *MainThreadQueue) Post(c Continuation) {
	q.ch <- c
}

// Drain runs every continuation currently queued, in the order they were
// posted, without blocking for continuations posted after Drain begins.
// Intended to be called once per frame from the tileset's Update.
func (q *MainThreadQueue) Drain() (ran int) {
	for {
		select {
		case c := <-q.ch:
			c()
			ran++
		default:
			return ran
		}
	}
}
