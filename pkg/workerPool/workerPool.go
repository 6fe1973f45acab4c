// Package workerpool runs fan-out work on a fixed set of
// goroutines. Callers group related tasks in a Room and
// collect the room's results once all of them finished.
package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

var (
	ErrPoolStopped = errors.New("workerpool: pool stopped")
	ErrRoomFull    = errors.New("workerpool: room buffer is full")
)

type WorkerPool struct {
	config    Config
	taskQueue chan task
	stopOnce  sync.Once
	stopped   chan struct{}
	workers   sync.WaitGroup
	// sendMu orders task submission against the final
	// queue drain in Stop.
	sendMu sync.RWMutex
}

type task struct {
	run     func()
	abandon func(error)
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 3
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 1000
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan task, config.GlobalBuffer),
		stopped:   make(chan struct{}),
	}

	wp.workers.Add(config.WorkerCount)
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.workers.Done()
	for {
		select {
		case <-wp.stopped:
			return
		case t := <-wp.taskQueue:
			t.run()
		}
	}
}

// Stop ends all workers after their current task.
// Queued tasks that never ran are dropped and their
// rooms receive ErrPoolStopped.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		close(wp.stopped)
	})
	wp.workers.Wait()

	wp.sendMu.Lock()
	defer wp.sendMu.Unlock()
	for {
		select {
		case t := <-wp.taskQueue:
			t.abandon(ErrPoolStopped)
		default:
			return
		}
	}
}

// Result is the outcome of one task.
type Result[T any] struct {
	Value T
	Err   error
}

// Room collects the results of a group of tasks.
type Room[T any] struct {
	wp      *WorkerPool
	results chan Result[T]
	pending sync.WaitGroup
	size    int
	added   int
	mu      sync.Mutex
}

// NewRoom creates a room for at most size tasks.
func NewRoom[T any](wp *WorkerPool, size int) *Room[T] {
	return &Room[T]{
		wp:      wp,
		results: make(chan Result[T], size),
		size:    size,
	}
}

// Go schedules job. It blocks while the global queue is
// full and returns early when ctx ends or the pool stops.
// job receives ctx and should honour it.
func (ro *Room[T]) Go(ctx context.Context, job func(context.Context) (T, error)) error {
	ro.mu.Lock()
	if ro.added >= ro.size {
		ro.mu.Unlock()
		return ErrRoomFull
	}
	ro.added++
	ro.pending.Add(1)
	ro.mu.Unlock()

	t := task{
		run: func() {
			defer ro.pending.Done()
			if err := ctx.Err(); err != nil {
				ro.results <- Result[T]{Err: err}
				return
			}
			v, err := job(ctx)
			ro.results <- Result[T]{Value: v, Err: err}
		},
		abandon: ro.abandon,
	}

	ro.wp.sendMu.RLock()
	defer ro.wp.sendMu.RUnlock()

	select {
	case <-ro.wp.stopped:
		ro.abandon(ErrPoolStopped)
		return ErrPoolStopped
	default:
	}

	select {
	case ro.wp.taskQueue <- t:
		return nil
	case <-ro.wp.stopped:
		ro.abandon(ErrPoolStopped)
		return ErrPoolStopped
	case <-ctx.Done():
		ro.abandon(ctx.Err())
		return ctx.Err()
	}
}

func (ro *Room[T]) abandon(err error) {
	ro.results <- Result[T]{Err: err}
	ro.pending.Done()
}

// Collect waits for every scheduled task and returns the
// results in completion order.
func (ro *Room[T]) Collect() []Result[T] {
	ro.pending.Wait()
	close(ro.results)
	out := make([]Result[T], 0, len(ro.results))
	for r := range ro.results {
		out = append(out, r)
	}
	return out
}

// Stream returns the results channel. It is closed once
// every scheduled task finished; no task may be added
// after Stream is called.
func (ro *Room[T]) Stream() <-chan Result[T] {
	go func() {
		ro.pending.Wait()
		close(ro.results)
	}()
	return ro.results
}
