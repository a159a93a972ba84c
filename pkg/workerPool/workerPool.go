package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
)

var ErrPoolClosed = errors.New("workerpool: closed")

type WorkerPool struct {
	config    Config
	taskQueue chan Task

	mu      sync.RWMutex
	closed  bool
	workers sync.WaitGroup
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

type Room struct {
	resultChan chan interface{}
	wg         sync.WaitGroup
	wp         *WorkerPool
}

type Task struct {
	run  func() interface{}
	done func(interface{})
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU()
	}

	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 1024
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan Task, config.GlobalBuffer),
	}

	wp.workers.Add(config.WorkerCount)
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}

	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.workers.Done()
	for t := range wp.taskQueue {
		t.done(t.run())
	}
}

func (wp *WorkerPool) Workers() int { return wp.config.WorkerCount }

// Close stops accepting tasks, lets queued ones finish and waits for the
// workers to exit.
func (wp *WorkerPool) Close() {
	wp.mu.Lock()
	if !wp.closed {
		wp.closed = true
		close(wp.taskQueue)
	}
	wp.mu.Unlock()
	wp.workers.Wait()
}

func (wp *WorkerPool) submit(ctx context.Context, t Task) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		return ErrPoolClosed
	}
	select {
	case wp.taskQueue <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type outcome[T any] struct {
	val T
	err error
}

// Do runs job on the pool and waits for its result. When ctx ends first Do
// returns ctx.Err(); a job already picked up still runs to completion and
// its result is discarded.
func Do[T any](ctx context.Context, wp *WorkerPool, job func() (T, error)) (T, error) {
	var zero T
	done := make(chan outcome[T], 1)
	err := wp.submit(ctx, Task{
		run: func() interface{} {
			if ctx.Err() != nil {
				return outcome[T]{err: ctx.Err()}
			}
			v, err := job()
			return outcome[T]{val: v, err: err}
		},
		done: func(r interface{}) { done <- r.(outcome[T]) },
	})
	if err != nil {
		return zero, fmt.Errorf("workerpool: submit: %w", err)
	}

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// CreateRoom groups up to size tasks whose results are gathered by Collect.
func (wp *WorkerPool) CreateRoom(size int) *Room {
	return &Room{
		resultChan: make(chan interface{}, size),
		wp:         wp,
	}
}

// NewTaskWaitForFreeSlot queues job, blocking while the pool queue is full.
func (ro *Room) NewTaskWaitForFreeSlot(ctx context.Context, job func() interface{}) error {
	ro.wg.Add(1)
	err := ro.wp.submit(ctx, Task{
		run: job,
		done: func(r interface{}) {
			ro.resultChan <- r
			ro.wg.Done()
		},
	})
	if err != nil {
		ro.wg.Done()
	}
	return err
}

// NewTask queues job without blocking.
func (ro *Room) NewTask(job func() interface{}) error {
	if len(ro.wp.taskQueue) == cap(ro.wp.taskQueue) {
		return fmt.Errorf("Global buffer is full. Please wait for some tasks to finish. Or increase the buffer size.")
	}

	if len(ro.resultChan) == cap(ro.resultChan) {
		return fmt.Errorf("Room buffer is full. Please wait for some tasks to finish. Or increase the buffer size.")
	}

	return ro.NewTaskWaitForFreeSlot(context.Background(), job)
}

// Collect waits for every queued task and returns the results in
// completion order.
func (ro *Room) Collect() []interface{} {
	go ro.WaitAndClose()
	results := make([]interface{}, 0, cap(ro.resultChan))

	for result := range ro.resultChan {
		results = append(results, result)
	}

	return results
}

func (ro *Room) WaitAndClose() {
	ro.wg.Wait()
	close(ro.resultChan)
}
