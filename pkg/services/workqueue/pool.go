// Package workqueue runs tasks on a bounded pool of goroutines.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned by Submit after Close has been called.
var ErrPoolClosed = errors.New("worker pool is closed")

// Pool runs tasks with bounded concurrency. Submit blocks while every slot
// is busy, which pushes backpressure onto the caller.
type Pool struct {
	sem  *semaphore.Weighted
	size int

	mu      sync.Mutex
	running map[string]*TaskState
	totals  Progress
	closed  bool

	// wg tracks submitted tasks until they finish.
	wg sync.WaitGroup

	// Callbacks
	onUpdate func(TaskSnapshot)

	logger *zap.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithOnUpdate sets a callback invoked on every task state change.
//
// WARNING: The callback is invoked while holding the pool's internal lock.
// Do NOT call any Pool methods from within the callback or it will deadlock.
func WithOnUpdate(callback func(TaskSnapshot)) PoolOption {
	return func(p *Pool) {
		p.onUpdate = callback
	}
}

// NewPool creates a pool running at most size tasks at once.
// A size below 1 is treated as 1.
func NewPool(size int, logger *zap.Logger, opts ...PoolOption) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		sem:     semaphore.NewWeighted(int64(size)),
		size:    size,
		running: make(map[string]*TaskState),
		logger:  logger.Named("workqueue"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle tracks one submitted task.
type Handle struct {
	state *TaskState
	done  chan struct{}
}

// Wait blocks until the task finishes and returns its error, or returns
// ctx.Err() if ctx is done first. The task keeps running in that case.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.state.GetError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the task finishes.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Snapshot returns the task's current state.
func (h *Handle) Snapshot() TaskSnapshot {
	return h.state.Snapshot()
}

// Submit waits for a free slot and starts task on it. ctx bounds both the
// wait and the task's execution. Returns ctx.Err() (wrapped) if no slot frees
// up in time.
func (p *Pool) Submit(ctx context.Context, task Task) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.wg.Add(1)
	p.totals.Submitted++
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.mu.Lock()
		p.totals.Cancelled++
		p.mu.Unlock()
		p.wg.Done()
		return nil, fmt.Errorf("failed to acquire worker slot: %w", err)
	}

	ts := NewTaskState(task)
	h := &Handle{state: ts, done: make(chan struct{})}

	p.mu.Lock()
	ts.SetStatus(TaskStatusRunning)
	p.running[task.ID()] = ts
	p.notifyUpdateLocked(ts)
	p.mu.Unlock()

	go p.run(ctx, ts, h)
	return h, nil
}

// run executes a task and records its outcome.
func (p *Pool) run(ctx context.Context, ts *TaskState, h *Handle) {
	defer p.wg.Done()
	defer p.sem.Release(1)
	defer close(h.done)

	err := p.execute(ctx, ts.Task)

	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.running, ts.Task.ID())

	switch {
	case err == nil:
		ts.SetStatus(TaskStatusCompleted)
		p.totals.Completed++
	case errors.Is(err, context.Canceled):
		ts.SetError(err)
		ts.SetStatus(TaskStatusCancelled)
		p.totals.Cancelled++
		p.logger.Debug("task cancelled",
			zap.String("task_id", ts.Task.ID()),
			zap.String("task_name", ts.Task.Name()))
	default:
		ts.SetError(err)
		ts.SetStatus(TaskStatusFailed)
		p.totals.Failed++
		p.logger.Debug("task failed",
			zap.String("task_id", ts.Task.ID()),
			zap.String("task_name", ts.Task.Name()),
			zap.Error(err))
	}

	p.notifyUpdateLocked(ts)
}

// execute runs the task, converting a panic into an error so one bad task
// cannot take the process down.
func (p *Pool) execute(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				zap.String("task_id", task.ID()),
				zap.String("task_name", task.Name()),
				zap.Any("panic", r))
			err = fmt.Errorf("task %s panicked: %v", task.Name(), r)
		}
	}()
	return task.Execute(ctx)
}

// notifyUpdateLocked calls the update callback.
// Must be called with lock held.
func (p *Pool) notifyUpdateLocked(ts *TaskState) {
	if p.onUpdate == nil {
		return
	}
	p.onUpdate(ts.Snapshot())
}

// Size returns the pool's concurrency limit.
func (p *Pool) Size() int {
	return p.size
}

// Tasks returns snapshots of the tasks currently running.
func (p *Pool) Tasks() []TaskSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshots := make([]TaskSnapshot, 0, len(p.running))
	for _, ts := range p.running {
		snapshots = append(snapshots, ts.Snapshot())
	}
	return snapshots
}

// Progress returns cumulative counters plus the current running count.
func (p *Pool) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()

	prog := p.totals
	prog.Capacity = p.size
	prog.Running = len(p.running)
	return prog
}

// Close stops accepting tasks and waits for submitted ones to finish,
// or until ctx is done.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Progress holds pool statistics.
type Progress struct {
	Capacity  int `json:"capacity"`
	Running   int `json:"running"`
	Submitted int `json:"submitted"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Utilization returns the share of busy slots (0-100).
func (p Progress) Utilization() int {
	if p.Capacity == 0 {
		return 0
	}
	return (p.Running * 100) / p.Capacity
}
