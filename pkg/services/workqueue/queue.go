package workqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// ErrQueueClosed is returned by Enqueue after Cancel or Shutdown.
var ErrQueueClosed = errors.New("work queue is closed")

// ErrDuplicateTask is returned by Enqueue when a task with the same ID is
// still pending or running.
var ErrDuplicateTask = errors.New("task already queued")

// Queue runs tasks in lanes under a concurrency strategy. Finished tasks are
// dropped from the queue; totals are kept in Progress.
type Queue struct {
	mu        sync.Mutex
	tasks     []*TaskState
	cancelled bool

	// Concurrency control strategy
	strategy ConcurrencyStrategy

	// idle is closed whenever no task is pending or running
	idle     chan struct{}
	firstErr error
	wg       sync.WaitGroup

	// Cancellation context for running tasks
	ctx    context.Context
	cancel context.CancelFunc

	totals Progress

	// Callbacks
	onUpdate   func([]TaskSnapshot)
	onComplete func(TaskSnapshot)

	logger *zap.Logger
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithStrategy sets the concurrency strategy.
func WithStrategy(strategy ConcurrencyStrategy) QueueOption {
	return func(q *Queue) {
		if strategy != nil {
			q.strategy = strategy
		}
	}
}

// WithOnComplete registers a callback run after each task reaches a
// terminal state. It is called without the queue lock held, so it may
// enqueue more work.
func WithOnComplete(fn func(TaskSnapshot)) QueueOption {
	return func(q *Queue) {
		q.onComplete = fn
	}
}

// New creates a work queue. The default strategy runs one task per lane.
func New(logger *zap.Logger, opts ...QueueOption) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	q := &Queue{
		tasks:    make([]*TaskState, 0),
		strategy: NewSerializedStrategy(),
		idle:     idle,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.Named("workqueue"),
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// SetOnUpdate sets the callback invoked when task state changes.
// The callback receives a snapshot of all active tasks.
//
// WARNING: The callback is invoked while holding the queue's internal lock.
// Do NOT call any Queue methods from within the callback or it will deadlock.
func (q *Queue) SetOnUpdate(callback func([]TaskSnapshot)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onUpdate = callback
}

// Enqueue adds a task and starts it if its lane has capacity.
func (q *Queue) Enqueue(task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancelled {
		q.logger.Warn("queue closed, ignoring enqueue",
			zap.String("task_id", task.ID()),
			zap.String("task_name", task.Name()))
		return ErrQueueClosed
	}

	for _, ts := range q.tasks {
		if ts.Task.ID() == task.ID() {
			q.logger.Info("task already queued, ignoring duplicate",
				zap.String("task_id", task.ID()),
				zap.String("status", string(ts.GetStatus())))
			return ErrDuplicateTask
		}
	}

	q.resetIdleLocked()

	state := NewTaskState(task)
	q.tasks = append(q.tasks, state)
	q.totals.Total++

	q.logger.Info("task enqueued",
		zap.String("task_id", task.ID()),
		zap.String("task_name", task.Name()),
		zap.String("lane", string(task.Lane())))

	q.notifyUpdateLocked()
	q.tryStartTasksLocked()
	return nil
}

// tryStartTasksLocked starts pending tasks, oldest first, whose lane has capacity.
// Must be called with lock held.
func (q *Queue) tryStartTasksLocked() {
	if q.cancelled {
		return
	}

	for _, ts := range q.tasks {
		if ts.GetStatus() != TaskStatusPending {
			continue
		}

		lane := ts.Task.Lane()
		if !q.strategy.CanStart(lane) {
			continue
		}

		q.strategy.OnStart(lane)
		ts.SetStatus(TaskStatusRunning)
		q.notifyUpdateLocked()

		q.logger.Info("starting task",
			zap.String("task_id", ts.Task.ID()),
			zap.String("task_name", ts.Task.Name()),
			zap.String("lane", string(lane)))

		q.wg.Add(1)
		go q.runTask(ts)
	}
}

func (q *Queue) runTask(ts *TaskState) {
	defer q.wg.Done()
	err := q.execute(ts)
	q.completeTask(ts, err)
}

// execute runs the task, converting a panic into an error.
func (q *Queue) execute(ts *TaskState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked",
				zap.String("task_id", ts.Task.ID()),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return ts.Task.Execute(q.ctx)
}

// completeTask records the outcome, frees the lane slot and starts waiting work.
func (q *Queue) completeTask(ts *TaskState, err error) {
	q.mu.Lock()

	q.strategy.OnComplete(ts.Task.Lane())

	switch {
	case err == nil:
		ts.SetStatus(TaskStatusCompleted)
		q.totals.Completed++
		q.logger.Info("task completed",
			zap.String("task_id", ts.Task.ID()),
			zap.String("task_name", ts.Task.Name()))
	case errors.Is(err, context.Canceled):
		ts.SetStatus(TaskStatusCancelled)
		q.totals.Cancelled++
		q.logger.Info("task cancelled",
			zap.String("task_id", ts.Task.ID()),
			zap.String("task_name", ts.Task.Name()))
	default:
		ts.SetStatus(TaskStatusFailed)
		ts.SetError(err)
		q.totals.Failed++
		if q.firstErr == nil {
			q.firstErr = err
		}
		q.logger.Error("task failed",
			zap.String("task_id", ts.Task.ID()),
			zap.String("task_name", ts.Task.Name()),
			zap.Error(err))
	}

	q.removeLocked(ts)
	snapshot := ts.Snapshot()
	q.notifyUpdateLocked()
	q.tryStartTasksLocked()
	if len(q.tasks) == 0 {
		q.closeIdleLocked()
	}
	onComplete := q.onComplete
	q.mu.Unlock()

	if onComplete != nil {
		onComplete(snapshot)
	}
}

// Must be called with lock held.
func (q *Queue) removeLocked(target *TaskState) {
	for i, ts := range q.tasks {
		if ts == target {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return
		}
	}
}

// Must be called with lock held.
func (q *Queue) closeIdleLocked() {
	select {
	case <-q.idle:
	default:
		close(q.idle)
	}
}

// resetIdleLocked opens a new idle channel when work arrives on an idle queue.
// Must be called with lock held.
func (q *Queue) resetIdleLocked() {
	select {
	case <-q.idle:
		q.idle = make(chan struct{})
		q.firstErr = nil
	default:
	}
}

// notifyUpdateLocked calls the update callback with a snapshot of all tasks.
// Must be called with lock held.
func (q *Queue) notifyUpdateLocked() {
	if q.onUpdate == nil {
		return
	}
	q.onUpdate(q.snapshotsLocked())
}

func (q *Queue) snapshotsLocked() []TaskSnapshot {
	snapshots := make([]TaskSnapshot, len(q.tasks))
	for i, ts := range q.tasks {
		snapshots[i] = ts.Snapshot()
	}
	return snapshots
}

// GetTasks returns a snapshot of the pending and running tasks.
func (q *Queue) GetTasks() []TaskSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotsLocked()
}

// Wait blocks until no task is pending or running, or ctx is done.
// It returns the first task failure since the queue was last idle.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.firstErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops accepting tasks, cancels running tasks and drops pending ones.
func (q *Queue) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancelled {
		return
	}

	q.cancelled = true
	q.logger.Info("queue cancelled, signaling running tasks to stop")

	q.cancel()

	remaining := q.tasks[:0]
	for _, ts := range q.tasks {
		if ts.GetStatus() == TaskStatusPending {
			ts.SetStatus(TaskStatusCancelled)
			q.totals.Cancelled++
			continue
		}
		remaining = append(remaining, ts)
	}
	q.tasks = remaining

	q.notifyUpdateLocked()

	if len(q.tasks) == 0 {
		q.closeIdleLocked()
	}
}

// Shutdown cancels the queue and waits for running tasks to return.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.Cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for running tasks: %w", ctx.Err())
	}
}

// Running returns the number of running tasks in lane.
func (q *Queue) Running(lane Lane) int {
	return q.strategy.Running(lane)
}

// Progress returns totals since the queue was created plus current counts.
func (q *Queue) Progress() Progress {
	q.mu.Lock()
	defer q.mu.Unlock()

	p := q.totals
	for _, ts := range q.tasks {
		switch ts.GetStatus() {
		case TaskStatusPending:
			p.Pending++
		case TaskStatusRunning:
			p.Running++
		}
	}
	return p
}

// Progress holds queue statistics.
type Progress struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
