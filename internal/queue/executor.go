package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/scribehq/scribed/internal/process"
)

// Executor drains the queue one task at a time. Process status follows
// the task: running on dequeue, then completed, failed, or cancelled.
type Executor struct {
	queue    *Queue
	store    *process.Store
	log      *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

func NewExecutor(q *Queue, store *process.Store, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		queue:  q,
		store:  store,
		log:    log.With("component", "queue-executor"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the drain loop.
func (e *Executor) Start() {
	go e.loop()
}

// Stop cancels the running task, if any, and waits for the loop to exit.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })

	e.queue.mu.Lock()
	if e.queue.running != nil {
		e.queue.running.cancelled = true
		cancel := e.queue.running.cancel
		e.queue.mu.Unlock()
		cancel()
	} else {
		e.queue.mu.Unlock()
	}
	<-e.doneCh
}

func (e *Executor) loop() {
	defer close(e.doneCh)
	for {
		e.drain()
		select {
		case <-e.queue.wakeCh:
		case <-e.stopCh:
			return
		}
	}
}

func (e *Executor) drain() {
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}
		task := e.queue.dequeue()
		if task == nil {
			return
		}
		e.run(task)
	}
}

func (e *Executor) run(task *Task) {
	ctx, cancel := context.WithCancel(context.Background())
	started := time.Now().UTC()

	e.queue.mu.Lock()
	e.queue.running = &runningTask{task: task, cancel: cancel, startedAt: started}
	e.queue.mu.Unlock()

	e.setProcessStatus(task, process.StatusRunning, "")
	e.queue.publishUpdated()
	e.log.Info("task started", "task", task.ID, "type", task.Type, "priority", task.Priority)

	err := e.runGuarded(ctx, task)
	cancel()

	e.queue.mu.Lock()
	wasCancelled := e.queue.running != nil && e.queue.running.cancelled
	e.queue.running = nil

	status := "completed"
	errMsg := ""
	switch {
	case wasCancelled || errors.Is(err, context.Canceled):
		status = "cancelled"
		e.queue.stats.Cancelled++
	case err != nil:
		status = "failed"
		errMsg = err.Error()
		e.queue.stats.Failed++
	default:
		e.queue.stats.Completed++
	}
	entry := terminalEntry(task, status, errMsg, started)
	e.queue.recordHistoryLocked(entry)
	e.queue.mu.Unlock()

	switch status {
	case "completed":
		e.setProcessStatus(task, process.StatusCompleted, "")
	case "cancelled":
		e.setProcessStatus(task, process.StatusCancelled, "")
	default:
		e.setProcessStatus(task, process.StatusFailed, errMsg)
	}

	e.queue.publishTerminal(entry)
	e.queue.publishUpdated()
	e.log.Info("task finished", "task", task.ID, "status", status, "duration_ms", entry.Duration)
}

// runGuarded converts a task panic into a failure instead of taking the
// whole drain loop down.
func (e *Executor) runGuarded(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("task panicked", "task", task.ID, "panic", r)
			err = errors.New("task panicked")
		}
	}()
	return task.Run(ctx)
}

func (e *Executor) setProcessStatus(task *Task, status process.Status, errMsg string) {
	if e.store == nil || task.ProcessID == "" {
		return
	}
	if _, err := e.store.SetStatus(task.ProcessID, status, errMsg); err != nil &&
		!errors.Is(err, process.ErrNotFound) && !errors.Is(err, process.ErrTerminal) {
		e.log.Warn("process status update failed", "process", task.ProcessID, "error", err)
	}
}
