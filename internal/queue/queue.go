// Package queue schedules generation tasks for serial execution with
// three priority bands and a bounded terminal-task history.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scribehq/scribed/internal/events"
)

// Priority is a scheduling band. Within a band order is FIFO; a higher
// band always drains before a lower one.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

var bandOrder = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// Valid reports whether p is a known band.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskTerminal = errors.New("task already terminal")
	ErrQueueClosed  = errors.New("queue closed")
)

// TaskFunc is the work a task performs. A cancelled task observes it
// through ctx.
type TaskFunc func(ctx context.Context) error

// Task is one unit of queued work.
type Task struct {
	ID          string    `json:"id"`
	ProcessID   string    `json:"processId,omitempty"`
	WorkspaceID string    `json:"workspaceId,omitempty"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Priority    Priority  `json:"priority"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`

	Run TaskFunc `json:"-"`
}

// HistoryEntry records a task that reached a terminal state.
type HistoryEntry struct {
	TaskID      string    `json:"taskId"`
	ProcessID   string    `json:"processId,omitempty"`
	WorkspaceID string    `json:"workspaceId,omitempty"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	FinishedAt  time.Time `json:"finishedAt"`
	Duration    int64     `json:"durationMs"`
}

// Stats summarizes queue state. Running counts in-flight tasks, which
// with a serial executor is 0 or 1.
type Stats struct {
	Queued    int  `json:"queued"`
	Running   int  `json:"running"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Cancelled int  `json:"cancelled"`
	Total     int  `json:"total"`
	IsPaused  bool `json:"isPaused"`
}

// Snapshot is the externally visible queue state.
type Snapshot struct {
	Queued  []*Task        `json:"queued"`
	Running *Task          `json:"running,omitempty"`
	History []HistoryEntry `json:"history"`
	Stats   Stats          `json:"stats"`
}

const defaultHistorySize = 100

type runningTask struct {
	task      *Task
	cancel    context.CancelFunc
	startedAt time.Time
	cancelled bool
}

// Queue holds pending tasks. Execution is driven by the Executor, which
// drains one task at a time.
type Queue struct {
	mu          sync.Mutex
	bands       map[Priority][]*Task
	running     *runningTask
	paused      bool
	closed      bool
	history     []HistoryEntry
	historySize int
	historyPath string
	stats       Stats
	wakeCh      chan struct{}
	bus         *events.Bus
}

// Option configures a Queue.
type Option func(*Queue)

// WithHistorySize bounds the terminal-task ring.
func WithHistorySize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.historySize = n
		}
	}
}

// WithHistoryPersistence writes the history ring to path on every
// terminal task, surviving restarts.
func WithHistoryPersistence(path string) Option {
	return func(q *Queue) { q.historyPath = path }
}

func New(bus *events.Bus, opts ...Option) *Queue {
	q := &Queue{
		bands:       make(map[Priority][]*Task),
		historySize: defaultHistorySize,
		wakeCh:      make(chan struct{}, 1),
		bus:         bus,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.loadHistory()
	return q
}

// Enqueue adds a task to the back of its band and wakes the executor.
func (q *Queue) Enqueue(t *Task) (*Task, error) {
	if t.Run == nil {
		return nil, errors.New("task has no work function")
	}
	if !t.Priority.Valid() {
		t.Priority = PriorityNormal
	}
	if t.ID == "" {
		t.ID = "task_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	}
	t.EnqueuedAt = time.Now().UTC()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.bands[t.Priority] = append(q.bands[t.Priority], t)
	q.mu.Unlock()

	q.wake()
	q.publishUpdated()
	return t, nil
}

// wake nudges the executor without blocking.
func (q *Queue) wake() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

// Cancel stops a task. Queued tasks are removed and recorded as
// cancelled; the running task has its context cancelled and settles
// asynchronously. Unknown ids return ErrTaskNotFound; a task already in
// history returns ErrTaskTerminal.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()

	for band, tasks := range q.bands {
		for i, t := range tasks {
			if t.ID != id {
				continue
			}
			q.bands[band] = append(tasks[:i], tasks[i+1:]...)
			entry := terminalEntry(t, "cancelled", "", time.Time{})
			q.recordHistoryLocked(entry)
			q.stats.Cancelled++
			q.mu.Unlock()

			q.publishTerminal(entry)
			q.publishUpdated()
			return nil
		}
	}

	if q.running != nil && q.running.task.ID == id {
		q.running.cancelled = true
		cancel := q.running.cancel
		q.mu.Unlock()
		cancel()
		return nil
	}

	for _, h := range q.history {
		if h.TaskID == id {
			q.mu.Unlock()
			return ErrTaskTerminal
		}
	}
	q.mu.Unlock()
	return ErrTaskNotFound
}

// CancelByProcess cancels whichever task owns the given process, queued
// or running. Reports whether a task was found.
func (q *Queue) CancelByProcess(processID string) bool {
	if processID == "" {
		return false
	}
	q.mu.Lock()
	var id string
	for _, tasks := range q.bands {
		for _, t := range tasks {
			if t.ProcessID == processID {
				id = t.ID
				break
			}
		}
	}
	if id == "" && q.running != nil && q.running.task.ProcessID == processID {
		id = q.running.task.ID
	}
	q.mu.Unlock()

	if id == "" {
		return false
	}
	return q.Cancel(id) == nil
}

// MoveToTop moves a queued task to the front of its band.
func (q *Queue) MoveToTop(id string) error {
	return q.reorder(id, func(tasks []*Task, i int) []*Task {
		t := tasks[i]
		return append([]*Task{t}, append(tasks[:i:i], tasks[i+1:]...)...)
	})
}

// MoveUp swaps a queued task with its predecessor in the same band.
func (q *Queue) MoveUp(id string) error {
	return q.reorder(id, func(tasks []*Task, i int) []*Task {
		if i > 0 {
			tasks[i-1], tasks[i] = tasks[i], tasks[i-1]
		}
		return tasks
	})
}

// MoveDown swaps a queued task with its successor in the same band.
func (q *Queue) MoveDown(id string) error {
	return q.reorder(id, func(tasks []*Task, i int) []*Task {
		if i < len(tasks)-1 {
			tasks[i+1], tasks[i] = tasks[i], tasks[i+1]
		}
		return tasks
	})
}

func (q *Queue) reorder(id string, fn func([]*Task, int) []*Task) error {
	q.mu.Lock()
	for band, tasks := range q.bands {
		for i, t := range tasks {
			if t.ID == id {
				q.bands[band] = fn(tasks, i)
				q.mu.Unlock()
				q.publishUpdated()
				return nil
			}
		}
	}
	q.mu.Unlock()
	return ErrTaskNotFound
}

// Pause stops dequeueing. The running task, if any, finishes. Idempotent.
func (q *Queue) Pause() {
	q.mu.Lock()
	changed := !q.paused
	q.paused = true
	q.mu.Unlock()
	if changed {
		q.publishUpdated()
	}
}

// Resume restarts dequeueing. Idempotent.
func (q *Queue) Resume() {
	q.mu.Lock()
	changed := q.paused
	q.paused = false
	q.mu.Unlock()
	if changed {
		q.wake()
		q.publishUpdated()
	}
}

// ClearQueued removes all pending tasks, recording each as cancelled.
// The running task is untouched.
func (q *Queue) ClearQueued() int {
	q.mu.Lock()
	var entries []HistoryEntry
	for _, band := range bandOrder {
		for _, t := range q.bands[band] {
			entry := terminalEntry(t, "cancelled", "", time.Time{})
			q.recordHistoryLocked(entry)
			q.stats.Cancelled++
			entries = append(entries, entry)
		}
		q.bands[band] = nil
	}
	q.mu.Unlock()

	for _, e := range entries {
		q.publishTerminal(e)
	}
	if len(entries) > 0 {
		q.publishUpdated()
	}
	return len(entries)
}

// ClearHistory empties the terminal-task ring.
func (q *Queue) ClearHistory() {
	q.mu.Lock()
	q.history = nil
	q.mu.Unlock()
	q.persistHistory()
	q.publishUpdated()
}

// Snapshot returns the current queue state: pending tasks in dispatch
// order, the running task, and the history ring newest-first.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Queue) snapshotLocked() Snapshot {
	snap := Snapshot{Stats: q.statsLocked()}
	for _, band := range bandOrder {
		for _, t := range q.bands[band] {
			c := *t
			snap.Queued = append(snap.Queued, &c)
		}
	}
	if q.running != nil {
		c := *q.running.task
		snap.Running = &c
	}
	snap.History = make([]HistoryEntry, len(q.history))
	for i, h := range q.history {
		snap.History[len(q.history)-1-i] = h
	}
	return snap
}

// Stats returns queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

func (q *Queue) statsLocked() Stats {
	s := q.stats
	for _, band := range bandOrder {
		s.Queued += len(q.bands[band])
	}
	s.IsPaused = q.paused
	if q.running != nil {
		s.Running = 1
	}
	s.Total = s.Queued + s.Running + s.Completed + s.Failed + s.Cancelled
	return s
}

// dequeue pops the next runnable task, or nil when paused, empty, closed,
// or already running one.
func (q *Queue) dequeue() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused || q.closed || q.running != nil {
		return nil
	}
	for _, band := range bandOrder {
		if tasks := q.bands[band]; len(tasks) > 0 {
			t := tasks[0]
			q.bands[band] = tasks[1:]
			return t
		}
	}
	return nil
}

func (q *Queue) recordHistoryLocked(e HistoryEntry) {
	q.history = append(q.history, e)
	if len(q.history) > q.historySize {
		q.history = q.history[len(q.history)-q.historySize:]
	}
}

func terminalEntry(t *Task, status, errMsg string, startedAt time.Time) HistoryEntry {
	now := time.Now().UTC()
	e := HistoryEntry{
		TaskID:      t.ID,
		ProcessID:   t.ProcessID,
		WorkspaceID: t.WorkspaceID,
		Type:        t.Type,
		Title:       t.Title,
		Status:      status,
		Error:       errMsg,
		FinishedAt:  now,
	}
	if !startedAt.IsZero() {
		e.Duration = now.Sub(startedAt).Milliseconds()
	}
	return e
}

func (q *Queue) publishTerminal(e HistoryEntry) {
	q.persistHistory()
	if q.bus == nil {
		return
	}
	kind := events.EventTaskCancelled
	switch e.Status {
	case "completed":
		kind = events.EventTaskCompleted
	case "failed":
		kind = events.EventTaskFailed
	}
	q.bus.Publish(events.NewTypedEventForProcess(events.SourceQueue, events.TaskTerminalPayload{
		Kind:   kind,
		TaskID: e.TaskID,
		Status: e.Status,
		Error:  e.Error,
	}, e.ProcessID))
}

func (q *Queue) publishUpdated() {
	if q.bus == nil {
		return
	}
	q.mu.Lock()
	snap := q.snapshotLocked()
	q.mu.Unlock()

	payload := events.QueueUpdatedPayload{Stats: toMap(snap.Stats)}
	for _, t := range snap.Queued {
		payload.Queued = append(payload.Queued, toMap(t))
	}
	if snap.Running != nil {
		payload.Running = toMap(snap.Running)
	}
	q.bus.Publish(events.NewTypedEvent(events.SourceQueue, payload))
}

func toMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func (q *Queue) persistHistory() {
	if q.historyPath == "" {
		return
	}
	q.mu.Lock()
	data, err := json.MarshalIndent(q.history, "", "  ")
	q.mu.Unlock()
	if err != nil {
		return
	}

	tmp, err := os.CreateTemp(filepath.Dir(q.historyPath), "history.tmp-*")
	if err != nil {
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err == nil && tmp.Close() == nil {
		os.Rename(tmp.Name(), q.historyPath)
	} else {
		tmp.Close()
	}
}

func (q *Queue) loadHistory() {
	if q.historyPath == "" {
		return
	}
	data, err := os.ReadFile(q.historyPath)
	if err != nil {
		return
	}
	var entries []HistoryEntry
	if json.Unmarshal(data, &entries) == nil {
		if len(entries) > q.historySize {
			entries = entries[len(entries)-q.historySize:]
		}
		q.history = entries
	}
}
