package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func noop(ctx context.Context) error { return nil }

func task(id string, p Priority, fn TaskFunc) *Task {
	if fn == nil {
		fn = noop
	}
	return &Task{ID: id, Type: "generate", Title: id, Priority: p, Run: fn}
}

func TestQueueEnqueueDefaults(t *testing.T) {
	q := New(nil)

	got, err := q.Enqueue(&Task{Title: "x", Run: noop})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got.ID == "" {
		t.Error("no id assigned")
	}
	if got.Priority != PriorityNormal {
		t.Errorf("priority: got %s, want normal", got.Priority)
	}
	if _, err := q.Enqueue(&Task{Title: "no-fn"}); err == nil {
		t.Error("expected error for task without work function")
	}
}

// Tasks a(normal), b(low), c(high) must dispatch c, a, b.
func TestQueuePriorityOrder(t *testing.T) {
	q := New(nil)

	q.Enqueue(task("a", PriorityNormal, nil))
	q.Enqueue(task("b", PriorityLow, nil))
	q.Enqueue(task("c", PriorityHigh, nil))

	var got []string
	for {
		next := q.dequeue()
		if next == nil {
			break
		}
		got = append(got, next.ID)
	}

	want := []string{"c", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("dequeued %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestQueueReorderWithinBand(t *testing.T) {
	q := New(nil)

	q.Enqueue(task("a", PriorityNormal, nil))
	q.Enqueue(task("b", PriorityNormal, nil))
	q.Enqueue(task("c", PriorityNormal, nil))
	q.Enqueue(task("hi", PriorityHigh, nil))

	if err := q.MoveToTop("c"); err != nil {
		t.Fatalf("move to top: %v", err)
	}

	snap := q.Snapshot()
	ids := make([]string, len(snap.Queued))
	for i, tk := range snap.Queued {
		ids[i] = tk.ID
	}
	// The high band still dispatches first; c leads its own band only.
	want := []string{"hi", "c", "a", "b"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order after move-to-top: %v, want %v", ids, want)
		}
	}

	q.MoveUp("b")   // b swaps with a
	q.MoveDown("c") // c swaps with a
	snap = q.Snapshot()
	ids = ids[:0]
	for _, tk := range snap.Queued {
		ids = append(ids, tk.ID)
	}
	want = []string{"hi", "b", "a", "c"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order after swaps: %v, want %v", ids, want)
		}
	}

	// Boundary moves are no-ops, not errors.
	if err := q.MoveUp("hi"); err != nil {
		t.Errorf("move up at head: %v", err)
	}
	if err := q.MoveDown("c"); err != nil {
		t.Errorf("move down at tail: %v", err)
	}
	if err := q.MoveToTop("ghost"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("unknown id: got %v", err)
	}
}

func TestQueueCancelQueued(t *testing.T) {
	q := New(nil)

	q.Enqueue(task("a", PriorityNormal, nil))
	if err := q.Cancel("a"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	snap := q.Snapshot()
	if len(snap.Queued) != 0 {
		t.Error("cancelled task still queued")
	}
	if len(snap.History) != 1 || snap.History[0].Status != "cancelled" {
		t.Errorf("history: %+v", snap.History)
	}
	if snap.Stats.Cancelled != 1 {
		t.Errorf("stats: %+v", snap.Stats)
	}

	// A second cancel finds the task terminal in history.
	if err := q.Cancel("a"); !errors.Is(err, ErrTaskTerminal) {
		t.Errorf("got %v, want ErrTaskTerminal", err)
	}
	if err := q.Cancel("ghost"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("got %v, want ErrTaskNotFound", err)
	}
}

func TestStatsCountsAndTotal(t *testing.T) {
	q := New(nil)
	e := NewExecutor(q, nil, nil)
	e.Start()
	defer e.Stop()

	started := make(chan struct{})
	release := make(chan struct{})
	q.Enqueue(task("r", PriorityNormal, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	q.Pause()
	q.Enqueue(task("waiting", PriorityNormal, nil))
	q.Enqueue(task("doomed", PriorityLow, nil))
	q.Cancel("doomed")

	stats := q.Stats()
	if stats.Running != 1 {
		t.Errorf("running: got %d, want 1", stats.Running)
	}
	if stats.Queued != 1 || stats.Cancelled != 1 {
		t.Errorf("stats: %+v", stats)
	}
	if stats.Total != 3 {
		t.Errorf("total: got %d, want 3", stats.Total)
	}

	close(release)
	q.Resume()
}

func TestExecutorRunsSerially(t *testing.T) {
	q := New(nil)
	e := NewExecutor(q, nil, nil)
	e.Start()
	defer e.Stop()

	var mu sync.Mutex
	var active, maxActive int
	done := make(chan string, 3)

	work := func(id string) TaskFunc {
		return func(ctx context.Context) error {
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			done <- id
			return nil
		}
	}

	q.Enqueue(task("t1", PriorityNormal, work("t1")))
	q.Enqueue(task("t2", PriorityNormal, work("t2")))
	q.Enqueue(task("t3", PriorityHigh, work("t3")))

	var order []string
	for i := 0; i < 3; i++ {
		select {
		case id := <-done:
			order = append(order, id)
		case <-time.After(2 * time.Second):
			t.Fatal("tasks did not finish")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if maxActive != 1 {
		t.Errorf("max concurrent tasks: got %d, want 1", maxActive)
	}
	// t1 may already be running when t3 lands, but t3 must beat t2.
	for i, id := range order {
		if id == "t3" {
			for j, other := range order {
				if other == "t2" && j < i {
					t.Errorf("t2 ran before t3: %v", order)
				}
			}
		}
	}

	stats := q.Stats()
	if stats.Completed != 3 {
		t.Errorf("completed: got %d, want 3", stats.Completed)
	}
}

func TestExecutorFailureRecorded(t *testing.T) {
	q := New(nil)
	e := NewExecutor(q, nil, nil)
	e.Start()
	defer e.Stop()

	done := make(chan struct{})
	q.Enqueue(task("bad", PriorityNormal, func(ctx context.Context) error {
		defer close(done)
		return errors.New("boom")
	}))
	<-done
	time.Sleep(50 * time.Millisecond)

	snap := q.Snapshot()
	if len(snap.History) != 1 {
		t.Fatalf("history: %d entries", len(snap.History))
	}
	if snap.History[0].Status != "failed" || snap.History[0].Error != "boom" {
		t.Errorf("entry: %+v", snap.History[0])
	}
}

func TestExecutorPanicIsFailure(t *testing.T) {
	q := New(nil)
	e := NewExecutor(q, nil, nil)
	e.Start()
	defer e.Stop()

	q.Enqueue(task("p", PriorityNormal, func(ctx context.Context) error {
		panic("kaboom")
	}))
	q.Enqueue(task("after", PriorityNormal, nil))

	deadline := time.After(2 * time.Second)
	for {
		if q.Stats().Completed == 1 && q.Stats().Failed == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("stats: %+v", q.Stats())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestExecutorCancelRunning(t *testing.T) {
	q := New(nil)
	e := NewExecutor(q, nil, nil)
	e.Start()
	defer e.Stop()

	started := make(chan struct{})
	q.Enqueue(task("long", PriorityNormal, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	<-started

	if err := q.Cancel("long"); err != nil {
		t.Fatalf("cancel running: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		snap := q.Snapshot()
		if len(snap.History) == 1 {
			if snap.History[0].Status != "cancelled" {
				t.Errorf("status: %s", snap.History[0].Status)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("running task never settled")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestQueuePauseResume(t *testing.T) {
	q := New(nil)
	e := NewExecutor(q, nil, nil)
	e.Start()
	defer e.Stop()

	q.Pause()
	q.Pause() // idempotent

	ran := make(chan struct{})
	q.Enqueue(task("t", PriorityNormal, func(ctx context.Context) error {
		close(ran)
		return nil
	}))

	select {
	case <-ran:
		t.Fatal("task ran while paused")
	case <-time.After(100 * time.Millisecond):
	}
	if !q.Stats().IsPaused {
		t.Error("stats do not report paused")
	}

	q.Resume()
	q.Resume() // idempotent

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run after resume")
	}
}

func TestQueueClearQueued(t *testing.T) {
	q := New(nil)

	q.Enqueue(task("a", PriorityHigh, nil))
	q.Enqueue(task("b", PriorityLow, nil))

	if n := q.ClearQueued(); n != 2 {
		t.Errorf("cleared: got %d, want 2", n)
	}
	snap := q.Snapshot()
	if len(snap.Queued) != 0 || len(snap.History) != 2 {
		t.Errorf("snapshot after clear: %+v", snap.Stats)
	}

	q.ClearHistory()
	if len(q.Snapshot().History) != 0 {
		t.Error("history survived clear")
	}
}

func TestQueueHistoryRingBound(t *testing.T) {
	q := New(nil, WithHistorySize(3))

	for i := 0; i < 5; i++ {
		tk := task("", PriorityNormal, nil)
		q.Enqueue(tk)
		q.Cancel(tk.ID)
	}

	hist := q.Snapshot().History
	if len(hist) != 3 {
		t.Errorf("history length: got %d, want 3", len(hist))
	}
}

func TestQueueHistoryPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue-history.json")

	q := New(nil, WithHistoryPersistence(path))
	tk := task("persist-me", PriorityNormal, nil)
	q.Enqueue(tk)
	q.Cancel(tk.ID)

	q2 := New(nil, WithHistoryPersistence(path))
	hist := q2.Snapshot().History
	if len(hist) != 1 || hist[0].TaskID != "persist-me" {
		t.Errorf("reloaded history: %+v", hist)
	}
}
