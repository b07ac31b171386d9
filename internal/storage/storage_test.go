package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/scribehq/scribed/internal/events"
)

type articleMeta struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

func TestDirStorePutAndRead(t *testing.T) {
	store, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	meta := articleMeta{Name: "queue", Category: "library"}
	files := map[string][]byte{"article.md": []byte("# Queue\n")}
	if err := store.Put("internal-queue", meta, files); err != nil {
		t.Fatalf("put: %v", err)
	}

	var got articleMeta
	if err := store.ReadMeta("internal-queue", &got); err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if got != meta {
		t.Errorf("meta: %+v", got)
	}
	data, err := store.ReadFile("internal-queue", "article.md")
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if string(data) != "# Queue\n" {
		t.Errorf("file: %q", data)
	}
}

func TestDirStorePutReplacesEntry(t *testing.T) {
	store, _ := NewDirStore(t.TempDir())

	store.Put("e", articleMeta{Name: "v1"}, map[string][]byte{"old.md": []byte("x")})
	store.Put("e", articleMeta{Name: "v2"}, map[string][]byte{"new.md": []byte("y")})

	var got articleMeta
	if err := store.ReadMeta("e", &got); err != nil || got.Name != "v2" {
		t.Errorf("meta after replace: %+v, %v", got, err)
	}
	// The old payload file must not survive the swap.
	if _, err := store.ReadFile("e", "old.md"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("stale file: %v", err)
	}
}

func TestDirStoreRejectsTraversal(t *testing.T) {
	store, _ := NewDirStore(t.TempDir())

	if err := store.Put("../escape", articleMeta{}, nil); err == nil {
		t.Error("traversal id accepted")
	}
	if err := store.Put("ok", articleMeta{}, map[string][]byte{"../out.md": []byte("x")}); err == nil {
		t.Error("traversal file name accepted")
	}
}

func TestDirStoreListAndDelete(t *testing.T) {
	store, _ := NewDirStore(t.TempDir())
	store.Put("b", articleMeta{}, nil)
	store.Put("a", articleMeta{}, nil)

	ids, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("ids: %v", ids)
	}

	if err := store.Delete("a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete("a"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("double delete: %v", err)
	}
}

func TestUsageTrackerRecordsCalls(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()

	tracker, err := OpenUsageTracker(filepath.Join(t.TempDir(), "usage.db"), bus, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tracker.Close()

	bus.Publish(events.NewTypedEventForProcess(events.SourcePool, events.LLMCallPayload{
		Phase: "analyze", Model: "claude", TokensInput: 100, TokensOutput: 40, DurationMS: 1200,
	}, "proc_a"))
	bus.Publish(events.NewTypedEventForProcess(events.SourcePool, events.LLMCallPayload{
		Phase: "write", Model: "claude", TokensInput: 50, TokensOutput: 80,
	}, "proc_a"))
	bus.Publish(events.NewTypedEventForProcess(events.SourcePool, events.LLMCallPayload{
		Phase: "analyze", Model: "ollama", Error: "timeout",
	}, "proc_b"))

	deadline := time.After(2 * time.Second)
	for {
		totals, err := tracker.Totals()
		if err != nil {
			t.Fatalf("totals: %v", err)
		}
		if totals.Calls == 3 {
			if totals.TokensInput != 150 || totals.TokensOutput != 120 || totals.Failed != 1 {
				t.Errorf("totals: %+v", totals)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("events never recorded: %+v", totals)
		case <-time.After(10 * time.Millisecond):
		}
	}

	perProc, err := tracker.ByProcess("proc_a")
	if err != nil {
		t.Fatalf("by process: %v", err)
	}
	if perProc.Calls != 2 || perProc.TokensInput != 150 {
		t.Errorf("proc_a usage: %+v", perProc)
	}

	byModel, err := tracker.ByModel()
	if err != nil {
		t.Fatalf("by model: %v", err)
	}
	if len(byModel) != 2 || byModel[0].Model != "claude" {
		t.Errorf("by model: %+v", byModel)
	}
}

func TestUsageTrackerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")

	tracker, _ := OpenUsageTracker(path, nil, nil)
	if err := tracker.Record("p", events.LLMCallPayload{Model: "m", TokensInput: 5}); err != nil {
		t.Fatalf("record: %v", err)
	}
	tracker.Close()

	reopened, err := OpenUsageTracker(path, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	totals, _ := reopened.Totals()
	if totals.Calls != 1 || totals.TokensInput != 5 {
		t.Errorf("totals after reopen: %+v", totals)
	}
}

func TestEventLogPerProcessFiles(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()

	log, err := NewEventLog(t.TempDir(), bus)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer log.Close()

	bus.Publish(events.NewTypedEventForProcess(events.SourceStore, events.ProcessRemovedPayload{ProcessID: "p1"}, "p1"))
	bus.Publish(events.NewTypedEvent(events.SourceQueue, events.QueueUpdatedPayload{}))
	// Stream chunks are filtered out.
	bus.Publish(events.NewTypedEventForProcess(events.SourcePool, events.StreamChunkPayload{Text: "x"}, "p1"))

	deadline := time.After(2 * time.Second)
	for {
		forP1, err := log.Read("p1")
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		global, _ := log.Read("")
		if len(forP1) == 1 && len(global) == 1 {
			if forP1[0].Type != events.EventProcessRemoved {
				t.Errorf("p1 events: %+v", forP1)
			}
			if global[0].Type != events.EventQueueUpdated {
				t.Errorf("global events: %+v", global)
			}
			break
		}
		if len(forP1) > 1 {
			t.Fatalf("stream chunk was logged: %+v", forP1)
		}
		select {
		case <-deadline:
			t.Fatalf("events never logged: p1=%d global=%d", len(forP1), len(global))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEventLogReadUnknownProcess(t *testing.T) {
	log, _ := NewEventLog(t.TempDir(), nil)
	got, err := log.Read("missing")
	if err != nil || len(got) != 0 {
		t.Errorf("read: %v, %v", got, err)
	}
}
