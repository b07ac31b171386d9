package events

import (
	"sync"
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	var mu sync.Mutex
	var received []Event

	bus.Subscribe(func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}, EventProcessAdded)

	bus.Publish(NewTypedEvent(SourceStore, ProcessPayload{Kind: EventProcessAdded}))
	bus.Publish(NewTypedEvent(SourceQueue, QueueUpdatedPayload{}))

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Type != EventProcessAdded {
		t.Errorf("expected process.added, got %s", received[0].Type)
	}
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	var mu sync.Mutex
	var count int

	bus.Subscribe(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(NewTypedEvent(SourceStore, ProcessRemovedPayload{ProcessID: "p1"}))
	bus.Publish(NewTypedEvent(SourceQueue, QueueUpdatedPayload{}))
	bus.Publish(NewTypedEvent(SourceRebuild, RebuildAffectedPayload{}))

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 3 {
		t.Errorf("expected 3 events, got %d", count)
	}
}

func TestBusDeliveryOrderPerSubscriber(t *testing.T) {
	bus := NewBus(256)
	defer bus.Close()

	var mu sync.Mutex
	var ids []string

	bus.Subscribe(func(e Event) {
		mu.Lock()
		ids = append(ids, e.ProcessID)
		mu.Unlock()
	}, EventProcessUpdated)

	for _, id := range []string{"a", "b", "c", "d"} {
		bus.Publish(NewTypedEventForProcess(SourceStore, ProcessPayload{Kind: EventProcessUpdated}, id))
	}

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "b", "c", "d"}
	if len(ids) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(ids))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, ids[i], want[i])
		}
	}
}

func TestBusDropOldestAndLagCounter(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()

	ch, sub := bus.SubscribeChan(EventStreamChunk)

	// Nobody drains ch: the third publish must evict the oldest.
	for i := 0; i < 3; i++ {
		bus.Publish(NewTypedEvent(SourcePool, StreamChunkPayload{Index: i}))
	}

	if got := sub.Lagged(); got != 1 {
		t.Errorf("lagged: got %d, want 1", got)
	}

	first := <-ch
	payload, ok := ExtractPayload[StreamChunkPayload](first)
	if !ok {
		t.Fatal("extract payload failed")
	}
	if payload.Index != 1 {
		t.Errorf("oldest surviving chunk: got index %d, want 1", payload.Index)
	}

	sub.Unsubscribe()
}

func TestBusUnsubscribeIdempotent(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	sub := bus.Subscribe(func(Event) {})
	sub.Unsubscribe()
	sub.Unsubscribe() // must not panic on double close
}

func TestBusPublishAfterClose(t *testing.T) {
	bus := NewBus(8)

	var mu sync.Mutex
	var count int
	bus.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Close()
	bus.Publish(NewTypedEvent(SourceStore, QueueUpdatedPayload{}))
	bus.Close() // idempotent

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("expected no deliveries after close, got %d", count)
	}
}

func TestBusHistory(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(NewTypedEvent(SourcePool, StreamChunkPayload{Index: i}))
	}

	history := bus.History(3)
	if len(history) != 3 {
		t.Fatalf("history: got %d events, want 3", len(history))
	}
	payload, _ := ExtractPayload[StreamChunkPayload](history[0])
	if payload.Index != 2 {
		t.Errorf("history start: got index %d, want 2", payload.Index)
	}
}

func TestExtractPayloadRoundTrip(t *testing.T) {
	e := NewTypedEventForProcess(SourceStore, WorkspaceRegisteredPayload{
		WorkspaceID: "ws-1",
		Name:        "frontend",
		RootPath:    "/f",
	}, "")

	payload, ok := ExtractPayload[WorkspaceRegisteredPayload](e)
	if !ok {
		t.Fatal("extract failed")
	}
	if payload.WorkspaceID != "ws-1" || payload.Name != "frontend" || payload.RootPath != "/f" {
		t.Errorf("unexpected payload: %+v", payload)
	}
}
