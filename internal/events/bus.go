// Package events provides the in-process event bus connecting the process
// store, the task queue, and the gateway broadcasters.
package events

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var ErrBusClosed = errors.New("event bus is closed")

// EventType represents the type of event.
type EventType string

const (
	// Process store
	EventProcessAdded     EventType = "process.added"
	EventProcessUpdated   EventType = "process.updated"
	EventProcessRemoved   EventType = "process.removed"
	EventProcessesCleared EventType = "processes.cleared"

	// Workspaces
	EventWorkspaceRegistered EventType = "workspace.registered"

	// Task queue
	EventQueueUpdated  EventType = "queue.updated"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskCancelled EventType = "task.cancelled"

	// AI invocations
	EventLLMCall     EventType = "llm.call"
	EventStreamChunk EventType = "stream.chunk"

	// Pipeline
	EventPhaseStarted  EventType = "pipeline.phase.started"
	EventPhaseFinished EventType = "pipeline.phase.finished"

	// Rebuild controller
	EventRebuildAffected EventType = "rebuild.affected"

	// Scheduler
	EventScheduleFired EventType = "schedule.fired"
)

// EventSource identifies the component that emitted an event.
type EventSource string

const (
	SourceStore     EventSource = "store"
	SourceQueue     EventSource = "queue"
	SourcePool      EventSource = "pool"
	SourcePipeline  EventSource = "pipeline"
	SourceRebuild   EventSource = "rebuild"
	SourceGateway   EventSource = "gateway"
	SourceScheduler EventSource = "scheduler"
)

// Event is a single bus event. ProcessID correlates events belonging to one job.
type Event struct {
	ID        string         `json:"id"`
	ProcessID string         `json:"process_id,omitempty"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    EventSource    `json:"source"`
	Payload   map[string]any `json:"payload"`
}

var eventIDCounter uint64

func generateEventID() string {
	seq := atomic.AddUint64(&eventIDCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), seq)
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Subscription is a registered bus listener with its own bounded queue.
// Events are delivered in publish order; when the queue overflows the oldest
// event is dropped and the lagged counter incremented.
type Subscription struct {
	id         int
	eventTypes []EventType
	ch         chan Event
	lagged     atomic.Uint64
	cancel     func()
	once       sync.Once
}

// Lagged reports how many events were dropped because this subscriber fell behind.
func (s *Subscription) Lagged() uint64 { return s.lagged.Load() }

// Unsubscribe removes the subscription from the bus. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

func (s *Subscription) matches(e Event) bool {
	if len(s.eventTypes) == 0 {
		return true
	}
	for _, t := range s.eventTypes {
		if t == e.Type {
			return true
		}
	}
	return false
}

// offer enqueues without blocking, dropping the oldest queued event on overflow.
func (s *Subscription) offer(e Event) {
	for {
		select {
		case s.ch <- e:
			return
		default:
		}
		select {
		case <-s.ch:
			s.lagged.Add(1)
		default:
		}
	}
}

// Bus is the in-memory event bus. Publishing never blocks on subscribers and
// never invokes a subscriber while holding the bus lock.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*Subscription
	nextID      int
	bufSize     int
	ringBuffer  *RingBuffer
	closed      bool
	wg          sync.WaitGroup
}

// NewBus creates a new event bus. bufSize bounds each subscriber's queue.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Bus{
		subscribers: make(map[int]*Subscription),
		bufSize:     bufSize,
		ringBuffer:  NewRingBuffer(bufSize),
	}
}

// Publish sends an event to all matching subscribers. No-op after Close.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	b.ringBuffer.Add(event)
	for _, sub := range b.subscribers {
		if sub.matches(event) {
			sub.offer(event)
		}
	}
}

// Subscribe registers a handler for specific event types (none = all).
// The handler runs on a dedicated goroutine and receives events in publish order.
func (b *Bus) Subscribe(handler Subscriber, eventTypes ...EventType) *Subscription {
	sub := b.register(eventTypes)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for e := range sub.ch {
			handler(e)
		}
	}()

	return sub
}

// SubscribeChan returns the subscription's receive channel directly.
// The channel is closed on Unsubscribe or bus Close.
func (b *Bus) SubscribeChan(eventTypes ...EventType) (<-chan Event, *Subscription) {
	sub := b.register(eventTypes)
	return sub.ch, sub
}

func (b *Bus) register(eventTypes []EventType) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	sub := &Subscription{
		id:         id,
		eventTypes: eventTypes,
		ch:         make(chan Event, b.bufSize),
	}
	sub.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub.ch)
		}
	}

	if b.closed {
		close(sub.ch)
		return sub
	}

	b.subscribers[id] = sub
	return sub
}

// History returns up to limit recent events, oldest first.
func (b *Bus) History(limit int) []Event {
	return b.ringBuffer.Get(limit)
}

// Close shuts down the bus, closing all subscriber channels and waiting for
// handler goroutines to drain. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

// RingBuffer is a circular buffer for storing recent events.
type RingBuffer struct {
	mu     sync.RWMutex
	events []Event
	size   int
	pos    int
	count  int
}

// NewRingBuffer creates a new ring buffer.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

func (r *RingBuffer) Add(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[r.pos] = event
	r.pos = (r.pos + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

func (r *RingBuffer) Get(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}

	result := make([]Event, n)
	start := (r.pos - n + r.size) % r.size
	for i := 0; i < n; i++ {
		result[i] = r.events[(start+i)%r.size]
	}
	return result
}
