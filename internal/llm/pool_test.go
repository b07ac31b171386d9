package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSession is a scripted in-memory session.
type fakeSession struct {
	id        string
	mu        sync.Mutex
	response  string
	chunks    []string
	err       error
	delay     time.Duration
	usage     TokenUsage
	destroyed atomic.Bool
	calls     atomic.Int32
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) SendAndWait(ctx context.Context, prompt string) (string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func (f *fakeSession) SendStreaming(ctx context.Context, prompt string, onChunk func(string)) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	var b strings.Builder
	for _, c := range f.chunks {
		if onChunk != nil {
			onChunk(c)
		}
		b.WriteString(c)
	}
	return b.String(), nil
}

func (f *fakeSession) LastUsage() TokenUsage { return f.usage }

func (f *fakeSession) Destroy() error {
	f.destroyed.Store(true)
	return nil
}

type fakeFactory struct {
	mu      sync.Mutex
	next    int
	created []*fakeSession
	err     error
	// template for new sessions
	response string
	chunks   []string
	sendErr  error
	delay    time.Duration
	usage    TokenUsage
}

func (f *fakeFactory) NewSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.next++
	s := &fakeSession{
		id:       fmt.Sprintf("fake-%d", f.next),
		response: f.response,
		chunks:   f.chunks,
		err:      f.sendErr,
		delay:    f.delay,
		usage:    f.usage,
	}
	f.created = append(f.created, s)
	return s, nil
}

func newTestPool(t *testing.T, cfg PoolConfig) (*Pool, *fakeFactory) {
	t.Helper()
	factory := &fakeFactory{response: "ok"}
	pool := NewPool(factory, cfg, SessionConfig{}, nil)
	t.Cleanup(pool.Dispose)
	return pool, factory
}

func TestPoolAcquireCreatesUpToMax(t *testing.T) {
	pool, factory := newTestPool(t, PoolConfig{MaxSessions: 2})

	s1, err := pool.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	s2, err := pool.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if s1.ID() == s2.ID() {
		t.Error("expected distinct sessions")
	}
	if len(factory.created) != 2 {
		t.Errorf("created: got %d, want 2", len(factory.created))
	}
}

func TestPoolAcquireZeroTimeoutFailsWhenSaturated(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{MaxSessions: 1})

	if _, err := pool.Acquire(context.Background(), 0); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	_, err := pool.Acquire(context.Background(), 0)
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Errorf("got %v, want ErrAcquireTimeout", err)
	}
}

func TestPoolReleaseReuse(t *testing.T) {
	pool, factory := newTestPool(t, PoolConfig{MaxSessions: 1})

	s1, _ := pool.Acquire(context.Background(), 0)
	pool.Release(s1)

	s2, err := pool.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if s1.ID() != s2.ID() {
		t.Error("expected the released session to be reused")
	}
	if len(factory.created) != 1 {
		t.Errorf("created: got %d, want 1", len(factory.created))
	}
}

func TestPoolDoubleReleaseNoOp(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{MaxSessions: 2})

	s, _ := pool.Acquire(context.Background(), 0)
	pool.Release(s)
	pool.Release(s)

	stats := pool.Stats()
	if stats.Idle != 1 || stats.InUse != 0 {
		t.Errorf("stats after double release: %+v", stats)
	}
}

// Two waiters park against a saturated single-session pool. The short one
// times out; the long one receives the released session. The release must
// never be handed to the timed-out waiter.
func TestPoolWaiterTimeoutAndHandOff(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{MaxSessions: 1})

	held, err := pool.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatalf("initial acquire: %v", err)
	}

	shortErr := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background(), 50*time.Millisecond)
		shortErr <- err
	}()

	time.Sleep(10 * time.Millisecond) // short waiter parks first

	longRes := make(chan Session, 1)
	longErr := make(chan error, 1)
	go func() {
		s, err := pool.Acquire(context.Background(), 1000*time.Millisecond)
		if err != nil {
			longErr <- err
			return
		}
		longRes <- s
	}()

	if err := <-shortErr; !errors.Is(err, ErrAcquireTimeout) {
		t.Errorf("short waiter: got %v, want ErrAcquireTimeout", err)
	}

	pool.Release(held)

	select {
	case s := <-longRes:
		if s.ID() != held.ID() {
			t.Errorf("long waiter got %s, want %s", s.ID(), held.ID())
		}
	case err := <-longErr:
		t.Fatalf("long waiter failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("long waiter never resolved")
	}
}

func TestPoolWaiterFIFO(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{MaxSessions: 1})

	held, _ := pool.Acquire(context.Background(), 0)

	order := make(chan int, 2)
	for i := 1; i <= 2; i++ {
		i := i
		go func() {
			s, err := pool.Acquire(context.Background(), time.Second)
			if err != nil {
				return
			}
			order <- i
			pool.Release(s)
		}()
		time.Sleep(20 * time.Millisecond) // deterministic park order
	}

	pool.Release(held)

	first := <-order
	second := <-order
	if first != 1 || second != 2 {
		t.Errorf("waiter order: got %d,%d want 1,2", first, second)
	}
}

func TestPoolDisposeRejectsWaiters(t *testing.T) {
	factory := &fakeFactory{response: "ok"}
	pool := NewPool(factory, PoolConfig{MaxSessions: 1}, SessionConfig{}, nil)

	s, _ := pool.Acquire(context.Background(), 0)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background(), time.Second)
		waiterErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	pool.Dispose()

	if err := <-waiterErr; !errors.Is(err, ErrPoolDisposed) {
		t.Errorf("waiter: got %v, want ErrPoolDisposed", err)
	}
	if _, err := pool.Acquire(context.Background(), 0); !errors.Is(err, ErrPoolDisposed) {
		t.Errorf("post-dispose acquire: got %v, want ErrPoolDisposed", err)
	}

	// Release after dispose destroys the session instead of pooling it.
	pool.Release(s)
	if !factory.created[0].destroyed.Load() {
		t.Error("session released into disposed pool was not destroyed")
	}

	pool.Dispose() // idempotent
}

func TestPoolCleanupRespectsMinSessions(t *testing.T) {
	pool, factory := newTestPool(t, PoolConfig{
		MaxSessions: 3,
		MinSessions: 1,
		IdleTimeout: time.Millisecond,
	})

	var held []Session
	for i := 0; i < 3; i++ {
		s, err := pool.Acquire(context.Background(), 0)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		held = append(held, s)
	}
	for _, s := range held {
		pool.Release(s)
	}

	time.Sleep(10 * time.Millisecond)
	pool.CleanupIdleSessions()

	stats := pool.Stats()
	if stats.Total != 1 {
		t.Errorf("total after cleanup: got %d, want 1", stats.Total)
	}
	destroyed := 0
	for _, s := range factory.created {
		if s.destroyed.Load() {
			destroyed++
		}
	}
	if destroyed != 2 {
		t.Errorf("destroyed: got %d, want 2", destroyed)
	}
}

func TestPoolDestroyFreesCapacityForWaiter(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{MaxSessions: 1})

	s, _ := pool.Acquire(context.Background(), 0)

	got := make(chan Session, 1)
	go func() {
		next, err := pool.Acquire(context.Background(), time.Second)
		if err == nil {
			got <- next
		}
	}()
	time.Sleep(20 * time.Millisecond)

	pool.Destroy(s)

	select {
	case next := <-got:
		if next.ID() == s.ID() {
			t.Error("waiter received the destroyed session")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never received a replacement")
	}
}

// gatedFactory blocks each NewSession call until the test feeds its gate.
type gatedFactory struct {
	entered chan struct{}
	gate    chan error
}

func (f *gatedFactory) NewSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	f.entered <- struct{}{}
	if err := <-f.gate; err != nil {
		return nil, err
	}
	return &fakeSession{id: "gated"}, nil
}

// A creation that fails while another acquire is parked must wake that
// waiter with the error instead of leaving it to wait out its timeout on
// capacity that is actually free.
func TestPoolCreateFailureWakesWaiter(t *testing.T) {
	factory := &gatedFactory{entered: make(chan struct{}), gate: make(chan error)}
	pool := NewPool(factory, PoolConfig{MaxSessions: 1}, SessionConfig{}, nil)
	t.Cleanup(pool.Dispose)

	creatorErr := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background(), 0)
		creatorErr <- err
	}()
	<-factory.entered // creation in flight, capacity reserved

	waiterErr := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background(), 5*time.Second)
		waiterErr <- err
	}()
	time.Sleep(20 * time.Millisecond) // waiter parks

	boom := errors.New("model unavailable")
	factory.gate <- boom

	if err := <-creatorErr; !errors.Is(err, boom) {
		t.Errorf("creator: got %v, want the creation error", err)
	}
	select {
	case err := <-waiterErr:
		if !errors.Is(err, boom) {
			t.Errorf("waiter: got %v, want the creation error", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by the failed creation")
	}
}

func TestPoolStats(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{MaxSessions: 2})

	s, _ := pool.Acquire(context.Background(), 0)
	stats := pool.Stats()
	if stats.Total != 1 || stats.InUse != 1 || stats.Idle != 0 {
		t.Errorf("stats while held: %+v", stats)
	}

	pool.Release(s)
	stats = pool.Stats()
	if stats.InUse != 0 || stats.Idle != 1 {
		t.Errorf("stats after release: %+v", stats)
	}
}
