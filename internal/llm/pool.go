package llm

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	// ErrPoolDisposed is returned for any acquire against a disposed pool,
	// including waiters parked at dispose time.
	ErrPoolDisposed = errors.New("session pool disposed")

	// ErrAcquireTimeout is returned when no session became available within
	// the caller's timeout.
	ErrAcquireTimeout = errors.New("timed out acquiring session")
)

// PoolConfig bounds the session pool.
type PoolConfig struct {
	MaxSessions     int
	MinSessions     int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	AcquireTimeout  time.Duration
}

// PoolStats is a point-in-time snapshot of pool occupancy.
type PoolStats struct {
	Total    int  `json:"total"`
	Idle     int  `json:"idle"`
	InUse    int  `json:"inUse"`
	Waiters  int  `json:"waiters"`
	Disposed bool `json:"disposed"`
}

type pooledSession struct {
	session    Session
	createdAt  time.Time
	lastUsedAt time.Time
	inUse      bool
}

// waiter is a parked acquire. resolved is guarded by the pool mutex and
// guarantees each waiter observes exactly one outcome.
type waiter struct {
	ch       chan Session
	errCh    chan error
	resolved bool
}

// Pool is a bounded pool of reusable AI sessions. Acquires beyond
// MaxSessions park in a FIFO queue until a session is released or the
// caller's timeout fires.
type Pool struct {
	mu       sync.Mutex
	factory  SessionFactory
	cfg      PoolConfig
	sessCfg  SessionConfig
	sessions map[string]*pooledSession
	creating int
	waiters  []*waiter
	disposed bool
	stopCh   chan struct{}
	stopOnce sync.Once
	log      *slog.Logger
}

// NewPool creates a session pool. Sessions are created lazily on acquire.
func NewPool(factory SessionFactory, cfg PoolConfig, sessCfg SessionConfig, log *slog.Logger) *Pool {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 5
	}
	if cfg.MinSessions > cfg.MaxSessions {
		cfg.MinSessions = cfg.MaxSessions
	}
	if log == nil {
		log = slog.Default()
	}

	return &Pool{
		factory:  factory,
		cfg:      cfg,
		sessCfg:  sessCfg,
		sessions: make(map[string]*pooledSession),
		stopCh:   make(chan struct{}),
		log:      log.With("component", "session-pool"),
	}
}

// Start launches the idle-session janitor. Stop via Dispose.
func (p *Pool) Start() {
	if p.cfg.CleanupInterval <= 0 || p.cfg.IdleTimeout <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(p.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.CleanupIdleSessions()
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Acquire returns a session for exclusive use. A timeout of zero fails
// immediately when the pool is saturated; negative means the configured
// default.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (Session, error) {
	if timeout < 0 {
		timeout = p.cfg.AcquireTimeout
	}

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil, ErrPoolDisposed
	}

	// Reuse the most recently used idle session to keep the idle tail cold
	// for the janitor.
	if ps := p.takeIdleLocked(); ps != nil {
		p.mu.Unlock()
		return ps.session, nil
	}

	if len(p.sessions)+p.creating < p.cfg.MaxSessions {
		p.creating++
		p.mu.Unlock()
		return p.createSession(ctx)
	}

	if timeout == 0 {
		p.mu.Unlock()
		return nil, ErrAcquireTimeout
	}

	w := &waiter{ch: make(chan Session, 1), errCh: make(chan error, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-w.ch:
		return s, nil
	case err := <-w.errCh:
		return nil, err
	case <-timer.C:
		p.failWaiter(w, ErrAcquireTimeout)
		// The release path may have resolved the waiter before we took the
		// lock. In that case the session is ours.
		select {
		case s := <-w.ch:
			return s, nil
		case err := <-w.errCh:
			return nil, err
		}
	case <-ctx.Done():
		p.failWaiter(w, ctx.Err())
		select {
		case s := <-w.ch:
			return s, nil
		case err := <-w.errCh:
			return nil, err
		}
	}
}

func (p *Pool) takeIdleLocked() *pooledSession {
	var best *pooledSession
	for _, ps := range p.sessions {
		if ps.inUse {
			continue
		}
		if best == nil || ps.lastUsedAt.After(best.lastUsedAt) {
			best = ps
		}
	}
	if best != nil {
		best.inUse = true
		best.lastUsedAt = time.Now()
	}
	return best
}

func (p *Pool) createSession(ctx context.Context) (Session, error) {
	s, err := p.factory.NewSession(ctx, p.sessCfg)

	p.mu.Lock()
	p.creating--
	if err != nil {
		// The reserved capacity never materialized. Fail the oldest
		// parked waiter with the same error so it is not left waiting
		// out its timeout on a slot that is actually free.
		w := p.popWaiterLocked()
		p.mu.Unlock()
		if w != nil {
			w.errCh <- err
		}
		return nil, err
	}
	if p.disposed {
		p.mu.Unlock()
		_ = s.Destroy()
		return nil, ErrPoolDisposed
	}
	now := time.Now()
	p.sessions[s.ID()] = &pooledSession{session: s, createdAt: now, lastUsedAt: now, inUse: true}
	p.mu.Unlock()

	p.log.Debug("session created", "session", s.ID())
	return s, nil
}

// failWaiter resolves w with err unless a release already resolved it.
func (p *Pool) failWaiter(w *waiter, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.resolved {
		return
	}
	w.resolved = true
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	w.errCh <- err
}

// Release returns a session to the pool. The oldest parked waiter, if any,
// receives it directly. Releasing an unknown or already-idle session is a
// no-op; releasing into a disposed pool destroys the session.
func (p *Pool) Release(s Session) {
	if s == nil {
		return
	}

	p.mu.Lock()
	if p.disposed {
		delete(p.sessions, s.ID())
		p.mu.Unlock()
		_ = s.Destroy()
		return
	}

	ps, ok := p.sessions[s.ID()]
	if !ok || !ps.inUse {
		p.mu.Unlock()
		return
	}
	ps.lastUsedAt = time.Now()

	if w := p.popWaiterLocked(); w != nil {
		w.ch <- s
		p.mu.Unlock()
		return
	}

	ps.inUse = false
	p.mu.Unlock()
}

func (p *Pool) popWaiterLocked() *waiter {
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		if w.resolved {
			continue
		}
		w.resolved = true
		return w
	}
	return nil
}

// Destroy removes a session from the pool permanently, e.g. after a
// transport failure. Freed capacity goes to the oldest waiter via a
// replacement session.
func (p *Pool) Destroy(s Session) {
	if s == nil {
		return
	}

	p.mu.Lock()
	_, known := p.sessions[s.ID()]
	delete(p.sessions, s.ID())
	hasWaiters := len(p.waiters) > 0 && !p.disposed
	if hasWaiters {
		p.creating++
	}
	p.mu.Unlock()

	_ = s.Destroy()
	if known {
		p.log.Debug("session destroyed", "session", s.ID())
	}

	if hasWaiters {
		go p.replaceForWaiter()
	}
}

func (p *Pool) replaceForWaiter() {
	s, err := p.createSession(context.Background())
	if err != nil {
		return
	}

	p.mu.Lock()
	w := p.popWaiterLocked()
	p.mu.Unlock()

	if w != nil {
		w.ch <- s
		return
	}
	p.Release(s)
}

// CleanupIdleSessions evicts sessions idle longer than IdleTimeout, oldest
// first, never dropping the live session count below MinSessions.
func (p *Pool) CleanupIdleSessions() {
	if p.cfg.IdleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}

	var stale []*pooledSession
	for _, ps := range p.sessions {
		if !ps.inUse && ps.lastUsedAt.Before(cutoff) {
			stale = append(stale, ps)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].lastUsedAt.Before(stale[j].lastUsedAt)
	})

	var evicted []Session
	for _, ps := range stale {
		if len(p.sessions) <= p.cfg.MinSessions {
			break
		}
		delete(p.sessions, ps.session.ID())
		evicted = append(evicted, ps.session)
	}
	p.mu.Unlock()

	for _, s := range evicted {
		_ = s.Destroy()
		p.log.Debug("idle session evicted", "session", s.ID())
	}
}

// Dispose tears down the pool: pending waiters fail with ErrPoolDisposed
// and every session is destroyed. Idempotent.
func (p *Pool) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	for _, w := range p.waiters {
		if !w.resolved {
			w.resolved = true
			w.errCh <- ErrPoolDisposed
		}
	}
	p.waiters = nil
	all := make([]Session, 0, len(p.sessions))
	for _, ps := range p.sessions {
		all = append(all, ps.session)
	}
	p.sessions = make(map[string]*pooledSession)
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stopCh) })

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s Session) {
			defer wg.Done()
			_ = s.Destroy()
		}(s)
	}
	wg.Wait()

	p.log.Info("session pool disposed", "destroyed", len(all))
}

// Stats reports current pool occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		Total:    len(p.sessions) + p.creating,
		Waiters:  len(p.waiters),
		Disposed: p.disposed,
	}
	for _, ps := range p.sessions {
		if ps.inUse {
			stats.InUse++
		} else {
			stats.Idle++
		}
	}
	stats.InUse += p.creating
	return stats
}
