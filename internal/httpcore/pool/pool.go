// Package pool implements ConnectionPool: admission control over a bounded
// set of reusable sessions, with FIFO idle reuse and a FIFO waiter queue for
// callers that arrive once the pool is at capacity.
package pool

import (
	"container/list"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// Session is the minimal lifecycle surface the pool needs from whatever it
// hands out. *session.PooledSession implements it.
type Session interface {
	Reset(conn net.Conn)
	IsIdle() bool
	Close() error
	LastActivity() time.Time
	SetCallbacks(onIdle, onDone func())
}

// Factory creates a brand-new Session bound to conn. The pool calls this
// only when the idle queue is empty and the pool is under max capacity.
type Factory func(conn net.Conn) (Session, error)

// Monitor is the subset of *perf.Monitor the pool records connection
// lifecycle events against. Kept as an interface so this package doesn't
// import perf directly.
type Monitor interface {
	RecordNewConnection()
	RecordConnectionReuse()
}

// Config mirrors the fields of config.ServerConfig the pool actually
// consumes; callers typically build this from a validated ServerConfig.
type Config struct {
	MinConnections int
	MaxConnections int
	IdleTimeout    time.Duration
	MaxQueueSize   int
	MaxQueueWait   time.Duration

	// Monitor, if set, is told about every new-connection and
	// connection-reuse event so PerformanceMonitor's counters reflect the
	// pool's actual admission behavior. Nil disables recording.
	Monitor Monitor

	// OnEvicted, if set, is called after CleanupIdle closes n (> 0) idle
	// sessions for exceeding IdleTimeout. Used to feed an audit sink without
	// this package needing to know about Postgres or Redis.
	OnEvicted func(n int)
}

// ErrShutdown is returned by Acquire once the pool has been (or is being)
// shut down.
var ErrShutdown = errors.New("pool: shutdown")

// ErrQueueFull is returned by Acquire when the pool is at capacity and the
// waiter queue is already at MaxQueueSize.
var ErrQueueFull = errors.New("pool: waiter queue full")

// ErrQueueTimeout is returned by Acquire when a parked caller waits longer
// than MaxQueueWait for a session to become available.
var ErrQueueTimeout = errors.New("pool: timed out waiting for a session")

type waiter struct {
	conn   net.Conn
	result chan acquireResult
}

type acquireResult struct {
	session Session
	err     error
}

// ConnectionPool bounds concurrent sessions at MaxConnections, preferring to
// reuse an idle session over creating a new one. MinConnections is only
// checked against MaxConnections by New; the pool does not pre-create
// sessions to keep that many warm.
type ConnectionPool struct {
	cfg     Config
	factory Factory

	mu              sync.Mutex
	idle            *list.List // front = oldest idle Session
	idleIndex       map[Session]*list.Element
	active          map[Session]struct{}
	creating        int // reserved capacity slots for in-flight Factory calls
	waiters         *list.List // front = oldest waiter
	shutdownStarted bool

	totalCreated  int64
	totalReused   int64
	totalEvicted  int64
	totalRejected int64

	cleanupStop chan struct{}
	cleanupWG   sync.WaitGroup
}

// New validates cfg and constructs a ConnectionPool. factory must be
// non-nil; it stands in for the spec's "handler must be configured"
// invariant (a pool that can never create a session is useless).
func New(cfg Config, factory Factory) (*ConnectionPool, error) {
	if factory == nil {
		return nil, fmt.Errorf("pool: factory must not be nil")
	}
	if cfg.MinConnections > cfg.MaxConnections {
		return nil, fmt.Errorf("pool: min_connections (%d) exceeds max_connections (%d)", cfg.MinConnections, cfg.MaxConnections)
	}
	if cfg.MaxConnections <= 0 {
		return nil, fmt.Errorf("pool: max_connections must be positive")
	}
	if cfg.IdleTimeout <= 0 {
		return nil, fmt.Errorf("pool: idle_timeout must be positive")
	}
	if cfg.MaxQueueSize <= 0 {
		return nil, fmt.Errorf("pool: max_queue_size must be positive")
	}

	return &ConnectionPool{
		cfg:       cfg,
		factory:   factory,
		idle:      list.New(),
		idleIndex: make(map[Session]*list.Element),
		active:    make(map[Session]struct{}),
		waiters:   list.New(),
	}, nil
}

// Acquire binds conn to a session: it reuses the oldest idle session if one
// exists, creates a new one if the pool is under MaxConnections, or parks the
// caller on a FIFO waiter queue (bounded by MaxQueueSize, timing out after
// MaxQueueWait) until a session is released.
func (p *ConnectionPool) Acquire(conn net.Conn) (Session, error) {
	p.mu.Lock()

	if p.shutdownStarted {
		p.mu.Unlock()
		return nil, ErrShutdown
	}

	if el := p.idle.Front(); el != nil {
		sess := el.Value.(Session)
		p.idle.Remove(el)
		delete(p.idleIndex, sess)
		p.active[sess] = struct{}{}
		p.totalReused++
		p.mu.Unlock()

		if p.cfg.Monitor != nil {
			p.cfg.Monitor.RecordConnectionReuse()
		}
		sess.Reset(conn)
		p.wireCallbacks(sess)
		return sess, nil
	}

	if len(p.active)+p.creating < p.cfg.MaxConnections {
		p.creating++ // reserve a slot while Factory runs without holding the lock
		p.mu.Unlock()

		sess, err := p.factory(conn)

		p.mu.Lock()
		p.creating--
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool: creating session: %w", err)
		}
		p.active[sess] = struct{}{}
		p.totalCreated++
		p.mu.Unlock()

		if p.cfg.Monitor != nil {
			p.cfg.Monitor.RecordNewConnection()
		}
		p.wireCallbacks(sess)
		return sess, nil
	}

	if p.waiters.Len() >= p.cfg.MaxQueueSize {
		p.totalRejected++
		p.mu.Unlock()
		return nil, ErrQueueFull
	}

	w := &waiter{conn: conn, result: make(chan acquireResult, 1)}
	el := p.waiters.PushBack(w)
	p.mu.Unlock()

	wait := p.cfg.MaxQueueWait
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if wait > 0 {
		timer = time.NewTimer(wait)
		timeoutCh = timer.C
		defer timer.Stop()
	}

	select {
	case res := <-w.result:
		return res.session, res.err
	case <-timeoutCh:
		p.mu.Lock()
		// Only remove ourselves if we haven't already been handed a
		// session by a concurrent Release between the timer firing and
		// us acquiring the lock.
		select {
		case res := <-w.result:
			p.mu.Unlock()
			return res.session, res.err
		default:
		}
		p.waiters.Remove(el)
		p.totalRejected++
		p.mu.Unlock()
		return nil, ErrQueueTimeout
	}
}

// wireCallbacks attaches the pool's idle/done hooks to a freshly
// created-or-reused session.
func (p *ConnectionPool) wireCallbacks(sess Session) {
	sess.SetCallbacks(
		func() { p.Release(sess) },
		func() { p.discard(sess) },
	)
}

// Release hands a session back to the pool. If the session reports itself
// idle, it is either handed directly to the oldest parked waiter (skipping
// the idle queue entirely) or, if none are waiting, pushed to the rear of
// the idle queue. A session that is not idle (still processing, or already
// closed) is simply dropped from the active set -- the pool never keeps a
// session that isn't reusable.
func (p *ConnectionPool) Release(sess Session) {
	p.mu.Lock()

	if _, ok := p.active[sess]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.active, sess)

	if !sess.IsIdle() {
		p.mu.Unlock()
		return
	}

	if el := p.waiters.Front(); el != nil {
		w := el.Value.(*waiter)
		p.waiters.Remove(el)
		p.active[sess] = struct{}{}
		p.totalReused++
		p.mu.Unlock()

		if p.cfg.Monitor != nil {
			p.cfg.Monitor.RecordConnectionReuse()
		}
		sess.Reset(w.conn)
		p.wireCallbacks(sess)
		w.result <- acquireResult{session: sess}
		return
	}

	el := p.idle.PushBack(sess)
	p.idleIndex[sess] = el
	p.mu.Unlock()
}

// discard removes sess from the active set without requeuing it, for
// sessions whose connection has closed for good.
func (p *ConnectionPool) discard(sess Session) {
	p.mu.Lock()
	delete(p.active, sess)
	p.mu.Unlock()
}

// CleanupIdle evicts idle sessions whose LastActivity exceeds IdleTimeout,
// closing them and returning the number evicted. Safe to call concurrently
// with Acquire/Release.
func (p *ConnectionPool) CleanupIdle() int {
	p.mu.Lock()
	var toEvict []Session
	var next *list.Element
	now := time.Now()
	for el := p.idle.Front(); el != nil; el = next {
		next = el.Next()
		sess := el.Value.(Session)
		if now.Sub(sess.LastActivity()) > p.cfg.IdleTimeout {
			p.idle.Remove(el)
			delete(p.idleIndex, sess)
			toEvict = append(toEvict, sess)
		}
	}
	p.totalEvicted += int64(len(toEvict))
	p.mu.Unlock()

	for _, sess := range toEvict {
		if err := sess.Close(); err != nil {
			log.Printf("pool: error closing evicted idle session: %v", err)
		}
	}

	if len(toEvict) > 0 && p.cfg.OnEvicted != nil {
		p.cfg.OnEvicted(len(toEvict))
	}
	return len(toEvict)
}

// StartCleanupTimer runs CleanupIdle on a ticker until StopCleanupTimer is
// called or Shutdown runs.
func (p *ConnectionPool) StartCleanupTimer(interval time.Duration) {
	if p.cleanupStop != nil {
		return
	}
	p.cleanupStop = make(chan struct{})
	p.cleanupWG.Add(1)
	go func() {
		defer p.cleanupWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := p.CleanupIdle(); n > 0 {
					log.Printf("pool: evicted %d idle session(s)", n)
				}
			case <-p.cleanupStop:
				return
			}
		}
	}()
}

// StopCleanupTimer stops the background cleanup loop started by
// StartCleanupTimer, if any.
func (p *ConnectionPool) StopCleanupTimer() {
	if p.cleanupStop == nil {
		return
	}
	close(p.cleanupStop)
	p.cleanupWG.Wait()
	p.cleanupStop = nil
}

// Shutdown stops accepting new Acquire calls, fails every parked waiter, and
// closes every idle session. Sessions currently active are left for their
// owners to Release or Close as they finish.
func (p *ConnectionPool) Shutdown() {
	p.StopCleanupTimer()

	p.mu.Lock()
	p.shutdownStarted = true

	for el := p.waiters.Front(); el != nil; el = el.Next() {
		w := el.Value.(*waiter)
		w.result <- acquireResult{err: ErrShutdown}
	}
	p.waiters.Init()

	var idleSessions []Session
	for el := p.idle.Front(); el != nil; el = el.Next() {
		idleSessions = append(idleSessions, el.Value.(Session))
	}
	p.idle.Init()
	p.idleIndex = make(map[Session]*list.Element)
	p.mu.Unlock()

	for _, sess := range idleSessions {
		if err := sess.Close(); err != nil {
			log.Printf("pool: error closing idle session during shutdown: %v", err)
		}
	}
}

// Stats is a point-in-time view of pool occupancy and lifetime counters.
type Stats struct {
	ActiveConnections int
	IdleConnections   int
	QueuedWaiters     int
	TotalCreated      int64
	TotalReused       int64
	TotalEvicted      int64
	RejectedCount     int64
}

// Stats returns a consistent snapshot of the pool's current state.
func (p *ConnectionPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		ActiveConnections: len(p.active),
		IdleConnections:   p.idle.Len(),
		QueuedWaiters:     p.waiters.Len(),
		TotalCreated:      p.totalCreated,
		TotalReused:       p.totalReused,
		TotalEvicted:      p.totalEvicted,
		RejectedCount:     p.totalRejected,
	}
}
