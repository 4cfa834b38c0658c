package pool

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSession struct {
	id int

	mu           sync.Mutex
	conn         net.Conn
	idle         bool
	closed       bool
	lastActivity time.Time
	onIdle       func()
	onDone       func()
}

func newFakeSession(id int, conn net.Conn) *fakeSession {
	return &fakeSession{id: id, conn: conn, lastActivity: time.Now()}
}

func (f *fakeSession) Reset(conn net.Conn) {
	f.mu.Lock()
	f.conn = conn
	f.idle = false
	f.closed = false
	f.lastActivity = time.Now()
	f.mu.Unlock()
}

func (f *fakeSession) IsIdle() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idle
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) LastActivity() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastActivity
}

func (f *fakeSession) SetCallbacks(onIdle, onDone func()) {
	f.mu.Lock()
	f.onIdle = onIdle
	f.onDone = onDone
	f.mu.Unlock()
}

// goIdle marks the session idle and notifies the pool, the way a real
// session does after writing a keep-alive response.
func (f *fakeSession) goIdle() {
	f.mu.Lock()
	f.idle = true
	cb := f.onIdle
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (f *fakeSession) setLastActivity(t time.Time) {
	f.mu.Lock()
	f.lastActivity = t
	f.mu.Unlock()
}

type fakeMonitor struct {
	newConns atomic.Int64
	reuses   atomic.Int64
}

func (m *fakeMonitor) RecordNewConnection()   { m.newConns.Add(1) }
func (m *fakeMonitor) RecordConnectionReuse() { m.reuses.Add(1) }

func testConfig(min, max, maxQueue int) Config {
	return Config{
		MinConnections: min,
		MaxConnections: max,
		IdleTimeout:    time.Hour,
		MaxQueueSize:   maxQueue,
		MaxQueueWait:   time.Second,
	}
}

func countingFactory() (Factory, *atomic.Int64) {
	var n atomic.Int64
	return func(conn net.Conn) (Session, error) {
		id := int(n.Add(1))
		return newFakeSession(id, conn), nil
	}, &n
}

func TestBasicReuse(t *testing.T) {
	factory, created := countingFactory()
	p, err := New(testConfig(2, 5, 10), factory)
	if err != nil {
		t.Fatal(err)
	}

	c1, _ := net.Pipe()
	s1, err := p.Acquire(c1)
	if err != nil {
		t.Fatal(err)
	}
	fs1 := s1.(*fakeSession)
	fs1.goIdle()
	p.Release(s1)

	c2, _ := net.Pipe()
	s2, err := p.Acquire(c2)
	if err != nil {
		t.Fatal(err)
	}
	if s2 != s1 {
		t.Fatal("expected Acquire to reuse the released idle session")
	}

	stats := p.Stats()
	if created.Load() != 1 {
		t.Fatalf("expected exactly 1 session created, got %d", created.Load())
	}
	if stats.TotalReused != 1 {
		t.Fatalf("expected 1 reuse recorded, got %d", stats.TotalReused)
	}
}

func TestMonitorRecordsNewConnectionsAndReuse(t *testing.T) {
	factory, _ := countingFactory()
	cfg := testConfig(0, 5, 5)
	mon := &fakeMonitor{}
	cfg.Monitor = mon
	p, err := New(cfg, factory)
	if err != nil {
		t.Fatal(err)
	}

	c1, _ := net.Pipe()
	s1, err := p.Acquire(c1)
	if err != nil {
		t.Fatal(err)
	}
	if mon.newConns.Load() != 1 {
		t.Fatalf("expected 1 new-connection record, got %d", mon.newConns.Load())
	}

	fs1 := s1.(*fakeSession)
	fs1.goIdle()
	p.Release(s1)

	c2, _ := net.Pipe()
	if _, err := p.Acquire(c2); err != nil {
		t.Fatal(err)
	}
	if mon.reuses.Load() != 1 {
		t.Fatalf("expected 1 reuse record, got %d", mon.reuses.Load())
	}
	if mon.newConns.Load() != 1 {
		t.Fatalf("expected new-connection count to stay at 1 after a reuse, got %d", mon.newConns.Load())
	}
}

func TestMonitorRecordsReuseOnDirectWaiterHandoff(t *testing.T) {
	factory, _ := countingFactory()
	cfg := testConfig(0, 1, 5)
	mon := &fakeMonitor{}
	cfg.Monitor = mon
	p, err := New(cfg, factory)
	if err != nil {
		t.Fatal(err)
	}

	c1, _ := net.Pipe()
	s1, err := p.Acquire(c1)
	if err != nil {
		t.Fatal(err)
	}

	resultCh := make(chan error, 1)
	go func() {
		c2, _ := net.Pipe()
		_, err := p.Acquire(c2)
		resultCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	fs1 := s1.(*fakeSession)
	fs1.goIdle()
	p.Release(s1)

	if err := <-resultCh; err != nil {
		t.Fatal(err)
	}
	if mon.reuses.Load() != 1 {
		t.Fatalf("expected direct waiter handoff to record as a reuse, got %d", mon.reuses.Load())
	}
}

func TestRejectedCountTracksBothFailureModes(t *testing.T) {
	factory, _ := countingFactory()
	cfg := testConfig(0, 1, 1)
	cfg.MaxQueueWait = 0 // the parked waiter below stays parked until Shutdown
	p, err := New(cfg, factory)
	if err != nil {
		t.Fatal(err)
	}

	c1, _ := net.Pipe()
	if _, err := p.Acquire(c1); err != nil {
		t.Fatal(err)
	}

	// Fill the one-slot waiter queue so the next caller finds it full.
	parked := make(chan error, 1)
	go func() {
		c, _ := net.Pipe()
		_, err := p.Acquire(c)
		parked <- err
	}()
	time.Sleep(50 * time.Millisecond)

	c2, _ := net.Pipe()
	if _, err := p.Acquire(c2); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	cfg2 := testConfig(0, 1, 5)
	cfg2.MaxQueueWait = 20 * time.Millisecond
	p2, err := New(cfg2, factory)
	if err != nil {
		t.Fatal(err)
	}
	c3, _ := net.Pipe()
	if _, err := p2.Acquire(c3); err != nil {
		t.Fatal(err)
	}
	c4, _ := net.Pipe()
	if _, err := p2.Acquire(c4); err != ErrQueueTimeout {
		t.Fatalf("expected ErrQueueTimeout, got %v", err)
	}

	if stats := p.Stats(); stats.RejectedCount != 1 {
		t.Fatalf("expected 1 rejection recorded for a full queue, got %d", stats.RejectedCount)
	}
	if stats := p2.Stats(); stats.RejectedCount != 1 {
		t.Fatalf("expected 1 rejection recorded for a queue timeout, got %d", stats.RejectedCount)
	}

	p.Shutdown()
	<-parked
}

func TestSaturationRejectsBeyondQueue(t *testing.T) {
	factory, _ := countingFactory()
	cfg := testConfig(0, 1, 1)
	cfg.MaxQueueWait = 0 // park indefinitely for this test; we cancel via Shutdown
	p, err := New(cfg, factory)
	if err != nil {
		t.Fatal(err)
	}

	c1, _ := net.Pipe()
	if _, err := p.Acquire(c1); err != nil {
		t.Fatal(err)
	}

	// Pool is now at capacity (max=1). One waiter is allowed (queue size 1).
	waiterDone := make(chan error, 1)
	go func() {
		c2, _ := net.Pipe()
		_, err := p.Acquire(c2)
		waiterDone <- err
	}()
	time.Sleep(50 * time.Millisecond)

	c3, _ := net.Pipe()
	if _, err := p.Acquire(c3); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull once queue is also full, got %v", err)
	}

	p.Shutdown()
	if err := <-waiterDone; err != ErrShutdown {
		t.Fatalf("expected parked waiter to observe shutdown, got %v", err)
	}
}

func TestQueueTimeout(t *testing.T) {
	factory, _ := countingFactory()
	cfg := testConfig(0, 1, 5)
	cfg.MaxQueueWait = 30 * time.Millisecond
	p, err := New(cfg, factory)
	if err != nil {
		t.Fatal(err)
	}

	c1, _ := net.Pipe()
	if _, err := p.Acquire(c1); err != nil {
		t.Fatal(err)
	}

	c2, _ := net.Pipe()
	_, err = p.Acquire(c2)
	if err != ErrQueueTimeout {
		t.Fatalf("expected ErrQueueTimeout, got %v", err)
	}
}

func TestReleaseHandsDirectlyToWaiter(t *testing.T) {
	factory, created := countingFactory()
	p, err := New(testConfig(0, 1, 5), factory)
	if err != nil {
		t.Fatal(err)
	}

	c1, _ := net.Pipe()
	s1, err := p.Acquire(c1)
	if err != nil {
		t.Fatal(err)
	}

	type result struct {
		sess Session
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		c2, _ := net.Pipe()
		s, err := p.Acquire(c2)
		resultCh <- result{s, err}
	}()
	time.Sleep(50 * time.Millisecond)

	fs1 := s1.(*fakeSession)
	fs1.goIdle()
	p.Release(s1)

	res := <-resultCh
	if res.err != nil {
		t.Fatal(res.err)
	}
	if res.sess != s1 {
		t.Fatal("expected the waiter to receive the released session directly")
	}
	if created.Load() != 1 {
		t.Fatalf("expected only 1 session ever created, got %d", created.Load())
	}

	stats := p.Stats()
	if stats.IdleConnections != 0 {
		t.Fatalf("session handed to a waiter should never sit in the idle queue, got %d idle", stats.IdleConnections)
	}
}

func TestNonIdleReleaseIsDropped(t *testing.T) {
	factory, _ := countingFactory()
	p, err := New(testConfig(0, 2, 5), factory)
	if err != nil {
		t.Fatal(err)
	}

	c1, _ := net.Pipe()
	s1, err := p.Acquire(c1)
	if err != nil {
		t.Fatal(err)
	}
	// Released without ever going idle -- e.g. the connection just closed.
	p.Release(s1)

	stats := p.Stats()
	if stats.IdleConnections != 0 || stats.ActiveConnections != 0 {
		t.Fatalf("expected a non-idle release to be dropped outright, got %+v", stats)
	}
}

func TestCleanupIdleEvictsExpiredSessions(t *testing.T) {
	factory, _ := countingFactory()
	cfg := testConfig(0, 5, 5)
	cfg.IdleTimeout = 10 * time.Millisecond
	p, err := New(cfg, factory)
	if err != nil {
		t.Fatal(err)
	}

	c1, _ := net.Pipe()
	s1, err := p.Acquire(c1)
	if err != nil {
		t.Fatal(err)
	}
	fs1 := s1.(*fakeSession)
	fs1.goIdle()
	fs1.setLastActivity(time.Now().Add(-time.Hour))
	p.Release(s1)

	evicted := p.CleanupIdle()
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if !fs1.closed {
		t.Fatal("expected evicted session to be closed")
	}
	if p.Stats().IdleConnections != 0 {
		t.Fatal("evicted session should no longer sit in the idle queue")
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	factory, _ := countingFactory()
	p, err := New(testConfig(2, 4, 50), factory)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, _ := net.Pipe()
			sess, err := p.Acquire(conn)
			if err != nil {
				return
			}
			fs := sess.(*fakeSession)
			fs.goIdle()
			p.Release(sess)
		}()
	}
	wg.Wait()

	stats := p.Stats()
	if stats.ActiveConnections != 0 {
		t.Fatalf("expected no active connections left, got %d", stats.ActiveConnections)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	factory, _ := countingFactory()

	cases := []Config{
		{MinConnections: 5, MaxConnections: 1, IdleTimeout: time.Second, MaxQueueSize: 1},
		{MaxConnections: 0, IdleTimeout: time.Second, MaxQueueSize: 1},
		{MaxConnections: 1, IdleTimeout: 0, MaxQueueSize: 1},
		{MaxConnections: 1, IdleTimeout: time.Second, MaxQueueSize: 0},
	}
	for i, cfg := range cases {
		if _, err := New(cfg, factory); err == nil {
			t.Errorf("case %d: expected an error for invalid config %+v", i, cfg)
		}
	}

	if _, err := New(testConfig(0, 1, 1), nil); err == nil {
		t.Error("expected an error for a nil factory")
	}
}

func TestShutdownClosesIdleSessions(t *testing.T) {
	factory, _ := countingFactory()
	p, err := New(testConfig(0, 3, 5), factory)
	if err != nil {
		t.Fatal(err)
	}

	var sessions []*fakeSession
	for i := 0; i < 2; i++ {
		conn, _ := net.Pipe()
		s, err := p.Acquire(conn)
		if err != nil {
			t.Fatal(err)
		}
		fs := s.(*fakeSession)
		fs.goIdle()
		p.Release(s)
		sessions = append(sessions, fs)
	}

	p.Shutdown()

	for i, fs := range sessions {
		if !fs.closed {
			t.Errorf("session %d: expected closed after shutdown", i)
		}
	}

	if _, err := p.Acquire(func() net.Conn { c, _ := net.Pipe(); return c }()); err != ErrShutdown {
		t.Fatalf("expected ErrShutdown after shutdown, got %v", err)
	}
}

func TestFIFOIdleOrdering(t *testing.T) {
	factory, _ := countingFactory()
	p, err := New(testConfig(0, 3, 5), factory)
	if err != nil {
		t.Fatal(err)
	}

	var sessions []Session
	for i := 0; i < 3; i++ {
		conn, _ := net.Pipe()
		s, err := p.Acquire(conn)
		if err != nil {
			t.Fatal(err)
		}
		sessions = append(sessions, s)
	}
	for _, s := range sessions {
		s.(*fakeSession).goIdle()
		p.Release(s)
	}

	for i, want := range sessions {
		conn, _ := net.Pipe()
		got, err := p.Acquire(conn)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("reuse %d: expected FIFO order to return session %v, got %v", i, want, got)
		}
		got.(*fakeSession).goIdle()
		p.Release(got)
	}
}
