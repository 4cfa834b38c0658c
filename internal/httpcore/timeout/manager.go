// Package timeout implements the centralized timeout manager: connection and
// request timers keyed by session, with safe cancellation under concurrent
// completion.
package timeout

import (
	"log"
	"sync"
	"time"

	"github.com/whisper/chat-app/internal/httpcore/perf"
)

// Kind distinguishes the two timer categories a session may have armed.
type Kind int

const (
	KindConnection Kind = iota
	KindRequest
)

func (k Kind) String() string {
	if k == KindRequest {
		return "request"
	}
	return "connection"
}

// Session is the boundary the timeout manager calls back into when a timer
// fires. PooledSession implements it.
type Session interface {
	HandleTimeout(kind Kind)
}

// Callback is invoked when a timer fires and has not been cancelled. It runs
// after the manager has already removed the timer's bookkeeping record, so a
// callback that starts a new timer for the same session cannot deadlock.
type Callback func(session Session, kind Kind)

// EventPublisher is the optional fleet-wide notification boundary; a nil
// EventPublisher means timeout events are only observed locally.
type EventPublisher interface {
	PublishTimeout(sessionID string, kind Kind) error
}

type record struct {
	timer    *time.Timer
	callback Callback
	duration time.Duration
}

// Manager owns all deadline timers on behalf of sessions.
type Manager struct {
	mu   sync.Mutex
	conn map[Session]*record
	req  map[Session]*record

	connDefault time.Duration
	reqDefault  time.Duration

	defaultCallback Callback
	monitor         *perf.Monitor
	publisher       EventPublisher
}

// NewManager creates a Manager with the given default durations. monitor may
// be nil (timeout counters simply aren't recorded).
func NewManager(connectionTimeout, requestTimeout time.Duration, monitor *perf.Monitor) *Manager {
	m := &Manager{
		conn:        make(map[Session]*record),
		req:         make(map[Session]*record),
		connDefault: connectionTimeout,
		reqDefault:  requestTimeout,
		monitor:     monitor,
	}
	m.defaultCallback = m.defaultTimeoutHandler
	return m
}

// SetEventPublisher wires an optional fleet-wide notifier for timeout events.
func (m *Manager) SetEventPublisher(p EventPublisher) {
	m.mu.Lock()
	m.publisher = p
	m.mu.Unlock()
}

// SetDefaultConnectionTimeout sets the duration used when callers omit one.
func (m *Manager) SetDefaultConnectionTimeout(d time.Duration) {
	m.mu.Lock()
	m.connDefault = d
	m.mu.Unlock()
}

// SetDefaultRequestTimeout sets the duration used when callers omit one.
func (m *Manager) SetDefaultRequestTimeout(d time.Duration) {
	m.mu.Lock()
	m.reqDefault = d
	m.mu.Unlock()
}

// DefaultConnectionTimeout returns the current default connection duration.
func (m *Manager) DefaultConnectionTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connDefault
}

// DefaultRequestTimeout returns the current default request duration.
func (m *Manager) DefaultRequestTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reqDefault
}

// SetDefaultTimeoutCallback overrides the callback used when callers start a
// timer without an explicit one.
func (m *Manager) SetDefaultTimeoutCallback(cb Callback) {
	m.mu.Lock()
	if cb != nil {
		m.defaultCallback = cb
	}
	m.mu.Unlock()
}

// StartConnectionTimeout arms (or re-arms, cancelling the prior one) a
// connection timer for session. A nil session is a no-op.
func (m *Manager) StartConnectionTimeout(session Session, callback Callback, duration time.Duration) {
	m.start(session, KindConnection, callback, duration)
}

// StartRequestTimeout arms (or re-arms, cancelling the prior one) a request
// timer for session. A nil session is a no-op.
func (m *Manager) StartRequestTimeout(session Session, callback Callback, duration time.Duration) {
	m.start(session, KindRequest, callback, duration)
}

func (m *Manager) start(session Session, kind Kind, callback Callback, duration time.Duration) {
	if session == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	table := m.tableFor(kind)
	if existing, ok := table[session]; ok {
		existing.timer.Stop()
		delete(table, session)
	}

	cb := callback
	if cb == nil {
		cb = m.defaultCallback
	}
	d := duration
	if d <= 0 {
		if kind == KindRequest {
			d = m.reqDefault
		} else {
			d = m.connDefault
		}
	}

	rec := &record{callback: cb, duration: d}
	rec.timer = time.AfterFunc(d, func() { m.fire(session, kind, rec) })
	table[session] = rec
}

// fire runs on the timer's own goroutine. It removes the record before
// invoking the callback so a callback that starts a new timer for the same
// session cannot deadlock, and so a concurrent cancel that already removed
// the record (or a newer Start that replaced it) makes this a silent no-op.
func (m *Manager) fire(session Session, kind Kind, rec *record) {
	m.mu.Lock()
	table := m.tableFor(kind)
	current, ok := table[session]
	if !ok || current != rec {
		m.mu.Unlock()
		return
	}
	delete(table, session)
	m.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("timeout: callback panic kind=%s: %v", kind, r)
		}
	}()
	rec.callback(session, kind)
}

// CancelTimeouts cancels both the connection and request timer for session,
// if present. A nil session is a no-op.
func (m *Manager) CancelTimeouts(session Session) {
	m.CancelConnectionTimeout(session)
	m.CancelRequestTimeout(session)
}

// CancelConnectionTimeout cancels session's connection timer, if present.
func (m *Manager) CancelConnectionTimeout(session Session) {
	m.cancel(session, KindConnection)
}

// CancelRequestTimeout cancels session's request timer, if present.
func (m *Manager) CancelRequestTimeout(session Session) {
	m.cancel(session, KindRequest)
}

func (m *Manager) cancel(session Session, kind Kind) {
	if session == nil {
		return
	}
	m.mu.Lock()
	table := m.tableFor(kind)
	if rec, ok := table[session]; ok {
		rec.timer.Stop()
		delete(table, session)
	}
	m.mu.Unlock()
}

// CancelAllTimers cancels every outstanding timer; used at shutdown.
func (m *Manager) CancelAllTimers() {
	m.mu.Lock()
	for s, rec := range m.conn {
		rec.timer.Stop()
		delete(m.conn, s)
	}
	for s, rec := range m.req {
		rec.timer.Stop()
		delete(m.req, s)
	}
	m.mu.Unlock()
}

// ActiveConnectionTimerCount returns the number of live connection timers.
func (m *Manager) ActiveConnectionTimerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conn)
}

// ActiveRequestTimerCount returns the number of live request timers.
func (m *Manager) ActiveRequestTimerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.req)
}

func (m *Manager) tableFor(kind Kind) map[Session]*record {
	if kind == KindRequest {
		return m.req
	}
	return m.conn
}

// defaultTimeoutHandler invokes the session's own HandleTimeout (which knows
// how to close or, for requests, answer 408-then-close), records the
// matching counter, and best-effort notifies a fleet-wide publisher.
func (m *Manager) defaultTimeoutHandler(session Session, kind Kind) {
	session.HandleTimeout(kind)

	if m.monitor != nil {
		if kind == KindRequest {
			m.monitor.RecordTimeout(perf.TimeoutRequest)
		} else {
			m.monitor.RecordTimeout(perf.TimeoutConnection)
		}
	}

	m.mu.Lock()
	pub := m.publisher
	m.mu.Unlock()
	if pub != nil {
		if sid, ok := session.(interface{ SessionID() string }); ok {
			if err := pub.PublishTimeout(sid.SessionID(), kind); err != nil {
				log.Printf("timeout: failed to publish timeout event: %v", err)
			}
		}
	}
}
