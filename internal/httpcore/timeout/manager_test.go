package timeout

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSession struct {
	id      string
	fired   atomic.Int32
	lastKnd Kind
}

func (f *fakeSession) HandleTimeout(kind Kind) {
	f.fired.Add(1)
	f.lastKnd = kind
}

func TestStartAndFireRequestTimeout(t *testing.T) {
	m := NewManager(30*time.Second, 10*time.Millisecond, nil)
	s := &fakeSession{id: "s1"}

	done := make(chan struct{})
	m.StartRequestTimeout(s, func(sess Session, kind Kind) {
		sess.HandleTimeout(kind)
		close(done)
	}, 0)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout callback never fired")
	}

	if s.fired.Load() != 1 {
		t.Fatalf("expected HandleTimeout called once, got %d", s.fired.Load())
	}
	if s.lastKnd != KindRequest {
		t.Fatalf("expected KindRequest, got %v", s.lastKnd)
	}
}

func TestCancelPreventsFire(t *testing.T) {
	m := NewManager(30*time.Second, 20*time.Millisecond, nil)
	s := &fakeSession{id: "s2"}

	m.StartRequestTimeout(s, nil, 0)
	m.CancelRequestTimeout(s)

	time.Sleep(100 * time.Millisecond)

	if s.fired.Load() != 0 {
		t.Fatalf("expected no fire after cancel, got %d calls", s.fired.Load())
	}
	if m.ActiveRequestTimerCount() != 0 {
		t.Fatalf("expected 0 active request timers after cancel, got %d", m.ActiveRequestTimerCount())
	}
}

func TestRestartingReplacesExistingTimer(t *testing.T) {
	m := NewManager(30*time.Second, 30*time.Second, nil)
	s := &fakeSession{id: "s3"}

	m.StartRequestTimeout(s, nil, 50*time.Millisecond)
	if m.ActiveRequestTimerCount() != 1 {
		t.Fatalf("expected 1 active timer, got %d", m.ActiveRequestTimerCount())
	}

	fired := make(chan struct{})
	m.StartRequestTimeout(s, func(sess Session, kind Kind) { close(fired) }, 30*time.Millisecond)

	if m.ActiveRequestTimerCount() != 1 {
		t.Fatalf("expected exactly 1 live timer after restart (uniqueness), got %d", m.ActiveRequestTimerCount())
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("replacement timer never fired")
	}
}

func TestCancelAllTimers(t *testing.T) {
	m := NewManager(time.Second, time.Second, nil)
	sessions := make([]*fakeSession, 5)
	for i := range sessions {
		sessions[i] = &fakeSession{}
		m.StartConnectionTimeout(sessions[i], nil, 0)
		m.StartRequestTimeout(sessions[i], nil, 0)
	}

	m.CancelAllTimers()

	if m.ActiveConnectionTimerCount() != 0 || m.ActiveRequestTimerCount() != 0 {
		t.Fatalf("expected all timers cancelled, got conn=%d req=%d",
			m.ActiveConnectionTimerCount(), m.ActiveRequestTimerCount())
	}
}

func TestNilSessionIsNoop(t *testing.T) {
	m := NewManager(time.Second, time.Second, nil)
	m.StartConnectionTimeout(nil, nil, 0)
	m.CancelTimeouts(nil)
	if m.ActiveConnectionTimerCount() != 0 {
		t.Fatal("expected no timers from nil session operations")
	}
}

func TestConcurrentStartCancelNoDeadlock(t *testing.T) {
	m := NewManager(time.Second, 5*time.Millisecond, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		s := &fakeSession{}
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.StartRequestTimeout(s, nil, 0)
		}()
		go func() {
			defer wg.Done()
			m.CancelRequestTimeout(s)
		}()
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond)
}
