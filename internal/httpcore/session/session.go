// Package session implements PooledSession, the per-connection state machine
// that the connection pool hands out: request framing, handler dispatch,
// WebSocket upgrade hand-off, and timeout arming/cancellation.
package session

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/chat-app/internal/httpcore"
	"github.com/whisper/chat-app/internal/httpcore/perf"
	"github.com/whisper/chat-app/internal/httpcore/timeout"
)

// shrinkThreshold is the buffer capacity above which reset() discards the
// underlying array instead of just clearing it, so one oversized request
// doesn't keep a large buffer pinned for the session's whole reuse lifetime.
const shrinkThreshold = 64 * 1024

// readBufferSize is the initial (and steady-state, below shrinkThreshold)
// size of the per-session framing buffer.
const readBufferSize = 16 * 1024

// maxBufferSize bounds how large the framing buffer is allowed to grow while
// retrying a request whose header section didn't fit.
const maxBufferSize = 1024 * 1024

// PooledSession owns one physical connection for the lifetime of exactly one
// request/response cycle, after which it reports idle=true and is returned
// to the pool for reuse (possibly against a different connection) or, if the
// cycle ended in a close, is dropped.
type PooledSession struct {
	id string

	handler   httpcore.Handler
	wsManager httpcore.WSManager
	timeouts  *timeout.Manager
	monitor   *perf.Monitor

	// enableMetrics gates whether the monitor records samples at all,
	// matching ServerConfig.EnableMetrics.
	enableMetrics bool

	maxRequestBody int64

	guard runGuard

	// writeMu serializes writes to conn: the normal response path and a
	// timer-goroutine-triggered 408 (see HandleTimeout) can race to write,
	// same as the chat connection's own write mutex guards concurrent sends.
	writeMu sync.Mutex

	mu           sync.Mutex
	conn         net.Conn
	bufSize      int
	idle         bool
	processing   bool
	closed       bool
	doneReported bool
	lastActivity time.Time

	// onIdle is invoked once a response completes without the connection
	// closing: the caller (normally the connection pool) releases the
	// session back to its idle queue.
	onIdle func()
	// onDone is invoked once the session's connection has been closed for
	// good; the caller removes it from the pool's active set without
	// requeuing it as idle.
	onDone func()
}

// New creates a PooledSession that owns conn. handler and wsManager may be
// the same values shared across many sessions; timeouts and monitor must be
// shared (they track all sessions for a given server). maxRequestBody <= 0
// means unlimited. enableMetrics gates whether the monitor records request
// samples at all, per ServerConfig.EnableMetrics.
func New(conn net.Conn, handler httpcore.Handler, wsManager httpcore.WSManager, timeouts *timeout.Manager, monitor *perf.Monitor, maxRequestBody int64, enableMetrics bool) *PooledSession {
	s := &PooledSession{
		id:             uuid.NewString(),
		handler:        handler,
		timeouts:       timeouts,
		monitor:        monitor,
		enableMetrics:  enableMetrics,
		wsManager:      wsManager,
		maxRequestBody: maxRequestBody,
	}
	s.bind(conn)
	return s
}

func (s *PooledSession) bind(conn net.Conn) {
	s.conn = conn
	if s.bufSize == 0 {
		s.bufSize = readBufferSize
	}
	s.idle = false
	s.processing = false
	s.closed = false
	s.doneReported = false
	s.lastActivity = time.Now()
}

// SessionID returns the session's public identifier, used for log
// correlation and fleet-wide timeout-event publishing.
func (s *PooledSession) SessionID() string {
	return s.id
}

// SetCallbacks wires the pool's idle/done hooks. Called once by the pool
// right after construction or reuse.
func (s *PooledSession) SetCallbacks(onIdle, onDone func()) {
	s.mu.Lock()
	s.onIdle = onIdle
	s.onDone = onDone
	s.mu.Unlock()
}

// Reset rebinds the session to a newly-acquired connection, clearing all
// per-request state, marking the session idle until Run starts its next
// cycle, and shrinking the framing buffer if the previous connection drove
// it above shrinkThreshold. This is how the pool's idle
// queue, whose sessions no longer own a live connection, adopts a fresh one.
//
// The original C++ pool's reset() took no socket argument and its
// acquireConnection() reuse path never actually rebound the popped session
// to the caller's new socket -- by the time a session reached the pool's
// idle queue its prior connection had already ended, so the omission left
// reuse unable to serve a real client. This port's Reset always takes the
// new connection; see DESIGN.md for the full writeup.
func (s *PooledSession) Reset(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bufSize > shrinkThreshold {
		s.bufSize = readBufferSize
	}
	s.bind(conn)
	s.idle = true
}

// IsIdle reports whether the session is idle and not mid-request, i.e.
// eligible for the pool to hand out again.
func (s *PooledSession) IsIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle && !s.processing
}

// LastActivity returns the timestamp of the session's most recent read,
// write, or reset -- used by the pool's idle-timeout sweep.
func (s *PooledSession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *PooledSession) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Close cancels all timers and shuts the connection down. Idempotent.
func (s *PooledSession) Close() error {
	s.timeouts.CancelTimeouts(s)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.idle = false
	s.processing = false
	conn := s.conn
	s.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	return err
}

// HandleTimeout implements timeout.Session. For a request timeout it answers
// 408 and closes; for a connection timeout (no request ever arrived) it just
// closes.
func (s *PooledSession) HandleTimeout(kind timeout.Kind) {
	if kind == timeout.KindRequest {
		s.writeDirect(&httpcore.Response{
			StatusCode: http.StatusRequestTimeout,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       []byte(`{"error":"request timeout"}`),
			Close:      true,
		})
	}
	s.finish(true)
}

// Run drives exactly one request/response cycle to completion: it arms the
// connection timeout, reads and parses one HTTP request, dispatches it (or
// hands the connection off to the WebSocket manager), writes the response,
// and reports the outcome via onIdle/onDone. Run must only be called while
// the session is not already in the pool's active set for another caller;
// the pool enforces this by construction.
//
// Run returns true if the underlying connection is still open for another
// request (the caller should drive its next pipelined request, typically by
// calling the pool's Acquire with the same connection again), or false if
// the cycle ended in a close or a hand-off to the WebSocket manager.
func (s *PooledSession) Run() bool {
	if !s.guard.enter() {
		log.Printf("session %s: Run called while already active, ignoring", s.id)
		return false
	}
	defer s.guard.leave()

	s.mu.Lock()
	s.idle = false
	s.mu.Unlock()

	s.timeouts.StartConnectionTimeout(s, nil, 0)
	return s.doRead()
}

func (s *PooledSession) doRead() bool {
	s.timeouts.StartRequestTimeout(s, nil, 0)

	req, captured, err := s.readRequest()
	s.touch()
	if err != nil {
		return s.finish(true)
	}

	if s.maxRequestBody > 0 && req.ContentLength > s.maxRequestBody {
		s.timeouts.CancelConnectionTimeout(s)
		s.writeDirect(&httpcore.Response{
			StatusCode: http.StatusRequestEntityTooLarge,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       []byte(`{"error":"request body exceeds max_request_body"}`),
			Close:      true,
		})
		return s.finish(true)
	}

	s.mu.Lock()
	s.processing = true
	s.mu.Unlock()

	s.timeouts.CancelConnectionTimeout(s)
	if s.enableMetrics {
		s.monitor.RecordRequestStart()
	}
	start := time.Now()

	if isWebSocketUpgrade(req) {
		s.timeouts.CancelRequestTimeout(s)
		s.handoffToWSManager(req, captured)
		if s.enableMetrics {
			s.monitor.RecordRequestEnd(float64(time.Since(start).Milliseconds()))
		}
		return false
	}

	resp, herr := s.dispatch(req)
	s.timeouts.CancelRequestTimeout(s)
	if s.enableMetrics {
		s.monitor.RecordRequestEnd(float64(time.Since(start).Milliseconds()))
	}

	if herr != nil {
		log.Printf("session %s: handler error: %v", s.id, herr)
		resp = &httpcore.Response{
			StatusCode: http.StatusInternalServerError,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       []byte(`{"error":"internal server error"}`),
			Close:      true,
		}
	}

	s.writeResponse(resp)
	return s.finish(resp.Close)
}

// readRequest parses one HTTP request off the connection, growing the
// framing buffer (replaying already-consumed bytes via replayConn) if the
// header section doesn't fit, up to maxBufferSize. It returns the exact
// bytes consumed so a WebSocket hand-off can replay them for the manager's
// own handshake read.
func (s *PooledSession) readRequest() (*http.Request, *bytes.Buffer, error) {
	s.mu.Lock()
	bufSize := s.bufSize
	s.mu.Unlock()

	var src io.Reader = s.conn
	for {
		captured := &bytes.Buffer{}
		tee := io.TeeReader(src, captured)
		reqReader := bufio.NewReaderSize(tee, bufSize)

		req, err := http.ReadRequest(reqReader)
		if err == bufio.ErrBufferFull && bufSize < maxBufferSize {
			bufSize *= 2
			src = &replayConn{Conn: s.conn, prefix: bytes.NewReader(captured.Bytes())}
			continue
		}

		s.mu.Lock()
		s.bufSize = bufSize
		s.mu.Unlock()
		return req, captured, err
	}
}

// dispatch calls the handler, recovering from panics the same way the
// original session turned both std::exception and unknown exceptions into a
// 500 response.
func (s *PooledSession) dispatch(req *http.Request) (resp *httpcore.Response, err error) {
	if s.handler == nil {
		return &httpcore.Response{
			StatusCode: http.StatusInternalServerError,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       []byte(`{"error":"no handler configured"}`),
			Close:      true,
		}, nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler.Handle(req)
}

// handoffToWSManager transfers ownership of the connection to the WebSocket
// collaborator. replay wraps conn so the manager sees the exact bytes the
// framing reader already pulled off the wire, ahead of whatever remains
// unread on the live socket.
func (s *PooledSession) handoffToWSManager(req *http.Request, captured *bytes.Buffer) {
	if s.wsManager == nil {
		s.writeDirect(&httpcore.Response{
			StatusCode: http.StatusServiceUnavailable,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       []byte(`{"error":"websocket upgrades not supported"}`),
			Close:      true,
		})
		s.finish(true)
		return
	}

	s.mu.Lock()
	conn := s.conn
	s.closed = true // ownership of conn transfers out; this session no longer drives it
	s.mu.Unlock()

	handoff := &replayConn{Conn: conn, prefix: bytes.NewReader(captured.Bytes())}
	if err := s.wsManager.HandleUpgrade(handoff, req); err != nil {
		log.Printf("session %s: websocket handoff failed: %v", s.id, err)
	}
	s.reportDone()
}

// writeResponse picks the small-direct-write vs shared-object-write path by
// body size, mirroring the original session's distinction between writing a
// short response inline versus boxing a larger one so its lifetime can
// outlast the call that built it.
func (s *PooledSession) writeResponse(resp *httpcore.Response) {
	if len(resp.Body) <= 4096 {
		s.writeDirect(resp)
		return
	}
	s.writeShared(resp)
}

func (s *PooledSession) writeDirect(resp *httpcore.Response) {
	buf := renderResponse(resp)
	s.writeAndTouch(buf)
}

// sharedResponse boxes a response so a caller can hold a reference across an
// asynchronous write without the response being mutated out from under it.
// Go's synchronous net.Conn.Write doesn't need the reference counting the
// original's shared_ptr gave it, but the boxing is kept for parity and so a
// future async writer has a natural place to hang a retain.
type sharedResponse struct {
	resp *httpcore.Response
}

func (s *PooledSession) writeShared(resp *httpcore.Response) {
	boxed := &sharedResponse{resp: resp}
	buf := renderResponse(boxed.resp)
	s.writeAndTouch(buf)
}

func (s *PooledSession) writeAndTouch(buf []byte) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	s.writeMu.Lock()
	_, err := conn.Write(buf)
	s.writeMu.Unlock()

	if err != nil {
		log.Printf("session %s: write failed: %v", s.id, err)
	}
	s.touch()
}

func renderResponse(resp *httpcore.Response) []byte {
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))

	header := resp.Header
	if header == nil {
		header = http.Header{}
	}
	if header.Get("Content-Length") == "" {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(resp.Body))
	}
	if header.Get("Connection") == "" {
		if resp.Close {
			b.WriteString("Connection: close\r\n")
		} else {
			b.WriteString("Connection: keep-alive\r\n")
		}
	}
	for k, vs := range header {
		for _, v := range vs {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	b.WriteString("\r\n")
	b.Write(resp.Body)
	return b.Bytes()
}

// finish completes one request/response cycle: on close it cancels timers,
// shuts the connection down, and reports done; otherwise it marks the
// session idle (ready for its next read, whether that's this same physical
// connection's next pipelined request or, after passing through the pool's
// idle queue, an entirely different one) and reports idle.
func (s *PooledSession) finish(shouldClose bool) bool {
	if shouldClose {
		s.Close()
		s.reportDone()
		return false
	}

	s.mu.Lock()
	s.idle = true
	s.processing = false
	s.mu.Unlock()

	s.reportIdle()
	return true
}

func (s *PooledSession) reportIdle() {
	s.mu.Lock()
	cb := s.onIdle
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (s *PooledSession) reportDone() {
	s.mu.Lock()
	if s.doneReported {
		s.mu.Unlock()
		return
	}
	s.doneReported = true
	cb := s.onDone
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// isWebSocketUpgrade mirrors the header checks a framing library's own
// upgrade predicate performs (RFC 6455 section 4.2.1): a GET whose
// Connection and Upgrade headers both name the handshake. The protocol
// version is not checked.
func isWebSocketUpgrade(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	return headerContainsToken(req.Header.Get("Connection"), "upgrade") &&
		strings.EqualFold(req.Header.Get("Upgrade"), "websocket")
}

func headerContainsToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// replayConn wraps a net.Conn so that Read first drains prefix (bytes
// already pulled off the real connection while framing/predicate-checking
// the request) before falling through to live reads.
type replayConn struct {
	net.Conn
	prefix *bytes.Reader
}

func (c *replayConn) Read(p []byte) (int, error) {
	if c.prefix.Len() > 0 {
		return c.prefix.Read(p)
	}
	return c.Conn.Read(p)
}

// SyscallConn forwards to the underlying connection's raw fd when available,
// so a handed-off replayConn can still be registered with epoll -- without
// this, the embedded net.Conn's promoted methods alone don't satisfy
// syscall.Conn and the WebSocket manager would see an unusable fd of -1.
func (c *replayConn) SyscallConn() (syscall.RawConn, error) {
	sc, ok := c.Conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("replayConn: underlying connection does not support SyscallConn")
	}
	return sc.SyscallConn()
}
