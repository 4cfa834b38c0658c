// Package httpcore defines the collaborator boundaries the pooled HTTP
// serving core calls into: the request handler and the WebSocket manager.
// Both are external to the core (see SPEC_FULL.md ambient/domain stack); the
// core only depends on these interfaces.
package httpcore

import (
	"net"
	"net/http"
)

// Response is what a Handler returns for one HTTP request. A nil Header is
// treated as empty; StatusCode defaults to 200 if zero.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Close instructs the session to close the connection after writing
	// this response instead of keeping it alive for another request.
	Close bool
}

// Handler processes one parsed HTTP request and produces a response. A
// Handler may return an error instead of a Response; the session maps that
// to a 500.
type Handler interface {
	Handle(req *http.Request) (*Response, error)
}

// WSManager takes ownership of a connection that completed the WebSocket
// upgrade predicate. req is the (already-read) HTTP request that triggered
// the upgrade; conn replays any bytes the core's framing reader had already
// pulled off the wire so the manager can perform its own handshake read.
type WSManager interface {
	HandleUpgrade(conn net.Conn, req *http.Request) error
}
