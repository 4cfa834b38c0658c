// Package adapter bridges a standard net/http.Handler into httpcore.Handler,
// so the pooled core's own request framing can still dispatch into ordinary
// http.ServeMux-based handlers (health checks, metrics, JSON endpoints)
// without those handlers needing to know about PooledSession at all.
package adapter

import (
	"net/http"
	"net/http/httptest"

	"github.com/whisper/chat-app/internal/httpcore"
)

// httpHandlerAdapter runs an http.Handler against a ResponseRecorder and
// translates the result into an httpcore.Response. The recorder stands in
// for the http.ResponseWriter a net/http server would normally supply; since
// PooledSession already owns framing and writing the wire bytes, nothing
// here ever touches a real connection.
type httpHandlerAdapter struct {
	inner http.Handler
}

// Wrap adapts inner so it satisfies httpcore.Handler.
func Wrap(inner http.Handler) httpcore.Handler {
	return &httpHandlerAdapter{inner: inner}
}

func (a *httpHandlerAdapter) Handle(req *http.Request) (*httpcore.Response, error) {
	rec := httptest.NewRecorder()
	a.inner.ServeHTTP(rec, req)

	result := rec.Result()
	defer result.Body.Close()

	body := rec.Body.Bytes()
	return &httpcore.Response{
		StatusCode: result.StatusCode,
		Header:     result.Header,
		Body:       body,
	}, nil
}
