// Package audit persists connection pool lifecycle events -- idle-session
// evictions and timeouts -- to PostgreSQL and a fleet-wide Redis counter, the
// same two stores the chat domain already uses for reports and presence.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/chat-app/internal/httpcore/timeout"
)

// Recorder writes connection pool events to the connection_events table and
// bumps a per-server Redis counter. Either store may be nil, in which case
// that half of the recording is skipped -- useful for tests or deployments
// that only want one sink.
type Recorder struct {
	db         *sql.DB
	redis      *redis.Client
	serverName string
}

// NewRecorder builds a Recorder for serverName, the same identifier used to
// tag this instance's presence in Redis elsewhere in the fleet.
func NewRecorder(db *sql.DB, redisClient *redis.Client, serverName string) *Recorder {
	return &Recorder{db: db, redis: redisClient, serverName: serverName}
}

// RecordEviction is called by the connection pool's idle-timeout sweep with
// the number of sessions it just closed. It inserts one connection_events
// row per eviction and adds n to the "pool:evictions:<server_name>" Redis
// counter.
func (r *Recorder) RecordEviction(n int) {
	if n <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if r.db != nil {
		const query = `INSERT INTO connection_events (session_id, server_name, event) VALUES ($1, $2, 'evicted')`
		for i := 0; i < n; i++ {
			if _, err := r.db.ExecContext(ctx, query, "", r.serverName); err != nil {
				log.Printf("audit: failed to record eviction: %v", err)
				break
			}
		}
	}

	if r.redis != nil {
		key := fmt.Sprintf("pool:evictions:%s", r.serverName)
		if err := r.redis.IncrBy(ctx, key, int64(n)).Err(); err != nil {
			log.Printf("audit: failed to bump redis eviction counter: %v", err)
		}
	}
}

// PublishTimeout implements timeout.EventPublisher, giving session timeout
// events a durable audit trail alongside the fleet-wide NATS notification.
func (r *Recorder) PublishTimeout(sessionID string, kind timeout.Kind) error {
	if r.db == nil {
		return nil
	}

	event := "timeout_connection"
	if kind == timeout.KindRequest {
		event = "timeout_request"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	const query = `INSERT INTO connection_events (session_id, server_name, event) VALUES ($1, $2, $3)`
	if _, err := r.db.ExecContext(ctx, query, sessionID, r.serverName, event); err != nil {
		return fmt.Errorf("audit: insert timeout event: %w", err)
	}
	return nil
}
