package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
)

const schema = `
CREATE TABLE IF NOT EXISTS ws_sessions (
	id          BIGSERIAL PRIMARY KEY,
	room        TEXT        NOT NULL,
	client_id   TEXT        NOT NULL,
	remote_addr TEXT        NOT NULL,
	opened_at   TIMESTAMPTZ NOT NULL,
	closed_at   TIMESTAMPTZ NOT NULL,
	close_code  INTEGER     NOT NULL,
	frames_in   BIGINT      NOT NULL,
	frames_out  BIGINT      NOT NULL,
	bytes_in    BIGINT      NOT NULL,
	bytes_out   BIGINT      NOT NULL
);
CREATE INDEX IF NOT EXISTS ws_sessions_room_closed_idx ON ws_sessions (room, closed_at DESC);`

// Session summarises one finished WebSocket connection.
type Session struct {
	ID         int64     `json:"id"`
	Room       string    `json:"room"`
	ClientID   string    `json:"client_id"`
	RemoteAddr string    `json:"remote_addr"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
	CloseCode  int       `json:"close_code"`
	FramesIn   int64     `json:"frames_in"`
	FramesOut  int64     `json:"frames_out"`
	BytesIn    int64     `json:"bytes_in"`
	BytesOut   int64     `json:"bytes_out"`
}

// SessionLog persists session summaries to Postgres.
type SessionLog struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// Option configures the session log.
type Option func(*SessionLog)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) Option {
	return func(l *SessionLog) {
		l.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) Option {
	return func(l *SessionLog) {
		l.retryDelay = d
	}
}

// NewSessionLog constructs a session log using the provided Postgres pool.
func NewSessionLog(pool *pgxpool.Pool, opts ...Option) *SessionLog {
	l := &SessionLog{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// EnsureSchema creates the sessions table if it does not exist.
func (l *SessionLog) EnsureSchema(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create session schema: %w", err)
	}
	return nil
}

// Record stores a finished session and returns its row id. Transient
// failures are retried.
func (l *SessionLog) Record(ctx context.Context, s Session) (int64, error) {
	ctx, span := sessionTracer.Start(ctx, "session_log.record")
	span.SetAttributes(attribute.String("ws.room", s.Room), attribute.Int("ws.close_code", s.CloseCode))
	defer span.End()

	start := time.Now()
	if s.ClosedAt.IsZero() {
		s.ClosedAt = time.Now().UTC()
	}

	var id int64
	err := retry(ctx, l.maxRetries, l.retryDelay, func(ctx context.Context) error {
		return l.pool.QueryRow(ctx, `
INSERT INTO ws_sessions (room, client_id, remote_addr, opened_at, closed_at, close_code, frames_in, frames_out, bytes_in, bytes_out)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id`,
			s.Room, s.ClientID, s.RemoteAddr, s.OpenedAt, s.ClosedAt, s.CloseCode, s.FramesIn, s.FramesOut, s.BytesIn, s.BytesOut,
		).Scan(&id)
	})
	sessionWriteLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		sessionWriteFailures.Inc()
		span.RecordError(err)
		return 0, err
	}
	return id, nil
}

// Recent returns the latest sessions for a room, newest first.
func (l *SessionLog) Recent(ctx context.Context, room string, limit int) ([]Session, error) {
	rows, err := l.pool.Query(ctx, `
                SELECT id, room, client_id, remote_addr, opened_at, closed_at, close_code, frames_in, frames_out, bytes_in, bytes_out
                FROM ws_sessions
                WHERE room = $1
                ORDER BY closed_at DESC
                LIMIT $2`, room, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.Room, &s.ClientID, &s.RemoteAddr, &s.OpenedAt, &s.ClosedAt, &s.CloseCode, &s.FramesIn, &s.FramesOut, &s.BytesIn, &s.BytesOut); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Ping verifies the pool is usable.
func (l *SessionLog) Ping(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

func retry(ctx context.Context, maxRetries int, delay time.Duration, fn func(context.Context) error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == maxRetries {
				return err
			}
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
