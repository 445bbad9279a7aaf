package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"no rows", pgx.ErrNoRows, false},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := isTransient(tt.err); got != tt.want {
			t.Errorf("%s: isTransient = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := retry(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third attempt, got err=%v calls=%d", err, calls)
	}

	calls = 0
	permanent := &pgconn.PgError{Code: "23505"}
	err = retry(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("expected one attempt, got err=%v calls=%d", err, calls)
	}

	calls = 0
	err = retry(context.Background(), 2, time.Millisecond, func(context.Context) error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	if err == nil || calls != 3 {
		t.Fatalf("expected exhaustion after 3 attempts, got err=%v calls=%d", err, calls)
	}
}

type fakeReader struct {
	sessions []Session
	room     string
	limit    int
	err      error
}

func (f *fakeReader) Recent(_ context.Context, room string, limit int) ([]Session, error) {
	f.room, f.limit = room, limit
	return f.sessions, f.err
}

func TestHTTPHandler(t *testing.T) {
	reader := &fakeReader{sessions: []Session{{ID: 7, Room: "lobby", ClientID: "a", CloseCode: 1000, FramesIn: 3}}}
	h := NewHTTPHandler(reader, zerolog.New(io.Discard))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions?room=lobby&limit=9999", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if reader.room != "lobby" || reader.limit != maxRecentLimit {
		t.Fatalf("reader called with room=%q limit=%d", reader.room, reader.limit)
	}
	var got []Session
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != 7 || got[0].CloseCode != 1000 {
		t.Fatalf("unexpected body %+v", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing room: status %d", rec.Code)
	}

	reader.err = errors.New("db down")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions?room=lobby", nil))
	if rec.Code != http.StatusInternalServerError || reader.limit != defaultRecentLimit {
		t.Fatalf("db error: status %d limit %d", rec.Code, reader.limit)
	}
}
