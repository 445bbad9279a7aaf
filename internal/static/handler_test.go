package static

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestCleanPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"/", "index.html", true},
		{"/app.wasm", "app.wasm", true},
		{"/docs/", "docs/index.html", true},
		{"/docs/guide.html", "docs/guide.html", true},
		{"relative", "", false},
		{"/../etc/passwd", "", false},
		{"/docs/../../secret", "", false},
		{"/.env", "", false},
		{"/docs/.hidden/", "", false},
		{"//double", "", false},
		{"/a//b", "", false},
		{"/c:/windows", "", false},
		{"/a\\b", "", false},
		{"/a$b", "", false},
		{"/a?b", "", false},
	}
	for _, tt := range tests {
		got, ok := CleanPath(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("CleanPath(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func newDirHandler(t *testing.T) *Handler {
	t.Helper()
	dir := t.TempDir()
	write := func(name, body string) {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("index.html", "<h1>root</h1>")
	write("app.wasm", "\x00asm")
	write("data.bin", "raw")
	write("sub/index.html", "<h1>sub</h1>")
	if err := os.Mkdir(filepath.Join(dir, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	src, err := NewDirSource(dir)
	if err != nil {
		t.Fatal(err)
	}
	return NewHandler(src, zerolog.New(io.Discard))
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/", nil)
	req.URL.Path = path
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerServesFiles(t *testing.T) {
	h := newDirHandler(t)

	tests := []struct {
		path        string
		status      int
		body        string
		contentType string
	}{
		{"/", http.StatusOK, "<h1>root</h1>", "text/html"},
		{"/sub/", http.StatusOK, "<h1>sub</h1>", "text/html"},
		{"/app.wasm", http.StatusOK, "\x00asm", "application/wasm"},
		{"/data.bin", http.StatusOK, "raw", ""},
		{"/missing.html", http.StatusNotFound, "", ""},
		{"/empty", http.StatusNotFound, "", ""},
		{"/empty/", http.StatusNotFound, "", ""},
		{"/../index.html", http.StatusInternalServerError, errorPage, "text/html"},
	}
	for _, tt := range tests {
		rec := serve(h, http.MethodGet, tt.path)
		if rec.Code != tt.status {
			t.Errorf("%s: status %d, want %d", tt.path, rec.Code, tt.status)
			continue
		}
		if rec.Body.String() != tt.body {
			t.Errorf("%s: body %q, want %q", tt.path, rec.Body.String(), tt.body)
		}
		if got := rec.Header().Get("Content-Type"); got != tt.contentType {
			t.Errorf("%s: content type %q, want %q", tt.path, got, tt.contentType)
		}
	}
}

func TestHandlerRejectsNonGet(t *testing.T) {
	h := newDirHandler(t)
	rec := serve(h, http.MethodPost, "/index.html")
	if rec.Code != http.StatusInternalServerError || rec.Body.String() != errorPage {
		t.Fatalf("POST: status %d body %q", rec.Code, rec.Body.String())
	}
}

type failingSource struct{}

func (failingSource) Open(context.Context, string) (io.ReadCloser, int64, error) {
	return nil, 0, errors.New("disk on fire")
}

func TestHandlerSourceError(t *testing.T) {
	h := NewHandler(failingSource{}, zerolog.New(io.Discard))
	rec := serve(h, http.MethodGet, "/index.html")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
