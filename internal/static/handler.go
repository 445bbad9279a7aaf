// Package static serves files next to the WebSocket endpoint. URL paths are
// sanitised before they reach a Source, so a Source only ever sees clean,
// relative, slash-separated names.
package static

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by a Source when the object does not exist or may
// not be read.
var ErrNotFound = errors.New("static: not found")

const (
	indexFile = "index.html"
	errorPage = "<html><body>An error occurred.</body></html>"
)

// Source opens named files.
type Source interface {
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
}

var staticRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "static",
	Name:      "requests_total",
	Help:      "Static file requests by response status.",
}, []string{"status"})

func init() {
	prometheus.MustRegister(staticRequests)
}

// Handler serves GET requests from a Source.
type Handler struct {
	src    Source
	logger zerolog.Logger
}

// NewHandler builds a static file handler.
func NewHandler(src Source, logger zerolog.Logger) *Handler {
	return &Handler{src: src, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.fail(w)
		return
	}

	name, ok := CleanPath(r.URL.Path)
	if !ok {
		h.logger.Debug().Str("path", r.URL.Path).Msg("rejected static path")
		h.fail(w)
		return
	}

	body, size, err := h.src.Open(r.Context(), name)
	if errors.Is(err, ErrNotFound) {
		staticRequests.WithLabelValues("404").Inc()
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("name", name).Msg("open static file failed")
		h.fail(w)
		return
	}
	defer body.Close()

	if mime := MimeType(name); mime != "" {
		w.Header().Set("Content-Type", mime)
	} else {
		// Suppress content sniffing; unknown types are sent untyped.
		w.Header()["Content-Type"] = nil
	}
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	staticRequests.WithLabelValues("200").Inc()
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Debug().Err(err).Str("name", name).Msg("static response truncated")
	}
}

func (h *Handler) fail(w http.ResponseWriter) {
	staticRequests.WithLabelValues("500").Inc()
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = io.WriteString(w, errorPage)
}

// CleanPath validates a request path and maps it to a Source name. The path
// must be absolute and must not contain ':', '\', '?' or '$'. Every segment
// must be non-empty and must not start with '.', except that a trailing
// empty segment selects index.html.
func CleanPath(p string) (string, bool) {
	if !strings.HasPrefix(p, "/") || strings.ContainsAny(p, ":\\?$") {
		return "", false
	}
	rel := p[1:]
	if rel == "" {
		return indexFile, true
	}
	segments := strings.Split(rel, "/")
	last := len(segments) - 1
	for i, seg := range segments {
		if seg == "" && i == last {
			break
		}
		if seg == "" || seg[0] == '.' {
			return "", false
		}
	}
	if segments[last] == "" {
		return rel + indexFile, true
	}
	return rel, true
}

// MimeType returns the content type for the extensions the server knows, or
// "" for anything else.
func MimeType(name string) string {
	switch {
	case strings.HasSuffix(name, ".html"):
		return "text/html"
	case strings.HasSuffix(name, ".wasm"):
		return "application/wasm"
	default:
		return ""
	}
}
