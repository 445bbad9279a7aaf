package ws

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	wsGUID      = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	defaultRoom = "lobby"
)

// ClientIdentity names a connection. Both fields come from the upgrade
// request's query string.
type ClientIdentity struct {
	ClientID string
	Room     string
}

// GatewayConfig controls the runtime behaviour of the WebSocket gateway.
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
	CloseGracePeriod   time.Duration
	ReadBufferSize     int
	MaxMessageSize     int
}

// Gateway upgrades HTTP requests into WebSocket connections and wires them
// into the ConnectionRegistry.
type Gateway struct {
	registry *ConnectionRegistry
	logger   zerolog.Logger
	hooks    Hooks
	cfg      GatewayConfig
}

// NewGateway creates a Gateway with sane defaults.
func NewGateway(registry *ConnectionRegistry, logger zerolog.Logger, hooks Hooks, cfg GatewayConfig) (*Gateway, error) {
	if registry == nil {
		return nil, errors.New("connection registry is required")
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = 2
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.CloseGracePeriod == 0 {
		cfg.CloseGracePeriod = 2 * time.Second
	}
	if cfg.ReadBufferSize == 0 {
		cfg.ReadBufferSize = 4096
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 1 << 20
	}
	return &Gateway{registry: registry, logger: logger, hooks: hooks, cfg: cfg}, nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	identity := ClientIdentity{
		ClientID: r.URL.Query().Get("client_id"),
		Room:     r.URL.Query().Get("room"),
	}
	if identity.Room == "" {
		identity.Room = defaultRoom
	}
	if identity.ClientID == "" {
		identity.ClientID = newClientID()
	}

	if err := g.performUpgrade(w, r, identity); err != nil {
		g.logger.Error().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
	}
}

func (g *Gateway) performUpgrade(w http.ResponseWriter, r *http.Request, identity ClientIdentity) error {
	start := time.Now()
	_, span := tracer.Start(r.Context(), "ws.upgrade")
	span.SetAttributes(
		attribute.String("ws.room", identity.Room),
		attribute.String("ws.client_id", identity.ClientID),
	)
	defer span.End()

	fail := func(status int, msg string) error {
		http.Error(w, msg, status)
		span.SetStatus(codes.Error, msg)
		return errors.New(msg)
	}

	if !headerContainsToken(r.Header.Get("Connection"), "Upgrade") || !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return fail(http.StatusBadRequest, "upgrade headers required")
	}

	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		w.Header().Set("Sec-WebSocket-Version", "13")
		return fail(http.StatusUpgradeRequired, "unsupported websocket version")
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if !validKey(key) {
		return fail(http.StatusBadRequest, "missing or malformed websocket key")
	}

	accept := computeAcceptKey(key)
	protoHeader := selectSubprotocol(r.Header)

	hj, ok := w.(http.Hijacker)
	if !ok {
		return fail(http.StatusInternalServerError, "server does not support hijacking")
	}

	conn, buf, err := hj.Hijack()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("hijack: %w", err)
	}

	response := fmt.Sprintf("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %s\r\n", accept)
	if protoHeader != "" {
		response += fmt.Sprintf("Sec-WebSocket-Protocol: %s\r\n", protoHeader)
	}
	response += "\r\n"
	if _, err := buf.WriteString(response); err != nil {
		conn.Close()
		return fmt.Errorf("write handshake response: %w", err)
	}
	if err := buf.Flush(); err != nil {
		conn.Close()
		return fmt.Errorf("flush handshake: %w", err)
	}

	childLogger := g.logger.With().Str("room", identity.Room).Str("client", identity.ClientID).Logger()
	var connection *Connection
	// The hijacked reader may already hold bytes the client sent right after
	// the handshake, so reads go through it rather than the raw conn.
	connection = newConnection(conn, buf.Reader, identity, g.registry, childLogger, connectionOptions{
		heartbeatInterval:  g.cfg.HeartbeatInterval,
		heartbeatTolerance: g.cfg.HeartbeatTolerance,
		sendBufferSize:     g.cfg.SendBuffer,
		writeTimeout:       g.cfg.WriteTimeout,
		closeGrace:         g.cfg.CloseGracePeriod,
		readBufferSize:     g.cfg.ReadBufferSize,
		maxMessageSize:     g.cfg.MaxMessageSize,
	}, func() {
		g.registry.Unregister(identity.Room, connection)
	})

	g.registry.Register(identity.Room, connection)
	gatewayUpgradeLatency.Observe(time.Since(start).Seconds())
	childLogger.Info().Str("remote", conn.RemoteAddr().String()).Msg("websocket connection established")

	go connection.Run(g.hooks)
	return nil
}

func computeAcceptKey(key string) string {
	sum := sha1.Sum([]byte(strings.TrimSpace(key) + wsGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func validKey(key string) bool {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(key))
	return err == nil && len(decoded) == 16
}

func selectSubprotocol(h http.Header) string {
	value := h.Get("Sec-WebSocket-Protocol")
	if value == "" {
		return ""
	}
	// The client may send a comma separated list. We simply echo the first token.
	parts := strings.Split(value, ",")
	return strings.TrimSpace(parts[0])
}

func headerContainsToken(value, token string) bool {
	if value == "" {
		return false
	}
	parts := strings.Split(value, ",")
	for _, part := range parts {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

func newClientID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
