package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/example/wsframe/internal/frame"
)

var (
	errSendBufferFull   = errors.New("send buffer full")
	errConnectionClosed = errors.New("connection closed")
	errUnmaskedFrame    = errors.New("client frame is not masked")
	errBadControlFrame  = errors.New("control frame fragmented or too long")
	errUnexpectedFrame  = errors.New("unexpected continuation or data frame")
	errMessageTooBig    = errors.New("message exceeds size limit")
	errInvalidUTF8      = errors.New("text message is not valid UTF-8")
	errPeerClosed       = errors.New("peer sent close")
)

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
	writeTimeout       time.Duration
	closeGrace         time.Duration
	readBufferSize     int
	maxMessageSize     int
}

// Message is a complete data message reassembled from one or more frames.
// Payload is unmasked.
type Message struct {
	Opcode  frame.Opcode
	Payload []byte
}

// Stats is a snapshot of a connection's traffic counters.
type Stats struct {
	FramesIn  int64
	FramesOut int64
	BytesIn   int64
	BytesOut  int64
	CloseCode int
}

// Connection represents an upgraded WebSocket session.
type Connection struct {
	conn      net.Conn
	reader    io.Reader
	identity  ClientIdentity
	registry  *ConnectionRegistry
	logger    zerolog.Logger
	send      chan outboundMessage
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
	opened    time.Time

	opts connectionOptions

	lastPong    atomic.Int64
	closeQueued atomic.Bool
	closeCode   atomic.Int32
	framesIn    atomic.Int64
	framesOut   atomic.Int64
	bytesIn     atomic.Int64
	bytesOut    atomic.Int64
	onClose     func()

	// Owned by the read loop.
	decoder *frame.Decoder
	hooks   Hooks
	msgOp   frame.Opcode
	msgBuf  []byte
	inMsg   bool
	control []byte
}

type outboundMessage struct {
	opcode  frame.Opcode
	payload []byte
}

func newConnection(netConn net.Conn, reader io.Reader, id ClientIdentity, registry *ConnectionRegistry, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	if reader == nil {
		reader = netConn
	}
	c := &Connection{
		conn:     netConn,
		reader:   reader,
		identity: id,
		registry: registry,
		logger:   logger,
		send:     make(chan outboundMessage, opts.sendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
		opened:   time.Now().UTC(),
		opts:     opts,
		onClose:  onClose,
	}
	c.decoder = frame.NewDecoder(c.onPayload)
	c.lastPong.Store(time.Now().UnixNano())
	return c
}

// Room returns the room the connection joined.
func (c *Connection) Room() string { return c.identity.Room }

// ClientID returns the client identifier.
func (c *Connection) ClientID() string { return c.identity.ClientID }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// OpenedAt returns when the upgrade completed.
func (c *Connection) OpenedAt() time.Time { return c.opened }

// Context exposes the lifecycle context for hooks.
func (c *Connection) Context() context.Context { return c.ctx }

// Registry returns the shared connection registry.
func (c *Connection) Registry() *ConnectionRegistry { return c.registry }

// Stats returns the current traffic counters.
func (c *Connection) Stats() Stats {
	return Stats{
		FramesIn:  c.framesIn.Load(),
		FramesOut: c.framesOut.Load(),
		BytesIn:   c.bytesIn.Load(),
		BytesOut:  c.bytesOut.Load(),
		CloseCode: int(c.closeCode.Load()),
	}
}

// Send enqueues a data message for the writer goroutine. A full send buffer
// closes the connection with 1013.
func (c *Connection) Send(op frame.Opcode, payload []byte) error {
	if op != frame.OpText && op != frame.OpBinary {
		return fmt.Errorf("send: opcode %s is not a data opcode", op)
	}
	if c.closeQueued.Load() {
		return errConnectionClosed
	}
	msg := outboundMessage{opcode: op, payload: payload}
	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.logger.Warn().Str("room", c.identity.Room).Str("client", c.identity.ClientID).Msg("send buffer full; closing connection")
		c.abort(closeTryAgainLater, "backpressure")
		return errSendBufferFull
	}
}

// SendText enqueues a text message.
func (c *Connection) SendText(payload []byte) error { return c.Send(frame.OpText, payload) }

// SendBinary enqueues a binary message.
func (c *Connection) SendBinary(payload []byte) error { return c.Send(frame.OpBinary, payload) }

// Run starts the read/write pumps and blocks until the connection is closed.
func (c *Connection) Run(hooks Hooks) {
	c.hooks = hooks

	var wg sync.WaitGroup
	writerDone := make(chan struct{})
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(writerDone)
		c.writeLoop()
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop()
	}()

	var err error
	if hooks.OnConnect != nil {
		err = hooks.OnConnect(c.ctx, c)
	}
	if err == nil {
		err = c.readLoop()
	}
	if err != nil && !errors.Is(err, errPeerClosed) {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}

	code, reason := closeCodeFor(err)
	c.closeWithFrame(code, reason)

	select {
	case <-writerDone:
	case <-time.After(c.opts.writeTimeout):
	}
	c.Close()
	wg.Wait()

	if hooks.OnDisconnect != nil {
		hooks.OnDisconnect(c)
	}
}

// Close tears down the socket without a closing handshake.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
		close(c.closed)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// Done is closed once the connection has been torn down.
func (c *Connection) Done() <-chan struct{} { return c.closed }

func (c *Connection) readLoop() error {
	buf := make([]byte, c.opts.readBufferSize)
	for {
		n, err := c.reader.Read(buf)
		if n > 0 {
			if ferr := c.decoder.Feed(buf[:n]); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			return err
		}
	}
}

// onPayload is the decoder sink. It unmasks the fragment in place, so it
// relies on the read loop owning the input buffer.
func (c *Connection) onPayload(d *frame.Decoder, p []byte) error {
	if d.Offset() == 0 {
		if err := c.beginFrame(d); err != nil {
			return err
		}
	}
	frame.MaskBytes(p, d.MaskKey(), d.Offset())
	c.bytesIn.Add(int64(len(p)))

	complete := d.Offset()+uint64(len(p)) == d.PayloadLen()
	op := d.Opcode()

	if op.IsControl() {
		c.control = append(c.control, p...)
		if !complete {
			return nil
		}
		c.framesIn.Add(1)
		framesTotal.WithLabelValues(op.String(), "in").Inc()
		err := c.handleControl(op, c.control)
		c.control = c.control[:0]
		return err
	}

	c.msgBuf = append(c.msgBuf, p...)
	if !complete {
		return nil
	}
	c.framesIn.Add(1)
	framesTotal.WithLabelValues(op.String(), "in").Inc()
	if !d.Fin() {
		return nil
	}
	return c.finishMessage()
}

// beginFrame validates a frame header once it has been fully parsed.
func (c *Connection) beginFrame(d *frame.Decoder) error {
	if !d.Masked() {
		return errUnmaskedFrame
	}
	op := d.Opcode()
	if op.IsControl() {
		if !d.Fin() || d.PayloadLen() > maxControlPayload {
			return errBadControlFrame
		}
		return nil
	}

	switch {
	case op == frame.OpContinuation && !c.inMsg:
		return errUnexpectedFrame
	case op != frame.OpContinuation && c.inMsg:
		return errUnexpectedFrame
	case op != frame.OpContinuation:
		c.inMsg = true
		c.msgOp = op
		c.msgBuf = c.msgBuf[:0]
	}
	if c.opts.maxMessageSize > 0 && uint64(len(c.msgBuf))+d.PayloadLen() > uint64(c.opts.maxMessageSize) {
		return errMessageTooBig
	}
	return nil
}

func (c *Connection) finishMessage() error {
	c.inMsg = false
	if c.msgOp == frame.OpText && !utf8.Valid(c.msgBuf) {
		return errInvalidUTF8
	}
	messageBytes.Observe(float64(len(c.msgBuf)))
	if c.hooks.OnMessage == nil {
		return nil
	}
	payload := make([]byte, len(c.msgBuf))
	copy(payload, c.msgBuf)
	if err := c.hooks.OnMessage(c.ctx, c, Message{Opcode: c.msgOp, Payload: payload}); err != nil {
		return &hookError{err: err}
	}
	return nil
}

func (c *Connection) handleControl(op frame.Opcode, payload []byte) error {
	switch op {
	case frame.OpPing:
		pong := make([]byte, len(payload))
		copy(pong, payload)
		_ = c.enqueueControl(frame.OpPong, pong)
	case frame.OpPong:
		c.lastPong.Store(time.Now().UnixNano())
	case frame.OpClose:
		code, _, err := decodeClosePayload(payload)
		if err != nil {
			return err
		}
		if code == closeNoStatusReceived {
			c.closeWithFrame(closeNormalClosure, "")
		} else {
			c.closeWithFrame(code, "")
		}
		return errPeerClosed
	}
	return nil
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.Close()
				return
			}
			if msg.opcode == frame.OpClose {
				// Give the peer a bounded window to answer before the read
				// loop is unblocked.
				_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.closeGrace))
				return
			}
		}
	}
}

func (c *Connection) write(msg outboundMessage) error {
	if c.opts.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout)); err != nil {
			return err
		}
	}
	if err := writeFrame(c.conn, msg.opcode, msg.payload); err != nil {
		return err
	}
	c.framesOut.Add(1)
	c.bytesOut.Add(int64(len(msg.payload)))
	framesTotal.WithLabelValues(msg.opcode.String(), "out").Inc()
	return nil
}

func (c *Connection) heartbeatLoop() {
	if c.opts.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.enqueueControl(frame.OpPing, nil); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.giveUp("ping failed")
				return
			}
			if c.opts.heartbeatTolerance > 0 {
				last := time.Unix(0, c.lastPong.Load())
				allowed := c.opts.heartbeatInterval * time.Duration(c.opts.heartbeatTolerance)
				if time.Since(last) > allowed {
					c.logger.Debug().Msg("heartbeat tolerance exceeded")
					c.giveUp("missed heartbeats")
					return
				}
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// closeWithFrame queues the one close frame this side will ever send. It
// blocks for at most the write timeout when the send buffer is full.
func (c *Connection) closeWithFrame(code int, reason string) {
	if !c.closeQueued.CompareAndSwap(false, true) {
		return
	}
	c.closeCode.Store(int32(code))
	msg := outboundMessage{opcode: frame.OpClose, payload: encodeClosePayload(code, reason)}
	timer := time.NewTimer(c.opts.writeTimeout)
	defer timer.Stop()
	select {
	case c.send <- msg:
	case <-timer.C:
		c.logger.Debug().Int("code", code).Msg("close frame dropped; send buffer full")
	case <-c.ctx.Done():
	}
}

// giveUp closes an unresponsive peer with 1001. The read deadline unblocks
// the read loop even if the close frame is never written.
func (c *Connection) giveUp(reason string) {
	c.closeWithFrame(closeGoingAway, reason)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.closeGrace))
}

// abort is the non-blocking variant of closeWithFrame used from sender
// goroutines. When the close frame cannot be queued the socket is torn down
// without it.
func (c *Connection) abort(code int, reason string) {
	if !c.closeQueued.CompareAndSwap(false, true) {
		return
	}
	c.closeCode.Store(int32(code))
	msg := outboundMessage{opcode: frame.OpClose, payload: encodeClosePayload(code, reason)}
	select {
	case c.send <- msg:
	default:
		c.Close()
	}
}

func (c *Connection) enqueueControl(opcode frame.Opcode, payload []byte) error {
	if c.closeQueued.Load() {
		return errConnectionClosed
	}
	msg := outboundMessage{opcode: opcode, payload: payload}
	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		return errSendBufferFull
	}
}

type hookError struct{ err error }

func (e *hookError) Error() string { return "message hook: " + e.err.Error() }
func (e *hookError) Unwrap() error { return e.err }

// closeCodeFor maps the reason the read loop stopped to the close code sent
// to the peer, and counts decode failures.
func closeCodeFor(err error) (int, string) {
	var hookErr *hookError
	var netErr net.Error
	reason := ""
	code := closeInternalServerError
	switch {
	case err == nil, errors.Is(err, errPeerClosed):
		return closeNormalClosure, ""
	case errors.As(err, &hookErr):
		return closePolicyViolation, hookErr.err.Error()
	case errors.Is(err, frame.ErrInvalid):
		code, reason = closeProtocolError, "invalid frame"
	case errors.Is(err, errUnmaskedFrame), errors.Is(err, errBadControlFrame), errors.Is(err, errUnexpectedFrame), errors.Is(err, errBadClosePayload):
		code, reason = closeProtocolError, err.Error()
	case errors.Is(err, errInvalidUTF8):
		code, reason = closeInvalidPayload, err.Error()
	case errors.Is(err, errMessageTooBig):
		code, reason = closeMessageTooBig, err.Error()
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.As(err, &netErr):
		return closeGoingAway, ""
	default:
		return closeInternalServerError, ""
	}
	decodeErrors.WithLabelValues(decodeReason(code)).Inc()
	return code, reason
}

func decodeReason(code int) string {
	switch code {
	case closeProtocolError:
		return "protocol"
	case closeInvalidPayload:
		return "utf8"
	case closeMessageTooBig:
		return "too_big"
	default:
		return "other"
	}
}
