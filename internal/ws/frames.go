package ws

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"unicode/utf8"

	"github.com/example/wsframe/internal/frame"
)

const (
	closeNormalClosure       = 1000
	closeGoingAway           = 1001
	closeProtocolError       = 1002
	closeNoStatusReceived    = 1005
	closeInvalidPayload      = 1007
	closePolicyViolation     = 1008
	closeMessageTooBig       = 1009
	closeInternalServerError = 1011
	closeTryAgainLater       = 1013

	maxControlPayload = 125
	maxCloseReason    = maxControlPayload - 2
)

var errBadClosePayload = errors.New("malformed close payload")

// writeFrame writes a single unfragmented, unmasked frame. The header and
// payload go out in one vectored write.
func writeFrame(w io.Writer, op frame.Opcode, payload []byte) error {
	var hdr [10]byte
	hdr[0] = frame.FirstByte(true, op)
	n := frame.WriteUnmaskedHeader(hdr[1:], uint64(len(payload)))
	if n == 0 {
		return errors.New("frame header buffer too small")
	}
	bufs := net.Buffers{hdr[:1+n]}
	if len(payload) > 0 {
		bufs = append(bufs, payload)
	}
	_, err := bufs.WriteTo(w)
	return err
}

func encodeClosePayload(code int, reason string) []byte {
	if code == closeNoStatusReceived {
		return nil
	}
	if len(reason) > maxCloseReason {
		cut := maxCloseReason
		for cut > 0 && !utf8.RuneStart(reason[cut]) {
			cut--
		}
		reason = reason[:cut]
	}
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)
	return payload
}

// decodeClosePayload returns closeNoStatusReceived for an empty payload.
func decodeClosePayload(payload []byte) (int, string, error) {
	switch {
	case len(payload) == 0:
		return closeNoStatusReceived, "", nil
	case len(payload) == 1:
		return 0, "", errBadClosePayload
	}
	code := int(binary.BigEndian.Uint16(payload))
	reason := payload[2:]
	if !validCloseCode(code) || !utf8.Valid(reason) {
		return 0, "", errBadClosePayload
	}
	return code, string(reason), nil
}

func validCloseCode(code int) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	}
	return false
}
