// Package frame implements an incremental RFC 6455 frame decoder and the
// length/mask header encoders.
//
// The decoder consumes arbitrarily chunked input and reports payload bytes to
// a sink as slices of the caller's buffer. It never copies, buffers or unmasks
// payload data; applying the mask key and reassembling fragmented messages is
// left to the caller.
package frame

import (
	"errors"
	"fmt"
)

// ErrInvalid is returned for protocol violations and for every Feed call made
// after the decoder entered StateError.
var ErrInvalid = errors.New("frame: invalid stream")

// State is the decoder's parse position.
type State uint8

const (
	StateStart State = iota
	StateByte2
	StateExtLen
	StateMask
	StatePayload
	StateError
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateByte2:
		return "byte2"
	case StateExtLen:
		return "ext_len"
	case StateMask:
		return "mask"
	case StatePayload:
		return "payload"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Sink receives payload fragments in order. The slice aliases the buffer
// passed to Feed and must not be retained after the call returns. A non-nil
// error puts the decoder into StateError and is returned from Feed unchanged.
//
// While the sink runs, d.Offset() is the frame offset of payload[0].
type Sink func(d *Decoder, payload []byte) error

// Decoder is a resumable frame parser. It is not safe for concurrent use and
// the sink must not call Feed on the same decoder.
type Decoder struct {
	sink Sink

	offset   uint64
	expected uint64
	mask     uint32
	b1       byte
	b2       byte

	state     State
	remaining uint8
}

// NewDecoder returns a decoder bound to sink.
func NewDecoder(sink Sink) *Decoder {
	return &Decoder{sink: sink}
}

// Reset discards any in-progress frame and returns the decoder to
// StateStart, including from StateError. The sink binding is kept.
func (d *Decoder) Reset() {
	d.offset = 0
	d.expected = 0
	d.mask = 0
	d.b1 = 0
	d.b2 = 0
	d.remaining = 0
	d.state = StateStart
}

// Feed consumes p. Several frames may complete within one call, and a single
// frame may span any number of calls.
func (d *Decoder) Feed(p []byte) error {
	if d.state == StateError {
		return ErrInvalid
	}
	for len(p) > 0 || d.emptyPayloadPending() {
		n, err := d.step(p)
		if err != nil {
			d.state = StateError
			return err
		}
		p = p[n:]
	}
	return nil
}

// emptyPayloadPending is true once a header announcing no more payload has
// been parsed; the frame completes without needing further input.
func (d *Decoder) emptyPayloadPending() bool {
	return d.state == StatePayload && d.offset == d.expected
}

// step performs one state transition and returns the number of bytes of p it
// consumed.
func (d *Decoder) step(p []byte) (int, error) {
	switch d.state {
	case StateStart:
		b := p[0]
		if b&rsvBits != 0 {
			return 0, fmt.Errorf("%w: reserved bits set (0x%02X)", ErrInvalid, b&rsvBits)
		}
		if op := Opcode(b & opMask); !op.Valid() {
			return 0, fmt.Errorf("%w: reserved opcode 0x%X", ErrInvalid, byte(op))
		}
		d.b1 = b
		d.state = StateByte2
		return 1, nil

	case StateByte2:
		d.b2 = p[0]
		switch l := d.b2 & lenMask; l {
		case len16:
			d.remaining = 2
			d.state = StateExtLen
		case len64:
			d.remaining = 8
			d.state = StateExtLen
		default:
			d.expected = uint64(l)
			d.lengthDone()
		}
		return 1, nil

	case StateExtLen:
		d.expected = d.expected<<8 | uint64(p[0])
		d.remaining--
		if d.remaining == 0 {
			if d.b2&lenMask == len64 && d.expected>>63 != 0 {
				return 0, fmt.Errorf("%w: 64-bit length has most significant bit set", ErrInvalid)
			}
			d.lengthDone()
		}
		return 1, nil

	case StateMask:
		d.mask = d.mask<<8 | uint32(p[0])
		d.remaining--
		if d.remaining == 0 {
			d.state = StatePayload
		}
		return 1, nil

	case StatePayload:
		left := d.expected - d.offset
		if left > uint64(len(p)) {
			err := d.sink(d, p)
			d.offset += uint64(len(p))
			return len(p), err
		}
		n := int(left)
		if err := d.sink(d, p[:n]); err != nil {
			return n, err
		}
		d.Reset()
		return n, nil
	}
	return 0, ErrInvalid
}

func (d *Decoder) lengthDone() {
	if d.b2&maskBit != 0 {
		d.remaining = maskBytes
		d.state = StateMask
		return
	}
	d.state = StatePayload
}

// State returns the current parse position.
func (d *Decoder) State() State { return d.state }

// Fin reports the FIN flag of the frame in progress.
func (d *Decoder) Fin() bool { return d.b1&finBit != 0 }

// Opcode returns the opcode of the frame in progress.
func (d *Decoder) Opcode() Opcode { return Opcode(d.b1 & opMask) }

// Masked reports whether the frame in progress carries a mask key.
func (d *Decoder) Masked() bool { return d.b2&maskBit != 0 }

// Mask returns the mask key as a big-endian integer. It is only meaningful
// once the mask field has been parsed.
func (d *Decoder) Mask() uint32 { return d.mask }

// MaskKey returns the mask key in wire order.
func (d *Decoder) MaskKey() [4]byte {
	return [4]byte{byte(d.mask >> 24), byte(d.mask >> 16), byte(d.mask >> 8), byte(d.mask)}
}

// Offset returns the number of payload bytes of the current frame already
// delivered to the sink.
func (d *Decoder) Offset() uint64 { return d.offset }

// PayloadLen returns the declared payload length of the current frame.
func (d *Decoder) PayloadLen() uint64 { return d.expected }
