package frame

import "fmt"

// Opcode identifies the purpose of a frame.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// Valid reports whether the opcode is one the decoder accepts. Values 0x3-0x7
// and 0xB-0xF are reserved.
func (o Opcode) Valid() bool {
	if o > 0xF {
		return false
	}
	return o&0x4 == 0 && o&0x3 != 0x3
}

// IsControl reports whether the opcode denotes a control frame.
func (o Opcode) IsControl() bool { return o&0x8 != 0 }

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("reserved(0x%X)", byte(o))
	}
}

const (
	finBit    = 0x80
	rsvBits   = 0x70
	opMask    = 0x0F
	maskBit   = 0x80
	lenMask   = 0x7F
	len16     = 126
	len64     = 127
	maxLen7   = 125
	maxLen16  = 0xFFFF
	maskBytes = 4
)

// FirstByte composes the first header byte from the FIN flag and opcode.
// Reserved bits are always zero.
func FirstByte(fin bool, op Opcode) byte {
	b := byte(op) & opMask
	if fin {
		b |= finBit
	}
	return b
}
