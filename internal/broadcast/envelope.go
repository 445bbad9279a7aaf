package broadcast

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/example/wsframe/internal/frame"
)

// Field numbers of the relay envelope. The layout is wire compatible with
//
//	message RelayEnvelope {
//	  string room = 1;
//	  string origin = 2;
//	  string client_id = 3;
//	  uint32 opcode = 4;
//	  bytes payload = 5;
//	  int64 enqueued_at = 6;
//	}
const (
	fieldRoom       protowire.Number = 1
	fieldOrigin     protowire.Number = 2
	fieldClientID   protowire.Number = 3
	fieldOpcode     protowire.Number = 4
	fieldPayload    protowire.Number = 5
	fieldEnqueuedAt protowire.Number = 6
)

var errIncompleteEnvelope = errors.New("relay envelope missing room or origin")

type envelope struct {
	Room       string
	Origin     string
	ClientID   string
	Opcode     frame.Opcode
	Payload    []byte
	EnqueuedAt int64
}

func (e envelope) marshal() []byte {
	b := make([]byte, 0, len(e.Payload)+len(e.Room)+len(e.Origin)+len(e.ClientID)+32)
	b = protowire.AppendTag(b, fieldRoom, protowire.BytesType)
	b = protowire.AppendString(b, e.Room)
	b = protowire.AppendTag(b, fieldOrigin, protowire.BytesType)
	b = protowire.AppendString(b, e.Origin)
	if e.ClientID != "" {
		b = protowire.AppendTag(b, fieldClientID, protowire.BytesType)
		b = protowire.AppendString(b, e.ClientID)
	}
	b = protowire.AppendTag(b, fieldOpcode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Opcode))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	b = protowire.AppendTag(b, fieldEnqueuedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.EnqueuedAt))
	return b
}

func unmarshalEnvelope(b []byte) (envelope, error) {
	var e envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return envelope{}, fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && (num == fieldRoom || num == fieldOrigin || num == fieldClientID || num == fieldPayload):
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return envelope{}, fmt.Errorf("decode field %d: %w", num, protowire.ParseError(m))
			}
			switch num {
			case fieldRoom:
				e.Room = string(v)
			case fieldOrigin:
				e.Origin = string(v)
			case fieldClientID:
				e.ClientID = string(v)
			case fieldPayload:
				e.Payload = append([]byte(nil), v...)
			}
			n = m
		case typ == protowire.VarintType && (num == fieldOpcode || num == fieldEnqueuedAt):
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return envelope{}, fmt.Errorf("decode field %d: %w", num, protowire.ParseError(m))
			}
			if num == fieldOpcode {
				if v > 0xF {
					return envelope{}, fmt.Errorf("relay envelope opcode %d out of range", v)
				}
				e.Opcode = frame.Opcode(v)
			} else {
				e.EnqueuedAt = int64(v)
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return envelope{}, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	if e.Room == "" || e.Origin == "" {
		return envelope{}, errIncompleteEnvelope
	}
	if e.Opcode != frame.OpText && e.Opcode != frame.OpBinary {
		return envelope{}, fmt.Errorf("relay envelope carries non-data opcode %s", e.Opcode)
	}
	return e, nil
}
