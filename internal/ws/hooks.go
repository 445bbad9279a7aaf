package ws

import (
	"context"

	"github.com/rs/zerolog"
)

// Hooks are invoked from a connection's read goroutine.
type Hooks struct {
	OnMessage    MessageHook
	OnConnect    ConnectHook
	OnDisconnect DisconnectHook
}

// MessageHook receives each reassembled data message. A returned error closes
// the connection with 1008.
type MessageHook func(ctx context.Context, conn *Connection, msg Message) error
type ConnectHook func(ctx context.Context, conn *Connection) error
type DisconnectHook func(conn *Connection)

// Publisher forwards a message to other server instances.
type Publisher interface {
	Publish(ctx context.Context, room, clientID string, msg Message) error
}

// RoomHooks returns hooks that echo every message back to its sender and
// fan it out to the rest of the room. When pub is non-nil the message is
// also published for other instances. A publish failure is logged and does
// not close the connection.
func RoomHooks(pub Publisher, logger zerolog.Logger) Hooks {
	return Hooks{
		OnMessage: func(ctx context.Context, conn *Connection, msg Message) error {
			if err := conn.Send(msg.Opcode, msg.Payload); err != nil {
				return err
			}
			conn.Registry().Broadcast(conn.Room(), msg.Opcode, msg.Payload, conn)
			if pub != nil {
				if err := pub.Publish(ctx, conn.Room(), conn.ClientID(), msg); err != nil {
					logger.Warn().Err(err).Str("room", conn.Room()).Msg("relay publish failed")
				}
			}
			return nil
		},
	}
}
