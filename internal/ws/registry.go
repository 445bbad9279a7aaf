package ws

import (
	"sync"

	"github.com/example/wsframe/internal/frame"
)

// ConnectionRegistry tracks active WebSocket connections keyed by room so
// messages can be fanned out efficiently.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	rooms map[string]map[*Connection]struct{}
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{rooms: make(map[string]map[*Connection]struct{})}
}

// Register associates the connection with a room.
func (r *ConnectionRegistry) Register(room string, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[*Connection]struct{})
	}
	r.rooms[room][c] = struct{}{}
	gatewayConnections.WithLabelValues(room).Set(float64(len(r.rooms[room])))
}

// Unregister removes the connection.
func (r *ConnectionRegistry) Unregister(room string, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.rooms[room]
	if conns == nil {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(r.rooms, room)
	}
	gatewayConnections.WithLabelValues(room).Set(float64(len(conns)))
}

// Count returns the number of connections in a room.
func (r *ConnectionRegistry) Count(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Broadcast delivers the message to every connection in the room except
// skip, and returns how many connections accepted it.
func (r *ConnectionRegistry) Broadcast(room string, op frame.Opcode, payload []byte, skip *Connection) int {
	return r.fanOut(room, op, payload, func(c *Connection) bool { return c == skip })
}

// BroadcastByClientID is like Broadcast but skips connections by client
// identifier. Messages relayed from other instances carry only the
// originating client ID.
func (r *ConnectionRegistry) BroadcastByClientID(room string, op frame.Opcode, payload []byte, skipClientID string) int {
	return r.fanOut(room, op, payload, func(c *Connection) bool {
		return skipClientID != "" && c.ClientID() == skipClientID
	})
}

func (r *ConnectionRegistry) fanOut(room string, op frame.Opcode, payload []byte, skip func(*Connection) bool) int {
	r.mu.RLock()
	conns := r.rooms[room]
	if len(conns) == 0 {
		r.mu.RUnlock()
		return 0
	}
	recipients := make([]*Connection, 0, len(conns))
	for c := range conns {
		if !skip(c) {
			recipients = append(recipients, c)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range recipients {
		if err := conn.Send(op, payload); err == nil {
			sent++
		}
	}
	return sent
}
