package chat

import (
	"sync"

	"github.com/omochice/roomchat/pkg/protocol"
)

// Client represents a connected client with a transport-agnostic connection.
type Client struct {
	Conn     Conn
	Username string
	Outgoing chan []byte
	// Codec encodes frames queued for this client. Nil means JSON.
	// It must not change once the client has joined a room.
	Codec protocol.Codec

	room string
}

func (c *Client) codec() protocol.Codec {
	if c.Codec == nil {
		return protocol.JSONCodec{}
	}
	return c.Codec
}

// Send encodes f with the client's codec and queues it. It reports false
// when the queue is full.
func (c *Client) Send(f protocol.Frame) (bool, error) {
	data, err := c.codec().Encode(f)
	if err != nil {
		return false, err
	}
	select {
	case c.Outgoing <- data:
		return true, nil
	default:
		return false, nil
	}
}

// Hub tracks connected clients and the room each one has joined.
// A client belongs to at most one room at a time.
type Hub struct {
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool
	mu      sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		rooms:   make(map[string]map[*Client]bool),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
}

// Unregister removes a client from the hub and from its room.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(client)
	delete(h.clients, client)
}

// Join moves the client into room, leaving any previous room.
func (h *Hub) Join(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client.room == room {
		return
	}
	h.leaveLocked(client)
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[room] = members
	}
	members[client] = true
	client.room = room
}

func (h *Hub) leaveLocked(client *Client) {
	if client.room == "" {
		return
	}
	if members, ok := h.rooms[client.room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, client.room)
		}
	}
	client.room = ""
}

// Broadcast queues f for every member of room and returns how many clients
// it was delivered to. The frame is encoded once per codec in use. Clients
// with a full queue are skipped.
func (h *Hub) Broadcast(room string, f protocol.Frame) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	encoded := make(map[string][]byte)
	delivered := 0
	for client := range h.rooms[room] {
		codec := client.codec()
		data, ok := encoded[codec.Name()]
		if !ok {
			var err error
			if data, err = codec.Encode(f); err != nil {
				return delivered, err
			}
			encoded[codec.Name()] = data
		}
		select {
		case client.Outgoing <- data:
			delivered++
		default:
		}
	}
	return delivered, nil
}

// ClientCount returns number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomOf returns the room client currently belongs to, or "" when it has
// not joined one.
func (h *Hub) RoomOf(client *Client) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return client.room
}

// RoomSize returns the number of clients in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
