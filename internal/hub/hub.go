// Package hub is the in-process publish-to-group layer every fan-out goes
// through. The Broadcaster interface is the extension point for a
// multi-process backplane; everything else in the core only talks to it.
package hub

import (
	"log"
	"sync"
	"time"
)

// Event is the wire shape delivered to client connections.
type Event struct {
	Type    string    `json:"type"`
	RoomID  uint64    `json:"room_id,omitempty"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

const (
	EventMessageCreated  = "message.created"
	EventMessageUpdated  = "message.updated"
	EventMessageDeleted  = "message.deleted"
	EventMessageRead     = "message.read"
	EventReactionChanged = "reaction.changed"
	EventTypingStarted   = "typing.started"
	EventTypingStopped   = "typing.stopped"
	EventPresenceChanged = "presence.changed"
	EventRoomUpdated     = "room.updated"
	EventTicketAssigned  = "ticket.assigned"
)

// Sink receives events for one connection. Implementations must not block
// indefinitely; a slow consumer drops events rather than stalling fan-out.
type Sink interface {
	Deliver(ev Event) error
}

type Broadcaster interface {
	Register(connID string, sink Sink)
	Deregister(connID string)
	Join(roomID uint64, connID string)
	Leave(roomID uint64, connID string)
	Publish(roomID uint64, ev Event, skipConns ...string)
	PublishTo(ev Event, connIDs ...string)
}

// Hub is the single-process Broadcaster. One lock over two small maps; no
// I/O happens under it, deliveries run after the target snapshot is taken.
type Hub struct {
	mu    sync.RWMutex
	sinks map[string]Sink
	rooms map[uint64]map[string]struct{}
}

func New() *Hub {
	return &Hub{
		sinks: make(map[string]Sink),
		rooms: make(map[uint64]map[string]struct{}),
	}
}

func (h *Hub) Register(connID string, sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks[connID] = sink
}

// Deregister drops the connection from every room it joined.
func (h *Hub) Deregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sinks, connID)
	for roomID, conns := range h.rooms {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

func (h *Hub) Join(roomID uint64, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sinks[connID]; !ok {
		return
	}
	conns, ok := h.rooms[roomID]
	if !ok {
		conns = make(map[string]struct{})
		h.rooms[roomID] = conns
	}
	conns[connID] = struct{}{}
}

func (h *Hub) Leave(roomID uint64, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[roomID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// Publish fans ev out to every connection joined to the room, minus
// skipConns. One failing sink never aborts delivery to the rest.
func (h *Hub) Publish(roomID uint64, ev Event, skipConns ...string) {
	skip := map[string]struct{}{}
	for _, c := range skipConns {
		skip[c] = struct{}{}
	}

	h.mu.RLock()
	targets := make(map[string]Sink, len(h.rooms[roomID]))
	for connID := range h.rooms[roomID] {
		if _, skipped := skip[connID]; skipped {
			continue
		}
		if sink, ok := h.sinks[connID]; ok {
			targets[connID] = sink
		}
	}
	h.mu.RUnlock()

	for connID, sink := range targets {
		if err := sink.Deliver(ev); err != nil {
			log.Printf("[Hub] deliver failed conn=%s room=%d type=%s err=%v", connID, roomID, ev.Type, err)
		}
	}
}

// PublishTo delivers directly to specific connections regardless of room
// membership (sender-directed events such as read receipts).
func (h *Hub) PublishTo(ev Event, connIDs ...string) {
	h.mu.RLock()
	targets := make(map[string]Sink, len(connIDs))
	for _, connID := range connIDs {
		if sink, ok := h.sinks[connID]; ok {
			targets[connID] = sink
		}
	}
	h.mu.RUnlock()

	for connID, sink := range targets {
		if err := sink.Deliver(ev); err != nil {
			log.Printf("[Hub] deliver failed conn=%s type=%s err=%v", connID, ev.Type, err)
		}
	}
}
