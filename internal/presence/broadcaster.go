// Package presence owns the ephemeral typing state. Nothing here is
// persisted; the map rebuilds from zero after a restart.
package presence

import (
	"sync"
	"time"

	"github.com/lawdesk/chatcore/internal/hub"
	"github.com/lawdesk/chatcore/internal/identity"
)

// Resolver maps connections back to identities; the session registry
// implements it.
type Resolver interface {
	IdentityOf(connID string) (identity.Identity, bool)
	ConnectionsFor(key string) []string
}

// Broadcaster tracks at most one currently-typing room per connection and
// fans typing transitions out to the other members' connections.
type Broadcaster struct {
	hub      hub.Broadcaster
	resolver Resolver

	mu     sync.Mutex
	typing map[string]uint64 // connID -> roomID
}

func NewBroadcaster(b hub.Broadcaster, resolver Resolver) *Broadcaster {
	return &Broadcaster{
		hub:      b,
		resolver: resolver,
		typing:   make(map[string]uint64),
	}
}

// StartTyping marks the connection typing in room. If it was typing in a
// different room, that room gets its stop event first so no stale indicator
// survives a conversation switch.
func (b *Broadcaster) StartTyping(connID string, roomID uint64) {
	who, ok := b.resolver.IdentityOf(connID)
	if !ok {
		return
	}

	b.mu.Lock()
	prev, wasTyping := b.typing[connID]
	if wasTyping && prev == roomID {
		b.mu.Unlock()
		return
	}
	b.typing[connID] = roomID
	b.mu.Unlock()

	if wasTyping {
		b.emit(hub.EventTypingStopped, prev, who)
	}
	b.emit(hub.EventTypingStarted, roomID, who)
}

// StopTyping clears the indicator. roomID 0 means "whatever room the
// connection was last typing in". Idempotent no-op when not typing.
func (b *Broadcaster) StopTyping(connID string, roomID uint64) {
	who, ok := b.resolver.IdentityOf(connID)
	if !ok {
		return
	}

	b.mu.Lock()
	current, wasTyping := b.typing[connID]
	if !wasTyping || (roomID != 0 && current != roomID) {
		b.mu.Unlock()
		return
	}
	delete(b.typing, connID)
	b.mu.Unlock()

	b.emit(hub.EventTypingStopped, current, who)
}

// ConnectionClosed is the disconnect hook invoked by the session registry.
// The map entry is dropped even when the identity can no longer be resolved.
func (b *Broadcaster) ConnectionClosed(connID string) {
	b.mu.Lock()
	roomID, wasTyping := b.typing[connID]
	delete(b.typing, connID)
	b.mu.Unlock()

	if !wasTyping {
		return
	}
	if who, ok := b.resolver.IdentityOf(connID); ok {
		b.emit(hub.EventTypingStopped, roomID, who)
	}
}

// TypingIn reports the room the connection is currently typing in, if any.
func (b *Broadcaster) TypingIn(connID string) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	roomID, ok := b.typing[connID]
	return roomID, ok
}

func (b *Broadcaster) emit(eventType string, roomID uint64, who identity.Identity) {
	// The typer's own connections never see their indicator.
	b.hub.Publish(roomID, hub.Event{
		Type:   eventType,
		RoomID: roomID,
		At:     time.Now(),
		Payload: map[string]any{
			"identity": who,
		},
	}, b.resolver.ConnectionsFor(who.Key())...)
}
