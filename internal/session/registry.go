package session

import (
	"context"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/lawdesk/chatcore/internal/common"
	"github.com/lawdesk/chatcore/internal/hub"
	"github.com/lawdesk/chatcore/internal/identity"
)

// RoomLister reports the rooms an identity currently belongs to, so a fresh
// connection can be subscribed to each one's broadcast group.
type RoomLister interface {
	RoomIDsFor(ctx context.Context, who identity.Identity) ([]uint64, error)
}

// TypingCleaner is invoked on disconnect so no typing indicator outlives its
// connection. Implemented by the presence broadcaster.
type TypingCleaner interface {
	ConnectionClosed(connID string)
}

// Registry tracks live connections and their identities. Multiple concurrent
// connections per identity are supported; an identity is online iff at least
// one active connection exists.
type Registry struct {
	db    *gorm.DB
	hub   hub.Broadcaster
	rooms RoomLister

	mu         sync.RWMutex
	byConn     map[string]identity.Identity
	byIdentity map[string]map[string]struct{}
	typing     TypingCleaner
}

func NewRegistry(db *gorm.DB, b hub.Broadcaster, rooms RoomLister) *Registry {
	return &Registry{
		db:         db,
		hub:        b,
		rooms:      rooms,
		byConn:     make(map[string]identity.Identity),
		byIdentity: make(map[string]map[string]struct{}),
	}
}

// BindTyping wires the presence broadcaster after construction; the two
// components reference each other through narrow interfaces.
func (r *Registry) BindTyping(t TypingCleaner) { r.typing = t }

// Connect records the connection, registers its sink with the hub, joins it
// to every room the identity belongs to and returns those room ids.
func (r *Registry) Connect(ctx context.Context, who identity.Identity, sink hub.Sink) (string, []uint64, error) {
	connID, err := common.NewULID()
	if err != nil {
		return "", nil, err
	}

	if err := r.db.WithContext(ctx).Create(&Connection{
		ID:          connID,
		IdentityKey: who.Key(),
		Active:      true,
		ConnectedAt: time.Now(),
	}).Error; err != nil {
		return "", nil, err
	}

	roomIDs, err := r.rooms.RoomIDsFor(ctx, who)
	if err != nil {
		return "", nil, err
	}

	r.hub.Register(connID, sink)
	for _, roomID := range roomIDs {
		r.hub.Join(roomID, connID)
	}

	r.mu.Lock()
	r.byConn[connID] = who
	conns, ok := r.byIdentity[who.Key()]
	if !ok {
		conns = make(map[string]struct{})
		r.byIdentity[who.Key()] = conns
	}
	conns[connID] = struct{}{}
	firstConn := len(conns) == 1
	r.mu.Unlock()

	if firstConn {
		r.publishPresence(roomIDs, who, true)
	}
	return connID, roomIDs, nil
}

// Disconnect tears the connection down. Cleanup failures are logged and
// swallowed; they never prevent the teardown itself.
func (r *Registry) Disconnect(ctx context.Context, connID string) {
	// An SSE stream unwinds only after its request context is canceled, so
	// the liveness update and room lookup must outlive the caller's context.
	ctx = context.WithoutCancel(ctx)

	// Typing cleanup runs first, while the connection can still be resolved
	// to its identity for the stop event.
	if r.typing != nil {
		r.typing.ConnectionClosed(connID)
	}

	r.mu.Lock()
	who, known := r.byConn[connID]
	var lastConn bool
	if known {
		delete(r.byConn, connID)
		if conns, ok := r.byIdentity[who.Key()]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(r.byIdentity, who.Key())
				lastConn = true
			}
		}
	}
	r.mu.Unlock()

	if !known {
		return
	}

	r.hub.Deregister(connID)

	now := time.Now()
	if err := r.db.WithContext(ctx).Model(&Connection{}).
		Where("id = ?", connID).
		Updates(map[string]any{
			"active":          false,
			"disconnected_at": now,
		}).Error; err != nil {
		log.Printf("[SessionRegistry] mark inactive failed conn=%s err=%v", connID, err)
	}

	if lastConn {
		roomIDs, err := r.rooms.RoomIDsFor(ctx, who)
		if err != nil {
			log.Printf("[SessionRegistry] room lookup failed on disconnect identity=%s err=%v", who.Key(), err)
			return
		}
		r.publishPresence(roomIDs, who, false)
	}
}

func (r *Registry) publishPresence(roomIDs []uint64, who identity.Identity, online bool) {
	for _, roomID := range roomIDs {
		r.hub.Publish(roomID, hub.Event{
			Type:   hub.EventPresenceChanged,
			RoomID: roomID,
			At:     time.Now(),
			Payload: map[string]any{
				"identity": who,
				"online":   online,
			},
		}, r.ConnectionsFor(who.Key())...)
	}
}

// ConnectionsFor returns the active connection ids of an identity key.
func (r *Registry) ConnectionsFor(key string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byIdentity[key]
	out := make([]string, 0, len(conns))
	for connID := range conns {
		out = append(out, connID)
	}
	return out
}

func (r *Registry) IdentityOf(connID string) (identity.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	who, ok := r.byConn[connID]
	return who, ok
}

func (r *Registry) Online(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[key]) > 0
}

// Subscribe joins an already-live connection to one more room (used when a
// member is added to a room after connecting).
func (r *Registry) Subscribe(roomID uint64, connID string) {
	r.hub.Join(roomID, connID)
}
