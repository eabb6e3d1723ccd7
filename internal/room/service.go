package room

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/lawdesk/chatcore/internal/apperr"
	"github.com/lawdesk/chatcore/internal/identity"
)

// Directory resolves display metadata for identities; backed by the external
// auth provider for users and the guest manager for guests.
type Directory interface {
	DisplayName(ctx context.Context, who identity.Identity) (name, avatarURL string, err error)
}

// Subscriber joins an identity's live connections to a room's broadcast
// group. The session registry satisfies it.
type Subscriber interface {
	ConnectionsFor(key string) []string
	Subscribe(roomID uint64, connID string)
}

type Service struct {
	repo      *Repo
	directory Directory
	subs      Subscriber
}

func NewService(repo *Repo, directory Directory) *Service {
	return &Service{repo: repo, directory: directory}
}

// BindSubscriber wires the session registry after construction; the two
// components reference each other through narrow interfaces.
func (s *Service) BindSubscriber(subs Subscriber) { s.subs = subs }

// Create makes a room and enrolls the given members. The first member gets
// the admin role, the rest join as plain members.
func (s *Service) Create(ctx context.Context, name string, isGroup bool, kind Kind, members ...identity.Identity) (*Room, error) {
	if kind == "" {
		kind = KindDirect
	}
	room := &Room{
		Name:    name,
		IsGroup: isGroup,
		Kind:    kind,
	}
	if err := s.repo.Create(ctx, room); err != nil {
		return nil, err
	}
	for i, who := range members {
		role := RoleMember
		if i == 0 {
			role = RoleAdmin
		}
		if err := s.AddMember(ctx, room.ID, who, role); err != nil {
			return nil, err
		}
	}
	return room, nil
}

func (s *Service) Get(ctx context.Context, roomID uint64) (*Room, error) {
	room, err := s.repo.Get(ctx, roomID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	return room, err
}

// AddMember enrolls the identity and subscribes its live connections so
// fan-out reaches them without a reconnect.
func (s *Service) AddMember(ctx context.Context, roomID uint64, who identity.Identity, role Role) error {
	_, _, err := s.repo.AddMember(ctx, &Membership{
		RoomID:      roomID,
		IdentityKey: who.Key(),
		Role:        role,
		JoinedAt:    time.Now(),
	})
	if err != nil {
		return err
	}
	if s.subs != nil {
		for _, connID := range s.subs.ConnectionsFor(who.Key()) {
			s.subs.Subscribe(roomID, connID)
		}
	}
	return nil
}

func (s *Service) Members(ctx context.Context, roomID uint64) ([]Membership, error) {
	return s.repo.Members(ctx, roomID)
}

func (s *Service) IsMember(ctx context.Context, roomID uint64, who identity.Identity) (bool, error) {
	return s.repo.IsMember(ctx, roomID, who.Key())
}

// MarkRead advances the member's read cursor, monotonically. Returns whether
// the cursor actually moved.
func (s *Service) MarkRead(ctx context.Context, roomID uint64, who identity.Identity, messageID uint64) (bool, error) {
	return s.repo.AdvanceReadCursor(ctx, roomID, who.Key(), messageID)
}

func (s *Service) UnreadCount(ctx context.Context, roomID uint64, who identity.Identity) (int64, error) {
	n, err := s.repo.UnreadCount(ctx, roomID, who.Key())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, apperr.ErrNotFound
	}
	return n, err
}

func (s *Service) RoomIDsFor(ctx context.Context, who identity.Identity) ([]uint64, error) {
	return s.repo.RoomIDsFor(ctx, who.Key())
}

func (s *Service) ListRooms(ctx context.Context, who identity.Identity, limit int) ([]Room, error) {
	return s.repo.ListRoomsFor(ctx, who.Key(), limit)
}

func (s *Service) TouchActivity(ctx context.Context, roomID uint64, at time.Time) error {
	return s.repo.TouchActivity(ctx, roomID, at)
}

// DisplayFor resolves what the viewer should see as the room's name and
// avatar. Two-member non-group rooms show the other member; everything else
// shows the room's own metadata.
func (s *Service) DisplayFor(ctx context.Context, room *Room, viewer identity.Identity) (Display, error) {
	d := Display{RoomID: room.ID, Name: room.Name, AvatarURL: room.AvatarURL}
	if room.IsGroup {
		return d, nil
	}

	members, err := s.repo.Members(ctx, room.ID)
	if err != nil {
		return d, err
	}
	if len(members) != 2 {
		return d, nil
	}

	for _, m := range members {
		if m.IdentityKey == viewer.Key() {
			continue
		}
		other, err := identity.ParseKey(m.IdentityKey)
		if err != nil {
			return d, err
		}
		if s.directory == nil {
			return d, nil
		}
		name, avatar, err := s.directory.DisplayName(ctx, other)
		if err != nil {
			return d, err
		}
		d.Name, d.AvatarURL = name, avatar
		return d, nil
	}
	return d, nil
}
