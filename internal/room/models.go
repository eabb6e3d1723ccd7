package room

import "time"

type Kind string

const (
	KindDirect  Kind = "direct" // direct or group chats between known users
	KindSupport Kind = "support"
)

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Room is an addressable conversation context. Rooms are never hard-deleted;
// support rooms are archived implicitly when their ticket closes.
type Room struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string `gorm:"type:varchar(128)" json:"name"`
	AvatarURL string `gorm:"type:varchar(512)" json:"avatar_url,omitempty"`
	IsGroup   bool   `gorm:"not null" json:"is_group"`
	Kind      Kind   `gorm:"type:varchar(16);index;not null" json:"kind"`

	// Set on support rooms opened by an unauthenticated visitor.
	GuestSessionToken string `gorm:"type:varchar(64);index" json:"-"`

	// Drives room-list ordering; bumped asynchronously after each send.
	LastMessageAt *time.Time `gorm:"index" json:"last_message_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Room) TableName() string { return "chat_rooms" }

// Membership ties an identity to a room with its read cursor.
type Membership struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement" json:"-"`
	RoomID      uint64 `gorm:"not null;uniqueIndex:uniq_room_member,priority:1" json:"room_id"`
	IdentityKey string `gorm:"type:varchar(64);not null;uniqueIndex:uniq_room_member,priority:2;index" json:"identity_key"`
	Role        Role   `gorm:"type:varchar(16);not null" json:"role"`
	Muted       bool   `gorm:"not null" json:"muted"`

	// Monotonically non-decreasing; advanced only through guarded SQL.
	LastReadMessageID *uint64 `json:"last_read_message_id,omitempty"`

	JoinedAt time.Time `json:"joined_at"`
}

func (Membership) TableName() string { return "room_memberships" }

// Display is the per-viewer presentation of a room. For two-member 1:1 rooms
// the other member's name and avatar substitute for the room's own metadata.
type Display struct {
	RoomID    uint64 `json:"room_id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}
