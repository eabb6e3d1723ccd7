package message

import "time"

type Type string

const (
	TypeText   Type = "text"
	TypeImage  Type = "image"
	TypeFile   Type = "file"
	TypeAudio  Type = "audio"
	TypeVideo  Type = "video"
	TypeSystem Type = "system"
)

// Message belongs to exactly one room. SenderKey is nil for system or
// anonymous-origin messages where the transport carries no stable identity.
// Deletes are soft so reply previews keep their target.
type Message struct {
	ID        uint64  `gorm:"primaryKey;autoIncrement" json:"id"`
	RoomID    uint64  `gorm:"not null;index:idx_msg_room_id" json:"room_id"`
	SenderKey *string `gorm:"type:varchar(64);index" json:"sender_key,omitempty"`
	Type      Type    `gorm:"type:varchar(16);not null" json:"type"`
	Content   string  `gorm:"type:text;not null" json:"content"`

	AttachmentURL string `gorm:"type:varchar(512)" json:"attachment_url,omitempty"`

	// Must reference a message in the same room created strictly earlier.
	ReplyToMessageID *uint64 `gorm:"index" json:"reply_to_message_id,omitempty"`

	IsEdited  bool       `gorm:"not null" json:"is_edited"`
	IsDeleted bool       `gorm:"not null" json:"is_deleted"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

type StatusState string

const (
	StateDelivered StatusState = "delivered"
	StateRead      StatusState = "read"
)

// Status is one row per reader per message, upserted as state advances.
type Status struct {
	ID        uint64      `gorm:"primaryKey;autoIncrement" json:"-"`
	MessageID uint64      `gorm:"not null;uniqueIndex:uniq_msg_reader,priority:1" json:"message_id"`
	ReaderKey string      `gorm:"type:varchar(64);not null;uniqueIndex:uniq_msg_reader,priority:2" json:"reader_key"`
	State     StatusState `gorm:"type:varchar(16);not null" json:"state"`
	StatusAt  time.Time   `gorm:"not null" json:"status_at"`
}

func (Status) TableName() string { return "chat_message_statuses" }

// Reaction: at most one per (message, identity). A different emoji replaces
// the old one, the same emoji toggles it off.
type Reaction struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	MessageID  uint64    `gorm:"not null;uniqueIndex:uniq_msg_reactor,priority:1" json:"message_id"`
	ReactorKey string    `gorm:"type:varchar(64);not null;uniqueIndex:uniq_msg_reactor,priority:2" json:"reactor_key"`
	Emoji      string    `gorm:"type:varchar(32);not null" json:"emoji"`
	CreatedAt  time.Time `json:"created_at"`
}

func (Reaction) TableName() string { return "chat_message_reactions" }
