package room

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, room *Room) error {
	return r.db.WithContext(ctx).Create(room).Error
}

func (r *Repo) Get(ctx context.Context, id uint64) (*Room, error) {
	var room Room
	if err := r.db.WithContext(ctx).First(&room, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &room, nil
}

// AddMember inserts the membership; re-adding an existing member is a no-op
// that returns the existing row.
func (r *Repo) AddMember(ctx context.Context, m *Membership) (*Membership, bool, error) {
	err := r.db.WithContext(ctx).Create(m).Error
	if err == nil {
		return m, true, nil
	}

	var existing Membership
	getErr := r.db.WithContext(ctx).
		Where("room_id = ? AND identity_key = ?", m.RoomID, m.IdentityKey).
		First(&existing).Error
	if getErr == nil {
		return &existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

func (r *Repo) Members(ctx context.Context, roomID uint64) ([]Membership, error) {
	var members []Membership
	if err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("joined_at ASC, id ASC").
		Find(&members).Error; err != nil {
		return nil, err
	}
	return members, nil
}

func (r *Repo) GetMembership(ctx context.Context, roomID uint64, key string) (*Membership, error) {
	var m Membership
	if err := r.db.WithContext(ctx).
		Where("room_id = ? AND identity_key = ?", roomID, key).
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repo) IsMember(ctx context.Context, roomID uint64, key string) (bool, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&Membership{}).
		Where("room_id = ? AND identity_key = ?", roomID, key).
		Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// AdvanceReadCursor moves last_read_message_id forward only. The guard lives
// in SQL so out-of-order arrivals from multiple devices cannot regress it.
func (r *Repo) AdvanceReadCursor(ctx context.Context, roomID uint64, key string, messageID uint64) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Membership{}).
		Where("room_id = ? AND identity_key = ? AND (last_read_message_id IS NULL OR last_read_message_id < ?)",
			roomID, key, messageID).
		Update("last_read_message_id", messageID)
	return res.RowsAffected > 0, res.Error
}

// UnreadCount counts messages after the member's cursor authored by someone
// else. Soft-deleted messages still count toward position but are excluded
// here: a redacted placeholder is nothing to read.
func (r *Repo) UnreadCount(ctx context.Context, roomID uint64, key string) (int64, error) {
	m, err := r.GetMembership(ctx, roomID, key)
	if err != nil {
		return 0, err
	}
	var cursor uint64
	if m.LastReadMessageID != nil {
		cursor = *m.LastReadMessageID
	}

	var n int64
	err = r.db.WithContext(ctx).Table("chat_messages").
		Where("room_id = ? AND id > ? AND is_deleted = ? AND (sender_key IS NULL OR sender_key <> ?)",
			roomID, cursor, false, key).
		Count(&n).Error
	return n, err
}

func (r *Repo) RoomIDsFor(ctx context.Context, key string) ([]uint64, error) {
	var ids []uint64
	if err := r.db.WithContext(ctx).Model(&Membership{}).
		Where("identity_key = ?", key).
		Pluck("room_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// ListRoomsFor returns the identity's rooms newest-activity first, falling
// back to creation time for rooms with no messages yet.
func (r *Repo) ListRoomsFor(ctx context.Context, key string, limit int) ([]Room, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var rooms []Room
	err := r.db.WithContext(ctx).
		Joins("JOIN room_memberships ON room_memberships.room_id = chat_rooms.id").
		Where("room_memberships.identity_key = ?", key).
		Order("COALESCE(chat_rooms.last_message_at, chat_rooms.created_at) DESC").
		Limit(limit).
		Find(&rooms).Error
	return rooms, err
}

// TouchActivity bumps the room's last-activity watermark, forward only.
func (r *Repo) TouchActivity(ctx context.Context, roomID uint64, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Room{}).
		Where("id = ? AND (last_message_at IS NULL OR last_message_at < ?)", roomID, at).
		Update("last_message_at", at).Error
}
