package message

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Insert(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *Repo) Get(ctx context.Context, id uint64) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListByRoom returns messages in ASC id order; afterID paginates forward.
func (r *Repo) ListByRoom(ctx context.Context, roomID uint64, afterID uint64, limit int) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("id ASC").
		Limit(limit)
	if afterID > 0 {
		q = q.Where("id > ?", afterID)
	}
	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) MarkEdited(ctx context.Context, id uint64, content string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"content":   content,
			"is_edited": true,
			"edited_at": at,
		}).Error
}

// MarkDeleted flips the soft-delete flag; content stays for reply previews.
func (r *Repo) MarkDeleted(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", id).
		Update("is_deleted", true).Error
}

// UpsertStatus records per-reader delivery/read state, one row per reader
// per message. A later state overwrites an earlier one for the same pair.
func (r *Repo) UpsertStatus(ctx context.Context, s *Status) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "reader_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "status_at"}),
	}).Create(s).Error
}

func (r *Repo) GetReaction(ctx context.Context, messageID uint64, reactorKey string) (*Reaction, error) {
	var re Reaction
	if err := r.db.WithContext(ctx).
		Where("message_id = ? AND reactor_key = ?", messageID, reactorKey).
		First(&re).Error; err != nil {
		return nil, err
	}
	return &re, nil
}

func (r *Repo) CreateReaction(ctx context.Context, re *Reaction) error {
	return r.db.WithContext(ctx).Create(re).Error
}

func (r *Repo) UpdateReactionEmoji(ctx context.Context, id uint64, emoji string) error {
	return r.db.WithContext(ctx).Model(&Reaction{}).
		Where("id = ?", id).
		Update("emoji", emoji).Error
}

func (r *Repo) DeleteReaction(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Delete(&Reaction{}, "id = ?", id).Error
}

func (r *Repo) ListReactions(ctx context.Context, messageID uint64) ([]Reaction, error) {
	var out []Reaction
	if err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// IsNotFound reports whether err is the store's missing-record error.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
