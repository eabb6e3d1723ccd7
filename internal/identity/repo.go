package identity

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

func (r *Repo) GetGuestByToken(ctx context.Context, token string) (*Guest, error) {
	var g Guest
	if err := r.db.WithContext(ctx).
		Where("session_token = ?", token).
		First(&g).Error; err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *Repo) GetGuestByID(ctx context.Context, id uint64) (*Guest, error) {
	var g Guest
	if err := r.db.WithContext(ctx).First(&g, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &g, nil
}

// CreateGuestOrGetExisting tries to insert, and on a duplicate session token
// returns the row the concurrent caller won with.
func (r *Repo) CreateGuestOrGetExisting(ctx context.Context, g *Guest) (*Guest, bool, error) {
	err := r.db.WithContext(ctx).Create(g).Error
	if err == nil {
		return g, true, nil
	}

	existing, getErr := r.GetGuestByToken(ctx, g.SessionToken)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

// TouchGuest refreshes last-activity and clears a prior expiry. Last writer
// wins for liveness; an expired guest that comes back is simply revived.
func (r *Repo) TouchGuest(ctx context.Context, id uint64, now time.Time) error {
	return r.db.WithContext(ctx).Model(&Guest{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_active_at": now,
			"expired_at":     nil,
		}).Error
}

// EnrichGuestContact fills only the fields that are still empty.
func (r *Repo) EnrichGuestContact(ctx context.Context, id uint64, hints ContactHints) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var g Guest
		if err := tx.First(&g, "id = ?", id).Error; err != nil {
			return err
		}
		updates := map[string]any{}
		if g.Name == "" && hints.Name != "" {
			updates["name"] = hints.Name
		}
		if g.Email == "" && hints.Email != "" {
			updates["email"] = hints.Email
		}
		if g.Phone == "" && hints.Phone != "" {
			updates["phone"] = hints.Phone
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(&Guest{}).Where("id = ?", id).Updates(updates).Error
	})
}

// ListIdleGuests returns unexpired guests whose last activity predates cutoff.
func (r *Repo) ListIdleGuests(ctx context.Context, cutoff time.Time, limit int) ([]Guest, error) {
	var guests []Guest
	if err := r.db.WithContext(ctx).
		Where("expired_at IS NULL AND last_active_at < ?", cutoff).
		Order("last_active_at ASC").
		Limit(limit).
		Find(&guests).Error; err != nil {
		return nil, err
	}
	return guests, nil
}

// ExpireGuestIfIdle marks the guest expired only if its last activity has not
// moved since the sweep read it, so a concurrent ResolveOrCreate wins.
func (r *Repo) ExpireGuestIfIdle(ctx context.Context, id uint64, cutoff time.Time, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Guest{}).
		Where("id = ? AND expired_at IS NULL AND last_active_at < ?", id, cutoff).
		Update("expired_at", now)
	return res.RowsAffected > 0, res.Error
}
