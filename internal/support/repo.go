package support

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lawdesk/chatcore/internal/apperr"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) UpsertAgent(ctx context.Context, a *Agent) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "capacity", "online"}),
	}).Create(a).Error
}

func (r *Repo) GetAgent(ctx context.Context, id uint64) (*Agent, error) {
	var a Agent
	if err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repo) SetAgentOnline(ctx context.Context, id uint64, online bool) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Agent{}).
		Where("id = ?", id).
		Update("online", online)
	return res.RowsAffected > 0, res.Error
}

// bestAgent reads the current best candidate: online, spare capacity, lowest
// load, ties broken by id for deterministic selection.
func bestAgent(tx *gorm.DB, excluded []uint64) (*Agent, error) {
	q := tx.Where("online = ? AND current_load < capacity", true)
	if len(excluded) > 0 {
		q = q.Where("id NOT IN ?", excluded)
	}
	var a Agent
	if err := q.
		Order("current_load ASC, id ASC").
		First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// claimAgent atomically takes one load slot on the agent. Zero rows affected
// means a concurrent claim filled the agent up first.
func claimAgent(tx *gorm.DB, agentID uint64) error {
	res := tx.Model(&Agent{}).
		Where("id = ? AND online = ? AND current_load < capacity", agentID, true).
		Update("current_load", gorm.Expr("current_load + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("agent %d raced out: %w", agentID, apperr.ErrConflict)
	}
	return nil
}

// releaseAgent gives a load slot back, floored at zero.
func releaseAgent(tx *gorm.DB, agentID uint64) error {
	return tx.Model(&Agent{}).
		Where("id = ? AND current_load > 0", agentID).
		Update("current_load", gorm.Expr("current_load - 1")).Error
}

func (r *Repo) CreateTicket(ctx context.Context, t *Ticket) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *Repo) GetTicket(ctx context.Context, id uint64) (*Ticket, error) {
	var t Ticket
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repo) GetTicketByRoom(ctx context.Context, roomID uint64) (*Ticket, error) {
	var t Ticket
	if err := r.db.WithContext(ctx).First(&t, "room_id = ?", roomID).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// ListOpenTickets returns unassigned tickets oldest first.
func (r *Repo) ListOpenTickets(ctx context.Context, limit int) ([]Ticket, error) {
	if limit <= 0 {
		limit = 100
	}
	var tickets []Ticket
	if err := r.db.WithContext(ctx).
		Where("status = ?", StatusOpen).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&tickets).Error; err != nil {
		return nil, err
	}
	return tickets, nil
}
