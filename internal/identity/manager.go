package identity

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// Liveness is the fast-path activity cache consulted before expiring an idle
// guest. Backed by redis in production; tests supply an in-memory fake.
type Liveness interface {
	TouchGuest(ctx context.Context, token string, ttl time.Duration) error
	GuestAlive(ctx context.Context, token string) (bool, error)
}

// Manager resolves ephemeral guest identities by opaque session token.
type Manager struct {
	repo     *Repo
	liveness Liveness
	idle     time.Duration
}

func NewManager(repo *Repo, liveness Liveness, idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	return &Manager{repo: repo, liveness: liveness, idle: idleTimeout}
}

// ResolveOrCreate returns the guest identity for token, creating it on first
// sight. Idempotent by token; repeat calls refresh last-activity and may
// enrich (never overwrite) contact fields. An empty token mints a fresh one.
func (m *Manager) ResolveOrCreate(ctx context.Context, token string, hints ContactHints) (*Guest, error) {
	if token == "" {
		token = uuid.NewString()
	}

	now := time.Now()
	g := &Guest{
		SessionToken: token,
		Name:         hints.Name,
		Email:        hints.Email,
		Phone:        hints.Phone,
		LastActiveAt: now,
	}

	g, created, err := m.repo.CreateGuestOrGetExisting(ctx, g)
	if err != nil {
		return nil, err
	}

	if !created {
		if err := m.repo.TouchGuest(ctx, g.ID, now); err != nil {
			return nil, err
		}
		g.LastActiveAt = now
		g.ExpiredAt = nil
		if !hints.Empty() {
			if err := m.repo.EnrichGuestContact(ctx, g.ID, hints); err != nil {
				return nil, err
			}
			g, err = m.repo.GetGuestByID(ctx, g.ID)
			if err != nil {
				return nil, err
			}
		}
	}

	if m.liveness != nil {
		if err := m.liveness.TouchGuest(ctx, token, m.idle); err != nil {
			log.Printf("[GuestManager] liveness touch failed token=%s err=%v", token, err)
		}
	}
	return g, nil
}

func (m *Manager) Get(ctx context.Context, id uint64) (*Guest, error) {
	return m.repo.GetGuestByID(ctx, id)
}

// SweepIdle expires guests idle past the configured timeout. A guest whose
// liveness key is still present in the cache is skipped even if its DB row
// looks stale. Returns the number of guests expired.
func (m *Manager) SweepIdle(ctx context.Context) (int, error) {
	now := time.Now()
	cutoff := now.Add(-m.idle)

	idle, err := m.repo.ListIdleGuests(ctx, cutoff, 200)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, g := range idle {
		if m.liveness != nil {
			alive, err := m.liveness.GuestAlive(ctx, g.SessionToken)
			if err != nil {
				log.Printf("[GuestManager] liveness check failed guest=%d err=%v", g.ID, err)
			} else if alive {
				continue
			}
		}
		done, err := m.repo.ExpireGuestIfIdle(ctx, g.ID, cutoff, now)
		if err != nil {
			log.Printf("[GuestManager] expire failed guest=%d err=%v", g.ID, err)
			continue
		}
		if done {
			expired++
		}
	}
	return expired, nil
}
