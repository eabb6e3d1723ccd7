package support

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/lawdesk/chatcore/internal/apperr"
	"github.com/lawdesk/chatcore/internal/hub"
	"github.com/lawdesk/chatcore/internal/identity"
	"github.com/lawdesk/chatcore/internal/notify"
	"github.com/lawdesk/chatcore/internal/room"
)

// Router matches incoming support requests to the least-loaded available
// agent and owns the ticket lifecycle. The select-and-increment runs inside
// the same transaction that creates the ticket and memberships.
type Router struct {
	db       *gorm.DB
	repo     *Repo
	rooms    *room.Service
	subs     room.Subscriber
	hub      hub.Broadcaster
	notifier notify.Dispatcher
}

func NewRouter(db *gorm.DB, repo *Repo, rooms *room.Service, subs room.Subscriber, b hub.Broadcaster, notifier notify.Dispatcher) *Router {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Router{db: db, repo: repo, rooms: rooms, subs: subs, hub: b, notifier: notifier}
}

// SelectAgent reports the agent the router would pick right now. Callers
// creating tickets never use this read-then-act path; OpenTicket claims
// atomically inside its transaction.
func (r *Router) SelectAgent(ctx context.Context) (*Agent, error) {
	a, err := bestAgent(r.db.WithContext(ctx), nil)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrUnavailable
	}
	return a, err
}

func (r *Router) Workload(ctx context.Context, agentID uint64) (int, error) {
	a, err := r.repo.GetAgent(ctx, agentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, apperr.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return a.CurrentLoad, nil
}

func (r *Router) SetStatus(ctx context.Context, agentID uint64, online bool) error {
	found, err := r.repo.SetAgentOnline(ctx, agentID, online)
	if err != nil {
		return err
	}
	if !found {
		return apperr.ErrNotFound
	}
	return nil
}

// claimBest picks the lowest-load eligible agent and takes a slot. A claim
// that races out against a concurrent transaction (apperr.ErrConflict case)
// is retried against the next-best agent; already-tried agents are excluded
// so the loop terminates. gorm.ErrRecordNotFound means nobody is eligible.
func claimBest(tx *gorm.DB) (*Agent, error) {
	var excluded []uint64
	for {
		a, err := bestAgent(tx, excluded)
		if err != nil {
			return nil, err
		}
		switch err := claimAgent(tx, a.ID); {
		case errors.Is(err, apperr.ErrConflict):
			excluded = append(excluded, a.ID)
			continue
		case err != nil:
			return nil, err
		}
		a.CurrentLoad++
		return a, nil
	}
}

// OpenTicket creates the support room, enrolls the requester, claims an
// agent and writes the ticket, all in one transaction. With no eligible
// agent the ticket lands in Open status: a valid outcome, not an error.
func (r *Router) OpenTicket(ctx context.Context, requester identity.Identity, subject, guestToken string) (*Ticket, *room.Room, error) {
	now := time.Now()
	rm := room.Room{
		Name:              subject,
		Kind:              room.KindSupport,
		GuestSessionToken: guestToken,
	}
	ticket := Ticket{
		RequesterKey: requester.Key(),
		Subject:      subject,
		Status:       StatusOpen,
	}
	var agent *Agent

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rm).Error; err != nil {
			return err
		}
		if err := tx.Create(&room.Membership{
			RoomID:      rm.ID,
			IdentityKey: requester.Key(),
			Role:        room.RoleMember,
			JoinedAt:    now,
		}).Error; err != nil {
			return err
		}

		a, err := claimBest(tx)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// Open fallback; ReassignOpenTickets picks it up later.
		case err != nil:
			return err
		default:
			agent = a
			ticket.AgentID = &a.ID
			ticket.Status = StatusInProgress
			if err := tx.Create(&room.Membership{
				RoomID:      rm.ID,
				IdentityKey: identity.User(a.ID).Key(),
				Role:        room.RoleAdmin,
				JoinedAt:    now,
			}).Error; err != nil {
				return err
			}
		}

		ticket.RoomID = rm.ID
		return tx.Create(&ticket).Error
	})
	if err != nil {
		return nil, nil, err
	}

	r.subscribe(rm.ID, requester.Key())
	r.notifier.Dispatch(ctx, notify.Event{
		Kind:     notify.KindTicketCreated,
		TicketID: ticket.ID,
		RoomID:   rm.ID,
	})

	if agent != nil {
		r.announceAssignment(ctx, &ticket, agent)
	}
	return &ticket, &rm, nil
}

// CloseTicket transitions the ticket to Closed and releases the agent's load
// slot. Only the requester or the assigned agent may close.
func (r *Router) CloseTicket(ctx context.Context, ticketID uint64, actor identity.Identity) (*Ticket, error) {
	t, err := r.repo.GetTicket(ctx, ticketID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	allowed := t.RequesterKey == actor.Key()
	if t.AgentID != nil && identity.User(*t.AgentID).Key() == actor.Key() {
		allowed = true
	}
	if !allowed {
		return nil, fmt.Errorf("actor %s may not close ticket %d: %w", actor.Key(), ticketID, apperr.ErrForbidden)
	}

	now := time.Now()
	var assignedAgent *uint64
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Re-read the assignment inside the transaction: the reassignment
		// sweep may have claimed an agent since the permission read, and
		// releasing from the stale copy would leak that agent's slot.
		var cur Ticket
		if err := tx.First(&cur, "id = ?", ticketID).Error; err != nil {
			return err
		}
		assignedAgent = cur.AgentID

		res := tx.Model(&Ticket{}).
			Where("id = ? AND status <> ?", ticketID, StatusClosed).
			Updates(map[string]any{
				"status":    StatusClosed,
				"closed_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("ticket %d already closed: %w", ticketID, apperr.ErrInvalidState)
		}
		if cur.AgentID != nil {
			return releaseAgent(tx, *cur.AgentID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.AgentID = assignedAgent
	t.Status = StatusClosed
	t.ClosedAt = &now
	return t, nil
}

// ReassignOpenTickets retries assignment for tickets created while no agent
// was available, oldest first. Exposed as a hook; the server schedules it on
// a configurable cadence. Returns the number of tickets assigned.
func (r *Router) ReassignOpenTickets(ctx context.Context) (int, error) {
	open, err := r.repo.ListOpenTickets(ctx, 100)
	if err != nil {
		return 0, err
	}

	assigned := 0
	for i := range open {
		t := &open[i]
		var agent *Agent
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			a, err := claimBest(tx)
			if err != nil {
				return err
			}

			// Guard on status so a manual pickup between the list and
			// this transaction is not double-assigned.
			res := tx.Model(&Ticket{}).
				Where("id = ? AND status = ?", t.ID, StatusOpen).
				Updates(map[string]any{
					"agent_id": a.ID,
					"status":   StatusInProgress,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("ticket %d no longer open: %w", t.ID, apperr.ErrInvalidState)
			}
			if err := tx.Create(&room.Membership{
				RoomID:      t.RoomID,
				IdentityKey: identity.User(a.ID).Key(),
				Role:        room.RoleAdmin,
				JoinedAt:    time.Now(),
			}).Error; err != nil {
				return err
			}
			agent = a
			return nil
		})
		if errors.Is(err, gorm.ErrRecordNotFound) {
			break // nobody eligible, later tickets cannot do better
		}
		if err != nil {
			if !errors.Is(err, apperr.ErrInvalidState) {
				log.Printf("[AgentRouter] reassign failed ticket=%d err=%v", t.ID, err)
			}
			continue
		}

		t.AgentID = &agent.ID
		t.Status = StatusInProgress
		r.announceAssignment(ctx, t, agent)
		assigned++
	}
	return assigned, nil
}

func (r *Router) GetTicket(ctx context.Context, id uint64) (*Ticket, error) {
	t, err := r.repo.GetTicket(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	return t, err
}

func (r *Router) GetTicketByRoom(ctx context.Context, roomID uint64) (*Ticket, error) {
	t, err := r.repo.GetTicketByRoom(ctx, roomID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	return t, err
}

func (r *Router) UpsertAgent(ctx context.Context, a *Agent) error {
	return r.repo.UpsertAgent(ctx, a)
}

func (r *Router) subscribe(roomID uint64, key string) {
	if r.subs == nil {
		return
	}
	for _, connID := range r.subs.ConnectionsFor(key) {
		r.subs.Subscribe(roomID, connID)
	}
}

func (r *Router) announceAssignment(ctx context.Context, t *Ticket, agent *Agent) {
	r.subscribe(t.RoomID, identity.User(agent.ID).Key())
	r.notifier.Dispatch(ctx, notify.Event{
		Kind:     notify.KindTicketAssigned,
		TicketID: t.ID,
		RoomID:   t.RoomID,
		AgentID:  agent.ID,
	})
	r.hub.Publish(t.RoomID, hub.Event{
		Type:   hub.EventTicketAssigned,
		RoomID: t.RoomID,
		At:     time.Now(),
		Payload: map[string]any{
			"ticket_id": t.ID,
			"agent_id":  agent.ID,
			"status":    t.Status,
		},
	})
}
