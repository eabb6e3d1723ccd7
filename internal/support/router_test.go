package support

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/lawdesk/chatcore/internal/apperr"
	"github.com/lawdesk/chatcore/internal/hub"
	"github.com/lawdesk/chatcore/internal/identity"
	"github.com/lawdesk/chatcore/internal/room"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&room.Room{}, &room.Membership{}, &Agent{}, &Ticket{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	// Concurrent callers share one sqlite connection so their transactions
	// serialize at the store instead of erroring on the file lock.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db
}

func newTestRouter(t *testing.T) (*Router, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	rooms := room.NewService(room.NewRepo(db), nil)
	return NewRouter(db, NewRepo(db), rooms, nil, hub.New(), nil), db
}

func addAgent(t *testing.T, r *Router, id uint64, capacity, load int, online bool) {
	t.Helper()
	if err := r.UpsertAgent(context.Background(), &Agent{
		ID:          id,
		DisplayName: fmt.Sprintf("Agent %d", id),
		Capacity:    capacity,
		Online:      online,
	}); err != nil {
		t.Fatalf("upsert agent %d: %v", id, err)
	}
	if load > 0 {
		if err := r.db.Model(&Agent{}).Where("id = ?", id).
			Update("current_load", load).Error; err != nil {
			t.Fatalf("seed load: %v", err)
		}
	}
}

func TestOpenTicket_PicksLeastLoadedAgent(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()

	addAgent(t, r, 10, 5, 2, true)
	addAgent(t, r, 20, 5, 0, true)

	ticket, rm, err := r.OpenTicket(ctx, identity.GuestRef(1), "billing question", "tok-1")
	if err != nil {
		t.Fatalf("open ticket: %v", err)
	}
	if ticket.Status != StatusInProgress {
		t.Fatalf("expected in_progress, got %s", ticket.Status)
	}
	if ticket.AgentID == nil || *ticket.AgentID != 20 {
		t.Fatalf("expected agent 20, got %v", ticket.AgentID)
	}
	if rm.Kind != room.KindSupport || rm.GuestSessionToken != "tok-1" {
		t.Fatalf("support room not set up: %+v", rm)
	}

	// The chosen agent's load went up, the busy one's did not.
	if load, _ := r.Workload(ctx, 20); load != 1 {
		t.Fatalf("agent 20 load = %d, want 1", load)
	}
	if load, _ := r.Workload(ctx, 10); load != 2 {
		t.Fatalf("agent 10 load = %d, want 2", load)
	}

	// Both requester and agent hold membership rows in the new room.
	for _, key := range []string{identity.GuestRef(1).Key(), identity.User(20).Key()} {
		ok, err := r.rooms.IsMember(ctx, rm.ID, mustParseKey(t, key))
		if err != nil || !ok {
			t.Fatalf("member %s missing: ok=%v err=%v", key, ok, err)
		}
	}
}

func mustParseKey(t *testing.T, key string) identity.Identity {
	t.Helper()
	who, err := identity.ParseKey(key)
	if err != nil {
		t.Fatalf("parse key %q: %v", key, err)
	}
	return who
}

func TestOpenTicket_TieBreaksByAgentID(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()

	addAgent(t, r, 30, 5, 1, true)
	addAgent(t, r, 5, 5, 1, true)

	ticket, _, err := r.OpenTicket(ctx, identity.User(99), "contract review", "")
	if err != nil {
		t.Fatalf("open ticket: %v", err)
	}
	if ticket.AgentID == nil || *ticket.AgentID != 5 {
		t.Fatalf("equal load should pick lowest id, got %v", ticket.AgentID)
	}
}

func TestOpenTicket_SkipsOfflineAndFullAgents(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()

	addAgent(t, r, 1, 5, 0, false) // offline
	addAgent(t, r, 2, 2, 2, true)  // full
	addAgent(t, r, 3, 5, 4, true)  // busy but eligible

	ticket, _, err := r.OpenTicket(ctx, identity.GuestRef(2), "help", "")
	if err != nil {
		t.Fatalf("open ticket: %v", err)
	}
	if ticket.AgentID == nil || *ticket.AgentID != 3 {
		t.Fatalf("expected agent 3, got %v", ticket.AgentID)
	}
}

func TestOpenTicket_NoAgentLeavesTicketOpen(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()

	ticket, rm, err := r.OpenTicket(ctx, identity.GuestRef(3), "nobody home", "tok-3")
	if err != nil {
		t.Fatalf("open ticket: %v", err)
	}
	if ticket.Status != StatusOpen || ticket.AgentID != nil {
		t.Fatalf("expected unassigned open ticket, got %+v", ticket)
	}

	// Only the requester sits in the room.
	members, err := r.rooms.Members(ctx, rm.ID)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 1 || members[0].IdentityKey != identity.GuestRef(3).Key() {
		t.Fatalf("unexpected members: %+v", members)
	}
}

func TestOpenTicket_NeverExceedsCapacity(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()

	addAgent(t, r, 7, 2, 0, true)

	var assigned, open int
	for i := 0; i < 5; i++ {
		ticket, _, err := r.OpenTicket(ctx, identity.GuestRef(uint64(100+i)), "q", "")
		if err != nil {
			t.Fatalf("open ticket %d: %v", i, err)
		}
		if ticket.AgentID != nil {
			assigned++
		} else {
			open++
		}
	}
	if assigned != 2 || open != 3 {
		t.Fatalf("assigned=%d open=%d, want 2/3", assigned, open)
	}
	if load, _ := r.Workload(ctx, 7); load != 2 {
		t.Fatalf("agent load = %d, capacity is 2", load)
	}
}

func TestOpenTicket_ConcurrentCreatesRespectCapacity(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()

	addAgent(t, r, 8, 2, 0, true)

	const callers = 8
	results := make([]*Ticket, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = r.OpenTicket(ctx, identity.GuestRef(uint64(200+i)), "rush", "")
		}(i)
	}
	wg.Wait()

	var assigned, open int
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("open ticket %d: %v", i, errs[i])
		}
		if results[i].AgentID != nil {
			if *results[i].AgentID != 8 {
				t.Fatalf("unknown agent %d", *results[i].AgentID)
			}
			assigned++
		} else {
			open++
		}
	}
	if assigned != 2 || open != callers-2 {
		t.Fatalf("assigned=%d open=%d, want 2/%d", assigned, open, callers-2)
	}
	if load, _ := r.Workload(ctx, 8); load != 2 {
		t.Fatalf("agent load = %d, capacity is 2", load)
	}
}

func TestCloseTicket_ReleasesAgentLoad(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()

	addAgent(t, r, 11, 5, 0, true)
	requester := identity.GuestRef(4)
	ticket, _, err := r.OpenTicket(ctx, requester, "done soon", "")
	if err != nil {
		t.Fatalf("open ticket: %v", err)
	}

	closed, err := r.CloseTicket(ctx, ticket.ID, requester)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != StatusClosed || closed.ClosedAt == nil {
		t.Fatalf("ticket not closed: %+v", closed)
	}
	if load, _ := r.Workload(ctx, 11); load != 0 {
		t.Fatalf("agent load = %d after close, want 0", load)
	}

	// Closing twice is a state error, not a silent no-op, and does not
	// release a second slot.
	if _, err := r.CloseTicket(ctx, ticket.ID, requester); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state on double close, got %v", err)
	}
	if load, _ := r.Workload(ctx, 11); load != 0 {
		t.Fatalf("double close must not underflow load")
	}
}

func TestCloseTicket_AssignedAgentMayClose(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()

	addAgent(t, r, 12, 5, 0, true)
	ticket, _, err := r.OpenTicket(ctx, identity.GuestRef(5), "agent closes", "")
	if err != nil {
		t.Fatalf("open ticket: %v", err)
	}

	if _, err := r.CloseTicket(ctx, ticket.ID, identity.User(12)); err != nil {
		t.Fatalf("agent close: %v", err)
	}
}

func TestCloseTicket_StrangerIsForbidden(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()

	addAgent(t, r, 13, 5, 0, true)
	ticket, _, err := r.OpenTicket(ctx, identity.GuestRef(6), "private", "")
	if err != nil {
		t.Fatalf("open ticket: %v", err)
	}

	if _, err := r.CloseTicket(ctx, ticket.ID, identity.User(999)); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestReassignOpenTickets_OldestFirst(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()

	// Two tickets queue up while nobody is available.
	first, _, err := r.OpenTicket(ctx, identity.GuestRef(7), "first in line", "")
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	second, _, err := r.OpenTicket(ctx, identity.GuestRef(8), "second in line", "")
	if err != nil {
		t.Fatalf("open second: %v", err)
	}

	// An agent with room for exactly one ticket comes online.
	addAgent(t, r, 21, 1, 0, true)

	n, err := r.ReassignOpenTickets(ctx)
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if n != 1 {
		t.Fatalf("assigned %d tickets, want 1", n)
	}

	got1, err := r.GetTicket(ctx, first.ID)
	if err != nil {
		t.Fatalf("get first: %v", err)
	}
	if got1.Status != StatusInProgress || got1.AgentID == nil || *got1.AgentID != 21 {
		t.Fatalf("oldest ticket not assigned: %+v", got1)
	}

	got2, err := r.GetTicket(ctx, second.ID)
	if err != nil {
		t.Fatalf("get second: %v", err)
	}
	if got2.Status != StatusOpen || got2.AgentID != nil {
		t.Fatalf("newer ticket should stay queued: %+v", got2)
	}

	// The assigned agent joined the ticket's room.
	ok, err := r.rooms.IsMember(ctx, got1.RoomID, identity.User(21))
	if err != nil || !ok {
		t.Fatalf("agent membership missing: ok=%v err=%v", ok, err)
	}
}

func TestCloseTicket_RacingReassignNeverLeaksLoad(t *testing.T) {
	r, db := newTestRouter(t)
	ctx := context.Background()

	// Whatever order close and the reassignment sweep land in, the agent's
	// load must end up equal to their in-progress ticket count.
	for round := 0; round < 50; round++ {
		agentID := uint64(1000 + round)
		requester := identity.GuestRef(uint64(2000 + round))

		ticket, _, err := r.OpenTicket(ctx, requester, "queued", "")
		if err != nil {
			t.Fatalf("round %d open: %v", round, err)
		}
		if ticket.AgentID != nil {
			t.Fatalf("round %d: ticket should start unassigned", round)
		}
		addAgent(t, r, agentID, 1, 0, true)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := r.ReassignOpenTickets(ctx); err != nil {
				t.Errorf("round %d reassign: %v", round, err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := r.CloseTicket(ctx, ticket.ID, requester); err != nil && !errors.Is(err, apperr.ErrInvalidState) {
				t.Errorf("round %d close: %v", round, err)
			}
		}()
		wg.Wait()

		var inProgress int64
		if err := db.Model(&Ticket{}).
			Where("agent_id = ? AND status = ?", agentID, StatusInProgress).
			Count(&inProgress).Error; err != nil {
			t.Fatalf("round %d count: %v", round, err)
		}
		load, err := r.Workload(ctx, agentID)
		if err != nil {
			t.Fatalf("round %d workload: %v", round, err)
		}
		if int64(load) != inProgress {
			t.Fatalf("round %d: load=%d but in-progress tickets=%d", round, load, inProgress)
		}

		// Park the agent so later rounds never pick them up.
		if err := r.SetStatus(ctx, agentID, false); err != nil {
			t.Fatalf("round %d park agent: %v", round, err)
		}
	}
}

func TestReassignOpenTickets_NothingToDo(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()

	addAgent(t, r, 22, 5, 0, true)
	if _, _, err := r.OpenTicket(ctx, identity.GuestRef(9), "handled live", ""); err != nil {
		t.Fatalf("open: %v", err)
	}

	n, err := r.ReassignOpenTickets(ctx)
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if n != 0 {
		t.Fatalf("nothing was queued, assigned %d", n)
	}
}

func TestSelectAgent_UnavailableWhenNobodyEligible(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()

	if _, err := r.SelectAgent(ctx); !errors.Is(err, apperr.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}

	addAgent(t, r, 31, 5, 0, true)
	a, err := r.SelectAgent(ctx)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if a.ID != 31 {
		t.Fatalf("selected %d, want 31", a.ID)
	}
}

func TestSetStatus_UnknownAgent(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()

	if err := r.SetStatus(ctx, 404, true); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	addAgent(t, r, 40, 5, 0, false)
	if err := r.SetStatus(ctx, 40, true); err != nil {
		t.Fatalf("set status: %v", err)
	}
	a, err := r.repo.GetAgent(ctx, 40)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if !a.Online {
		t.Fatalf("agent should be online")
	}
}
