package message

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

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
	if err := db.AutoMigrate(&room.Room{}, &room.Membership{}, &Message{}, &Status{}, &Reaction{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type fakeConns struct {
	online map[string][]string // identity key -> connection ids
}

func (f *fakeConns) ConnectionsFor(key string) []string { return f.online[key] }
func (f *fakeConns) Online(key string) bool             { return len(f.online[key]) > 0 }

type recordingSink struct {
	mu     sync.Mutex
	events []hub.Event
}

func (s *recordingSink) Deliver(ev hub.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) byType(eventType string) []hub.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []hub.Event
	for _, ev := range s.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	db       *gorm.DB
	rooms    *room.Service
	pipeline *Pipeline
	hub      *hub.Hub
	conns    *fakeConns
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := openTestDB(t)
	rooms := room.NewService(room.NewRepo(db), nil)
	conns := &fakeConns{online: map[string][]string{}}
	h := hub.New()
	pipeline := NewPipeline(NewRepo(db), rooms, conns, h, nil, 0)
	return &fixture{db: db, rooms: rooms, pipeline: pipeline, hub: h, conns: conns}
}

func (f *fixture) connect(t *testing.T, who identity.Identity, connID string, roomIDs ...uint64) *recordingSink {
	t.Helper()
	sink := &recordingSink{}
	f.hub.Register(connID, sink)
	for _, roomID := range roomIDs {
		f.hub.Join(roomID, connID)
	}
	f.conns.online[who.Key()] = append(f.conns.online[who.Key()], connID)
	return sink
}

func TestSend_InterleavedRoomsKeepAscendingOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice, bob := identity.User(1), identity.User(2)
	r1, err := f.rooms.Create(ctx, "r1", true, room.KindDirect, alice, bob)
	if err != nil {
		t.Fatalf("create r1: %v", err)
	}
	r2, err := f.rooms.Create(ctx, "r2", true, room.KindDirect, alice, bob)
	if err != nil {
		t.Fatalf("create r2: %v", err)
	}

	watcher1 := f.connect(t, bob, "conn-b1", r1.ID)
	watcher2 := f.connect(t, bob, "conn-b2", r2.ID)

	// Interleave sends across the two rooms.
	for i, roomID := range []uint64{r1.ID, r2.ID, r1.ID, r2.ID, r1.ID, r2.ID} {
		if _, err := f.pipeline.Send(ctx, roomID, &alice, fmt.Sprintf("msg %d", i), TypeText, "", nil); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	check := func(sink *recordingSink, roomID uint64) {
		t.Helper()
		events := sink.byType(hub.EventMessageCreated)
		if len(events) != 3 {
			t.Fatalf("room %d: expected 3 messages, got %d", roomID, len(events))
		}
		var lastID uint64
		for _, ev := range events {
			m := ev.Payload.(*Message)
			if m.RoomID != roomID {
				t.Fatalf("room %d observed message from room %d", roomID, m.RoomID)
			}
			if m.ID <= lastID {
				t.Fatalf("room %d: ids not strictly ascending: %d after %d", roomID, m.ID, lastID)
			}
			lastID = m.ID
		}
	}
	check(watcher1, r1.ID)
	check(watcher2, r2.ID)
}

func TestSend_NonMemberIsForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice, mallory := identity.User(1), identity.User(3)
	rm, err := f.rooms.Create(ctx, "private", false, room.KindDirect, alice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = f.pipeline.Send(ctx, rm.ID, &mallory, "hi", TypeText, "", nil)
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestSend_SupportRoomSkipsMembershipCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	guest := identity.GuestRef(7)
	rm, err := f.rooms.Create(ctx, "support", false, room.KindSupport)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := f.pipeline.Send(ctx, rm.ID, &guest, "help", TypeText, "", nil); err != nil {
		t.Fatalf("guest send to support room: %v", err)
	}
}

func TestSend_ReplyValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := identity.User(1)
	r1, err := f.rooms.Create(ctx, "r1", true, room.KindDirect, alice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	r2, err := f.rooms.Create(ctx, "r2", true, room.KindDirect, alice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	parent, err := f.pipeline.Send(ctx, r1.ID, &alice, "parent", TypeText, "", nil)
	if err != nil {
		t.Fatalf("send parent: %v", err)
	}

	// Reply to an earlier message in the same room is fine.
	reply, err := f.pipeline.Send(ctx, r1.ID, &alice, "child", TypeText, "", &parent.ID)
	if err != nil {
		t.Fatalf("send reply: %v", err)
	}
	if reply.ReplyToMessageID == nil || *reply.ReplyToMessageID != parent.ID {
		t.Fatalf("reply link missing")
	}

	// Cross-room reply targets are rejected.
	if _, err := f.pipeline.Send(ctx, r2.ID, &alice, "bad", TypeText, "", &parent.ID); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}

	// Replying to a message that does not exist yet is rejected.
	missing := parent.ID + 1000
	if _, err := f.pipeline.Send(ctx, r1.ID, &alice, "bad", TypeText, "", &missing); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestReact_ToggleAndReplaceSemantics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice, bob := identity.User(1), identity.User(2)
	rm, err := f.rooms.Create(ctx, "r", false, room.KindDirect, alice, bob)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m, err := f.pipeline.Send(ctx, rm.ID, &alice, "hello", TypeText, "", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	res, err := f.pipeline.React(ctx, m.ID, bob, "👍")
	if err != nil || res != ReactAdded {
		t.Fatalf("first react: res=%s err=%v", res, err)
	}

	// Different emoji replaces, never stacks.
	res, err = f.pipeline.React(ctx, m.ID, bob, "❤️")
	if err != nil || res != ReactAdded {
		t.Fatalf("replace react: res=%s err=%v", res, err)
	}
	reactions, err := f.pipeline.Reactions(ctx, m.ID)
	if err != nil {
		t.Fatalf("list reactions: %v", err)
	}
	if len(reactions) != 1 || reactions[0].Emoji != "❤️" {
		t.Fatalf("expected single replaced reaction, got %+v", reactions)
	}

	// Same emoji toggles off.
	res, err = f.pipeline.React(ctx, m.ID, bob, "❤️")
	if err != nil || res != ReactRemoved {
		t.Fatalf("toggle react: res=%s err=%v", res, err)
	}
	reactions, err = f.pipeline.Reactions(ctx, m.ID)
	if err != nil {
		t.Fatalf("list reactions: %v", err)
	}
	if len(reactions) != 0 {
		t.Fatalf("expected no reactions after toggle, got %+v", reactions)
	}
}

func TestReact_TwiceEqualsNoReaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := identity.User(1)
	rm, err := f.rooms.Create(ctx, "r", true, room.KindDirect, alice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m, err := f.pipeline.Send(ctx, rm.ID, &alice, "hello", TypeText, "", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := f.pipeline.React(ctx, m.ID, alice, "🎉"); err != nil {
			t.Fatalf("react %d: %v", i, err)
		}
	}
	reactions, err := f.pipeline.Reactions(ctx, m.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(reactions) != 0 {
		t.Fatalf("double toggle should leave nothing, got %+v", reactions)
	}
}

func TestEdit_OnlySenderMayEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice, bob := identity.User(1), identity.User(2)
	rm, err := f.rooms.Create(ctx, "r", false, room.KindDirect, alice, bob)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m, err := f.pipeline.Send(ctx, rm.ID, &alice, "original", TypeText, "", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := f.pipeline.Edit(ctx, m.ID, bob, "hijacked"); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	edited, err := f.pipeline.Edit(ctx, m.ID, alice, "fixed")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if !edited.IsEdited || edited.Content != "fixed" || edited.EditedAt == nil {
		t.Fatalf("edit flags not set: %+v", edited)
	}
}

func TestEditThenDelete_DeletedStateWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice, bob := identity.User(1), identity.User(2)
	rm, err := f.rooms.Create(ctx, "r", false, room.KindDirect, alice, bob)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	watcher := f.connect(t, bob, "conn-b", rm.ID)

	m, err := f.pipeline.Send(ctx, rm.ID, &alice, "v1", TypeText, "", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := f.pipeline.Edit(ctx, m.ID, alice, "v2"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := f.pipeline.Delete(ctx, m.ID, alice); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// The final broadcast is a deletion event, distinct from the update.
	watcher.mu.Lock()
	last := watcher.events[len(watcher.events)-1]
	watcher.mu.Unlock()
	if last.Type != hub.EventMessageDeleted {
		t.Fatalf("expected deletion broadcast last, got %s", last.Type)
	}

	got, err := f.pipeline.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsDeleted {
		t.Fatalf("expected soft-deleted message")
	}
	// Content survives physically for reply-preview integrity.
	if got.Content != "v2" {
		t.Fatalf("content should remain stored, got %q", got.Content)
	}

	// A deleted message can no longer be edited.
	if _, err := f.pipeline.Edit(ctx, m.ID, alice, "v3"); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestDelete_OnlySenderMayDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice, bob := identity.User(1), identity.User(2)
	rm, err := f.rooms.Create(ctx, "r", false, room.KindDirect, alice, bob)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m, err := f.pipeline.Send(ctx, rm.ID, &alice, "mine", TypeText, "", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := f.pipeline.Delete(ctx, m.ID, bob); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestMarkRead_ReceiptGoesToSenderOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice, bob, carol := identity.User(1), identity.User(2), identity.User(3)
	rm, err := f.rooms.Create(ctx, "r", true, room.KindDirect, alice, bob, carol)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	senderSink := f.connect(t, alice, "conn-a", rm.ID)
	bystander := f.connect(t, carol, "conn-c", rm.ID)

	m, err := f.pipeline.Send(ctx, rm.ID, &alice, "read me", TypeText, "", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := f.pipeline.MarkRead(ctx, rm.ID, m.ID, bob); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	if got := senderSink.byType(hub.EventMessageRead); len(got) != 1 {
		t.Fatalf("sender expected 1 receipt, got %d", len(got))
	}
	if got := bystander.byType(hub.EventMessageRead); len(got) != 0 {
		t.Fatalf("receipts must not leak to uninvolved members, got %d", len(got))
	}

	// Reading your own message produces no receipt.
	if err := f.pipeline.MarkRead(ctx, rm.ID, m.ID, alice); err != nil {
		t.Fatalf("self mark read: %v", err)
	}
	if got := senderSink.byType(hub.EventMessageRead); len(got) != 1 {
		t.Fatalf("self-read must not emit a receipt")
	}
}

func TestMarkRead_WrongRoomIsInvalidState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := identity.User(1)
	r1, err := f.rooms.Create(ctx, "r1", true, room.KindDirect, alice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	r2, err := f.rooms.Create(ctx, "r2", true, room.KindDirect, alice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m, err := f.pipeline.Send(ctx, r1.ID, &alice, "here", TypeText, "", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := f.pipeline.MarkRead(ctx, r2.ID, m.ID, alice); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestMarkRead_UpsertsSingleStatusRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice, bob := identity.User(1), identity.User(2)
	rm, err := f.rooms.Create(ctx, "r", false, room.KindDirect, alice, bob)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m, err := f.pipeline.Send(ctx, rm.ID, &alice, "again", TypeText, "", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := f.pipeline.MarkRead(ctx, rm.ID, m.ID, bob); err != nil {
			t.Fatalf("mark read %d: %v", i, err)
		}
	}

	var n int64
	if err := f.db.Model(&Status{}).
		Where("message_id = ? AND reader_key = ?", m.ID, bob.Key()).
		Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one status row per reader per message, got %d", n)
	}
}

func TestSend_BumpsRoomActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := identity.User(1)
	rm, err := f.rooms.Create(ctx, "r", true, room.KindDirect, alice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.pipeline.Send(ctx, rm.ID, &alice, "tick", TypeText, "", nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	// The bump is asynchronous; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := f.rooms.Get(ctx, rm.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.LastMessageAt != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("room activity never bumped")
}
