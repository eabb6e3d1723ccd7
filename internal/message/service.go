package message

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lawdesk/chatcore/internal/apperr"
	"github.com/lawdesk/chatcore/internal/hub"
	"github.com/lawdesk/chatcore/internal/identity"
	"github.com/lawdesk/chatcore/internal/notify"
	"github.com/lawdesk/chatcore/internal/room"
)

// Conns exposes the live-connection view the pipeline needs for
// sender-directed receipts and offline detection.
type Conns interface {
	ConnectionsFor(key string) []string
	Online(key string) bool
}

// ReactResult reports what a React toggle did.
type ReactResult string

const (
	ReactAdded   ReactResult = "added"
	ReactRemoved ReactResult = "removed"
)

// Pipeline validates, persists and fans out chat messages. Within one room,
// ordering is carried by the store's ascending ids; fan-out never reorders.
type Pipeline struct {
	repo     *Repo
	rooms    *room.Service
	conns    Conns
	hub      hub.Broadcaster
	notifier notify.Dispatcher

	maxContentLen int
}

func NewPipeline(repo *Repo, rooms *room.Service, conns Conns, b hub.Broadcaster, notifier notify.Dispatcher, maxContentLen int) *Pipeline {
	if maxContentLen <= 0 {
		maxContentLen = 8192
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Pipeline{
		repo:          repo,
		rooms:         rooms,
		conns:         conns,
		hub:           b,
		notifier:      notifier,
		maxContentLen: maxContentLen,
	}
}

// Send persists the message, fans it out to every live connection of every
// member, then bumps the room's activity watermark asynchronously. Sender nil
// means an anonymous/system origin.
func (p *Pipeline) Send(ctx context.Context, roomID uint64, sender *identity.Identity, content string, typ Type, attachmentURL string, replyTo *uint64) (*Message, error) {
	rm, err := p.rooms.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}

	if typ == "" {
		typ = TypeText
	}
	if content == "" && attachmentURL == "" {
		return nil, fmt.Errorf("empty message: %w", apperr.ErrInvalidState)
	}
	if len(content) > p.maxContentLen {
		return nil, fmt.Errorf("content exceeds %d bytes: %w", p.maxContentLen, apperr.ErrInvalidState)
	}

	// Support rooms admit their requester without a membership row check;
	// everywhere else the sender must already be a member.
	if sender != nil && rm.Kind != room.KindSupport {
		member, err := p.rooms.IsMember(ctx, roomID, *sender)
		if err != nil {
			return nil, err
		}
		if !member {
			return nil, fmt.Errorf("sender %s not in room %d: %w", sender.Key(), roomID, apperr.ErrForbidden)
		}
	}

	if replyTo != nil {
		target, err := p.repo.Get(ctx, *replyTo)
		if IsNotFound(err) {
			return nil, fmt.Errorf("reply target %d: %w", *replyTo, apperr.ErrInvalidState)
		}
		if err != nil {
			return nil, err
		}
		if target.RoomID != roomID {
			return nil, fmt.Errorf("reply target %d is in another room: %w", *replyTo, apperr.ErrInvalidState)
		}
	}

	m := &Message{
		RoomID:           roomID,
		Type:             typ,
		Content:          content,
		AttachmentURL:    attachmentURL,
		ReplyToMessageID: replyTo,
		CreatedAt:        time.Now(),
	}
	if sender != nil {
		key := sender.Key()
		m.SenderKey = &key
	}
	if err := p.repo.Insert(ctx, m); err != nil {
		return nil, err
	}

	p.hub.Publish(roomID, hub.Event{
		Type:    hub.EventMessageCreated,
		RoomID:  roomID,
		At:      m.CreatedAt,
		Payload: m,
	})

	p.notifyOffline(ctx, rm, m)

	// Activity bump is ordering metadata for room lists, not part of the
	// send's success; it runs after the caller gets its answer.
	go func() {
		bctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.rooms.TouchActivity(bctx, roomID, m.CreatedAt); err != nil {
			log.Printf("[MessagePipeline] activity bump failed room=%d err=%v", roomID, err)
			return
		}
		p.hub.Publish(roomID, hub.Event{
			Type:   hub.EventRoomUpdated,
			RoomID: roomID,
			At:     m.CreatedAt,
			Payload: map[string]any{
				"last_message_at": m.CreatedAt,
			},
		})
	}()

	return m, nil
}

func (p *Pipeline) notifyOffline(ctx context.Context, rm *room.Room, m *Message) {
	members, err := p.rooms.Members(ctx, rm.ID)
	if err != nil {
		log.Printf("[MessagePipeline] member lookup failed room=%d err=%v", rm.ID, err)
		return
	}
	for _, member := range members {
		if m.SenderKey != nil && member.IdentityKey == *m.SenderKey {
			continue
		}
		if member.Muted || p.conns.Online(member.IdentityKey) {
			continue
		}
		p.notifier.Dispatch(ctx, notify.Event{
			Kind:         notify.KindMessageArrived,
			RoomID:       rm.ID,
			MessageID:    m.ID,
			RecipientKey: member.IdentityKey,
		})
	}
}

// Edit replaces the content. Only the original sender may edit; deleted
// messages stay deleted.
func (p *Pipeline) Edit(ctx context.Context, messageID uint64, editor identity.Identity, newContent string) (*Message, error) {
	m, err := p.repo.Get(ctx, messageID)
	if IsNotFound(err) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if m.SenderKey == nil || *m.SenderKey != editor.Key() {
		return nil, fmt.Errorf("editor %s is not the sender: %w", editor.Key(), apperr.ErrForbidden)
	}
	if m.IsDeleted {
		return nil, fmt.Errorf("message %d is deleted: %w", messageID, apperr.ErrInvalidState)
	}
	if newContent == "" || len(newContent) > p.maxContentLen {
		return nil, fmt.Errorf("bad content length: %w", apperr.ErrInvalidState)
	}

	now := time.Now()
	if err := p.repo.MarkEdited(ctx, messageID, newContent, now); err != nil {
		return nil, err
	}
	m.Content = newContent
	m.IsEdited = true
	m.EditedAt = &now

	p.hub.Publish(m.RoomID, hub.Event{
		Type:    hub.EventMessageUpdated,
		RoomID:  m.RoomID,
		At:      now,
		Payload: m,
	})
	return m, nil
}

// Delete soft-deletes and broadcasts a deletion event distinct from a
// content update, so clients render a redacted placeholder in place.
func (p *Pipeline) Delete(ctx context.Context, messageID uint64, actor identity.Identity) error {
	m, err := p.repo.Get(ctx, messageID)
	if IsNotFound(err) {
		return apperr.ErrNotFound
	}
	if err != nil {
		return err
	}
	if m.SenderKey == nil || *m.SenderKey != actor.Key() {
		return fmt.Errorf("actor %s is not the sender: %w", actor.Key(), apperr.ErrForbidden)
	}
	if m.IsDeleted {
		return nil
	}

	if err := p.repo.MarkDeleted(ctx, messageID); err != nil {
		return err
	}

	p.hub.Publish(m.RoomID, hub.Event{
		Type:   hub.EventMessageDeleted,
		RoomID: m.RoomID,
		At:     time.Now(),
		Payload: map[string]any{
			"message_id": messageID,
		},
	})
	return nil
}

// React toggles the identity's reaction on a message. Same emoji removes it,
// a different emoji replaces it. Broadcasts the delta, not the full list.
func (p *Pipeline) React(ctx context.Context, messageID uint64, who identity.Identity, emoji string) (ReactResult, error) {
	if emoji == "" {
		return "", fmt.Errorf("empty emoji: %w", apperr.ErrInvalidState)
	}
	m, err := p.repo.Get(ctx, messageID)
	if IsNotFound(err) {
		return "", apperr.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if m.IsDeleted {
		return "", fmt.Errorf("message %d is deleted: %w", messageID, apperr.ErrInvalidState)
	}

	existing, err := p.repo.GetReaction(ctx, messageID, who.Key())
	switch {
	case IsNotFound(err):
		if err := p.repo.CreateReaction(ctx, &Reaction{
			MessageID:  messageID,
			ReactorKey: who.Key(),
			Emoji:      emoji,
			CreatedAt:  time.Now(),
		}); err != nil {
			return "", err
		}
		p.publishReaction(m, who, "add", emoji, "")
		return ReactAdded, nil

	case err != nil:
		return "", err

	case existing.Emoji == emoji:
		if err := p.repo.DeleteReaction(ctx, existing.ID); err != nil {
			return "", err
		}
		p.publishReaction(m, who, "remove", emoji, "")
		return ReactRemoved, nil

	default:
		if err := p.repo.UpdateReactionEmoji(ctx, existing.ID, emoji); err != nil {
			return "", err
		}
		p.publishReaction(m, who, "replace", emoji, existing.Emoji)
		return ReactAdded, nil
	}
}

func (p *Pipeline) publishReaction(m *Message, who identity.Identity, op, emoji, previous string) {
	payload := map[string]any{
		"message_id": m.ID,
		"identity":   who,
		"op":         op,
		"emoji":      emoji,
	}
	if previous != "" {
		payload["previous_emoji"] = previous
	}
	p.hub.Publish(m.RoomID, hub.Event{
		Type:    hub.EventReactionChanged,
		RoomID:  m.RoomID,
		At:      time.Now(),
		Payload: payload,
	})
}

// MarkRead upserts the reader's status row, advances the room cursor and
// notifies the sender's connections. Receipts are sender-directed, never
// broadcast to the room.
func (p *Pipeline) MarkRead(ctx context.Context, roomID, messageID uint64, reader identity.Identity) error {
	m, err := p.repo.Get(ctx, messageID)
	if IsNotFound(err) {
		return apperr.ErrNotFound
	}
	if err != nil {
		return err
	}
	if m.RoomID != roomID {
		return fmt.Errorf("message %d is not in room %d: %w", messageID, roomID, apperr.ErrInvalidState)
	}

	now := time.Now()
	if err := p.repo.UpsertStatus(ctx, &Status{
		MessageID: messageID,
		ReaderKey: reader.Key(),
		State:     StateRead,
		StatusAt:  now,
	}); err != nil {
		return err
	}

	if _, err := p.rooms.MarkRead(ctx, roomID, reader, messageID); err != nil {
		return err
	}

	if m.SenderKey != nil && *m.SenderKey != reader.Key() {
		p.hub.PublishTo(hub.Event{
			Type:   hub.EventMessageRead,
			RoomID: roomID,
			At:     now,
			Payload: map[string]any{
				"message_id": messageID,
				"reader":     reader,
			},
		}, p.conns.ConnectionsFor(*m.SenderKey)...)
	}
	return nil
}

// List returns the room's messages in ascending id order.
func (p *Pipeline) List(ctx context.Context, roomID uint64, afterID uint64, limit int) ([]Message, error) {
	if _, err := p.rooms.Get(ctx, roomID); err != nil {
		return nil, err
	}
	return p.repo.ListByRoom(ctx, roomID, afterID, limit)
}

func (p *Pipeline) Get(ctx context.Context, messageID uint64) (*Message, error) {
	m, err := p.repo.Get(ctx, messageID)
	if IsNotFound(err) {
		return nil, apperr.ErrNotFound
	}
	return m, err
}

func (p *Pipeline) Reactions(ctx context.Context, messageID uint64) ([]Reaction, error) {
	return p.repo.ListReactions(ctx, messageID)
}
