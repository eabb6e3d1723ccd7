// Package notify is the fire-and-forget hook the core calls when something
// happened that an offline party should hear about. Delivery mechanics
// (email, SMS, push) live behind the queue, outside the core.
package notify

import "context"

type Kind string

const (
	KindTicketCreated  Kind = "ticket.created"
	KindTicketAssigned Kind = "ticket.assigned"
	KindMessageArrived Kind = "message.arrived" // message for an offline recipient
)

type Event struct {
	ID           string `json:"id"`
	Kind         Kind   `json:"kind"`
	RoomID       uint64 `json:"room_id,omitempty"`
	MessageID    uint64 `json:"message_id,omitempty"`
	TicketID     uint64 `json:"ticket_id,omitempty"`
	AgentID      uint64 `json:"agent_id,omitempty"`
	RecipientKey string `json:"recipient_key,omitempty"`
}

// Dispatcher implementations must not block the caller on delivery and must
// never return an error that aborts the triggering operation.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event)
}

// Nop drops every event; used in tests and when no queue is configured.
type Nop struct{}

func (Nop) Dispatch(ctx context.Context, ev Event) {}
