package support

import "time"

// Agent is an authenticated user eligible for ticket assignment. CurrentLoad
// is mutated only through the guarded claim/release SQL, never read-then-set.
type Agent struct {
	ID          uint64    `gorm:"primaryKey" json:"id"` // authenticated user id
	DisplayName string    `gorm:"type:varchar(128)" json:"display_name"`
	Capacity    int       `gorm:"not null;default:5" json:"capacity"`
	CurrentLoad int       `gorm:"not null;default:0" json:"current_load"`
	Online      bool      `gorm:"not null;index" json:"online"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Agent) TableName() string { return "support_agents" }

type TicketStatus string

const (
	StatusOpen       TicketStatus = "open"        // created with no agent available
	StatusInProgress TicketStatus = "in_progress" // assigned to an agent
	StatusClosed     TicketStatus = "closed"
)

// Ticket is the support-request lifecycle object, 1:1 with its room.
// Open --assign--> InProgress --close--> Closed.
type Ticket struct {
	ID           uint64       `gorm:"primaryKey;autoIncrement" json:"id"`
	RoomID       uint64       `gorm:"not null;uniqueIndex" json:"room_id"`
	RequesterKey string       `gorm:"type:varchar(64);not null;index" json:"requester_key"`
	AgentID      *uint64      `gorm:"index" json:"agent_id,omitempty"`
	Status       TicketStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	Subject      string       `gorm:"type:varchar(255)" json:"subject"`
	ClosedAt     *time.Time   `json:"closed_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func (Ticket) TableName() string { return "support_tickets" }
