package session

import "time"

// Connection is the persisted liveness record for one live client
// connection. Rows are kept after disconnect (active flipped off) for audit;
// the in-memory registry maps are the fan-out truth.
type Connection struct {
	ID             string     `gorm:"primaryKey;size:26" json:"id"` // ULID
	IdentityKey    string     `gorm:"type:varchar(64);index;not null" json:"identity_key"`
	Active         bool       `gorm:"index;not null" json:"active"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

func (Connection) TableName() string { return "live_connections" }
