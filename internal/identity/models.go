package identity

import "time"

// Guest is the durable record of an unauthenticated visitor, keyed by an
// opaque session token. Same token always resolves to the same row.
type Guest struct {
	ID           uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionToken string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"-"`
	Name         string     `gorm:"type:varchar(128)" json:"name"`
	Email        string     `gorm:"type:varchar(128)" json:"email"`
	Phone        string     `gorm:"type:varchar(32)" json:"phone"`
	LastActiveAt time.Time  `gorm:"index;not null" json:"last_active_at"`
	ExpiredAt    *time.Time `gorm:"index" json:"expired_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (Guest) TableName() string { return "guest_identities" }

func (g *Guest) Identity() Identity { return GuestRef(g.ID) }

// ContactHints are the optional visitor-supplied contact fields. Enrichment
// is first-write-wins: a later hint never overwrites a non-empty value.
type ContactHints struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

func (h ContactHints) Empty() bool { return h.Name == "" && h.Email == "" && h.Phone == "" }
