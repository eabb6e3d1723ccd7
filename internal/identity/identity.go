package identity

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind distinguishes the participant variants. Agents are authenticated
// users with assignment metadata, so they share KindUser keys.
type Kind string

const (
	KindUser  Kind = "user"
	KindGuest Kind = "guest"
)

// Identity is the value type every membership, message and status row
// references. It is a reference, not a record: durable guest state lives in
// the Guest model, user state in the external auth provider.
type Identity struct {
	Kind Kind   `json:"kind"`
	ID   uint64 `json:"id"`
}

func User(id uint64) Identity { return Identity{Kind: KindUser, ID: id} }
func GuestRef(id uint64) Identity { return Identity{Kind: KindGuest, ID: id} }

func (i Identity) IsZero() bool { return i.Kind == "" && i.ID == 0 }

// Key is the flat form persisted in membership/message rows and used as the
// map key for connection tracking, e.g. "user:42" or "guest:7".
func (i Identity) Key() string {
	return string(i.Kind) + ":" + strconv.FormatUint(i.ID, 10)
}

func ParseKey(s string) (Identity, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Identity{}, fmt.Errorf("malformed identity key %q", s)
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("malformed identity key %q: %w", s, err)
	}
	switch Kind(kind) {
	case KindUser, KindGuest:
		return Identity{Kind: Kind(kind), ID: id}, nil
	}
	return Identity{}, fmt.Errorf("unknown identity kind %q", kind)
}
