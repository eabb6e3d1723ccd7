// Package apperr defines the error taxonomy shared by the communication core.
// Handlers map these to HTTP statuses; services return them wrapped with
// context via fmt.Errorf("...: %w", ...) so errors.Is keeps working.
package apperr

import "errors"

var (
	// ErrNotFound: room, message, ticket or agent does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden: actor lacks membership or authorship for the attempted mutation.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidState: the operation references entities in an inconsistent
	// combination, e.g. marking read with a message from a different room.
	ErrInvalidState = errors.New("invalid state")

	// ErrUnavailable: no eligible agent at ticket-creation time. Not a failure;
	// callers create the ticket in Open status instead.
	ErrUnavailable = errors.New("no agent available")

	// ErrConflict: a concurrent load increment raced us out of an agent.
	// Internal retry signal only, never surfaced to API callers.
	ErrConflict = errors.New("conflict")
)
