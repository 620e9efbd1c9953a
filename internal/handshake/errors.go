package handshake

import (
	"errors"
	"fmt"

	"github.com/phnx-im/air-sub001/internal/store"
)

// ErrInvalidInvitation is returned for an invitation missing required
// fields.
var ErrInvalidInvitation = errors.New("invalid invitation")

// IntegrityError means the handshake payload the server returned does not
// match the hashes carried by the invitation. The invitation is discarded.
type IntegrityError struct {
	ChatID string
	Field  string // "connection_offer_hash" or "connection_package_hash"
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("handshake integrity: %s mismatch for chat %s", e.Field, e.ChatID)
}

// DuplicateInvitationError means the sender already has a targeted
// invitation pending.
type DuplicateInvitationError struct {
	Sender store.UserID
}

func (e *DuplicateInvitationError) Error() string {
	return fmt.Sprintf("invitation from %s@%s already pending", e.Sender.UUID, e.Sender.Domain)
}

func (e *DuplicateInvitationError) Unwrap() error { return store.ErrDuplicateTargetedContact }

// StateError is returned when a chat is not in a state the operation
// accepts.
type StateError struct {
	ChatID string
	State  State
	Op     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: chat %s is %s", e.Op, e.ChatID, e.State)
}
