// Package handshake drives contact requests from the first invitation to a
// connected chat.
//
// The state of each connection lives in chat.connection_state, so the
// foreground daemon and a background process see the same machine. Every
// move is a compare-and-swap in the store and is checked against the table
// below first.
package handshake

import (
	"fmt"
	"slices"

	"github.com/phnx-im/air-sub001/internal/store"
)

// State is a connection handshake state.
type State string

const (
	NoContact         State = "NO_CONTACT"
	Invited           State = "INVITED"
	PendingAcceptance State = "PENDING_ACCEPTANCE"
	Connected         State = "CONNECTED"
	Rejected          State = "REJECTED"
	Expired           State = "EXPIRED"
)

// validTransitions defines allowed state transitions. Connected, Rejected
// and Expired are terminal.
var validTransitions = map[State][]State{
	NoContact:         {Invited},
	Invited:           {PendingAcceptance, Rejected, Expired, NoContact},
	PendingAcceptance: {Connected, Rejected, Expired, NoContact},
}

// checkTransition returns an error unless from may move to to.
func checkTransition(from, to State) error {
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

var stored = map[State]string{
	Invited:           store.ConnInvited,
	PendingAcceptance: store.ConnPendingAcceptance,
	Connected:         store.ConnConnected,
	Rejected:          store.ConnRejected,
	Expired:           store.ConnExpired,
}

// column returns the chat.connection_state value for s.
func (s State) column() string { return stored[s] }

// stateOf maps a chat.connection_state value back to a State. An empty or
// unknown value is NoContact.
func stateOf(column string) State {
	for s, c := range stored {
		if c == column {
			return s
		}
	}
	return NoContact
}

// StateChange is the payload for handshake.state_changed events.
type StateChange struct {
	ChatID string
	From   State
	To     State
}
