// Package party implements the PartyState machine: it ingests
// an ordered stream of signed credential messages and builds a trusted
// membership set of keys and feeds, enforcing start-of-authority,
// signature, and provenance invariants.
//
// To keep the event graph acyclic, the
// InvitationRegistry is held by PartyState as a plain value, never a
// back-reference, and external listeners subscribe through a typed,
// non-owning Observer function -- never a strong cyclic handle.
package party

import "github.com/partymesh/partymesh/keyring"

// EventKind tags the variant of a party Event.
type EventKind string

const (
	EventAdmitKey            EventKind = "admit:key"
	EventAdmitFeed           EventKind = "admit:feed"
	EventUpdateKey           EventKind = "update:key"
	EventIdentityInfoUpdated EventKind = "update:identity"
	// EventReplayFailed reports a queued out-of-order dispatch that failed
	// when the pending queue drained it. The failure has no ProcessMessage
	// caller to return to, so observers are the delivery path; Err carries
	// the failure, and a fatal Err is also latched for FatalError.
	EventReplayFailed EventKind = "replay:failed"
)

// Event is the typed sum of party observer notifications. Err is set only
// for EventReplayFailed.
type Event struct {
	Kind       EventKind
	Key        keyring.PublicKey
	Record     keyring.KeyRecord
	AdmittedBy keyring.PublicKey
	Err        error
}

// Observer receives Events in the order their triggering messages
// committed.
type Observer func(Event)
