// Package greeting implements the Greeting protocol: a
// multi-round request/response handshake by which an existing party member
// (the "greeter") admits a previously unknown peer (the "invitee") using a
// shared out-of-band secret, culminating in self-signed admission
// credentials written into the party log inside a greeter-signed envelope.
//
// The Session is structured like a connection handler: a single dispatching
// entry point (Session.Handle), an Events hook so the protocol state
// machine never touches party storage or transport directly, and a TTL
// cleanup loop for abandoned invitations.
package greeting

import (
	"crypto/rand"
	"time"

	"github.com/partymesh/partymesh/keyring"
)

// InvitationState is one of the five states a Greeting invitation moves
// through, plus the two side branches (revoked, expired).
type InvitationState string

const (
	StateInitial   InvitationState = "INITIAL"
	StateBegan     InvitationState = "BEGAN"
	StateHandshook InvitationState = "HANDSHOOK"
	StateNotarized InvitationState = "NOTARIZED"
	StateFinished  InvitationState = "FINISHED"
	StateRevoked   InvitationState = "REVOKED"
	StateExpired   InvitationState = "EXPIRED"
)

// SecretValidator reports whether secret is the one the greeter bound to
// inv when it was created.
type SecretValidator func(inv *Invitation, secret []byte) bool

// SecretProvider materializes a side's contribution to the session
// secret; it may block awaiting human input. The greeter's provider runs
// at BEGIN; the initiator's provider runs once it has received the
// auth_nonce from BEGIN's response.
type SecretProvider func(authNonce []byte) ([]byte, error)

// Invitation is the greeter-side ephemeral entity of one greeting: a
// secret-gated session that moves through INITIAL -> BEGAN -> HANDSHOOK ->
// NOTARIZED -> FINISHED, or sideways into REVOKED/EXPIRED.
type Invitation struct {
	ID       string
	PartyKey keyring.PublicKey

	SecretValidator SecretValidator
	SecretProvider  SecretProvider // optional
	OnFinish        func(*Invitation)

	Expiration time.Time // zero means no expiration

	Nonce     []byte // bound at creation; every admitted credential must echo it
	AuthNonce []byte // bound at BEGIN

	State InvitationState

	Began     time.Time
	Handshook time.Time
	Notarized time.Time
	Finished  time.Time
	Revoked   time.Time

	// credentials accumulates the self-signed messages accepted at
	// NOTARIZE, so a later diagnostic can inspect what was admitted.
	credentials []*keyring.SignedMessage
}

// InvitationOpts configures the optional fields of a new Invitation.
type InvitationOpts struct {
	SecretProvider SecretProvider
	OnFinish       func(*Invitation)
	Expiration     time.Time
}

func newInvitation(id string, partyKey keyring.PublicKey, validator SecretValidator, opts InvitationOpts) (*Invitation, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return &Invitation{
		ID:              id,
		PartyKey:        partyKey,
		SecretValidator: validator,
		SecretProvider:  opts.SecretProvider,
		OnFinish:        opts.OnFinish,
		Expiration:      opts.Expiration,
		Nonce:           nonce,
		State:           StateInitial,
	}, nil
}

// expired reports whether now is past inv's expiration; an invitation with
// a zero Expiration never expires on its own (it still ends at FINISH or
// explicit Revoke).
func (inv *Invitation) expired(now time.Time) bool {
	if inv.Expiration.IsZero() {
		return false
	}
	return now.After(inv.Expiration)
}

// Live reports whether inv can still accept commands: not finished, not
// revoked, and not expired.
func (inv *Invitation) Live(now time.Time) bool {
	if inv.State == StateFinished || inv.State == StateRevoked {
		return false
	}
	return !inv.expired(now)
}
