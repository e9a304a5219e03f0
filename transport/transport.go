// Package transport defines the external collaborators the credential and
// membership core consumes but does not implement: the feed-store log,
// the network swarm carrying Greeting commands, and the secret
// provider/validator hooks a Greeting invitation uses to prove possession of
// an out-of-band shared secret.
package transport

import (
	"context"

	"github.com/partymesh/partymesh/credential"
	"github.com/partymesh/partymesh/keyring"
)

// LogWriter appends a signed message to a party's append-only log.
// Implementations must not consider the write's effects visible to the
// party state machine until the log has acknowledged it.
type LogWriter interface {
	Append(ctx context.Context, partyKey keyring.PublicKey, msg *keyring.SignedMessage) error
}

// LogReader streams a party's log in append order. The channel is closed
// when the reader reaches the end of what it currently has buffered; it
// does not itself signal out-of-order merges across feeds -- that merge
// ordering is the log layer's responsibility.
type LogReader interface {
	Stream(ctx context.Context, partyKey keyring.PublicKey) (<-chan *keyring.SignedMessage, error)
}

// Role distinguishes which side of a Greeting duplex stream a peer is
// playing.
type Role string

const (
	RoleGreeter Role = "greeter"
	RoleInvitee Role = "invitee"
)

// Stream is a single peer's duplex channel for exchanging Greeting
// Commands.
type Stream interface {
	Send(ctx context.Context, cmd *credential.Command) error
	Recv(ctx context.Context) (*credential.Command, error)
	Close() error
}

// Swarm joins a rendezvous swarm identified by swarmKey and returns a
// duplex Stream to the first peer that connects. The initiator passes the
// invitation id as its local peer id so the greeter can recognize which
// invitation a connecting stream belongs to; the greeter side passes the
// id it is serving.
type Swarm interface {
	Join(ctx context.Context, swarmKey []byte, role Role, localPeerID string) (Stream, error)
}

// SecretProvider and SecretValidator are defined in the greeting
// package as greeting.SecretProvider / greeting.SecretValidator, typed
// directly against *greeting.Invitation, since they are created and
// consumed alongside an Invitation and defining them here would force an
// import cycle back into greeting.
