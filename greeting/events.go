package greeting

import (
	"context"

	"github.com/partymesh/partymesh/keyring"
)

// Events are the application-layer hooks a Session invokes as an
// invitation progresses: the protocol state machine never touches party
// storage or transport directly, it only reports what happened.
type Events interface {
	// OnBegan fires once BEGIN materializes the greeter's secret
	// contribution and hands back an auth_nonce.
	OnBegan(ctx context.Context, inv *Invitation) error
	// OnHandshook fires once HANDSHAKE accepts the invitee's secret.
	OnHandshook(ctx context.Context, inv *Invitation) error
	// OnNotarized fires once NOTARIZE has written the greeter-enveloped
	// credentials into the party log and collected hints for them.
	OnNotarized(ctx context.Context, inv *Invitation, copies []*keyring.SignedMessage, hints []Hint) error
	// OnFinished fires once FINISH marks the invitation done; inv.OnFinish
	// (if set) has already run by the time this is called.
	OnFinished(ctx context.Context, inv *Invitation) error
}

// NoopEvents is a default no-op Events implementation.
type NoopEvents struct{}

func (NoopEvents) OnBegan(context.Context, *Invitation) error     { return nil }
func (NoopEvents) OnHandshook(context.Context, *Invitation) error { return nil }
func (NoopEvents) OnNotarized(context.Context, *Invitation, []*keyring.SignedMessage, []Hint) error {
	return nil
}
func (NoopEvents) OnFinished(context.Context, *Invitation) error { return nil }
