package greeting

import (
	"context"

	"github.com/partymesh/partymesh/credential"
	"github.com/partymesh/partymesh/keyring"
	"github.com/partymesh/partymesh/party"
	"github.com/partymesh/partymesh/transport"
)

// Initiator drives the invitee side of a Greeting exchange over a
// transport.Stream: it sends BEGIN/HANDSHAKE/NOTARIZE/FINISH in order,
// builds the credentials NOTARIZE carries, and installs the hints it gets
// back into a fresh PartyState.
type Initiator struct {
	kr    *keyring.Keyring
	swarm transport.Swarm
}

// NewInitiator wraps the keyring the invitee signs credentials with and the
// swarm used to reach the greeter.
func NewInitiator(kr *keyring.Keyring, swarm transport.Swarm) *Initiator {
	return &Initiator{kr: kr, swarm: swarm}
}

// MembershipResult is what a successful greeting exchange returns: a
// PartyState pre-populated with the greeter's hints, ready to receive the
// log replay that will eventually confirm them.
type MembershipResult struct {
	PartyKey keyring.PublicKey
	State    *party.PartyState
	Copies   []*keyring.SignedMessage
}

// JoinParty runs a party-membership greeting: the invitee presents a
// self-signed KeyAdmit for its identity key plus a self-signed FeedAdmit
// for a freshly generated writable feed, both bound to the handshake
// nonce. The greeter's envelope signature supplies the admitting
// authority.
func (ini *Initiator) JoinParty(ctx context.Context, swarmKey []byte, invitationID string, provider SecretProvider, partyKey, identityKey, feedKey keyring.PublicKey) (*MembershipResult, error) {
	return ini.run(ctx, swarmKey, invitationID, provider, partyKey, func(nonce []byte) ([]*keyring.SignedMessage, error) {
		kaPayload, err := credential.EncodePartyCredential(&credential.PartyCredential{
			Type:     credential.TypeKeyAdmit,
			KeyAdmit: &credential.KeyAdmit{PartyKey: partyKey, AdmitKey: identityKey, AdmitKeyType: keyring.KeyTypeIdentity},
		})
		if err != nil {
			return nil, err
		}
		keyAdmitMsg, err := ini.kr.Sign(kaPayload, []keyring.Signer{{PublicKey: identityKey}}, keyring.SignOpts{Nonce: nonce})
		if err != nil {
			return nil, err
		}
		faPayload, err := credential.EncodePartyCredential(&credential.PartyCredential{
			Type:      credential.TypeFeedAdmit,
			FeedAdmit: &credential.FeedAdmit{PartyKey: partyKey, FeedKey: feedKey},
		})
		if err != nil {
			return nil, err
		}
		feedAdmitMsg, err := ini.kr.Sign(faPayload, []keyring.Signer{{PublicKey: feedKey}}, keyring.SignOpts{Nonce: nonce})
		if err != nil {
			return nil, err
		}
		return []*keyring.SignedMessage{keyAdmitMsg, feedAdmitMsg}, nil
	})
}

// JoinDevice runs a device greeting (adding a
// new device key to one's own identity): a self-signed KeyAdmit for the
// device key plus a self-signed FeedAdmit.
func (ini *Initiator) JoinDevice(ctx context.Context, swarmKey []byte, invitationID string, provider SecretProvider, partyKey, deviceKey keyring.PublicKey, deviceKeyType keyring.KeyType, feedKey keyring.PublicKey) (*MembershipResult, error) {
	return ini.run(ctx, swarmKey, invitationID, provider, partyKey, func(nonce []byte) ([]*keyring.SignedMessage, error) {
		kaPayload, err := credential.EncodePartyCredential(&credential.PartyCredential{
			Type:     credential.TypeKeyAdmit,
			KeyAdmit: &credential.KeyAdmit{PartyKey: partyKey, AdmitKey: deviceKey, AdmitKeyType: deviceKeyType},
		})
		if err != nil {
			return nil, err
		}
		keyAdmitMsg, err := ini.kr.Sign(kaPayload, []keyring.Signer{{PublicKey: deviceKey}}, keyring.SignOpts{Nonce: nonce})
		if err != nil {
			return nil, err
		}
		faPayload, err := credential.EncodePartyCredential(&credential.PartyCredential{
			Type:      credential.TypeFeedAdmit,
			FeedAdmit: &credential.FeedAdmit{PartyKey: partyKey, FeedKey: feedKey},
		})
		if err != nil {
			return nil, err
		}
		feedAdmitMsg, err := ini.kr.Sign(faPayload, []keyring.Signer{{PublicKey: feedKey}}, keyring.SignOpts{Nonce: nonce})
		if err != nil {
			return nil, err
		}
		return []*keyring.SignedMessage{keyAdmitMsg, feedAdmitMsg}, nil
	})
}

// run carries out the exchange common to both greeting shapes: join
// the swarm under invitationID, BEGIN, answer the auth_nonce with the
// caller's secret_provider, HANDSHAKE, build credentials bound to the
// handshake nonce via buildCredentials, NOTARIZE, install the returned
// hints into a fresh PartyState, then FINISH.
func (ini *Initiator) run(ctx context.Context, swarmKey []byte, invitationID string, provider SecretProvider, partyKey keyring.PublicKey, buildCredentials func(nonce []byte) ([]*keyring.SignedMessage, error)) (*MembershipResult, error) {
	stream, err := ini.swarm.Join(ctx, swarmKey, transport.RoleInvitee, invitationID)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	if err := stream.Send(ctx, &credential.Command{Command: credential.CmdBegin}); err != nil {
		return nil, err
	}
	beginResp, err := stream.Recv(ctx)
	if err != nil {
		return nil, err
	}
	authNonce := beginResp.Secret

	secret, err := provider(authNonce)
	if err != nil {
		return nil, err
	}
	if err := stream.Send(ctx, &credential.Command{Command: credential.CmdHandshake, Secret: secret}); err != nil {
		return nil, err
	}
	handshakeResp, err := stream.Recv(ctx)
	if err != nil {
		return nil, err
	}
	nonce := handshakeResp.Secret

	params, err := buildCredentials(nonce)
	if err != nil {
		return nil, err
	}
	if err := stream.Send(ctx, &credential.Command{Command: credential.CmdNotarize, Secret: secret, Params: params}); err != nil {
		return nil, err
	}
	notarizeResp, err := stream.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if len(notarizeResp.Params) == 0 {
		return nil, ErrMissingParams
	}
	copies := notarizeResp.Params[:len(notarizeResp.Params)-1]
	hints, err := decodeHints(notarizeResp.Params[len(notarizeResp.Params)-1])
	if err != nil {
		return nil, err
	}

	ps := party.New(partyKey)
	if err := ps.TakeHints(hints); err != nil {
		return nil, err
	}

	if err := stream.Send(ctx, &credential.Command{Command: credential.CmdFinish}); err != nil {
		return nil, err
	}

	return &MembershipResult{PartyKey: partyKey, State: ps, Copies: copies}, nil
}

// Claim drives the offline claim channel: it presents claimMsg (an
// Auth-style message binding claimantKey to the written invitation's
// invitee_key) over the claim swarm, and gets back a fresh interactive
// invitation id plus a rendezvous key to hand to JoinParty/JoinDevice.
func (ini *Initiator) Claim(ctx context.Context, swarmKey []byte, writtenInvitationID string, claimMsg *keyring.SignedMessage) (newInvitationID string, rendezvousKey []byte, err error) {
	stream, err := ini.swarm.Join(ctx, swarmKey, transport.RoleInvitee, writtenInvitationID)
	if err != nil {
		return "", nil, err
	}
	defer stream.Close()

	if err := stream.Send(ctx, &credential.Command{Command: credential.CmdClaim, Params: []*keyring.SignedMessage{claimMsg}}); err != nil {
		return "", nil, err
	}
	resp, err := stream.Recv(ctx)
	if err != nil {
		return "", nil, err
	}
	if len(resp.Params) < 2 {
		return "", nil, ErrMissingParams
	}
	var id string
	if err := decodeOpaqueString(resp.Params[0], &id); err != nil {
		return "", nil, err
	}
	key, err := decodeOpaqueBytes(resp.Params[1])
	if err != nil {
		return "", nil, err
	}
	return id, key, nil
}
