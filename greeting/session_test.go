package greeting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partymesh/partymesh/credential"
	"github.com/partymesh/partymesh/errkind"
	"github.com/partymesh/partymesh/keyring"
	"github.com/partymesh/partymesh/party"
	"github.com/partymesh/partymesh/transport"
)

// fakeWriter folds greeter-signed envelopes straight into a PartyState, the
// way manager.logPartyWriter does against a real log.
type fakeWriter struct{ ps *party.PartyState }

func (w fakeWriter) Write(ctx context.Context, envelopes []*keyring.SignedMessage) ([]*keyring.SignedMessage, error) {
	for _, env := range envelopes {
		if err := w.ps.ProcessMessage(env); err != nil {
			return nil, err
		}
	}
	return envelopes, nil
}

// fakeHints derives hints directly from each admitted credential, mirroring
// manager.credentialHintProvider.
type fakeHints struct{}

func (fakeHints) Hints(ctx context.Context, credentials []*keyring.SignedMessage) ([]Hint, error) {
	hints := make([]Hint, 0, len(credentials))
	for _, c := range credentials {
		cred, err := credential.DecodePartyCredential(c.Signed.Payload)
		if err != nil {
			return nil, err
		}
		switch cred.Type {
		case credential.TypeKeyAdmit:
			hints = append(hints, Hint{PublicKey: cred.KeyAdmit.AdmitKey, Type: cred.KeyAdmit.AdmitKeyType})
		case credential.TypeFeedAdmit:
			hints = append(hints, Hint{PublicKey: cred.FeedAdmit.FeedKey, Type: keyring.KeyTypeFeed})
		}
	}
	return hints, nil
}

// testSessionParty builds a genesis-opened PartyState plus a Session whose
// greeter key is the party's genesis-admitted identity member.
func testSessionParty(t *testing.T) (*party.PartyState, *Session, keyring.KeyRecord) {
	t.Helper()
	issuer := keyring.New(keyring.NewMemoryStore())
	partyRec, err := issuer.Generate(keyring.KeyTypeParty)
	require.NoError(t, err)
	greeterRec, err := issuer.Generate(keyring.KeyTypeIdentity)
	require.NoError(t, err)
	feedRec, err := issuer.Generate(keyring.KeyTypeFeed)
	require.NoError(t, err)

	genesisPayload, err := credential.EncodePartyCredential(&credential.PartyCredential{
		Type: credential.TypePartyGenesis,
		PartyGenesis: &credential.PartyGenesis{
			PartyKey: partyRec.PublicKey, FeedKey: feedRec.PublicKey,
			AdmitKey: greeterRec.PublicKey, AdmitKeyType: keyring.KeyTypeIdentity,
		},
	})
	require.NoError(t, err)
	genesisMsg, err := issuer.Sign(genesisPayload, []keyring.Signer{
		{PublicKey: partyRec.PublicKey}, {PublicKey: greeterRec.PublicKey}, {PublicKey: feedRec.PublicKey},
	}, keyring.SignOpts{})
	require.NoError(t, err)

	ps := party.New(partyRec.PublicKey)
	require.NoError(t, ps.ProcessMessage(genesisMsg))

	sess := NewSession(partyRec.PublicKey, greeterRec.PublicKey, issuer, ps.Keyring(),
		fakeWriter{ps: ps}, fakeHints{}, ps.Invitations(), nil, time.Hour)
	t.Cleanup(sess.Close)
	return ps, sess, greeterRec
}

const testSecret = "out-of-band-passphrase"

func passValidator(_ *Invitation, secret []byte) bool { return string(secret) == testSecret }

func TestGreetingFullHandshakeAdmitsInvitee(t *testing.T) {
	ps, sess, _ := testSessionParty(t)
	inv, err := sess.CreateInvitation(passValidator, InvitationOpts{})
	require.NoError(t, err)

	ctx := context.Background()
	beginResp, err := sess.Handle(ctx, inv.ID, &credential.Command{Command: credential.CmdBegin})
	require.NoError(t, err)
	assert.Len(t, beginResp.Secret, 32) // auth_nonce

	hsResp, err := sess.Handle(ctx, inv.ID, &credential.Command{Command: credential.CmdHandshake, Secret: []byte(testSecret)})
	require.NoError(t, err)
	nonce := hsResp.Secret
	assert.Len(t, nonce, 32)

	invitee := keyring.New(keyring.NewMemoryStore())
	inviteeIdentity, err := invitee.Generate(keyring.KeyTypeIdentity)
	require.NoError(t, err)
	inviteeFeed, err := invitee.Generate(keyring.KeyTypeFeed)
	require.NoError(t, err)

	kaPayload, err := credential.EncodePartyCredential(&credential.PartyCredential{
		Type: credential.TypeKeyAdmit,
		KeyAdmit: &credential.KeyAdmit{
			PartyKey: ps.PublicKey(), AdmitKey: inviteeIdentity.PublicKey, AdmitKeyType: keyring.KeyTypeIdentity,
		},
	})
	require.NoError(t, err)
	kaMsg, err := invitee.Sign(kaPayload, []keyring.Signer{{PublicKey: inviteeIdentity.PublicKey}}, keyring.SignOpts{Nonce: nonce})
	require.NoError(t, err)

	faPayload, err := credential.EncodePartyCredential(&credential.PartyCredential{
		Type: credential.TypeFeedAdmit,
		FeedAdmit: &credential.FeedAdmit{
			PartyKey: ps.PublicKey(), FeedKey: inviteeFeed.PublicKey,
		},
	})
	require.NoError(t, err)
	faMsg, err := invitee.Sign(faPayload, []keyring.Signer{{PublicKey: inviteeFeed.PublicKey}}, keyring.SignOpts{Nonce: nonce})
	require.NoError(t, err)

	notResp, err := sess.Handle(ctx, inv.ID, &credential.Command{
		Command: credential.CmdNotarize, Secret: []byte(testSecret), Params: []*keyring.SignedMessage{kaMsg, faMsg},
	})
	require.NoError(t, err)
	require.Len(t, notResp.Params, 3) // 2 copies + 1 hints message

	hints, err := decodeHints(notResp.Params[2])
	require.NoError(t, err)
	assert.Len(t, hints, 2)

	assert.True(t, ps.IsMember(inviteeIdentity.PublicKey))
	assert.True(t, ps.IsFeed(inviteeFeed.PublicKey))

	_, err = sess.Handle(ctx, inv.ID, &credential.Command{Command: credential.CmdFinish})
	require.NoError(t, err)

	// one-shot: any command after FINISH must fail.
	_, err = sess.Handle(ctx, inv.ID, &credential.Command{Command: credential.CmdFinish})
	assert.Error(t, err)
}

func TestJoinPartyGreetingAdmitsIdentityAndFeed(t *testing.T) {
	ps, sess, _ := testSessionParty(t)
	inv, err := sess.CreateInvitation(passValidator, InvitationOpts{})
	require.NoError(t, err)

	ctx := context.Background()
	swarm := transport.NewMockSwarm()
	swarmKey := []byte("join-party-swarm")

	serveErrs := make(chan error, 1)
	go func() {
		stream, err := swarm.Join(ctx, swarmKey, transport.RoleGreeter, inv.ID)
		if err != nil {
			serveErrs <- err
			return
		}
		serveErrs <- sess.Serve(ctx, inv.ID, stream)
	}()

	invitee := keyring.New(keyring.NewMemoryStore())
	identity, err := invitee.Generate(keyring.KeyTypeIdentity)
	require.NoError(t, err)
	feed, err := invitee.Generate(keyring.KeyTypeFeed)
	require.NoError(t, err)

	initiator := NewInitiator(invitee, swarm)
	result, err := initiator.JoinParty(ctx, swarmKey, inv.ID,
		func(_ []byte) ([]byte, error) { return []byte(testSecret), nil },
		ps.PublicKey(), identity.PublicKey, feed.PublicKey)
	require.NoError(t, err)
	require.NoError(t, <-serveErrs)

	assert.True(t, ps.IsMember(identity.PublicKey))
	assert.True(t, ps.IsFeed(feed.PublicKey))
	by, ok := ps.AdmittedBy(identity.PublicKey)
	require.True(t, ok)
	assert.True(t, ps.IsMember(by), "admitting authority must be the enveloping greeter")

	// the invitee's fresh state carries both keys as hints until the log
	// replay confirms them.
	require.Len(t, result.Copies, 2)
	rec, ok, err := result.State.Keyring().Get(identity.PublicKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Hint)
}

func TestGreetingRejectsNonceMismatch(t *testing.T) {
	ps, sess, _ := testSessionParty(t)
	inv, err := sess.CreateInvitation(passValidator, InvitationOpts{})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = sess.Handle(ctx, inv.ID, &credential.Command{Command: credential.CmdBegin})
	require.NoError(t, err)
	_, err = sess.Handle(ctx, inv.ID, &credential.Command{Command: credential.CmdHandshake, Secret: []byte(testSecret)})
	require.NoError(t, err)

	invitee := keyring.New(keyring.NewMemoryStore())
	feed, err := invitee.Generate(keyring.KeyTypeFeed)
	require.NoError(t, err)
	faPayload, err := credential.EncodePartyCredential(&credential.PartyCredential{
		Type:      credential.TypeFeedAdmit,
		FeedAdmit: &credential.FeedAdmit{PartyKey: ps.PublicKey(), FeedKey: feed.PublicKey},
	})
	require.NoError(t, err)
	wrongNonce := make([]byte, 32)
	wrongNonce[0] = 0xAB
	faMsg, err := invitee.Sign(faPayload, []keyring.Signer{{PublicKey: feed.PublicKey}}, keyring.SignOpts{Nonce: wrongNonce})
	require.NoError(t, err)

	_, err = sess.Handle(ctx, inv.ID, &credential.Command{
		Command: credential.CmdNotarize, Secret: []byte(testSecret), Params: []*keyring.SignedMessage{faMsg},
	})
	require.Error(t, err)
	assert.False(t, ps.IsFeed(feed.PublicKey))
}

func TestGreetingRejectsBadSecret(t *testing.T) {
	_, sess, _ := testSessionParty(t)
	inv, err := sess.CreateInvitation(passValidator, InvitationOpts{})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = sess.Handle(ctx, inv.ID, &credential.Command{Command: credential.CmdBegin})
	require.NoError(t, err)
	_, err = sess.Handle(ctx, inv.ID, &credential.Command{Command: credential.CmdHandshake, Secret: []byte("wrong")})
	require.Error(t, err)
}

func TestClaimIssuesInteractiveInvitationForWrittenInvitee(t *testing.T) {
	ps, sess, greeterRec := testSessionParty(t)
	ctx := context.Background()

	invitee := keyring.New(keyring.NewMemoryStore())
	inviteeIdentity, err := invitee.Generate(keyring.KeyTypeIdentity)
	require.NoError(t, err)

	// a member writes an offline invitation for the invitee into the party
	// log; processing it lands in the invitation registry.
	written := &credential.PartyInvitation{
		ID: "offline-1", PartyKey: ps.PublicKey(),
		IssuerKey: greeterRec.PublicKey, InviteeKey: inviteeIdentity.PublicKey,
	}
	invPayload, err := credential.EncodePartyInvitation(written)
	require.NoError(t, err)
	invMsg, err := sess.kr.Sign(invPayload, []keyring.Signer{{PublicKey: greeterRec.PublicKey}}, keyring.SignOpts{})
	require.NoError(t, err)
	require.NoError(t, ps.ProcessMessage(invMsg))

	// the claimant proves possession of the invitee key with a
	// self-signed message.
	claimPayload, err := credential.EncodeAuth(&credential.Auth{
		PartyKey: ps.PublicKey(), IdentityKey: inviteeIdentity.PublicKey, DeviceKey: inviteeIdentity.PublicKey,
	})
	require.NoError(t, err)
	claimMsg, err := invitee.Sign(claimPayload, []keyring.Signer{{PublicKey: inviteeIdentity.PublicKey}}, keyring.SignOpts{})
	require.NoError(t, err)

	resp, err := sess.Handle(ctx, "offline-1", &credential.Command{
		Command: credential.CmdClaim, Params: []*keyring.SignedMessage{claimMsg},
	})
	require.NoError(t, err)
	require.Len(t, resp.Params, 2)

	var newID string
	require.NoError(t, decodeOpaqueString(resp.Params[0], &newID))
	rendezvousKey, err := decodeOpaqueBytes(resp.Params[1])
	require.NoError(t, err)
	require.Len(t, rendezvousKey, 32)

	// the fresh interactive invitation accepts the rendezvous key as its
	// secret.
	_, err = sess.Handle(ctx, newID, &credential.Command{Command: credential.CmdBegin})
	require.NoError(t, err)
	_, err = sess.Handle(ctx, newID, &credential.Command{Command: credential.CmdHandshake, Secret: rendezvousKey})
	require.NoError(t, err)

	// a claim signed by the wrong key is refused.
	stranger := keyring.New(keyring.NewMemoryStore())
	strangerRec, err := stranger.Generate(keyring.KeyTypeIdentity)
	require.NoError(t, err)
	badClaim, err := stranger.Sign(claimPayload, []keyring.Signer{{PublicKey: strangerRec.PublicKey}}, keyring.SignOpts{})
	require.NoError(t, err)
	_, err = sess.Handle(ctx, "offline-1", &credential.Command{
		Command: credential.CmdClaim, Params: []*keyring.SignedMessage{badClaim},
	})
	assert.Error(t, err)
}

func TestGreetingExpiredInvitationRejectsBegin(t *testing.T) {
	_, sess, _ := testSessionParty(t)
	inv, err := sess.CreateInvitation(passValidator, InvitationOpts{Expiration: time.Now().Add(-time.Second)})
	require.NoError(t, err)

	assert.False(t, inv.Live(time.Now()))
	_, err = sess.Handle(context.Background(), inv.ID, &credential.Command{Command: credential.CmdBegin})
	require.Error(t, err)
	// expired and revoked invitations reject as invalid-invitation
	// regardless of which command arrives or whether the secret would
	// have validated.
	assert.True(t, errkind.Is(err, errkind.GreetInvalidInvite))
}
