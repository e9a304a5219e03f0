package party

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partymesh/partymesh/credential"
	"github.com/partymesh/partymesh/errkind"
	"github.com/partymesh/partymesh/keyring"
)

// testParty builds an issuer keyring holding the party/admit/feed secrets
// and a fresh PartyState with the party's genesis already processed.
func testParty(t *testing.T) (*PartyState, *keyring.Keyring, keyring.KeyRecord, keyring.KeyRecord, keyring.KeyRecord) {
	t.Helper()
	issuer := keyring.New(keyring.NewMemoryStore())
	partyRec, err := issuer.Generate(keyring.KeyTypeParty)
	require.NoError(t, err)
	admitRec, err := issuer.Generate(keyring.KeyTypeIdentity)
	require.NoError(t, err)
	feedRec, err := issuer.Generate(keyring.KeyTypeFeed)
	require.NoError(t, err)

	genesisPayload, err := credential.EncodePartyCredential(&credential.PartyCredential{
		Type: credential.TypePartyGenesis,
		PartyGenesis: &credential.PartyGenesis{
			PartyKey: partyRec.PublicKey, FeedKey: feedRec.PublicKey,
			AdmitKey: admitRec.PublicKey, AdmitKeyType: keyring.KeyTypeIdentity,
		},
	})
	require.NoError(t, err)
	genesisMsg, err := issuer.Sign(genesisPayload, []keyring.Signer{
		{PublicKey: partyRec.PublicKey}, {PublicKey: admitRec.PublicKey}, {PublicKey: feedRec.PublicKey},
	}, keyring.SignOpts{})
	require.NoError(t, err)

	ps := New(partyRec.PublicKey)
	require.NoError(t, ps.ProcessMessage(genesisMsg))
	return ps, issuer, partyRec, admitRec, feedRec
}

func TestGenesisAdmitsAdmitAndFeedKeys(t *testing.T) {
	ps, _, _, admitRec, feedRec := testParty(t)
	assert.True(t, ps.IsMember(admitRec.PublicKey))
	assert.True(t, ps.IsFeed(feedRec.PublicKey))
	assert.Equal(t, StateOpen, ps.State())
}

func TestGenesisCannotBeProcessedTwice(t *testing.T) {
	ps, issuer, partyRec, admitRec, feedRec := testParty(t)
	genesisPayload, err := credential.EncodePartyCredential(&credential.PartyCredential{
		Type: credential.TypePartyGenesis,
		PartyGenesis: &credential.PartyGenesis{
			PartyKey: partyRec.PublicKey, FeedKey: feedRec.PublicKey,
			AdmitKey: admitRec.PublicKey, AdmitKeyType: keyring.KeyTypeIdentity,
		},
	})
	require.NoError(t, err)
	genesisMsg, err := issuer.Sign(genesisPayload, []keyring.Signer{
		{PublicKey: partyRec.PublicKey}, {PublicKey: admitRec.PublicKey}, {PublicKey: feedRec.PublicKey},
	}, keyring.SignOpts{})
	require.NoError(t, err)

	err = ps.ProcessMessage(genesisMsg)
	assert.ErrorIs(t, err, ErrAlreadyGenesis)
}

func TestKeyAdmitByTrustedMemberAdmitsNewMember(t *testing.T) {
	ps, issuer, _, _, _ := testParty(t)
	newDevice, err := issuer.Generate(keyring.KeyTypeDevice)
	require.NoError(t, err)

	kaPayload, err := credential.EncodePartyCredential(&credential.PartyCredential{
		Type: credential.TypeKeyAdmit,
		KeyAdmit: &credential.KeyAdmit{
			PartyKey: ps.PublicKey(), AdmitKey: newDevice.PublicKey, AdmitKeyType: keyring.KeyTypeDevice,
		},
	})
	require.NoError(t, err)
	// party's own key is trusted from genesis; sign with it plus the new
	// device's self-signature.
	kaMsg, err := issuer.Sign(kaPayload, []keyring.Signer{
		{PublicKey: ps.PublicKey()}, {PublicKey: newDevice.PublicKey},
	}, keyring.SignOpts{})
	require.NoError(t, err)

	require.NoError(t, ps.ProcessMessage(kaMsg))
	assert.True(t, ps.IsMember(newDevice.PublicKey))
	by, ok := ps.AdmittedBy(newDevice.PublicKey)
	require.True(t, ok)
	assert.Equal(t, ps.PublicKey(), by)
}

func TestKeyAdmitOutOfOrderIsTolerated(t *testing.T) {
	ps, issuer, _, admitRec, _ := testParty(t)
	newDevice, err := issuer.Generate(keyring.KeyTypeDevice)
	require.NoError(t, err)

	// admitRec (already a member from genesis) admits newDevice.
	kaPayload, err := credential.EncodePartyCredential(&credential.PartyCredential{
		Type: credential.TypeKeyAdmit,
		KeyAdmit: &credential.KeyAdmit{
			PartyKey: ps.PublicKey(), AdmitKey: newDevice.PublicKey, AdmitKeyType: keyring.KeyTypeDevice,
		},
	})
	require.NoError(t, err)
	kaMsg, err := issuer.Sign(kaPayload, []keyring.Signer{
		{PublicKey: admitRec.PublicKey}, {PublicKey: newDevice.PublicKey},
	}, keyring.SignOpts{})
	require.NoError(t, err)

	// second-hop admission: a grandchild device admitted by newDevice,
	// delivered before newDevice's own admission message.
	grandchild, err := issuer.Generate(keyring.KeyTypeDevice)
	require.NoError(t, err)
	gaPayload, err := credential.EncodePartyCredential(&credential.PartyCredential{
		Type: credential.TypeKeyAdmit,
		KeyAdmit: &credential.KeyAdmit{
			PartyKey: ps.PublicKey(), AdmitKey: grandchild.PublicKey, AdmitKeyType: keyring.KeyTypeDevice,
		},
	})
	require.NoError(t, err)
	gaMsg, err := issuer.Sign(gaPayload, []keyring.Signer{
		{PublicKey: newDevice.PublicKey}, {PublicKey: grandchild.PublicKey},
	}, keyring.SignOpts{})
	require.NoError(t, err)

	// feed the grandchild admission first: newDevice is not yet trusted,
	// so this must queue rather than fail.
	require.NoError(t, ps.ProcessMessage(gaMsg))
	assert.False(t, ps.IsMember(grandchild.PublicKey))

	require.NoError(t, ps.ProcessMessage(kaMsg))
	assert.True(t, ps.IsMember(newDevice.PublicKey))
	// draining the pending queue must admit the grandchild too.
	assert.True(t, ps.IsMember(grandchild.PublicKey))
}

func TestGenesisRejectedWithoutPartyKeySignature(t *testing.T) {
	issuer := keyring.New(keyring.NewMemoryStore())
	partyRec, err := issuer.Generate(keyring.KeyTypeParty)
	require.NoError(t, err)
	admitRec, err := issuer.Generate(keyring.KeyTypeIdentity)
	require.NoError(t, err)
	feedRec, err := issuer.Generate(keyring.KeyTypeFeed)
	require.NoError(t, err)
	// an unrelated key stands in for the party key among the signers.
	impostor, err := issuer.Generate(keyring.KeyTypeIdentity)
	require.NoError(t, err)

	genesisPayload, err := credential.EncodePartyCredential(&credential.PartyCredential{
		Type: credential.TypePartyGenesis,
		PartyGenesis: &credential.PartyGenesis{
			PartyKey: partyRec.PublicKey, FeedKey: feedRec.PublicKey,
			AdmitKey: admitRec.PublicKey, AdmitKeyType: keyring.KeyTypeIdentity,
		},
	})
	require.NoError(t, err)
	genesisMsg, err := issuer.Sign(genesisPayload, []keyring.Signer{
		{PublicKey: impostor.PublicKey}, {PublicKey: admitRec.PublicKey}, {PublicKey: feedRec.PublicKey},
	}, keyring.SignOpts{})
	require.NoError(t, err)

	ps := New(partyRec.PublicKey)
	err = ps.ProcessMessage(genesisMsg)
	require.Error(t, err)
	assert.Empty(t, ps.MemberKeys())
	assert.Empty(t, ps.MemberFeeds())
}

func TestTamperedNonceRejectsFeedAdmit(t *testing.T) {
	ps, issuer, _, admitRec, _ := testParty(t)
	newFeed, err := issuer.Generate(keyring.KeyTypeFeed)
	require.NoError(t, err)

	faPayload, err := credential.EncodePartyCredential(&credential.PartyCredential{
		Type:      credential.TypeFeedAdmit,
		FeedAdmit: &credential.FeedAdmit{PartyKey: ps.PublicKey(), FeedKey: newFeed.PublicKey},
	})
	require.NoError(t, err)
	faMsg, err := issuer.Sign(faPayload, []keyring.Signer{
		{PublicKey: admitRec.PublicKey}, {PublicKey: newFeed.PublicKey},
	}, keyring.SignOpts{})
	require.NoError(t, err)

	faMsg.Signed.Nonce = []byte("wrong")
	assert.False(t, keyring.VerifySignaturesOnly(faMsg))

	err = ps.ProcessMessage(faMsg)
	require.Error(t, err)
	assert.False(t, ps.IsFeed(newFeed.PublicKey))
}

func TestEnvelopeAdmitsSelfSignedKeyOnGreeterAuthority(t *testing.T) {
	ps, issuer, _, admitRec, _ := testParty(t)

	// the invitee's identity key lives in its own keyring; only its
	// self-signature appears on the inner admission.
	invitee := keyring.New(keyring.NewMemoryStore())
	inviteeIdentity, err := invitee.Generate(keyring.KeyTypeIdentity)
	require.NoError(t, err)

	kaPayload, err := credential.EncodePartyCredential(&credential.PartyCredential{
		Type: credential.TypeKeyAdmit,
		KeyAdmit: &credential.KeyAdmit{
			PartyKey: ps.PublicKey(), AdmitKey: inviteeIdentity.PublicKey, AdmitKeyType: keyring.KeyTypeIdentity,
		},
	})
	require.NoError(t, err)
	inner, err := invitee.Sign(kaPayload, []keyring.Signer{{PublicKey: inviteeIdentity.PublicKey}}, keyring.SignOpts{})
	require.NoError(t, err)

	envPayload, err := credential.EncodePartyCredential(&credential.PartyCredential{
		Type:     credential.TypeEnvelope,
		Envelope: &credential.Envelope{PartyKey: ps.PublicKey(), Inner: inner},
	})
	require.NoError(t, err)
	envMsg, err := issuer.Sign(envPayload, []keyring.Signer{{PublicKey: admitRec.PublicKey}}, keyring.SignOpts{})
	require.NoError(t, err)

	require.NoError(t, ps.ProcessMessage(envMsg))
	assert.True(t, ps.IsMember(inviteeIdentity.PublicKey))
	by, ok := ps.AdmittedBy(inviteeIdentity.PublicKey)
	require.True(t, ok)
	assert.Equal(t, admitRec.PublicKey, by)
}

// TestDrainSurfacesFatalChainError queues a KeyAdmit whose only route to
// trust is a key chain, then quarantines that chain's key (as an untrusted
// hint) before an unrelated admission drains the queue. The chain walk now
// hits a known-but-untrusted key, which is fatal: the failure must be
// latched for FatalError and reported through an EventReplayFailed event,
// not silently discarded, and the forged key must stay out of the
// membership.
func TestDrainSurfacesFatalChainError(t *testing.T) {
	ps, issuer, _, admitRec, _ := testParty(t)
	var events []Event
	ps.Subscribe(func(ev Event) { events = append(events, ev) })

	chainKey, err := issuer.Generate(keyring.KeyTypeDevice)
	require.NoError(t, err)
	laterMember, err := issuer.Generate(keyring.KeyTypeDevice)
	require.NoError(t, err)
	forged, err := issuer.Generate(keyring.KeyTypeDevice)
	require.NoError(t, err)

	chainSelfPayload, err := credential.EncodeIdentityInfo(&credential.IdentityInfo{Key: chainKey.PublicKey})
	require.NoError(t, err)
	chainSelfMsg, err := issuer.Sign(chainSelfPayload, []keyring.Signer{{PublicKey: chainKey.PublicKey}}, keyring.SignOpts{})
	require.NoError(t, err)
	chain := &keyring.KeyChain{PublicKey: chainKey.PublicKey, Message: chainSelfMsg}

	// the forged admission is signed by chainKey (via its chain), by
	// laterMember, and by the admitted key itself; none are trusted yet,
	// so it queues.
	kaPayload, err := credential.EncodePartyCredential(&credential.PartyCredential{
		Type: credential.TypeKeyAdmit,
		KeyAdmit: &credential.KeyAdmit{
			PartyKey: ps.PublicKey(), AdmitKey: forged.PublicKey, AdmitKeyType: keyring.KeyTypeDevice,
		},
	})
	require.NoError(t, err)
	kaMsg, err := issuer.Sign(kaPayload, []keyring.Signer{
		{PublicKey: chainKey.PublicKey, Chain: chain},
		{PublicKey: laterMember.PublicKey},
		{PublicKey: forged.PublicKey},
	}, keyring.SignOpts{})
	require.NoError(t, err)
	require.NoError(t, ps.ProcessMessage(kaMsg))
	assert.False(t, ps.IsMember(forged.PublicKey))
	assert.NoError(t, ps.FatalError())

	// chainKey becomes known-but-untrusted before the queue drains.
	require.NoError(t, ps.TakeHints([]Hint{{PublicKey: chainKey.PublicKey, Type: keyring.KeyTypeDevice}}))

	// an unrelated admission of laterMember makes the queued entry
	// runnable; its replay walks chainKey's chain and must fail fatally.
	lmPayload, err := credential.EncodePartyCredential(&credential.PartyCredential{
		Type: credential.TypeKeyAdmit,
		KeyAdmit: &credential.KeyAdmit{
			PartyKey: ps.PublicKey(), AdmitKey: laterMember.PublicKey, AdmitKeyType: keyring.KeyTypeDevice,
		},
	})
	require.NoError(t, err)
	lmMsg, err := issuer.Sign(lmPayload, []keyring.Signer{
		{PublicKey: admitRec.PublicKey}, {PublicKey: laterMember.PublicKey},
	}, keyring.SignOpts{})
	require.NoError(t, err)
	require.NoError(t, ps.ProcessMessage(lmMsg))

	err = ps.FatalError()
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.KeyFatal))
	assert.True(t, errkind.IsFatal(err))
	assert.False(t, ps.IsMember(forged.PublicKey))

	var replayFailed bool
	for _, ev := range events {
		if ev.Kind == EventReplayFailed {
			replayFailed = true
			assert.Error(t, ev.Err)
		}
	}
	assert.True(t, replayFailed, "expected an EventReplayFailed observer event")
}

func TestAdmittedMembersAreNeverRemoved(t *testing.T) {
	ps, issuer, _, admitRec, _ := testParty(t)
	newDevice, err := issuer.Generate(keyring.KeyTypeDevice)
	require.NoError(t, err)
	kaPayload, err := credential.EncodePartyCredential(&credential.PartyCredential{
		Type: credential.TypeKeyAdmit,
		KeyAdmit: &credential.KeyAdmit{
			PartyKey: ps.PublicKey(), AdmitKey: newDevice.PublicKey, AdmitKeyType: keyring.KeyTypeDevice,
		},
	})
	require.NoError(t, err)
	kaMsg, err := issuer.Sign(kaPayload, []keyring.Signer{
		{PublicKey: admitRec.PublicKey}, {PublicKey: newDevice.PublicKey},
	}, keyring.SignOpts{})
	require.NoError(t, err)
	require.NoError(t, ps.ProcessMessage(kaMsg))

	before := len(ps.MemberKeys())
	// re-delivering the same admission must be idempotent, never a removal.
	require.NoError(t, ps.ProcessMessage(kaMsg))
	assert.Len(t, ps.MemberKeys(), before)
	assert.True(t, ps.IsMember(newDevice.PublicKey))
}

func TestTakeHintsPrePopulatesUntrustedKeys(t *testing.T) {
	ps, _, _, _, _ := testParty(t)
	var hintKey keyring.PublicKey
	hintKey[0] = 0x42

	require.NoError(t, ps.TakeHints([]Hint{{PublicKey: hintKey, Type: keyring.KeyTypeFeed}}))
	assert.False(t, ps.IsFeed(hintKey))
	assert.False(t, ps.Keyring().IsTrusted(hintKey))
	rec, ok, err := ps.Keyring().Get(hintKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, rec.Trusted)
}

func TestIdentityInfoIsRecordedAndObserved(t *testing.T) {
	ps, issuer, _, admitRec, _ := testParty(t)
	var events []Event
	ps.Subscribe(func(ev Event) { events = append(events, ev) })

	infoPayload, err := credential.EncodeIdentityInfo(&credential.IdentityInfo{
		Key: admitRec.PublicKey, Profile: map[string]string{"display_name": "alice"},
	})
	require.NoError(t, err)
	infoMsg, err := issuer.Sign(infoPayload, []keyring.Signer{{PublicKey: admitRec.PublicKey}}, keyring.SignOpts{})
	require.NoError(t, err)

	require.NoError(t, ps.ProcessMessage(infoMsg))
	stored, ok := ps.InfoMessage(admitRec.PublicKey)
	require.True(t, ok)
	assert.Same(t, infoMsg, stored)
	require.NotEmpty(t, events)
	assert.Equal(t, EventIdentityInfoUpdated, events[len(events)-1].Kind)
}

func TestSubscribeObservesAdmissions(t *testing.T) {
	ps, issuer, _, admitRec, _ := testParty(t)
	var events []Event
	ps.Subscribe(func(ev Event) { events = append(events, ev) })

	newDevice, err := issuer.Generate(keyring.KeyTypeDevice)
	require.NoError(t, err)
	kaPayload, err := credential.EncodePartyCredential(&credential.PartyCredential{
		Type: credential.TypeKeyAdmit,
		KeyAdmit: &credential.KeyAdmit{
			PartyKey: ps.PublicKey(), AdmitKey: newDevice.PublicKey, AdmitKeyType: keyring.KeyTypeDevice,
		},
	})
	require.NoError(t, err)
	kaMsg, err := issuer.Sign(kaPayload, []keyring.Signer{
		{PublicKey: admitRec.PublicKey}, {PublicKey: newDevice.PublicKey},
	}, keyring.SignOpts{})
	require.NoError(t, err)
	require.NoError(t, ps.ProcessMessage(kaMsg))

	require.NotEmpty(t, events)
	assert.Equal(t, EventAdmitKey, events[len(events)-1].Kind)
	assert.Equal(t, newDevice.PublicKey, events[len(events)-1].Key)
}
