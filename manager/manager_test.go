package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partymesh/partymesh/config"
	"github.com/partymesh/partymesh/credential"
	"github.com/partymesh/partymesh/greeting"
	"github.com/partymesh/partymesh/keyring"
	"github.com/partymesh/partymesh/transport"
)

// genesisParty builds a party genesis signed by a fresh issuer keyring and
// appends it to log, returning the party/admit/feed key records.
func genesisParty(t *testing.T, log *transport.MemoryLog) (issuer *keyring.Keyring, partyRec, admitRec, feedRec keyring.KeyRecord) {
	t.Helper()
	issuer = keyring.New(keyring.NewMemoryStore())
	var err error
	partyRec, err = issuer.Generate(keyring.KeyTypeParty)
	require.NoError(t, err)
	admitRec, err = issuer.Generate(keyring.KeyTypeIdentity)
	require.NoError(t, err)
	feedRec, err = issuer.Generate(keyring.KeyTypeFeed)
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
	require.NoError(t, log.Append(context.Background(), partyRec.PublicKey, genesisMsg))
	return issuer, partyRec, admitRec, feedRec
}

func TestOpenPartyReplaysExistingLog(t *testing.T) {
	log := transport.NewMemoryLog()
	_, partyRec, admitRec, feedRec := genesisParty(t, log)

	mgr := New(config.DefaultPartyConfig(), keyring.NewMemoryStore(), log, log, transport.NewMockSwarm(), nil, nil)
	mp, err := mgr.OpenParty(context.Background(), partyRec.PublicKey, admitRec.PublicKey, nil)
	require.NoError(t, err)
	assert.True(t, mp.State.IsMember(admitRec.PublicKey))
	assert.True(t, mp.State.IsFeed(feedRec.PublicKey))

	// a second OpenParty call for the same party returns the cached entry.
	again, err := mgr.OpenParty(context.Background(), partyRec.PublicKey, admitRec.PublicKey, nil)
	require.NoError(t, err)
	assert.Same(t, mp, again)
}

func TestOpenPartyIsIdempotentAcrossSeparateCalls(t *testing.T) {
	log := transport.NewMemoryLog()
	_, partyRec, admitRec, _ := genesisParty(t, log)
	mgr := New(config.DefaultPartyConfig(), keyring.NewMemoryStore(), log, log, transport.NewMockSwarm(), nil, nil)

	mp1, err := mgr.OpenParty(context.Background(), partyRec.PublicKey, admitRec.PublicKey, nil)
	require.NoError(t, err)
	mp2, err := mgr.OpenParty(context.Background(), partyRec.PublicKey, admitRec.PublicKey, nil)
	require.NoError(t, err)
	assert.Same(t, mp1, mp2)

	mgr.CloseParty(partyRec.PublicKey)
	_, ok := mgr.Party(partyRec.PublicKey)
	assert.False(t, ok)
}

// TestEndToEndGreetingAndAuthenticate is the manager-level counterpart of
// the partyctl demo command: it opens a party, serves one Greeting exchange
// over a real transport.MockSwarm for a new device, then authenticates the
// resulting Auth credential against the same managed party.
func TestEndToEndGreetingAndAuthenticate(t *testing.T) {
	log := transport.NewMemoryLog()
	_, partyRec, admitRec, _ := genesisParty(t, log)

	swarm := transport.NewMockSwarm()
	mgr := New(config.DefaultPartyConfig(), keyring.NewMemoryStore(), log, log, swarm, nil, nil)
	require.NoError(t, mgr.Identity().AddKeyRecord(admitRec, false))

	ctx := context.Background()
	mp, err := mgr.OpenParty(ctx, partyRec.PublicKey, admitRec.PublicKey, greeting.NoopEvents{})
	require.NoError(t, err)

	secret := []byte("shared-out-of-band-secret")
	inv, err := mp.Session.CreateInvitation(func(_ *greeting.Invitation, s []byte) bool {
		return string(s) == string(secret)
	}, greeting.InvitationOpts{Expiration: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	serveErrs := make(chan error, 1)
	go func() { serveErrs <- mgr.ServeInvitation(ctx, partyRec.PublicKey, inv.ID) }()

	inviteeKr := keyring.New(keyring.NewMemoryStore())
	deviceRec, err := inviteeKr.Generate(keyring.KeyTypeDevice)
	require.NoError(t, err)
	feedRec, err := inviteeKr.Generate(keyring.KeyTypeFeed)
	require.NoError(t, err)

	initiator := greeting.NewInitiator(inviteeKr, swarm)
	result, err := initiator.JoinDevice(ctx, mgr.SwarmKey(partyRec.PublicKey), inv.ID,
		func(_ []byte) ([]byte, error) { return secret, nil },
		partyRec.PublicKey, deviceRec.PublicKey, keyring.KeyTypeDevice, feedRec.PublicKey)
	require.NoError(t, err)
	require.NoError(t, <-serveErrs)

	// the invitee's fresh state holds the device key only as a hint until
	// log replay confirms it.
	hinted, ok, err := result.State.Keyring().Get(deviceRec.PublicKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, hinted.Hint)
	assert.True(t, mp.State.IsMember(deviceRec.PublicKey))
	assert.True(t, mp.State.IsFeed(feedRec.PublicKey))

	authPayload, err := credential.EncodeAuth(&credential.Auth{
		PartyKey: partyRec.PublicKey, IdentityKey: deviceRec.PublicKey, DeviceKey: deviceRec.PublicKey,
	})
	require.NoError(t, err)
	authMsg, err := inviteeKr.Sign(authPayload, []keyring.Signer{{PublicKey: deviceRec.PublicKey}}, keyring.SignOpts{})
	require.NoError(t, err)

	assert.NoError(t, mgr.Authenticate(ctx, partyRec.PublicKey, authMsg))
}

func TestAuthenticateRejectsUnopenedParty(t *testing.T) {
	mgr := New(config.DefaultPartyConfig(), keyring.NewMemoryStore(), nil, nil, transport.NewMockSwarm(), nil, nil)
	var partyKey keyring.PublicKey
	partyKey[0] = 0x42
	err := mgr.Authenticate(context.Background(), partyKey, &keyring.SignedMessage{})
	assert.Error(t, err)
}
