package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/partymesh/partymesh/config"
	"github.com/partymesh/partymesh/credential"
	"github.com/partymesh/partymesh/greeting"
	"github.com/partymesh/partymesh/keyring"
	"github.com/partymesh/partymesh/manager"
	"github.com/partymesh/partymesh/transport"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run an end-to-end local smoke test: genesis, greeting, and an authenticator check",
	Long: `demo builds a party genesis entirely in memory, opens it through a
PartyManager, runs a full Greeting handshake for a second member over an
in-process mock swarm, and finally authenticates the new member's Auth
credential -- exercising every core component without any external network
or storage.`,
	RunE: runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)
}

func runDemo(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	issuerKr := keyring.New(keyring.NewMemoryStore())
	partyRec, err := issuerKr.Generate(keyring.KeyTypeParty)
	if err != nil {
		return err
	}
	admitRec, err := issuerKr.Generate(keyring.KeyTypeIdentity)
	if err != nil {
		return err
	}
	feedRec, err := issuerKr.Generate(keyring.KeyTypeFeed)
	if err != nil {
		return err
	}

	genesisPayload, err := credential.EncodePartyCredential(&credential.PartyCredential{
		Type: credential.TypePartyGenesis,
		PartyGenesis: &credential.PartyGenesis{
			PartyKey: partyRec.PublicKey, FeedKey: feedRec.PublicKey,
			AdmitKey: admitRec.PublicKey, AdmitKeyType: keyring.KeyTypeIdentity,
		},
	})
	if err != nil {
		return err
	}
	genesisMsg, err := issuerKr.Sign(genesisPayload, []keyring.Signer{
		{PublicKey: partyRec.PublicKey}, {PublicKey: admitRec.PublicKey}, {PublicKey: feedRec.PublicKey},
	}, keyring.SignOpts{})
	if err != nil {
		return err
	}

	log := transport.NewMemoryLog()
	if err := log.Append(ctx, partyRec.PublicKey, genesisMsg); err != nil {
		return err
	}

	swarm := transport.NewMockSwarm()
	mgr := manager.New(config.DefaultPartyConfig(), keyring.NewMemoryStore(), log, log, swarm, manager.DefaultSwarmKeyFunc, nil)
	// the manager signs greeter envelopes with admitRec's key, so it needs
	// that secret -- copy it into the manager's own identity keyring.
	if err := mgr.Identity().AddKeyRecord(admitRec, false); err != nil {
		return err
	}

	mp, err := mgr.OpenParty(ctx, partyRec.PublicKey, admitRec.PublicKey, greeting.NoopEvents{})
	if err != nil {
		return err
	}
	fmt.Printf("party %x open, members=%d feeds=%d\n", partyRec.PublicKey, len(mp.State.MemberKeys()), len(mp.State.MemberFeeds()))

	secret := []byte("shared-out-of-band-secret")
	inv, err := mp.Session.CreateInvitation(func(_ *greeting.Invitation, s []byte) bool {
		return string(s) == string(secret)
	}, greeting.InvitationOpts{Expiration: time.Now().Add(time.Hour)})
	if err != nil {
		return err
	}

	serveErrs := make(chan error, 1)
	go func() { serveErrs <- mgr.ServeInvitation(ctx, partyRec.PublicKey, inv.ID) }()

	inviteeKr := keyring.New(keyring.NewMemoryStore())
	deviceRec, err := inviteeKr.Generate(keyring.KeyTypeDevice)
	if err != nil {
		return err
	}
	feedRec2, err := inviteeKr.Generate(keyring.KeyTypeFeed)
	if err != nil {
		return err
	}

	initiator := greeting.NewInitiator(inviteeKr, swarm)
	result, err := initiator.JoinDevice(ctx, mgr.SwarmKey(partyRec.PublicKey), inv.ID,
		func(_ []byte) ([]byte, error) { return secret, nil },
		partyRec.PublicKey, deviceRec.PublicKey, keyring.KeyTypeDevice, feedRec2.PublicKey)
	if err != nil {
		return fmt.Errorf("greeting: %w", err)
	}
	if err := <-serveErrs; err != nil {
		return fmt.Errorf("greeting: greeter side: %w", err)
	}
	hinted := 0
	for _, k := range []keyring.PublicKey{deviceRec.PublicKey, feedRec2.PublicKey} {
		if rec, ok, _ := result.State.Keyring().Get(k); ok && rec.Hint {
			hinted++
		}
	}
	fmt.Printf("greeting finished: invitee copies=%d hinted members=%d\n", len(result.Copies), hinted)
	fmt.Printf("party now has members=%d feeds=%d\n", len(mp.State.MemberKeys()), len(mp.State.MemberFeeds()))

	authPayload, err := credential.EncodeAuth(&credential.Auth{
		PartyKey: partyRec.PublicKey, IdentityKey: deviceRec.PublicKey, DeviceKey: deviceRec.PublicKey,
	})
	if err != nil {
		return err
	}
	authMsg, err := inviteeKr.Sign(authPayload, []keyring.Signer{{PublicKey: deviceRec.PublicKey}}, keyring.SignOpts{})
	if err != nil {
		return err
	}
	if err := mgr.Authenticate(ctx, partyRec.PublicKey, authMsg); err != nil {
		return fmt.Errorf("authenticator rejected new member: %w", err)
	}
	fmt.Println("authenticator: accepted new device as a current party member")
	return nil
}
