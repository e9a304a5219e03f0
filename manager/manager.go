// Package manager is the top-level composition root for the credential and
// membership core: it owns one PartyState, Keyring, and Greeting Session per
// party, parameterized by a KeyStore, a LogWriter/LogReader pair, and a
// Swarm, and routes Authenticator checks to the right party. There is no
// package-level state anywhere in the module; everything hangs off a
// PartyManager instance.
package manager

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/partymesh/partymesh/authenticator"
	"github.com/partymesh/partymesh/config"
	"github.com/partymesh/partymesh/credential"
	"github.com/partymesh/partymesh/errkind"
	"github.com/partymesh/partymesh/greeting"
	"github.com/partymesh/partymesh/internal/logger"
	"github.com/partymesh/partymesh/keyring"
	"github.com/partymesh/partymesh/party"
	"github.com/partymesh/partymesh/replay"
	"github.com/partymesh/partymesh/transport"
)

// SwarmKeyFunc derives the rendezvous swarm key a party's greeting
// sessions join.
type SwarmKeyFunc func(partyKey keyring.PublicKey) []byte

// DefaultSwarmKeyFunc derives a party's rendezvous swarm key from its public
// key via HKDF-SHA256, so the raw party key (a long-lived identity) is never
// handed to the transport layer directly.
func DefaultSwarmKeyFunc(partyKey keyring.PublicKey) []byte {
	out := make([]byte, 32)
	kdf := hkdf.New(sha256.New, partyKey[:], nil, []byte("partymesh-swarm-key-v1"))
	if _, err := io.ReadFull(kdf, out); err != nil {
		// hkdf.Read only fails if more output is requested than the
		// expansion can supply; 32 bytes from a SHA-256 HKDF never does.
		panic(err)
	}
	return out
}

// ManagedParty bundles the live state a PartyManager tracks for one party:
// its membership machine and the Greeting session accepting new members.
type ManagedParty struct {
	State   *party.PartyState
	Session *greeting.Session
}

// PartyManager is the composition root. One PartyManager typically backs one
// running node; it may host many parties at once.
type PartyManager struct {
	identity *keyring.Keyring

	logWriter transport.LogWriter
	logReader transport.LogReader
	swarm     transport.Swarm
	swarmKey  SwarmKeyFunc

	cfg    *config.PartyConfig
	replay *replay.Cache
	auth   *authenticator.Authenticator
	log    logger.Logger

	mu      sync.RWMutex
	parties map[keyring.PublicKey]*ManagedParty
}

// New creates a PartyManager. keyStore backs the manager's own identity
// keyring (the keys it signs greeting envelopes and Auth assertions with);
// logWriter/logReader/swarm are the external log and network collaborators.
func New(cfg *config.PartyConfig, keyStore keyring.KeyStore, logWriter transport.LogWriter, logReader transport.LogReader, swarm transport.Swarm, swarmKey SwarmKeyFunc, log logger.Logger) *PartyManager {
	if cfg == nil {
		cfg = config.DefaultPartyConfig()
	}
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	if swarmKey == nil {
		swarmKey = DefaultSwarmKeyFunc
	}
	replayCache := replay.New(cfg.ReplayCacheTTL)
	return &PartyManager{
		identity:  keyring.New(keyStore),
		logWriter: logWriter,
		logReader: logReader,
		swarm:     swarm,
		swarmKey:  swarmKey,
		cfg:       cfg,
		replay:    replayCache,
		auth:      authenticator.New(authenticator.Config{MaxAge: cfg.MaxAge, MaxSkew: cfg.MaxSkew}, replayCache, log),
		log:       log,
		parties:   make(map[keyring.PublicKey]*ManagedParty),
	}
}

// Identity returns the manager's own keyring, used to generate and hold the
// local node's identity/device/feed keys.
func (m *PartyManager) Identity() *keyring.Keyring { return m.identity }

// OpenParty creates (or returns, if already open) the managed state for
// partyKey: a fresh PartyState replayed from the log to date, plus a
// Greeting Session that signs admission envelopes with greeterKey on this
// node's behalf. greeterKey must be a key m.Identity() holds the secret for.
func (m *PartyManager) OpenParty(ctx context.Context, partyKey, greeterKey keyring.PublicKey, events greeting.Events) (*ManagedParty, error) {
	m.mu.Lock()
	if mp, ok := m.parties[partyKey]; ok {
		m.mu.Unlock()
		return mp, nil
	}
	m.mu.Unlock()

	ps := party.New(partyKey)
	if m.logReader != nil {
		msgs, err := m.logReader.Stream(ctx, partyKey)
		if err != nil {
			return nil, fmt.Errorf("manager: stream existing log: %w", err)
		}
		for msg := range msgs {
			if err := ps.ProcessMessage(msg); err != nil {
				if errkind.IsFatal(err) {
					m.log.Error("manager: aborting replay on fatal credential error",
						logger.String("party_key", keyring.IDFor(partyKey)), logger.Error(err))
					return nil, err
				}
				m.log.Warn("manager: dropped log entry during replay",
					logger.String("party_key", keyring.IDFor(partyKey)), logger.Error(err))
			}
			// a fatal condition can also surface lazily, from a queued
			// out-of-order dispatch drained by this message's admission.
			if err := ps.FatalError(); err != nil {
				m.log.Error("manager: aborting replay on fatal pending-queue error",
					logger.String("party_key", keyring.IDFor(partyKey)), logger.Error(err))
				return nil, err
			}
		}
	}

	writer := &logPartyWriter{logWriter: m.logWriter, ps: ps, partyKey: partyKey}
	hints := credentialHintProvider{}
	sess := greeting.NewSession(partyKey, greeterKey, m.identity, ps.Keyring(), writer, hints, ps.Invitations(), events, m.cfg.InvitationTTL)
	sess.SetCommandTimeout(m.cfg.CommandTimeout)

	mp := &ManagedParty{State: ps, Session: sess}
	m.mu.Lock()
	m.parties[partyKey] = mp
	m.mu.Unlock()
	return mp, nil
}

// Party returns the managed state for a previously opened party.
func (m *PartyManager) Party(partyKey keyring.PublicKey) (*ManagedParty, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.parties[partyKey]
	return mp, ok
}

// CloseParty stops the named party's background Greeting cleanup loop and
// forgets it. The party's admitted state is not discarded by the caller's
// log store.
func (m *PartyManager) CloseParty(partyKey keyring.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mp, ok := m.parties[partyKey]; ok {
		mp.Session.Close()
		delete(m.parties, partyKey)
	}
}

// Authenticate runs the Authenticator against a previously opened party.
func (m *PartyManager) Authenticate(ctx context.Context, partyKey keyring.PublicKey, msg *keyring.SignedMessage) error {
	mp, ok := m.Party(partyKey)
	if !ok {
		return fmt.Errorf("manager: party %x is not open", partyKey)
	}
	return m.auth.Authenticate(ctx, mp.State, msg)
}

// ServeInvitation joins the swarm as the greeter for one invitation and runs
// the Greeting exchange to completion, bridging partyKey's open Session onto
// a real transport.Stream. Callers typically run this in its own goroutine per
// invitation, the way a listener spawns one handler per accepted connection.
func (m *PartyManager) ServeInvitation(ctx context.Context, partyKey keyring.PublicKey, invitationID string) error {
	mp, ok := m.Party(partyKey)
	if !ok {
		return fmt.Errorf("manager: party %x is not open", partyKey)
	}
	stream, err := m.swarm.Join(ctx, m.SwarmKey(partyKey), transport.RoleGreeter, invitationID)
	if err != nil {
		return fmt.Errorf("manager: join swarm as greeter: %w", err)
	}
	return mp.Session.Serve(ctx, invitationID, stream)
}

// SwarmKey resolves the rendezvous swarm key for partyKey via the
// configured SwarmKeyFunc, for callers building a greeting.Initiator.
func (m *PartyManager) SwarmKey(partyKey keyring.PublicKey) []byte {
	if m.swarmKey == nil {
		return DefaultSwarmKeyFunc(partyKey)
	}
	return m.swarmKey(partyKey)
}

// Swarm returns the transport.Swarm this manager joins greeting streams on.
func (m *PartyManager) Swarm() transport.Swarm { return m.swarm }

// logPartyWriter implements greeting.PartyWriter by appending each envelope
// to the external log and immediately folding it into the local PartyState,
// since the greeter is itself always a party member.
type logPartyWriter struct {
	logWriter transport.LogWriter
	ps        *party.PartyState
	partyKey  keyring.PublicKey
}

func (w *logPartyWriter) Write(ctx context.Context, envelopes []*keyring.SignedMessage) ([]*keyring.SignedMessage, error) {
	for _, env := range envelopes {
		if w.logWriter != nil {
			if err := w.logWriter.Append(ctx, w.partyKey, env); err != nil {
				return nil, fmt.Errorf("manager: append to log: %w", err)
			}
		}
		if err := w.ps.ProcessMessage(env); err != nil {
			return nil, fmt.Errorf("manager: admit envelope locally: %w", err)
		}
		if err := w.ps.FatalError(); err != nil {
			return nil, fmt.Errorf("manager: fatal party state error: %w", err)
		}
	}
	return envelopes, nil
}

// credentialHintProvider implements greeting.HintProvider by reading the
// (public_key, type) pair straight out of each admitted credential, since
// the credentials NOTARIZE just validated already carry that information.
type credentialHintProvider struct{}

func (credentialHintProvider) Hints(ctx context.Context, credentials []*keyring.SignedMessage) ([]greeting.Hint, error) {
	hints := make([]greeting.Hint, 0, len(credentials))
	for _, c := range credentials {
		cred, err := credential.DecodePartyCredential(c.Signed.Payload)
		if err != nil {
			return nil, err
		}
		switch cred.Type {
		case credential.TypeKeyAdmit:
			hints = append(hints, greeting.Hint{PublicKey: cred.KeyAdmit.AdmitKey, Type: cred.KeyAdmit.AdmitKeyType})
		case credential.TypeFeedAdmit:
			hints = append(hints, greeting.Hint{PublicKey: cred.FeedAdmit.FeedKey, Type: keyring.KeyTypeFeed})
		}
	}
	return hints, nil
}
