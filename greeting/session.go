package greeting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/partymesh/partymesh/credential"
	"github.com/partymesh/partymesh/errkind"
	"github.com/partymesh/partymesh/internal/metrics"
	"github.com/partymesh/partymesh/keyring"
	"github.com/partymesh/partymesh/party"
	"github.com/partymesh/partymesh/transport"
)

// Hint is an alias of party.Hint: the (public_key, type) pairs NOTARIZE's
// hint_provider collects so the invitee can pre-populate a fresh
// PartyState and start replicating before the admission messages it just
// wrote have propagated back to it.
type Hint = party.Hint

// TrustChecker answers whether pk currently holds trusted standing in the
// party the Session is greeting for. party.PartyState satisfies this
// directly.
type TrustChecker interface {
	IsTrusted(pk keyring.PublicKey) bool
}

// PartyWriter persists greeter-signed envelopes into the party log during
// NOTARIZE. It returns the copies actually
// committed, which may differ in identity from the envelopes passed in
// (e.g. a log-assigned sequence) but must be the SignedMessages the
// invitee should trust as authoritative.
type PartyWriter interface {
	Write(ctx context.Context, envelopes []*keyring.SignedMessage) ([]*keyring.SignedMessage, error)
}

// HintProvider derives replication hints from the credentials NOTARIZE
// just admitted.
type HintProvider interface {
	Hints(ctx context.Context, credentials []*keyring.SignedMessage) ([]Hint, error)
}

// Session is the greeter side of the Greeting protocol for one party: it
// mints Invitations, dispatches BEGIN/HANDSHAKE/NOTARIZE/FINISH/CLAIM
// commands against them, and garbage-collects abandoned ones: one dispatch
// entry point, Events hooks, and a background sweep for expired
// invitations.
type Session struct {
	partyKey keyring.PublicKey
	kr       *keyring.Keyring // the greeter's own keyring, used to sign envelopes
	greeter  keyring.PublicKey
	trust    TrustChecker
	writer   PartyWriter
	hints    HintProvider
	events   Events

	mu          sync.Mutex
	invitations map[string]*Invitation
	writtenInvs *party.InvitationRegistry // offline PartyInvitation messages, for CLAIM

	cleanupTicker *time.Ticker
	stop          chan struct{}

	cmdTimeout time.Duration

	sf singleflight.Group
}

// SetCommandTimeout bounds how long a single command handler may run;
// zero or negative leaves commands unbounded.
func (s *Session) SetCommandTimeout(d time.Duration) { s.cmdTimeout = d }

// NewSession creates a Greeting server for one party. greeterKey is the key
// the session signs admission envelopes with on the greeter's behalf; kr
// must hold its secret.
func NewSession(partyKey, greeterKey keyring.PublicKey, kr *keyring.Keyring, trust TrustChecker, writer PartyWriter, hints HintProvider, writtenInvs *party.InvitationRegistry, events Events, cleanupInterval time.Duration) *Session {
	if events == nil {
		events = NoopEvents{}
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}
	s := &Session{
		partyKey:      partyKey,
		kr:            kr,
		greeter:       greeterKey,
		trust:         trust,
		writer:        writer,
		hints:         hints,
		events:        events,
		invitations:   make(map[string]*Invitation),
		writtenInvs:   writtenInvs,
		cleanupTicker: time.NewTicker(cleanupInterval),
		stop:          make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Close stops the background cleanup loop.
func (s *Session) Close() {
	close(s.stop)
	s.cleanupTicker.Stop()
}

func (s *Session) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.expireStale(time.Now())
		case <-s.stop:
			return
		}
	}
}

func (s *Session) expireStale(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, inv := range s.invitations {
		if inv.State != StateFinished && inv.State != StateRevoked && inv.expired(now) {
			inv.State = StateExpired
			delete(s.invitations, id)
		}
	}
}

// CreateInvitation mints a new live Invitation bound to validator, with a
// freshly generated id, ready to accept a BEGIN command. This models the
// out-of-band step (QR code, typed phrase) by which a greeter hands an
// invitee the means to connect.
func (s *Session) CreateInvitation(validator SecretValidator, opts InvitationOpts) (*Invitation, error) {
	inv, err := newInvitation(uuid.NewString(), s.partyKey, validator, opts)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.invitations[inv.ID] = inv
	s.mu.Unlock()
	return inv, nil
}

// Invitation returns the named invitation. The result is the session's own
// record, not a copy, so later commands keep updating it.
func (s *Session) Invitation(id string) (*Invitation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invitations[id]
	return inv, ok
}

// Revoke moves an invitation to REVOKED, e.g. when the issuer withdraws it.
func (s *Session) Revoke(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv, ok := s.invitations[id]; ok {
		inv.State = StateRevoked
		inv.Revoked = time.Now()
	}
}

// Handle dispatches a single Greeting Command against the invitation named
// by id and returns the response Command, if any. Commands for the same
// invitation+kind are serialized through a singleflight group so concurrent
// retries of the same step collapse into one execution.
func (s *Session) Handle(ctx context.Context, id string, cmd *credential.Command) (*credential.Command, error) {
	if s.cmdTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cmdTimeout)
		defer cancel()
	}
	key := fmt.Sprintf("%s:%s", id, cmd.Command)
	v, err, _ := s.sf.Do(key, func() (any, error) {
		return s.dispatch(ctx, id, cmd)
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*credential.Command), nil
}

// Serve runs the greeter side of one Greeting exchange over stream: it reads
// a Command, dispatches it against invitationID, sends back the response,
// and repeats until FINISH succeeds, the invitation is revoked or expires,
// or the stream/context ends.
func (s *Session) Serve(ctx context.Context, invitationID string, stream transport.Stream) error {
	defer stream.Close()
	for {
		cmd, err := stream.Recv(ctx)
		if err != nil {
			return err
		}
		resp, err := s.Handle(ctx, invitationID, cmd)
		if err != nil {
			return err
		}
		finished := cmd.Command == credential.CmdFinish
		if resp != nil {
			if err := stream.Send(ctx, resp); err != nil {
				return err
			}
		}
		if finished || cmd.Command == credential.CmdClaim {
			return nil
		}
	}
}

// dispatch routes cmd to its handler, timing the stage and recording
// GreetingsFailed/GreetingsBegan/GreetingsFinished by outcome.
func (s *Session) dispatch(ctx context.Context, id string, cmd *credential.Command) (resp *credential.Command, err error) {
	timer := prometheus.NewTimer(metrics.GreetingStageDuration.WithLabelValues(string(cmd.Command)))
	defer timer.ObserveDuration()
	defer func() {
		if err != nil {
			metrics.GreetingsFailed.WithLabelValues(errKindCode(err)).Inc()
		}
	}()

	switch cmd.Command {
	case credential.CmdBegin:
		resp, err = s.handleBegin(ctx, id)
		if err == nil {
			metrics.GreetingsBegan.WithLabelValues("invitee").Inc()
		}
		return resp, err
	case credential.CmdHandshake:
		return s.handleHandshake(ctx, id, cmd.Secret)
	case credential.CmdNotarize:
		return s.handleNotarize(ctx, id, cmd.Secret, cmd.Params)
	case credential.CmdFinish:
		err = s.handleFinish(ctx, id)
		if err == nil {
			metrics.GreetingsFinished.WithLabelValues("success").Inc()
		} else {
			metrics.GreetingsFinished.WithLabelValues("failure").Inc()
		}
		return nil, err
	case credential.CmdClaim:
		return s.handleClaim(ctx, id, firstParam(cmd))
	default:
		return nil, errkind.New(errkind.GreetInvalidCommand, fmt.Errorf("greeting: unknown command %q", cmd.Command))
	}
}

// errKindCode extracts the stable errkind.Code for a metrics label, falling
// back to "unknown" for errors that did not originate as an errkind.Error.
func errKindCode(err error) string {
	var e *errkind.Error
	if errors.As(err, &e) {
		return e.Code()
	}
	return "unknown"
}

func firstParam(cmd *credential.Command) *keyring.SignedMessage {
	if len(cmd.Params) == 0 {
		return nil
	}
	return cmd.Params[0]
}

// handleBegin handles BEGIN: allowed only on a live invitation that has
// not yet begun. It runs the invitation's secret provider to materialize
// the greeter's session secret, marks the invitation began, and responds
// with {id, auth_nonce}.
func (s *Session) handleBegin(ctx context.Context, id string) (*credential.Command, error) {
	s.mu.Lock()
	inv, ok := s.invitations[id]
	if !ok {
		s.mu.Unlock()
		return nil, errkind.New(errkind.GreetInvalidInvite, ErrUnknownInvitation)
	}
	now := time.Now()
	if !inv.Live(now) {
		s.mu.Unlock()
		return nil, errkind.New(errkind.GreetInvalidInvite, ErrNotLive)
	}
	if inv.State != StateInitial {
		s.mu.Unlock()
		return nil, errkind.New(errkind.GreetInvalidState, ErrAlreadyBegan)
	}
	authNonce := make([]byte, 32)
	if _, err := randRead(authNonce); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	inv.AuthNonce = authNonce
	inv.State = StateBegan
	inv.Began = now
	provider := inv.SecretProvider
	s.mu.Unlock()

	if provider != nil {
		if _, err := provider(authNonce); err != nil {
			return nil, errkind.New(errkind.AuthGeneral, err)
		}
	}
	if err := s.events.OnBegan(ctx, inv); err != nil {
		return nil, err
	}

	idMsg, err := signOpaque(s.kr, s.greeter, "partymesh.greeting.v1.BeginResponse", id)
	if err != nil {
		return nil, err
	}
	return &credential.Command{Command: credential.CmdBegin, Secret: authNonce, Params: []*keyring.SignedMessage{idMsg}}, nil
}

// handleHandshake handles HANDSHAKE: allowed only once after BEGIN, and
// only if the supplied secret validates. It marks the invitation handshook
// and responds with {party_key, nonce}.
func (s *Session) handleHandshake(ctx context.Context, id string, secret []byte) (*credential.Command, error) {
	s.mu.Lock()
	inv, ok := s.invitations[id]
	if !ok {
		s.mu.Unlock()
		return nil, errkind.New(errkind.GreetInvalidInvite, ErrUnknownInvitation)
	}
	if !inv.Live(time.Now()) {
		s.mu.Unlock()
		return nil, errkind.New(errkind.GreetInvalidInvite, ErrNotLive)
	}
	if inv.State != StateBegan {
		s.mu.Unlock()
		return nil, errkind.New(errkind.GreetInvalidState, ErrInvalidState)
	}
	if inv.SecretValidator == nil || !inv.SecretValidator(inv, secret) {
		s.mu.Unlock()
		return nil, errkind.New(errkind.GreetInvalidInvite, ErrBadSecret)
	}
	inv.State = StateHandshook
	inv.Handshook = time.Now()
	nonce := inv.Nonce
	partyKey := inv.PartyKey
	s.mu.Unlock()

	if err := s.events.OnHandshook(ctx, inv); err != nil {
		return nil, err
	}

	pkMsg, err := signOpaque(s.kr, s.greeter, "partymesh.greeting.v1.PartyKey", partyKey)
	if err != nil {
		return nil, err
	}
	return &credential.Command{Command: credential.CmdHandshake, Params: []*keyring.SignedMessage{pkMsg}, Secret: nonce}, nil
}

// handleNotarize handles NOTARIZE: allowed only once after HANDSHAKE, and
// only if the supplied secret validates. For each supplied message it asserts
// inner.nonce == invitation.nonce, that the credential type is KEY_ADMIT or
// FEED_ADMIT, and that the self-signature is valid; it then wraps each in a
// greeter-signed Envelope, writes them via party_writer, and collects hints
// via hint_provider. Response {copies, hints}.
func (s *Session) handleNotarize(ctx context.Context, id string, secret []byte, params []*keyring.SignedMessage) (*credential.Command, error) {
	s.mu.Lock()
	inv, ok := s.invitations[id]
	if !ok {
		s.mu.Unlock()
		return nil, errkind.New(errkind.GreetInvalidInvite, ErrUnknownInvitation)
	}
	if !inv.Live(time.Now()) {
		s.mu.Unlock()
		return nil, errkind.New(errkind.GreetInvalidInvite, ErrNotLive)
	}
	if inv.State != StateHandshook {
		s.mu.Unlock()
		return nil, errkind.New(errkind.GreetInvalidState, ErrInvalidState)
	}
	if inv.SecretValidator == nil || !inv.SecretValidator(inv, secret) {
		s.mu.Unlock()
		return nil, errkind.New(errkind.GreetInvalidInvite, ErrBadSecret)
	}
	if len(params) == 0 {
		s.mu.Unlock()
		return nil, errkind.New(errkind.GreetInvalidCommand, ErrMissingParams)
	}
	nonce := inv.Nonce
	partyKey := inv.PartyKey
	s.mu.Unlock()

	envelopes := make([]*keyring.SignedMessage, 0, len(params))
	for _, p := range params {
		if err := validateNotarizeParam(p, nonce); err != nil {
			return nil, err
		}
		env, err := wrapEnvelope(s.kr, s.greeter, partyKey, p)
		if err != nil {
			return nil, errkind.New(errkind.AuthGeneral, err)
		}
		envelopes = append(envelopes, env)
	}

	copies, err := s.writer.Write(ctx, envelopes)
	if err != nil {
		return nil, errkind.New(errkind.AuthGeneral, err)
	}
	hints, err := s.hints.Hints(ctx, params)
	if err != nil {
		return nil, errkind.New(errkind.AuthGeneral, err)
	}

	s.mu.Lock()
	inv.State = StateNotarized
	inv.Notarized = time.Now()
	inv.credentials = append(inv.credentials, params...)
	s.mu.Unlock()

	if err := s.events.OnNotarized(ctx, inv, copies, hints); err != nil {
		return nil, err
	}

	hintMsg, err := encodeHints(s.kr, s.greeter, hints)
	if err != nil {
		return nil, err
	}
	resp := &credential.Command{Command: credential.CmdNotarize, Params: append(append([]*keyring.SignedMessage{}, copies...), hintMsg)}
	return resp, nil
}

func validateNotarizeParam(p *keyring.SignedMessage, nonce []byte) error {
	if !bytesEqual(p.Signed.Nonce, nonce) {
		return errkind.New(errkind.GreetInvalidNonce, ErrNonceMismatch)
	}
	cred, err := credential.DecodePartyCredential(p.Signed.Payload)
	if err != nil {
		return errkind.New(errkind.GreetInvalidMsgType, err)
	}
	var signer keyring.PublicKey
	switch cred.Type {
	case credential.TypeKeyAdmit:
		signer = cred.KeyAdmit.AdmitKey
	case credential.TypeFeedAdmit:
		signer = cred.FeedAdmit.FeedKey
	default:
		return errkind.New(errkind.GreetInvalidMsgType, ErrBadMsgType)
	}
	if !keyring.VerifySignaturesOnly(p) || !keyring.SignedBy(p, signer) {
		return errkind.New(errkind.GreetInvalidSignature, ErrBadSignature)
	}
	return nil
}

// handleFinish handles FINISH: allowed on any live invitation. It marks
// the invitation finished and fires on_finish. One-way: no response.
func (s *Session) handleFinish(ctx context.Context, id string) error {
	s.mu.Lock()
	inv, ok := s.invitations[id]
	if !ok {
		s.mu.Unlock()
		return errkind.New(errkind.GreetInvalidInvite, ErrUnknownInvitation)
	}
	if !inv.Live(time.Now()) {
		s.mu.Unlock()
		return errkind.New(errkind.GreetInvalidInvite, ErrNotLive)
	}
	inv.State = StateFinished
	inv.Finished = time.Now()
	onFinish := inv.OnFinish
	delete(s.invitations, id)
	s.mu.Unlock()

	if onFinish != nil {
		onFinish(inv)
	}
	return s.events.OnFinished(ctx, inv)
}

// handleClaim serves the offline claim channel: it looks up a
// pre-written PartyInvitation by id, verifies claimMsg binds the
// claimant's identity key to that invitation's invitee_key via a scratch
// keyring seeded with only that key, and on
// success mints a fresh interactive Invitation plus a 32-byte random
// rendezvous key. The new invitation's validator accepts the rendezvous key
// as its secret and checks nothing else: the invitation records no
// invitee_key, so it is not bound to the claimant's identity.
func (s *Session) handleClaim(ctx context.Context, id string, claimMsg *keyring.SignedMessage) (*credential.Command, error) {
	written, ok := s.writtenInvs.ByID(id)
	if !ok {
		return nil, errkind.New(errkind.GreetInvalidInvite, ErrUnknownWrittenInvitation)
	}
	invPayload, err := credential.DecodePartyInvitation(written.Signed.Payload)
	if err != nil {
		return nil, errkind.New(errkind.AuthGeneral, err)
	}
	if claimMsg == nil {
		return nil, errkind.New(errkind.GreetInvalidCommand, ErrMissingParams)
	}

	scratch := keyring.New(keyring.NewMemoryStore())
	if err := scratch.AddPublicKey(keyring.KeyRecord{PublicKey: invPayload.InviteeKey, Trusted: true}, true); err != nil {
		return nil, err
	}
	if !scratch.Verify(claimMsg, keyring.VerifyOpts{RequireAllTrusted: false, AllowKeyChains: true}) {
		return nil, errkind.New(errkind.GreetInvalidSignature, ErrClaimBindingFailed)
	}

	rendezvousKey := make([]byte, 32)
	if _, err := randRead(rendezvousKey); err != nil {
		return nil, err
	}
	validator := func(_ *Invitation, secret []byte) bool {
		return bytesEqual(secret, rendezvousKey)
	}
	newInv, err := s.CreateInvitation(validator, InvitationOpts{})
	if err != nil {
		return nil, err
	}

	idMsg, err := signOpaque(s.kr, s.greeter, "partymesh.greeting.v1.ClaimResponse", newInv.ID)
	if err != nil {
		return nil, err
	}
	keyMsg, err := signOpaque(s.kr, s.greeter, "partymesh.greeting.v1.RendezvousKey", rendezvousKey)
	if err != nil {
		return nil, err
	}
	return &credential.Command{Command: credential.CmdClaim, Params: []*keyring.SignedMessage{idMsg, keyMsg}}, nil
}
