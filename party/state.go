package party

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/partymesh/partymesh/credential"
	"github.com/partymesh/partymesh/errkind"
	"github.com/partymesh/partymesh/internal/metrics"
	"github.com/partymesh/partymesh/keyring"
)

// State is a Party's lifecycle state.
type State string

const (
	StateClosed  State = "CLOSED"
	StateOpening State = "OPENING"
	StateOpen    State = "OPEN"
	StateClosing State = "CLOSING"
)

// pendingEntry is a dispatch that could not complete because none of the
// message's signing keys are trusted yet. waitingOn lists those signing
// keys; the entry becomes runnable once any of them is admitted.
type pendingEntry struct {
	waitingOn []keyring.PublicKey
	run       func() error
}

// PartyState holds a party's membership (member keys, member feeds,
// admission provenance, credential messages) and ingests credential
// messages in log order.
type PartyState struct {
	mu sync.Mutex

	publicKey keyring.PublicKey
	kr        *keyring.Keyring

	memberKeys  []keyring.PublicKey
	memberFeeds []keyring.PublicKey
	isMember    map[keyring.PublicKey]bool
	isFeed      map[keyring.PublicKey]bool

	admittedBy         map[keyring.PublicKey]keyring.PublicKey
	credentialMessages map[keyring.PublicKey]*keyring.SignedMessage
	infoMessages       map[keyring.PublicKey]*keyring.SignedMessage

	invitations *InvitationRegistry
	identity    *IdentityProcessor

	state State

	pending  []pendingEntry
	draining bool
	fatalErr error

	observers    []Observer
	eventBacklog []Event

	genesisProcessed bool
}

// New creates a Party identified by publicKey, not yet opened: the caller
// must process a matching PartyGenesis before anything else.
func New(publicKey keyring.PublicKey) *PartyState {
	ps := &PartyState{
		publicKey:          publicKey,
		kr:                 keyring.New(keyring.NewMemoryStore()),
		isMember:           make(map[keyring.PublicKey]bool),
		isFeed:             make(map[keyring.PublicKey]bool),
		admittedBy:         make(map[keyring.PublicKey]keyring.PublicKey),
		credentialMessages: make(map[keyring.PublicKey]*keyring.SignedMessage),
		infoMessages:       make(map[keyring.PublicKey]*keyring.SignedMessage),
		invitations:        NewInvitationRegistry(),
		identity:           NewIdentityProcessor(),
		state:              StateOpening,
	}
	_ = ps.kr.AddPublicKey(keyring.KeyRecord{PublicKey: publicKey, Type: keyring.KeyTypeParty, Trusted: true}, true)
	return ps
}

// PublicKey returns the party's identifier.
func (ps *PartyState) PublicKey() keyring.PublicKey { return ps.publicKey }

// Keyring returns the party's internal keyring (read access for callers
// building key chains or checking trust; mutation happens only through
// ProcessMessage and TakeHints).
func (ps *PartyState) Keyring() *keyring.Keyring { return ps.kr }

// State returns the party's current lifecycle state.
func (ps *PartyState) State() State {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.state
}

// Invitations returns the party's invitation registry.
func (ps *PartyState) Invitations() *InvitationRegistry { return ps.invitations }

// MemberKeys returns a snapshot of admitted non-feed keys in admission
// order.
func (ps *PartyState) MemberKeys() []keyring.PublicKey {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]keyring.PublicKey, len(ps.memberKeys))
	copy(out, ps.memberKeys)
	return out
}

// MemberFeeds returns a snapshot of admitted feed keys in admission order.
func (ps *PartyState) MemberFeeds() []keyring.PublicKey {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]keyring.PublicKey, len(ps.memberFeeds))
	copy(out, ps.memberFeeds)
	return out
}

// IsMember reports whether k is an admitted member key (not a feed, not a
// mere hint).
func (ps *PartyState) IsMember(k keyring.PublicKey) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.isMember[k]
}

// IsFeed reports whether k is an admitted feed key.
func (ps *PartyState) IsFeed(k keyring.PublicKey) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.isFeed[k]
}

// AdmittedBy returns which member's signature authorized k's admission.
func (ps *PartyState) AdmittedBy(k keyring.PublicKey) (keyring.PublicKey, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	v, ok := ps.admittedBy[k]
	return v, ok
}

// CredentialMessage returns the verbatim message that admitted k.
func (ps *PartyState) CredentialMessage(k keyring.PublicKey) (*keyring.SignedMessage, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	v, ok := ps.credentialMessages[k]
	return v, ok
}

// FatalError returns the first fatal error latched by a pending-queue
// replay, if any. ProcessMessage returns fatal errors for the message that
// triggered them directly; a fatal condition discovered lazily while
// draining the backlog has no caller to return to, so it is latched here
// (and emitted as an EventReplayFailed event). A non-nil result means the
// party's ingestion must be aborted.
func (ps *PartyState) FatalError() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.fatalErr
}

// InfoMessage returns the most recent identity/device info message recorded
// for k.
func (ps *PartyState) InfoMessage(k keyring.PublicKey) (*keyring.SignedMessage, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	v, ok := ps.infoMessages[k]
	return v, ok
}

// Subscribe registers a non-owning observer invoked on every admission and
// update event, in commit order.
func (ps *PartyState) Subscribe(obs Observer) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.observers = append(ps.observers, obs)
}

// emit queues ev while ps.mu is held; flushEvents delivers the backlog once
// the lock is released, so an observer may call back into PartyState
// accessors without deadlocking. Delivery order matches commit order.
func (ps *PartyState) emit(ev Event) {
	ps.eventBacklog = append(ps.eventBacklog, ev)
}

func (ps *PartyState) flushEvents() {
	ps.mu.Lock()
	backlog := ps.eventBacklog
	ps.eventBacklog = nil
	observers := ps.observers
	ps.mu.Unlock()
	for _, ev := range backlog {
		for _, obs := range observers {
			obs(ev)
		}
	}
}

// TakeHints pre-populates the party's keyring with untrusted, hint=true
// records so feeds can be replicated before their admission messages
// arrive.
type Hint struct {
	PublicKey keyring.PublicKey
	Type      keyring.KeyType
}

func (ps *PartyState) TakeHints(hints []Hint) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	now := time.Now()
	for _, h := range hints {
		if ps.isMember[h.PublicKey] || ps.isFeed[h.PublicKey] {
			continue
		}
		kr := keyring.KeyRecord{
			PublicKey: h.PublicKey,
			Type:      h.Type,
			Hint:      true,
			Trusted:   false,
			Added:     now,
			Created:   now,
		}
		if err := ps.kr.AddPublicKey(kr, false); err != nil && err != keyring.ErrKeyExists {
			return err
		}
	}
	return nil
}

// ProcessMessage ingests a single credential, invitation, or identity/device
// message, in feed-order.
func (ps *PartyState) ProcessMessage(msg *keyring.SignedMessage) error {
	if msg == nil || msg.Signed.Payload == nil {
		return errkind.New(errkind.AuthGeneral, ErrUnknownCredential)
	}

	switch {
	case credential.IsRecognizedPayload(msg.Signed.Payload.TypeUrl):
		return ps.processSideChannel(msg)
	default:
		return ps.processCredential(msg)
	}
}

func (ps *PartyState) processSideChannel(msg *keyring.SignedMessage) error {
	url := msg.Signed.Payload.TypeUrl
	switch {
	case credential.IsPartyInvitation(url):
		inv, err := credential.DecodePartyInvitation(msg.Signed.Payload)
		if err != nil {
			return err
		}
		if !keyring.VerifySignaturesOnly(msg) {
			return errkind.New(errkind.AuthGeneral, ErrMalformedEnvelope)
		}
		ps.invitations.Record(msg, inv)
		return nil
	default:
		if !keyring.VerifySignaturesOnly(msg) {
			return errkind.New(errkind.AuthGeneral, ErrMalformedEnvelope)
		}
		key, err := ps.identity.Process(msg)
		if err != nil {
			return err
		}
		ps.mu.Lock()
		ps.infoMessages[key] = msg
		ps.emit(Event{Kind: EventIdentityInfoUpdated, Key: key})
		ps.mu.Unlock()
		ps.flushEvents()
		return nil
	}
}

// processCredential unwraps, verifies, and dispatches one PartyCredential.
func (ps *PartyState) processCredential(msg *keyring.SignedMessage) (err error) {
	timer := prometheus.NewTimer(metrics.CredentialProcessingDuration)
	defer timer.ObserveDuration()

	layers, innermostMsg, cred, err := credential.UnwrapEnvelopes(msg)
	if err != nil {
		metrics.CredentialsProcessed.WithLabelValues("envelope", "rejected").Inc()
		return errkind.New(errkind.AuthGeneral, err)
	}
	defer func() {
		status := "admitted"
		if err != nil {
			status = "rejected"
		}
		metrics.CredentialsProcessed.WithLabelValues(string(cred.Type), status).Inc()
	}()
	hasEnvelope := len(layers) > 0

	var envelopeSigner keyring.PublicKey
	var envelopeTrusted bool
	if hasEnvelope {
		signer, fatalErr, ok := ps.trustedSigner(msg)
		if fatalErr != nil {
			return errkind.NewFatal(errkind.KeyFatal, fatalErr)
		}
		envelopeSigner = signer
		envelopeTrusted = ok
		// every layer below the outermost, plus the innermost message,
		// needs only signature validity.
		for _, layer := range layers[1:] {
			if !keyring.VerifySignaturesOnly(layer) {
				return errkind.New(errkind.AuthGeneral, ErrMalformedEnvelope)
			}
		}
		if !keyring.VerifySignaturesOnly(innermostMsg) {
			return errkind.New(errkind.AuthGeneral, ErrMalformedEnvelope)
		}
	}

	defer ps.flushEvents()
	ps.mu.Lock()
	defer ps.mu.Unlock()

	switch cred.Type {
	case credential.TypePartyGenesis:
		return ps.admitGenesisLocked(msg, cred.PartyGenesis)
	case credential.TypeKeyAdmit:
		return ps.admitKeyLocked(msg, innermostMsg, cred.KeyAdmit, hasEnvelope, envelopeSigner, envelopeTrusted)
	case credential.TypeFeedAdmit:
		return ps.admitFeedLocked(msg, innermostMsg, cred.FeedAdmit, hasEnvelope, envelopeSigner, envelopeTrusted)
	default:
		return errkind.New(errkind.AuthGeneral, ErrUnknownCredential)
	}
}

// trustedSigner returns a signer of msg that is currently a trusted party
// member (directly, or via a key chain), or ok=false if none is found yet
// (recoverable -- triggers the out-of-order pending path). A non-nil error
// return is a FatalChainError and must abort ingestion.
func (ps *PartyState) trustedSigner(msg *keyring.SignedMessage) (keyring.PublicKey, error, bool) {
	if !keyring.VerifySignaturesOnly(msg) {
		return keyring.PublicKey{}, nil, false
	}
	for _, sig := range msg.Signatures {
		if ps.kr.IsTrusted(sig.Key) {
			return sig.Key, nil, true
		}
		if sig.KeyChain != nil {
			node, err := ps.kr.FindTrusted(sig.KeyChain)
			if err != nil {
				return keyring.PublicKey{}, err, false
			}
			if node != nil {
				return sig.Key, nil, true
			}
		}
	}
	return keyring.PublicKey{}, nil, false
}

func (ps *PartyState) admitGenesisLocked(msg *keyring.SignedMessage, g *credential.PartyGenesis) error {
	if ps.genesisProcessed {
		return errkind.New(errkind.AuthGeneral, ErrAlreadyGenesis)
	}
	if g.PartyKey != ps.publicKey {
		return errkind.NewFatal(errkind.KeyFatal, ErrPartyKeyMismatch)
	}
	if !keyring.VerifySignaturesOnly(msg) {
		return errkind.NewFatal(errkind.KeyFatal, ErrGenesisSignatures)
	}
	required := []keyring.PublicKey{g.PartyKey, g.FeedKey, g.AdmitKey}
	for _, rk := range required {
		if !keyring.SignedBy(msg, rk) {
			return errkind.NewFatal(errkind.KeyFatal, ErrGenesisSignatures)
		}
	}

	ps.genesisProcessed = true
	ps.state = StateOpen
	ps.admitMemberLocked(g.AdmitKey, g.AdmitKeyType, ps.publicKey, msg)
	ps.admitFeedMemberLocked(g.FeedKey, ps.publicKey, msg)
	return nil
}

func (ps *PartyState) admitKeyLocked(outer, innermost *keyring.SignedMessage, ka *credential.KeyAdmit, hasEnvelope bool, envSigner keyring.PublicKey, envTrusted bool) error {
	if ka.PartyKey != ps.publicKey {
		return errkind.New(errkind.AuthGeneral, ErrPartyKeyMismatch)
	}
	if !keyring.VerifySignaturesOnly(innermost) || !keyring.SignedBy(innermost, ka.AdmitKey) {
		return errkind.New(errkind.AuthGeneral, ErrKeyAdmitSignatures)
	}

	var admitter keyring.PublicKey
	if hasEnvelope {
		if !envTrusted {
			ps.queuePending(signersExcept(outer, ka.AdmitKey), func() error { return ps.reprocess(outer) })
			return nil
		}
		admitter = envSigner
	} else {
		signer, fatalErr, ok := ps.trustedSigner(innermost)
		if fatalErr != nil {
			return errkind.NewFatal(errkind.KeyFatal, fatalErr)
		}
		if !ok {
			ps.queuePending(signersExcept(innermost, ka.AdmitKey), func() error { return ps.reprocess(outer) })
			return nil
		}
		admitter = signer
	}

	ps.admitMemberLocked(ka.AdmitKey, ka.AdmitKeyType, admitter, outer)
	return nil
}

// signersExcept lists msg's signing keys minus the key being admitted, the
// set whose eventual admission can unblock a queued dispatch.
func signersExcept(msg *keyring.SignedMessage, admitted keyring.PublicKey) []keyring.PublicKey {
	keys := keyring.SigningKeys(msg)
	out := keys[:0]
	for _, k := range keys {
		if k != admitted {
			out = append(out, k)
		}
	}
	return out
}

func (ps *PartyState) admitFeedLocked(outer, innermost *keyring.SignedMessage, fa *credential.FeedAdmit, hasEnvelope bool, envSigner keyring.PublicKey, envTrusted bool) error {
	if fa.PartyKey != ps.publicKey {
		return errkind.New(errkind.AuthGeneral, ErrPartyKeyMismatch)
	}
	if !keyring.VerifySignaturesOnly(innermost) || !keyring.SignedBy(innermost, fa.FeedKey) {
		return errkind.New(errkind.AuthGeneral, ErrFeedAdmitSignatures)
	}

	var admitter keyring.PublicKey
	if hasEnvelope {
		if !envTrusted {
			ps.queuePending(signersExcept(outer, fa.FeedKey), func() error { return ps.reprocess(outer) })
			return nil
		}
		admitter = envSigner
	} else {
		signer, fatalErr, ok := ps.trustedSigner(innermost)
		if fatalErr != nil {
			return errkind.NewFatal(errkind.KeyFatal, fatalErr)
		}
		if !ok {
			ps.queuePending(signersExcept(innermost, fa.FeedKey), func() error { return ps.reprocess(outer) })
			return nil
		}
		admitter = signer
	}

	ps.admitFeedMemberLocked(fa.FeedKey, admitter, outer)
	return nil
}

func (ps *PartyState) admitMemberLocked(key keyring.PublicKey, typ keyring.KeyType, by keyring.PublicKey, msg *keyring.SignedMessage) {
	if ps.isMember[key] {
		return
	}
	ps.isMember[key] = true
	ps.memberKeys = append(ps.memberKeys, key)
	ps.admittedBy[key] = by
	ps.credentialMessages[key] = msg

	wasHint := false
	if existing, ok, _ := ps.kr.Get(key); ok {
		wasHint = existing.Hint
	}
	now := time.Now()
	if wasHint {
		_ = ps.kr.UpdateKey(key, func(kr *keyring.KeyRecord) {
			kr.Hint = false
			kr.Trusted = true
			kr.Type = typ
		})
	} else {
		_ = ps.kr.AddPublicKey(keyring.KeyRecord{PublicKey: key, Type: typ, Trusted: true, Added: now, Created: now}, true)
	}

	rec, _, _ := ps.kr.Get(key)
	ps.emit(Event{Kind: EventAdmitKey, Key: key, Record: rec, AdmittedBy: by})
	ps.drainPendingLocked()
}

func (ps *PartyState) admitFeedMemberLocked(key keyring.PublicKey, by keyring.PublicKey, msg *keyring.SignedMessage) {
	if ps.isFeed[key] {
		return
	}
	ps.isFeed[key] = true
	ps.memberFeeds = append(ps.memberFeeds, key)
	ps.admittedBy[key] = by
	ps.credentialMessages[key] = msg

	wasHint := false
	if existing, ok, _ := ps.kr.Get(key); ok {
		wasHint = existing.Hint
	}
	now := time.Now()
	if wasHint {
		_ = ps.kr.UpdateKey(key, func(kr *keyring.KeyRecord) {
			kr.Hint = false
			kr.Trusted = true
			kr.Type = keyring.KeyTypeFeed
		})
	} else {
		_ = ps.kr.AddPublicKey(keyring.KeyRecord{PublicKey: key, Type: keyring.KeyTypeFeed, Trusted: true, Added: now, Created: now}, true)
	}

	rec, _, _ := ps.kr.Get(key)
	ps.emit(Event{Kind: EventAdmitFeed, Key: key, Record: rec, AdmittedBy: by})
	ps.drainPendingLocked()
}

func (ps *PartyState) queuePending(waitingOn []keyring.PublicKey, run func() error) {
	ps.pending = append(ps.pending, pendingEntry{waitingOn: waitingOn, run: run})
	metrics.PendingQueueDepth.WithLabelValues(keyring.IDFor(ps.publicKey)).Set(float64(len(ps.pending)))
}

// drainPendingLocked re-runs queued dispatches whose waited-on signing keys
// have since been admitted. Must be called while ps.mu is held. Admissions
// performed by a replayed entry call back into drainPendingLocked; the
// draining guard turns those calls into no-ops and the outer fixpoint loop
// picks up whatever they made runnable, so each pass iterates a queue it
// owns exclusively.
//
// A replay failure must not abort the rest of the backlog, but it has no
// ProcessMessage caller to return to either: each failure is counted,
// emitted as an EventReplayFailed observer event, and -- when fatal --
// latched for FatalError so the ingestion loop's owner can abort.
func (ps *PartyState) drainPendingLocked() {
	if ps.draining {
		return
	}
	ps.draining = true
	defer func() { ps.draining = false }()

	for {
		queue := ps.pending
		if len(queue) == 0 {
			break
		}
		ps.pending = nil
		var batch *multierror.Error
		for _, p := range queue {
			if !ps.anyTrustedLocked(p.waitingOn) {
				ps.pending = append(ps.pending, p)
				continue
			}
			if err := p.run(); err != nil {
				batch = multierror.Append(batch, err)
			}
		}
		if batch != nil {
			for _, err := range batch.Errors {
				metrics.PendingReplayFailures.Inc()
				if errkind.IsFatal(err) && ps.fatalErr == nil {
					ps.fatalErr = err
				}
				ps.emit(Event{Kind: EventReplayFailed, Err: err})
			}
		}
		if len(ps.pending) >= len(queue) {
			break
		}
	}
	metrics.PendingQueueDepth.WithLabelValues(keyring.IDFor(ps.publicKey)).Set(float64(len(ps.pending)))
}

func (ps *PartyState) anyTrustedLocked(keys []keyring.PublicKey) bool {
	for _, k := range keys {
		if ps.kr.IsTrusted(k) {
			return true
		}
	}
	return false
}

// reprocess re-runs processCredential's admission logic for a previously
// queued outer message. It assumes ps.mu is already held by the caller
// (drainPendingLocked).
func (ps *PartyState) reprocess(outer *keyring.SignedMessage) error {
	layers, innermostMsg, cred, err := credential.UnwrapEnvelopes(outer)
	if err != nil {
		return err
	}
	hasEnvelope := len(layers) > 0
	var envSigner keyring.PublicKey
	var envTrusted bool
	if hasEnvelope {
		signer, fatalErr, ok := ps.trustedSignerLocked(outer)
		if fatalErr != nil {
			return errkind.NewFatal(errkind.KeyFatal, fatalErr)
		}
		envSigner, envTrusted = signer, ok
	}
	switch cred.Type {
	case credential.TypeKeyAdmit:
		return ps.admitKeyLocked(outer, innermostMsg, cred.KeyAdmit, hasEnvelope, envSigner, envTrusted)
	case credential.TypeFeedAdmit:
		return ps.admitFeedLocked(outer, innermostMsg, cred.FeedAdmit, hasEnvelope, envSigner, envTrusted)
	default:
		return ErrUnknownCredential
	}
}

// trustedSignerLocked is trustedSigner without re-locking (ps.mu already
// held).
func (ps *PartyState) trustedSignerLocked(msg *keyring.SignedMessage) (keyring.PublicKey, error, bool) {
	return ps.trustedSigner(msg)
}
