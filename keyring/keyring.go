package keyring

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/partymesh/partymesh/internal/metrics"
)

var (
	ErrKeyExists    = errors.New("keyring: key already exists")
	ErrKeyNotFound  = errors.New("keyring: key not found")
	ErrNoSecret     = errors.New("keyring: key record has no secret key")
	ErrInvalidChain = errors.New("keyring: invalid key chain")
)

// Keyring owns a KeyStore; it generates key pairs, signs canonical payloads,
// verifies signatures, builds and walks key chains, and answers "is X a
// trusted key?". It is safe for concurrent reads and serialized writes;
// writes (new keys) are rare relative to verifications, so a reader-writer
// lock fits.
type Keyring struct {
	mu    sync.RWMutex
	store KeyStore
}

// New creates a Keyring backed by store.
func New(store KeyStore) *Keyring {
	return &Keyring{store: store}
}

// Generate creates a fresh ed25519 key pair, stores it as `own`/`trusted`
// with the given type, and returns the record (including the secret).
func (k *Keyring) Generate(typ KeyType) (KeyRecord, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyRecord{}, err
	}
	pk, _ := PublicKeyFromBytes(pub)
	sk, _ := SecretKeyFromBytes(priv)
	now := time.Now()
	kr := KeyRecord{
		Type:      typ,
		PublicKey: pk,
		SecretKey: &sk,
		Own:       true,
		Trusted:   true,
		Added:     now,
		Created:   now,
	}
	if err := k.AddKeyRecord(kr, false); err != nil {
		return KeyRecord{}, err
	}
	return kr, nil
}

// AddKeyRecord requires a valid 32-byte public key and 64-byte secret key;
// it refuses to overwrite an existing key unless overwrite is true.
func (k *Keyring) AddKeyRecord(kr KeyRecord, overwrite bool) error {
	if err := kr.validate(); err != nil {
		return err
	}
	if kr.SecretKey == nil {
		return ErrNoSecret
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.putLocked(kr, overwrite)
}

// AddPublicKey requires only a public key; it forbids secrets.
func (k *Keyring) AddPublicKey(kr KeyRecord, overwrite bool) error {
	if err := kr.validate(); err != nil {
		return err
	}
	if kr.SecretKey != nil {
		return errors.New("keyring: add_public_key forbids a secret key")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.putLocked(kr, overwrite)
}

func (k *Keyring) putLocked(kr KeyRecord, overwrite bool) error {
	id := IDFor(kr.PublicKey)
	if !overwrite {
		if _, ok, _ := k.store.Get(id); ok {
			return ErrKeyExists
		}
	}
	if kr.Added.IsZero() {
		kr.Added = time.Now()
	}
	if kr.Created.IsZero() {
		kr.Created = kr.Added
	}
	return k.store.Put(id, kr)
}

// UpdateKey merges non-secret attributes into an existing record. It must
// never widen a key's type from a specific variant back to UNKNOWN.
func (k *Keyring) UpdateKey(pk PublicKey, mutate func(kr *KeyRecord)) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	id := IDFor(pk)
	existing, ok, err := k.store.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrKeyNotFound
	}
	updated := existing
	mutate(&updated)
	if updated.Type.specificity() < existing.Type.specificity() {
		updated.Type = existing.Type
	}
	updated.SecretKey = existing.SecretKey
	return k.store.Put(id, updated)
}

// DeleteSecretKey strips the secret but leaves the public record.
func (k *Keyring) DeleteSecretKey(pk PublicKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	id := IDFor(pk)
	existing, ok, err := k.store.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrKeyNotFound
	}
	existing.SecretKey = nil
	return k.store.Put(id, existing)
}

// Get returns a public-only copy of the record for pk.
func (k *Keyring) Get(pk PublicKey) (KeyRecord, bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	kr, ok, err := k.store.Get(IDFor(pk))
	if err != nil || !ok {
		return KeyRecord{}, ok, err
	}
	return kr.Public(), true, nil
}

// IsTrusted reports whether pk is present and marked trusted.
func (k *Keyring) IsTrusted(pk PublicKey) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	kr, ok, err := k.store.Get(IDFor(pk))
	if err != nil || !ok {
		return false
	}
	return kr.Trusted && !kr.Hint
}

// Signer is a capability to co-sign a Signed payload, either directly
// (holding the secret) or through a KeyChain tip whose secret we hold.
type Signer struct {
	PublicKey PublicKey
	Chain     *KeyChain // nil for a direct signer
}

// SignOpts configures Sign; zero values pick the defaults below.
type SignOpts struct {
	Nonce   []byte    // defaults to 32 fresh random bytes
	Created time.Time // defaults to time.Now()
}

// Sign signs payload with every key in signers, which may be direct
// KeyRecords we hold the secret for, or KeyChains whose tip we hold the
// secret for.
func (k *Keyring) Sign(payload *anypb.Any, signers []Signer, opts SignOpts) (msg *SignedMessage, err error) {
	timer := prometheus.NewTimer(metrics.KeyringOperationDuration.WithLabelValues("sign"))
	defer timer.ObserveDuration()
	defer func() {
		if err != nil {
			metrics.KeyringErrors.WithLabelValues("sign", "false").Inc()
			return
		}
		metrics.KeyringOperations.WithLabelValues("sign").Inc()
	}()

	nonce := opts.Nonce
	if nonce == nil {
		nonce = make([]byte, 32)
		if _, err := rand.Read(nonce); err != nil {
			return nil, err
		}
	}
	created := opts.Created
	if created.IsZero() {
		created = time.Now()
	}
	signed := Signed{Created: created, Nonce: nonce, Payload: payload}
	body, err := Canonicalize(signed.wire())
	if err != nil {
		return nil, err
	}

	k.mu.RLock()
	defer k.mu.RUnlock()

	sigs := make([]Signature, 0, len(signers))
	for _, s := range signers {
		kr, ok, err := k.store.Get(IDFor(s.PublicKey))
		if err != nil {
			return nil, err
		}
		if !ok || kr.SecretKey == nil {
			return nil, fmt.Errorf("%w: %x", ErrNoSecret, s.PublicKey)
		}
		raw := ed25519.Sign(ed25519.PrivateKey(kr.SecretKey[:]), body)
		var sigArr [64]byte
		copy(sigArr[:], raw)
		sigs = append(sigs, Signature{Key: s.PublicKey, Signature: sigArr, KeyChain: s.Chain})
	}

	return &SignedMessage{Signed: signed, Signatures: sigs}, nil
}

// VerifyOpts configures Verify.
type VerifyOpts struct {
	RequireAllTrusted bool
	AllowKeyChains    bool
}

// Verify checks that every signature on msg independently verifies under
// the canonical bytes, then applies the trust policy in opts.
//
// Note: a FatalChainError encountered while resolving a key chain is
// treated as "that signature did not resolve" here, since Verify's contract
// is a plain bool. Callers that must react to corruption specifically
// (PartyState, Authenticator) should call FindTrusted directly instead of
// routing through Verify with AllowKeyChains set.
func (k *Keyring) Verify(msg *SignedMessage, opts VerifyOpts) bool {
	timer := prometheus.NewTimer(metrics.KeyringOperationDuration.WithLabelValues("verify"))
	defer timer.ObserveDuration()
	metrics.KeyringOperations.WithLabelValues("verify").Inc()

	if !VerifySignaturesOnly(msg) {
		return false
	}
	trusted := 0
	for _, sig := range msg.Signatures {
		if k.IsTrusted(sig.Key) {
			trusted++
			continue
		}
		if opts.AllowKeyChains && sig.KeyChain != nil {
			if node, err := k.FindTrusted(sig.KeyChain); err == nil && node != nil {
				trusted++
			}
		}
	}
	if opts.RequireAllTrusted {
		return trusted == len(msg.Signatures)
	}
	return trusted >= 1
}

// VerifySignaturesOnly checks only that every signature in msg verifies
// under the canonical bytes of msg.Signed, without consulting any trust
// policy.
func VerifySignaturesOnly(msg *SignedMessage) bool {
	if msg == nil || len(msg.Signatures) == 0 {
		return false
	}
	body, err := Canonicalize(msg.Signed.wire())
	if err != nil {
		return false
	}
	for _, sig := range msg.Signatures {
		if !ed25519.Verify(ed25519.PublicKey(sig.Key[:]), body, sig.Signature[:]) {
			return false
		}
	}
	return true
}

// SignedBy reports whether msg carries a (verified) signature by pk.
func SignedBy(msg *SignedMessage, pk PublicKey) bool {
	if msg == nil {
		return false
	}
	body, err := Canonicalize(msg.Signed.wire())
	if err != nil {
		return false
	}
	for _, sig := range msg.Signatures {
		if sig.Key == pk && ed25519.Verify(ed25519.PublicKey(pk[:]), body, sig.Signature[:]) {
			return true
		}
	}
	return false
}

// SigningKeys returns the set of public keys that signed msg (regardless of
// trust), used by FindTrusted's chain replay and PartyState dispatch.
func SigningKeys(msg *SignedMessage) []PublicKey {
	out := make([]PublicKey, 0, len(msg.Signatures))
	for _, s := range msg.Signatures {
		out = append(out, s.Key)
	}
	return out
}

// FatalChainError signals that chain walking found corruption -- a node
// whose key exists in this Keyring but is marked untrusted. Callers must
// treat this as an attack, not a recoverable verification failure.
type FatalChainError struct {
	PublicKey PublicKey
}

func (e *FatalChainError) Error() string {
	return fmt.Sprintf("keyring: untrusted key %x encountered while walking chain (treat as attack)", e.PublicKey)
}

// FindTrusted walks chain tip-to-root. At each node it validates the node's
// message signatures and that the message is indeed signed by the node's
// public key. If a node's key exists in this Keyring and is marked
// untrusted, it returns a FatalChainError.
//
// If the tip node is directly trusted, it is returned immediately without
// replay. Otherwise, on finding a trusted ancestor, a scratch Keyring is
// seeded with that key and the message chain is replayed root-forward:
// every message must verify under the scratch keyring, and each message's
// signing keys are added to it as the replay proceeds. A (nil, nil)
// result means no trusted ancestor was found (recoverable); a non-nil error
// means the chain is corrupt -- a FatalChainError -- and must be treated as
// hostile input. There is deliberately no alternate-parent retry around an
// untrusted intermediate: a quarantined node must not launder trust.
func (k *Keyring) FindTrusted(chain *KeyChain) (*KeyChain, error) {
	timer := prometheus.NewTimer(metrics.KeyringOperationDuration.WithLabelValues("find_trusted"))
	defer timer.ObserveDuration()

	k.mu.RLock()
	node, err := k.findTrusted(chain)
	k.mu.RUnlock()
	if err != nil {
		fatal := "false"
		var fce *FatalChainError
		if errors.As(err, &fce) {
			fatal = "true"
		}
		metrics.KeyringErrors.WithLabelValues("find_trusted", fatal).Inc()
	} else {
		metrics.KeyringOperations.WithLabelValues("find_trusted").Inc()
	}
	return node, err
}

func (k *Keyring) findTrusted(chain *KeyChain) (*KeyChain, error) {
	if chain == nil {
		return nil, nil
	}
	if err := validateNode(chain); err != nil {
		return nil, nil
	}
	if kr, ok, _ := k.store.Get(IDFor(chain.PublicKey)); ok {
		if !kr.Trusted || kr.Hint {
			return nil, &FatalChainError{PublicKey: chain.PublicKey}
		}
		return chain, nil
	}

	path, trustedNode, err := findTrustedAncestor(k, chain)
	if err != nil {
		return nil, err
	}
	if trustedNode == nil {
		return nil, nil
	}
	if len(path) == 0 {
		return trustedNode, nil
	}

	scratch := New(NewMemoryStore())
	_ = scratch.AddPublicKey(KeyRecord{PublicKey: trustedNode.PublicKey, Trusted: true, Type: KeyTypeUnknown}, true)

	for i := 0; i < len(path); i++ {
		node := path[i]
		if node.Message == nil {
			return nil, nil
		}
		if !VerifySignaturesOnly(node.Message) {
			return nil, nil
		}
		if !scratch.Verify(node.Message, VerifyOpts{RequireAllTrusted: false}) {
			return nil, nil
		}
		for _, pk := range SigningKeys(node.Message) {
			_ = scratch.AddPublicKey(KeyRecord{PublicKey: pk, Trusted: true}, true)
		}
	}
	return trustedNode, nil
}

// findTrustedAncestor performs a depth-first walk from node toward its
// parents. It returns the path of nodes from the one just below the first
// trusted ancestor up to and including node itself, in root-forward order,
// plus that ancestor node.
func findTrustedAncestor(k *Keyring, node *KeyChain) ([]*KeyChain, *KeyChain, error) {
	for _, parent := range node.Parents {
		if err := validateNode(parent); err != nil {
			continue
		}
		if kr, ok, _ := k.store.Get(IDFor(parent.PublicKey)); ok {
			if !kr.Trusted || kr.Hint {
				return nil, nil, &FatalChainError{PublicKey: parent.PublicKey}
			}
			return []*KeyChain{node}, parent, nil
		}
		path, trusted, err := findTrustedAncestor(k, parent)
		if err != nil {
			return nil, nil, err
		}
		if trusted != nil {
			return append(path, node), trusted, nil
		}
	}
	return nil, nil, nil
}

func validateNode(node *KeyChain) error {
	if node.Message == nil {
		return ErrInvalidChain
	}
	if !VerifySignaturesOnly(node.Message) {
		return ErrInvalidChain
	}
	if !SignedBy(node.Message, node.PublicKey) {
		return ErrInvalidChain
	}
	return nil
}

// BuildKeyChain looks up the admission message for pk in msgMap, validates
// its signatures, requires pk to be among its signing keys, and recurses
// into every other signing key not in exclude, extending exclude to prevent
// cycles.
func BuildKeyChain(pk PublicKey, msgMap map[PublicKey]*SignedMessage, exclude []PublicKey) (*KeyChain, error) {
	timer := prometheus.NewTimer(metrics.KeyringOperationDuration.WithLabelValues("build_key_chain"))
	defer timer.ObserveDuration()

	msg, ok := msgMap[pk]
	if !ok {
		metrics.KeyringErrors.WithLabelValues("build_key_chain", "false").Inc()
		return nil, fmt.Errorf("keyring: no admission message for %x", pk)
	}
	if !VerifySignaturesOnly(msg) {
		metrics.KeyringErrors.WithLabelValues("build_key_chain", "false").Inc()
		return nil, fmt.Errorf("keyring: invalid signatures on admission message for %x", pk)
	}
	if !SignedBy(msg, pk) {
		metrics.KeyringErrors.WithLabelValues("build_key_chain", "false").Inc()
		return nil, fmt.Errorf("keyring: admission message for %x not self-signed", pk)
	}
	metrics.KeyringOperations.WithLabelValues("build_key_chain").Inc()

	excluded := make(map[PublicKey]bool, len(exclude)+1)
	for _, e := range exclude {
		excluded[e] = true
	}
	excluded[pk] = true
	for _, s := range msg.Signatures {
		excluded[s.Key] = true
	}

	node := &KeyChain{PublicKey: pk, Message: msg}
	for _, s := range msg.Signatures {
		if s.Key == pk || (len(exclude) > 0 && containsKey(exclude, s.Key)) {
			continue
		}
		parentExclude := make([]PublicKey, 0, len(excluded))
		for e := range excluded {
			parentExclude = append(parentExclude, e)
		}
		parent, err := BuildKeyChain(s.Key, msgMap, parentExclude)
		if err != nil {
			continue // parent has no admission of its own; tip-only chain
		}
		node.Parents = append(node.Parents, parent)
	}
	return node, nil
}

func containsKey(list []PublicKey, pk PublicKey) bool {
	for _, k := range list {
		if k == pk {
			return true
		}
	}
	return false
}
