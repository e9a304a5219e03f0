// Package keyring implements the typed keystore and signing/verification
// substrate of the credential core: it generates, stores, and exposes
// ed25519 signing over key records, and builds/walks key chains that prove
// one key was transitively endorsed by another.
package keyring

import (
	"crypto/ed25519"
	"errors"
	"time"
)

// PublicKey is a 32-byte ed25519 public key.
type PublicKey [32]byte

// IsZero reports whether pk is the zero value (never a valid key).
func (pk PublicKey) IsZero() bool { return pk == PublicKey{} }

// Bytes returns pk as a newly allocated slice.
func (pk PublicKey) Bytes() []byte {
	b := make([]byte, len(pk))
	copy(b, pk[:])
	return b
}

// PublicKeyFromBytes validates and converts a 32-byte slice to a PublicKey.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != ed25519.PublicKeySize {
		return pk, errors.New("keyring: public key must be 32 bytes")
	}
	copy(pk[:], b)
	return pk, nil
}

// SecretKey is a 64-byte ed25519 secret key (seed||public form), as produced
// by crypto/ed25519.GenerateKey. It never leaves the Keyring except through
// an explicit export call.
type SecretKey [64]byte

// Bytes returns sk as a newly allocated slice.
func (sk SecretKey) Bytes() []byte {
	b := make([]byte, len(sk))
	copy(b, sk[:])
	return b
}

// SecretKeyFromBytes validates and converts a 64-byte slice to a SecretKey.
func SecretKeyFromBytes(b []byte) (SecretKey, error) {
	var sk SecretKey
	if len(b) != ed25519.PrivateKeySize {
		return sk, errors.New("keyring: secret key must be 64 bytes")
	}
	copy(sk[:], b)
	return sk, nil
}

// KeyType classifies what role a key plays within a party.
type KeyType string

const (
	KeyTypeUnknown  KeyType = "UNKNOWN"
	KeyTypeIdentity KeyType = "IDENTITY"
	KeyTypeDevice   KeyType = "DEVICE"
	KeyTypeParty    KeyType = "PARTY"
	KeyTypeFeed     KeyType = "FEED"
)

// specificity orders key types so update_key can refuse to widen a specific
// type back to UNKNOWN.
func (t KeyType) specificity() int {
	if t == KeyTypeUnknown || t == "" {
		return 0
	}
	return 1
}

// KeyRecord is the entity owned by a Keyring's KeyStore.
type KeyRecord struct {
	Type      KeyType
	PublicKey PublicKey
	SecretKey *SecretKey // present only for keys we generated or imported
	Hint      bool
	Own       bool
	Trusted   bool
	Added     time.Time
	Created   time.Time
}

// Clone returns a deep copy of kr. Accessors that hand records to callers
// must return clones, never internal pointers, so external mutation cannot
// corrupt the store.
func (kr KeyRecord) Clone() KeyRecord {
	out := kr
	if kr.SecretKey != nil {
		sk := *kr.SecretKey
		out.SecretKey = &sk
	}
	return out
}

// Public returns a copy of kr with the secret key stripped, suitable for any
// accessor that must never surface secret material.
func (kr KeyRecord) Public() KeyRecord {
	out := kr.Clone()
	out.SecretKey = nil
	return out
}

func (kr KeyRecord) validate() error {
	if kr.PublicKey.IsZero() {
		return errors.New("keyring: key record requires a non-zero public key")
	}
	return nil
}
