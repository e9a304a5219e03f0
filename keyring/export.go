package keyring

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// jwk is a minimal JSON Web Key, restricted to the OKP/Ed25519 shape this
// module signs with, so exported material is interoperable with other JWK
// consumers.
type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	D   string `json:"d,omitempty"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`
}

// Export encodes pk's public material as an Ed25519 JWK. Never includes secret material.
func (k *Keyring) Export(pk PublicKey) ([]byte, error) {
	rec, ok, err := k.Get(pk)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrKeyNotFound
	}
	j := jwk{Kty: "OKP", Crv: "Ed25519", Alg: "EdDSA", Use: "sig", X: base64.RawURLEncoding.EncodeToString(rec.PublicKey[:])}
	return json.Marshal(j)
}

// ExportSecret encodes pk's full keypair (public and secret) as an Ed25519
// JWK. Unlike Export, this surfaces secret material and is never called by
// a default accessor path -- only by an explicit caller request.
func (k *Keyring) ExportSecret(pk PublicKey) ([]byte, error) {
	k.mu.RLock()
	rec, ok, err := k.store.Get(IDFor(pk))
	k.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrKeyNotFound
	}
	if rec.SecretKey == nil {
		return nil, fmt.Errorf("keyring: no secret key held for %x", pk)
	}
	j := jwk{
		Kty: "OKP", Crv: "Ed25519", Alg: "EdDSA", Use: "sig",
		X: base64.RawURLEncoding.EncodeToString(rec.PublicKey[:]),
		D: base64.RawURLEncoding.EncodeToString(rec.SecretKey[:ed25519.SeedSize]),
	}
	return json.Marshal(j)
}

// ImportPublic decodes an Ed25519 JWK produced by Export and adds it as an
// untrusted public key record (callers establish trust separately, e.g. via
// AddPublicKey with Trusted or via party admission).
func (k *Keyring) ImportPublic(data []byte) (KeyRecord, error) {
	var j jwk
	if err := json.Unmarshal(data, &j); err != nil {
		return KeyRecord{}, fmt.Errorf("keyring: decode jwk: %w", err)
	}
	if j.Kty != "OKP" || j.Crv != "Ed25519" {
		return KeyRecord{}, fmt.Errorf("keyring: unsupported jwk kty/crv %q/%q", j.Kty, j.Crv)
	}
	xb, err := base64.RawURLEncoding.DecodeString(j.X)
	if err != nil {
		return KeyRecord{}, fmt.Errorf("keyring: decode jwk x: %w", err)
	}
	pk, err := PublicKeyFromBytes(xb)
	if err != nil {
		return KeyRecord{}, err
	}
	rec := KeyRecord{PublicKey: pk, Type: KeyTypeIdentity}
	if err := k.AddPublicKey(rec, false); err != nil && err != ErrKeyExists {
		return KeyRecord{}, err
	}
	return rec, nil
}
