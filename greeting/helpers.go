package greeting

import (
	"crypto/rand"
	"encoding/json"
	"io"

	"google.golang.org/protobuf/types/known/anypb"

	"github.com/partymesh/partymesh/credential"
	"github.com/partymesh/partymesh/keyring"
)

// randRead is crypto/rand.Read, split out so it is easy to see every call
// site that mints fresh random material.
func randRead(b []byte) (int, error) { return io.ReadFull(rand.Reader, b) }

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// encodeAny packs v as the JSON-encoded value of an Any envelope tagged
// typeURL, mirroring credential.encodeAny for greeting's own opaque
// response payloads (id echoes, party keys, rendezvous material) which
// have no PartyCredential variant of their own.
func encodeAny(typeURL string, v any) (*anypb.Any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &anypb.Any{TypeUrl: typeURL, Value: b}, nil
}

// signOpaque signs v, packed under typeURL, with signer's key.
func signOpaque(kr *keyring.Keyring, signer keyring.PublicKey, typeURL string, v any) (*keyring.SignedMessage, error) {
	payload, err := encodeAny(typeURL, v)
	if err != nil {
		return nil, err
	}
	return kr.Sign(payload, []keyring.Signer{{PublicKey: signer}}, keyring.SignOpts{})
}

// wrapEnvelope wraps inner in a greeter-signed Envelope credential bound to
// partyKey.
func wrapEnvelope(kr *keyring.Keyring, greeter keyring.PublicKey, partyKey keyring.PublicKey, inner *keyring.SignedMessage) (*keyring.SignedMessage, error) {
	payload, err := credential.EncodePartyCredential(&credential.PartyCredential{
		Type:     credential.TypeEnvelope,
		Envelope: &credential.Envelope{PartyKey: partyKey, Inner: inner},
	})
	if err != nil {
		return nil, err
	}
	return kr.Sign(payload, []keyring.Signer{{PublicKey: greeter}}, keyring.SignOpts{})
}

// encodeHints signs the hint set NOTARIZE collected so it can ride inside
// the response Command's Params alongside the committed copies.
func encodeHints(kr *keyring.Keyring, greeter keyring.PublicKey, hints []Hint) (*keyring.SignedMessage, error) {
	type wireHint struct {
		PublicKey keyring.PublicKey `json:"public_key"`
		Type      keyring.KeyType   `json:"type"`
	}
	wire := make([]wireHint, len(hints))
	for i, h := range hints {
		wire[i] = wireHint{PublicKey: h.PublicKey, Type: h.Type}
	}
	return signOpaque(kr, greeter, "partymesh.greeting.v1.Hints", wire)
}

// decodeHints recovers the hint set from the SignedMessage encodeHints
// produced. The greeter is not yet a trusted key from the invitee's
// perspective at this point in the protocol, so only the signature's
// internal validity is checked here -- trust in what the hints claim is
// established later, by the admission messages the log replay confirms.
func decodeHints(msg *keyring.SignedMessage) ([]Hint, error) {
	type wireHint struct {
		PublicKey keyring.PublicKey `json:"public_key"`
		Type      keyring.KeyType   `json:"type"`
	}
	if !keyring.VerifySignaturesOnly(msg) {
		return nil, ErrBadSignature
	}
	var wire []wireHint
	if err := json.Unmarshal(msg.Signed.Payload.Value, &wire); err != nil {
		return nil, err
	}
	hints := make([]Hint, len(wire))
	for i, w := range wire {
		hints[i] = Hint{PublicKey: w.PublicKey, Type: w.Type}
	}
	return hints, nil
}

// decodeOpaqueString unmarshals a signOpaque(..., string) payload's value
// into out, without requiring the signer be trusted yet.
func decodeOpaqueString(msg *keyring.SignedMessage, out *string) error {
	if !keyring.VerifySignaturesOnly(msg) {
		return ErrBadSignature
	}
	return json.Unmarshal(msg.Signed.Payload.Value, out)
}

// decodeOpaqueBytes unmarshals a signOpaque(..., []byte) payload's value.
func decodeOpaqueBytes(msg *keyring.SignedMessage) ([]byte, error) {
	if !keyring.VerifySignaturesOnly(msg) {
		return nil, ErrBadSignature
	}
	var b []byte
	if err := json.Unmarshal(msg.Signed.Payload.Value, &b); err != nil {
		return nil, err
	}
	return b, nil
}
