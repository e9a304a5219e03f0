package keyring

import (
	"encoding/base64"
	"time"

	"google.golang.org/protobuf/types/known/anypb"
)

var b64 = base64.StdEncoding

// Signed is the portion of a SignedMessage that signatures are computed
// over. The byte image used for signing is the canonical form of this
// struct alone -- the outer Signatures slice is never part of the signed
// bytes.
type Signed struct {
	Created time.Time  `json:"created"`
	Nonce   []byte     `json:"nonce"`
	Payload *anypb.Any `json:"payload"`
}

// signedWire is the JSON shape actually canonicalized: time and byte slices
// need explicit string encodings so Canonicalize's generic JSON round trip
// is stable and matches on both sign and verify.
type signedWire struct {
	Created string  `json:"created"`
	Nonce   string  `json:"nonce"`
	Payload anyWire `json:"payload"`
}

type anyWire struct {
	TypeURL string `json:"__type_url"`
	Value   string `json:"value"`
}

func (s Signed) wire() signedWire {
	var pw anyWire
	if s.Payload != nil {
		pw = anyWire{TypeURL: s.Payload.TypeUrl, Value: encodeBytes(s.Payload.Value)}
	}
	return signedWire{
		Created: formatTime(s.Created),
		Nonce:   encodeBytes(s.Nonce),
		Payload: pw,
	}
}

// Signature is one signer's endorsement of a Signed payload. KeyChain is
// populated when the signer is a chain tip rather than a directly held
// key.
type Signature struct {
	Key       PublicKey
	Signature [64]byte
	KeyChain  *KeyChain
}

// SignedMessage is the top-level signed envelope.
type SignedMessage struct {
	Signed     Signed
	Signatures []Signature
}

// KeyChain is a tree rooted at PublicKey, with the Message that admitted it
// and a list of Parents whose signatures co-sign that Message.
type KeyChain struct {
	PublicKey PublicKey
	Message   *SignedMessage
	Parents   []*KeyChain
}

func encodeBytes(b []byte) string {
	if b == nil {
		return ""
	}
	return b64.EncodeToString(b)
}
