package credential

import (
	"encoding/base64"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/anypb"

	"github.com/partymesh/partymesh/keyring"
)

// wireSignedMessage / wireSignature / wireKeyChain are the JSON-safe shapes
// used to move keyring.SignedMessage values across process boundaries
// (stored in a party log, sent over a greeting command). They exist
// separately from keyring's internal Signed/Signature structs because the
// signing image (keyring.Canonicalize) must stay independent of whatever
// transport encoding wraps the fully-signed message.
type wireSignedMessage struct {
	Created    string          `json:"created"`
	Nonce      string          `json:"nonce"`
	PayloadURL string          `json:"payload_type_url"`
	Payload    []byte          `json:"payload_value"`
	Signatures []wireSignature `json:"signatures"`
}

type wireSignature struct {
	Key       string        `json:"key"`
	Signature string        `json:"signature"`
	KeyChain  *wireKeyChain `json:"key_chain,omitempty"`
}

type wireKeyChain struct {
	PublicKey string             `json:"public_key"`
	Message   *wireSignedMessage `json:"message,omitempty"`
	Parents   []wireKeyChain     `json:"parents,omitempty"`
}

// EncodeSignedMessage converts a keyring.SignedMessage into its wire form.
func EncodeSignedMessage(msg *keyring.SignedMessage) (*wireSignedMessage, error) {
	if msg == nil {
		return nil, fmt.Errorf("credential: nil signed message")
	}
	w := &wireSignedMessage{
		Created: msg.Signed.Created.UTC().Format(time.RFC3339),
		Nonce:   base64.StdEncoding.EncodeToString(msg.Signed.Nonce),
	}
	if msg.Signed.Payload != nil {
		w.PayloadURL = msg.Signed.Payload.TypeUrl
		w.Payload = msg.Signed.Payload.Value
	}
	for _, sig := range msg.Signatures {
		ws := wireSignature{
			Key:       base64.StdEncoding.EncodeToString(sig.Key[:]),
			Signature: base64.StdEncoding.EncodeToString(sig.Signature[:]),
		}
		if sig.KeyChain != nil {
			wk, err := encodeKeyChain(sig.KeyChain)
			if err != nil {
				return nil, err
			}
			ws.KeyChain = wk
		}
		w.Signatures = append(w.Signatures, ws)
	}
	return w, nil
}

// DecodeSignedMessage reverses EncodeSignedMessage.
func DecodeSignedMessage(w *wireSignedMessage) (*keyring.SignedMessage, error) {
	if w == nil {
		return nil, fmt.Errorf("credential: nil wire message")
	}
	created, err := time.Parse(time.RFC3339, w.Created)
	if err != nil {
		return nil, fmt.Errorf("credential: bad created timestamp: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(w.Nonce)
	if err != nil {
		return nil, fmt.Errorf("credential: bad nonce: %w", err)
	}
	var payload *anypb.Any
	if w.PayloadURL != "" {
		payload = &anypb.Any{TypeUrl: w.PayloadURL, Value: w.Payload}
	}
	msg := &keyring.SignedMessage{Signed: keyring.Signed{Created: created, Nonce: nonce, Payload: payload}}
	for _, ws := range w.Signatures {
		keyb, err := base64.StdEncoding.DecodeString(ws.Key)
		if err != nil {
			return nil, err
		}
		pk, err := keyring.PublicKeyFromBytes(keyb)
		if err != nil {
			return nil, err
		}
		sigb, err := base64.StdEncoding.DecodeString(ws.Signature)
		if err != nil {
			return nil, err
		}
		if len(sigb) != 64 {
			return nil, fmt.Errorf("credential: signature must be 64 bytes")
		}
		var sigArr [64]byte
		copy(sigArr[:], sigb)
		sig := keyring.Signature{Key: pk, Signature: sigArr}
		if ws.KeyChain != nil {
			kc, err := decodeKeyChain(ws.KeyChain)
			if err != nil {
				return nil, err
			}
			sig.KeyChain = kc
		}
		msg.Signatures = append(msg.Signatures, sig)
	}
	return msg, nil
}

func encodeKeyChain(kc *keyring.KeyChain) (*wireKeyChain, error) {
	if kc == nil {
		return nil, nil
	}
	w := &wireKeyChain{PublicKey: base64.StdEncoding.EncodeToString(kc.PublicKey[:])}
	if kc.Message != nil {
		wm, err := EncodeSignedMessage(kc.Message)
		if err != nil {
			return nil, err
		}
		w.Message = wm
	}
	for _, p := range kc.Parents {
		wp, err := encodeKeyChain(p)
		if err != nil {
			return nil, err
		}
		w.Parents = append(w.Parents, *wp)
	}
	return w, nil
}

func decodeKeyChain(w *wireKeyChain) (*keyring.KeyChain, error) {
	if w == nil {
		return nil, nil
	}
	keyb, err := base64.StdEncoding.DecodeString(w.PublicKey)
	if err != nil {
		return nil, err
	}
	pk, err := keyring.PublicKeyFromBytes(keyb)
	if err != nil {
		return nil, err
	}
	kc := &keyring.KeyChain{PublicKey: pk}
	if w.Message != nil {
		m, err := DecodeSignedMessage(w.Message)
		if err != nil {
			return nil, err
		}
		kc.Message = m
	}
	for i := range w.Parents {
		p, err := decodeKeyChain(&w.Parents[i])
		if err != nil {
			return nil, err
		}
		kc.Parents = append(kc.Parents, p)
	}
	return kc, nil
}

func encodeB64(b []byte) string {
	if b == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

func decodeB64(s string) []byte {
	if s == "" {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}
