package credential

import (
	"fmt"

	"github.com/partymesh/partymesh/keyring"
)

// UnwrapEnvelopes repeatedly extracts envelope.inner until it reaches a
// non-Envelope PartyCredential. It returns the chain
// of envelope layers from outermost to innermost (len==0 if msg itself
// already carries a non-envelope credential) and the innermost credential
// together with the SignedMessage that carries it.
func UnwrapEnvelopes(msg *keyring.SignedMessage) (layers []*keyring.SignedMessage, innermost *keyring.SignedMessage, cred *PartyCredential, err error) {
	cur := msg
	for {
		c, decErr := DecodePartyCredential(cur.Signed.Payload)
		if decErr != nil {
			return layers, cur, nil, decErr
		}
		if c.Type != TypeEnvelope {
			return layers, cur, c, nil
		}
		layers = append(layers, cur)
		cur = c.Envelope.Inner
		if cur == nil {
			return layers, cur, nil, errNilEnvelopeInner
		}
	}
}

var errNilEnvelopeInner = fmt.Errorf("credential: envelope has no inner message")
