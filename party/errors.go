package party

import "errors"

var (
	ErrNotGenesis          = errors.New("party: first credential processed on an empty party must be PartyGenesis")
	ErrAlreadyGenesis      = errors.New("party: genesis already processed")
	ErrPartyKeyMismatch    = errors.New("party: genesis party_key does not match this party")
	ErrGenesisSignatures   = errors.New("party: genesis must be signed by party_key, feed_key, and admit_key")
	ErrKeyAdmitSignatures  = errors.New("party: key_admit requires a self-signature and a trusted admitting member")
	ErrFeedAdmitSignatures = errors.New("party: feed_admit requires the feed key's signature and a trusted admitting member")
	ErrUnknownCredential   = errors.New("party: unrecognized credential or payload type")
	ErrMalformedEnvelope   = errors.New("party: malformed envelope")
	ErrClosed              = errors.New("party: party is not open")
)
