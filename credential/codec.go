package credential

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/anypb"

	"github.com/partymesh/partymesh/keyring"
)

// Type URLs double as the protobuf Any discriminator and are
// excluded from the signing image by keyring.Canonicalize's "__" rule,
// since the field carrying them is tagged __type_url.
const (
	urlPartyGenesis    = "partymesh.credential.v1.PartyGenesis"
	urlKeyAdmit        = "partymesh.credential.v1.KeyAdmit"
	urlFeedAdmit       = "partymesh.credential.v1.FeedAdmit"
	urlEnvelope        = "partymesh.credential.v1.Envelope"
	urlPartyInvitation = "partymesh.credential.v1.PartyInvitation"
	urlIdentityInfo    = "partymesh.credential.v1.IdentityInfo"
	urlDeviceInfo      = "partymesh.credential.v1.DeviceInfo"
	urlAuth            = "partymesh.credential.v1.Auth"
	urlCommand         = "partymesh.credential.v1.Command"
)

// wireEnvelope is the JSON shape of an Envelope credential; its Inner field
// needs a dedicated encode/decode pass since *keyring.SignedMessage isn't
// itself JSON-tagged for wire use (it carries raw byte arrays).
type wireEnvelope struct {
	PartyKey keyring.PublicKey `json:"party_key"`
	Inner    wireSignedMessage `json:"inner"`
}

// EncodePartyCredential packs a PartyCredential into an Any envelope.
func EncodePartyCredential(c *PartyCredential) (*anypb.Any, error) {
	switch c.Type {
	case TypePartyGenesis:
		return encodeAny(urlPartyGenesis, c.PartyGenesis)
	case TypeKeyAdmit:
		return encodeAny(urlKeyAdmit, c.KeyAdmit)
	case TypeFeedAdmit:
		return encodeAny(urlFeedAdmit, c.FeedAdmit)
	case TypeEnvelope:
		inner, err := EncodeSignedMessage(c.Envelope.Inner)
		if err != nil {
			return nil, err
		}
		return encodeAny(urlEnvelope, wireEnvelope{PartyKey: c.Envelope.PartyKey, Inner: *inner})
	default:
		return nil, fmt.Errorf("credential: unknown credential type %q", c.Type)
	}
}

// DecodePartyCredential unpacks an Any envelope produced by
// EncodePartyCredential.
func DecodePartyCredential(a *anypb.Any) (*PartyCredential, error) {
	if a == nil {
		return nil, fmt.Errorf("credential: nil payload")
	}
	switch a.TypeUrl {
	case urlPartyGenesis:
		var g PartyGenesis
		if err := json.Unmarshal(a.Value, &g); err != nil {
			return nil, err
		}
		return &PartyCredential{Type: TypePartyGenesis, PartyGenesis: &g}, nil
	case urlKeyAdmit:
		var ka KeyAdmit
		if err := json.Unmarshal(a.Value, &ka); err != nil {
			return nil, err
		}
		return &PartyCredential{Type: TypeKeyAdmit, KeyAdmit: &ka}, nil
	case urlFeedAdmit:
		var fa FeedAdmit
		if err := json.Unmarshal(a.Value, &fa); err != nil {
			return nil, err
		}
		return &PartyCredential{Type: TypeFeedAdmit, FeedAdmit: &fa}, nil
	case urlEnvelope:
		var we wireEnvelope
		if err := json.Unmarshal(a.Value, &we); err != nil {
			return nil, err
		}
		inner, err := DecodeSignedMessage(&we.Inner)
		if err != nil {
			return nil, err
		}
		return &PartyCredential{Type: TypeEnvelope, Envelope: &Envelope{PartyKey: we.PartyKey, Inner: inner}}, nil
	default:
		return nil, fmt.Errorf("credential: unrecognized type_url %q", a.TypeUrl)
	}
}

// IsRecognizedPayload reports whether url names one of the non-credential
// payload kinds PartyState must route elsewhere (invitation, identity,
// device).
func IsRecognizedPayload(url string) bool {
	switch url {
	case urlPartyInvitation, urlIdentityInfo, urlDeviceInfo:
		return true
	default:
		return false
	}
}

// IsPartyInvitation reports whether url names the PartyInvitation payload
// kind, letting callers outside this package branch without exposing the
// raw type URL constant.
func IsPartyInvitation(url string) bool { return url == urlPartyInvitation }

func EncodePartyInvitation(inv *PartyInvitation) (*anypb.Any, error) {
	return encodeAny(urlPartyInvitation, inv)
}

func DecodePartyInvitation(a *anypb.Any) (*PartyInvitation, error) {
	if a.TypeUrl != urlPartyInvitation {
		return nil, fmt.Errorf("credential: expected %s, got %s", urlPartyInvitation, a.TypeUrl)
	}
	var inv PartyInvitation
	if err := json.Unmarshal(a.Value, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func EncodeIdentityInfo(info *IdentityInfo) (*anypb.Any, error) {
	return encodeAny(urlIdentityInfo, info)
}

func EncodeDeviceInfo(info *DeviceInfo) (*anypb.Any, error) {
	return encodeAny(urlDeviceInfo, info)
}

func DecodeIdentityOrDevice(a *anypb.Any) (identity *IdentityInfo, device *DeviceInfo, err error) {
	switch a.TypeUrl {
	case urlIdentityInfo:
		var i IdentityInfo
		if err := json.Unmarshal(a.Value, &i); err != nil {
			return nil, nil, err
		}
		return &i, nil, nil
	case urlDeviceInfo:
		var d DeviceInfo
		if err := json.Unmarshal(a.Value, &d); err != nil {
			return nil, nil, err
		}
		return nil, &d, nil
	default:
		return nil, nil, fmt.Errorf("credential: not identity/device info: %s", a.TypeUrl)
	}
}

func EncodeAuth(auth *Auth) (*anypb.Any, error) {
	return encodeAny(urlAuth, auth)
}

func DecodeAuth(a *anypb.Any) (*Auth, error) {
	if a.TypeUrl != urlAuth {
		return nil, fmt.Errorf("credential: expected %s, got %s", urlAuth, a.TypeUrl)
	}
	var auth Auth
	if err := json.Unmarshal(a.Value, &auth); err != nil {
		return nil, err
	}
	return &auth, nil
}

// wireCommand mirrors Command but with Params pre-encoded as wire-safe
// SignedMessages.
type wireCommand struct {
	Command CommandKind         `json:"command"`
	Params  []wireSignedMessage `json:"params"`
	Secret  string              `json:"secret,omitempty"`
}

func EncodeCommand(c *Command) (*anypb.Any, error) {
	wc := wireCommand{Command: c.Command, Secret: encodeB64(c.Secret)}
	for _, p := range c.Params {
		w, err := EncodeSignedMessage(p)
		if err != nil {
			return nil, err
		}
		wc.Params = append(wc.Params, *w)
	}
	return encodeAny(urlCommand, wc)
}

func DecodeCommand(a *anypb.Any) (*Command, error) {
	if a.TypeUrl != urlCommand {
		return nil, fmt.Errorf("credential: expected %s, got %s", urlCommand, a.TypeUrl)
	}
	var wc wireCommand
	if err := json.Unmarshal(a.Value, &wc); err != nil {
		return nil, err
	}
	c := &Command{Command: wc.Command, Secret: decodeB64(wc.Secret)}
	for _, w := range wc.Params {
		sm, err := DecodeSignedMessage(&w)
		if err != nil {
			return nil, err
		}
		c.Params = append(c.Params, sm)
	}
	return c, nil
}

func encodeAny(typeURL string, v any) (*anypb.Any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &anypb.Any{TypeUrl: typeURL, Value: b}, nil
}
