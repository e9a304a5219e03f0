// Package credential defines the wire-level credential messages that flow
// through a party log: PartyCredential variants (genesis,
// key-admit, feed-admit, envelope), PartyInvitation, identity/device info,
// the handshake-time Auth assertion, and the greeting Command envelope.
//
// Polymorphic payload slots are carried as
// google.golang.org/protobuf/types/known/anypb.Any envelopes discriminated
// by type_url.
package credential

import (
	"github.com/partymesh/partymesh/keyring"
)

// CredentialType discriminates the variants of PartyCredential.
type CredentialType string

const (
	TypePartyGenesis CredentialType = "PARTY_GENESIS"
	TypeKeyAdmit     CredentialType = "KEY_ADMIT"
	TypeFeedAdmit    CredentialType = "FEED_ADMIT"
	TypeEnvelope     CredentialType = "ENVELOPE"
)

// PartyGenesis is the start-of-authority credential.
type PartyGenesis struct {
	PartyKey     keyring.PublicKey `json:"party_key"`
	FeedKey      keyring.PublicKey `json:"feed_key"`
	AdmitKey     keyring.PublicKey `json:"admit_key"`
	AdmitKeyType keyring.KeyType   `json:"admit_key_type"`
}

// KeyAdmit admits a new member key.
type KeyAdmit struct {
	PartyKey     keyring.PublicKey `json:"party_key"`
	AdmitKey     keyring.PublicKey `json:"admit_key"`
	AdmitKeyType keyring.KeyType   `json:"admit_key_type"`
}

// FeedAdmit admits a new log.
type FeedAdmit struct {
	PartyKey keyring.PublicKey `json:"party_key"`
	FeedKey  keyring.PublicKey `json:"feed_key"`
}

// Envelope is a signed message containing another signed message, used
// when a greeter signs on behalf of an invitee or copies a message between
// parties.
type Envelope struct {
	PartyKey keyring.PublicKey      `json:"party_key"`
	Inner    *keyring.SignedMessage `json:"inner"`
}

// PartyCredential is the tagged union carried inside a SignedMessage's
// payload when it admits a key, feed, party, or copies a message.
type PartyCredential struct {
	Type         CredentialType
	PartyGenesis *PartyGenesis
	KeyAdmit     *KeyAdmit
	FeedAdmit    *FeedAdmit
	Envelope     *Envelope
}

// PartyInvitation is an offline/key-based invitation written to a party log
// by a member.
type PartyInvitation struct {
	ID         string            `json:"id"`
	PartyKey   keyring.PublicKey `json:"party_key"`
	IssuerKey  keyring.PublicKey `json:"issuer_key"`
	InviteeKey keyring.PublicKey `json:"invitee_key"`
}

// IdentityInfo and DeviceInfo are processed by the IdentityProcessor and are not PartyCredential variants themselves; they
// carry free-form profile metadata bound to a member key.
type IdentityInfo struct {
	Key     keyring.PublicKey `json:"key"`
	Profile map[string]string `json:"profile"`
}

type DeviceInfo struct {
	Key        keyring.PublicKey `json:"key"`
	Label      string            `json:"label"`
	DeviceKind string            `json:"device_kind"`
}

// Auth is the handshake-time credential a connecting peer presents.
type Auth struct {
	PartyKey    keyring.PublicKey  `json:"party_key"`
	IdentityKey keyring.PublicKey  `json:"identity_key"`
	DeviceKey   keyring.PublicKey  `json:"device_key"`
	FeedKey     *keyring.PublicKey `json:"feed_key,omitempty"`
}

// CommandKind enumerates the greeting request/response command set.
type CommandKind string

const (
	CmdBegin     CommandKind = "BEGIN"
	CmdHandshake CommandKind = "HANDSHAKE"
	CmdNotarize  CommandKind = "NOTARIZE"
	CmdFinish    CommandKind = "FINISH"
	CmdClaim     CommandKind = "CLAIM"
)

// Command is the request envelope for the greeting protocol.
type Command struct {
	Command CommandKind
	Params  []*keyring.SignedMessage
	Secret  []byte
}
