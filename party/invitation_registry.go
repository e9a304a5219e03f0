package party

import (
	"sync"

	"github.com/partymesh/partymesh/credential"
	"github.com/partymesh/partymesh/keyring"
)

// InvitationRegistry tracks live party-invitation messages written into a
// party log, keyed by invitation id and invitee key.
type InvitationRegistry struct {
	mu        sync.RWMutex
	byID      map[string]*keyring.SignedMessage
	byInvitee map[keyring.PublicKey]string
}

// NewInvitationRegistry creates an empty registry.
func NewInvitationRegistry() *InvitationRegistry {
	return &InvitationRegistry{
		byID:      make(map[string]*keyring.SignedMessage),
		byInvitee: make(map[keyring.PublicKey]string),
	}
}

// Record stores a PartyInvitation message. Callers are expected to have
// already verified the message's signatures before calling this.
func (r *InvitationRegistry) Record(msg *keyring.SignedMessage, inv *credential.PartyInvitation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[inv.ID] = msg
	r.byInvitee[inv.InviteeKey] = inv.ID
}

// ByID returns the recorded invitation message for id.
func (r *InvitationRegistry) ByID(id string) (*keyring.SignedMessage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	return m, ok
}

// ByInvitee returns the invitation id issued to invitee, if any.
func (r *InvitationRegistry) ByInvitee(invitee keyring.PublicKey) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byInvitee[invitee]
	return id, ok
}
