package party

import (
	"sync"

	"github.com/partymesh/partymesh/credential"
	"github.com/partymesh/partymesh/keyring"
)

// IdentityProcessor processes identity-info / device-info messages attached
// to a party.
type IdentityProcessor struct {
	mu    sync.RWMutex
	byKey map[keyring.PublicKey]*keyring.SignedMessage
}

// NewIdentityProcessor creates an empty processor.
func NewIdentityProcessor() *IdentityProcessor {
	return &IdentityProcessor{byKey: make(map[keyring.PublicKey]*keyring.SignedMessage)}
}

// Process records msg under the key named by its decoded IdentityInfo or
// DeviceInfo payload, returning that key so the caller can emit an
// IdentityInfoUpdated event.
func (p *IdentityProcessor) Process(msg *keyring.SignedMessage) (keyring.PublicKey, error) {
	identity, device, err := credential.DecodeIdentityOrDevice(msg.Signed.Payload)
	if err != nil {
		return keyring.PublicKey{}, err
	}
	var key keyring.PublicKey
	if identity != nil {
		key = identity.Key
	} else {
		key = device.Key
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byKey[key] = msg
	return key, nil
}

// Get returns the most recently recorded info message for key.
func (p *IdentityProcessor) Get(key keyring.PublicKey) (*keyring.SignedMessage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.byKey[key]
	return m, ok
}
