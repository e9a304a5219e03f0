package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/partymesh/partymesh/credential"
	"github.com/partymesh/partymesh/keyring"
)

// MemoryLog is an in-process LogWriter/LogReader pair keyed by party: an
// in-memory stand-in for the external feed store, sufficient for tests and
// the partyctl demo.
type MemoryLog struct {
	mu   sync.Mutex
	logs map[keyring.PublicKey][]*keyring.SignedMessage
}

// NewMemoryLog creates an empty in-memory log store.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		logs: make(map[keyring.PublicKey][]*keyring.SignedMessage),
	}
}

// Append implements LogWriter.
func (m *MemoryLog) Append(_ context.Context, partyKey keyring.PublicKey, msg *keyring.SignedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[partyKey] = append(m.logs[partyKey], msg)
	return nil
}

// Stream implements LogReader: it replays every message appended so far in
// append order, then closes the channel, per the LogReader contract.
func (m *MemoryLog) Stream(ctx context.Context, partyKey keyring.PublicKey) (<-chan *keyring.SignedMessage, error) {
	m.mu.Lock()
	backlog := make([]*keyring.SignedMessage, len(m.logs[partyKey]))
	copy(backlog, m.logs[partyKey])
	m.mu.Unlock()

	out := make(chan *keyring.SignedMessage, 16)
	go func() {
		defer close(out)
		for _, msg := range backlog {
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// pipe is one direction of an in-process duplex Stream.
type pipe struct {
	out    chan *credential.Command
	closed chan struct{}
	once   sync.Once
}

func (p *pipe) Send(ctx context.Context, cmd *credential.Command) error {
	select {
	case <-p.closed:
		return errors.New("transport: stream closed")
	default:
	}
	select {
	case p.out <- cmd:
		return nil
	case <-p.closed:
		return errors.New("transport: stream closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// pairedStream is one end of an in-process duplex Stream pair; Recv reads
// from the peer's outbound channel.
type pairedStream struct {
	*pipe
	in <-chan *credential.Command
}

func (s *pairedStream) Recv(ctx context.Context) (*credential.Command, error) {
	select {
	case cmd, ok := <-s.in:
		if !ok {
			return nil, errors.New("transport: stream closed")
		}
		return cmd, nil
	case <-s.closed:
		return nil, errors.New("transport: stream closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NewMockStreamPair returns two ends of an in-process duplex Stream, one
// for the greeter and one for the invitee, so tests can drive the Greeting
// protocol without a real network swarm.
func NewMockStreamPair() (greeter, invitee Stream) {
	a := &pipe{out: make(chan *credential.Command, 16), closed: make(chan struct{})}
	b := &pipe{out: make(chan *credential.Command, 16), closed: make(chan struct{})}
	greeter = &pairedStream{pipe: a, in: b.out}
	invitee = &pairedStream{pipe: b, in: a.out}
	return greeter, invitee
}

// MockSwarm hands out one half of a fresh in-process stream pair per
// swarm key, the first time each role joins; the second joiner for that
// key gets the other half. No real networking, just enough to exercise
// callers in tests.
type MockSwarm struct {
	mu      sync.Mutex
	pending map[string]Stream
}

// NewMockSwarm creates an empty mock swarm.
func NewMockSwarm() *MockSwarm {
	return &MockSwarm{pending: make(map[string]Stream)}
}

// Join implements Swarm.
func (s *MockSwarm) Join(_ context.Context, swarmKey []byte, role Role, _ string) (Stream, error) {
	key := string(swarmKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	if half, ok := s.pending[key]; ok {
		delete(s.pending, key)
		return half, nil
	}
	greeterHalf, inviteeHalf := NewMockStreamPair()
	if role == RoleGreeter {
		s.pending[key] = inviteeHalf
		return greeterHalf, nil
	}
	s.pending[key] = greeterHalf
	return inviteeHalf, nil
}
