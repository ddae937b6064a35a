package mocks

import (
	"context"
	"encoding/xml"
	"fmt"
	"sync"

	"muc-recorder-sdk-go/pkg/recording"
)

// MockSignalingConnection implements a scripted SignalingConnection for
// testing. Tests queue inbound stanzas with Deliver and inspect outbound
// stanzas through SentStanzas.
type MockSignalingConnection struct {
	mu             sync.Mutex
	SendStanzaFunc func(ctx context.Context, stanza interface{}) error
	JIDValue       string

	// Track calls
	sent []interface{}

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func NewMockSignalingConnection() *MockSignalingConnection {
	return &MockSignalingConnection{
		JIDValue: "recorder@example.com/recorder-test",
		inbound:  make(chan []byte, 32),
		closed:   make(chan struct{}),
	}
}

var _ recording.SignalingConnection = (*MockSignalingConnection)(nil)

func (m *MockSignalingConnection) SendStanza(ctx context.Context, stanza interface{}) error {
	m.mu.Lock()
	m.sent = append(m.sent, stanza)
	fn := m.SendStanzaFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, stanza)
	}
	return nil
}

func (m *MockSignalingConnection) ReadStanza(ctx context.Context) ([]byte, error) {
	select {
	case raw := <-m.inbound:
		return raw, nil
	case <-m.closed:
		return nil, fmt.Errorf("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *MockSignalingConnection) JID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.JIDValue
}

func (m *MockSignalingConnection) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// Deliver marshals stanza and queues it for the next ReadStanza.
func (m *MockSignalingConnection) Deliver(stanza interface{}) error {
	data, err := xml.Marshal(stanza)
	if err != nil {
		return err
	}
	m.DeliverRaw(data)
	return nil
}

// DeliverRaw queues a raw payload for the next ReadStanza.
func (m *MockSignalingConnection) DeliverRaw(raw []byte) {
	m.inbound <- raw
}

// SentStanzas returns every stanza written so far.
func (m *MockSignalingConnection) SentStanzas() []interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]interface{}{}, m.sent...)
}

// SentOfType filters the sent stanzas with the given predicate.
func (m *MockSignalingConnection) SentOfType(match func(interface{}) bool) []interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	var filtered []interface{}
	for _, stanza := range m.sent {
		if match(stanza) {
			filtered = append(filtered, stanza)
		}
	}
	return filtered
}

// Closed reports whether Close has been called.
func (m *MockSignalingConnection) Closed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}
