package mqtt

import (
	"context"
	"fmt"
	"sync"

	coremqtt "github.com/kilianp07/serverqueue/core/mqtt"
)

// Client mirrors the core mqtt.Client interface.
type Client = coremqtt.Client

// MockPublisher is an in-memory Client used in tests. Orders are answered
// immediately from the configured outcomes.
type MockPublisher struct {
	Orders []coremqtt.Order
	// FailSend makes SendOrder fail for the listed clients.
	FailSend map[string]bool
	// Reject answers transfer orders of the listed clients with ok=false.
	Reject map[string]string
	// Evict maps a destination to the client its backend gives up.
	Evict map[string]string

	mu   sync.Mutex
	acks map[string]coremqtt.Ack
}

// NewMockPublisher creates a new MockPublisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		FailSend: make(map[string]bool),
		Reject:   make(map[string]string),
		Evict:    make(map[string]string),
		acks:     make(map[string]coremqtt.Ack),
	}
}

// SendOrder records the order or returns an error if configured to fail.
func (m *MockPublisher) SendOrder(_ context.Context, o coremqtt.Order) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSend[o.Client] {
		return "", fmt.Errorf("publish failed")
	}
	o.CommandID = fmt.Sprintf("cmd-%d", len(m.Orders)+1)
	m.Orders = append(m.Orders, o)
	ack := coremqtt.Ack{CommandID: o.CommandID, OK: true}
	switch o.Kind {
	case coremqtt.OrderTransfer:
		if reason, ok := m.Reject[o.Client]; ok {
			ack.OK = false
			ack.Error = reason
		}
	case coremqtt.OrderEvict:
		ack.Evicted = m.Evict[o.Destination]
	}
	m.acks[o.CommandID] = ack
	return o.CommandID, nil
}

// WaitForAck returns the stored answer for commandID.
func (m *MockPublisher) WaitForAck(_ context.Context, commandID string) (coremqtt.Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ack, ok := m.acks[commandID]
	if !ok {
		return coremqtt.Ack{}, coremqtt.ErrUnknownCommand
	}
	delete(m.acks, commandID)
	return ack, nil
}

// Sent returns a copy of the recorded orders.
func (m *MockPublisher) Sent() []coremqtt.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]coremqtt.Order(nil), m.Orders...)
}
