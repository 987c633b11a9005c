package mqtt

import "context"

// OrderKind names what a backend is asked to do.
type OrderKind string

const (
	// OrderTransfer asks the client's current backend to move it to the destination.
	OrderTransfer OrderKind = "transfer"
	// OrderEvict asks the destination to disconnect one of its clients.
	OrderEvict OrderKind = "evict"
)

// Order is the JSON payload published on an order topic.
type Order struct {
	CommandID   string    `json:"command_id"`
	Kind        OrderKind `json:"kind"`
	Client      string    `json:"client,omitempty"`
	ClientName  string    `json:"client_name,omitempty"`
	From        string    `json:"from,omitempty"`
	Destination string    `json:"destination"`
	Policy      string    `json:"policy,omitempty"`
	Timestamp   int64     `json:"timestamp"`
}

// Ack is the answer a backend publishes on the ack topic.
type Ack struct {
	CommandID string `json:"command_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	// Evicted carries the disconnected client for an evict order.
	Evicted string `json:"evicted,omitempty"`
}

// Client publishes orders to backends and waits for their acknowledgment.
type Client interface {
	// SendOrder publishes the order and returns the command identifier used
	// to track the acknowledgment.
	SendOrder(ctx context.Context, o Order) (commandID string, err error)

	// WaitForAck waits for the acknowledgment of commandID until ctx is done
	// or the client's own ack timeout expires.
	WaitForAck(ctx context.Context, commandID string) (Ack, error)
}
