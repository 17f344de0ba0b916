package messaging

import (
	"context"
)

// Message is one inbound publication delivered by the transport
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Will is the last-will message the broker publishes on an unclean drop
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// ConnectOptions carries the per-session connect parameters. OnMessage is
// invoked for every message matching any subscription; OnConnectionLost is
// invoked at most once per connection when the transport drops without a
// Disconnect call.
type ConnectOptions struct {
	ClientID         string
	Username         string
	Password         string
	Will             *Will
	OnMessage        func(Message)
	OnConnectionLost func(error)
}

// Transport is the pub/sub client an mchat session is layered on.
// Implementations own exactly one physical connection at a time.
type Transport interface {
	// Connect opens the connection and returns once the broker acknowledged it
	Connect(ctx context.Context, opts ConnectOptions) error

	// Publish sends payload to topic
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error

	// Subscribe adds a subscription; filter may contain + and # wildcards
	Subscribe(ctx context.Context, filter string, qos byte) error

	// Unsubscribe removes subscriptions
	Unsubscribe(ctx context.Context, filters ...string) error

	// Disconnect closes the connection cleanly; the will is not published
	Disconnect(ctx context.Context) error

	// IsConnected returns connection status
	IsConnected() bool
}
