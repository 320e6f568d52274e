package broker

import "context"

// Publisher delivers serialized payloads to a topic exchange under a routing
// key. Close must be safe to call multiple times.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
	Close() error
}

// Dialer opens a fresh broker connection. The publish cycle dials once per
// tick and closes the connection when the tick ends.
type Dialer interface {
	Dial(ctx context.Context) (Publisher, error)
}
