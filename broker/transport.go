package broker

import "context"

// Transport represents a concrete broker implementation. Payloads are opaque
// strings; the broker performs no schema validation.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Publish returns the number of upstream subscribers that received payload.
	Publish(ctx context.Context, channel string, payload string) (int64, error)
	// Subscribe opens a long-lived stream for channel. It returns once the
	// broker has confirmed the subscription.
	Subscribe(ctx context.Context, channel string) (Stream, error)
	Close(ctx context.Context) error
}

// Stream is one upstream subscription. Recv blocks until a payload arrives,
// ctx is done, or the stream ends (io.EOF). Close unblocks a pending Recv and
// releases the upstream subscription.
type Stream interface {
	Channel() string
	Recv(ctx context.Context) (string, error)
	Close() error
}
