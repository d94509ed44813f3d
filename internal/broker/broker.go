// Package broker provides the channel-based pub/sub transport behind the
// realtime layer. Delivery is at-most-once to currently connected
// subscribers; missed events are not replayed, which is why clients
// reconcile by re-fetching after a reconnect.
package broker

import "context"

// Handler receives a raw payload published on a subscribed channel.
type Handler func(payload []byte)

// Broker is the publish/subscribe transport. Subscribe returns a cancel
// function that must be called to release the subscription; repeated
// connect/disconnect cycles would otherwise leak channel state.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler Handler) (cancel func(), err error)
	Close() error
}
