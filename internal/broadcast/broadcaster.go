// Package broadcast publishes realtime events after durable writes complete.
package broadcast

import (
	"context"

	"github.com/textdesk/textdesk/internal/broker"
	"github.com/textdesk/textdesk/internal/domain"
	"github.com/textdesk/textdesk/internal/logging"
	"github.com/textdesk/textdesk/internal/routing"
)

// Broadcaster pushes typed events onto broker channels. Every publish is
// best-effort: by the time a broadcast runs, the message is already durable,
// so a failed publish costs nothing but a delayed UI refresh — the client's
// reconnect reconciliation recovers it. No error ever propagates to the
// caller and no publish blocks the write path.
type Broadcaster struct {
	broker broker.Broker
	log    *logging.Logger
}

// New creates a broadcaster over the given broker.
func New(b broker.Broker, log *logging.Logger) *Broadcaster {
	return &Broadcaster{broker: b, log: log.Sub("broadcast")}
}

// PublishMessage fans a stored message out to the recipient's conversation
// channel.
func (b *Broadcaster) PublishMessage(ctx context.Context, recipientID, conversationID string, msg domain.Message) {
	event := domain.NewMessageEvent(conversationID, msg)
	b.publish(ctx, routing.ConversationChannel(recipientID, conversationID), event)
}

// PublishDirectoryUpdate announces a contact-directory change on the
// recipient's directory channel.
func (b *Broadcaster) PublishDirectoryUpdate(ctx context.Context, recipientID string, contact domain.Contact) {
	event := domain.NewDirectoryEvent(contact, false)
	b.publish(ctx, routing.DirectoryChannel(recipientID), event)
}

// PublishDirectoryRemoval announces a deleted contact.
func (b *Broadcaster) PublishDirectoryRemoval(ctx context.Context, recipientID string, contact domain.Contact) {
	event := domain.NewDirectoryEvent(contact, true)
	b.publish(ctx, routing.DirectoryChannel(recipientID), event)
}

// PublishAssignmentChange announces a number assignment change on the
// recipient's presence channel.
func (b *Broadcaster) PublishAssignmentChange(ctx context.Context, recipientID string, num domain.RoutableNumber) {
	event := domain.NewAssignmentEvent(num.ID, num.Address, num.AssigneeID)
	b.publish(ctx, routing.PresenceChannel(recipientID), event)
}

func (b *Broadcaster) publish(ctx context.Context, channel string, event domain.Event) {
	payload, err := event.Marshal()
	if err != nil {
		b.log.Error().Err(err).Str("kind", event.Kind).Msg("event failed to encode")
		return
	}

	if err := b.broker.Publish(ctx, channel, payload); err != nil {
		// Swallowed: durability already succeeded upstream.
		b.log.Warn().Err(err).Str("channel", channel).Str("kind", event.Kind).Msg("publish failed")
	}
}
