package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textdesk/textdesk/internal/broadcast"
	"github.com/textdesk/textdesk/internal/broker"
	"github.com/textdesk/textdesk/internal/domain"
	"github.com/textdesk/textdesk/internal/hooks"
	"github.com/textdesk/textdesk/internal/logging"
	"github.com/textdesk/textdesk/internal/provider"
	"github.com/textdesk/textdesk/internal/routing"
	"github.com/textdesk/textdesk/internal/store"
)

type pipelineFixture struct {
	pipeline *Pipeline
	numbers  *store.NumberStore
	messages *store.MessageStore
	contacts *store.ContactDirectory
	broker   *broker.Memory
	sender   *provider.Mock
	number   domain.RoutableNumber
}

func testLogger() *logging.Logger {
	return logging.New(nil, "silent")
}

func newFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	log := testLogger()

	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	numbers := store.NewNumberStore(db)
	messages := store.NewMessageStore(db)
	contacts := store.NewContactDirectory(db)

	num, err := numbers.Create(context.Background(), "tenant-1", "+12025550100", "user-7")
	require.NoError(t, err)

	bus := broker.NewMemory(log)
	t.Cleanup(func() { bus.Close() })

	sender := provider.NewMock()
	pipeline := NewPipeline(
		numbers, messages, contacts,
		routing.NewResolver(numbers, log),
		broadcast.New(bus, log),
		sender,
		hooks.NewManager(log),
		log,
	)

	return &pipelineFixture{
		pipeline: pipeline,
		numbers:  numbers,
		messages: messages,
		contacts: contacts,
		broker:   bus,
		sender:   sender,
		number:   num,
	}
}

// collect subscribes to a broker channel and returns a drain function.
func collect(t *testing.T, b *broker.Memory, channel string) func() []domain.Event {
	t.Helper()
	events := make(chan domain.Event, 16)
	cancel, err := b.Subscribe(context.Background(), channel, func(payload []byte) {
		event, err := domain.UnmarshalEvent(payload)
		if err == nil {
			events <- event
		}
	})
	require.NoError(t, err)
	t.Cleanup(cancel)

	return func() []domain.Event {
		var out []domain.Event
		for {
			select {
			case e := <-events:
				out = append(out, e)
			case <-time.After(100 * time.Millisecond):
				return out
			}
		}
	}
}

// --- Inbound tests ---

func TestInbound_FullPath(t *testing.T) {
	f := newFixture(t)

	directory := collect(t, f.broker, routing.DirectoryChannel("user-7"))

	result, err := f.pipeline.Inbound(context.Background(), InboundSMS{
		From:       "+13105550100",
		To:         "+12025550100",
		Body:       "hello there",
		ProviderID: "SM100",
	})
	require.NoError(t, err)

	assert.False(t, result.Duplicate)
	assert.Equal(t, "user-7", result.RecipientID, "assigned numbers route to the assignee")
	assert.Equal(t, "SM100", result.Message.ID)
	assert.Equal(t, 1, result.Contact.Unread)
	assert.Equal(t, "hello there", result.Contact.LastMessage)

	// Durable before broadcast: the message is queryable
	stored, err := f.messages.Get(context.Background(), "SM100")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReceived, stored.Status)

	events := directory()
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Directory.Contact.Unread)
}

func TestInbound_DuplicateDelivery(t *testing.T) {
	f := newFixture(t)

	sms := InboundSMS{
		From:       "+13105550100",
		To:         "+12025550100",
		Body:       "hello",
		ProviderID: "SM200",
	}

	first, err := f.pipeline.Inbound(context.Background(), sms)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	directory := collect(t, f.broker, routing.DirectoryChannel("user-7"))

	second, err := f.pipeline.Inbound(context.Background(), sms)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, "SM200", second.Message.ID)

	// The retry must not bump the counter or re-broadcast
	contact, err := f.contacts.GetByConversation(context.Background(), f.number.ID, "+13105550100")
	require.NoError(t, err)
	assert.Equal(t, 1, contact.Unread, "exactly one unread increment per unique message")
	assert.Empty(t, directory())

	msgs, err := f.messages.ListByNumber(context.Background(), f.number.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestInbound_OrphanedWebhook(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.Inbound(context.Background(), InboundSMS{
		From:       "+13105550100",
		To:         "+12025550199", // nobody owns this
		Body:       "hello",
		ProviderID: "SM300",
	})
	assert.ErrorIs(t, err, routing.ErrNumberNotFound)

	// Nothing was stored
	_, err = f.messages.Get(context.Background(), "SM300")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInbound_DeactivatedNumberIsOrphaned(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.numbers.Deactivate(context.Background(), f.number.ID))

	_, err := f.pipeline.Inbound(context.Background(), InboundSMS{
		From: "+13105550100", To: "+12025550100", Body: "x", ProviderID: "SM301",
	})
	assert.ErrorIs(t, err, routing.ErrNumberNotFound)
}

func TestInbound_ShortCodeSenderKeptVerbatim(t *testing.T) {
	f := newFixture(t)

	result, err := f.pipeline.Inbound(context.Background(), InboundSMS{
		From:       "55444", // carrier short code, not E.164
		To:         "+12025550100",
		Body:       "your code is 1234",
		ProviderID: "SM302",
	})
	require.NoError(t, err)
	assert.Equal(t, "55444", result.Message.From)
	assert.Equal(t, "55444", result.Contact.Counterparty)
}

func TestInbound_UnassignedNumberRoutesToOwner(t *testing.T) {
	f := newFixture(t)
	_, err := f.numbers.Assign(context.Background(), f.number.ID, "")
	require.NoError(t, err)

	result, err := f.pipeline.Inbound(context.Background(), InboundSMS{
		From: "+13105550100", To: "+12025550100", Body: "x", ProviderID: "SM303",
	})
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", result.RecipientID)
}

func TestInbound_ConversationBroadcast(t *testing.T) {
	f := newFixture(t)

	// First message creates the contact; we need its id for the channel
	first, err := f.pipeline.Inbound(context.Background(), InboundSMS{
		From: "+13105550100", To: "+12025550100", Body: "a", ProviderID: "SM400",
	})
	require.NoError(t, err)

	conversation := collect(t, f.broker,
		routing.ConversationChannel("user-7", first.Contact.ID))

	_, err = f.pipeline.Inbound(context.Background(), InboundSMS{
		From: "+13105550100", To: "+12025550100", Body: "b", ProviderID: "SM401",
	})
	require.NoError(t, err)

	events := conversation()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventKindMessage, events[0].Kind)
	assert.Equal(t, "SM401", events[0].Message.Message.ID)
}

// downBroker fails every operation, standing in for an unreachable transport.
type downBroker struct{}

func (downBroker) Publish(context.Context, string, []byte) error {
	return errors.New("broker unavailable")
}

func (downBroker) Subscribe(context.Context, string, broker.Handler) (func(), error) {
	return nil, errors.New("broker unavailable")
}

func (downBroker) Close() error { return nil }

func TestInbound_BrokerDownStillStores(t *testing.T) {
	log := testLogger()
	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	numbers := store.NewNumberStore(db)
	messages := store.NewMessageStore(db)
	contacts := store.NewContactDirectory(db)

	_, err = numbers.Create(context.Background(), "tenant-1", "+12025550100", "user-7")
	require.NoError(t, err)

	pipeline := NewPipeline(
		numbers, messages, contacts,
		routing.NewResolver(numbers, log),
		broadcast.New(downBroker{}, log),
		provider.NewMock(),
		hooks.NewManager(log),
		log,
	)

	// Storage and notification are independent guarantees: with the broker
	// down, the message and directory writes must still land and the result
	// must reflect them.
	result, err := pipeline.Inbound(context.Background(), InboundSMS{
		From:       "+13105550100",
		To:         "+12025550100",
		Body:       "while the broker is down",
		ProviderID: "SM700",
	})
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, "user-7", result.RecipientID)
	assert.Equal(t, 1, result.Contact.Unread)
	assert.Equal(t, "while the broker is down", result.Contact.LastMessage)

	stored, err := messages.Get(context.Background(), "SM700")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReceived, stored.Status)

	contact, err := contacts.Get(context.Background(), result.Contact.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, contact.Unread)
}

// --- Outbound tests ---

func TestOutbound(t *testing.T) {
	f := newFixture(t)

	result, err := f.pipeline.Outbound(context.Background(), f.number.ID, "+1 (310) 555-0100", "hi back")
	require.NoError(t, err)

	assert.Equal(t, domain.DirectionOutbound, result.Message.Direction)
	assert.Equal(t, "+13105550100", result.Message.To, "destination is normalized")
	assert.Equal(t, 0, result.Contact.Unread, "outbound traffic never bumps unread")
	assert.Equal(t, "hi back", result.Contact.LastMessage)

	sent := f.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "+12025550100", sent[0].From)
	assert.Equal(t, result.Message.ID, sent[0].SID, "stored id is the provider SID")
}

func TestOutbound_DeactivatedNumber(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.numbers.Deactivate(context.Background(), f.number.ID))

	_, err := f.pipeline.Outbound(context.Background(), f.number.ID, "+13105550100", "x")
	assert.Error(t, err)
	assert.Empty(t, f.sender.Sent())
}

func TestOutbound_ProviderFailureStoresNothing(t *testing.T) {
	f := newFixture(t)
	f.sender.Fail = assert.AnError

	_, err := f.pipeline.Outbound(context.Background(), f.number.ID, "+13105550100", "x")
	assert.Error(t, err)

	msgs, err := f.messages.ListByNumber(context.Background(), f.number.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs, "a failed send leaves no record")
}

// --- Read/Remove/Assignment tests ---

func TestMarkRead_Broadcasts(t *testing.T) {
	f := newFixture(t)

	result, err := f.pipeline.Inbound(context.Background(), InboundSMS{
		From: "+13105550100", To: "+12025550100", Body: "x", ProviderID: "SM500",
	})
	require.NoError(t, err)

	directory := collect(t, f.broker, routing.DirectoryChannel("user-7"))

	contact, err := f.pipeline.MarkRead(context.Background(), result.Contact.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, contact.Unread)

	events := directory()
	require.Len(t, events, 1)
	assert.Equal(t, 0, events[0].Directory.Contact.Unread)
}

func TestRemoveContact_BroadcastsRemoval(t *testing.T) {
	f := newFixture(t)

	result, err := f.pipeline.Inbound(context.Background(), InboundSMS{
		From: "+13105550100", To: "+12025550100", Body: "x", ProviderID: "SM600",
	})
	require.NoError(t, err)

	directory := collect(t, f.broker, routing.DirectoryChannel("user-7"))

	require.NoError(t, f.pipeline.RemoveContact(context.Background(), result.Contact.ID))

	events := directory()
	require.Len(t, events, 1)
	assert.True(t, events[0].Directory.Removed)

	// History is gone with the contact
	msgs, err := f.messages.ListConversation(context.Background(), f.number.ID, "+13105550100")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAssignNumber_NotifiesBothRecipients(t *testing.T) {
	f := newFixture(t)

	previous := collect(t, f.broker, routing.PresenceChannel("user-7"))
	next := collect(t, f.broker, routing.PresenceChannel("user-9"))

	updated, err := f.pipeline.AssignNumber(context.Background(), f.number.ID, "user-9")
	require.NoError(t, err)
	assert.Equal(t, "user-9", updated.AssigneeID)

	prevEvents := previous()
	require.Len(t, prevEvents, 1, "the previous assignee hears about losing the number")
	assert.Equal(t, "user-9", prevEvents[0].Assignment.AssigneeID)

	nextEvents := next()
	require.Len(t, nextEvents, 1)
	assert.Equal(t, "user-9", nextEvents[0].Assignment.AssigneeID)
}

func TestAssignNumber_SameRecipientNotifiedOnce(t *testing.T) {
	f := newFixture(t)

	presence := collect(t, f.broker, routing.PresenceChannel("user-7"))

	// Re-assign to the current assignee
	_, err := f.pipeline.AssignNumber(context.Background(), f.number.ID, "user-7")
	require.NoError(t, err)

	assert.Len(t, presence(), 1)
}

// --- DeliveryReceipt tests ---

func TestDeliveryReceipt(t *testing.T) {
	f := newFixture(t)

	result, err := f.pipeline.Outbound(context.Background(), f.number.ID, "+13105550100", "out")
	require.NoError(t, err)

	require.NoError(t, f.pipeline.DeliveryReceipt(context.Background(), result.Message.ID, domain.StatusDelivered))

	got, err := f.messages.Get(context.Background(), result.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, got.Status)
}

func TestDeliveryReceipt_UnknownIDIgnored(t *testing.T) {
	f := newFixture(t)

	err := f.pipeline.DeliveryReceipt(context.Background(), "SM-unknown", domain.StatusDelivered)
	assert.NoError(t, err, "receipts for unknown messages are dropped silently")
}
