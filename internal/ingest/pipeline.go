// Package ingest implements the inbound-message pipeline: webhook ingress,
// durable persistence, directory mutation, and realtime fanout.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/textdesk/textdesk/internal/broadcast"
	"github.com/textdesk/textdesk/internal/domain"
	"github.com/textdesk/textdesk/internal/hooks"
	"github.com/textdesk/textdesk/internal/logging"
	"github.com/textdesk/textdesk/internal/provider"
	"github.com/textdesk/textdesk/internal/routing"
	"github.com/textdesk/textdesk/internal/store"
)

// InboundSMS is one provider webhook delivery, already authenticated.
type InboundSMS struct {
	From       string
	To         string
	Body       string
	ProviderID string
	Timestamp  time.Time
}

// Result is the outcome of a processed message.
type Result struct {
	Message     domain.Message
	Contact     domain.Contact
	RecipientID string
	// Duplicate is true when a webhook retry delivered an already-stored
	// provider id; nothing was mutated or broadcast.
	Duplicate bool
}

// Pipeline orchestrates the fanout path. Writes are durable before any
// broadcast runs; broadcasts are best-effort and never fail the pipeline.
type Pipeline struct {
	numbers     *store.NumberStore
	messages    *store.MessageStore
	contacts    *store.ContactDirectory
	resolver    *routing.Resolver
	broadcaster *broadcast.Broadcaster
	sender      provider.Sender
	hooks       *hooks.Manager
	log         *logging.Logger
}

// NewPipeline wires the pipeline components together.
func NewPipeline(
	numbers *store.NumberStore,
	messages *store.MessageStore,
	contacts *store.ContactDirectory,
	resolver *routing.Resolver,
	broadcaster *broadcast.Broadcaster,
	sender provider.Sender,
	hookMgr *hooks.Manager,
	log *logging.Logger,
) *Pipeline {
	return &Pipeline{
		numbers:     numbers,
		messages:    messages,
		contacts:    contacts,
		resolver:    resolver,
		broadcaster: broadcaster,
		sender:      sender,
		hooks:       hookMgr,
		log:         log.Sub("pipeline"),
	}
}

// Inbound processes one authenticated webhook delivery: resolve the
// recipient, append the message idempotently, mutate the directory, then
// fan out. Callers acknowledge the provider regardless of the returned
// error; the error taxonomy only controls logging and alerting.
func (p *Pipeline) Inbound(ctx context.Context, sms InboundSMS) (Result, error) {
	route, err := p.resolver.Resolve(ctx, sms.To)
	if err != nil {
		p.log.Warn().Str("to", sms.To).Str("from", sms.From).Msg("orphaned webhook: no active number")
		p.hooks.EmitAsync(ctx, hooks.EventOrphanedWebhook, map[string]any{
			"to": sms.To, "from": sms.From, "providerId": sms.ProviderID,
		})
		return Result{}, err
	}

	msg := domain.Message{
		ID:        sms.ProviderID,
		NumberID:  route.NumberID,
		From:      normalizeOrKeep(sms.From),
		To:        normalizeOrKeep(sms.To),
		Body:      sms.Body,
		Direction: domain.DirectionInbound,
		Status:    domain.StatusReceived,
		Timestamp: sms.Timestamp,
	}

	stored, created, err := p.messages.Append(ctx, msg)
	if err != nil {
		p.alertStorage(ctx, "append", err, sms.ProviderID)
		return Result{}, err
	}
	if !created {
		// Provider retry: the first delivery already did the directory
		// mutation and the broadcast.
		p.log.Debug().Str("providerId", stored.ID).Msg("duplicate delivery suppressed")
		return Result{Message: stored, RecipientID: route.RecipientID(), Duplicate: true}, nil
	}

	contact, err := p.contacts.UpsertOnInbound(ctx, route.NumberID, stored.Counterparty(), stored.Body, stored.Timestamp)
	if err != nil {
		p.alertStorage(ctx, "upsert contact", err, sms.ProviderID)
		return Result{}, err
	}

	// Both durable writes succeeded; anything broadcast from here is
	// already queryable by a fresh fetch.
	recipient := route.RecipientID()
	p.broadcaster.PublishMessage(ctx, recipient, contact.ID, stored)
	p.broadcaster.PublishDirectoryUpdate(ctx, recipient, contact)

	p.hooks.EmitAsync(ctx, hooks.EventMessageReceived, map[string]any{
		"messageId": stored.ID, "contactId": contact.ID, "recipientId": recipient,
	})

	p.log.Info().
		Str("messageId", stored.ID).
		Str("contactId", contact.ID).
		Str("recipientId", recipient).
		Int("unread", contact.Unread).
		Msg("inbound message processed")

	return Result{Message: stored, Contact: contact, RecipientID: recipient}, nil
}

// Outbound dispatches an SMS through the provider and re-enters the
// pipeline: the stored record and directory preview update flow to any
// other live session of the same recipient.
func (p *Pipeline) Outbound(ctx context.Context, numberID, to, body string) (Result, error) {
	num, err := p.numbers.Get(ctx, numberID)
	if err != nil {
		return Result{}, fmt.Errorf("outbound: %w", err)
	}
	if !num.Active {
		return Result{}, fmt.Errorf("outbound: number %s is deactivated", num.Address)
	}

	normalizedTo, err := domain.NormalizeAddress(to)
	if err != nil {
		return Result{}, fmt.Errorf("outbound: %w", err)
	}

	providerID, err := p.sender.Send(ctx, num.Address, normalizedTo, body)
	if err != nil {
		return Result{}, fmt.Errorf("outbound send: %w", err)
	}

	msg := domain.Message{
		ID:        providerID, // empty when the provider issued none; Append generates one
		NumberID:  num.ID,
		From:      num.Address,
		To:        normalizedTo,
		Body:      body,
		Direction: domain.DirectionOutbound,
		Status:    domain.StatusQueued,
		Timestamp: time.Now().UTC(),
	}

	stored, _, err := p.messages.Append(ctx, msg)
	if err != nil {
		p.alertStorage(ctx, "append outbound", err, providerID)
		return Result{}, err
	}

	contact, err := p.contacts.UpsertOnOutbound(ctx, num.ID, normalizedTo, body, stored.Timestamp)
	if err != nil {
		p.alertStorage(ctx, "upsert contact outbound", err, providerID)
		return Result{}, err
	}

	recipient := num.Recipient()
	p.broadcaster.PublishMessage(ctx, recipient, contact.ID, stored)
	p.broadcaster.PublishDirectoryUpdate(ctx, recipient, contact)

	p.hooks.EmitAsync(ctx, hooks.EventMessageSent, map[string]any{
		"messageId": stored.ID, "contactId": contact.ID,
	})

	return Result{Message: stored, Contact: contact, RecipientID: recipient}, nil
}

// MarkRead resets a contact's unread counter and announces the change so
// sibling sessions converge.
func (p *Pipeline) MarkRead(ctx context.Context, contactID string) (domain.Contact, error) {
	contact, err := p.contacts.MarkRead(ctx, contactID)
	if err != nil {
		return domain.Contact{}, err
	}

	num, err := p.numbers.Get(ctx, contact.NumberID)
	if err == nil {
		p.broadcaster.PublishDirectoryUpdate(ctx, num.Recipient(), contact)
	}
	return contact, nil
}

// RemoveContact deletes a contact and its message history, then announces
// the removal on the directory channel.
func (p *Pipeline) RemoveContact(ctx context.Context, contactID string) error {
	contact, err := p.contacts.Get(ctx, contactID)
	if err != nil {
		return err
	}
	if err := p.contacts.Remove(ctx, contactID); err != nil {
		return err
	}

	num, err := p.numbers.Get(ctx, contact.NumberID)
	if err == nil {
		p.broadcaster.PublishDirectoryRemoval(ctx, num.Recipient(), contact)
	}
	return nil
}

// AssignNumber mutates a number's assignee and notifies both the previous
// and the new recipient on their presence channels.
func (p *Pipeline) AssignNumber(ctx context.Context, numberID, assigneeID string) (domain.RoutableNumber, error) {
	before, err := p.numbers.Get(ctx, numberID)
	if err != nil {
		return domain.RoutableNumber{}, err
	}

	updated, err := p.numbers.Assign(ctx, numberID, assigneeID)
	if err != nil {
		return domain.RoutableNumber{}, err
	}

	p.broadcaster.PublishAssignmentChange(ctx, updated.Recipient(), updated)
	if prev := before.Recipient(); prev != updated.Recipient() {
		p.broadcaster.PublishAssignmentChange(ctx, prev, updated)
	}
	return updated, nil
}

// DeliveryReceipt records a provider delivery-status callback for an
// outbound message. Unknown ids are ignored: receipts can outlive a
// deleted conversation.
func (p *Pipeline) DeliveryReceipt(ctx context.Context, providerID string, status domain.DeliveryStatus) error {
	err := p.messages.UpdateStatus(ctx, providerID, status)
	if errors.Is(err, store.ErrNotFound) {
		p.log.Debug().Str("providerId", providerID).Msg("receipt for unknown message")
		return nil
	}
	return err
}

func (p *Pipeline) alertStorage(ctx context.Context, op string, err error, providerID string) {
	p.log.Error().Err(err).Str("op", op).Str("providerId", providerID).Msg("storage failure; manual reconciliation may be needed")
	p.hooks.EmitAsync(ctx, hooks.EventStorageError, map[string]any{
		"op": op, "error": err.Error(), "providerId": providerID,
	})
}

// normalizeOrKeep canonicalizes an address, keeping the raw form for
// unparseable senders (short codes, alphanumeric ids).
func normalizeOrKeep(addr string) string {
	if normalized, err := domain.NormalizeAddress(addr); err == nil {
		return normalized
	}
	return addr
}
