package domain

import "time"

// Direction classifies a message relative to the routable number.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// DeliveryStatus tracks provider-side delivery state. Inbound messages are
// always "received"; outbound messages progress through the remaining states
// as delivery receipts arrive.
type DeliveryStatus string

const (
	StatusReceived  DeliveryStatus = "received"
	StatusQueued    DeliveryStatus = "queued"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// Message is an immutable record of one SMS. The ID is the provider-issued
// message SID when one exists, otherwise a locally generated UUID. Only the
// Status field is ever mutated after creation, by outbound delivery receipts.
type Message struct {
	ID        string         `json:"id"`
	NumberID  string         `json:"numberId"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Body      string         `json:"body"`
	Direction Direction      `json:"direction"`
	Status    DeliveryStatus `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
}

// Counterparty returns the external address of the conversation this message
// belongs to: the sender for inbound traffic, the recipient for outbound.
func (m Message) Counterparty() string {
	if m.Direction == DirectionInbound {
		return m.From
	}
	return m.To
}
