package domain

import "time"

// Contact is the conversation aggregate between a routable number and one
// external address. It carries the directory-level view of the conversation:
// last-message preview, timestamp, and the unread counter.
//
// The unread counter increases by exactly one per inbound message and is
// reset to zero only by an explicit read-acknowledgement. It never goes
// negative.
type Contact struct {
	ID           string    `json:"id"`
	NumberID     string    `json:"numberId"`
	Counterparty string    `json:"counterparty"`
	DisplayName  string    `json:"displayName,omitempty"`
	LastMessage  string    `json:"lastMessage"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	Unread       int       `json:"unread"`
	CreatedAt    time.Time `json:"createdAt"`
}
