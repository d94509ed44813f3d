package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event kinds. The set is closed: every payload crossing the pub/sub
// boundary is one of these tagged variants with a fixed schema.
const (
	EventKindMessage    = "message"
	EventKindDirectory  = "directory"
	EventKindAssignment = "assignment"
)

// Event is the envelope published on broker channels. Exactly one variant
// field is populated, selected by Kind.
type Event struct {
	Kind       string           `json:"kind"`
	Message    *MessageEvent    `json:"message,omitempty"`
	Directory  *DirectoryEvent  `json:"directory,omitempty"`
	Assignment *AssignmentEvent `json:"assignment,omitempty"`
}

// MessageEvent announces a message appended to a conversation.
type MessageEvent struct {
	ContactID string  `json:"contactId"`
	Message   Message `json:"message"`
}

// DirectoryEvent announces a contact-directory change: a new or updated
// preview, a bumped or reset unread counter, or a removed contact.
type DirectoryEvent struct {
	Contact Contact `json:"contact"`
	Removed bool    `json:"removed,omitempty"`
}

// AssignmentEvent announces that a routable number changed hands.
type AssignmentEvent struct {
	NumberID   string    `json:"numberId"`
	Address    string    `json:"address"`
	AssigneeID string    `json:"assigneeId"`
	ChangedAt  time.Time `json:"changedAt"`
}

// NewMessageEvent wraps a stored message in an event envelope.
func NewMessageEvent(contactID string, msg Message) Event {
	return Event{Kind: EventKindMessage, Message: &MessageEvent{ContactID: contactID, Message: msg}}
}

// NewDirectoryEvent wraps a contact snapshot in an event envelope.
func NewDirectoryEvent(contact Contact, removed bool) Event {
	return Event{Kind: EventKindDirectory, Directory: &DirectoryEvent{Contact: contact, Removed: removed}}
}

// NewAssignmentEvent wraps an assignment change in an event envelope.
func NewAssignmentEvent(numberID, address, assigneeID string) Event {
	return Event{Kind: EventKindAssignment, Assignment: &AssignmentEvent{
		NumberID:   numberID,
		Address:    address,
		AssigneeID: assigneeID,
		ChangedAt:  time.Now(),
	}}
}

// Validate checks that the envelope carries exactly the variant its kind
// names. Both ends of the pub/sub boundary validate before acting.
func (e Event) Validate() error {
	switch e.Kind {
	case EventKindMessage:
		if e.Message == nil {
			return fmt.Errorf("message event missing payload")
		}
	case EventKindDirectory:
		if e.Directory == nil {
			return fmt.Errorf("directory event missing payload")
		}
	case EventKindAssignment:
		if e.Assignment == nil {
			return fmt.Errorf("assignment event missing payload")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

// Marshal encodes the event for the wire.
func (e Event) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// UnmarshalEvent decodes and validates an event from the wire.
func UnmarshalEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decoding event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
