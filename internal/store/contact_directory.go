package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/textdesk/textdesk/internal/domain"
)

// ContactDirectory holds the per-conversation directory records: preview,
// last-message time, and the unread counter. The unread increment is a
// single atomic SQL update, never a read-modify-write, so concurrent inbound
// bursts to the same contact cannot lose counts.
type ContactDirectory struct {
	db *DB
}

// NewContactDirectory creates a contact directory using the given database.
func NewContactDirectory(db *DB) *ContactDirectory {
	return &ContactDirectory{db: db}
}

// UpsertOnInbound records an inbound message against the conversation's
// contact. A previously unseen counterparty creates the contact with
// unread=1; an existing contact gets the new preview and an atomic unread
// increment.
func (d *ContactDirectory) UpsertOnInbound(ctx context.Context, numberID, counterparty, preview string, ts time.Time) (domain.Contact, error) {
	return d.upsert(ctx, numberID, counterparty, preview, ts, true)
}

// UpsertOnOutbound records an outbound message: preview and timestamp only.
// The unread counter belongs to the recipient and outbound traffic never
// touches it.
func (d *ContactDirectory) UpsertOnOutbound(ctx context.Context, numberID, counterparty, preview string, ts time.Time) (domain.Contact, error) {
	return d.upsert(ctx, numberID, counterparty, preview, ts, false)
}

func (d *ContactDirectory) upsert(ctx context.Context, numberID, counterparty, preview string, ts time.Time, inbound bool) (domain.Contact, error) {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	initialUnread := 0
	increment := 0
	if inbound {
		initialUnread = 1
		increment = 1
	}

	id := uuid.New().String()
	_, err := d.db.sql.ExecContext(ctx,
		`INSERT INTO contacts (id, number_id, counterparty, last_message, last_message_at, unread, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(number_id, counterparty) DO UPDATE SET
		   last_message = excluded.last_message,
		   last_message_at = excluded.last_message_at,
		   unread = unread + ?`,
		id, numberID, counterparty, preview,
		ts.UTC().Format(timeLayout), initialUnread,
		time.Now().UTC().Format(timeLayout),
		increment,
	)
	if err != nil {
		return domain.Contact{}, storageErr("upsert contact", err)
	}

	return d.GetByConversation(ctx, numberID, counterparty)
}

// MarkRead resets the unread counter to zero. This is a last-writer-wins
// reset: a message arriving concurrently with the acknowledgement may be
// marked read without ever being displayed as unread.
func (d *ContactDirectory) MarkRead(ctx context.Context, contactID string) (domain.Contact, error) {
	res, err := d.db.sql.ExecContext(ctx,
		`UPDATE contacts SET unread = 0 WHERE id = ?`, contactID)
	if err != nil {
		return domain.Contact{}, storageErr("mark read", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Contact{}, storageErr("mark read", err)
	}
	if n == 0 {
		return domain.Contact{}, ErrNotFound
	}
	return d.Get(ctx, contactID)
}

// SetDisplayName updates a contact's display name.
func (d *ContactDirectory) SetDisplayName(ctx context.Context, contactID, name string) error {
	_, err := d.db.sql.ExecContext(ctx,
		`UPDATE contacts SET display_name = ? WHERE id = ?`, name, contactID)
	if err != nil {
		return storageErr("set display name", err)
	}
	return nil
}

// Remove deletes a contact and, per the cascade policy, its message history.
// Both deletes run in one transaction.
func (d *ContactDirectory) Remove(ctx context.Context, contactID string) error {
	contact, err := d.Get(ctx, contactID)
	if err != nil {
		return err
	}

	tx, err := d.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("remove contact", err)
	}
	defer tx.Rollback()

	if err := deleteConversation(ctx, tx, contact.NumberID, contact.Counterparty); err != nil {
		return storageErr("remove contact messages", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM contacts WHERE id = ?`, contactID); err != nil {
		return storageErr("remove contact", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("remove contact", err)
	}
	return nil
}

// Get returns a contact by id.
func (d *ContactDirectory) Get(ctx context.Context, contactID string) (domain.Contact, error) {
	row := d.db.sql.QueryRowContext(ctx,
		`SELECT id, number_id, counterparty, display_name, last_message, last_message_at, unread, created_at
		 FROM contacts WHERE id = ?`, contactID)
	return scanContact(row)
}

// GetByConversation returns the contact for a (number, counterparty) pair.
func (d *ContactDirectory) GetByConversation(ctx context.Context, numberID, counterparty string) (domain.Contact, error) {
	row := d.db.sql.QueryRowContext(ctx,
		`SELECT id, number_id, counterparty, display_name, last_message, last_message_at, unread, created_at
		 FROM contacts WHERE number_id = ? AND counterparty = ?`, numberID, counterparty)
	return scanContact(row)
}

// ListByNumber returns a number's contacts ordered by most recent activity.
func (d *ContactDirectory) ListByNumber(ctx context.Context, numberID string) ([]domain.Contact, error) {
	rows, err := d.db.sql.QueryContext(ctx,
		`SELECT id, number_id, counterparty, display_name, last_message, last_message_at, unread, created_at
		 FROM contacts WHERE number_id = ? ORDER BY last_message_at DESC`, numberID)
	if err != nil {
		return nil, storageErr("list contacts", err)
	}
	defer rows.Close()

	var contacts []domain.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate contacts", err)
	}
	return contacts, nil
}

func scanContact(r rowScanner) (domain.Contact, error) {
	var c domain.Contact
	var lastAt, createdAt string
	err := r.Scan(&c.ID, &c.NumberID, &c.Counterparty, &c.DisplayName, &c.LastMessage, &lastAt, &c.Unread, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Contact{}, ErrNotFound
	}
	if err != nil {
		return domain.Contact{}, storageErr("scan contact", err)
	}
	c.LastMessageAt, err = time.Parse(time.RFC3339Nano, lastAt)
	if err != nil {
		return domain.Contact{}, storageErr("scan contact", fmt.Errorf("corrupt last_message_at %q on contact %s: %w", lastAt, c.ID, err))
	}
	c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return domain.Contact{}, storageErr("scan contact", fmt.Errorf("corrupt created_at %q on contact %s: %w", createdAt, c.ID, err))
	}
	return c, nil
}
