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

// timeLayout is a fixed-width RFC 3339 rendering. RFC3339Nano trims trailing
// fractional zeros, which makes lexicographic ORDER BY on the timestamp
// columns diverge from chronological order ("...05.5Z" sorts after
// "...05.51Z"); padding the fraction keeps string order equal to time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// MessageStore is the append-only message log. Messages are never mutated
// after creation except the status field, which outbound delivery receipts
// update.
type MessageStore struct {
	db *DB
}

// NewMessageStore creates a message store using the given database.
func NewMessageStore(db *DB) *MessageStore {
	return &MessageStore{db: db}
}

// Append inserts a message. When the message carries a provider-issued id
// that already exists, the existing record is returned with created=false —
// webhook retries are idempotent. Messages without an id get a fresh UUID
// and are never deduplicated.
func (s *MessageStore) Append(ctx context.Context, msg domain.Message) (domain.Message, bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Status == "" {
		if msg.Direction == domain.DirectionInbound {
			msg.Status = domain.StatusReceived
		} else {
			msg.Status = domain.StatusQueued
		}
	}

	res, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO messages (id, number_id, from_addr, to_addr, body, direction, status, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		msg.ID, msg.NumberID, msg.From, msg.To, msg.Body,
		string(msg.Direction), string(msg.Status),
		msg.Timestamp.UTC().Format(timeLayout),
	)
	if err != nil {
		return domain.Message{}, false, storageErr("append message", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return domain.Message{}, false, storageErr("append message", err)
	}
	if inserted > 0 {
		return msg, true, nil
	}

	// Concurrent or retried delivery already wrote this id; return that row.
	existing, err := s.Get(ctx, msg.ID)
	if err != nil {
		return domain.Message{}, false, err
	}
	return existing, false, nil
}

// Get returns a message by id.
func (s *MessageStore) Get(ctx context.Context, id string) (domain.Message, error) {
	row := s.db.sql.QueryRowContext(ctx,
		`SELECT id, number_id, from_addr, to_addr, body, direction, status, timestamp
		 FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, ErrNotFound
	}
	if err != nil {
		return domain.Message{}, storageErr("get message", err)
	}
	return msg, nil
}

// ListConversation returns the messages exchanged between a routable number
// and one counterparty, ordered by timestamp ascending. This is what clients
// use to reconstruct a conversation after a reconnect.
func (s *MessageStore) ListConversation(ctx context.Context, numberID, counterparty string) ([]domain.Message, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT id, number_id, from_addr, to_addr, body, direction, status, timestamp
		 FROM messages
		 WHERE number_id = ? AND (from_addr = ? OR to_addr = ?)
		 ORDER BY timestamp ASC`,
		numberID, counterparty, counterparty)
	if err != nil {
		return nil, storageErr("list conversation", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ListByNumber returns every message on a routable number ordered by
// timestamp ascending.
func (s *MessageStore) ListByNumber(ctx context.Context, numberID string) ([]domain.Message, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT id, number_id, from_addr, to_addr, body, direction, status, timestamp
		 FROM messages WHERE number_id = ? ORDER BY timestamp ASC`, numberID)
	if err != nil {
		return nil, storageErr("list by number", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// UpdateStatus records a delivery receipt for an outbound message. Inbound
// messages are immutable and are never touched.
func (s *MessageStore) UpdateStatus(ctx context.Context, id string, status domain.DeliveryStatus) error {
	res, err := s.db.sql.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE id = ? AND direction = ?`,
		string(status), id, string(domain.DirectionOutbound))
	if err != nil {
		return storageErr("update status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update status", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// deleteConversation removes the message history between a number and a
// counterparty. Called from ContactDirectory.Remove inside its transaction.
func deleteConversation(ctx context.Context, tx *sql.Tx, numberID, counterparty string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE number_id = ? AND (from_addr = ? OR to_addr = ?)`,
		numberID, counterparty, counterparty)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (domain.Message, error) {
	var msg domain.Message
	var direction, status, ts string
	if err := r.Scan(&msg.ID, &msg.NumberID, &msg.From, &msg.To, &msg.Body, &direction, &status, &ts); err != nil {
		return domain.Message{}, err
	}
	msg.Direction = domain.Direction(direction)
	msg.Status = domain.DeliveryStatus(status)
	var err error
	msg.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return domain.Message{}, fmt.Errorf("corrupt timestamp %q on message %s: %w", ts, msg.ID, err)
	}
	return msg, nil
}

func collectMessages(rows *sql.Rows) ([]domain.Message, error) {
	var msgs []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, storageErr("scan message", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate messages", err)
	}
	return msgs, nil
}
