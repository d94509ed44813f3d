package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textdesk/textdesk/internal/domain"
	"github.com/textdesk/textdesk/internal/logging"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	log := logging.New(nil, "silent")
	db, err := Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testNumber(t *testing.T, db *DB) domain.RoutableNumber {
	t.Helper()
	num, err := NewNumberStore(db).Create(context.Background(), "tenant-1", "+12025550100", "")
	require.NoError(t, err)
	return num
}

// --- DB/Migration tests ---

func TestOpen_InMemory(t *testing.T) {
	db := testDB(t)
	assert.NotNil(t, db)
	assert.NotNil(t, db.SQL())
}

func TestMigrations_Applied(t *testing.T) {
	db := testDB(t)

	var count int
	err := db.sql.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), count)
}

func TestMigrations_Idempotent(t *testing.T) {
	db := testDB(t)

	// Running migrate again should be a no-op
	err := db.migrate()
	require.NoError(t, err)

	var count int
	err = db.sql.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), count)
}

func TestSchema_TablesExist(t *testing.T) {
	db := testDB(t)

	tables := []string{"numbers", "contacts", "messages"}
	for _, table := range tables {
		var name string
		err := db.sql.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
		assert.Equal(t, table, name)
	}
}

// --- NumberStore tests ---

func TestNumberStore_Create(t *testing.T) {
	db := testDB(t)
	ns := NewNumberStore(db)

	num, err := ns.Create(context.Background(), "tenant-1", "+1 202 555 0100", "user-1")
	require.NoError(t, err)

	assert.NotEmpty(t, num.ID)
	assert.Equal(t, "+12025550100", num.Address, "address should be normalized to E.164")
	assert.Equal(t, "user-1", num.AssigneeID)
	assert.True(t, num.Active)
}

func TestNumberStore_Create_InvalidAddress(t *testing.T) {
	db := testDB(t)
	ns := NewNumberStore(db)

	_, err := ns.Create(context.Background(), "tenant-1", "not a number", "")
	assert.Error(t, err)
}

func TestNumberStore_Create_DuplicateAddress(t *testing.T) {
	db := testDB(t)
	ns := NewNumberStore(db)

	_, err := ns.Create(context.Background(), "tenant-1", "+12025550100", "")
	require.NoError(t, err)

	_, err = ns.Create(context.Background(), "tenant-2", "+12025550100", "")
	assert.Error(t, err, "the same address cannot be provisioned twice")
}

func TestNumberStore_GetByAddress(t *testing.T) {
	db := testDB(t)
	ns := NewNumberStore(db)

	created, err := ns.Create(context.Background(), "tenant-1", "+12025550100", "")
	require.NoError(t, err)

	got, err := ns.GetByAddress(context.Background(), "+12025550100")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
}

func TestNumberStore_GetByAddress_NotFound(t *testing.T) {
	db := testDB(t)
	ns := NewNumberStore(db)

	_, err := ns.GetByAddress(context.Background(), "+12025550199")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNumberStore_GetByAddress_SkipsInactive(t *testing.T) {
	db := testDB(t)
	ns := NewNumberStore(db)

	num, err := ns.Create(context.Background(), "tenant-1", "+12025550100", "")
	require.NoError(t, err)

	require.NoError(t, ns.Deactivate(context.Background(), num.ID))

	_, err = ns.GetByAddress(context.Background(), "+12025550100")
	assert.ErrorIs(t, err, ErrNotFound, "deactivated numbers stop resolving")

	// But Get by id still works
	got, err := ns.Get(context.Background(), num.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestNumberStore_Assign(t *testing.T) {
	db := testDB(t)
	ns := NewNumberStore(db)

	num, err := ns.Create(context.Background(), "tenant-1", "+12025550100", "")
	require.NoError(t, err)

	updated, err := ns.Assign(context.Background(), num.ID, "user-7")
	require.NoError(t, err)
	assert.Equal(t, "user-7", updated.AssigneeID)

	// Clearing routes back to the tenant owner
	cleared, err := ns.Assign(context.Background(), num.ID, "")
	require.NoError(t, err)
	assert.Empty(t, cleared.AssigneeID)
}

func TestNumberStore_Assign_NotFound(t *testing.T) {
	db := testDB(t)
	ns := NewNumberStore(db)

	_, err := ns.Assign(context.Background(), "missing", "user-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNumberStore_ListByTenant(t *testing.T) {
	db := testDB(t)
	ns := NewNumberStore(db)

	_, err := ns.Create(context.Background(), "tenant-1", "+12025550100", "")
	require.NoError(t, err)
	_, err = ns.Create(context.Background(), "tenant-1", "+12025550101", "")
	require.NoError(t, err)
	_, err = ns.Create(context.Background(), "tenant-2", "+12025550102", "")
	require.NoError(t, err)

	nums, err := ns.ListByTenant(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Len(t, nums, 2)
}

// --- MessageStore tests ---

func TestMessageStore_Append(t *testing.T) {
	db := testDB(t)
	num := testNumber(t, db)
	ms := NewMessageStore(db)

	msg, created, err := ms.Append(context.Background(), domain.Message{
		NumberID:  num.ID,
		From:      "+13105550100",
		To:        num.Address,
		Body:      "hello",
		Direction: domain.DirectionInbound,
	})
	require.NoError(t, err)

	assert.True(t, created)
	assert.NotEmpty(t, msg.ID, "missing id gets a generated UUID")
	assert.Equal(t, domain.StatusReceived, msg.Status)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestMessageStore_Append_DuplicateProviderID(t *testing.T) {
	db := testDB(t)
	num := testNumber(t, db)
	ms := NewMessageStore(db)

	first := domain.Message{
		ID:        "SM123",
		NumberID:  num.ID,
		From:      "+13105550100",
		To:        num.Address,
		Body:      "hello",
		Direction: domain.DirectionInbound,
	}

	_, created, err := ms.Append(context.Background(), first)
	require.NoError(t, err)
	assert.True(t, created)

	// Webhook retry delivers the same SID again
	retry := first
	retry.Body = "hello (retry)"
	got, created, err := ms.Append(context.Background(), retry)
	require.NoError(t, err)

	assert.False(t, created, "retry must not create a second row")
	assert.Equal(t, "hello", got.Body, "the original row wins")

	msgs, err := ms.ListByNumber(context.Background(), num.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestMessageStore_Get_NotFound(t *testing.T) {
	db := testDB(t)
	ms := NewMessageStore(db)

	_, err := ms.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessageStore_ListConversation_Ordering(t *testing.T) {
	db := testDB(t)
	num := testNumber(t, db)
	ms := NewMessageStore(db)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	counterparty := "+13105550100"

	// Insert out of order; the list must come back by timestamp
	for i, offset := range []int{2, 0, 1} {
		_, _, err := ms.Append(context.Background(), domain.Message{
			NumberID:  num.ID,
			From:      counterparty,
			To:        num.Address,
			Body:      string(rune('a' + i)),
			Direction: domain.DirectionInbound,
			Timestamp: base.Add(time.Duration(offset) * time.Minute),
		})
		require.NoError(t, err)
	}

	msgs, err := ms.ListConversation(context.Background(), num.ID, counterparty)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.True(t, msgs[0].Timestamp.Before(msgs[1].Timestamp))
	assert.True(t, msgs[1].Timestamp.Before(msgs[2].Timestamp))
}

func TestMessageStore_ListConversation_FractionalSeconds(t *testing.T) {
	db := testDB(t)
	num := testNumber(t, db)
	ms := NewMessageStore(db)

	base := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	counterparty := "+13105550100"

	// .5s vs .51s: a trimmed-fraction encoding sorts these backwards because
	// "05.5Z" > "05.51Z" as strings.
	for _, m := range []struct {
		id     string
		offset time.Duration
	}{
		{"SM-mid", 510 * time.Millisecond},
		{"SM-early", 500 * time.Millisecond},
		{"SM-whole", 0},
	} {
		_, _, err := ms.Append(context.Background(), domain.Message{
			ID: m.id, NumberID: num.ID, From: counterparty, To: num.Address,
			Body: m.id, Direction: domain.DirectionInbound,
			Timestamp: base.Add(m.offset),
		})
		require.NoError(t, err)
	}

	msgs, err := ms.ListConversation(context.Background(), num.ID, counterparty)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "SM-whole", msgs[0].ID)
	assert.Equal(t, "SM-early", msgs[1].ID)
	assert.Equal(t, "SM-mid", msgs[2].ID)
}

func TestMessageStore_CorruptTimestampSurfaces(t *testing.T) {
	db := testDB(t)
	num := testNumber(t, db)
	ms := NewMessageStore(db)

	_, err := db.sql.Exec(
		`INSERT INTO messages (id, number_id, from_addr, to_addr, body, direction, status, timestamp)
		 VALUES ('SM-bad', ?, '+13105550100', ?, 'x', 'inbound', 'received', 'not-a-time')`,
		num.ID, num.Address)
	require.NoError(t, err)

	_, err = ms.Get(context.Background(), "SM-bad")
	require.Error(t, err, "a corrupt row must surface, not decode to a zero timestamp")
	assert.Contains(t, err.Error(), "corrupt timestamp")
}

func TestMessageStore_ListConversation_BothDirections(t *testing.T) {
	db := testDB(t)
	num := testNumber(t, db)
	ms := NewMessageStore(db)

	counterparty := "+13105550100"

	_, _, err := ms.Append(context.Background(), domain.Message{
		NumberID: num.ID, From: counterparty, To: num.Address,
		Body: "in", Direction: domain.DirectionInbound,
	})
	require.NoError(t, err)

	_, _, err = ms.Append(context.Background(), domain.Message{
		NumberID: num.ID, From: num.Address, To: counterparty,
		Body: "out", Direction: domain.DirectionOutbound,
	})
	require.NoError(t, err)

	// A different conversation on the same number
	_, _, err = ms.Append(context.Background(), domain.Message{
		NumberID: num.ID, From: "+13105550199", To: num.Address,
		Body: "other", Direction: domain.DirectionInbound,
	})
	require.NoError(t, err)

	msgs, err := ms.ListConversation(context.Background(), num.ID, counterparty)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestMessageStore_UpdateStatus(t *testing.T) {
	db := testDB(t)
	num := testNumber(t, db)
	ms := NewMessageStore(db)

	msg, _, err := ms.Append(context.Background(), domain.Message{
		ID: "SM900", NumberID: num.ID, From: num.Address, To: "+13105550100",
		Body: "out", Direction: domain.DirectionOutbound,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, msg.Status)

	require.NoError(t, ms.UpdateStatus(context.Background(), "SM900", domain.StatusDelivered))

	got, err := ms.Get(context.Background(), "SM900")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, got.Status)
}

func TestMessageStore_UpdateStatus_InboundImmutable(t *testing.T) {
	db := testDB(t)
	num := testNumber(t, db)
	ms := NewMessageStore(db)

	_, _, err := ms.Append(context.Background(), domain.Message{
		ID: "SM901", NumberID: num.ID, From: "+13105550100", To: num.Address,
		Body: "in", Direction: domain.DirectionInbound,
	})
	require.NoError(t, err)

	err = ms.UpdateStatus(context.Background(), "SM901", domain.StatusDelivered)
	assert.ErrorIs(t, err, ErrNotFound, "inbound messages never take receipts")
}

// --- ContactDirectory tests ---

func TestContactDirectory_UpsertOnInbound_New(t *testing.T) {
	db := testDB(t)
	num := testNumber(t, db)
	cd := NewContactDirectory(db)

	c, err := cd.UpsertOnInbound(context.Background(), num.ID, "+13105550100", "hello", time.Now())
	require.NoError(t, err)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, 1, c.Unread, "a new inbound conversation starts at unread=1")
	assert.Equal(t, "hello", c.LastMessage)
}

func TestContactDirectory_UpsertOnInbound_Increments(t *testing.T) {
	db := testDB(t)
	num := testNumber(t, db)
	cd := NewContactDirectory(db)

	for i := 0; i < 5; i++ {
		_, err := cd.UpsertOnInbound(context.Background(), num.ID, "+13105550100", "msg", time.Now())
		require.NoError(t, err)
	}

	c, err := cd.GetByConversation(context.Background(), num.ID, "+13105550100")
	require.NoError(t, err)
	assert.Equal(t, 5, c.Unread, "one increment per inbound message, no lost counts")
}

func TestContactDirectory_UpsertOnOutbound_NoIncrement(t *testing.T) {
	db := testDB(t)
	num := testNumber(t, db)
	cd := NewContactDirectory(db)

	_, err := cd.UpsertOnInbound(context.Background(), num.ID, "+13105550100", "in", time.Now())
	require.NoError(t, err)

	c, err := cd.UpsertOnOutbound(context.Background(), num.ID, "+13105550100", "reply", time.Now())
	require.NoError(t, err)

	assert.Equal(t, 1, c.Unread, "outbound traffic never touches the counter")
	assert.Equal(t, "reply", c.LastMessage, "but it does refresh the preview")
}

func TestContactDirectory_MarkRead(t *testing.T) {
	db := testDB(t)
	num := testNumber(t, db)
	cd := NewContactDirectory(db)

	var contact domain.Contact
	for i := 0; i < 5; i++ {
		var err error
		contact, err = cd.UpsertOnInbound(context.Background(), num.ID, "+13105550100", "msg", time.Now())
		require.NoError(t, err)
	}
	require.Equal(t, 5, contact.Unread)

	read, err := cd.MarkRead(context.Background(), contact.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, read.Unread)

	// The next inbound message starts the count again from zero
	c, err := cd.UpsertOnInbound(context.Background(), num.ID, "+13105550100", "new", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, c.Unread)
}

func TestContactDirectory_MarkRead_Idempotent(t *testing.T) {
	db := testDB(t)
	num := testNumber(t, db)
	cd := NewContactDirectory(db)

	contact, err := cd.UpsertOnInbound(context.Background(), num.ID, "+13105550100", "msg", time.Now())
	require.NoError(t, err)

	_, err = cd.MarkRead(context.Background(), contact.ID)
	require.NoError(t, err)

	read, err := cd.MarkRead(context.Background(), contact.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, read.Unread, "marking an already-read contact stays at zero")
}

func TestContactDirectory_MarkRead_NotFound(t *testing.T) {
	db := testDB(t)
	cd := NewContactDirectory(db)

	_, err := cd.MarkRead(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestContactDirectory_SetDisplayName(t *testing.T) {
	db := testDB(t)
	num := testNumber(t, db)
	cd := NewContactDirectory(db)

	contact, err := cd.UpsertOnInbound(context.Background(), num.ID, "+13105550100", "msg", time.Now())
	require.NoError(t, err)

	require.NoError(t, cd.SetDisplayName(context.Background(), contact.ID, "Alice"))

	got, err := cd.Get(context.Background(), contact.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.DisplayName)
}

func TestContactDirectory_Remove_CascadesMessages(t *testing.T) {
	db := testDB(t)
	num := testNumber(t, db)
	cd := NewContactDirectory(db)
	ms := NewMessageStore(db)

	counterparty := "+13105550100"

	_, _, err := ms.Append(context.Background(), domain.Message{
		NumberID: num.ID, From: counterparty, To: num.Address,
		Body: "hello", Direction: domain.DirectionInbound,
	})
	require.NoError(t, err)

	contact, err := cd.UpsertOnInbound(context.Background(), num.ID, counterparty, "hello", time.Now())
	require.NoError(t, err)

	// Another conversation that must survive
	_, _, err = ms.Append(context.Background(), domain.Message{
		NumberID: num.ID, From: "+13105550199", To: num.Address,
		Body: "other", Direction: domain.DirectionInbound,
	})
	require.NoError(t, err)

	require.NoError(t, cd.Remove(context.Background(), contact.ID))

	_, err = cd.Get(context.Background(), contact.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	msgs, err := ms.ListConversation(context.Background(), num.ID, counterparty)
	require.NoError(t, err)
	assert.Empty(t, msgs, "the conversation history goes with the contact")

	others, err := ms.ListConversation(context.Background(), num.ID, "+13105550199")
	require.NoError(t, err)
	assert.Len(t, others, 1, "unrelated conversations are untouched")
}

func TestContactDirectory_ListByNumber_MostRecentFirst(t *testing.T) {
	db := testDB(t)
	num := testNumber(t, db)
	cd := NewContactDirectory(db)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := cd.UpsertOnInbound(context.Background(), num.ID, "+13105550101", "old", base)
	require.NoError(t, err)
	_, err = cd.UpsertOnInbound(context.Background(), num.ID, "+13105550102", "new", base.Add(time.Hour))
	require.NoError(t, err)

	contacts, err := cd.ListByNumber(context.Background(), num.ID)
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	assert.Equal(t, "+13105550102", contacts[0].Counterparty)
}

func TestContactDirectory_ListByNumber_FractionalSeconds(t *testing.T) {
	db := testDB(t)
	num := testNumber(t, db)
	cd := NewContactDirectory(db)

	base := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)

	// Same hazard as the message log: .5s must sort before .51s
	_, err := cd.UpsertOnInbound(context.Background(), num.ID, "+13105550101", "earlier", base.Add(500*time.Millisecond))
	require.NoError(t, err)
	_, err = cd.UpsertOnInbound(context.Background(), num.ID, "+13105550102", "later", base.Add(510*time.Millisecond))
	require.NoError(t, err)

	contacts, err := cd.ListByNumber(context.Background(), num.ID)
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	assert.Equal(t, "+13105550102", contacts[0].Counterparty, "most recent activity sorts first")
	assert.Equal(t, "+13105550101", contacts[1].Counterparty)
}
