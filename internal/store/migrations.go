package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create numbers, contacts and messages",
		SQL: `
			CREATE TABLE numbers (
				id          TEXT PRIMARY KEY,
				tenant_id   TEXT NOT NULL,
				address     TEXT NOT NULL,
				assignee_id TEXT NOT NULL DEFAULT '',
				active      INTEGER NOT NULL DEFAULT 1,
				created_at  TEXT NOT NULL DEFAULT (datetime('now')),
				updated_at  TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE UNIQUE INDEX idx_numbers_address ON numbers (address);
			CREATE INDEX idx_numbers_tenant ON numbers (tenant_id);

			CREATE TABLE contacts (
				id              TEXT PRIMARY KEY,
				number_id       TEXT NOT NULL REFERENCES numbers(id),
				counterparty    TEXT NOT NULL,
				display_name    TEXT NOT NULL DEFAULT '',
				last_message    TEXT NOT NULL DEFAULT '',
				last_message_at TEXT NOT NULL DEFAULT (datetime('now')),
				unread          INTEGER NOT NULL DEFAULT 0 CHECK (unread >= 0),
				created_at      TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE UNIQUE INDEX idx_contacts_conversation ON contacts (number_id, counterparty);

			CREATE TABLE messages (
				id        TEXT PRIMARY KEY,
				number_id TEXT NOT NULL REFERENCES numbers(id),
				from_addr TEXT NOT NULL,
				to_addr   TEXT NOT NULL,
				body      TEXT NOT NULL,
				direction TEXT NOT NULL,
				status    TEXT NOT NULL,
				timestamp TEXT NOT NULL
			);

			CREATE INDEX idx_messages_number ON messages (number_id, timestamp);
			CREATE INDEX idx_messages_from ON messages (number_id, from_addr);
			CREATE INDEX idx_messages_to ON messages (number_id, to_addr);
		`,
	},
}
