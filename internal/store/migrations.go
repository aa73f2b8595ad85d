package store

var migrations = []string{
	`CREATE TABLE kv (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		origin     TEXT NOT NULL,
		topic      TEXT NOT NULL,
		payload    BLOB NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX idx_messages_created_at ON messages(created_at)`,
	`CREATE TABLE counters (
		key        TEXT PRIMARY KEY,
		value      INTEGER NOT NULL DEFAULT 0 CHECK (value >= 0),
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE notifications (
		tab             TEXT NOT NULL,
		key             TEXT NOT NULL,
		notification_id TEXT NOT NULL,
		type            TEXT NOT NULL,
		title           TEXT NOT NULL DEFAULT '',
		body            TEXT NOT NULL DEFAULT '',
		origin          TEXT NOT NULL DEFAULT '',
		seq             INTEGER NOT NULL DEFAULT 0,
		read            INTEGER NOT NULL DEFAULT 0,
		received_at     TEXT NOT NULL,
		PRIMARY KEY (tab, key)
	);
	CREATE INDEX idx_notifications_received_at ON notifications(received_at)`,
}
