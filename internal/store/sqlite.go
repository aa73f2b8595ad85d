package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Fixed-width UTC timestamps so text ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

const memoryPath = ":memory:"

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, zero CGO).
// Several tab processes may open the same file; WAL mode and the busy
// timeout let them share it.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
// The database file is created with 0600 permissions and its parent directory with 0700.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := memoryPath
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}

		// Pre-create the file with restrictive permissions if it doesn't exist
		if _, err := os.Stat(path); os.IsNotExist(err) {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
			if err != nil {
				return nil, fmt.Errorf("creating database file: %w", err)
			}
			_ = f.Close()
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		slog.Debug("applying migration", "version", i+1)
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Key-value ---

func (s *SQLiteStore) PutValue(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("putting value %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) GetValue(key string) (*ValueRecord, error) {
	var v ValueRecord
	var updatedAt string
	err := s.db.QueryRow("SELECT key, value, updated_at FROM kv WHERE key = ?", key).
		Scan(&v.Key, &v.Value, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("value %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting value %q: %w", key, err)
	}
	v.UpdatedAt = parseTime(updatedAt)
	return &v, nil
}

// --- Broadcast log ---

func (s *SQLiteStore) AppendMessage(m *MessageRecord) (int64, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	res, err := s.db.Exec(`INSERT INTO messages (origin, topic, payload, created_at) VALUES (?, ?, ?, ?)`,
		m.Origin, m.Topic, m.Payload, formatTime(m.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("appending message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading message id: %w", err)
	}
	m.ID = id
	return id, nil
}

func (s *SQLiteStore) MessagesAfter(afterID int64, excludeOrigin string, limit int) ([]MessageRecord, error) {
	query := "SELECT id, origin, topic, payload, created_at FROM messages WHERE id > ?"
	args := []any{afterID}

	if excludeOrigin != "" {
		query += " AND origin != ?"
		args = append(args, excludeOrigin)
	}

	query += " ORDER BY id ASC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []MessageRecord
	for rows.Next() {
		var m MessageRecord
		var createdAt string
		if err := rows.Scan(&m.ID, &m.Origin, &m.Topic, &m.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.CreatedAt = parseTime(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) LatestMessageID() (int64, error) {
	var id int64
	if err := s.db.QueryRow("SELECT COALESCE(MAX(id), 0) FROM messages").Scan(&id); err != nil {
		return 0, fmt.Errorf("reading latest message id: %w", err)
	}
	return id, nil
}

// --- Counters ---

func (s *SQLiteStore) LoadCounter(key string) (int, error) {
	var v int
	err := s.db.QueryRow("SELECT value FROM counters WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("loading counter %q: %w", key, err)
	}
	return v, nil
}

func (s *SQLiteStore) SaveCounter(key string, value int) error {
	if value < 0 {
		value = 0
	}
	_, err := s.db.Exec(`INSERT INTO counters (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("saving counter %q: %w", key, err)
	}
	return nil
}

// --- Notification history ---

func (s *SQLiteStore) RecordNotification(n *NotificationRecord) error {
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = s.now()
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO notifications (tab, key, notification_id, type, title, body,
		origin, seq, read, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.Tab, n.Key, n.NotificationID, n.Type, n.Title, n.Body,
		n.Origin, int64(n.Seq), boolToInt(n.Read), formatTime(n.ReceivedAt))
	if err != nil {
		return fmt.Errorf("recording notification: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListNotifications(f NotificationFilter) ([]NotificationRecord, error) {
	query := `SELECT tab, key, notification_id, type, title, body, origin, seq, read, received_at
		FROM notifications WHERE 1=1`
	var args []any

	if f.Tab != "" {
		query += " AND tab = ?"
		args = append(args, f.Tab)
	}
	if f.Unread {
		query += " AND read = 0"
	}
	if !f.Since.IsZero() {
		query += " AND received_at >= ?"
		args = append(args, formatTime(f.Since))
	}

	query += " ORDER BY received_at DESC, seq DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []NotificationRecord
	for rows.Next() {
		var n NotificationRecord
		var seq int64
		var read int
		var receivedAt string
		if err := rows.Scan(&n.Tab, &n.Key, &n.NotificationID, &n.Type, &n.Title, &n.Body,
			&n.Origin, &seq, &read, &receivedAt); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		n.Seq = uint64(seq)
		n.Read = read != 0
		n.ReceivedAt = parseTime(receivedAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkRead(tab, key string) error {
	res, err := s.db.Exec("UPDATE notifications SET read = 1 WHERE tab = ? AND key = ?", tab, key)
	if err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("notification %q: %w", key, ErrNotFound)
	}
	return nil
}

// --- Maintenance ---

// PruneMessages drops broadcast log entries older than horizon.
func (s *SQLiteStore) PruneMessages(horizon time.Duration) error {
	if horizon <= 0 {
		return nil
	}
	cutoff := formatTime(s.now().Add(-horizon))
	if _, err := s.db.Exec("DELETE FROM messages WHERE created_at < ?", cutoff); err != nil {
		return fmt.Errorf("pruning messages: %w", err)
	}
	return nil
}

// Cleanup drops notification history older than retention.
func (s *SQLiteStore) Cleanup(retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	cutoff := formatTime(s.now().Add(-retention))
	if _, err := s.db.Exec("DELETE FROM notifications WHERE received_at < ?", cutoff); err != nil {
		return fmt.Errorf("cleaning notifications: %w", err)
	}
	return nil
}

// --- Helpers ---

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeFormat, s)
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
