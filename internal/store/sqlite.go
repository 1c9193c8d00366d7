package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/connecthub/connecthub/internal/errs"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			file_url TEXT NOT NULL DEFAULT '',
			file_type TEXT NOT NULL DEFAULT '',
			file_name TEXT NOT NULL DEFAULT '',
			is_read INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			caller_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			call_type TEXT NOT NULL,
			status TEXT NOT NULL,
			duration INTEGER,
			started_at DATETIME,
			ended_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_caller ON calls(caller_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_receiver ON calls(receiver_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS blocked_users (
			blocker_id TEXT NOT NULL,
			blocked_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (blocker_id, blocked_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blocked_users_blocked ON blocked_users(blocked_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}

	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	assignIdentity(&user.ID, &user.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, display_name, password_hash, created_at) VALUES (?, ?, ?, ?, ?)",
		user.ID, user.Username, user.DisplayName, user.PasswordHash, user.CreatedAt,
	)
	if isSQLiteUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, display_name, password_hash, created_at FROM users WHERE username = ?", username,
	).Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, display_name, password_hash, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, username, display_name, created_at FROM users ORDER BY username ASC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Messages ---

func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *Message) error {
	assignIdentity(&msg.ID, &msg.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, sender_id, receiver_id, text, file_url, file_type, file_name, is_read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SenderID, msg.ReceiverID, msg.Text, msg.FileURL, msg.FileType, msg.FileName, msg.IsRead, msg.CreatedAt,
	)
	return err
}

// ListConversation returns the latest limit messages exchanged between two
// users, oldest first.
func (s *SQLiteStore) ListConversation(ctx context.Context, userA, userB string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender_id, receiver_id, text, file_url, file_type, file_name, is_read, created_at FROM (
			SELECT * FROM messages
			WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
			ORDER BY created_at DESC LIMIT ?
		 ) ORDER BY created_at ASC`,
		userA, userB, userB, userA, clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Text, &m.FileURL, &m.FileType, &m.FileName, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// --- Call records ---

func (s *SQLiteStore) InsertCallRecord(ctx context.Context, rec *CallRecord) error {
	assignIdentity(&rec.ID, &rec.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (id, caller_id, receiver_id, call_type, status, duration, started_at, ended_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CallerID, rec.ReceiverID, rec.CallType, rec.Status, rec.Duration, rec.StartedAt, rec.EndedAt, rec.CreatedAt,
	)
	return err
}

// ListCallRecords returns the calls a user took part in, newest first.
func (s *SQLiteStore) ListCallRecords(ctx context.Context, userID string, limit int) ([]CallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, caller_id, receiver_id, call_type, status, duration, started_at, ended_at, created_at
		 FROM calls WHERE caller_id = ? OR receiver_id = ?
		 ORDER BY created_at DESC LIMIT ?`,
		userID, userID, clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []CallRecord
	for rows.Next() {
		var (
			r         CallRecord
			duration  sql.NullInt64
			startedAt sql.NullTime
			endedAt   sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.CallerID, &r.ReceiverID, &r.CallType, &r.Status, &duration, &startedAt, &endedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		if duration.Valid {
			r.Duration = &duration.Int64
		}
		r.StartedAt = nullTimePtr(startedAt)
		r.EndedAt = nullTimePtr(endedAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// --- Blocks ---

func (s *SQLiteStore) BlockUser(ctx context.Context, blockerID, blockedID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO blocked_users (blocker_id, blocked_id, created_at) VALUES (?, ?, ?)",
		blockerID, blockedID, time.Now().UTC(),
	)
	if isSQLiteUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

func (s *SQLiteStore) UnblockUser(ctx context.Context, blockerID, blockedID string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM blocked_users WHERE blocker_id = ? AND blocked_id = ?",
		blockerID, blockedID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListBlocked(ctx context.Context, blockerID string) ([]Block, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT blocker_id, blocked_id, created_at FROM blocked_users WHERE blocker_id = ? ORDER BY created_at DESC",
		blockerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		var b Block
		if err := rows.Scan(&b.BlockerID, &b.BlockedID, &b.CreatedAt); err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// IsBlocked reports whether either user has blocked the other.
func (s *SQLiteStore) IsBlocked(ctx context.Context, userA, userB string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blocked_users
		 WHERE (blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)`,
		userA, userB, userB, userA,
	).Scan(&count)
	return count > 0, err
}
