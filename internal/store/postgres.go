package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/connecthub/connecthub/internal/errs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PgxPool is the subset of a Postgres pool the store needs.
// It is implemented by *pgxpool.Pool and pgxmock.PgxPoolIface.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool PgxPool
}

// NewPostgres applies pending migrations and opens a connection pool.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if err := Migrate(ctx, dsn); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewPostgresWithPool(pool), nil
}

// NewPostgresWithPool wraps an existing pool. Migrations are not run.
func NewPostgresWithPool(pool PgxPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate runs all pending embedded migrations against dsn.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// isUniqueViolation reports whether the error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pg *pgconn.PgError
	return errors.As(err, &pg) && pg.Code == "23505"
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	assignIdentity(&user.ID, &user.CreatedAt)
	const q = `
INSERT INTO users (id, username, display_name, password_hash, created_at)
VALUES ($1, $2, $3, $4, $5)`
	_, err := s.pool.Exec(ctx, q, user.ID, user.Username, user.DisplayName, user.PasswordHash, user.CreatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	const q = `
SELECT id, username, display_name, password_hash, created_at
FROM users WHERE username=$1`
	return s.getUser(ctx, q, username)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	const q = `
SELECT id, username, display_name, password_hash, created_at
FROM users WHERE id=$1`
	return s.getUser(ctx, q, id)
}

func (s *PostgresStore) getUser(ctx context.Context, q string, arg string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx, q, arg).Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, username, display_name, created_at FROM users ORDER BY username ASC`)
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

func (s *PostgresStore) InsertMessage(ctx context.Context, msg *Message) error {
	assignIdentity(&msg.ID, &msg.CreatedAt)
	const q = `
INSERT INTO messages (id, sender_id, receiver_id, text, file_url, file_type, file_name, is_read, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.pool.Exec(ctx, q,
		msg.ID, msg.SenderID, msg.ReceiverID, msg.Text, msg.FileURL, msg.FileType, msg.FileName, msg.IsRead, msg.CreatedAt)
	return err
}

func (s *PostgresStore) ListConversation(ctx context.Context, userA, userB string, limit int) ([]Message, error) {
	const q = `
SELECT id, sender_id, receiver_id, text, file_url, file_type, file_name, is_read, created_at FROM (
	SELECT * FROM messages
	WHERE (sender_id=$1 AND receiver_id=$2) OR (sender_id=$2 AND receiver_id=$1)
	ORDER BY created_at DESC LIMIT $3
) recent ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, q, userA, userB, clampLimit(limit))
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

func (s *PostgresStore) InsertCallRecord(ctx context.Context, rec *CallRecord) error {
	assignIdentity(&rec.ID, &rec.CreatedAt)
	const q = `
INSERT INTO calls (id, caller_id, receiver_id, call_type, status, duration, started_at, ended_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.pool.Exec(ctx, q,
		rec.ID, rec.CallerID, rec.ReceiverID, rec.CallType, rec.Status, rec.Duration, rec.StartedAt, rec.EndedAt, rec.CreatedAt)
	return err
}

func (s *PostgresStore) ListCallRecords(ctx context.Context, userID string, limit int) ([]CallRecord, error) {
	const q = `
SELECT id, caller_id, receiver_id, call_type, status, duration, started_at, ended_at, created_at
FROM calls WHERE caller_id=$1 OR receiver_id=$1
ORDER BY created_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, q, userID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []CallRecord
	for rows.Next() {
		var r CallRecord
		if err := rows.Scan(&r.ID, &r.CallerID, &r.ReceiverID, &r.CallType, &r.Status, &r.Duration, &r.StartedAt, &r.EndedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- Blocks ---

func (s *PostgresStore) BlockUser(ctx context.Context, blockerID, blockedID string) error {
	const q = `INSERT INTO blocked_users (blocker_id, blocked_id, created_at) VALUES ($1, $2, $3)`
	_, err := s.pool.Exec(ctx, q, blockerID, blockedID, time.Now().UTC())
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

func (s *PostgresStore) UnblockUser(ctx context.Context, blockerID, blockedID string) error {
	const q = `DELETE FROM blocked_users WHERE blocker_id=$1 AND blocked_id=$2`
	tag, err := s.pool.Exec(ctx, q, blockerID, blockedID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListBlocked(ctx context.Context, blockerID string) ([]Block, error) {
	const q = `
SELECT blocker_id, blocked_id, created_at
FROM blocked_users WHERE blocker_id=$1 ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, q, blockerID)
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

func (s *PostgresStore) IsBlocked(ctx context.Context, userA, userB string) (bool, error) {
	const q = `
SELECT EXISTS (
	SELECT 1 FROM blocked_users
	WHERE (blocker_id=$1 AND blocked_id=$2) OR (blocker_id=$2 AND blocked_id=$1)
)`
	var blocked bool
	err := s.pool.QueryRow(ctx, q, userA, userB).Scan(&blocked)
	return blocked, err
}
