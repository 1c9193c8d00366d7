package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/connecthub/connecthub/internal/errs"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return NewPostgresWithPool(mock), mock
}

func TestPostgres_CreateUser_OK_and_UniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()
	ctx := context.Background()

	u := &User{ID: "u1", Username: "alice", PasswordHash: "h", CreatedAt: time.Now()}

	mock.ExpectExec(`INSERT INTO users \(id, username, display_name, password_hash, created_at\) VALUES \(\$1, \$2, \$3, \$4, \$5\)`).
		WithArgs(u.ID, u.Username, u.DisplayName, u.PasswordHash, u.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.CreateUser(ctx, u))

	mock.ExpectExec(`INSERT INTO users`).
		WithArgs(u.ID, u.Username, u.DisplayName, u.PasswordHash, u.CreatedAt).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, s.CreateUser(ctx, u), errs.ErrAlreadyExists)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetUserByUsername(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()
	ctx := context.Background()
	now := time.Now()

	mock.ExpectQuery(`SELECT id, username, display_name, password_hash, created_at FROM users WHERE username=\$1`).
		WithArgs("alice").
		WillReturnRows(pgxmock.NewRows([]string{"id", "username", "display_name", "password_hash", "created_at"}).
			AddRow("u1", "alice", "Alice", "h", now))
	u, err := s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, u)
	require.Equal(t, "u1", u.ID)
	require.Equal(t, "Alice", u.DisplayName)

	mock.ExpectQuery(`FROM users WHERE username=\$1`).
		WithArgs("nobody").
		WillReturnError(pgx.ErrNoRows)
	u, err = s.GetUserByUsername(ctx, "nobody")
	require.NoError(t, err)
	require.Nil(t, u)
}

func TestPostgres_InsertMessage_AssignsIdentity(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()

	msg := &Message{SenderID: "a", ReceiverID: "b", Text: "hi"}
	mock.ExpectExec(`INSERT INTO messages`).
		WithArgs(pgxmock.AnyArg(), "a", "b", "hi", "", "", "", false, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.InsertMessage(context.Background(), msg))
	_, err := uuid.Parse(msg.ID)
	require.NoError(t, err)
	require.False(t, msg.CreatedAt.IsZero())
}

func TestPostgres_ListConversation(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()
	now := time.Now()

	cols := []string{"id", "sender_id", "receiver_id", "text", "file_url", "file_type", "file_name", "is_read", "created_at"}
	mock.ExpectQuery(`FROM messages WHERE \(sender_id=\$1 AND receiver_id=\$2\) OR \(sender_id=\$2 AND receiver_id=\$1\)`).
		WithArgs("a", "b", DefaultListLimit).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("m1", "a", "b", "hi", "", "", "", false, now).
			AddRow("m2", "b", "a", "", "https://cdn/f.pdf", "application/pdf", "f.pdf", true, now.Add(time.Second)))

	msgs, err := s.ListConversation(context.Background(), "a", "b", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "hi", msgs[0].Text)
	require.Equal(t, "f.pdf", msgs[1].FileName)
	require.True(t, msgs[1].IsRead)
}

func TestPostgres_CallRecords(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()
	ctx := context.Background()

	start := time.Now().Add(-time.Minute)
	end := time.Now()
	dur := int64(60)
	rec := &CallRecord{CallerID: "a", ReceiverID: "b", CallType: "video", Status: CallCompleted, Duration: &dur, StartedAt: &start, EndedAt: &end}

	mock.ExpectExec(`INSERT INTO calls`).
		WithArgs(pgxmock.AnyArg(), "a", "b", "video", CallCompleted, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.InsertCallRecord(ctx, rec))
	require.NotEmpty(t, rec.ID)

	cols := []string{"id", "caller_id", "receiver_id", "call_type", "status", "duration", "started_at", "ended_at", "created_at"}
	mock.ExpectQuery(`FROM calls WHERE caller_id=\$1 OR receiver_id=\$1 ORDER BY created_at DESC LIMIT \$2`).
		WithArgs("a", 10).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("c1", "a", "b", "video", CallCompleted, &dur, &start, &end, end).
			AddRow("c2", "b", "a", "audio", CallMissed, nil, nil, nil, start))

	records, err := s.ListCallRecords(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.NotNil(t, records[0].Duration)
	require.Equal(t, int64(60), *records[0].Duration)
	require.Nil(t, records[1].Duration)
	require.Nil(t, records[1].StartedAt)
}

func TestPostgres_Blocks(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO blocked_users`).
		WithArgs("a", "b", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.BlockUser(ctx, "a", "b"))

	mock.ExpectExec(`INSERT INTO blocked_users`).
		WithArgs("a", "b", pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, s.BlockUser(ctx, "a", "b"), errs.ErrAlreadyExists)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("b", "a").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	blocked, err := s.IsBlocked(ctx, "b", "a")
	require.NoError(t, err)
	require.True(t, blocked)

	mock.ExpectExec(`DELETE FROM blocked_users WHERE blocker_id=\$1 AND blocked_id=\$2`).
		WithArgs("a", "b").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, s.UnblockUser(ctx, "a", "b"))

	mock.ExpectExec(`DELETE FROM blocked_users`).
		WithArgs("a", "b").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	require.ErrorIs(t, s.UnblockUser(ctx, "a", "b"), errs.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresMigration runs the embedded migrations against a real server.
func TestPostgresMigration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping Postgres tests")
	}
	ctx := context.Background()
	s, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Ping(ctx))

	a, b := "pg-"+uuid.NewString()[:8], "pg-"+uuid.NewString()[:8]
	require.NoError(t, s.BlockUser(ctx, a, b))
	blocked, err := s.IsBlocked(ctx, b, a)
	require.NoError(t, err)
	require.True(t, blocked)
	require.NoError(t, s.UnblockUser(ctx, a, b))
}
