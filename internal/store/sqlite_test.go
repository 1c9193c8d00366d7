package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/connecthub/connecthub/internal/errs"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestUser is a helper that inserts a user and returns it.
func createTestUser(t *testing.T, s *SQLiteStore, username string) *User {
	t.Helper()
	u := &User{
		Username:     username,
		DisplayName:  "Display " + username,
		PasswordHash: "hash-" + username,
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("createTestUser(%s): %v", username, err)
	}
	return u
}

func TestUserCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bob := createTestUser(t, s, "bob")
	createTestUser(t, s, "alice")

	if bob.ID == "" {
		t.Fatal("CreateUser did not assign an ID")
	}
	if bob.CreatedAt.IsZero() {
		t.Fatal("CreateUser did not assign CreatedAt")
	}

	got, err := s.GetUserByUsername(ctx, "bob")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if got == nil || got.ID != bob.ID {
		t.Fatalf("GetUserByUsername: got %+v, want id %q", got, bob.ID)
	}
	if got.PasswordHash != "hash-bob" {
		t.Errorf("PasswordHash: got %q, want %q", got.PasswordHash, "hash-bob")
	}

	byID, err := s.GetUserByID(ctx, bob.ID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if byID == nil || byID.Username != "bob" {
		t.Errorf("GetUserByID: got %+v", byID)
	}

	missing, err := s.GetUserByUsername(ctx, "nobody")
	if err != nil {
		t.Fatalf("GetUserByUsername(missing): %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing user, got %+v", missing)
	}

	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("ListUsers: got %d users, want 2", len(users))
	}
	if users[0].Username != "alice" || users[1].Username != "bob" {
		t.Errorf("ListUsers order: got %q, %q", users[0].Username, users[1].Username)
	}
	if users[0].PasswordHash != "" {
		t.Error("ListUsers should not load password hashes")
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	s := newTestStore(t)
	createTestUser(t, s, "carol")

	err := s.CreateUser(context.Background(), &User{Username: "carol", PasswordHash: "x"})
	if !errors.Is(err, errs.ErrAlreadyExists) {
		t.Errorf("duplicate CreateUser: got %v, want ErrAlreadyExists", err)
	}
}

func TestConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	msgs := []*Message{
		{SenderID: "a", ReceiverID: "b", Text: "hi", CreatedAt: base},
		{SenderID: "b", ReceiverID: "a", Text: "hello", CreatedAt: base.Add(time.Second)},
		{SenderID: "a", ReceiverID: "c", Text: "other", CreatedAt: base.Add(2 * time.Second)},
		{SenderID: "a", ReceiverID: "b", FileURL: "https://cdn/x.png", FileType: "image/png", FileName: "x.png", CreatedAt: base.Add(3 * time.Second)},
	}
	for _, m := range msgs {
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
		if m.ID == "" {
			t.Fatal("InsertMessage did not assign an ID")
		}
	}

	conv, err := s.ListConversation(ctx, "b", "a", 0)
	if err != nil {
		t.Fatalf("ListConversation: %v", err)
	}
	if len(conv) != 3 {
		t.Fatalf("ListConversation: got %d messages, want 3", len(conv))
	}
	if conv[0].Text != "hi" || conv[1].Text != "hello" {
		t.Errorf("order: got %q, %q", conv[0].Text, conv[1].Text)
	}
	if conv[2].Text != "" || conv[2].FileURL != "https://cdn/x.png" || conv[2].FileName != "x.png" {
		t.Errorf("file message: got %+v", conv[2])
	}

	latest, err := s.ListConversation(ctx, "a", "b", 2)
	if err != nil {
		t.Fatalf("ListConversation(limit): %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("limit: got %d messages, want 2", len(latest))
	}
	if latest[0].Text != "hello" {
		t.Errorf("limit should keep the newest messages, got first %q", latest[0].Text)
	}
}

func TestCallRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Now().UTC().Add(-5 * time.Minute).Truncate(time.Second)
	end := start.Add(90 * time.Second)
	dur := int64(90)

	missed := &CallRecord{CallerID: "a", ReceiverID: "b", CallType: "audio", Status: CallMissed, CreatedAt: start}
	completed := &CallRecord{
		CallerID: "b", ReceiverID: "a", CallType: "video", Status: CallCompleted,
		Duration: &dur, StartedAt: &start, EndedAt: &end, CreatedAt: end,
	}
	unrelated := &CallRecord{CallerID: "c", ReceiverID: "d", CallType: "video", Status: CallRejected}

	for _, r := range []*CallRecord{missed, completed, unrelated} {
		if err := s.InsertCallRecord(ctx, r); err != nil {
			t.Fatalf("InsertCallRecord: %v", err)
		}
	}

	records, err := s.ListCallRecords(ctx, "a", 0)
	if err != nil {
		t.Fatalf("ListCallRecords: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("ListCallRecords: got %d, want 2", len(records))
	}

	first := records[0]
	if first.Status != CallCompleted {
		t.Fatalf("newest first: got status %q", first.Status)
	}
	if first.Duration == nil || *first.Duration != 90 {
		t.Errorf("Duration: got %v, want 90", first.Duration)
	}
	if first.StartedAt == nil || !first.StartedAt.Equal(start) {
		t.Errorf("StartedAt: got %v, want %v", first.StartedAt, start)
	}
	if first.EndedAt == nil || !first.EndedAt.Equal(end) {
		t.Errorf("EndedAt: got %v, want %v", first.EndedAt, end)
	}

	second := records[1]
	if second.Status != CallMissed || second.Duration != nil || second.StartedAt != nil {
		t.Errorf("missed record: got %+v", second)
	}
}

func TestBlocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.BlockUser(ctx, "a", "b"); err != nil {
		t.Fatalf("BlockUser: %v", err)
	}
	if err := s.BlockUser(ctx, "a", "b"); !errors.Is(err, errs.ErrAlreadyExists) {
		t.Errorf("duplicate BlockUser: got %v, want ErrAlreadyExists", err)
	}

	for _, pair := range [][2]string{{"a", "b"}, {"b", "a"}} {
		blocked, err := s.IsBlocked(ctx, pair[0], pair[1])
		if err != nil {
			t.Fatalf("IsBlocked: %v", err)
		}
		if !blocked {
			t.Errorf("IsBlocked(%s, %s): got false, want true", pair[0], pair[1])
		}
	}

	blocked, err := s.IsBlocked(ctx, "a", "c")
	if err != nil {
		t.Fatalf("IsBlocked: %v", err)
	}
	if blocked {
		t.Error("IsBlocked(a, c): got true, want false")
	}

	list, err := s.ListBlocked(ctx, "a")
	if err != nil {
		t.Fatalf("ListBlocked: %v", err)
	}
	if len(list) != 1 || list[0].BlockedID != "b" {
		t.Errorf("ListBlocked: got %+v", list)
	}

	if err := s.UnblockUser(ctx, "a", "b"); err != nil {
		t.Fatalf("UnblockUser: %v", err)
	}
	if err := s.UnblockUser(ctx, "a", "b"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("second UnblockUser: got %v, want ErrNotFound", err)
	}
	blocked, _ = s.IsBlocked(ctx, "b", "a")
	if blocked {
		t.Error("IsBlocked after unblock: got true, want false")
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
