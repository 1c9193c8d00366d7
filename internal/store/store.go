// Package store defines the persistence gateway for the hub and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence interface for the hub.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)

	// Messages
	InsertMessage(ctx context.Context, msg *Message) error
	ListConversation(ctx context.Context, userA, userB string, limit int) ([]Message, error)

	// Call records
	InsertCallRecord(ctx context.Context, rec *CallRecord) error
	ListCallRecords(ctx context.Context, userID string, limit int) ([]CallRecord, error)

	// Blocks
	BlockUser(ctx context.Context, blockerID, blockedID string) error
	UnblockUser(ctx context.Context, blockerID, blockedID string) error
	ListBlocked(ctx context.Context, blockerID string) ([]Block, error)
	IsBlocked(ctx context.Context, userA, userB string) (bool, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User is a builtin account. Identities from an external provider have no row.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Message is a persisted chat message. Empty Text or FileURL means absent.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Text       string    `json:"text,omitempty"`
	FileURL    string    `json:"file_url,omitempty"`
	FileType   string    `json:"file_type,omitempty"`
	FileName   string    `json:"file_name,omitempty"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
}

// Call statuses.
const (
	CallMissed    = "missed"
	CallRejected  = "rejected"
	CallCompleted = "completed"
)

// CallRecord is an append-only call history entry.
type CallRecord struct {
	ID         string     `json:"id"`
	CallerID   string     `json:"caller_id"`
	ReceiverID string     `json:"receiver_id"`
	CallType   string     `json:"call_type"`
	Status     string     `json:"status"`
	Duration   *int64     `json:"duration,omitempty"` // seconds, completed calls only
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Block is a directional block relationship.
type Block struct {
	BlockerID string    `json:"blocker_id"`
	BlockedID string    `json:"blocked_id"`
	CreatedAt time.Time `json:"created_at"`
}

// DefaultListLimit caps history queries when the caller passes a non-positive limit.
const DefaultListLimit = 50

const maxListLimit = 500

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}

// assignIdentity fills the id and creation time the store owns.
func assignIdentity(id *string, createdAt *time.Time) {
	if *id == "" {
		*id = uuid.New().String()
	}
	if createdAt.IsZero() {
		*createdAt = time.Now().UTC()
	}
}
