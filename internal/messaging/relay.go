// Package messaging relays chat messages and typing indicators between
// connected identities.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/connecthub/connecthub/internal/errs"
	"github.com/connecthub/connecthub/internal/store"
	"github.com/connecthub/connecthub/pkg/protocol"
)

// Replier is the originating connection of a request.
type Replier interface {
	Send(eventType string, payload any) error
}

// Directory delivers events to online identities.
type Directory interface {
	SendTo(identity, eventType string, payload any) bool
}

// Store is the subset of the persistence gateway the relay uses.
type Store interface {
	InsertMessage(ctx context.Context, msg *store.Message) error
	IsBlocked(ctx context.Context, userA, userB string) (bool, error)
}

// SendRequest is a chat message to deliver. At least one of Text or FileURL
// must be set.
type SendRequest struct {
	ReceiverID string
	Text       string
	FileURL    string
	FileType   string
	FileName   string
}

// Relay persists chat messages and fans them out.
type Relay struct {
	dir          Directory
	store        Store
	maxTextBytes int
	logger       *slog.Logger
}

// NewRelay creates a Relay. A non-positive maxTextBytes disables the length check.
func NewRelay(dir Directory, s Store, maxTextBytes int, logger *slog.Logger) *Relay {
	return &Relay{
		dir:          dir,
		store:        s,
		maxTextBytes: maxTextBytes,
		logger:       logger.With("component", "messaging"),
	}
}

// HandleSend validates, persists and delivers a message from senderID. The
// receiver gets receive_message if online; the originating connection always
// gets message_sent with the same payload once the message is stored.
// Failures are reported to the originating connection only.
func (r *Relay) HandleSend(ctx context.Context, origin Replier, senderID string, req SendRequest) error {
	if req.ReceiverID == "" {
		return r.rejectInvalid(origin, fmt.Errorf("receiver_id is required: %w", errs.ErrValidation))
	}

	blocked, err := r.store.IsBlocked(ctx, senderID, req.ReceiverID)
	if err != nil {
		r.logger.Error("block check failed", "sender_id", senderID, "receiver_id", req.ReceiverID, "error", err)
		r.reply(origin, protocol.TypeMessageError, protocol.ErrorResponse{
			Code:    protocol.CodePersistFailed,
			Message: "Failed to send message",
		})
		return fmt.Errorf("send message: block check: %w: %v", errs.ErrPersistence, err)
	}
	if blocked {
		r.reply(origin, protocol.TypeMessageBlocked, protocol.ErrorResponse{
			Code:    protocol.CodeBlocked,
			Message: "You cannot message this user",
		})
		return fmt.Errorf("send message: %w", errs.ErrBlocked)
	}

	if err := r.validateContent(req); err != nil {
		return r.rejectInvalid(origin, err)
	}

	msg := &store.Message{
		SenderID:   senderID,
		ReceiverID: req.ReceiverID,
		Text:       req.Text,
		FileURL:    req.FileURL,
		FileType:   req.FileType,
		FileName:   req.FileName,
	}
	if err := r.store.InsertMessage(ctx, msg); err != nil {
		r.logger.Error("persist message failed", "sender_id", senderID, "receiver_id", req.ReceiverID, "error", err)
		r.reply(origin, protocol.TypeMessageError, protocol.ErrorResponse{
			Code:    protocol.CodePersistFailed,
			Message: "Failed to send message",
		})
		return fmt.Errorf("send message: %w: %v", errs.ErrPersistence, err)
	}

	payload := ToPayload(msg)
	if !r.dir.SendTo(req.ReceiverID, protocol.TypeReceiveMessage, payload) {
		r.logger.Debug("receiver offline, message stored only", "message_id", msg.ID, "receiver_id", req.ReceiverID)
	}
	r.reply(origin, protocol.TypeMessageSent, payload)
	return nil
}

func (r *Relay) rejectInvalid(origin Replier, err error) error {
	r.reply(origin, protocol.TypeMessageError, protocol.ErrorResponse{
		Code:    protocol.CodeValidation,
		Message: err.Error(),
	})
	return fmt.Errorf("send message: %w", err)
}

func (r *Relay) validateContent(req SendRequest) error {
	if req.Text == "" && req.FileURL == "" {
		return fmt.Errorf("message needs text or a file: %w", errs.ErrValidation)
	}
	if req.FileURL == "" && (req.FileType != "" || req.FileName != "") {
		return fmt.Errorf("file type or name without a file url: %w", errs.ErrValidation)
	}
	if r.maxTextBytes > 0 && len(req.Text) > r.maxTextBytes {
		return fmt.Errorf("text exceeds %d bytes: %w", r.maxTextBytes, errs.ErrValidation)
	}
	if !utf8.ValidString(req.Text) {
		return fmt.Errorf("text is not valid UTF-8: %w", errs.ErrValidation)
	}
	return nil
}

func (r *Relay) reply(origin Replier, eventType string, payload any) {
	if err := origin.Send(eventType, payload); err != nil {
		r.logger.Debug("reply failed", "type", eventType, "error", err)
	}
}

// StartTyping tells receiverID that senderID is typing. Offline receivers are ignored.
func (r *Relay) StartTyping(senderID, receiverID string) {
	r.dir.SendTo(receiverID, protocol.TypeUserTyping, protocol.UserTyping{UserID: senderID, IsTyping: true})
}

// StopTyping tells receiverID that senderID stopped typing.
func (r *Relay) StopTyping(senderID, receiverID string) {
	r.dir.SendTo(receiverID, protocol.TypeUserTyping, protocol.UserTyping{UserID: senderID, IsTyping: false})
}

// ToPayload converts a stored message to its wire form. Absent text or file
// URL become null.
func ToPayload(m *store.Message) protocol.MessagePayload {
	p := protocol.MessagePayload{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		FileType:   m.FileType,
		FileName:   m.FileName,
		CreatedAt:  m.CreatedAt,
	}
	if m.Text != "" {
		text := m.Text
		p.Text = &text
	}
	if m.FileURL != "" {
		url := m.FileURL
		p.FileURL = &url
	}
	return p
}
