// Package protocol defines the wire protocol exchanged between ConnectHub
// clients and the hub over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type" field
// that determines the payload structure.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// Envelope is the outbound wire format for all messages.
type Envelope struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"` // client-supplied correlation ID, echoed on errors
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// Frame is the inbound wire format. The payload is kept raw so that
// negotiation payloads can be forwarded without re-encoding.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message types.
const (
	// Client → Hub
	TypeAuthenticate       = "authenticate"
	TypeSendMessage        = "send_message"
	TypeTypingStart        = "typing_start"
	TypeTypingStop         = "typing_stop"
	TypeCallRequest        = "call_request"
	TypeCallAccepted       = "call_accepted" // also Hub → caller
	TypeCallRejected       = "call_rejected" // also Hub → caller
	TypeWebRTCOffer        = "webrtc_offer"  // forwarded verbatim
	TypeWebRTCAnswer       = "webrtc_answer"
	TypeWebRTCIceCandidate = "webrtc_ice_candidate"
	TypeCallEnded          = "call_ended" // also Hub → peer

	// Hub → Client
	TypeAuthenticated  = "authenticated"
	TypeAuthError      = "auth_error"
	TypeErrorResponse  = "error"
	TypeOnlineUsers    = "online_users"
	TypeUserOnline     = "user_online"
	TypeUserOffline    = "user_offline"
	TypeReceiveMessage = "receive_message"
	TypeMessageSent    = "message_sent"
	TypeMessageError   = "message_error"
	TypeMessageBlocked = "message_blocked"
	TypeUserTyping     = "user_typing"
	TypeIncomingCall   = "incoming_call"
	TypeCallFailed     = "call_failed"
	TypeCallBlocked    = "call_blocked"
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeValidation       = "validation"
	CodeBlocked          = "blocked"
	CodePersistFailed    = "persist_failed"
	CodeNotAuthenticated = "not_authenticated"
	CodeIdentityMismatch = "identity_mismatch"
	CodeRateLimited      = "rate_limited"
	CodeUnknownType      = "unknown_type"
	CodeBadPayload       = "bad_payload"
)

// CallType distinguishes audio from video calls.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	return t == CallAudio || t == CallVideo
}

// --- Session ---

// Authenticate binds a connection to an identity.
type Authenticate struct {
	UserID string `json:"user_id"`
}

// Authenticated acknowledges a successful authenticate and hands the client
// the ICE servers to configure its peer connections with.
type Authenticated struct {
	UserID     string             `json:"user_id"`
	ICEServers []webrtc.ICEServer `json:"ice_servers,omitempty"`
}

// ErrorResponse is sent to the originating connection only.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// --- Presence ---

// OnlineUsers is the full online set sent to a newly authenticated client.
type OnlineUsers struct {
	Users []string `json:"users"`
}

// UserPresence announces a single identity coming online or going offline.
type UserPresence struct {
	UserID string `json:"user_id"`
}

// --- Messaging ---

// SendMessage is a chat message from a client. At least one of Text or
// FileURL must be set.
type SendMessage struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Text       string `json:"text,omitempty"`
	FileURL    string `json:"file_url,omitempty"`
	FileType   string `json:"file_type,omitempty"`
	FileName   string `json:"file_name,omitempty"`
}

// MessagePayload is a persisted message as delivered to both the receiver
// (receive_message) and the sender (message_sent). Absent text or file is
// encoded as null.
type MessagePayload struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Text       *string   `json:"text"`
	FileURL    *string   `json:"file_url"`
	FileType   string    `json:"file_type,omitempty"`
	FileName   string    `json:"file_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Typing is a typing_start / typing_stop event.
type Typing struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
}

// UserTyping is forwarded to the receiver of a typing event.
type UserTyping struct {
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// --- Calls ---

// CallRequest starts ringing the receiver.
type CallRequest struct {
	CallerID   string   `json:"caller_id"`
	ReceiverID string   `json:"receiver_id"`
	CallType   CallType `json:"call_type"`
}

// CallResponse is the receiver's accept or reject of a ringing call.
type CallResponse struct {
	CallerID   string `json:"caller_id"`
	ReceiverID string `json:"receiver_id"`
}

// IncomingCall notifies the receiver of a ringing call.
type IncomingCall struct {
	CallerID string   `json:"caller_id"`
	CallType CallType `json:"call_type"`
}

// CallAnswer tells the caller that the receiver accepted or rejected.
type CallAnswer struct {
	ReceiverID string `json:"receiver_id"`
}

// CallFailed tells the caller that the call could not be placed.
type CallFailed struct {
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"` // "offline", "no_answer", "validation"
}

// CallBlocked tells the caller that a block relationship forbids the call.
type CallBlocked struct {
	Message string `json:"message"`
}

// Negotiation carries an SDP offer/answer or an ICE candidate. Exactly one of
// the raw fields is set, depending on the frame type.
type Negotiation struct {
	SenderID   string          `json:"sender_id"`
	ReceiverID string          `json:"receiver_id,omitempty"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
}

// CallEnd is sent by either participant to hang up.
type CallEnd struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
}

// CallEnded tells a participant that the other side hung up or went away.
type CallEnded struct {
	SenderID string `json:"sender_id"`
}
