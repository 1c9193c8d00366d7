// Package client is a Go client for the hub WebSocket protocol. It keeps one
// connection open, authenticates on every (re)connect and hands inbound
// frames to a handler.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/connecthub/connecthub/pkg/protocol"
)

const defaultReconnectInterval = 3 * time.Second

// ErrNotConnected is returned by Send while no connection is open.
var ErrNotConnected = errors.New("not connected")

// Config holds the connection settings.
type Config struct {
	URL               string // ws(s)://host/ws
	Token             string
	UserID            string
	ReconnectInterval time.Duration
	TLSSkipVerify     bool
}

// Handler processes frames received from the hub.
type Handler func(f protocol.Frame) error

// Client manages the WebSocket connection to the hub.
type Client struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	iceServers []webrtc.ICEServer
	ready      chan struct{}
}

// New creates a hub client. handler may be nil.
func New(cfg Config, handler Handler, logger *slog.Logger) *Client {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if handler == nil {
		handler = func(protocol.Frame) error { return nil }
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "hub-client", "user_id", cfg.UserID),
		ready:   make(chan struct{}),
	}
}

// Connect establishes the connection and processes frames. It reconnects
// after a lost connection and blocks until ctx is canceled.
func (c *Client) Connect(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.connectOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("connection failed", "error", err)
		}

		c.logger.Info("reconnecting", "delay", c.cfg.ReconnectInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if c.cfg.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	// Unblock the read below when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		conn.Close()
	})
	defer stop()

	if err := c.Send(protocol.TypeAuthenticate, protocol.Authenticate{UserID: c.cfg.UserID}); err != nil {
		return fmt.Errorf("send authenticate: %w", err)
	}
	c.logger.Info("connected to hub", "url", c.cfg.URL)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("invalid message from hub", "error", err)
			continue
		}

		if f.Type == protocol.TypeAuthenticated {
			var ack protocol.Authenticated
			if err := json.Unmarshal(f.Payload, &ack); err == nil {
				c.mu.Lock()
				c.iceServers = ack.ICEServers
				select {
				case <-c.ready:
				default:
					close(c.ready)
				}
				c.mu.Unlock()
			}
		}

		if err := c.handler(f); err != nil {
			c.logger.Warn("handler error", "type", f.Type, "error", err)
		}
	}
}

// Ready is closed after the first successful authenticate.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// ICEServers returns the servers the hub handed out on the last authenticate.
func (c *Client) ICEServers() []webrtc.ICEServer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iceServers
}

// Send writes one frame with a fresh correlation ID.
func (c *Client) Send(msgType string, payload any) error {
	env := protocol.Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Payload:   payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// SendText sends a text message to receiverID.
func (c *Client) SendText(receiverID, text string) error {
	return c.Send(protocol.TypeSendMessage, protocol.SendMessage{
		SenderID:   c.cfg.UserID,
		ReceiverID: receiverID,
		Text:       text,
	})
}

// SetTyping starts or stops the typing indicator towards receiverID.
func (c *Client) SetTyping(receiverID string, typing bool) error {
	typ := protocol.TypeTypingStop
	if typing {
		typ = protocol.TypeTypingStart
	}
	return c.Send(typ, protocol.Typing{SenderID: c.cfg.UserID, ReceiverID: receiverID})
}

// Call rings receiverID.
func (c *Client) Call(receiverID string, callType protocol.CallType) error {
	return c.Send(protocol.TypeCallRequest, protocol.CallRequest{
		CallerID:   c.cfg.UserID,
		ReceiverID: receiverID,
		CallType:   callType,
	})
}

// Accept answers a ringing call from callerID.
func (c *Client) Accept(callerID string) error {
	return c.Send(protocol.TypeCallAccepted, protocol.CallResponse{CallerID: callerID, ReceiverID: c.cfg.UserID})
}

// Reject declines a ringing call from callerID.
func (c *Client) Reject(callerID string) error {
	return c.Send(protocol.TypeCallRejected, protocol.CallResponse{CallerID: callerID, ReceiverID: c.cfg.UserID})
}

// Hangup ends the call with peerID.
func (c *Client) Hangup(peerID string) error {
	return c.Send(protocol.TypeCallEnded, protocol.CallEnd{SenderID: c.cfg.UserID, ReceiverID: peerID})
}

// SendDescription forwards an SDP offer or answer to peerID. The frame type
// follows desc.Type.
func (c *Client) SendDescription(peerID string, desc webrtc.SessionDescription) error {
	raw, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("marshal description: %w", err)
	}
	neg := protocol.Negotiation{SenderID: c.cfg.UserID, ReceiverID: peerID}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		neg.Offer = raw
		return c.Send(protocol.TypeWebRTCOffer, neg)
	case webrtc.SDPTypeAnswer:
		neg.Answer = raw
		return c.Send(protocol.TypeWebRTCAnswer, neg)
	default:
		return fmt.Errorf("unsupported sdp type %q", desc.Type)
	}
}

// SendCandidate forwards a trickled ICE candidate to peerID.
func (c *Client) SendCandidate(peerID string, cand webrtc.ICECandidateInit) error {
	raw, err := json.Marshal(cand)
	if err != nil {
		return fmt.Errorf("marshal candidate: %w", err)
	}
	return c.Send(protocol.TypeWebRTCIceCandidate, protocol.Negotiation{
		SenderID:   c.cfg.UserID,
		ReceiverID: peerID,
		Candidate:  raw,
	})
}

// Close closes the current connection. Connect will redial unless its
// context is canceled.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
