// Package router manages client WebSocket connections: it authenticates the
// handshake, binds each connection to an identity and dispatches inbound
// events to the presence registry, the messaging relay and the call broker.
package router

import (
	"context"
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

	"github.com/connecthub/connecthub/internal/auth"
	"github.com/connecthub/connecthub/internal/errs"
	"github.com/connecthub/connecthub/internal/messaging"
	"github.com/connecthub/connecthub/internal/presence"
	"github.com/connecthub/connecthub/internal/ratelimit"
	"github.com/connecthub/connecthub/internal/signaling"
	"github.com/connecthub/connecthub/pkg/protocol"
)

const (
	writeWait         = 10 * time.Second
	disconnectTimeout = 5 * time.Second
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Options configures the Router.
type Options struct {
	AllowedOrigins    []string // for WebSocket origin check
	MaxMessageBytes   int64    // max inbound frame size (default 64KB)
	MessagesPerSecond float64  // per-connection event rate (default 30)
	MessageBurst      float64  // default 50
	PingInterval      time.Duration
	ICEServers        []webrtc.ICEServer
}

// Router owns every live client connection.
type Router struct {
	authProvider auth.Provider
	registry     *presence.Registry
	relay        *messaging.Relay
	broker       *signaling.Broker
	logger       *slog.Logger
	upgrader     websocket.Upgrader

	maxMessageBytes int64
	msgRate         float64
	msgBurst        float64
	pingInterval    time.Duration
	iceServers      []webrtc.ICEServer

	mu       sync.Mutex
	conns    map[string]*clientConn // conn_id -> conn, authenticated or not
	shutdown bool
	loops    sync.WaitGroup // read loops, including their disconnect path
}

// New creates a Router.
func New(ap auth.Provider, reg *presence.Registry, relay *messaging.Relay, broker *signaling.Broker, logger *slog.Logger, opts Options) *Router {
	maxBytes := opts.MaxMessageBytes
	if maxBytes == 0 {
		maxBytes = 64 * 1024
	}
	rate := opts.MessagesPerSecond
	if rate == 0 {
		rate = 30
	}
	burst := opts.MessageBurst
	if burst == 0 {
		burst = 50
	}
	ping := opts.PingInterval
	if ping == 0 {
		ping = defaultPingInterval
	}

	return &Router{
		authProvider:    ap,
		registry:        reg,
		relay:           relay,
		broker:          broker,
		logger:          logger.With("component", "router"),
		upgrader:        makeUpgrader(opts.AllowedOrigins),
		maxMessageBytes: maxBytes,
		msgRate:         rate,
		msgBurst:        burst,
		pingInterval:    ping,
		iceServers:      opts.ICEServers,
		conns:           make(map[string]*clientConn),
	}
}

// clientConn is one client WebSocket. userID is the identity proven by the
// handshake token; authenticated flips once the client sends a matching
// authenticate event.
type clientConn struct {
	id       string
	userID   string
	username string
	conn     *websocket.Conn
	mu       sync.Mutex // serializes writes

	// Read-goroutine only.
	authenticated bool
	limiter       *ratelimit.Bucket
	throttled     bool // rate_limited already sent for the current empty spell
}

// ID implements presence.Conn.
func (cc *clientConn) ID() string { return cc.id }

// Send implements presence.Conn.
func (cc *clientConn) Send(eventType string, payload any) error {
	return cc.send(eventType, "", payload)
}

// Close implements presence.Conn.
func (cc *clientConn) Close() error {
	cc.mu.Lock()
	_ = cc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replaced"), time.Now().Add(time.Second))
	cc.mu.Unlock()
	return cc.conn.Close()
}

func (cc *clientConn) send(eventType, correlationID string, payload any) error {
	data, err := json.Marshal(protocol.Envelope{
		Type:      eventType,
		ID:        correlationID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
	if err != nil {
		return err
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	_ = cc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return cc.conn.WriteMessage(websocket.TextMessage, data)
}

// replyTo returns a Replier that echoes the inbound frame's correlation ID.
func (cc *clientConn) replyTo(correlationID string) replier {
	return replier{cc: cc, id: correlationID}
}

type replier struct {
	cc *clientConn
	id string
}

func (r replier) Send(eventType string, payload any) error {
	return r.cc.send(eventType, r.id, payload)
}

// bearerToken extracts the handshake token from the query string or the
// Authorization header. Browsers cannot set headers on a WebSocket handshake,
// so the query parameter is accepted; keep it out of access logs.
func bearerToken(req *http.Request) string {
	if tok := req.URL.Query().Get("token"); tok != "" {
		return tok
	}
	tok, _ := auth.BearerToken(req.Header.Get("Authorization"))
	return tok
}

// HandleWS upgrades an authenticated request and serves the connection until
// it closes.
func (r *Router) HandleWS(w http.ResponseWriter, req *http.Request) {
	identity, err := r.authProvider.ValidateToken(req.Context(), bearerToken(req))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	r.mu.Lock()
	down := r.shutdown
	r.mu.Unlock()
	if down {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("client websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(r.maxMessageBytes)

	cc := &clientConn{
		id:       uuid.New().String(),
		userID:   identity.UserID,
		username: identity.Username,
		conn:     conn,
		limiter:  ratelimit.NewBucket(r.msgRate, r.msgBurst),
	}

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return
	}
	r.conns[cc.id] = cc
	r.loops.Add(1)
	r.mu.Unlock()

	stopKeepalive := startKeepalive(conn, &cc.mu, r.pingInterval)
	ctx, cancel := context.WithCancel(context.Background())

	r.logger.Info("client connected", "user_id", cc.userID, "conn_id", cc.id)

	defer func() {
		cancel()
		stopKeepalive()
		r.mu.Lock()
		delete(r.conns, cc.id)
		r.mu.Unlock()
		r.disconnect(cc)
		r.logger.Info("client disconnected", "user_id", cc.userID, "conn_id", cc.id)
		r.loops.Done()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug("client read error", "conn_id", cc.id, "error", err)
			return
		}

		// Malformed frames count against the limit too. While the bucket
		// stays empty only the first dropped frame is answered.
		if ok, _ := cc.limiter.Take(time.Now()); !ok {
			if !cc.throttled {
				cc.throttled = true
				r.logger.Debug("client message rate limited", "conn_id", cc.id)
				r.sendError(cc, "", protocol.CodeRateLimited, "too many messages")
			}
			continue
		}
		cc.throttled = false

		var frame protocol.Frame
		if err := json.Unmarshal(msg, &frame); err != nil || frame.Type == "" {
			r.sendError(cc, "", protocol.CodeBadPayload, "malformed frame")
			continue
		}

		r.handleFrame(ctx, cc, frame)
	}
}

// disconnect runs once per connection after its read loop ends. Only the
// connection currently registered for the identity takes the offline path.
func (r *Router) disconnect(cc *clientConn) {
	if !cc.authenticated {
		return
	}
	identity, removed := r.registry.SetOffline(cc)
	if !removed {
		return
	}
	r.registry.Broadcast(identity, protocol.TypeCallEnded, protocol.CallEnded{SenderID: identity})

	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	r.broker.Disconnect(ctx, identity)
}

func (r *Router) handleFrame(ctx context.Context, cc *clientConn, frame protocol.Frame) {
	if frame.Type == protocol.TypeAuthenticate {
		r.handleAuthenticate(cc, frame)
		return
	}
	if !cc.authenticated {
		r.sendError(cc, frame.ID, protocol.CodeNotAuthenticated, "authenticate first")
		return
	}

	var err error
	switch frame.Type {
	case protocol.TypeSendMessage:
		var msg protocol.SendMessage
		if !r.decode(cc, frame, &msg) || !r.checkIdentity(cc, frame, msg.SenderID) {
			return
		}
		err = r.relay.HandleSend(ctx, cc.replyTo(frame.ID), cc.userID, messaging.SendRequest{
			ReceiverID: msg.ReceiverID,
			Text:       msg.Text,
			FileURL:    msg.FileURL,
			FileType:   msg.FileType,
			FileName:   msg.FileName,
		})

	case protocol.TypeTypingStart, protocol.TypeTypingStop:
		var t protocol.Typing
		if !r.decode(cc, frame, &t) || !r.checkIdentity(cc, frame, t.SenderID) {
			return
		}
		if frame.Type == protocol.TypeTypingStart {
			r.relay.StartTyping(cc.userID, t.ReceiverID)
		} else {
			r.relay.StopTyping(cc.userID, t.ReceiverID)
		}

	case protocol.TypeCallRequest:
		var req protocol.CallRequest
		if !r.decode(cc, frame, &req) || !r.checkIdentity(cc, frame, req.CallerID) {
			return
		}
		err = r.broker.RequestCall(ctx, cc.replyTo(frame.ID), cc.userID, req.ReceiverID, req.CallType)

	case protocol.TypeCallAccepted, protocol.TypeCallRejected:
		var resp protocol.CallResponse
		if !r.decode(cc, frame, &resp) || !r.checkIdentity(cc, frame, resp.ReceiverID) {
			return
		}
		if resp.CallerID == "" {
			r.sendError(cc, frame.ID, protocol.CodeValidation, "caller_id is required")
			return
		}
		if frame.Type == protocol.TypeCallAccepted {
			err = r.broker.AcceptCall(ctx, resp.CallerID, cc.userID)
		} else {
			err = r.broker.RejectCall(ctx, resp.CallerID, cc.userID)
		}

	case protocol.TypeWebRTCOffer, protocol.TypeWebRTCAnswer, protocol.TypeWebRTCIceCandidate:
		var neg protocol.Negotiation
		if !r.decode(cc, frame, &neg) || !r.checkIdentity(cc, frame, neg.SenderID) {
			return
		}
		payload := neg.Offer
		switch frame.Type {
		case protocol.TypeWebRTCAnswer:
			payload = neg.Answer
		case protocol.TypeWebRTCIceCandidate:
			payload = neg.Candidate
		}
		r.broker.RelayNegotiation(signaling.NegotiationKind(frame.Type), cc.userID, neg.ReceiverID, payload)

	case protocol.TypeCallEnded:
		var end protocol.CallEnd
		if !r.decode(cc, frame, &end) || !r.checkIdentity(cc, frame, end.SenderID) {
			return
		}
		err = r.broker.EndCall(ctx, cc.userID, end.ReceiverID)

	default:
		r.logger.Warn("unknown client message type", "type", frame.Type, "user_id", cc.userID)
		r.sendError(cc, frame.ID, protocol.CodeUnknownType, "unknown message type")
		return
	}

	if err != nil && !errors.Is(err, errs.ErrBlocked) {
		r.logger.Debug("client event failed", "type", frame.Type, "user_id", cc.userID, "error", err)
	}
}

func (r *Router) handleAuthenticate(cc *clientConn, frame protocol.Frame) {
	var a protocol.Authenticate
	if err := json.Unmarshal(frame.Payload, &a); err != nil || a.UserID != cc.userID {
		r.logger.Warn("authenticate rejected", "conn_id", cc.id, "token_user_id", cc.userID, "claimed_user_id", a.UserID)
		if err := cc.send(protocol.TypeAuthError, frame.ID, protocol.ErrorResponse{
			Code: protocol.CodeIdentityMismatch, Message: "user_id does not match token",
		}); err != nil {
			r.logger.Debug("auth_error send failed", "conn_id", cc.id, "error", err)
		}
		return
	}

	if err := cc.send(protocol.TypeAuthenticated, frame.ID, protocol.Authenticated{
		UserID:     cc.userID,
		ICEServers: r.iceServers,
	}); err != nil {
		r.logger.Debug("authenticated send failed", "conn_id", cc.id, "error", err)
	}
	cc.authenticated = true
	r.registry.SetOnline(cc.userID, cc)
	r.logger.Info("client authenticated", "user_id", cc.userID, "username", cc.username, "conn_id", cc.id)
}

func (r *Router) decode(cc *clientConn, frame protocol.Frame, v any) bool {
	if len(frame.Payload) == 0 {
		r.sendError(cc, frame.ID, protocol.CodeBadPayload, "missing payload")
		return false
	}
	if err := json.Unmarshal(frame.Payload, v); err != nil {
		r.sendError(cc, frame.ID, protocol.CodeBadPayload, "invalid payload")
		return false
	}
	return true
}

// checkIdentity rejects events whose acting-identity field names someone
// other than the connection's identity. An empty field means the connection's
// own identity.
func (r *Router) checkIdentity(cc *clientConn, frame protocol.Frame, claimed string) bool {
	if claimed == "" || claimed == cc.userID {
		return true
	}
	r.logger.Warn("identity mismatch", "type", frame.Type, "user_id", cc.userID, "claimed", claimed)
	r.sendError(cc, frame.ID, protocol.CodeIdentityMismatch, "identity does not match connection")
	return false
}

func (r *Router) sendError(cc *clientConn, correlationID, code, message string) {
	if err := cc.send(protocol.TypeErrorResponse, correlationID, protocol.ErrorResponse{
		Code: code, Message: message,
	}); err != nil {
		r.logger.Debug("error send failed", "conn_id", cc.id, "error", err)
	}
}

// ConnectionCount returns the number of open WebSockets.
func (r *Router) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Shutdown refuses new connections, closes every open one and waits until
// their read loops have run the disconnect path, or ctx ends.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.shutdown = true
	conns := make([]*clientConn, 0, len(r.conns))
	for _, cc := range r.conns {
		conns = append(conns, cc)
	}
	r.mu.Unlock()

	for _, cc := range conns {
		cc.mu.Lock()
		_ = cc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(time.Second))
		cc.mu.Unlock()
		_ = cc.conn.Close()
	}
	r.logger.Info("closed client connections", "count", len(conns))

	done := make(chan struct{})
	go func() {
		r.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for client disconnects: %w", ctx.Err())
	}
}
