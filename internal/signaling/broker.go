// Package signaling brokers the call handshake between two identities:
// request, ring, accept or reject, SDP and ICE relay, and hang-up, with
// call-record bookkeeping for missed, rejected and completed calls.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/connecthub/connecthub/internal/calls"
	"github.com/connecthub/connecthub/internal/errs"
	"github.com/connecthub/connecthub/internal/store"
	"github.com/connecthub/connecthub/pkg/protocol"
)

const recordTimeout = 5 * time.Second

// Replier is the originating connection of a request.
type Replier interface {
	Send(eventType string, payload any) error
}

// Directory delivers events to online identities.
type Directory interface {
	SendTo(identity, eventType string, payload any) bool
	IsOnline(identity string) bool
}

// Store is the subset of the persistence gateway the broker uses.
type Store interface {
	InsertCallRecord(ctx context.Context, rec *store.CallRecord) error
	IsBlocked(ctx context.Context, userA, userB string) (bool, error)
}

// NegotiationKind selects which WebRTC payload is relayed.
type NegotiationKind string

const (
	NegotiationOffer     NegotiationKind = protocol.TypeWebRTCOffer
	NegotiationAnswer    NegotiationKind = protocol.TypeWebRTCAnswer
	NegotiationCandidate NegotiationKind = protocol.TypeWebRTCIceCandidate
)

// Options configures a Broker.
type Options struct {
	RingTimeout     time.Duration
	MaxCallDuration time.Duration
	Now             func() time.Time
}

// Broker runs call signaling on top of a Directory and a calls.Tracker.
type Broker struct {
	dir     Directory
	store   Store
	tracker *calls.Tracker
	now     func() time.Time
	logger  *slog.Logger
}

// NewBroker creates a Broker with its own call tracker.
func NewBroker(dir Directory, s Store, opts Options, logger *slog.Logger) *Broker {
	b := &Broker{
		dir:    dir,
		store:  s,
		now:    opts.Now,
		logger: logger.With("component", "signaling"),
	}
	if b.now == nil {
		b.now = time.Now
	}
	b.tracker = calls.NewTracker(calls.Options{
		RingTimeout:     opts.RingTimeout,
		MaxCallDuration: opts.MaxCallDuration,
		OnRingTimeout:   b.onRingTimeout,
		OnMaxDuration:   b.onMaxDuration,
	})
	return b
}

// Tracker exposes the underlying call tracker.
func (b *Broker) Tracker() *calls.Tracker { return b.tracker }

// state derives the current State of the ordered pair from the tracker.
func (b *Broker) state(callerID, receiverID string) State {
	if _, ok := b.tracker.GetPending(callerID, receiverID); ok {
		return StateRinging
	}
	if _, ok := b.tracker.FindActive(callerID, receiverID); ok {
		return StateAccepted
	}
	return StateIdle
}

func (b *Broker) transition(callerID, receiverID string, from State, ev Event) State {
	to, err := Transition(from, ev)
	if err != nil {
		b.logger.Debug("ignoring call event", "caller_id", callerID, "receiver_id", receiverID,
			"state", from, "event", ev)
	}
	return to
}

// RequestCall starts ringing receiverID. A block between the two identities
// is reported to the caller only as call_blocked. An offline receiver turns
// into a missed call record and a call_failed to the caller.
func (b *Broker) RequestCall(ctx context.Context, origin Replier, callerID, receiverID string, kind protocol.CallType) error {
	if receiverID == "" || receiverID == callerID {
		b.reply(origin, protocol.TypeCallFailed, protocol.CallFailed{Message: "Invalid call receiver", Reason: "validation"})
		return fmt.Errorf("request call: receiver: %w", errs.ErrValidation)
	}
	if !kind.Valid() {
		b.reply(origin, protocol.TypeCallFailed, protocol.CallFailed{Message: "Invalid call type", Reason: "validation"})
		return fmt.Errorf("request call: call type %q: %w", kind, errs.ErrValidation)
	}

	blocked, err := b.store.IsBlocked(ctx, callerID, receiverID)
	if err != nil {
		b.logger.Error("block check failed", "caller_id", callerID, "receiver_id", receiverID, "error", err)
		b.reply(origin, protocol.TypeCallFailed, protocol.CallFailed{Message: "Failed to place call", Reason: "error"})
		return fmt.Errorf("request call: block check: %w: %v", errs.ErrPersistence, err)
	}
	if blocked {
		b.reply(origin, protocol.TypeCallBlocked, protocol.CallBlocked{Message: "You cannot call this user"})
		return fmt.Errorf("request call: %w", errs.ErrBlocked)
	}

	from := b.state(callerID, receiverID)
	now := b.now()

	if !b.dir.IsOnline(receiverID) {
		b.transition(callerID, receiverID, from, EventRequestOffline)
		b.tracker.RemovePending(callerID, receiverID)
		b.recordCall(ctx, &store.CallRecord{
			CallerID:   callerID,
			ReceiverID: receiverID,
			CallType:   string(kind),
			Status:     store.CallMissed,
			CreatedAt:  now,
		})
		b.reply(origin, protocol.TypeCallFailed, protocol.CallFailed{Message: "User is not online", Reason: "offline"})
		return nil
	}

	b.transition(callerID, receiverID, from, EventRequest)
	if b.tracker.CreatePending(callerID, receiverID, kind, now) {
		b.logger.Debug("call request replaced a ringing one", "caller_id", callerID, "receiver_id", receiverID)
	}
	if !b.dir.SendTo(receiverID, protocol.TypeIncomingCall, protocol.IncomingCall{CallerID: callerID, CallType: kind}) {
		// Receiver left between the check and the send; the ring timer or
		// the disconnect path finalizes the entry.
		b.logger.Debug("receiver went offline while ringing", "receiver_id", receiverID)
	}
	b.logger.Info("call ringing", "caller_id", callerID, "receiver_id", receiverID, "call_type", kind)
	return nil
}

// AcceptCall is sent by receiverID to answer callerID. The call becomes
// active and the caller is told if online.
func (b *Broker) AcceptCall(ctx context.Context, callerID, receiverID string) error {
	b.transition(callerID, receiverID, b.state(callerID, receiverID), EventAccept)

	active, hadPending := b.tracker.Promote(callerID, receiverID, b.now())
	if !hadPending {
		b.logger.Debug("accepted call was not ringing", "caller_id", callerID, "receiver_id", receiverID)
	}
	b.dir.SendTo(callerID, protocol.TypeCallAccepted, protocol.CallAnswer{ReceiverID: receiverID})
	b.logger.Info("call accepted", "caller_id", callerID, "receiver_id", receiverID, "call_type", active.CallType)
	return nil
}

// RejectCall is sent by receiverID to decline callerID.
func (b *Broker) RejectCall(ctx context.Context, callerID, receiverID string) error {
	to := b.transition(callerID, receiverID, b.state(callerID, receiverID), EventReject)

	kind := protocol.CallVideo
	if p, ok := b.tracker.TakePending(callerID, receiverID); ok && p.CallType.Valid() {
		kind = p.CallType
	}
	b.dir.SendTo(callerID, protocol.TypeCallRejected, protocol.CallAnswer{ReceiverID: receiverID})

	if status, ok := to.RecordStatus(); ok {
		b.recordCall(ctx, &store.CallRecord{
			CallerID:   callerID,
			ReceiverID: receiverID,
			CallType:   string(kind),
			Status:     status,
			CreatedAt:  b.now(),
		})
	}
	return nil
}

// RelayNegotiation forwards an SDP offer, SDP answer or ICE candidate to
// receiverID unchanged. It reports whether the receiver was online.
func (b *Broker) RelayNegotiation(kind NegotiationKind, senderID, receiverID string, payload json.RawMessage) bool {
	msg := protocol.Negotiation{SenderID: senderID}
	switch kind {
	case NegotiationOffer:
		msg.Offer = payload
	case NegotiationAnswer:
		msg.Answer = payload
	case NegotiationCandidate:
		msg.Candidate = payload
	default:
		return false
	}
	if !b.dir.SendTo(receiverID, string(kind), msg) {
		b.logger.Debug("negotiation dropped, receiver offline", "type", kind, "receiver_id", receiverID)
		return false
	}
	return true
}

// EndCall hangs up the call between senderID and receiverID. The other side
// is told if online. An active call is finalized as completed exactly once.
// A call still ringing in either direction is cancelled: its ring timer is
// stopped and it is recorded as missed. Otherwise EndCall only notifies.
func (b *Broker) EndCall(ctx context.Context, senderID, receiverID string) error {
	b.dir.SendTo(receiverID, protocol.TypeCallEnded, protocol.CallEnded{SenderID: senderID})

	if active, ok := b.tracker.TakeActive(senderID, receiverID); ok {
		b.finalize(ctx, active, EventHangup)
		return nil
	}

	p, ok := b.tracker.TakePending(senderID, receiverID)
	if !ok {
		p, ok = b.tracker.TakePending(receiverID, senderID)
	}
	if !ok {
		return nil
	}
	to := b.transition(p.CallerID, p.ReceiverID, StateRinging, EventHangup)
	if status, ok := to.RecordStatus(); ok {
		b.recordCall(ctx, &store.CallRecord{
			CallerID:   p.CallerID,
			ReceiverID: p.ReceiverID,
			CallType:   string(p.CallType),
			Status:     status,
			CreatedAt:  b.now(),
		})
	}
	b.logger.Info("call cancelled while ringing", "caller_id", p.CallerID, "receiver_id", p.ReceiverID,
		"by", senderID)
	return nil
}

// Disconnect finalizes every call involving identity after its connection
// went away: ringing calls become missed and active calls completed.
func (b *Broker) Disconnect(ctx context.Context, identity string) {
	pending, active := b.tracker.DropIdentity(identity)
	for _, p := range pending {
		b.transition(p.CallerID, p.ReceiverID, StateRinging, EventDisconnect)
		b.recordCall(ctx, &store.CallRecord{
			CallerID:   p.CallerID,
			ReceiverID: p.ReceiverID,
			CallType:   string(p.CallType),
			Status:     store.CallMissed,
			CreatedAt:  b.now(),
		})
	}
	for _, a := range active {
		b.finalize(ctx, a, EventDisconnect)
	}
	if len(pending)+len(active) > 0 {
		b.logger.Info("calls finalized on disconnect", "user_id", identity,
			"pending", len(pending), "active", len(active))
	}
}

// Shutdown stops every ring and duration timer.
func (b *Broker) Shutdown() {
	b.tracker.Stop()
}

func (b *Broker) finalize(ctx context.Context, a calls.Active, ev Event) {
	to := b.transition(a.CallerID, a.ReceiverID, StateAccepted, ev)
	status, ok := to.RecordStatus()
	if !ok {
		return
	}

	endedAt := b.now()
	startedAt := a.StartedAt
	duration := int64(math.Round(endedAt.Sub(startedAt).Seconds()))
	if duration < 0 {
		duration = 0
	}
	b.recordCall(ctx, &store.CallRecord{
		CallerID:   a.CallerID,
		ReceiverID: a.ReceiverID,
		CallType:   string(a.CallType),
		Status:     status,
		Duration:   &duration,
		StartedAt:  &startedAt,
		EndedAt:    &endedAt,
		CreatedAt:  endedAt,
	})
	b.logger.Info("call ended", "caller_id", a.CallerID, "receiver_id", a.ReceiverID,
		"duration_s", duration, "event", ev)
}

func (b *Broker) onRingTimeout(p calls.Pending) {
	b.transition(p.CallerID, p.ReceiverID, StateRinging, EventTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	b.recordCall(ctx, &store.CallRecord{
		CallerID:   p.CallerID,
		ReceiverID: p.ReceiverID,
		CallType:   string(p.CallType),
		Status:     store.CallMissed,
		CreatedAt:  b.now(),
	})
	b.dir.SendTo(p.CallerID, protocol.TypeCallFailed, protocol.CallFailed{Message: "No answer", Reason: "no_answer"})
	b.dir.SendTo(p.ReceiverID, protocol.TypeCallEnded, protocol.CallEnded{SenderID: p.CallerID})
	b.logger.Info("call not answered", "caller_id", p.CallerID, "receiver_id", p.ReceiverID)
}

func (b *Broker) onMaxDuration(a calls.Active) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	b.finalize(ctx, a, EventTimeout)
	b.dir.SendTo(a.ReceiverID, protocol.TypeCallEnded, protocol.CallEnded{SenderID: a.CallerID})
	b.dir.SendTo(a.CallerID, protocol.TypeCallEnded, protocol.CallEnded{SenderID: a.ReceiverID})
}

// recordCall is a best-effort side write: failures are logged and never
// reach the real-time path.
func (b *Broker) recordCall(ctx context.Context, rec *store.CallRecord) {
	if err := b.store.InsertCallRecord(ctx, rec); err != nil {
		b.logger.Warn("call record not saved", "caller_id", rec.CallerID, "receiver_id", rec.ReceiverID,
			"status", rec.Status, "error", err)
	}
}

func (b *Broker) reply(origin Replier, eventType string, payload any) {
	if err := origin.Send(eventType, payload); err != nil {
		b.logger.Debug("reply failed", "type", eventType, "error", err)
	}
}
