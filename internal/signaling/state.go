package signaling

import (
	"errors"

	"github.com/connecthub/connecthub/internal/store"
)

// State is the lifecycle state of a call between an ordered pair.
type State string

const (
	StateIdle     State = "idle"
	StateRinging  State = "ringing"
	StateAccepted State = "accepted"
	StateRejected State = "rejected"
	StateMissed   State = "missed"
	StateEnded    State = "ended"
)

// Event drives a call from one State to the next.
type Event string

const (
	EventRequest        Event = "request"         // receiver online
	EventRequestOffline Event = "request_offline" // receiver offline
	EventAccept         Event = "accept"
	EventReject         Event = "reject"
	EventTimeout        Event = "timeout" // ring timeout or max call duration
	EventHangup         Event = "hangup"
	EventDisconnect     Event = "disconnect"
)

var ErrInvalidTransition = errors.New("invalid call state transition")

type stateEvent struct {
	state State
	event Event
}

// transitions lists every legal move. Accept and reject from Idle are kept
// because clients may answer a call whose ringing entry already expired.
var transitions = map[stateEvent]State{
	{StateIdle, EventRequest}:           StateRinging,
	{StateIdle, EventRequestOffline}:    StateMissed,
	{StateIdle, EventAccept}:            StateAccepted,
	{StateIdle, EventReject}:            StateRejected,
	{StateRinging, EventRequest}:        StateRinging,
	{StateRinging, EventRequestOffline}: StateMissed,
	{StateRinging, EventAccept}:         StateAccepted,
	{StateRinging, EventReject}:         StateRejected,
	{StateRinging, EventTimeout}:        StateMissed,
	{StateRinging, EventDisconnect}:     StateMissed,
	{StateRinging, EventHangup}:         StateMissed,
	{StateAccepted, EventHangup}:        StateEnded,
	{StateAccepted, EventTimeout}:       StateEnded,
	{StateAccepted, EventDisconnect}:    StateEnded,
	{StateAccepted, EventAccept}:        StateAccepted,
}

// Transition returns the state reached by applying ev in from.
func Transition(from State, ev Event) (State, error) {
	to, ok := transitions[stateEvent{from, ev}]
	if !ok {
		return from, ErrInvalidTransition
	}
	return to, nil
}

// Terminal reports whether no further events apply.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateMissed || s == StateEnded
}

// RecordStatus maps a terminal state to the call record status it persists as.
func (s State) RecordStatus() (string, bool) {
	switch s {
	case StateMissed:
		return store.CallMissed, true
	case StateRejected:
		return store.CallRejected, true
	case StateEnded:
		return store.CallCompleted, true
	}
	return "", false
}
