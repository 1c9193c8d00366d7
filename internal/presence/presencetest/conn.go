// Package presencetest provides an in-memory presence.Conn for tests.
package presencetest

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Event is one recorded Send call. Payload is the JSON encoding of the value
// that was sent.
type Event struct {
	Type    string
	Payload json.RawMessage
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Conn records every event sent to it.
type Conn struct {
	id     string
	mu     sync.Mutex
	events []Event
	closed atomic.Bool
	err    error
}

// NewConn returns a Conn with a random ID.
func NewConn() *Conn {
	return &Conn{id: uuid.NewString()}
}

func (c *Conn) ID() string { return c.id }

// Send records the event. It returns the error configured by FailSends.
func (c *Conn) Send(eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, Event{Type: eventType, Payload: raw})
	return nil
}

func (c *Conn) Close() error {
	c.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool { return c.closed.Load() }

// FailSends makes every later Send return err without recording.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// Events returns a copy of all recorded events.
func (c *Conn) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// OfType returns the recorded events with the given type.
func (c *Conn) OfType(eventType string) []Event {
	var out []Event
	for _, e := range c.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Types returns the recorded event types in order.
func (c *Conn) Types() []string {
	events := c.Events()
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// Reset discards recorded events.
func (c *Conn) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}
