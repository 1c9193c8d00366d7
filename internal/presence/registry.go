// Package presence tracks which identities are connected and how to reach them.
package presence

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/connecthub/connecthub/pkg/protocol"
)

// Conn is a live client connection the registry can deliver events to.
// ID must be unique for the lifetime of the process.
type Conn interface {
	ID() string
	Send(eventType string, payload any) error
	Close() error
}

// Options configures a Registry.
type Options struct {
	// CloseReplaced closes the previous connection when an identity
	// authenticates again on a new one.
	CloseReplaced bool
}

// Registry maps identities to their current connection. At most one
// connection is stored per identity; the most recent authenticate wins.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]Conn // identity -> conn
	opts   Options
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts Options, logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]Conn),
		opts:   opts,
		logger: logger.With("component", "presence"),
	}
}

type delivery struct {
	conn    Conn
	typ     string
	payload any
}

func (r *Registry) deliver(ds []delivery) {
	for _, d := range ds {
		if err := d.conn.Send(d.typ, d.payload); err != nil {
			r.logger.Debug("presence delivery failed", "conn_id", d.conn.ID(), "type", d.typ, "error", err)
		}
	}
}

// SetOnline registers conn as the connection for identity. Every other
// registered connection is told the identity came online, and conn receives
// the full online set including itself.
func (r *Registry) SetOnline(identity string, conn Conn) {
	r.mu.Lock()
	prev, hadPrev := r.conns[identity]
	r.conns[identity] = conn

	var out []delivery
	for id, c := range r.conns {
		if id == identity {
			continue
		}
		out = append(out, delivery{c, protocol.TypeUserOnline, protocol.UserPresence{UserID: identity}})
	}
	out = append(out, delivery{conn, protocol.TypeOnlineUsers, protocol.OnlineUsers{Users: r.onlineLocked()}})
	r.mu.Unlock()

	if hadPrev && prev.ID() != conn.ID() {
		r.logger.Info("connection replaced", "user_id", identity, "old_conn", prev.ID(), "new_conn", conn.ID())
		if r.opts.CloseReplaced {
			_ = prev.Close()
		}
	}

	r.deliver(out)
}

// SetOffline removes the identity whose current connection is conn and tells
// the remaining connections. A connection that was already replaced is a
// no-op and reports false.
func (r *Registry) SetOffline(conn Conn) (string, bool) {
	r.mu.Lock()
	var identity string
	found := false
	for id, c := range r.conns {
		if c.ID() == conn.ID() {
			identity, found = id, true
			break
		}
	}
	if !found {
		r.mu.Unlock()
		return "", false
	}
	delete(r.conns, identity)

	out := make([]delivery, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, delivery{c, protocol.TypeUserOffline, protocol.UserPresence{UserID: identity}})
	}
	r.mu.Unlock()

	r.deliver(out)
	return identity, true
}

// Resolve returns the current connection for identity.
func (r *Registry) Resolve(identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[identity]
	return c, ok
}

// SendTo delivers an event to identity if it is online. It reports whether
// the identity was online; a failed write still counts as delivered.
func (r *Registry) SendTo(identity, eventType string, payload any) bool {
	c, ok := r.Resolve(identity)
	if !ok {
		return false
	}
	r.deliver([]delivery{{c, eventType, payload}})
	return true
}

// Broadcast delivers an event to every registered connection except the one
// belonging to exceptIdentity.
func (r *Registry) Broadcast(exceptIdentity, eventType string, payload any) {
	r.mu.RLock()
	out := make([]delivery, 0, len(r.conns))
	for id, c := range r.conns {
		if id == exceptIdentity {
			continue
		}
		out = append(out, delivery{c, eventType, payload})
	}
	r.mu.RUnlock()

	r.deliver(out)
}

// Online returns the online identities in sorted order.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineLocked()
}

func (r *Registry) onlineLocked() []string {
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsOnline reports whether identity has a registered connection.
func (r *Registry) IsOnline(identity string) bool {
	_, ok := r.Resolve(identity)
	return ok
}

// Count returns the number of online identities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
