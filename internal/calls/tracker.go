// Package calls tracks ringing and in-progress calls between pairs of identities.
package calls

import (
	"sync"
	"time"

	"github.com/connecthub/connecthub/pkg/protocol"
)

// Pending is a call that is ringing and has not been answered.
type Pending struct {
	CallerID   string
	ReceiverID string
	CallType   protocol.CallType
	CreatedAt  time.Time
}

// Active is an accepted call.
type Active struct {
	CallerID   string
	ReceiverID string
	CallType   protocol.CallType
	StartedAt  time.Time
}

// Involves reports whether identity takes part in the call.
func (a Active) Involves(identity string) bool {
	return a.CallerID == identity || a.ReceiverID == identity
}

// Options configures a Tracker. Zero durations disable the matching timer.
type Options struct {
	RingTimeout     time.Duration
	MaxCallDuration time.Duration

	// OnRingTimeout runs on its own goroutine after a pending entry was
	// removed because nobody answered in time.
	OnRingTimeout func(Pending)
	// OnMaxDuration runs on its own goroutine after an active entry was
	// removed because it exceeded the maximum call duration.
	OnMaxDuration func(Active)
}

type pendingKey struct{ caller, receiver string }

// activeKey is order-independent.
type activeKey struct{ lo, hi string }

func newActiveKey(a, b string) activeKey {
	if a > b {
		a, b = b, a
	}
	return activeKey{a, b}
}

type pendingEntry struct {
	Pending
	timer *time.Timer
}

type activeEntry struct {
	Active
	timer *time.Timer
}

// Tracker holds pending calls keyed by the ordered (caller, receiver) pair
// and active calls keyed by the unordered pair. Every operation is atomic.
// A timer attached to an entry is stopped whenever that entry leaves the
// tracker, and a timer that fires after its entry was replaced does nothing.
type Tracker struct {
	mu      sync.Mutex
	pending map[pendingKey]*pendingEntry
	active  map[activeKey]*activeEntry
	opts    Options
}

// NewTracker creates an empty Tracker.
func NewTracker(opts Options) *Tracker {
	return &Tracker{
		pending: make(map[pendingKey]*pendingEntry),
		active:  make(map[activeKey]*activeEntry),
		opts:    opts,
	}
}

// CreatePending records a ringing call. A previous pending entry for the same
// ordered pair is overwritten and its ring timer stopped; replaced reports
// whether that happened.
func (t *Tracker) CreatePending(callerID, receiverID string, kind protocol.CallType, now time.Time) (replaced bool) {
	key := pendingKey{callerID, receiverID}
	e := &pendingEntry{Pending: Pending{
		CallerID:   callerID,
		ReceiverID: receiverID,
		CallType:   kind,
		CreatedAt:  now,
	}}

	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.pending[key]; ok {
		stop(old.timer)
		replaced = true
	}
	if t.opts.RingTimeout > 0 {
		e.timer = time.AfterFunc(t.opts.RingTimeout, func() { t.expirePending(key, e) })
	}
	t.pending[key] = e
	return replaced
}

func (t *Tracker) expirePending(key pendingKey, e *pendingEntry) {
	t.mu.Lock()
	if t.pending[key] != e {
		t.mu.Unlock()
		return
	}
	delete(t.pending, key)
	t.mu.Unlock()

	if t.opts.OnRingTimeout != nil {
		t.opts.OnRingTimeout(e.Pending)
	}
}

// TakePending removes and returns the pending entry for the ordered pair.
func (t *Tracker) TakePending(callerID, receiverID string) (Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.takePendingLocked(pendingKey{callerID, receiverID})
}

func (t *Tracker) takePendingLocked(key pendingKey) (Pending, bool) {
	e, ok := t.pending[key]
	if !ok {
		return Pending{}, false
	}
	delete(t.pending, key)
	stop(e.timer)
	return e.Pending, true
}

// RemovePending deletes the pending entry for the ordered pair.
func (t *Tracker) RemovePending(callerID, receiverID string) bool {
	_, ok := t.TakePending(callerID, receiverID)
	return ok
}

// GetPending returns the pending entry for the ordered pair without removing it.
func (t *Tracker) GetPending(callerID, receiverID string) (Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[pendingKey{callerID, receiverID}]
	if !ok {
		return Pending{}, false
	}
	return e.Pending, true
}

// Promote atomically moves the pending entry for (caller, receiver) into the
// active keyspace with StartedAt = now. When no entry was pending the call is
// still activated as video; hadPending reports which case applied.
func (t *Tracker) Promote(callerID, receiverID string, now time.Time) (a Active, hadPending bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	kind := protocol.CallVideo
	if p, ok := t.takePendingLocked(pendingKey{callerID, receiverID}); ok {
		hadPending = true
		if p.CallType.Valid() {
			kind = p.CallType
		}
	}

	key := newActiveKey(callerID, receiverID)
	if old, ok := t.active[key]; ok {
		stop(old.timer)
	}

	e := &activeEntry{Active: Active{
		CallerID:   callerID,
		ReceiverID: receiverID,
		CallType:   kind,
		StartedAt:  now,
	}}
	if t.opts.MaxCallDuration > 0 {
		e.timer = time.AfterFunc(t.opts.MaxCallDuration, func() { t.expireActive(key, e) })
	}
	t.active[key] = e
	return e.Active, hadPending
}

func (t *Tracker) expireActive(key activeKey, e *activeEntry) {
	t.mu.Lock()
	if t.active[key] != e {
		t.mu.Unlock()
		return
	}
	delete(t.active, key)
	t.mu.Unlock()

	if t.opts.OnMaxDuration != nil {
		t.opts.OnMaxDuration(e.Active)
	}
}

// FindActive returns the active call between a and b in either order.
func (t *Tracker) FindActive(a, b string) (Active, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.active[newActiveKey(a, b)]
	if !ok {
		return Active{}, false
	}
	return e.Active, true
}

// TakeActive removes and returns the active call between a and b. Of several
// concurrent callers at most one receives ok == true.
func (t *Tracker) TakeActive(a, b string) (Active, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := newActiveKey(a, b)
	e, ok := t.active[key]
	if !ok {
		return Active{}, false
	}
	delete(t.active, key)
	stop(e.timer)
	return e.Active, true
}

// RemoveActive deletes the active call between a and b.
func (t *Tracker) RemoveActive(a, b string) bool {
	_, ok := t.TakeActive(a, b)
	return ok
}

// DropIdentity removes every pending and active entry that involves identity
// and returns what was removed.
func (t *Tracker) DropIdentity(identity string) ([]Pending, []Active) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pending []Pending
	for key, e := range t.pending {
		if key.caller == identity || key.receiver == identity {
			delete(t.pending, key)
			stop(e.timer)
			pending = append(pending, e.Pending)
		}
	}

	var active []Active
	for key, e := range t.active {
		if key.lo == identity || key.hi == identity {
			delete(t.active, key)
			stop(e.timer)
			active = append(active, e.Active)
		}
	}
	return pending, active
}

// PendingCount returns the number of ringing calls.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// ActiveCount returns the number of accepted calls.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// Stop cancels every timer and empties the tracker.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.pending {
		stop(e.timer)
		delete(t.pending, key)
	}
	for key, e := range t.active {
		stop(e.timer)
		delete(t.active, key)
	}
}

func stop(timer *time.Timer) {
	if timer != nil {
		timer.Stop()
	}
}
