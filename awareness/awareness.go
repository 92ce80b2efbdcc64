// Package awareness implements the ephemeral presence channel: cursors,
// selections and editing locks. Awareness state is kept structurally separate
// from the replicated store because it is high-frequency, loss-tolerant, and
// must never be persisted or replayed to late joiners as history; only the
// current snapshot of each connection matters.
package awareness

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	syncerrors "github.com/collabcanvas/go-canvas-sync/errors"
	"github.com/collabcanvas/go-canvas-sync/logging"
)

// Defaults mirror the reference behavior.
const (
	DefaultCursorThrottle    = 100 * time.Millisecond
	DefaultInactivityTimeout = 30 * time.Second
)

// Cursor is an on-canvas pointer position.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// EditingLock marks that a user is currently editing an element. It is a
// soft collision hint only; concurrent edits are still merge-resolved by the
// replicated store.
type EditingLock struct {
	ElementID string    `json:"elementId"`
	EditorID  string    `json:"editorId"`
	StartedAt time.Time `json:"startedAt"`
}

// State is the full published presence of one connection. It is replaced
// wholesale on each publish; there are no incremental awareness deltas.
type State struct {
	UserID       string       `json:"userId"`
	Name         string       `json:"name"`
	Color        string       `json:"color"`
	Cursor       *Cursor      `json:"cursor,omitempty"`
	Tool         string       `json:"tool,omitempty"`
	Drawing      bool         `json:"drawing,omitempty"`
	Selecting    bool         `json:"selecting,omitempty"`
	Selection    []string     `json:"selection,omitempty"`
	Editing      *EditingLock `json:"editing,omitempty"`
	LastActivity time.Time    `json:"lastActivity"`
}

func (s *State) clone() *State {
	out := *s
	if s.Cursor != nil {
		c := *s.Cursor
		out.Cursor = &c
	}
	if s.Editing != nil {
		e := *s.Editing
		out.Editing = &e
	}
	out.Selection = append([]string(nil), s.Selection...)
	return &out
}

// CursorUpdate is a partial cursor publish.
type CursorUpdate struct {
	X       float64
	Y       float64
	Tool    *string
	Drawing *bool
}

// PresenceUpdate is a partial presence publish merged into the local state.
type PresenceUpdate struct {
	Name      *string
	Color     *string
	Tool      *string
	Drawing   *bool
	Selecting *bool
}

// EventKind classifies awareness change notifications.
type EventKind int

const (
	EventCursors EventKind = iota
	EventPresence
)

// Event is delivered to subscribers when the aggregate awareness set changes.
type Event struct {
	Kind   EventKind
	ConnID string
}

// Channel tracks the local connection's published state plus every peer's
// latest blob, keyed by connection ID.
type Channel struct {
	mu     sync.RWMutex
	connID string
	local  State
	peers  map[string]*State

	throttle   time.Duration
	timeout    time.Duration
	lastPublish time.Time

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(Event)

	publishMu sync.Mutex
	publish   func([]byte)

	logger *logging.Logger
	now    func() time.Time
}

// Options configures a Channel. Zero values fall back to the reference
// defaults.
type Options struct {
	CursorThrottle    time.Duration
	InactivityTimeout time.Duration
	Logger            *logging.Logger
}

// New creates an awareness channel for one connection. The identity fields
// are merged automatically into every published state.
func New(connID, userID, name, color string, opts Options) (*Channel, error) {
	if connID == "" {
		return nil, fmt.Errorf("connection ID cannot be empty")
	}
	if opts.CursorThrottle <= 0 {
		opts.CursorThrottle = DefaultCursorThrottle
	}
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = DefaultInactivityTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Channel{
		connID: connID,
		local: State{
			UserID: userID,
			Name:   name,
			Color:  color,
		},
		peers:    make(map[string]*State),
		throttle: opts.CursorThrottle,
		timeout:  opts.InactivityTimeout,
		subs:     make(map[int]func(Event)),
		logger:   logger.WithComponent(logging.ComponentAwareness),
		now:      time.Now,
	}, nil
}

// ConnID returns the local connection ID.
func (c *Channel) ConnID() string {
	return c.connID
}

// OnPublish registers the sink for locally-published state blobs, normally
// the transport client's send path.
func (c *Channel) OnPublish(fn func([]byte)) {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	c.publish = fn
}

// UpdateCursor publishes a cursor move. Publishes are throttled to bound
// network chatter; the newest position always wins locally even when the
// publish itself is suppressed.
func (c *Channel) UpdateCursor(update CursorUpdate) {
	c.mu.Lock()
	now := c.now()
	c.local.Cursor = &Cursor{X: update.X, Y: update.Y}
	if update.Tool != nil {
		c.local.Tool = *update.Tool
	}
	if update.Drawing != nil {
		c.local.Drawing = *update.Drawing
	}
	c.local.LastActivity = now

	throttled := now.Sub(c.lastPublish) < c.throttle
	if !throttled {
		c.lastPublish = now
	}
	c.mu.Unlock()

	if !throttled {
		c.publishLocal()
	}
	c.notify(Event{Kind: EventCursors, ConnID: c.connID})
}

// UpdatePresence merges a partial presence update and stamps LastActivity.
func (c *Channel) UpdatePresence(update PresenceUpdate) {
	c.mu.Lock()
	if update.Name != nil {
		c.local.Name = *update.Name
	}
	if update.Color != nil {
		c.local.Color = *update.Color
	}
	if update.Tool != nil {
		c.local.Tool = *update.Tool
	}
	if update.Drawing != nil {
		c.local.Drawing = *update.Drawing
	}
	if update.Selecting != nil {
		c.local.Selecting = *update.Selecting
	}
	c.local.LastActivity = c.now()
	c.mu.Unlock()

	c.publishLocal()
	c.notify(Event{Kind: EventPresence, ConnID: c.connID})
}

// UpdateSelection publishes the set of currently selected element IDs.
func (c *Channel) UpdateSelection(elementIDs []string) {
	c.mu.Lock()
	c.local.Selection = append([]string(nil), elementIDs...)
	c.local.LastActivity = c.now()
	c.mu.Unlock()

	c.publishLocal()
	c.notify(Event{Kind: EventPresence, ConnID: c.connID})
}

// SetEditingState publishes an editing lock for the given element.
func (c *Channel) SetEditingState(elementID string) {
	c.mu.Lock()
	c.local.Editing = &EditingLock{
		ElementID: elementID,
		EditorID:  c.local.UserID,
		StartedAt: c.now(),
	}
	c.local.LastActivity = c.now()
	c.mu.Unlock()

	c.publishLocal()
	c.notify(Event{Kind: EventPresence, ConnID: c.connID})
}

// ClearEditingState clears the local editing lock.
func (c *Channel) ClearEditingState() {
	c.mu.Lock()
	c.local.Editing = nil
	c.local.LastActivity = c.now()
	c.mu.Unlock()

	c.publishLocal()
	c.notify(Event{Kind: EventPresence, ConnID: c.connID})
}

// LocalState returns a copy of the local published state.
func (c *Channel) LocalState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return *c.local.clone()
}

// OtherCursors returns the cursors of every other live connection. Cursors
// whose LastActivity is older than the inactivity timeout are hidden, not
// deleted: a peer owns its own published state.
func (c *Channel) OtherCursors() map[string]Cursor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cutoff := c.now().Add(-c.timeout)
	out := make(map[string]Cursor)
	for connID, st := range c.peers {
		if connID == c.connID || st.Cursor == nil {
			continue
		}
		if st.LastActivity.Before(cutoff) {
			continue
		}
		out[connID] = *st.Cursor
	}
	return out
}

// OtherPresence returns the full presence of every other live connection.
func (c *Channel) OtherPresence() map[string]State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cutoff := c.now().Add(-c.timeout)
	out := make(map[string]State)
	for connID, st := range c.peers {
		if connID == c.connID || st.LastActivity.Before(cutoff) {
			continue
		}
		out[connID] = *st.clone()
	}
	return out
}

// EditingUsers returns the live editing locks held by other connections,
// keyed by element ID.
func (c *Channel) EditingUsers() map[string]EditingLock {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cutoff := c.now().Add(-c.timeout)
	out := make(map[string]EditingLock)
	for connID, st := range c.peers {
		if connID == c.connID || st.Editing == nil || st.LastActivity.Before(cutoff) {
			continue
		}
		out[st.Editing.ElementID] = *st.Editing
	}
	return out
}

// wireState is the JSON blob exchanged on the wire, keyed by connection ID.
type wireState struct {
	ConnID string `json:"connId"`
	State  State  `json:"state"`
	// Gone marks a departure notice: the peer's state must be dropped
	// instead of replaced.
	Gone bool `json:"gone,omitempty"`
}

// EncodeGone builds a departure notice for the given connection ID. The relay
// emits these on behalf of clients that disconnect without saying goodbye.
func EncodeGone(connID string) []byte {
	body, err := json.Marshal(wireState{ConnID: connID, Gone: true})
	if err != nil {
		return nil
	}
	return body
}

// EncodeLocal serializes the local state for publishing.
func (c *Channel) EncodeLocal() []byte {
	c.mu.RLock()
	blob := wireState{ConnID: c.connID, State: *c.local.clone()}
	c.mu.RUnlock()

	body, err := json.Marshal(blob)
	if err != nil {
		// State contains only marshalable fields.
		panic(err)
	}
	return body
}

// ApplyRemote replaces a peer's state wholesale from a wire blob. Malformed
// blobs are dropped and logged; they never corrupt the peer set.
func (c *Channel) ApplyRemote(body []byte) error {
	var blob wireState
	if err := json.Unmarshal(body, &blob); err != nil {
		err = syncerrors.NewProtocolError(syncerrors.OpReceive, fmt.Errorf("malformed awareness blob: %w", err))
		c.logger.Warn("dropping awareness update", "error", err.Error())
		return err
	}
	if blob.ConnID == "" {
		err := syncerrors.NewProtocolError(syncerrors.OpReceive, fmt.Errorf("awareness blob missing connection ID"))
		c.logger.Warn("dropping awareness update", "error", err.Error())
		return err
	}
	if blob.ConnID == c.connID {
		return nil // never let a peer overwrite our own state
	}
	if blob.Gone {
		c.RemovePeer(blob.ConnID)
		return nil
	}

	c.mu.Lock()
	hadCursor := false
	if prev, ok := c.peers[blob.ConnID]; ok {
		hadCursor = prev.Cursor != nil
	}
	st := blob.State.clone()
	c.peers[blob.ConnID] = st
	cursorChanged := st.Cursor != nil || hadCursor
	c.mu.Unlock()

	if cursorChanged {
		c.notify(Event{Kind: EventCursors, ConnID: blob.ConnID})
	}
	c.notify(Event{Kind: EventPresence, ConnID: blob.ConnID})
	return nil
}

// RemovePeer drops a departed connection's state entirely.
func (c *Channel) RemovePeer(connID string) {
	c.mu.Lock()
	_, ok := c.peers[connID]
	delete(c.peers, connID)
	c.mu.Unlock()

	if ok {
		c.notify(Event{Kind: EventCursors, ConnID: connID})
		c.notify(Event{Kind: EventPresence, ConnID: connID})
	}
}

// OnChange subscribes to aggregate awareness changes. The returned function
// removes the subscription.
func (c *Channel) OnChange(fn func(Event)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Channel) publishLocal() {
	c.publishMu.Lock()
	publish := c.publish
	c.publishMu.Unlock()

	if publish != nil {
		publish(c.EncodeLocal())
	}
}

func (c *Channel) notify(ev Event) {
	c.subMu.Lock()
	subs := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("awareness subscriber panicked", "panic", fmt.Sprint(r))
				}
			}()
			fn(ev)
		}()
	}
}
