package relay

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/collabcanvas/go-canvas-sync/awareness"
	syncerrors "github.com/collabcanvas/go-canvas-sync/errors"
	"github.com/collabcanvas/go-canvas-sync/logging"
	"github.com/collabcanvas/go-canvas-sync/store"
	"github.com/collabcanvas/go-canvas-sync/wire"
)

// member is one websocket connection inside a room. Outbound frames go
// through the send channel so a single writer owns the connection. The send
// channel is never closed; done signals teardown so concurrent broadcasts
// cannot race a close.
type member struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func (m *member) enqueue(frame []byte) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.send <- frame:
		return true
	case <-m.done:
		return false
	default:
		return false
	}
}

func (m *member) close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// Room holds the authoritative replica for one canvas plus the set of live
// connections editing it. Every valid delta is merged into the replica before
// it is rebroadcast, so late joiners bootstrap from a state that already
// contains it.
type Room struct {
	ID string

	mu      sync.RWMutex
	doc     *store.Store
	members map[string]*member
	closed  bool

	logger   *logging.Logger
	counters *counters
}

func newRoom(id string, logger *logging.Logger, counters *counters) (*Room, error) {
	doc, err := store.New("relay:"+id, logger)
	if err != nil {
		return nil, err
	}
	return &Room{
		ID:       id,
		doc:      doc,
		members:  make(map[string]*member),
		logger:   logger.WithRoom(id),
		counters: counters,
	}, nil
}

// join registers a connection and hands it the current room snapshot.
func (r *Room) join(m *member) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return syncerrors.NewWithComponent(syncerrors.OpConnect, "relay",
			fmt.Errorf("room %q is closed", r.ID))
	}
	if old, ok := r.members[m.id]; ok {
		// A reconnect with the same connection ID replaces the stale entry.
		old.close()
	}
	r.members[m.id] = m
	snapshot := r.doc.Snapshot()
	r.mu.Unlock()

	m.enqueue(wire.Encode(wire.KindSnapshot, snapshot))
	r.counters.add(CounterSnapshotsServed, 1)
	r.logger.Info("member joined", "conn_id", m.id, "members", r.memberCount())
	return nil
}

// leave releases a connection's membership and tells the surviving peers to
// drop its awareness state. It reports whether the room is now empty. Only
// the member that currently holds the slot is removed: when a rejoin with the
// same connection ID has already replaced this member, tearing down the old
// socket must not evict the fresh one.
func (r *Room) leave(m *member) bool {
	r.mu.Lock()
	current, held := r.members[m.id]
	if held && current == m {
		delete(r.members, m.id)
	} else {
		held = false
	}
	empty := len(r.members) == 0
	r.mu.Unlock()

	m.close()
	if !held {
		return empty
	}
	r.broadcast(m.id, wire.Encode(wire.KindAwareness, awareness.EncodeGone(m.id)))
	r.logger.Info("member left", "conn_id", m.id, "members", r.memberCount())
	return empty
}

// handleFrame processes one decoded frame from a member. The raw frame is
// what gets rebroadcast, so peers receive byte-identical payloads.
func (r *Room) handleFrame(senderID string, msg wire.Message, raw []byte) {
	r.counters.add(CounterMessagesProcessed, 1)

	switch msg.Kind {
	case wire.KindDelta:
		if err := r.doc.ApplyDelta(msg.Body); err != nil {
			r.counters.add(CounterRejectedFrames, 1)
			r.logger.Warn("rejecting delta", "conn_id", senderID, "error", err.Error())
			return
		}
		r.counters.add(CounterDeltasApplied, 1)
		r.broadcast(senderID, raw)

	case wire.KindAwareness:
		// Ephemeral: forwarded to peers, never merged into the replica.
		r.counters.add(CounterAwarenessForwarded, 1)
		r.broadcast(senderID, raw)

	case wire.KindSnapshotRequest:
		r.mu.RLock()
		m, ok := r.members[senderID]
		snapshot := r.doc.Snapshot()
		r.mu.RUnlock()
		if ok {
			m.enqueue(wire.Encode(wire.KindSnapshot, snapshot))
			r.counters.add(CounterSnapshotsServed, 1)
		}

	case wire.KindPing:
		r.mu.RLock()
		m, ok := r.members[senderID]
		r.mu.RUnlock()
		if ok {
			m.enqueue(wire.Encode(wire.KindPong, nil))
		}

	case wire.KindPong:
		// Liveness is tracked at the websocket layer; nothing to do.

	default:
		r.counters.add(CounterRejectedFrames, 1)
		r.logger.Warn("dropping frame of unexpected kind",
			"conn_id", senderID, "kind", msg.Kind.String())
	}
}

// broadcast fans a frame out to every member except the sender. A member
// whose send buffer is full loses the frame rather than stalling the room.
func (r *Room) broadcast(senderID string, frame []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, m := range r.members {
		if id == senderID {
			continue
		}
		if !m.enqueue(frame) {
			r.logger.Warn("dropping frame for slow member", "conn_id", id)
		}
	}
}

func (r *Room) memberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// close marks the room terminal and disconnects everyone in it.
func (r *Room) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	members := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	r.members = make(map[string]*member)
	r.mu.Unlock()

	for _, m := range members {
		m.close()
	}
	r.logger.Info("room closed", "evicted", len(members))
}

// Snapshot exposes the room's replica state for inspection.
func (r *Room) Snapshot() []byte {
	return r.doc.Snapshot()
}
