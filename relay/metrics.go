package relay

import (
	"github.com/cornelk/hashmap"
)

// Counter keys tracked by the relay.
const (
	CounterConnectionsTotal    = "connections_total"
	CounterMessagesProcessed   = "messages_processed"
	CounterDeltasApplied       = "deltas_applied"
	CounterAwarenessForwarded  = "awareness_forwarded"
	CounterSnapshotsServed     = "snapshots_served"
	CounterRejectedConnections = "rejected_connections"
	CounterRejectedFrames      = "rejected_frames"
	CounterRoomsCreated        = "rooms_created"
	CounterRoomsClosed         = "rooms_closed"
)

var counterKeys = []string{
	CounterConnectionsTotal,
	CounterMessagesProcessed,
	CounterDeltasApplied,
	CounterAwarenessForwarded,
	CounterSnapshotsServed,
	CounterRejectedConnections,
	CounterRejectedFrames,
	CounterRoomsCreated,
	CounterRoomsClosed,
}

// counters is a lock-free counter table shared by all connection handlers.
type counters struct {
	table hashmap.HashMap
}

// get returns the counter value at the specified key, or 0 if unset.
func (c *counters) get(key string) int {
	value, ok := c.table.GetStringKey(key)
	if !ok {
		return 0
	}
	return value.(int)
}

// add atomically adds value to the given counter key, initializing it on
// first use.
func (c *counters) add(key string, value int) {
	wasSet := false
	for !wasSet {
		expected, ok := c.table.GetStringKey(key)
		if ok {
			wasSet = c.table.Cas(key, expected, expected.(int)+value)
		} else {
			_, loaded := c.table.GetOrInsert(key, value)
			wasSet = !loaded
		}
	}
}

// Metrics is a point-in-time snapshot of the relay's operational state,
// exposed for external monitoring rather than log-scraping.
type Metrics struct {
	ActiveConnections int            `json:"activeConnections"`
	ActiveRooms       int            `json:"activeRooms"`
	Counters          map[string]int `json:"counters"`
}

func (c *counters) snapshot() map[string]int {
	out := make(map[string]int, len(counterKeys))
	for _, key := range counterKeys {
		out[key] = c.get(key)
	}
	return out
}
