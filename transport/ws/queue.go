package ws

import "sync"

// messageQueue buffers outbound frames while the connection is down. It is
// bounded: when full, the oldest frame is dropped so the queue always holds
// the most recent edits. Flush order is FIFO, preserving end-to-end message
// order within the connection.
type messageQueue struct {
	mu      sync.Mutex
	frames  [][]byte
	limit   int
	dropped uint64
}

func newMessageQueue(limit int) *messageQueue {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	return &messageQueue{limit: limit}
}

// push appends a frame, evicting the oldest when the queue is full. It
// returns true if an eviction happened.
func (q *messageQueue) push(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if len(q.frames) >= q.limit {
		q.frames = q.frames[1:]
		q.dropped++
		evicted = true
	}
	q.frames = append(q.frames, frame)
	return evicted
}

// drain removes and returns all queued frames in FIFO order.
func (q *messageQueue) drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.frames
	q.frames = nil
	return out
}

// clear drops everything, used on manual disconnect.
func (q *messageQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = nil
}

func (q *messageQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *messageQueue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
