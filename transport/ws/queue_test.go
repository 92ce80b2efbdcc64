package ws

import (
	"fmt"
	"testing"
)

func TestMessageQueue_FIFO(t *testing.T) {
	q := newMessageQueue(10)
	for i := 0; i < 5; i++ {
		q.push([]byte(fmt.Sprintf("m%d", i)))
	}

	frames := q.drain()
	if len(frames) != 5 {
		t.Fatalf("drain() len = %d, want 5", len(frames))
	}
	for i, frame := range frames {
		if string(frame) != fmt.Sprintf("m%d", i) {
			t.Errorf("frame[%d] = %s, out of order", i, frame)
		}
	}
	if q.len() != 0 {
		t.Error("drain() should empty the queue")
	}
}

func TestMessageQueue_DropOldestOnOverflow(t *testing.T) {
	q := newMessageQueue(3)
	for i := 0; i < 5; i++ {
		q.push([]byte(fmt.Sprintf("m%d", i)))
	}

	if q.droppedCount() != 2 {
		t.Errorf("droppedCount() = %d, want 2", q.droppedCount())
	}

	frames := q.drain()
	if len(frames) != 3 {
		t.Fatalf("drain() len = %d, want 3", len(frames))
	}
	// The newest messages survive.
	for i, want := range []string{"m2", "m3", "m4"} {
		if string(frames[i]) != want {
			t.Errorf("frame[%d] = %s, want %s", i, frames[i], want)
		}
	}
}

func TestMessageQueue_Clear(t *testing.T) {
	q := newMessageQueue(10)
	q.push([]byte("m"))
	q.clear()
	if q.len() != 0 {
		t.Error("clear() should drop everything")
	}
}
