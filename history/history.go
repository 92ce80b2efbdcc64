// Package history provides local undo and redo over canvas state snapshots.
// Snapshots are JSON deep copies taken through the memento pattern: the
// manager never aliases live state, so later mutations cannot corrupt the
// timeline. History is strictly local and never replicated.
package history

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	syncerrors "github.com/collabcanvas/go-canvas-sync/errors"
	"github.com/collabcanvas/go-canvas-sync/logging"
)

// RestoreFunc reapplies a previously captured snapshot to the live state.
type RestoreFunc func(snapshot json.RawMessage) error

// Options configures a Manager.
type Options struct {
	// Debounce coalesces rapid SaveState calls into one history entry.
	Debounce time.Duration

	// Capacity bounds the timeline. When full, the oldest entry is
	// dropped to admit the newest.
	Capacity int

	Logger *logging.Logger
}

func (o *Options) setDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = 500 * time.Millisecond
	}
	if o.Capacity <= 0 {
		o.Capacity = 50
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
}

// Stats summarizes a Manager's timeline.
type Stats struct {
	Entries  int
	Position int
	Dropped  int
}

// Manager keeps a bounded timeline of state snapshots with a cursor.
// entries[pos] is always the state the user currently sees.
type Manager struct {
	opts    Options
	logger  *logging.Logger
	restore RestoreFunc

	mu      sync.Mutex
	entries []json.RawMessage
	pos     int
	dropped int

	pending json.RawMessage
	timer   *time.Timer
}

// NewManager builds a Manager that reapplies snapshots through restore.
func NewManager(opts Options, restore RestoreFunc) (*Manager, error) {
	if restore == nil {
		return nil, syncerrors.NewValidationError(syncerrors.OpRecover,
			fmt.Errorf("restore function is required"))
	}
	opts.setDefaults()
	return &Manager{
		opts:    opts,
		logger:  opts.Logger.WithComponent(logging.ComponentHistory),
		restore: restore,
		pos:     -1,
	}, nil
}

// SaveState captures a deep copy of state as the newest pending entry. The
// entry is committed to the timeline once the debounce window closes, so a
// burst of rapid edits collapses into a single undo step.
func (m *Manager) SaveState(state interface{}) error {
	snapshot, err := json.Marshal(state)
	if err != nil {
		return syncerrors.NewValidationError(syncerrors.OpSnapshot,
			fmt.Errorf("state is not serializable: %w", err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = snapshot
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.opts.Debounce, func() {
		m.mu.Lock()
		m.commitLocked()
		m.mu.Unlock()
	})
	return nil
}

// Flush commits any pending snapshot immediately, closing the debounce
// window early.
func (m *Manager) Flush() {
	m.mu.Lock()
	m.commitLocked()
	m.mu.Unlock()
}

// commitLocked moves the pending snapshot into the timeline. A new entry
// discards everything past the cursor: once you edit, the redo branch is
// gone.
func (m *Manager) commitLocked() {
	if m.pending == nil {
		return
	}
	snapshot := m.pending
	m.pending = nil
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	m.entries = append(m.entries[:m.pos+1], snapshot)
	m.pos = len(m.entries) - 1

	if len(m.entries) > m.opts.Capacity {
		overflow := len(m.entries) - m.opts.Capacity
		m.entries = append([]json.RawMessage(nil), m.entries[overflow:]...)
		m.pos -= overflow
		if m.pos < 0 {
			m.pos = 0
		}
		m.dropped += overflow
	}
}

// Undo steps the cursor back one entry and restores it. At the oldest entry
// it is a no-op and reports false.
func (m *Manager) Undo() (bool, error) {
	m.mu.Lock()
	m.commitLocked()
	if m.pos <= 0 {
		m.mu.Unlock()
		return false, nil
	}
	m.pos--
	snapshot := m.entries[m.pos]
	m.mu.Unlock()

	if err := m.restore(snapshot); err != nil {
		m.mu.Lock()
		m.pos++
		m.mu.Unlock()
		return false, syncerrors.New(syncerrors.OpRecover,
			fmt.Errorf("restoring undo snapshot: %w", err))
	}
	return true, nil
}

// Redo steps the cursor forward one entry and restores it. At the newest
// entry it is a no-op and reports false.
func (m *Manager) Redo() (bool, error) {
	m.mu.Lock()
	m.commitLocked()
	if m.pos >= len(m.entries)-1 {
		m.mu.Unlock()
		return false, nil
	}
	m.pos++
	snapshot := m.entries[m.pos]
	m.mu.Unlock()

	if err := m.restore(snapshot); err != nil {
		m.mu.Lock()
		m.pos--
		m.mu.Unlock()
		return false, syncerrors.New(syncerrors.OpRecover,
			fmt.Errorf("restoring redo snapshot: %w", err))
	}
	return true, nil
}

// CanUndo reports whether an older entry exists.
func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		return m.pos >= 0
	}
	return m.pos > 0
}

// CanRedo reports whether a newer entry exists past the cursor.
func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending == nil && m.pos < len(m.entries)-1
}

// Stats reports timeline size, cursor position, and drop count.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Entries: len(m.entries), Position: m.pos, Dropped: m.dropped}
}

// Clear wipes the timeline, for example when switching rooms.
func (m *Manager) Clear() {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.entries = nil
	m.pending = nil
	m.pos = -1
	m.mu.Unlock()
}
