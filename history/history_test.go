package history

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

type canvasState struct {
	Notes []string `json:"notes"`
}

// harness wires a Manager to an in-memory canvas state.
type harness struct {
	m       *Manager
	current canvasState
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{}
	m, err := NewManager(opts, func(snapshot json.RawMessage) error {
		var st canvasState
		if err := json.Unmarshal(snapshot, &st); err != nil {
			return err
		}
		h.current = st
		return nil
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	h.m = m
	return h
}

// edit applies a change and records it, closing the debounce window.
func (h *harness) edit(t *testing.T, note string) {
	t.Helper()
	h.current.Notes = append(h.current.Notes, note)
	if err := h.m.SaveState(h.current); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}
	h.m.Flush()
}

func TestNewManager_RequiresRestore(t *testing.T) {
	if _, err := NewManager(Options{}, nil); err == nil {
		t.Error("NewManager(nil restore) should fail")
	}
}

func TestUndoRedo_RoundTrip(t *testing.T) {
	h := newHarness(t, Options{})
	h.edit(t, "a")
	h.edit(t, "b")
	h.edit(t, "c")

	ok, err := h.m.Undo()
	if err != nil || !ok {
		t.Fatalf("Undo() = %v, %v", ok, err)
	}
	if got := fmt.Sprint(h.current.Notes); got != "[a b]" {
		t.Errorf("after undo, notes = %v", h.current.Notes)
	}

	ok, err = h.m.Redo()
	if err != nil || !ok {
		t.Fatalf("Redo() = %v, %v", ok, err)
	}
	if got := fmt.Sprint(h.current.Notes); got != "[a b c]" {
		t.Errorf("after redo, notes = %v", h.current.Notes)
	}
}

func TestUndo_BoundaryIsNoOp(t *testing.T) {
	h := newHarness(t, Options{})
	h.edit(t, "only")

	// The baseline entry cannot be undone past.
	if ok, _ := h.m.Undo(); ok {
		t.Error("Undo() at the oldest entry should be a no-op")
	}
	if ok, _ := h.m.Redo(); ok {
		t.Error("Redo() at the newest entry should be a no-op")
	}
	if len(h.current.Notes) != 1 {
		t.Errorf("boundary no-ops must not mutate state: %v", h.current.Notes)
	}
}

func TestNewEdit_TruncatesRedoBranch(t *testing.T) {
	h := newHarness(t, Options{})
	h.edit(t, "a")
	h.edit(t, "b")
	h.edit(t, "c")

	h.m.Undo()
	h.m.Undo() // back at [a]

	// A fresh edit forks the timeline; "b" and "c" are gone.
	h.current.Notes = []string{"a", "z"}
	h.m.SaveState(h.current)
	h.m.Flush()

	if h.m.CanRedo() {
		t.Error("CanRedo() after a fresh edit should be false")
	}
	if ok, _ := h.m.Redo(); ok {
		t.Error("Redo() should find nothing past the fork")
	}
	if st := h.m.Stats(); st.Entries != 2 {
		t.Errorf("Entries = %d, want 2 (baseline + fork)", st.Entries)
	}
}

func TestDebounce_CoalescesRapidEdits(t *testing.T) {
	h := newHarness(t, Options{Debounce: 20 * time.Millisecond})
	h.edit(t, "base")

	// Ten rapid saves inside one debounce window become one entry.
	for i := 0; i < 10; i++ {
		h.current.Notes = append(h.current.Notes, fmt.Sprintf("n%d", i))
		if err := h.m.SaveState(h.current); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(60 * time.Millisecond)

	if st := h.m.Stats(); st.Entries != 2 {
		t.Fatalf("Entries = %d, want 2 (burst coalesced)", st.Entries)
	}

	// One undo rewinds the whole burst.
	if ok, err := h.m.Undo(); !ok || err != nil {
		t.Fatalf("Undo() = %v, %v", ok, err)
	}
	if got := fmt.Sprint(h.current.Notes); got != "[base]" {
		t.Errorf("after undo, notes = %v", h.current.Notes)
	}
}

func TestCapacity_DropsOldestAndClampsCursor(t *testing.T) {
	h := newHarness(t, Options{Capacity: 5})
	for i := 0; i < 8; i++ {
		h.edit(t, fmt.Sprintf("n%d", i))
	}

	st := h.m.Stats()
	if st.Entries != 5 {
		t.Errorf("Entries = %d, want capacity 5", st.Entries)
	}
	if st.Dropped != 3 {
		t.Errorf("Dropped = %d, want 3", st.Dropped)
	}
	if st.Position != 4 {
		t.Errorf("Position = %d, want newest entry", st.Position)
	}

	// Only four undos remain before hitting the (shifted) oldest entry.
	undos := 0
	for {
		ok, err := h.m.Undo()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		undos++
	}
	if undos != 4 {
		t.Errorf("undo steps = %d, want 4", undos)
	}
	if got := fmt.Sprint(h.current.Notes); got != "[n0 n1 n2 n3]" {
		t.Errorf("oldest reachable state = %v", h.current.Notes)
	}
}

func TestSnapshotsAreDeepCopies(t *testing.T) {
	h := newHarness(t, Options{})
	h.edit(t, "a")
	h.edit(t, "b")

	// Mutating live state after saving must not rewrite history.
	h.current.Notes[0] = "corrupted"

	if ok, err := h.m.Undo(); !ok || err != nil {
		t.Fatalf("Undo() = %v, %v", ok, err)
	}
	if h.current.Notes[0] != "a" {
		t.Errorf("snapshot aliased live state: %v", h.current.Notes)
	}
}

func TestClear_ResetsTimeline(t *testing.T) {
	h := newHarness(t, Options{})
	h.edit(t, "a")
	h.m.Clear()

	if st := h.m.Stats(); st.Entries != 0 || st.Position != -1 {
		t.Errorf("Stats() after Clear = %+v", st)
	}
	if h.m.CanUndo() || h.m.CanRedo() {
		t.Error("cleared timeline should have nothing to undo or redo")
	}
}
