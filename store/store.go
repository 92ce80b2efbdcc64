// Package store implements the replicated element store: an in-memory,
// causally-consistent container of canvas elements that merges concurrent
// edits deterministically without central locking.
//
// Every element is a map of independently-replicated field registers. A
// register holds the last written value together with an explicit
// version.Clock (Lamport counter + replica ID), so concurrent writes to
// different fields both survive and concurrent writes to the same field
// resolve to the same winner on every replica regardless of delivery order.
// Deletion is a tombstone register: a delete can only be overridden by a
// re-creation whose clock is causally after it, never by a stale create.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	syncerrors "github.com/collabcanvas/go-canvas-sync/errors"
	"github.com/collabcanvas/go-canvas-sync/logging"
	"github.com/collabcanvas/go-canvas-sync/version"
)

// Origin distinguishes local mutations from replicated ones.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

// ChangeKind classifies an entry on the change stream.
type ChangeKind int

const (
	ChangeCreated ChangeKind = iota
	ChangeUpdated
	ChangeRemoved
	ChangeMetadata
)

// Change is one entry on the aggregate change stream.
type Change struct {
	Kind      ChangeKind
	Origin    Origin
	ElementID string
	// Element is a deep copy of the post-change element. Nil for removals
	// and metadata changes.
	Element *Element
}

// Field paths used by the register map. Data payload keys are stored under
// the "data." prefix so each key replicates independently.
const (
	fieldCreated   = "~created"
	fieldType      = "type"
	fieldX         = "x"
	fieldY         = "y"
	fieldWidth     = "width"
	fieldHeight    = "height"
	fieldCreatedAt = "createdAt"
	fieldCreatedBy = "createdBy"
	dataPrefix     = "data."

	// metaElement is the pseudo-element carrying the room metadata map.
	metaElement = "~meta"
)

var scalarFields = map[string]struct{}{
	fieldCreated: {}, fieldType: {}, fieldX: {}, fieldY: {},
	fieldWidth: {}, fieldHeight: {}, fieldCreatedAt: {}, fieldCreatedBy: {},
}

// FieldWrite is the unit of replication: one stamped register write. Deltas
// and snapshots are both encoded as lists of field writes, which is what
// makes applying them commutative and idempotent.
type FieldWrite struct {
	Element   string          `json:"el"`
	Field     string          `json:"f,omitempty"`
	Value     json.RawMessage `json:"v,omitempty"`
	TS        int64           `json:"ts,omitempty"`
	Clock     version.Clock   `json:"clk"`
	Tombstone bool            `json:"del,omitempty"`
}

type register struct {
	value json.RawMessage
	ts    int64
	clock version.Clock
}

type elementState struct {
	fields    map[string]register
	tombstone *version.Clock
}

// visible reports whether the element exists from this replica's point of
// view: it has a creation register that is causally after any tombstone.
func (st *elementState) visible() bool {
	created, ok := st.fields[fieldCreated]
	if !ok {
		return false
	}
	if st.tombstone == nil {
		return true
	}
	return st.tombstone.Before(created.clock)
}

// Store is the replicated element store. All methods are safe for concurrent
// use; the local mutation path and the inbound network path serialize on one
// mutex, while cross-replica convergence relies on the merge rules rather
// than any global lock.
type Store struct {
	mu       sync.RWMutex
	source   *version.Source
	elements map[string]*elementState
	logger   *logging.Logger

	subMu      sync.Mutex
	nextSub    int
	changeSubs map[int]func(Change)
	deltaSubs  map[int]func([]byte)

	now func() time.Time
}

// New creates a store for the given replica ID. The replica ID becomes the
// tie-break component of every clock this store issues, so it must be unique
// per connection/session.
func New(replicaID string, logger *logging.Logger) (*Store, error) {
	source, err := version.NewSource(replicaID)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{
		source:     source,
		elements:   make(map[string]*elementState),
		logger:     logger.WithComponent(logging.ComponentStore),
		changeSubs: make(map[int]func(Change)),
		deltaSubs:  make(map[int]func([]byte)),
		now:        time.Now,
	}, nil
}

// Replica returns this store's replica ID.
func (s *Store) Replica() string {
	return s.source.Replica()
}

// SetElement inserts or replaces an element by ID. The element's type and
// data payload are validated against the closed per-type schema; unknown
// data keys are rejected rather than passed through.
func (s *Store) SetElement(el *Element) error {
	if el == nil || el.ID == "" {
		return syncerrors.NewValidationError(syncerrors.OpApplyDelta, fmt.Errorf("element ID cannot be empty"))
	}
	if el.ID == metaElement || strings.HasPrefix(el.ID, "~") {
		return syncerrors.NewValidationError(syncerrors.OpApplyDelta, fmt.Errorf("element ID %q is reserved", el.ID))
	}
	if err := ValidateData(el.Type, el.Data); err != nil {
		return syncerrors.NewValidationError(syncerrors.OpApplyDelta, err)
	}

	s.mu.Lock()
	clock := s.source.Tick()
	ts := s.now().UnixMilli()

	createdAt := el.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	writes := []FieldWrite{
		{Element: el.ID, Field: fieldCreated, Value: jsonTrue, TS: ts, Clock: clock},
		{Element: el.ID, Field: fieldType, Value: mustJSON(string(el.Type)), TS: ts, Clock: clock},
		{Element: el.ID, Field: fieldX, Value: mustJSON(el.X), TS: ts, Clock: clock},
		{Element: el.ID, Field: fieldY, Value: mustJSON(el.Y), TS: ts, Clock: clock},
		{Element: el.ID, Field: fieldCreatedAt, Value: mustJSON(createdAt.UnixMilli()), TS: ts, Clock: clock},
		{Element: el.ID, Field: fieldCreatedBy, Value: mustJSON(el.CreatedBy), TS: ts, Clock: clock},
	}
	if el.Width != nil {
		writes = append(writes, FieldWrite{Element: el.ID, Field: fieldWidth, Value: mustJSON(*el.Width), TS: ts, Clock: clock})
	}
	if el.Height != nil {
		writes = append(writes, FieldWrite{Element: el.ID, Field: fieldHeight, Value: mustJSON(*el.Height), TS: ts, Clock: clock})
	}
	for key, value := range el.Data {
		writes = append(writes, FieldWrite{Element: el.ID, Field: dataPrefix + key, Value: append(json.RawMessage(nil), value...), TS: ts, Clock: clock})
	}
	// Data keys present from an earlier version of the element but absent in
	// the replacement are overwritten with null so the replacement is total.
	if st, ok := s.elements[el.ID]; ok {
		for field := range st.fields {
			if !strings.HasPrefix(field, dataPrefix) {
				continue
			}
			key := strings.TrimPrefix(field, dataPrefix)
			if _, present := el.Data[key]; !present {
				writes = append(writes, FieldWrite{Element: el.ID, Field: field, Value: jsonNull, TS: ts, Clock: clock})
			}
		}
	}

	changes := s.applyWritesLocked(writes, OriginLocal)
	s.mu.Unlock()

	s.emit(writes, changes)
	return nil
}

// MoveElement updates an element's position.
func (s *Store) MoveElement(id string, x, y float64) error {
	return s.writeFields(id, map[string]json.RawMessage{
		fieldX: mustJSON(x),
		fieldY: mustJSON(y),
	})
}

// ResizeElement updates an element's measured bounds.
func (s *Store) ResizeElement(id string, width, height float64) error {
	return s.writeFields(id, map[string]json.RawMessage{
		fieldWidth:  mustJSON(width),
		fieldHeight: mustJSON(height),
	})
}

// SetDataField writes one key of an element's data payload. Concurrent
// writes to different keys of the same element both survive.
func (s *Store) SetDataField(id, key string, value json.RawMessage) error {
	s.mu.RLock()
	st, ok := s.elements[id]
	var elType ElementType
	if ok {
		if reg, has := st.fields[fieldType]; has {
			var typeName string
			_ = json.Unmarshal(reg.value, &typeName)
			elType = ElementType(typeName)
		}
	}
	s.mu.RUnlock()

	if !ok {
		return syncerrors.NewMergeError(syncerrors.OpApplyDelta, fmt.Errorf("unknown element %q", id))
	}
	if elType != "" {
		if err := ValidateDataKey(elType, key); err != nil {
			return syncerrors.NewValidationError(syncerrors.OpApplyDelta, err)
		}
	}
	if !json.Valid(value) {
		return syncerrors.NewValidationError(syncerrors.OpApplyDelta, fmt.Errorf("data key %q is not valid JSON", key))
	}

	return s.writeFields(id, map[string]json.RawMessage{dataPrefix + key: value})
}

// RemoveElement tombstones an element. The tombstone is retained so a stale,
// out-of-order create cannot resurrect the element.
func (s *Store) RemoveElement(id string) error {
	s.mu.Lock()
	if _, ok := s.elements[id]; !ok {
		s.mu.Unlock()
		return syncerrors.NewMergeError(syncerrors.OpApplyDelta, fmt.Errorf("unknown element %q", id))
	}
	clock := s.source.Tick()
	writes := []FieldWrite{{Element: id, Tombstone: true, TS: s.now().UnixMilli(), Clock: clock}}
	changes := s.applyWritesLocked(writes, OriginLocal)
	s.mu.Unlock()

	s.emit(writes, changes)
	return nil
}

func (s *Store) writeFields(id string, fields map[string]json.RawMessage) error {
	s.mu.Lock()
	st, ok := s.elements[id]
	if !ok || !st.visible() {
		s.mu.Unlock()
		return syncerrors.NewMergeError(syncerrors.OpApplyDelta, fmt.Errorf("unknown or deleted element %q", id))
	}

	clock := s.source.Tick()
	ts := s.now().UnixMilli()
	writes := make([]FieldWrite, 0, len(fields))
	for field, value := range fields {
		writes = append(writes, FieldWrite{Element: id, Field: field, Value: value, TS: ts, Clock: clock})
	}
	sort.Slice(writes, func(i, j int) bool { return writes[i].Field < writes[j].Field })

	changes := s.applyWritesLocked(writes, OriginLocal)
	s.mu.Unlock()

	s.emit(writes, changes)
	return nil
}

// SetMetadata writes one key of the room metadata map. Metadata is
// informational and last-writer-wins.
func (s *Store) SetMetadata(key string, value json.RawMessage) error {
	if key == "" {
		return syncerrors.NewValidationError(syncerrors.OpApplyDelta, fmt.Errorf("metadata key cannot be empty"))
	}
	if !json.Valid(value) {
		return syncerrors.NewValidationError(syncerrors.OpApplyDelta, fmt.Errorf("metadata key %q is not valid JSON", key))
	}

	s.mu.Lock()
	clock := s.source.Tick()
	writes := []FieldWrite{{Element: metaElement, Field: key, Value: value, TS: s.now().UnixMilli(), Clock: clock}}
	changes := s.applyWritesLocked(writes, OriginLocal)
	s.mu.Unlock()

	s.emit(writes, changes)
	return nil
}

// Metadata returns a copy of the room metadata map.
func (s *Store) Metadata() map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]json.RawMessage)
	if st, ok := s.elements[metaElement]; ok {
		for key, reg := range st.fields {
			out[key] = append(json.RawMessage(nil), reg.value...)
		}
	}
	return out
}

// GetElement returns a deep copy of the element, or ok=false if it does not
// exist or has been deleted.
func (s *Store) GetElement(id string) (*Element, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.elements[id]
	if !ok || id == metaElement || !st.visible() {
		return nil, false
	}
	return materialize(id, st), true
}

// AllElements returns deep copies of all live elements.
func (s *Store) AllElements() []*Element {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Element, 0, len(s.elements))
	for id, st := range s.elements {
		if id == metaElement || !st.visible() {
			continue
		}
		out = append(out, materialize(id, st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ElementsInViewport returns the live elements whose bounds overlap the given
// rectangle. Elements without measured bounds are always included so they are
// never culled before layout has sized them.
func (s *Store) ElementsInViewport(view Rect) []*Element {
	all := s.AllElements()
	out := make([]*Element, 0, len(all))
	for _, el := range all {
		bounds, ok := el.Bounds()
		if !ok || bounds.Intersects(view) {
			out = append(out, el)
		}
	}
	return out
}

// Len returns the number of live elements.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for id, st := range s.elements {
		if id != metaElement && st.visible() {
			n++
		}
	}
	return n
}

// ApplyDelta merges a replicated write-set into the store. The delta is
// validated in full before any write is applied: a malformed delta is
// rejected whole and the store state is untouched.
func (s *Store) ApplyDelta(body []byte) error {
	writes, err := DecodeWrites(body)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.checkWritesLocked(writes); err != nil {
		s.mu.Unlock()
		s.logger.Warn("rejecting delta", "error", err.Error())
		return err
	}
	changes := s.applyWritesLocked(writes, OriginRemote)
	s.mu.Unlock()

	s.notifyChanges(changes)
	return nil
}

// Snapshot serializes the complete replica state, including tombstones, so a
// fresh joiner can bootstrap from it.
func (s *Store) Snapshot() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var writes []FieldWrite
	ids := make([]string, 0, len(s.elements))
	for id := range s.elements {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		st := s.elements[id]
		fields := make([]string, 0, len(st.fields))
		for field := range st.fields {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			reg := st.fields[field]
			writes = append(writes, FieldWrite{
				Element: id, Field: field,
				Value: append(json.RawMessage(nil), reg.value...),
				TS:    reg.ts, Clock: reg.clock,
			})
		}
		if st.tombstone != nil {
			writes = append(writes, FieldWrite{Element: id, Tombstone: true, Clock: *st.tombstone})
		}
	}
	return EncodeWrites(writes)
}

// LoadSnapshot merges a full-state snapshot into the store. Under the merge
// conflict policy this is the whole reconciliation step: snapshots are
// write-sets, so loading one is commutative with any local edits made while
// offline. An empty snapshot (fresh room) is a no-op.
func (s *Store) LoadSnapshot(body []byte) error {
	writes, err := DecodeWrites(body)
	if err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}

	s.mu.Lock()
	if err := s.checkWritesLocked(writes); err != nil {
		s.mu.Unlock()
		s.logger.Warn("rejecting snapshot", "error", err.Error())
		return err
	}
	changes := s.applyWritesLocked(writes, OriginRemote)
	s.mu.Unlock()

	s.notifyChanges(changes)
	return nil
}

// Reset drops all replicated state but keeps the clock source, so subsequent
// local writes still dominate everything this replica has observed. Used by
// the "latest" conflict policy before adopting the server snapshot.
func (s *Store) Reset() {
	s.mu.Lock()
	s.elements = make(map[string]*elementState)
	s.mu.Unlock()
}

// OnChange subscribes to the aggregate change stream. The returned function
// removes the subscription.
func (s *Store) OnChange(fn func(Change)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.changeSubs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.changeSubs, id)
	}
}

// OnDelta subscribes to locally-originated encoded deltas, ready to be sent
// to the relay. Remote deltas are never echoed back through this stream.
func (s *Store) OnDelta(fn func([]byte)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.deltaSubs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.deltaSubs, id)
	}
}

// checkWritesLocked validates a write-set without mutating state.
func (s *Store) checkWritesLocked(writes []FieldWrite) error {
	if len(writes) == 0 {
		return syncerrors.NewProtocolError(syncerrors.OpApplyDelta, fmt.Errorf("empty write-set"))
	}

	// Types introduced by this same write-set, so create+update deltas can be
	// schema-checked before anything is applied.
	incomingTypes := make(map[string]ElementType)
	for _, w := range writes {
		if w.Field == fieldType && w.Element != metaElement {
			var typeName string
			if json.Unmarshal(w.Value, &typeName) == nil {
				incomingTypes[w.Element] = ElementType(typeName)
			}
		}
	}

	for _, w := range writes {
		if w.Element == "" {
			return syncerrors.NewProtocolError(syncerrors.OpApplyDelta, fmt.Errorf("write missing element ID"))
		}
		if w.Clock.IsZero() {
			return syncerrors.NewProtocolError(syncerrors.OpApplyDelta, fmt.Errorf("write for %q missing clock", w.Element))
		}
		if w.Tombstone {
			continue
		}
		if w.Field == "" {
			return syncerrors.NewProtocolError(syncerrors.OpApplyDelta, fmt.Errorf("write for %q missing field path", w.Element))
		}
		if len(w.Value) > 0 && !json.Valid(w.Value) {
			return syncerrors.NewProtocolError(syncerrors.OpApplyDelta, fmt.Errorf("write for %q field %q has invalid JSON value", w.Element, w.Field))
		}
		if w.Element == metaElement {
			continue
		}
		if _, ok := scalarFields[w.Field]; ok {
			if w.Field == fieldType {
				t := incomingTypes[w.Element]
				if !t.Valid() {
					return syncerrors.NewProtocolError(syncerrors.OpApplyDelta, fmt.Errorf("write for %q has unknown element type", w.Element))
				}
			}
			continue
		}
		if !strings.HasPrefix(w.Field, dataPrefix) {
			return syncerrors.NewProtocolError(syncerrors.OpApplyDelta, fmt.Errorf("write for %q has unknown field path %q", w.Element, w.Field))
		}
		key := strings.TrimPrefix(w.Field, dataPrefix)
		if key == "" {
			return syncerrors.NewProtocolError(syncerrors.OpApplyDelta, fmt.Errorf("write for %q has empty data key", w.Element))
		}
		if t, ok := s.elementTypeLocked(w.Element, incomingTypes); ok {
			if err := ValidateDataKey(t, key); err != nil {
				return syncerrors.NewMergeError(syncerrors.OpApplyDelta, err)
			}
		}
	}
	return nil
}

func (s *Store) elementTypeLocked(id string, incoming map[string]ElementType) (ElementType, bool) {
	if t, ok := incoming[id]; ok {
		return t, true
	}
	st, ok := s.elements[id]
	if !ok {
		return "", false
	}
	reg, ok := st.fields[fieldType]
	if !ok {
		return "", false
	}
	var typeName string
	if json.Unmarshal(reg.value, &typeName) != nil {
		return "", false
	}
	return ElementType(typeName), true
}

// applyWritesLocked merges a validated write-set and returns the resulting
// change-stream entries. Applying is per-register max-merge, so it is both
// commutative and idempotent.
func (s *Store) applyWritesLocked(writes []FieldWrite, origin Origin) []Change {
	touched := make(map[string]bool) // id -> was visible before
	order := make([]string, 0, len(writes))
	metaChanged := false

	for _, w := range writes {
		st, ok := s.elements[w.Element]
		if !ok {
			st = &elementState{fields: make(map[string]register)}
			s.elements[w.Element] = st
		}
		if _, seen := touched[w.Element]; !seen && w.Element != metaElement {
			touched[w.Element] = st.visible()
			order = append(order, w.Element)
		}

		if origin == OriginRemote {
			s.source.Observe(w.Clock)
		}

		if w.Tombstone {
			if st.tombstone == nil || st.tombstone.Before(w.Clock) {
				clock := w.Clock
				st.tombstone = &clock
			}
			continue
		}
		if w.Element == metaElement {
			metaChanged = true
		}
		existing, has := st.fields[w.Field]
		if !has || existing.clock.Before(w.Clock) {
			st.fields[w.Field] = register{
				value: append(json.RawMessage(nil), w.Value...),
				ts:    w.TS,
				clock: w.Clock,
			}
		}
	}

	var changes []Change
	for _, id := range order {
		st := s.elements[id]
		wasVisible := touched[id]
		nowVisible := st.visible()
		switch {
		case nowVisible && !wasVisible:
			changes = append(changes, Change{Kind: ChangeCreated, Origin: origin, ElementID: id, Element: materialize(id, st)})
		case nowVisible && wasVisible:
			changes = append(changes, Change{Kind: ChangeUpdated, Origin: origin, ElementID: id, Element: materialize(id, st)})
		case !nowVisible && wasVisible:
			changes = append(changes, Change{Kind: ChangeRemoved, Origin: origin, ElementID: id})
		}
	}
	if metaChanged {
		changes = append(changes, Change{Kind: ChangeMetadata, Origin: origin, ElementID: metaElement})
	}
	return changes
}

// emit delivers a locally-originated write-set to delta subscribers and its
// changes to change subscribers. Called without the state lock held.
func (s *Store) emit(writes []FieldWrite, changes []Change) {
	body := EncodeWrites(writes)

	s.subMu.Lock()
	deltaSubs := make([]func([]byte), 0, len(s.deltaSubs))
	for _, fn := range s.deltaSubs {
		deltaSubs = append(deltaSubs, fn)
	}
	s.subMu.Unlock()

	for _, fn := range deltaSubs {
		s.invoke(func() { fn(body) })
	}
	s.notifyChanges(changes)
}

func (s *Store) notifyChanges(changes []Change) {
	if len(changes) == 0 {
		return
	}
	s.subMu.Lock()
	subs := make([]func(Change), 0, len(s.changeSubs))
	for _, fn := range s.changeSubs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()

	for _, change := range changes {
		for _, fn := range subs {
			c := change
			s.invoke(func() { fn(c) })
		}
	}
}

// invoke shields the store from panicking consumer callbacks.
func (s *Store) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscriber panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// materialize builds an Element value from the register map.
func materialize(id string, st *elementState) *Element {
	el := &Element{ID: id, Data: make(map[string]json.RawMessage)}
	var maxTS int64

	for field, reg := range st.fields {
		if reg.ts > maxTS {
			maxTS = reg.ts
		}
		switch field {
		case fieldCreated:
			// existence marker only
		case fieldType:
			var typeName string
			_ = json.Unmarshal(reg.value, &typeName)
			el.Type = ElementType(typeName)
		case fieldX:
			_ = json.Unmarshal(reg.value, &el.X)
		case fieldY:
			_ = json.Unmarshal(reg.value, &el.Y)
		case fieldWidth:
			var w float64
			if json.Unmarshal(reg.value, &w) == nil && string(reg.value) != "null" {
				el.Width = &w
			}
		case fieldHeight:
			var h float64
			if json.Unmarshal(reg.value, &h) == nil && string(reg.value) != "null" {
				el.Height = &h
			}
		case fieldCreatedAt:
			var millis int64
			if json.Unmarshal(reg.value, &millis) == nil {
				el.CreatedAt = time.UnixMilli(millis).UTC()
			}
		case fieldCreatedBy:
			_ = json.Unmarshal(reg.value, &el.CreatedBy)
		default:
			if strings.HasPrefix(field, dataPrefix) && string(reg.value) != "null" {
				el.Data[strings.TrimPrefix(field, dataPrefix)] = append(json.RawMessage(nil), reg.value...)
			}
		}
	}
	if len(el.Data) == 0 {
		el.Data = nil
	}
	el.UpdatedAt = time.UnixMilli(maxTS).UTC()
	return el
}

var (
	jsonTrue = json.RawMessage(`true`)
	jsonNull = json.RawMessage(`null`)
)

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
