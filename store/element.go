package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// ElementType is the closed set of drawable element kinds.
type ElementType string

const (
	TypeLine       ElementType = "line"
	TypeStickyNote ElementType = "sticky-note"
	TypeFrame      ElementType = "frame"
	TypeText       ElementType = "text"
	TypeShape      ElementType = "shape"
	TypeImage      ElementType = "image"
)

// Valid reports whether t names a known element type.
func (t ElementType) Valid() bool {
	switch t {
	case TypeLine, TypeStickyNote, TypeFrame, TypeText, TypeShape, TypeImage:
		return true
	}
	return false
}

// Rect is an axis-aligned bounding box.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Intersects reports whether the two rectangles overlap. Edges are inclusive,
// so zero-width or zero-height elements that merely touch a viewport edge
// still count as visible.
func (r Rect) Intersects(o Rect) bool {
	return r.X <= o.X+o.W && o.X <= r.X+r.W &&
		r.Y <= o.Y+o.H && o.Y <= r.Y+r.H
}

// Element is the unit of replication: one drawable object on the canvas.
//
// The Data payload is a flat key-value structure so that concurrent edits to
// different keys merge independently in the store.
type Element struct {
	ID        string                     `json:"id"`
	Type      ElementType                `json:"type"`
	X         float64                    `json:"x"`
	Y         float64                    `json:"y"`
	Width     *float64                   `json:"width,omitempty"`
	Height    *float64                   `json:"height,omitempty"`
	Data      map[string]json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time                  `json:"createdAt"`
	UpdatedAt time.Time                  `json:"updatedAt"`
	CreatedBy string                     `json:"createdBy"`
}

// Bounds returns the element's bounding box. Elements without measured
// width/height report ok=false; callers treat those as always visible so a
// freshly created or unmeasured element is never culled.
func (e *Element) Bounds() (Rect, bool) {
	if e.Width == nil || e.Height == nil {
		return Rect{}, false
	}
	return Rect{X: e.X, Y: e.Y, W: *e.Width, H: *e.Height}, true
}

// Clone returns a deep copy of the element.
func (e *Element) Clone() *Element {
	out := *e
	if e.Width != nil {
		w := *e.Width
		out.Width = &w
	}
	if e.Height != nil {
		h := *e.Height
		out.Height = &h
	}
	if e.Data != nil {
		out.Data = make(map[string]json.RawMessage, len(e.Data))
		for k, v := range e.Data {
			out.Data[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &out
}

// dataSchemas lists the allowed data keys per element type. Payloads are a
// tagged union: unknown keys are rejected at the boundary instead of being
// passed through untyped.
var dataSchemas = map[ElementType]map[string]struct{}{
	TypeLine: {
		"points": {}, "strokeColor": {}, "strokeWidth": {},
	},
	TypeStickyNote: {
		"text": {}, "color": {}, "fontSize": {},
	},
	TypeFrame: {
		"title": {}, "background": {},
	},
	TypeText: {
		"text": {}, "fontSize": {}, "fontFamily": {}, "color": {},
	},
	TypeShape: {
		"kind": {}, "fill": {}, "strokeColor": {}, "strokeWidth": {},
	},
	TypeImage: {
		"url": {}, "naturalWidth": {}, "naturalHeight": {},
	},
}

// ValidateData checks a data payload against the schema for the element type.
// It returns the first offending key, keeping diagnostics small.
func ValidateData(t ElementType, data map[string]json.RawMessage) error {
	if !t.Valid() {
		return fmt.Errorf("unknown element type %q", t)
	}
	allowed := dataSchemas[t]
	for key, value := range data {
		if _, ok := allowed[key]; !ok {
			return fmt.Errorf("element type %q does not allow data key %q", t, key)
		}
		if !json.Valid(value) {
			return fmt.Errorf("data key %q is not valid JSON", key)
		}
	}
	return nil
}

// ValidateDataKey checks a single data key for the element type.
func ValidateDataKey(t ElementType, key string) error {
	if !t.Valid() {
		return fmt.Errorf("unknown element type %q", t)
	}
	if _, ok := dataSchemas[t][key]; !ok {
		return fmt.Errorf("element type %q does not allow data key %q", t, key)
	}
	return nil
}
