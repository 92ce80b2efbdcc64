package store

import (
	"encoding/json"
	"fmt"

	syncerrors "github.com/collabcanvas/go-canvas-sync/errors"
)

// writeSet is the JSON body carried inside delta and snapshot frames. The
// version field lets a replica reject bodies from an incompatible codec.
type writeSet struct {
	Version int          `json:"v"`
	Writes  []FieldWrite `json:"writes"`
}

const writeSetVersion = 1

// maxWritesPerSet bounds a single delta or snapshot body. Bodies carrying
// more writes than this are rejected whole.
const maxWritesPerSet = 100000

// EncodeWrites serializes a write-set into a delta/snapshot body.
func EncodeWrites(writes []FieldWrite) []byte {
	body, err := json.Marshal(writeSet{Version: writeSetVersion, Writes: writes})
	if err != nil {
		// FieldWrite contains only marshalable fields.
		panic(err)
	}
	return body
}

// DecodeWrites parses a delta/snapshot body. Unknown body versions and
// structurally broken payloads are rejected whole.
func DecodeWrites(body []byte) ([]FieldWrite, error) {
	var ws writeSet
	if err := json.Unmarshal(body, &ws); err != nil {
		return nil, syncerrors.NewProtocolError(syncerrors.OpApplyDelta, fmt.Errorf("malformed write-set: %w", err))
	}
	if ws.Version != writeSetVersion {
		return nil, syncerrors.NewProtocolError(syncerrors.OpApplyDelta, fmt.Errorf("unsupported write-set version %d", ws.Version))
	}
	if len(ws.Writes) > maxWritesPerSet {
		return nil, syncerrors.NewProtocolError(syncerrors.OpApplyDelta, fmt.Errorf("write-set of %d writes exceeds limit", len(ws.Writes)))
	}
	return ws.Writes, nil
}
