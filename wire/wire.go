// Package wire defines the binary envelope exchanged between transport
// clients and the relay server. Every frame is self-describing: a fixed magic,
// a format version, a message kind, an xxhash64 checksum of the body, and a
// length-prefixed body. A frame that fails any of those checks is rejected
// whole; partial application is never possible at this layer.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash"

	syncerrors "github.com/collabcanvas/go-canvas-sync/errors"
)

// Kind identifies the logical message family of a frame.
type Kind byte

const (
	// KindDelta carries an incremental replicated-store update.
	KindDelta Kind = 0x01
	// KindSnapshot carries a full document state for bootstrapping a joiner.
	KindSnapshot Kind = 0x02
	// KindSnapshotRequest asks the peer for a full snapshot.
	KindSnapshotRequest Kind = 0x03
	// KindAwareness carries an ephemeral presence blob, replaced wholesale.
	KindAwareness Kind = 0x10
	// KindPing and KindPong ride the connection for application liveness.
	KindPing Kind = 0x20
	KindPong Kind = 0x21
)

func (k Kind) String() string {
	switch k {
	case KindDelta:
		return "delta"
	case KindSnapshot:
		return "snapshot"
	case KindSnapshotRequest:
		return "snapshot_request"
	case KindAwareness:
		return "awareness"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(k))
	}
}

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDelta, KindSnapshot, KindSnapshotRequest, KindAwareness, KindPing, KindPong:
		return true
	}
	return false
}

const (
	// formatVersion is bumped on incompatible envelope changes.
	formatVersion byte = 1

	// headerSize is magic(4) + version(1) + kind(1) + checksum(8) + length(4).
	headerSize = 18

	// DefaultMaxBodySize bounds the body of a single frame. The relay also
	// enforces this at the websocket read layer.
	DefaultMaxBodySize = 1 << 20 // 1 MiB
)

var magic = [4]byte{'C', 'S', 'K', '1'}

// Message is a decoded frame.
type Message struct {
	Kind Kind
	Body []byte
}

// Encode serializes a message into the binary envelope.
func Encode(kind Kind, body []byte) []byte {
	buf := make([]byte, headerSize+len(body))
	copy(buf[0:4], magic[:])
	buf[4] = formatVersion
	buf[5] = byte(kind)
	binary.BigEndian.PutUint64(buf[6:14], xxhash.Sum64(body))
	binary.BigEndian.PutUint32(buf[14:18], uint32(len(body)))
	copy(buf[headerSize:], body)
	return buf
}

// Decode parses and validates a frame. maxBodySize <= 0 falls back to
// DefaultMaxBodySize.
func Decode(frame []byte, maxBodySize int) (Message, error) {
	if maxBodySize <= 0 {
		maxBodySize = DefaultMaxBodySize
	}

	if len(frame) < headerSize {
		return Message{}, syncerrors.NewProtocolError(syncerrors.OpReceive,
			fmt.Errorf("frame too short: %d bytes", len(frame)))
	}
	if [4]byte(frame[0:4]) != magic {
		return Message{}, syncerrors.NewProtocolError(syncerrors.OpReceive,
			fmt.Errorf("bad magic %q", frame[0:4]))
	}
	if frame[4] != formatVersion {
		return Message{}, syncerrors.NewProtocolError(syncerrors.OpReceive,
			fmt.Errorf("unsupported format version %d", frame[4]))
	}

	kind := Kind(frame[5])
	if !kind.Valid() {
		return Message{}, syncerrors.NewProtocolError(syncerrors.OpReceive,
			fmt.Errorf("unknown message kind 0x%02x", frame[5]))
	}

	bodyLen := int(binary.BigEndian.Uint32(frame[14:18]))
	if bodyLen > maxBodySize {
		return Message{}, syncerrors.NewProtocolError(syncerrors.OpReceive,
			fmt.Errorf("body of %d bytes exceeds limit of %d", bodyLen, maxBodySize))
	}
	if len(frame) != headerSize+bodyLen {
		return Message{}, syncerrors.NewProtocolError(syncerrors.OpReceive,
			fmt.Errorf("frame length %d does not match declared body length %d", len(frame), bodyLen))
	}

	body := frame[headerSize:]
	if sum := xxhash.Sum64(body); sum != binary.BigEndian.Uint64(frame[6:14]) {
		return Message{}, syncerrors.NewProtocolError(syncerrors.OpReceive,
			fmt.Errorf("checksum mismatch"))
	}

	out := make([]byte, bodyLen)
	copy(out, body)
	return Message{Kind: kind, Body: out}, nil
}
