package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		body []byte
	}{
		{"delta with body", KindDelta, []byte(`[{"el":"e1"}]`)},
		{"empty ping", KindPing, nil},
		{"awareness blob", KindAwareness, []byte(`{"userId":"u1"}`)},
		{"snapshot request", KindSnapshotRequest, []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := Encode(tt.kind, tt.body)
			msg, err := Decode(frame, 0)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if msg.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", msg.Kind, tt.kind)
			}
			if !bytes.Equal(msg.Body, tt.body) && len(tt.body) > 0 {
				t.Errorf("Body = %q, want %q", msg.Body, tt.body)
			}
		})
	}
}

func TestDecode_RejectsMalformedFrames(t *testing.T) {
	good := Encode(KindDelta, []byte(`[]`))

	corruptMagic := append([]byte(nil), good...)
	corruptMagic[0] = 'X'

	corruptVersion := append([]byte(nil), good...)
	corruptVersion[4] = 99

	corruptKind := append([]byte(nil), good...)
	corruptKind[5] = 0x7f

	corruptBody := append([]byte(nil), good...)
	corruptBody[len(corruptBody)-1] ^= 0xff

	truncated := good[:len(good)-1]

	tests := []struct {
		name  string
		frame []byte
	}{
		{"too short", []byte{1, 2, 3}},
		{"bad magic", corruptMagic},
		{"bad version", corruptVersion},
		{"unknown kind", corruptKind},
		{"checksum mismatch", corruptBody},
		{"truncated body", truncated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.frame, 0); err == nil {
				t.Error("Decode() should reject malformed frame")
			}
		})
	}
}

func TestDecode_EnforcesBodyLimit(t *testing.T) {
	body := make([]byte, 128)
	frame := Encode(KindSnapshot, body)

	if _, err := Decode(frame, 64); err == nil {
		t.Error("Decode() should reject body above the configured limit")
	}
	if _, err := Decode(frame, 256); err != nil {
		t.Errorf("Decode() within limit error = %v", err)
	}
}

func TestDecode_CopiesBody(t *testing.T) {
	frame := Encode(KindDelta, []byte("abc"))
	msg, err := Decode(frame, 0)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	frame[len(frame)-1] = 'z'
	if string(msg.Body) != "abc" {
		t.Errorf("Body aliases the input frame")
	}
}
