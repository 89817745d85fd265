package transport

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	parts := [][]byte{[]byte("alice"), []byte(`{"x":1}`), {}}
	if err := writeFrame(&buf, kindRequest, "notifier.validate", parts); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	f, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if f.kind != kindRequest {
		t.Fatalf("expected kindRequest, got %v", f.kind)
	}
	if f.method != "notifier.validate" {
		t.Fatalf("expected method notifier.validate, got %q", f.method)
	}
	if len(f.parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(f.parts))
	}
	if string(f.parts[0]) != "alice" || string(f.parts[1]) != `{"x":1}` {
		t.Fatalf("unexpected part contents: %v", f.parts)
	}
}

func TestFrameRejectsOversizedPart(t *testing.T) {
	var buf bytes.Buffer
	// Hand-craft a length prefix claiming an absurd size.
	buf.WriteByte(byte(kindCommand))
	writeLP(&buf, []byte("ping"))
	buf.Write([]byte{0, 0, 0, 1})
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})

	if _, err := readFrame(&buf); err == nil {
		t.Fatalf("expected error for oversized part length")
	}
}

func TestFrameZeroParts(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, kindCommand, "ping", nil); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	f, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if len(f.parts) != 0 {
		t.Fatalf("expected 0 parts, got %d", len(f.parts))
	}
}
