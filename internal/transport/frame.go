package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxPartSize bounds a single frame part, guarding against a peer
// claiming an absurd length prefix and exhausting memory on read.
const maxPartSize = 16 << 20

// kind distinguishes a request (reply expected) from a command (none).
type kind uint8

const (
	kindCommand kind = 0
	kindRequest kind = 1
	kindReply   kind = 2
)

// writeFrame writes one call frame: kind byte, method length-prefixed
// string, then a length-prefixed list of parts.
func writeFrame(w io.Writer, k kind, method string, parts [][]byte) error {
	if _, err := w.Write([]byte{byte(k)}); err != nil {
		return err
	}
	if err := writeLP(w, []byte(method)); err != nil {
		return err
	}
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(parts)))
	if _, err := w.Write(countBuf[:]); err != nil {
		return err
	}
	for _, p := range parts {
		if err := writeLP(w, p); err != nil {
			return err
		}
	}
	return nil
}

func writeLP(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readLP(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxPartSize {
		return nil, fmt.Errorf("transport: frame part too large (%d bytes)", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

type frame struct {
	kind   kind
	method string
	parts  [][]byte
}

func readFrame(r io.Reader) (*frame, error) {
	var kindBuf [1]byte
	if _, err := io.ReadFull(r, kindBuf[:]); err != nil {
		return nil, err
	}
	methodBytes, err := readLP(r)
	if err != nil {
		return nil, err
	}
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(countBuf[:])
	if count > 1<<16 {
		return nil, fmt.Errorf("transport: frame part count too large (%d)", count)
	}
	parts := make([][]byte, count)
	for i := range parts {
		p, err := readLP(r)
		if err != nil {
			return nil, err
		}
		parts[i] = p
	}
	return &frame{kind: kind(kindBuf[0]), method: string(methodBytes), parts: parts}, nil
}
