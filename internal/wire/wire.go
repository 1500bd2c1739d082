// Package wire implements the length-prefixed JSON frame format shared by
// the daemon client (package daemon) and the in-process fake daemon used in
// tests (package testdaemon), so both sides exercise identical framing code.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MaxFrameBytes bounds a single frame body.
const MaxFrameBytes = 1 << 20

// Frame is the wire envelope: a type tag plus an opaque JSON payload.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Write encodes v as a Frame body tagged typ and writes the length-prefixed
// frame to w. mu, if non-nil, is locked for the duration of the write so
// concurrent writers (e.g. request replies racing an event broadcast) don't
// interleave their bytes.
func Write(w io.Writer, mu *sync.Mutex, typ string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: encode %s: %w", typ, err)
	}
	body, err := json.Marshal(Frame{Type: typ, Payload: payload})
	if err != nil {
		return fmt.Errorf("wire: encode frame %s: %w", typ, err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))

	if mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// Read blocks until one full frame is available on r and decodes it.
func Read(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameBytes {
		return Frame{}, fmt.Errorf("wire: frame too large (%d bytes)", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, fmt.Errorf("wire: decode frame: %w", err)
	}
	return f, nil
}
