// Package pool maintains warm worker subprocesses pinned to one function
// version each. Leasing a warm worker skips source loading and dependency
// resolution, which dominate cold-start latency.
package pool

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/stratabase/strata/internal/domain"
)

// maxFrameSize bounds a single frame so a misbehaving worker cannot make
// the host allocate unbounded memory.
const maxFrameSize = 32 << 20

// WriteFrame writes v as one length-prefixed JSON frame: a 4-byte big-endian
// payload length followed by the payload.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit: %w", len(payload), domain.ErrProtocol)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame into v. Unparseable framing
// or oversized frames are protocol errors.
func ReadFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return fmt.Errorf("stream closed before frame: %w", err)
		}
		return fmt.Errorf("read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit: %w", size, domain.ErrProtocol)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal frame: %v: %w", err, domain.ErrProtocol)
	}
	return nil
}
