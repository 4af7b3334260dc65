package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ============================================================================
// LENGTH-PREFIXED BINARY FRAMING (gateway <-> store server)
// ============================================================================

// headerSize is the size of the length prefix: a 4-byte network-byte-order
// unsigned payload length.
const headerSize = 4

// MaxFrameSize bounds a single framed payload. Anything larger is treated as
// a corrupt prefix rather than a legitimate message.
const MaxFrameSize = 32 << 20 // 32 MiB

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes (max %d)", len(payload), MaxFrameSize)
	}

	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. A peer close before the
// full payload arrives is a protocol error (io.ErrUnexpectedEOF).
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes (max %d)", size, MaxFrameSize)
	}

	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return payload, nil
}
