// Package ingest reads framed JSON documents off a TCP connection and
// stages them into a buffer.Pool. Framing itself (seq + length prefix)
// is a wire contract the upstream JSON generator defines; Ingest only
// needs to decode it.
package ingest

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxPayloadSize bounds a single frame's declared length, guarding
// against a corrupt or malicious length prefix causing an unbounded
// allocation.
const maxPayloadSize = 64 << 20

// ReadFrame decodes one frame from r: an 8-byte big-endian sequence
// number, a 4-byte big-endian payload length, then that many bytes of
// JSON payload (without its trailing newline; Ingest adds that when
// appending to a buffer).
func ReadFrame(r io.Reader) (seq uint64, payload []byte, err error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	seq = binary.BigEndian.Uint64(hdr[0:8])
	length := binary.BigEndian.Uint32(hdr[8:12])
	if length > maxPayloadSize {
		return 0, nil, fmt.Errorf("ingest: frame length %d exceeds max %d", length, maxPayloadSize)
	}

	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return seq, payload, nil
}
