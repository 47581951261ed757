package ingest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func writeFrame(w io.Writer, seq uint64, payload []byte) {
	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[0:8], seq)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(payload)))
	w.Write(hdr[:])
	w.Write(payload)
}

func TestReadFrameRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	writeFrame(&buf, 42, []byte(`{"voltage":[1]}`))
	writeFrame(&buf, 43, []byte(`{}`))

	seq, payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if seq != 42 || string(payload) != `{"voltage":[1]}` {
		t.Fatalf("got seq=%d payload=%q", seq, payload)
	}

	seq, payload, err = ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if seq != 43 || string(payload) != `{}` {
		t.Fatalf("got seq=%d payload=%q", seq, payload)
	}

	if _, _, err := ReadFrame(&buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF at stream end, got %v", err)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[0:8], 1)
	binary.BigEndian.PutUint32(hdr[8:12], maxPayloadSize+1)
	buf.Write(hdr[:])

	if _, _, err := ReadFrame(&buf); err == nil {
		t.Fatalf("expected oversized length prefix to be rejected")
	}
}

func TestReadFrameShortPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[0:8], 1)
	binary.BigEndian.PutUint32(hdr[8:12], 100)
	buf.Write(hdr[:])
	buf.WriteString("short")

	if _, _, err := ReadFrame(&buf); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF on a truncated payload, got %v", err)
	}
}
