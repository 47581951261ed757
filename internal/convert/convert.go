// Package convert turns parsed Arrow record batches into size-bounded
// Arrow IPC messages: Resizer splits batches to respect a row cap,
// Serializer encodes each to an IPC stream message and enforces a
// byte cap, and the converter worker loop in worker.go drives both over
// buffers pulled from the BufferPool.
package convert

import (
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/vectorfeed/vectorfeed/internal/latency"
)

// IpcMessage is one serialized Arrow IPC stream message ready for
// publishing, tagged with the sequence range and row count it covers and
// (if sampled) the latency timepoints collected for it so far.
type IpcMessage struct {
	Payload    []byte
	SeqFirst   uint64
	SeqLast    uint64
	NumRows    int64
	TimePoints latency.Points
}

// recordSeqRange carries the sequence bounds alongside an arrow.Record
// as it moves through Resize and Serialize; Arrow records themselves
// have no notion of the ingest-level sequence numbers.
type recordSeqRange struct {
	rec      arrow.Record
	seqFirst uint64
	seqLast  uint64
}
