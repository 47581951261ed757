// Package buffer implements the fixed-size JsonBuffer pool that sits
// between Ingest and the converter threads: a round-robin-scanned array
// of individually locked buffers, since downstream converters need
// random, non-FIFO access to whichever buffer last filled.
package buffer

// JsonBuffer holds a run of newline-delimited JSON documents plus the
// sequence-number range they cover.
type JsonBuffer struct {
	Data     []byte
	Capacity int
	Size     int
	SeqFirst uint64
	SeqLast  uint64
	NumJSONs int
}

// Reset clears a JsonBuffer for reuse without releasing its backing
// allocation. Callers must hold the buffer's slot lock.
func (b *JsonBuffer) Reset() {
	b.Size = 0
	b.SeqFirst = 0
	b.SeqLast = 0
	b.NumJSONs = 0
}

// Append writes payload followed by a newline into the buffer, updating
// the sequence range and document count. Returns false if the payload
// would not fit in the remaining capacity.
func (b *JsonBuffer) Append(seq uint64, payload []byte) bool {
	need := len(payload) + 1
	if b.Size+need > b.Capacity {
		return false
	}
	copy(b.Data[b.Size:], payload)
	b.Data[b.Size+len(payload)] = '\n'
	b.Size += need
	if b.NumJSONs == 0 {
		b.SeqFirst = seq
	}
	b.SeqLast = seq
	b.NumJSONs++
	return true
}

// Bytes returns the filled portion of the buffer.
func (b *JsonBuffer) Bytes() []byte {
	return b.Data[:b.Size]
}

// Empty reports whether the buffer currently holds no documents.
func (b *JsonBuffer) Empty() bool {
	return b.NumJSONs == 0
}
