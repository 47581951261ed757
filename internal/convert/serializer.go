package convert

import (
	"bytes"

	"github.com/apache/arrow-go/v18/arrow/ipc"

	"github.com/vectorfeed/vectorfeed/internal/errs"
)

// Serializer encodes arrow.Records into Arrow IPC stream messages:
// exactly one self-contained IPC stream (schema + one record batch) per
// call, rejected with IpcTooLarge rather than silently publishing an
// oversized message.
type Serializer struct {
	MaxIPCSize int64
}

func NewSerializer(maxIPCSize int64) *Serializer {
	return &Serializer{MaxIPCSize: maxIPCSize}
}

// Serialize encodes r into one IpcMessage. The caller is responsible for
// r.Release() after this returns; Serialize does not take ownership.
func (s *Serializer) Serialize(r recordSeqRange) (IpcMessage, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(r.rec.Schema()))
	if err := w.Write(r.rec); err != nil {
		return IpcMessage{}, errs.New(errs.IoError, "convert.Serializer.Serialize", err)
	}
	if err := w.Close(); err != nil {
		return IpcMessage{}, errs.New(errs.IoError, "convert.Serializer.Serialize", err)
	}

	if int64(buf.Len()) > s.MaxIPCSize {
		return IpcMessage{}, errs.New(errs.IpcTooLarge, "convert.Serializer.Serialize", errIpcTooLarge)
	}

	return IpcMessage{
		Payload:  buf.Bytes(),
		SeqFirst: r.seqFirst,
		SeqLast:  r.seqLast,
		NumRows:  r.rec.NumRows(),
	}, nil
}

type errIpcTooLargeT struct{}

func (errIpcTooLargeT) Error() string { return "convert: serialized IPC message exceeds max size" }

var errIpcTooLarge = errIpcTooLargeT{}
