package pipeline

import (
	"github.com/pkg/errors"

	"github.com/linchenxuan/conduit/metrics"
	"github.com/linchenxuan/conduit/network/wire"
)

// Framing errors.
var (
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	ErrBadFrameLen   = errors.New("malformed frame length")
)

// Framer splits an inbound byte stream into frames and prefixes outbound
// frames for the stream.
type Framer interface {
	// Feed appends received bytes. The framer keeps its own copy.
	Feed(chunk []byte)
	// Next returns the next complete frame, or false when more bytes are
	// needed. A returned frame is owned by the caller.
	Next() ([]byte, bool, error)
	// EncodeFrame returns payload ready to be written to the link.
	EncodeFrame(payload []byte) ([]byte, error)
	// Buffered returns the number of bytes waiting for a complete frame.
	Buffered() int
}

// FrameCodec frames payloads with a 1 to 5 byte varint length prefix.
type FrameCodec struct {
	max int
	buf []byte
}

// NewFrameCodec builds a length-prefixed codec accepting frames of at most
// max bytes. A non-positive max selects MaxFrameSize.
func NewFrameCodec(max int) *FrameCodec {
	if max <= 0 {
		max = MaxFrameSize
	}
	return &FrameCodec{max: max}
}

// Feed appends a chunk of the byte stream.
func (f *FrameCodec) Feed(chunk []byte) { f.buf = append(f.buf, chunk...) }

// Buffered returns the number of bytes not yet returned as frames.
func (f *FrameCodec) Buffered() int { return len(f.buf) }

// Next returns the next complete frame. ok is false while the frame is
// still partial.
func (f *FrameCodec) Next() ([]byte, bool, error) {
	size, n, err := wire.ConsumeVarUint32(f.buf)
	if errors.Is(err, wire.ErrBufferTooShort) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, Fatal(NameFramer, errors.Wrap(ErrBadFrameLen, err.Error()))
	}
	if int64(size) > int64(f.max) {
		return nil, false, Fatal(NameFramer, errors.Wrapf(ErrFrameTooLarge, "declared %d, limit %d", size, f.max))
	}
	end := n + int(size)
	if len(f.buf) < end {
		return nil, false, nil
	}

	frame := make([]byte, size)
	copy(frame, f.buf[n:end])
	rest := copy(f.buf, f.buf[end:])
	f.buf = f.buf[:rest]
	return frame, true, nil
}

// Limit returns the largest payload the codec frames.
func (f *FrameCodec) Limit() int { return f.max }

// EncodeFrame prefixes payload with its varint length. A payload over the
// limit is a fatal fault wrapping ErrFrameTooLarge.
func (f *FrameCodec) EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > f.max {
		return nil, Fatal(NameFramer, errors.Wrapf(ErrFrameTooLarge, "payload %d, limit %d", len(payload), f.max))
	}
	out := make([]byte, 0, wire.SizeVarint(uint64(len(payload)))+len(payload))
	out = wire.AppendVarUint32(out, uint32(len(payload)))
	return append(out, payload...), nil
}

// LocalFrameCodec passes frames through unchanged for links that already
// preserve message boundaries. It records frame sizes to metrics.
type LocalFrameCodec struct {
	queue [][]byte
	bytes int
}

// NewLocalFrameCodec returns the pass-through framer for in-memory links.
func NewLocalFrameCodec() *LocalFrameCodec {
	return &LocalFrameCodec{}
}

var _localDim = metrics.Dimension{metrics.DimTransport: "local"}

// Feed queues chunk as one frame.
func (f *LocalFrameCodec) Feed(chunk []byte) {
	frame := append([]byte(nil), chunk...)
	f.queue = append(f.queue, frame)
	f.bytes += len(frame)
	metrics.UpdateAvgGaugeWithDimGroup(metrics.NameFrameInBytes, metrics.GroupConduit, metrics.Value(len(frame)), _localDim)
}

// Buffered returns the bytes of the queued frames.
func (f *LocalFrameCodec) Buffered() int { return f.bytes }

// Next pops the oldest queued frame.
func (f *LocalFrameCodec) Next() ([]byte, bool, error) {
	if len(f.queue) == 0 {
		return nil, false, nil
	}
	frame := f.queue[0]
	f.queue[0] = nil
	f.queue = f.queue[1:]
	f.bytes -= len(frame)
	return frame, true, nil
}

// EncodeFrame returns payload unchanged.
func (f *LocalFrameCodec) EncodeFrame(payload []byte) ([]byte, error) {
	metrics.UpdateAvgGaugeWithDimGroup(metrics.NameFrameOutBytes, metrics.GroupConduit, metrics.Value(len(payload)), _localDim)
	metrics.UpdateMaxGaugeWithDimGroup(metrics.NameFrameSizeMaxKB, metrics.GroupConduit, metrics.Value(len(payload))/metrics.KB, _localDim)
	return payload, nil
}
