package pipeline

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"

	"github.com/linchenxuan/conduit/metrics"
	"github.com/linchenxuan/conduit/network/wire"
)

// Decompression errors.
var (
	ErrBelowThreshold = errors.New("compressed frame below threshold")
	ErrInflateTooBig  = errors.New("declared size exceeds limit")
	ErrSizeMismatch   = errors.New("inflated size does not match declaration")
)

// CompressStage deflates outbound frames of at least threshold bytes. Every
// frame is prefixed with its uncompressed size, or zero when sent raw.
type CompressStage struct {
	threshold int
	zw        *zlib.Writer
}

// NewCompressStage builds the outbound compression stage.
func NewCompressStage(threshold int) *CompressStage {
	return &CompressStage{threshold: threshold}
}

// Name returns NameCompress.
func (s *CompressStage) Name() string { return NameCompress }

// SetThreshold changes the threshold without rebuilding the deflater.
// strict only matters inbound and is accepted for symmetry.
func (s *CompressStage) SetThreshold(threshold int, _ bool) { s.threshold = threshold }

// Threshold returns the smallest frame that is compressed.
func (s *CompressStage) Threshold() int { return s.threshold }

// Process prefixes the frame with its uncompressed size, or 0 when it is
// sent raw.
func (s *CompressStage) Process(msg Message, emit Emit) error {
	n := len(msg.Frame)
	if n == 0 || n < s.threshold {
		out := make([]byte, 0, 1+n)
		out = wire.AppendVarUint32(out, 0)
		msg.Frame = append(out, msg.Frame...)
		return emit(msg)
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if s.zw == nil {
		s.zw = zlib.NewWriter(buf)
	} else {
		s.zw.Reset(buf)
	}
	if _, err := s.zw.Write(msg.Frame); err != nil {
		return Fatal(NameCompress, errors.Wrap(err, "deflate"))
	}
	if err := s.zw.Close(); err != nil {
		return Fatal(NameCompress, errors.Wrap(err, "deflate"))
	}

	out := make([]byte, 0, wire.SizeVarint(uint64(n))+buf.Len())
	out = wire.AppendVarUint32(out, uint32(n))
	msg.Frame = append(out, buf.B...)
	metrics.UpdateAvgGaugeWithGroup(metrics.NameCompressRatioAvg, metrics.GroupConduit, metrics.Value(buf.Len())/metrics.Value(n))
	return emit(msg)
}

// DecompressStage inflates inbound frames. In strict mode it rejects frames
// that were compressed although they are below the threshold.
type DecompressStage struct {
	threshold int
	strict    bool
	zr        io.ReadCloser
	src       bytes.Reader
}

// NewDecompressStage builds the inbound decompression stage.
func NewDecompressStage(threshold int, strict bool) *DecompressStage {
	return &DecompressStage{threshold: threshold, strict: strict}
}

// Name returns NameDecompress.
func (s *DecompressStage) Name() string { return NameDecompress }

// SetThreshold reconfigures the stage in place.
func (s *DecompressStage) SetThreshold(threshold int, strict bool) {
	s.threshold = threshold
	s.strict = strict
}

// Threshold and Strict report the current settings.
func (s *DecompressStage) Threshold() int { return s.threshold }
func (s *DecompressStage) Strict() bool   { return s.strict }

// Process inflates a compressed frame or strips the raw marker.
func (s *DecompressStage) Process(msg Message, emit Emit) error {
	size, n, err := wire.ConsumeVarUint32(msg.Frame)
	if err != nil {
		return Fatal(NameDecompress, errors.Wrap(err, "size prefix"))
	}
	data := msg.Frame[n:]
	if size == 0 {
		msg.Frame = data
		return emit(msg)
	}

	if s.strict && int64(size) < int64(s.threshold) {
		return Fatal(NameDecompress, errors.Wrapf(ErrBelowThreshold, "size %d, threshold %d", size, s.threshold))
	}
	// Oversized declarations are refused in both modes; the buffer below is
	// allocated from the declared size.
	if size > MaxUncompressedSize {
		return Fatal(NameDecompress, errors.Wrapf(ErrInflateTooBig, "size %d", size))
	}

	if err := s.reset(data); err != nil {
		return Fatal(NameDecompress, errors.Wrap(err, "inflate header"))
	}
	out := make([]byte, size)
	if _, err := io.ReadFull(s.zr, out); err != nil {
		return Fatal(NameDecompress, errors.Wrapf(ErrSizeMismatch, "declared %d: %v", size, err))
	}
	var extra [1]byte
	if k, _ := s.zr.Read(extra[:]); k > 0 {
		return Fatal(NameDecompress, errors.Wrapf(ErrSizeMismatch, "more than %d bytes", size))
	}
	msg.Frame = out
	return emit(msg)
}

func (s *DecompressStage) reset(data []byte) error {
	s.src.Reset(data)
	if s.zr == nil {
		zr, err := zlib.NewReader(&s.src)
		if err != nil {
			return err
		}
		s.zr = zr
		return nil
	}
	return s.zr.(zlib.Resetter).Reset(&s.src, nil)
}

// Release closes the inflater.
func (s *DecompressStage) Release() {
	if s.zr != nil {
		_ = s.zr.Close()
		s.zr = nil
	}
}
