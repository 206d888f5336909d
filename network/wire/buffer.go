// Package wire provides the byte-level primitives shared by every stage of the
// session pipeline: variable-width unsigned integers, length-prefixed byte
// strings and fixed-width big-endian values. PacketBuffer deliberately exposes
// only the operations packet and frame codecs need.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxVarint32Len is the longest encoding accepted for a 32-bit varint.
const MaxVarint32Len = 5

// DefaultMaxStringLen caps strings read without an explicit limit.
const DefaultMaxStringLen = 32767

// Common decoding errors.
var (
	ErrBufferTooShort = errors.New("wire: buffer too short")
	ErrVarintTooLong  = errors.New("wire: varint too long")
	ErrLengthExceeded = errors.New("wire: length exceeds limit")
	ErrInvalidBool    = errors.New("wire: invalid boolean value")
)

// PacketBuffer is a growable byte buffer with an independent read cursor.
// Writes always append; reads consume from the front.
type PacketBuffer struct {
	buf []byte
	off int
}

// NewPacketBuffer wraps b for reading. Writes append after b.
func NewPacketBuffer(b []byte) *PacketBuffer {
	return &PacketBuffer{buf: b}
}

// Bytes returns the unread portion of the buffer.
func (p *PacketBuffer) Bytes() []byte { return p.buf[p.off:] }

// Len returns the number of unread bytes.
func (p *PacketBuffer) Len() int { return len(p.buf) - p.off }

// Reset empties the buffer, keeping its capacity.
func (p *PacketBuffer) Reset() {
	p.buf = p.buf[:0]
	p.off = 0
}

// Grow ensures room for n more bytes without another allocation.
func (p *PacketBuffer) Grow(n int) {
	if cap(p.buf)-len(p.buf) >= n {
		return
	}
	nb := make([]byte, len(p.buf), len(p.buf)+n)
	copy(nb, p.buf)
	p.buf = nb
}

// SizeVarint returns the encoded size of v.
func SizeVarint(v uint64) int {
	return protowire.SizeVarint(v)
}

// AppendVarUint32 appends v as a varint to b.
func AppendVarUint32(b []byte, v uint32) []byte {
	return protowire.AppendVarint(b, uint64(v))
}

// ConsumeVarUint32 decodes a 32-bit varint from the front of b and returns the
// value and the number of bytes read. ErrBufferTooShort means the encoding is
// incomplete and more input may complete it.
func ConsumeVarUint32(b []byte) (uint32, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		if errors.Is(protowire.ParseError(n), io.ErrUnexpectedEOF) && len(b) < MaxVarint32Len {
			return 0, 0, ErrBufferTooShort
		}
		return 0, 0, ErrVarintTooLong
	}
	if n > MaxVarint32Len || v > math.MaxUint32 {
		return 0, 0, ErrVarintTooLong
	}
	return uint32(v), n, nil
}

// WriteVarUint32 appends a 1 to 5 byte varint.
func (p *PacketBuffer) WriteVarUint32(v uint32) {
	p.buf = AppendVarUint32(p.buf, v)
}

// ReadVarUint32 reads a 1 to 5 byte varint.
func (p *PacketBuffer) ReadVarUint32() (uint32, error) {
	v, n, err := ConsumeVarUint32(p.Bytes())
	if err != nil {
		return 0, err
	}
	p.off += n
	return v, nil
}

// WriteVarUint64 appends a varint of up to 10 bytes.
func (p *PacketBuffer) WriteVarUint64(v uint64) {
	p.buf = protowire.AppendVarint(p.buf, v)
}

// ReadVarUint64 reads a varint of up to 10 bytes.
func (p *PacketBuffer) ReadVarUint64() (uint64, error) {
	v, n := protowire.ConsumeVarint(p.Bytes())
	if n < 0 {
		if errors.Is(protowire.ParseError(n), io.ErrUnexpectedEOF) {
			return 0, ErrBufferTooShort
		}
		return 0, ErrVarintTooLong
	}
	p.off += n
	return v, nil
}

// WriteBytes appends b prefixed with its varint length.
func (p *PacketBuffer) WriteBytes(b []byte) {
	p.WriteVarUint32(uint32(len(b)))
	p.buf = append(p.buf, b...)
}

// ReadBytes reads a varint length-prefixed byte string of at most max bytes.
// The result aliases the buffer.
func (p *PacketBuffer) ReadBytes(max int) ([]byte, error) {
	n, err := p.ReadVarUint32()
	if err != nil {
		return nil, err
	}
	if int64(n) > int64(max) {
		return nil, ErrLengthExceeded
	}
	return p.ReadRaw(int(n))
}

// WriteString appends s prefixed with its varint byte length.
func (p *PacketBuffer) WriteString(s string) {
	p.WriteVarUint32(uint32(len(s)))
	p.buf = append(p.buf, s...)
}

// ReadString reads a length-prefixed string of at most max bytes. A
// non-positive max selects DefaultMaxStringLen.
func (p *PacketBuffer) ReadString(max int) (string, error) {
	if max <= 0 {
		max = DefaultMaxStringLen
	}
	b, err := p.ReadBytes(max)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteRaw appends b without a prefix.
func (p *PacketBuffer) WriteRaw(b []byte) {
	p.buf = append(p.buf, b...)
}

// ReadRaw consumes exactly n bytes. The result aliases the buffer.
func (p *PacketBuffer) ReadRaw(n int) ([]byte, error) {
	if n < 0 || p.Len() < n {
		return nil, ErrBufferTooShort
	}
	b := p.buf[p.off : p.off+n]
	p.off += n
	return b, nil
}

func (p *PacketBuffer) WriteUint8(v uint8) { p.buf = append(p.buf, v) }

func (p *PacketBuffer) ReadUint8() (uint8, error) {
	b, err := p.ReadRaw(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (p *PacketBuffer) WriteBool(v bool) {
	if v {
		p.WriteUint8(1)
		return
	}
	p.WriteUint8(0)
}

func (p *PacketBuffer) ReadBool() (bool, error) {
	v, err := p.ReadUint8()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, ErrInvalidBool
}

func (p *PacketBuffer) WriteUint16(v uint16) { p.buf = binary.BigEndian.AppendUint16(p.buf, v) }

func (p *PacketBuffer) ReadUint16() (uint16, error) {
	b, err := p.ReadRaw(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (p *PacketBuffer) WriteUint32(v uint32) { p.buf = binary.BigEndian.AppendUint32(p.buf, v) }

func (p *PacketBuffer) ReadUint32() (uint32, error) {
	b, err := p.ReadRaw(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (p *PacketBuffer) WriteUint64(v uint64) { p.buf = binary.BigEndian.AppendUint64(p.buf, v) }

func (p *PacketBuffer) ReadUint64() (uint64, error) {
	b, err := p.ReadRaw(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// WriteFloat64 appends the IEEE 754 bits of v.
func (p *PacketBuffer) WriteFloat64(v float64) { p.WriteUint64(math.Float64bits(v)) }

// ReadFloat64 reads the IEEE 754 bits of a float64.
func (p *PacketBuffer) ReadFloat64() (float64, error) {
	u, err := p.ReadUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(u), nil
}
