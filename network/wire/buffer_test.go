package wire

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarUint32Width(t *testing.T) {
	cases := []struct {
		v    uint32
		size int
	}{
		{0, 1},
		{127, 1},
		{128, 2},
		{16383, 2},
		{16384, 3},
		{2097151, 3},
		{2097152, 4},
		{math.MaxUint32, 5},
	}
	for _, c := range cases {
		b := AppendVarUint32(nil, c.v)
		assert.Len(t, b, c.size, "value %d", c.v)
		v, n, err := ConsumeVarUint32(b)
		require.NoError(t, err)
		assert.Equal(t, c.v, v)
		assert.Equal(t, c.size, n)
	}
}

func TestConsumeVarUint32Incomplete(t *testing.T) {
	b := AppendVarUint32(nil, 300)
	_, _, err := ConsumeVarUint32(b[:1])
	assert.ErrorIs(t, err, ErrBufferTooShort)

	_, _, err = ConsumeVarUint32(nil)
	assert.ErrorIs(t, err, ErrBufferTooShort)
}

func TestConsumeVarUint32TooLong(t *testing.T) {
	_, _, err := ConsumeVarUint32([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01})
	assert.ErrorIs(t, err, ErrVarintTooLong)

	// five bytes whose value overflows 32 bits
	_, _, err = ConsumeVarUint32([]byte{0xff, 0xff, 0xff, 0xff, 0x7f})
	assert.ErrorIs(t, err, ErrVarintTooLong)
}

func TestPacketBufferFields(t *testing.T) {
	p := NewPacketBuffer(nil)
	p.WriteVarUint32(42)
	p.WriteString("hello")
	p.WriteBytes([]byte{1, 2, 3})
	p.WriteBool(true)
	p.WriteUint16(0xbeef)
	p.WriteUint32(7)
	p.WriteUint64(1 << 40)
	p.WriteFloat64(1.5)
	p.WriteVarUint64(1 << 50)

	r := NewPacketBuffer(p.Bytes())
	id, err := r.ReadVarUint32()
	require.NoError(t, err)
	assert.EqualValues(t, 42, id)

	s, err := r.ReadString(0)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	b, err := r.ReadBytes(16)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)

	ok, err := r.ReadBool()
	require.NoError(t, err)
	assert.True(t, ok)

	u16, err := r.ReadUint16()
	require.NoError(t, err)
	assert.EqualValues(t, 0xbeef, u16)

	u32, err := r.ReadUint32()
	require.NoError(t, err)
	assert.EqualValues(t, 7, u32)

	u64, err := r.ReadUint64()
	require.NoError(t, err)
	assert.EqualValues(t, uint64(1)<<40, u64)

	f, err := r.ReadFloat64()
	require.NoError(t, err)
	assert.Equal(t, 1.5, f)

	big, err := r.ReadVarUint64()
	require.NoError(t, err)
	assert.EqualValues(t, uint64(1)<<50, big)

	assert.Equal(t, 0, r.Len())
	_, err = r.ReadUint8()
	assert.ErrorIs(t, err, ErrBufferTooShort)
}

func TestReadBytesLimit(t *testing.T) {
	p := NewPacketBuffer(nil)
	p.WriteString("too long for the cap")

	_, err := NewPacketBuffer(p.Bytes()).ReadString(4)
	assert.ErrorIs(t, err, ErrLengthExceeded)
}

func TestReadBoolInvalid(t *testing.T) {
	_, err := NewPacketBuffer([]byte{2}).ReadBool()
	assert.ErrorIs(t, err, ErrInvalidBool)
}
