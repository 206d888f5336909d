package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linchenxuan/conduit/network/protocol"
)

type tagStage struct{ name string }

func (s tagStage) Name() string { return s.name }
func (s tagStage) Process(msg Message, emit Emit) error {
	msg.Frame = append(msg.Frame, s.name...)
	return emit(msg)
}

func TestStageListEditsAreCopies(t *testing.T) {
	base := NewStageList(Inbound, NewFrameCodec(0), tagStage{NameCodec})
	assert.Equal(t, []string{NameFramer, NameCodec}, base.Names())

	withCrypt, err := base.InsertAfter(NameFramer, tagStage{NameDecrypt})
	require.NoError(t, err)
	withZip, err := withCrypt.InsertAfter(NameDecrypt, tagStage{NameDecompress})
	require.NoError(t, err)
	full, err := withZip.With(tagStage{NameUnbundler})
	require.NoError(t, err)

	assert.Equal(t, []string{NameFramer, NameDecrypt, NameDecompress, NameCodec, NameUnbundler}, full.Names())
	assert.Equal(t, []string{NameFramer, NameCodec}, base.Names())
	assert.EqualValues(t, 1, base.Version())
	assert.EqualValues(t, 4, full.Version())
	assert.Same(t, base.Framer(), full.Framer())

	_, err = full.With(tagStage{NameCodec})
	assert.ErrorIs(t, err, ErrStageExists)
	_, err = full.InsertAfter("missing", tagStage{"x"})
	assert.ErrorIs(t, err, ErrStageNotFound)

	trimmed, removed := full.Without(NameUnbundler)
	assert.Equal(t, NameUnbundler, removed.Name())
	assert.Equal(t, 4, full.Len())
	assert.Equal(t, 3, trimmed.Len())

	same, removed := trimmed.Without(NameUnbundler)
	assert.Nil(t, removed)
	assert.Same(t, trimmed, same)

	var out []Message
	require.NoError(t, full.Run(Message{}, collect(&out)))
	assert.Equal(t, NameDecrypt+NameDecompress+NameCodec+NameUnbundler, string(out[0].Frame))
}

func TestStageListOutboundAnchors(t *testing.T) {
	l := NewStageList(Outbound, NewLocalFrameCodec(), tagStage{NameCodec})
	l, err := l.InsertBefore(NameFramer, tagStage{NameEncrypt})
	require.NoError(t, err)
	l, err = l.InsertBefore(NameEncrypt, tagStage{NameCompress})
	require.NoError(t, err)
	l, err = l.InsertBefore(NameCodec, tagStage{NameBundler})
	require.NoError(t, err)
	assert.Equal(t, []string{NameBundler, NameCodec, NameCompress, NameEncrypt, NameFramer}, l.Names())

	replaced, old := l.Replace(NewPacketEncoder(testDescriptor(protocol.Clientbound)))
	assert.Equal(t, tagStage{NameCodec}, old)
	s, ok := replaced.Get(NameCodec)
	require.True(t, ok)
	assert.IsType(t, &PacketCodec{}, s)
	assert.Equal(t, "outbound[bundler,codec,compress,encrypt,framer]", replaced.String())
}
