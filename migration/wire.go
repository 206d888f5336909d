package migration

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/linchenxuan/conduit/network/wire"
)

// MaxSnapshotSize caps an encoded snapshot read from the wire.
const MaxSnapshotSize = 1 << 20

// WriteSnapshot appends the version and the protobuf encoding of the data.
func WriteSnapshot(buf *wire.PacketBuffer, snap Snapshot) error {
	data := snap.Data
	if data == nil {
		data = &structpb.Struct{}
	}
	b, err := proto.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	buf.WriteVarUint32(snap.Version)
	buf.WriteBytes(b)
	return nil
}

// ReadSnapshot reads a snapshot written by WriteSnapshot.
func ReadSnapshot(buf *wire.PacketBuffer) (Snapshot, error) {
	version, err := buf.ReadVarUint32()
	if err != nil {
		return Snapshot{}, err
	}
	b, err := buf.ReadBytes(MaxSnapshotSize)
	if err != nil {
		return Snapshot{}, err
	}
	data := &structpb.Struct{}
	if err := proto.Unmarshal(b, data); err != nil {
		return Snapshot{}, errors.Wrap(err, "unmarshal snapshot")
	}
	return Snapshot{Version: version, Data: data}, nil
}
