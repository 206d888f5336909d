package migration

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/linchenxuan/conduit/network/wire"
)

func settingsV0(t *testing.T) Snapshot {
	data, err := structpb.NewStruct(map[string]any{
		"viewDistance": 8,
		"lang":         "en_us",
		"legacy":       true,
	})
	require.NoError(t, err)
	return Snapshot{Version: 0, Data: data}
}

func testMigrator() *Migrator {
	return NewMigrator().
		Register(0,
			Rename("viewDistance", "view.distance"),
			Remove("legacy"),
		).
		Register(1,
			SetDefault("view.simulation", 6),
			SetDefault("lang", "de_de"),
		)
}

func TestMigrateWalksVersions(t *testing.T) {
	m := testMigrator()
	assert.EqualValues(t, 2, m.Latest())

	old := settingsV0(t)
	snap, err := m.Migrate(old, m.Latest())
	require.NoError(t, err)
	assert.EqualValues(t, 2, snap.Version)

	v, ok := Get(snap.Data, "view.distance")
	require.True(t, ok)
	assert.Equal(t, 8.0, v.GetNumberValue())
	v, ok = Get(snap.Data, "view.simulation")
	require.True(t, ok)
	assert.Equal(t, 6.0, v.GetNumberValue())
	v, _ = Get(snap.Data, "lang")
	assert.Equal(t, "en_us", v.GetStringValue())
	_, ok = Get(snap.Data, "legacy")
	assert.False(t, ok)

	// the input is untouched
	_, ok = Get(old.Data, "viewDistance")
	assert.True(t, ok)
}

func TestMigrateErrors(t *testing.T) {
	m := testMigrator()
	_, err := m.Migrate(Snapshot{Version: 3}, 2)
	assert.ErrorIs(t, err, ErrDowngrade)

	_, err = m.Migrate(Snapshot{Version: 0}, 5)
	assert.ErrorIs(t, err, ErrNoPath)

	snap, err := m.Migrate(Snapshot{Version: 2}, 2)
	require.NoError(t, err)
	assert.Empty(t, snap.Data.Fields)
}

func TestFieldErrorNamesPath(t *testing.T) {
	data, err := structpb.NewStruct(map[string]any{"view": "flat"})
	require.NoError(t, err)

	m := NewMigrator().Register(0, SetDefault("view.distance", 4))
	_, err = m.Migrate(Snapshot{Data: data}, 1)
	var fe *FieldError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "view", fe.Path)
	assert.ErrorIs(t, err, ErrNotStruct)

	bad := errors.New("not a number")
	m = NewMigrator().Register(0, Convert("view", func(*structpb.Value) (*structpb.Value, error) {
		return nil, bad
	}))
	_, err = m.Migrate(Snapshot{Data: data}, 1)
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "view", fe.Path)
	assert.ErrorIs(t, err, bad)

	m = NewMigrator().Register(0, Convert("missing.field", nil))
	_, err = m.Migrate(Snapshot{Data: data}, 1)
	assert.ErrorIs(t, err, ErrMissing)
}

func TestSnapshotWire(t *testing.T) {
	snap := settingsV0(t)
	buf := wire.NewPacketBuffer(nil)
	require.NoError(t, WriteSnapshot(buf, snap))

	got, err := ReadSnapshot(wire.NewPacketBuffer(buf.Bytes()))
	require.NoError(t, err)
	assert.EqualValues(t, 0, got.Version)
	v, ok := Get(got.Data, "lang")
	require.True(t, ok)
	assert.Equal(t, "en_us", v.GetStringValue())

	_, err = ReadSnapshot(wire.NewPacketBuffer([]byte{1, 5, 0xff}))
	assert.Error(t, err)
}
