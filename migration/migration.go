// Package migration upgrades versioned application snapshots. A snapshot
// is a protobuf Struct tagged with the schema version it was written in;
// a Migrator walks it forward one version at a time.
package migration

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	ErrNoPath    = errors.New("migration: no step for version")
	ErrDowngrade = errors.New("migration: snapshot is newer than target")
	ErrNotStruct = errors.New("migration: not an object")
	ErrMissing   = errors.New("migration: field missing")
)

// Snapshot is a tree of values in the shape of schema Version.
type Snapshot struct {
	Version uint32
	Data    *structpb.Struct
}

// FieldError names the field a step failed on.
type FieldError struct {
	Path string
	Err  error
}

func (e *FieldError) Error() string { return fmt.Sprintf("field %q: %v", e.Path, e.Err) }
func (e *FieldError) Unwrap() error { return e.Err }

// Step rewrites data in place from one version to the next.
type Step func(data *structpb.Struct) error

// Migrator holds the steps between consecutive schema versions.
type Migrator struct {
	steps map[uint32][]Step
}

func NewMigrator() *Migrator {
	return &Migrator{steps: map[uint32][]Step{}}
}

// Register appends steps that take a snapshot from version from to
// from+1. Steps run in registration order.
func (m *Migrator) Register(from uint32, steps ...Step) *Migrator {
	m.steps[from] = append(m.steps[from], steps...)
	return m
}

// Latest returns the newest version the migrator can produce.
func (m *Migrator) Latest() uint32 {
	versions := make([]uint32, 0, len(m.steps))
	for v := range m.steps {
		versions = append(versions, v)
	}
	if len(versions) == 0 {
		return 0
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions[len(versions)-1] + 1
}

// Migrate returns snap expressed in version target. snap itself is not
// modified.
func (m *Migrator) Migrate(snap Snapshot, target uint32) (Snapshot, error) {
	if snap.Version > target {
		return Snapshot{}, errors.Wrapf(ErrDowngrade, "%d > %d", snap.Version, target)
	}
	data := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if snap.Data != nil {
		data = proto.Clone(snap.Data).(*structpb.Struct)
	}
	for v := snap.Version; v < target; v++ {
		steps, ok := m.steps[v]
		if !ok {
			return Snapshot{}, errors.Wrapf(ErrNoPath, "%d to %d", v, v+1)
		}
		for _, step := range steps {
			if err := step(data); err != nil {
				return Snapshot{}, errors.WithMessagef(err, "version %d to %d", v, v+1)
			}
		}
	}
	return Snapshot{Version: target, Data: data}, nil
}
