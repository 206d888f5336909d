package demo

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/linchenxuan/conduit/migration"
)

// SettingsVersion is the settings schema the server works with.
//
//	v0: {viewDistance, lang, legacy}
//	v1: {view: {distance}, lang}
//	v2: {view: {distance, simulation}, lang}, distance clamped to [2, 32]
const SettingsVersion = 2

const (
	minViewDistance = 2
	maxViewDistance = 32
)

// NewSettingsMigrator returns the upgrade path for client settings.
func NewSettingsMigrator() *migration.Migrator {
	return migration.NewMigrator().
		Register(0,
			migration.Rename("viewDistance", "view.distance"),
			migration.Remove("legacy")).
		Register(1,
			migration.SetDefault("view.distance", 10),
			migration.SetDefault("view.simulation", 6),
			migration.SetDefault("lang", "en_us"),
			migration.Convert("view.distance", clampDistance))
}

func clampDistance(v *structpb.Value) (*structpb.Value, error) {
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return nil, fmt.Errorf("want a number, got %T", v.GetKind())
	}
	d := n.NumberValue
	if d < minViewDistance {
		d = minViewDistance
	}
	if d > maxViewDistance {
		d = maxViewDistance
	}
	return structpb.NewNumberValue(d), nil
}

// ViewDistance reads the view distance out of migrated settings.
func ViewDistance(s migration.Snapshot) int {
	v, ok := migration.Get(s.Data, "view.distance")
	if !ok {
		return 0
	}
	return int(v.GetNumberValue())
}
