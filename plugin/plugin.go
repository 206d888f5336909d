// Package plugin manages pluggable components, such as metric reporters and
// transports, that are chosen and configured by name in the configuration
// file.
package plugin

// Type is the kind of component a plugin provides.
type Type string

const (
	Metrics   Type = "metrics"
	Transport Type = "transport"
)

// Factory creates plugin instances of one implementation.
type Factory interface {
	Type() Type
	// Name is the implementation name used as the configuration key.
	Name() string
	// ConfigType returns a pointer to an empty config struct that the manager
	// decodes the plugin's section into.
	ConfigType() any
	Setup(cfg any) (Plugin, error)
	Destroy(Plugin)
}

// Plugin is an instance created by a Factory.
type Plugin interface {
	FactoryName() string
}
