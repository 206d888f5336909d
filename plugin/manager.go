package plugin

import (
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// DefaultInsName is the tag for the default plugin instance.
const DefaultInsName = "default"

var (
	ErrPluginNotFound      = errors.New("plugin not found")
	ErrDuplicatePlugin     = errors.New("duplicate plugin")
	ErrInvalidConfigFormat = errors.New("invalid config format")
	ErrConfigDecode        = errors.New("config decode error")
	ErrFactorySetup        = errors.New("factory setup error")
)

type instance struct {
	factory Factory
	plugin  Plugin
}

// Manager owns plugin factories and the instances created from them.
type Manager struct {
	factories map[Type]map[string]Factory
	plugins   map[Type]map[string]instance
	lock      sync.RWMutex
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		factories: make(map[Type]map[string]Factory),
		plugins:   make(map[Type]map[string]instance),
	}
}

// RegisterFactory makes f available to SetupPlugins.
func (m *Manager) RegisterFactory(f Factory) {
	m.lock.Lock()
	defer m.lock.Unlock()

	factories, ok := m.factories[f.Type()]
	if !ok {
		factories = make(map[string]Factory)
		m.factories[f.Type()] = factories
	}
	factories[f.Name()] = f
}

// SetupPlugins creates an instance for every entry of pluginConf, which is
// the "plugin" section of the configuration: type -> implementation name ->
// settings. Types with no registered factory are ignored. An instance is
// stored under its "tag" setting, or its implementation name.
func (m *Manager) SetupPlugins(pluginConf map[string]any) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	for typeName, plugins := range pluginConf {
		pluginType := Type(typeName)
		factories, ok := m.factories[pluginType]
		if !ok {
			continue
		}

		pluginsMap, ok := plugins.(map[string]any)
		if !ok {
			return errors.Wrapf(ErrInvalidConfigFormat, "plugin type %q", pluginType)
		}

		for name, config := range pluginsMap {
			factory, ok := factories[name]
			if !ok {
				return errors.Wrapf(ErrPluginNotFound, "no factory for %s:%s", pluginType, name)
			}

			configMap, ok := config.(map[string]any)
			if !ok {
				if config != nil {
					return errors.Wrapf(ErrInvalidConfigFormat, "plugin %s:%s", pluginType, name)
				}
				configMap = map[string]any{}
			}

			targetConfig := factory.ConfigType()
			if targetConfig == nil {
				return errors.Wrapf(ErrInvalidConfigFormat, "plugin %s:%s has no config type", pluginType, name)
			}
			if err := decodeConfig(configMap, targetConfig); err != nil {
				return errors.Wrapf(ErrConfigDecode, "plugin %s:%s: %v", pluginType, name, err)
			}

			key := name
			if tag, ok := configMap["tag"].(string); ok && tag != "" {
				key = tag
			}
			if _, exists := m.plugins[pluginType][key]; exists {
				return errors.Wrapf(ErrDuplicatePlugin, "tag %q for type %s", key, pluginType)
			}

			ins, err := factory.Setup(targetConfig)
			if err != nil {
				return errors.Wrapf(ErrFactorySetup, "plugin %s:%s: %v", pluginType, name, err)
			}
			if _, ok := m.plugins[pluginType]; !ok {
				m.plugins[pluginType] = make(map[string]instance)
			}
			m.plugins[pluginType][key] = instance{factory: factory, plugin: ins}
		}
	}
	return nil
}

func decodeConfig(in map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(in)
}

// GetPlugin returns the instance of typ stored under name, which is either
// a tag or an implementation name.
func (m *Manager) GetPlugin(typ Type, name string) (Plugin, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	plugins, ok := m.plugins[typ]
	if !ok {
		return nil, errors.Wrapf(ErrPluginNotFound, "no plugins of type %s", typ)
	}
	ins, ok := plugins[name]
	if !ok {
		return nil, errors.Wrapf(ErrPluginNotFound, "%s:%s", typ, name)
	}
	return ins.plugin, nil
}

// GetDefaultPlugin returns the instance of typ tagged DefaultInsName.
func (m *Manager) GetDefaultPlugin(typ Type) (Plugin, error) {
	return m.GetPlugin(typ, DefaultInsName)
}

// Names lists the instance keys of typ in sorted order.
func (m *Manager) Names(typ Type) []string {
	m.lock.RLock()
	defer m.lock.RUnlock()

	names := make([]string, 0, len(m.plugins[typ]))
	for k := range m.plugins[typ] {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// DestroyPlugins hands every instance back to its factory and forgets it.
func (m *Manager) DestroyPlugins() {
	m.lock.Lock()
	defer m.lock.Unlock()

	for typ, plugins := range m.plugins {
		for _, ins := range plugins {
			ins.factory.Destroy(ins.plugin)
		}
		delete(m.plugins, typ)
	}
}
