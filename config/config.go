// Package config loads the conduit YAML configuration. Each top-level key
// is a section decoded into the matching component config; the "plugin"
// section is handed to the plugin manager as is.
package config

import (
	"github.com/elastic/go-ucfg"
	"github.com/elastic/go-ucfg/yaml"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/linchenxuan/conduit/demo"
	"github.com/linchenxuan/conduit/log"
	"github.com/linchenxuan/conduit/network/server"
	"github.com/linchenxuan/conduit/network/session"
)

// PluginSection is the key of the plugin settings.
const PluginSection = "plugin"

var ErrSection = errors.New("config: bad section")

// Section is a component config stored under its own top-level key.
type Section interface {
	GetName() string
	Validate() error
}

// Dotted keys such as rate limit overrides stay literal, so no path
// separator is configured.
var options = []ucfg.Option{ucfg.VarExp, ucfg.ResolveEnv}

// File is a parsed configuration file.
type File struct {
	conf *ucfg.Config
	path string
}

// Load reads and parses the YAML file at path. ${VAR} references are
// resolved from the environment.
func Load(path string) (*File, error) {
	conf, err := yaml.NewConfigWithFile(path, options...)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return &File{conf: conf, path: path}, nil
}

// Parse reads YAML from memory.
func Parse(content []byte) (*File, error) {
	conf, err := yaml.NewConfig(content, options...)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return &File{conf: conf}, nil
}

// Path is the file the configuration came from, empty for Parse.
func (f *File) Path() string { return f.path }

// Has reports whether the top-level key name is present.
func (f *File) Has(name string) bool {
	ok, err := f.conf.Has(name, -1)
	return err == nil && ok
}

// Map returns the raw settings under name, or nil when absent.
func (f *File) Map(name string) (map[string]any, error) {
	if !f.Has(name) {
		return nil, nil
	}
	child, err := f.conf.Child(name, -1)
	if err != nil {
		return nil, errors.Wrapf(ErrSection, "%s: %v", name, err)
	}
	m := map[string]any{}
	if err := child.Unpack(&m); err != nil {
		return nil, errors.Wrapf(ErrSection, "%s: %v", name, err)
	}
	return m, nil
}

// Decode overlays the section named s.GetName() on s and validates the
// result. An absent section validates s as it is.
func (f *File) Decode(s Section) error {
	m, err := f.Map(s.GetName())
	if err != nil {
		return err
	}
	if m != nil {
		if err := decode(m, s); err != nil {
			return errors.Wrapf(ErrSection, "%s: %v", s.GetName(), err)
		}
	}
	if err := s.Validate(); err != nil {
		return errors.Wrapf(ErrSection, "%s: %v", s.GetName(), err)
	}
	return nil
}

func decode(in map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(in)
}

// Config is everything a conduit process reads at startup.
type Config struct {
	Log     *log.LogCfg
	Session *session.Config
	Server  *server.Config
	Game    *demo.GameConfig
	Plugins map[string]any
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log:     log.DefaultLogCfg(),
		Session: session.DefaultConfig(),
		Server:  &server.Config{},
		Game:    demo.DefaultGameConfig(),
		Plugins: map[string]any{},
	}
}

// Config decodes every known section over the defaults.
func (f *File) Config() (*Config, error) {
	cfg := Default()
	for _, s := range []Section{cfg.Log, cfg.Session, cfg.Server, cfg.Game} {
		if err := f.Decode(s); err != nil {
			return nil, err
		}
	}
	plugins, err := f.Map(PluginSection)
	if err != nil {
		return nil, err
	}
	if plugins != nil {
		cfg.Plugins = plugins
	}
	return cfg, nil
}

// LoadConfig is Load followed by Config. An empty path yields Default.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		for _, s := range []Section{cfg.Log, cfg.Session, cfg.Server, cfg.Game} {
			if err := s.Validate(); err != nil {
				return nil, err
			}
		}
		return cfg, nil
	}
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	return f.Config()
}
