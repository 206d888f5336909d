package tcp

import (
	"github.com/pkg/errors"

	"github.com/linchenxuan/conduit/plugin"
)

type factory struct{}

var _ plugin.Factory = (*factory)(nil)

// NewFactory returns the plugin factory for TCP servers.
func NewFactory() plugin.Factory {
	return &factory{}
}

func (f *factory) Type() plugin.Type { return plugin.Transport }
func (f *factory) Name() string      { return "tcp" }
func (f *factory) ConfigType() any   { return &Config{} }

// Setup creates an idle server; the owner starts it with a link handler.
func (f *factory) Setup(cfgAny any) (plugin.Plugin, error) {
	cfg, ok := cfgAny.(*Config)
	if !ok {
		return nil, errors.Errorf("tcp setup: unexpected config type %T", cfgAny)
	}
	return NewServer(cfg)
}

func (f *factory) Destroy(p plugin.Plugin) {
	if s, ok := p.(*Server); ok && s != nil {
		_ = s.Stop()
	}
}
