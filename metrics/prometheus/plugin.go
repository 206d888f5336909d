// Package prometheus registers the Prometheus metrics reporter as a plugin.
package prometheus

import (
	"github.com/pkg/errors"

	"github.com/linchenxuan/conduit/metrics"
	"github.com/linchenxuan/conduit/plugin"
)

// Factory builds PrometheusReporter instances and installs them as metric
// reporters.
type Factory struct{}

var _ plugin.Factory = (*Factory)(nil)

func (f *Factory) Type() plugin.Type { return plugin.Metrics }
func (f *Factory) Name() string      { return "prometheus" }

// ConfigType returns the struct the manager decodes the plugin's section into.
func (f *Factory) ConfigType() any {
	return &metrics.PrometheusReporterConfig{}
}

// Setup starts a reporter and appends it to the global reporter list.
func (f *Factory) Setup(cfgAny any) (plugin.Plugin, error) {
	cfg, ok := cfgAny.(*metrics.PrometheusReporterConfig)
	if !ok {
		return nil, errors.Errorf("prometheus: unexpected config type %T", cfgAny)
	}
	p, err := metrics.NewPrometheusReporter(cfg)
	if err != nil {
		return nil, err
	}
	metrics.AddReporter(p)
	return p, nil
}

func (f *Factory) Destroy(p plugin.Plugin) {
	if prom, ok := p.(*metrics.PrometheusReporter); ok {
		prom.Stop()
	}
}
