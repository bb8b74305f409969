// Package prometheus registers the Prometheus mirror as a reporter plugin.
package prometheus

import (
	"fmt"

	"github.com/linchenxuan/vigil/metrics"
	"github.com/linchenxuan/vigil/plugin"
)

// Factory builds metrics.PrometheusReporter instances from the [plugin.reporter.prometheus]
// config section.
type Factory struct{}

// NewFactory returns the prometheus reporter factory.
func NewFactory() *Factory {
	return &Factory{}
}

// Type returns the plugin type.
func (f *Factory) Type() plugin.Type {
	return plugin.Reporter
}

// Name returns the name of the plugin implementation.
func (f *Factory) Name() string {
	return "prometheus"
}

// ConfigType returns the struct the manager decodes the plugin section into.
func (f *Factory) ConfigType() any {
	return &metrics.PrometheusReporterConfig{}
}

// Setup builds and starts a reporter.
func (f *Factory) Setup(cfgAny any) (plugin.Plugin, error) {
	cfg, ok := cfgAny.(*metrics.PrometheusReporterConfig)
	if !ok {
		return nil, fmt.Errorf("prometheus: unexpected config type %T", cfgAny)
	}

	p := metrics.NewPrometheusReporter(cfg)
	if err := p.Start(); err != nil {
		return nil, err
	}
	return p, nil
}

// Destroy stops a reporter built by Setup.
func (f *Factory) Destroy(p plugin.Plugin) {
	if prom, ok := p.(*metrics.PrometheusReporter); ok {
		prom.Stop()
	}
}
