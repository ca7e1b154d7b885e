package turbostream

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

// Config defines configuration for Encoders and Decoders.
// A nil Config is the default configuration.
type Config struct {
	// Plugins are tried, in order, on every value before the built-in tags.
	Plugins []EncodePlugin

	// PostPlugins are tried, in order, on values that neither Plugins nor the built-in tags claim.
	// They are meant for lossy substitutes of values that would otherwise fail the encode.
	PostPlugins []EncodePlugin

	// DecodePlugins rebuild the values produced by Plugins and PostPlugins.
	DecodePlugins []DecodePlugin

	// Logger receives debug logs about frames and deferred values. If nil, nothing is logged.
	Logger *slog.Logger

	// MetricSink receives counters about frames and deferred values. If nil, metrics are discarded.
	MetricSink metrics.MetricSink

	// MetricLabels are added to every metric.
	MetricLabels []metrics.Label
}

func (c *Config) copyAndFill() *Config {
	config := new(Config)
	if c != nil {
		*config = *c
	}

	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	if config.MetricSink == nil {
		config.MetricSink = &metrics.BlackholeSink{}
	}

	return config
}
