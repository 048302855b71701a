package imagerepo

import (
	"github.com/adelaideecoinformatics/imagerepo/blobstore"
	"github.com/adelaideecoinformatics/imagerepo/cache"
	"github.com/adelaideecoinformatics/imagerepo/transform"
)

type options struct {
	logger      *Logger
	metrics     MetricsCollector
	alarmSink   cache.AlarmSink
	transformer transform.Transformer
	originals   blobstore.Backend
	derivatives blobstore.Backend
}

// Option configures Repository construction.
type Option func(*options)

// WithLogger sets the logger. Defaults to a text logger at info level.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics collector. Defaults to
// NoopMetricsCollector.
func WithMetrics(m MetricsCollector) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithAlarmSink adds an extra receiver for cache free-space alarms,
// called in addition to the built-in log/metrics handling.
func WithAlarmSink(s cache.AlarmSink) Option {
	return func(o *options) {
		o.alarmSink = s
	}
}

// WithTransformer overrides the image pipeline. Used by tests to count
// transform invocations.
func WithTransformer(t transform.Transformer) Option {
	return func(o *options) {
		if t != nil {
			o.transformer = t
		}
	}
}

// WithOriginalsBackend overrides the originals container backend,
// bypassing the provider settings in the configuration. Tests and stub
// deployments pass blobstore.NewMemory().
func WithOriginalsBackend(b blobstore.Backend) Option {
	return func(o *options) {
		o.originals = b
	}
}

// WithDerivativesBackend overrides the derivative-cache container
// backend.
func WithDerivativesBackend(b blobstore.Backend) Option {
	return func(o *options) {
		o.derivatives = b
	}
}
