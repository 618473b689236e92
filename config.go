package settle

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultQuietTime is how long no resource activity must last before a page counts as loaded.
	DefaultQuietTime = 5 * time.Second
	// DefaultMaxResourcesToWatch caps the total number of in-flight resources tracked at once.
	DefaultMaxResourcesToWatch = 100
)

// Config holds the settings of a Manager.
type Config struct {
	// IgnoreURLs lists URLs that are never tracked. In YAML, values wrapped in slashes are
	// regular expressions, anything else is an exact match.
	IgnoreURLs []IgnoreRule `yaml:"ignore_urls"`

	// MaxResourcesToWatch bounds the sum of all in-flight reference counts. Discoveries beyond
	// the cap are dropped, which may resolve a measurement early.
	MaxResourcesToWatch int `yaml:"max_resources_to_watch"`

	// QuietTime is the length of the quiet window.
	QuietTime time.Duration `yaml:"quiet_time"`

	// BeaconEndpoint is the telemetry export URL. Its origin is added to IgnoreURLs so the
	// exporter's own traffic is never tracked as page activity.
	BeaconEndpoint string `yaml:"beacon_endpoint"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		IgnoreURLs:          []IgnoreRule{},
		MaxResourcesToWatch: DefaultMaxResourcesToWatch,
		QuietTime:           DefaultQuietTime,
	}
}

// Validate checks that the Config can be used as-is.
func (c Config) Validate() error {
	var errs []error
	if c.QuietTime <= 0 {
		errs = append(errs, errors.New("Config.QuietTime must be positive"))
	}
	if c.MaxResourcesToWatch <= 0 {
		errs = append(errs, errors.New("Config.MaxResourcesToWatch must be positive"))
	}
	return errors.Join(errs...)
}

// normalize applies defaults to unset or invalid values and appends the beacon rule. Fixes are
// logged as warnings instead of failing construction.
func (c Config) normalize(logger zerolog.Logger) Config {
	out := Config{
		IgnoreURLs:          make([]IgnoreRule, 0, len(c.IgnoreURLs)+1),
		MaxResourcesToWatch: c.MaxResourcesToWatch,
		QuietTime:           c.QuietTime,
		BeaconEndpoint:      c.BeaconEndpoint,
	}
	out.IgnoreURLs = append(out.IgnoreURLs, c.IgnoreURLs...)

	if out.QuietTime <= 0 {
		if out.QuietTime < 0 {
			logger.Warn().Dur("quiet_time", out.QuietTime).Msg("negative quiet time, using default")
		}
		out.QuietTime = DefaultQuietTime
	}
	if out.MaxResourcesToWatch <= 0 {
		if out.MaxResourcesToWatch < 0 {
			logger.Warn().Int("max_resources_to_watch", out.MaxResourcesToWatch).
				Msg("negative resource cap, using default")
		}
		out.MaxResourcesToWatch = DefaultMaxResourcesToWatch
	}

	if out.BeaconEndpoint != "" {
		rule, ok := beaconRule(out.BeaconEndpoint)
		if !ok {
			logger.Warn().Str("beacon_endpoint", out.BeaconEndpoint).
				Msg("could not parse beacon endpoint, ignoring it as a literal URL")
		}
		out.IgnoreURLs = append(out.IgnoreURLs, rule)
	}

	return out
}

// Option is a functional option for the Manager.
type Option func(*Manager)

// WithConfig replaces the whole configuration. Options applied after it still take effect.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithQuietTime sets the length of the quiet window.
func WithQuietTime(d time.Duration) Option {
	return func(m *Manager) { m.cfg.QuietTime = d }
}

// WithMaxResourcesToWatch sets the cap on tracked in-flight resources.
func WithMaxResourcesToWatch(n int) Option {
	return func(m *Manager) { m.cfg.MaxResourcesToWatch = n }
}

// WithIgnoreURLs appends rules for URLs that should never be tracked.
func WithIgnoreURLs(rules ...IgnoreRule) Option {
	return func(m *Manager) { m.cfg.IgnoreURLs = append(m.cfg.IgnoreURLs, rules...) }
}

// WithBeaconEndpoint sets the telemetry endpoint whose origin is excluded from tracking.
func WithBeaconEndpoint(endpoint string) Option {
	return func(m *Manager) { m.cfg.BeaconEndpoint = endpoint }
}

// WithLogger sets the logger used by the Manager and its monitors.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetricsSink registers a sink for measurement results and internal events.
func WithMetricsSink(sink MetricsSink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithRequestSource feeds browser fetch/XHR activity into the fetch monitor.
func WithRequestSource(src RequestSource) Option {
	return func(m *Manager) { m.requestSource = src }
}

// WithMediaSource enables the media monitor, fed by src.
func WithMediaSource(src MediaSource) Option {
	return func(m *Manager) { m.mediaSource = src }
}

// WithPerformanceSource enables the performance entry monitor, fed by src.
func WithPerformanceSource(src PerformanceSource) Option {
	return func(m *Manager) { m.performanceSource = src }
}
