// Package config loads the repository's YAML configuration, applies
// defaults and resolves environment-indirected credentials.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/adelaideecoinformatics/imagerepo/imagekey"
	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration errors. Fatal at startup.
var ErrInvalid = errors.New("config: invalid configuration")

// Credential is a secret value that is either a literal string or an
// environment indirection written as `{env: VAR_NAME}`. Parsing keeps
// the indirection; Resolve reads the environment when the repository
// builds its backend clients.
type Credential struct {
	value   string
	envName string
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Credential) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&c.value)
	case yaml.MappingNode:
		var m struct {
			Env string `yaml:"env"`
		}
		if err := node.Decode(&m); err != nil {
			return err
		}
		if m.Env == "" {
			return fmt.Errorf("credential mapping must carry an env key")
		}
		c.envName = m.Env
		return nil
	default:
		return fmt.Errorf("credential must be a string or {env: NAME}")
	}
}

// MarshalYAML implements yaml.Marshaler, preserving the indirection.
func (c Credential) MarshalYAML() (any, error) {
	if c.envName != "" {
		return map[string]string{"env": c.envName}, nil
	}
	return c.value, nil
}

// Literal builds a literal credential, for tests and programmatic
// assembly.
func Literal(v string) Credential { return Credential{value: v} }

// Resolve returns the credential value, reading the environment for
// indirected credentials. A missing environment variable is an error.
func (c Credential) Resolve() (string, error) {
	if c.envName == "" {
		return c.value, nil
	}
	v, ok := os.LookupEnv(c.envName)
	if !ok {
		return "", fmt.Errorf("%w: environment variable %s not set", ErrInvalid, c.envName)
	}
	return v, nil
}

// IsZero reports whether the credential is entirely unset.
func (c Credential) IsZero() bool { return c.value == "" && c.envName == "" }

// CacheConfig is the per-level tuning block shared by all cache tiers.
type CacheConfig struct {
	// MaxSize is the byte cap; 0 means unlimited.
	MaxSize int64 `yaml:"max_size"`
	// MaxElements is the element cap; 0 means unlimited.
	MaxElements int64 `yaml:"max_elements"`
	// EvictFreeThreshold is the free fraction at which eviction starts:
	// eviction triggers when used exceeds (1 - threshold) of the cap.
	EvictFreeThreshold float64 `yaml:"evict_free_threshold"`
	// EvictHysterysis widens the gap between eviction start and stop.
	// The original's spelling is kept for config compatibility.
	EvictHysterysis float64 `yaml:"evict_hysterysis"`
	// Priority is which entries to favour for retention: newest,
	// largest, smallest or thumbnail.
	Priority string `yaml:"priority"`
	// Writeback is eager, lazy or never.
	Writeback string `yaml:"writeback"`
	// AlarmFreeThreshold is the free fraction below which alarms fire.
	AlarmFreeThreshold float64 `yaml:"alarm_free_threshold"`
}

func defaultCacheConfig() CacheConfig {
	return CacheConfig{
		EvictFreeThreshold: 0.2,
		EvictHysterysis:    0.2,
		Priority:           "newest",
		Writeback:          "never",
		AlarmFreeThreshold: 0.1,
	}
}

// LocalCacheConfig configures the filesystem tier.
type LocalCacheConfig struct {
	CacheConfig `yaml:",inline"`
	// Root is the cache directory.
	Root string `yaml:"root"`
	// Initialise wipes the root at boot.
	Initialise bool `yaml:"initialise"`
}

// RemoteConfig is the connection block shared by remote containers.
type RemoteConfig struct {
	// Provider selects the backend implementation: minio or s3.
	Provider string `yaml:"provider"`
	// Container is the bucket/container name.
	Container string `yaml:"container"`
	// ServerURL is the endpoint, e.g. https://swift.example.org:8888.
	ServerURL string `yaml:"server_url"`
	// Region is passed to providers that need one.
	Region string `yaml:"region"`
	// Prefix is prepended to all object names.
	Prefix    string     `yaml:"prefix"`
	AccessKey Credential `yaml:"access_key"`
	SecretKey Credential `yaml:"secret_key"`
	// Insecure disables TLS (test deployments).
	Insecure bool `yaml:"insecure"`
}

// SwiftCacheConfig configures the remote derivative-cache container.
type SwiftCacheConfig struct {
	CacheConfig  `yaml:",inline"`
	RemoteConfig `yaml:",inline"`
	// Initialise wipes the container at boot.
	Initialise bool `yaml:"initialise"`
	// UseFileCache streams remote downloads through the local file cache.
	UseFileCache bool `yaml:"use_file_cache"`
}

// PersistentStoreConfig configures the authoritative originals container.
type PersistentStoreConfig struct {
	RemoteConfig `yaml:",inline"`
	// Initialise wipes the container at boot. Destroys originals; only
	// meaningful together with create_new on fresh deployments.
	Initialise bool `yaml:"initialise"`
	// UseFileCache streams remote downloads through the local file cache.
	UseFileCache bool `yaml:"use_file_cache"`
	// URLKey is the signing key for providers that need one.
	URLKey Credential `yaml:"url_key"`
	// URLLifetime is the guaranteed validity of handed-out URLs, seconds.
	URLLifetime int64 `yaml:"url_lifetime"`
	// URLLifetimeSlack extends the true expiry so URLs issued within the
	// slack window can be reused without re-signing, seconds.
	URLLifetimeSlack int64 `yaml:"url_lifetime_slack"`
	// URLMethod is the HTTP method the URLs grant.
	URLMethod string `yaml:"url_method"`
}

// Config is the repository configuration document.
type Config struct {
	// AlarmThreshold is the global default alarm free-ratio.
	AlarmThreshold float64 `yaml:"alarm_threshold"`
	// ImageDefaultFormat applies when a request has no kind.
	ImageDefaultFormat string `yaml:"image_default_format"`
	// CanonicalFormat and CanonicalFormatUsed route derivations through
	// one intermediate format.
	CanonicalFormat     string `yaml:"canonical_format"`
	CanonicalFormatUsed bool   `yaml:"canonical_format_used"`
	// CreateNew wipes and recreates all containers and caches at boot.
	CreateNew bool `yaml:"create_new"`
	// MaxImages and MaxSize are advisory global ceilings (0 unlimited);
	// they surface in stats and never drive eviction.
	MaxImages int64 `yaml:"max_images"`
	MaxSize   int64 `yaml:"max_size"`

	ThumbnailDefaultFormat    string  `yaml:"thumbnail_default_format"`
	ThumbnailDefaultSize      [2]int  `yaml:"thumbnail_default_size"`
	ThumbnailEqualise         bool    `yaml:"thumbnail_equalise"`
	ThumbnailSharpen          bool    `yaml:"thumbnail_sharpen"`
	ThumbnailLiquidResize     bool    `yaml:"thumbnail_liquid_resize"`
	ThumbnailLiquidCutinRatio float64 `yaml:"thumbnail_liquid_cutin_ratio"`

	MemoryCache MemoryCacheConfig     `yaml:"memory_cache_configuration"`
	LocalCache  LocalCacheConfig      `yaml:"local_cache_configuration"`
	SwiftCache  SwiftCacheConfig      `yaml:"swift_cache_configuration"`
	Persistent  PersistentStoreConfig `yaml:"persistent_store_configuration"`

	// DownloadRateLimit bounds remote download bandwidth, bytes/second.
	DownloadRateLimit int64 `yaml:"download_rate_limit"`

	PidFile                string `yaml:"pid_file"`
	RepositoryBasePathname string `yaml:"repository_base_pathname"`
	ListenAddress          string `yaml:"listen_address"`
}

// MemoryCacheConfig configures the in-process tier.
type MemoryCacheConfig struct {
	CacheConfig `yaml:",inline"`
	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled"`
}

// Default returns the configuration defaults, matching the original
// deployment's values.
func Default() *Config {
	return &Config{
		AlarmThreshold:            0.1,
		ImageDefaultFormat:        "jpg",
		ThumbnailDefaultFormat:    "jpg",
		ThumbnailDefaultSize:      [2]int{50, 50},
		ThumbnailEqualise:         true,
		ThumbnailSharpen:          true,
		ThumbnailLiquidResize:     true,
		ThumbnailLiquidCutinRatio: 5.0,
		MemoryCache:               MemoryCacheConfig{CacheConfig: defaultCacheConfig()},
		LocalCache:                LocalCacheConfig{CacheConfig: defaultCacheConfig()},
		SwiftCache:                SwiftCacheConfig{CacheConfig: defaultCacheConfig()},
		Persistent: PersistentStoreConfig{
			URLLifetime:      2 * 24 * 3600,
			URLLifetimeSlack: 24 * 3600,
			URLMethod:        "GET",
		},
		RepositoryBasePathname: "/images",
		ListenAddress:          ":8080",
	}
}

// Load reads and validates the configuration file at path. Values not
// present keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return Parse(data)
}

// Parse decodes a configuration document over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	// Level alarm thresholds the document leaves unset inherit the
	// global alarm_threshold.
	levels := []*CacheConfig{&cfg.MemoryCache.CacheConfig, &cfg.LocalCache.CacheConfig, &cfg.SwiftCache.CacheConfig}
	for _, cc := range levels {
		cc.AlarmFreeThreshold = 0
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	for _, cc := range levels {
		if cc.AlarmFreeThreshold == 0 {
			cc.AlarmFreeThreshold = cfg.AlarmThreshold
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if _, err := imagekey.FormatFromString(c.ImageDefaultFormat); err != nil {
		return fmt.Errorf("%w: image_default_format: %v", ErrInvalid, err)
	}
	if _, err := imagekey.FormatFromString(c.ThumbnailDefaultFormat); err != nil {
		return fmt.Errorf("%w: thumbnail_default_format: %v", ErrInvalid, err)
	}
	if c.CanonicalFormatUsed {
		if _, err := imagekey.FormatFromString(c.CanonicalFormat); err != nil {
			return fmt.Errorf("%w: canonical_format: %v", ErrInvalid, err)
		}
	}
	if c.ThumbnailDefaultSize[0] <= 0 || c.ThumbnailDefaultSize[1] <= 0 {
		return fmt.Errorf("%w: thumbnail_default_size must be positive", ErrInvalid)
	}
	if c.ThumbnailLiquidResize && c.ThumbnailLiquidCutinRatio <= 0 {
		return fmt.Errorf("%w: thumbnail_liquid_cutin_ratio must be positive", ErrInvalid)
	}
	for name, cc := range map[string]CacheConfig{
		"memory_cache_configuration": c.MemoryCache.CacheConfig,
		"local_cache_configuration":  c.LocalCache.CacheConfig,
		"swift_cache_configuration":  c.SwiftCache.CacheConfig,
	} {
		if err := cc.validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
		}
	}
	if c.Persistent.Container == "" {
		return fmt.Errorf("%w: persistent_store_configuration.container is required", ErrInvalid)
	}
	if c.Persistent.URLLifetime <= 0 {
		return fmt.Errorf("%w: url_lifetime must be positive", ErrInvalid)
	}
	if c.Persistent.URLLifetimeSlack < 0 {
		return fmt.Errorf("%w: url_lifetime_slack must not be negative", ErrInvalid)
	}
	return nil
}

func (cc CacheConfig) validate() error {
	if cc.MaxSize < 0 || cc.MaxElements < 0 {
		return fmt.Errorf("negative capacity")
	}
	if cc.EvictFreeThreshold <= 0 || cc.EvictFreeThreshold >= 1 {
		return fmt.Errorf("evict_free_threshold %v outside (0,1)", cc.EvictFreeThreshold)
	}
	if cc.EvictHysterysis < 0 {
		return fmt.Errorf("negative evict_hysterysis")
	}
	if cc.AlarmFreeThreshold <= 0 || cc.AlarmFreeThreshold >= 1 {
		return fmt.Errorf("alarm_free_threshold %v outside (0,1)", cc.AlarmFreeThreshold)
	}
	switch cc.Priority {
	case "newest", "largest", "smallest", "thumbnail":
	default:
		return fmt.Errorf("unknown priority %q", cc.Priority)
	}
	switch cc.Writeback {
	case "eager", "lazy", "never":
	default:
		return fmt.Errorf("unknown writeback %q", cc.Writeback)
	}
	return nil
}

// URLLifetimeDuration returns the configured guaranteed URL lifetime.
func (p PersistentStoreConfig) URLLifetimeDuration() time.Duration {
	return time.Duration(p.URLLifetime) * time.Second
}

// URLSlackDuration returns the configured URL reuse window.
func (p PersistentStoreConfig) URLSlackDuration() time.Duration {
	return time.Duration(p.URLLifetimeSlack) * time.Second
}

// MemoryEnabled reports whether the memory tier is configured on.
func (m MemoryCacheConfig) MemoryEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}
