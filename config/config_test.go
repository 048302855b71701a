package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
persistent_store_configuration:
  container: originals
  server_url: https://swift.example.org:8888
`

func TestParseMinimalKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "jpg", cfg.ImageDefaultFormat)
	assert.Equal(t, "jpg", cfg.ThumbnailDefaultFormat)
	assert.Equal(t, [2]int{50, 50}, cfg.ThumbnailDefaultSize)
	assert.True(t, cfg.ThumbnailEqualise)
	assert.True(t, cfg.ThumbnailSharpen)
	assert.True(t, cfg.ThumbnailLiquidResize)
	assert.InDelta(t, 5.0, cfg.ThumbnailLiquidCutinRatio, 1e-9)
	assert.Equal(t, int64(2*24*3600), cfg.Persistent.URLLifetime)
	assert.Equal(t, int64(24*3600), cfg.Persistent.URLLifetimeSlack)
	assert.Equal(t, "GET", cfg.Persistent.URLMethod)
	assert.Equal(t, 0.2, cfg.MemoryCache.EvictFreeThreshold)
	assert.Equal(t, "newest", cfg.MemoryCache.Priority)
	assert.Equal(t, "/images", cfg.RepositoryBasePathname)
}

func TestParseFull(t *testing.T) {
	cfg, err := Parse([]byte(`
alarm_threshold: 0.15
image_default_format: png
create_new: true
max_images: 1000
max_size: 1073741824
thumbnail_default_size: [64, 64]
memory_cache_configuration:
  max_size: 104857600
  max_elements: 500
  priority: thumbnail
  writeback: eager
local_cache_configuration:
  root: /var/cache/imagerepo
  initialise: true
  max_size: 10737418240
  writeback: lazy
swift_cache_configuration:
  container: image_cache
  server_url: https://swift.example.org:8888
  use_file_cache: true
  priority: largest
persistent_store_configuration:
  container: originals
  server_url: https://swift.example.org:8888
  url_lifetime: 3600
  url_lifetime_slack: 600
  url_method: GET
pid_file: /var/run/imagerepod.pid
`))
	require.NoError(t, err)

	assert.True(t, cfg.CreateNew)
	assert.Equal(t, int64(104857600), cfg.MemoryCache.MaxSize)
	assert.Equal(t, "thumbnail", cfg.MemoryCache.Priority)
	assert.Equal(t, "eager", cfg.MemoryCache.Writeback)
	assert.Equal(t, "/var/cache/imagerepo", cfg.LocalCache.Root)
	assert.True(t, cfg.LocalCache.Initialise)
	assert.Equal(t, "lazy", cfg.LocalCache.Writeback)
	assert.True(t, cfg.SwiftCache.UseFileCache)
	assert.Equal(t, "image_cache", cfg.SwiftCache.Container)
	assert.Equal(t, int64(3600), cfg.Persistent.URLLifetime)
	assert.Equal(t, "/var/run/imagerepod.pid", cfg.PidFile)
}

func TestCredentialLiteral(t *testing.T) {
	cfg, err := Parse([]byte(`
persistent_store_configuration:
  container: originals
  server_url: https://swift.example.org:8888
  access_key: plain-key
`))
	require.NoError(t, err)

	v, err := cfg.Persistent.AccessKey.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "plain-key", v)
}

func TestCredentialEnvIndirection(t *testing.T) {
	t.Setenv("IMAGEREPO_TEST_SECRET", "from-env")

	cfg, err := Parse([]byte(`
persistent_store_configuration:
  container: originals
  server_url: https://swift.example.org:8888
  secret_key: {env: IMAGEREPO_TEST_SECRET}
`))
	require.NoError(t, err)

	v, err := cfg.Persistent.SecretKey.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)
}

func TestCredentialEnvMissing(t *testing.T) {
	cfg, err := Parse([]byte(`
persistent_store_configuration:
  container: originals
  server_url: https://swift.example.org:8888
  secret_key: {env: IMAGEREPO_TEST_UNSET_VAR}
`))
	require.NoError(t, err)

	_, err = cfg.Persistent.SecretKey.Resolve()
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing container", `{}`},
		{"bad default format", `
image_default_format: webp
persistent_store_configuration: {container: c, server_url: u}
`},
		{"bad priority", `
memory_cache_configuration: {priority: oldest}
persistent_store_configuration: {container: c, server_url: u}
`},
		{"bad writeback", `
local_cache_configuration: {writeback: sometimes}
persistent_store_configuration: {container: c, server_url: u}
`},
		{"zero url lifetime", `
persistent_store_configuration: {container: c, server_url: u, url_lifetime: 0}
`},
		{"canonical format unsupported", `
canonical_format: miff
canonical_format_used: true
persistent_store_configuration: {container: c, server_url: u}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imagerepo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "originals", cfg.Persistent.Container)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrInvalid)
}
