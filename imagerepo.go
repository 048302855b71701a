// Package imagerepo is an on-demand image derivation service: originals
// live in a remote object container, derivatives (resized variants,
// alternate formats, thumbnails) are produced on request and cached in a
// chained hierarchy of tiers — in-process memory, local filesystem and a
// remote derivative container — with uniform eviction, writeback and
// alarm semantics. The service keeps no database: a derivative is fully
// determined by (identity, transform parameters) and can be regenerated
// from its original at any time.
package imagerepo

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/adelaideecoinformatics/imagerepo/blobstore"
	minioblob "github.com/adelaideecoinformatics/imagerepo/blobstore/minio"
	s3blob "github.com/adelaideecoinformatics/imagerepo/blobstore/s3"
	"github.com/adelaideecoinformatics/imagerepo/cache"
	"github.com/adelaideecoinformatics/imagerepo/config"
	"github.com/adelaideecoinformatics/imagerepo/engine"
	"github.com/adelaideecoinformatics/imagerepo/imagekey"
	"github.com/adelaideecoinformatics/imagerepo/resource"
	"github.com/adelaideecoinformatics/imagerepo/transform"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
)

// Repository is the public façade over the derivation coordinator and
// the cache stack.
type Repository struct {
	coord   *engine.Coordinator
	logger  *Logger
	metrics MetricsCollector
	cfg     *config.Config
}

// Open assembles a Repository from configuration: backends, cache chain
// and coordinator. The context bounds startup work (container checks,
// initialisation wipes, initial listings).
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Repository, error) {
	o := options{
		logger:  NewLogger(nil),
		metrics: NoopMetricsCollector{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	alarm := func(ev cache.AlarmEvent) {
		logger.LogAlarm(ev.LevelID, ev.UsedBytes, ev.MaxBytes)
		o.metrics.RecordAlarm(ev.LevelID)
		if o.alarmSink != nil {
			o.alarmSink(ev)
		}
	}

	originals := o.originals
	if originals == nil {
		var err error
		originals, err = buildBackend(cfg.Persistent.RemoteConfig)
		if err != nil {
			return nil, fmt.Errorf("%w: persistent store: %v", ErrConfig, err)
		}
	}
	if err := initializeBackend(ctx, originals, cfg.CreateNew || cfg.Persistent.Initialise); err != nil {
		return nil, fmt.Errorf("persistent store: %w", err)
	}

	var derivatives blobstore.Backend
	if o.derivatives != nil {
		derivatives = o.derivatives
	} else if cfg.SwiftCache.Container != "" {
		var err error
		derivatives, err = buildBackend(cfg.SwiftCache.RemoteConfig)
		if err != nil {
			return nil, fmt.Errorf("%w: swift cache: %v", ErrConfig, err)
		}
	}
	if derivatives != nil {
		if err := initializeBackend(ctx, derivatives, cfg.CreateNew || cfg.SwiftCache.Initialise); err != nil {
			return nil, fmt.Errorf("swift cache: %w", err)
		}
	}

	throttle := resource.NewThrottle(cfg.DownloadRateLimit)
	presign := cache.PresignConfig{
		Method:   cfg.Persistent.URLMethod,
		Lifetime: cfg.Persistent.URLLifetimeDuration(),
		Slack:    cfg.Persistent.URLSlackDuration(),
	}

	// The chain is wired bottom-up: the derivative container first, then
	// the file tier writing back into it, then memory on top.
	var (
		levels    []cache.Level
		derivTier *cache.ObjectCache
		fileTier  *cache.FileCache
		next      cache.Level
	)

	if derivatives != nil {
		var err error
		derivTier, err = cache.NewObjectCache(ctx, cache.ObjectConfig{
			ID:       "swift-cache",
			Backend:  derivatives,
			Policy:   levelPolicy(cfg.SwiftCache.CacheConfig, cfg.AlarmThreshold),
			Alarm:    alarm,
			Logger:   logger.Logger,
			Throttle: throttle,
			Presign:  &presign,
		})
		if err != nil {
			return nil, err
		}
		next = derivTier
	}

	if cfg.LocalCache.Root != "" {
		var err error
		fileTier, err = cache.NewFileCache(cache.FileConfig{
			ID:         "local-cache",
			Root:       cfg.LocalCache.Root,
			Policy:     levelPolicy(cfg.LocalCache.CacheConfig, cfg.AlarmThreshold),
			Next:       next,
			Alarm:      alarm,
			Logger:     logger.Logger,
			Initialize: cfg.CreateNew || cfg.LocalCache.Initialise,
		})
		if err != nil {
			return nil, err
		}
		next = fileTier
		if derivTier != nil && cfg.SwiftCache.UseFileCache {
			derivTier.UseFileCache(fileTier)
		}
	}

	if cfg.MemoryCache.MemoryEnabled() {
		mem, err := cache.NewMemoryCache(cache.MemoryConfig{
			ID:     "memory-cache",
			Policy: levelPolicy(cfg.MemoryCache.CacheConfig, cfg.AlarmThreshold),
			Next:   next,
			Alarm:  alarm,
			Logger: logger.Logger,
		})
		if err != nil {
			return nil, err
		}
		levels = append(levels, mem)
	}
	if fileTier != nil {
		levels = append(levels, fileTier)
	}
	if derivTier != nil {
		levels = append(levels, derivTier)
	}

	var storeFile *cache.FileCache
	if cfg.Persistent.UseFileCache {
		storeFile = fileTier
	}
	store, err := cache.NewObjectStore(cache.StoreConfig{
		ID:        "persistent-store",
		Backend:   originals,
		Logger:    logger.Logger,
		FileCache: storeFile,
		Throttle:  throttle,
		Presign:   presign,
	})
	if err != nil {
		return nil, err
	}

	transformer := o.transformer
	if transformer == nil {
		canonical, _ := imagekey.FormatFromString(cfg.CanonicalFormat)
		transformer = &transform.Pipeline{
			CanonicalFormat: canonical,
			CanonicalUsed:   cfg.CanonicalFormatUsed,
		}
	}

	imageFormat, err := imagekey.FormatFromString(cfg.ImageDefaultFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	thumbFormat, err := imagekey.FormatFromString(cfg.ThumbnailDefaultFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	coord, err := engine.New(engine.CoreContext{
		Levels:         levels,
		Store:          store,
		DerivativeTier: derivTier,
		Transformer:    transformer,
		Logger:         logger.Logger,
		Defaults: engine.Defaults{
			ImageFormat:          imageFormat,
			ThumbnailFormat:      thumbFormat,
			ThumbnailWidth:       cfg.ThumbnailDefaultSize[0],
			ThumbnailHeight:      cfg.ThumbnailDefaultSize[1],
			ThumbnailEqualise:    cfg.ThumbnailEqualise,
			ThumbnailSharpen:     cfg.ThumbnailSharpen,
			ThumbnailLiquid:      cfg.ThumbnailLiquidResize,
			ThumbnailLiquidCutin: cfg.ThumbnailLiquidCutinRatio,
		},
	})
	if err != nil {
		return nil, err
	}

	return &Repository{
		coord:   coord,
		logger:  logger,
		metrics: o.metrics,
		cfg:     cfg,
	}, nil
}

// levelPolicy maps the configuration block to the cache policy. The
// original's evict_free_threshold names the free fraction at which
// eviction begins, so the start ratio is its complement.
func levelPolicy(cc config.CacheConfig, globalAlarm float64) cache.Policy {
	alarmFree := cc.AlarmFreeThreshold
	if alarmFree == 0 {
		alarmFree = globalAlarm
	}
	return cache.Policy{
		MaxBytes:        cc.MaxSize,
		MaxElements:     cc.MaxElements,
		EvictStartRatio: 1 - cc.EvictFreeThreshold,
		EvictHysteresis: cc.EvictHysterysis,
		AlarmFreeRatio:  alarmFree,
		Priority:        cache.Priority(cc.Priority),
		Writeback:       cache.Writeback(cc.Writeback),
	}
}

func initializeBackend(ctx context.Context, b blobstore.Backend, wipe bool) error {
	init, ok := b.(blobstore.Initializer)
	if !ok {
		return nil
	}
	return init.Initialize(ctx, wipe)
}

// buildBackend constructs a remote container client from configuration.
func buildBackend(rc config.RemoteConfig) (blobstore.Backend, error) {
	accessKey, err := rc.AccessKey.Resolve()
	if err != nil {
		return nil, err
	}
	secretKey, err := rc.SecretKey.Resolve()
	if err != nil {
		return nil, err
	}

	switch rc.Provider {
	case "", "minio", "swift":
		endpoint, secure, err := splitEndpoint(rc.ServerURL)
		if err != nil {
			return nil, err
		}
		client, err := minio.New(endpoint, &minio.Options{
			Creds:  miniocreds.NewStaticV4(accessKey, secretKey, ""),
			Secure: secure && !rc.Insecure,
			Region: rc.Region,
		})
		if err != nil {
			return nil, err
		}
		return minioblob.New(client, rc.Container, rc.Prefix), nil

	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(rc.Region),
			awsconfig.WithCredentialsProvider(awscreds.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		)
		if err != nil {
			return nil, err
		}
		client := awss3.NewFromConfig(awsCfg, func(opt *awss3.Options) {
			if rc.ServerURL != "" {
				opt.BaseEndpoint = aws.String(rc.ServerURL)
				opt.UsePathStyle = true
			}
		})
		return s3blob.New(client, rc.Container, rc.Prefix), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", rc.Provider)
	}
}

func splitEndpoint(serverURL string) (endpoint string, secure bool, err error) {
	if serverURL == "" {
		return "", false, fmt.Errorf("server_url is required")
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", false, fmt.Errorf("server_url: %w", err)
	}
	if u.Host == "" {
		// Bare host:port without a scheme.
		return serverURL, true, nil
	}
	return u.Host, u.Scheme != "http", nil
}

// Resolve returns the artifact for (identity, params).
func (r *Repository) Resolve(ctx context.Context, identity string, params imagekey.TransformParams) ([]byte, engine.ResolveInfo, error) {
	start := time.Now()
	data, info, err := r.coord.Resolve(ctx, identity, params)
	d := time.Since(start)
	r.metrics.RecordResolve(info.HitLevel, info.Derived, d, err)
	r.logger.LogResolve(ctx, identity, info.HitLevel, info.Derived, d, err)
	return data, info, err
}

// ResolveURL returns a presigned URL for the artifact.
func (r *Repository) ResolveURL(ctx context.Context, identity string, params imagekey.TransformParams) (string, error) {
	start := time.Now()
	u, err := r.coord.ResolveURL(ctx, identity, params)
	r.metrics.RecordResolve("url", !params.IsOriginal(), time.Since(start), err)
	return u, err
}

// Upload stores an original and invalidates every cached artifact that
// shares its identity.
func (r *Repository) Upload(ctx context.Context, identity string, data []byte) error {
	start := time.Now()
	err := r.coord.Upload(ctx, identity, data)
	d := time.Since(start)
	r.metrics.RecordUpload(len(data), d, err)
	r.logger.LogUpload(ctx, identity, len(data), d, err)
	return err
}

// Delete removes an original and every cached artifact of its identity.
func (r *Repository) Delete(ctx context.Context, identity string) error {
	return r.coord.Delete(ctx, identity)
}

// List enumerates identities, optionally filtered by the regular
// expression pattern.
func (r *Repository) List(ctx context.Context, pattern string) ([]imagekey.Identity, error) {
	var (
		re  *regexp.Regexp
		err error
	)
	if pattern != "" {
		re, err = regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: pattern: %v", ErrConfig, err)
		}
	}
	start := time.Now()
	ids, err := r.coord.List(ctx, re)
	r.metrics.RecordList(len(ids), time.Since(start), err)
	return ids, err
}

// Meta returns the metadata record of an original.
func (r *Repository) Meta(ctx context.Context, identity string) (transform.Meta, error) {
	start := time.Now()
	m, err := r.coord.Meta(ctx, identity)
	r.metrics.RecordMeta(time.Since(start), err)
	return m, err
}

// Stats snapshots the cache levels and the store, plus the configured
// advisory global ceilings.
type Stats struct {
	Levels    []engine.LevelStats
	MaxImages int64
	MaxSize   int64
}

// Stats returns the accounting snapshot of the whole stack.
func (r *Repository) Stats(ctx context.Context) (Stats, error) {
	levels, err := r.coord.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Levels:    levels,
		MaxImages: r.cfg.MaxImages,
		MaxSize:   r.cfg.MaxSize,
	}, nil
}

// Health probes the originals container.
func (r *Repository) Health(ctx context.Context) error {
	return r.coord.Health(ctx)
}

// Config returns the configuration the repository was opened with.
func (r *Repository) Config() *config.Config { return r.cfg }

// Close shuts the cache stack down, draining writeback queues and
// flushing the file-cache index best-effort.
func (r *Repository) Close() error {
	return r.coord.Close()
}
