package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/adelaideecoinformatics/imagerepo/blobstore"
	"github.com/adelaideecoinformatics/imagerepo/imagekey"
	"github.com/adelaideecoinformatics/imagerepo/resource"
	"golang.org/x/sync/errgroup"
)

const defaultRefreshInterval = time.Minute

// PresignConfig configures presigned URL emission for a container.
// The true expiry of an issued URL is Lifetime+Slack; a cached URL is
// reused for Slack after issuance, so any URL handed out still has at
// least Lifetime of validity left.
type PresignConfig struct {
	Method   string
	Lifetime time.Duration
	Slack    time.Duration
}

func (p PresignConfig) withDefaults() PresignConfig {
	if p.Method == "" {
		p.Method = http.MethodGet
	}
	if p.Lifetime <= 0 {
		p.Lifetime = 48 * time.Hour
	}
	if p.Slack < 0 {
		p.Slack = 0
	}
	return p
}

// presigner caches presigned URLs per object so repeated URL requests
// within the slack window do not thrash the signing path.
type presigner struct {
	backend blobstore.Backend
	cfg     PresignConfig
	now     func() time.Time

	mu   sync.Mutex
	urls map[string]issuedURL
}

type issuedURL struct {
	url      string
	issuedAt time.Time
}

func newPresigner(backend blobstore.Backend, cfg PresignConfig, clock func() time.Time) *presigner {
	if clock == nil {
		clock = time.Now
	}
	return &presigner{
		backend: backend,
		cfg:     cfg.withDefaults(),
		now:     clock,
		urls:    make(map[string]issuedURL),
	}
}

func (p *presigner) presign(ctx context.Context, name string) (string, error) {
	now := p.now()

	p.mu.Lock()
	if e, ok := p.urls[name]; ok && now.Sub(e.issuedAt) < p.cfg.Slack {
		url := e.url
		p.mu.Unlock()
		return url, nil
	}
	p.mu.Unlock()

	url, err := p.backend.Presign(ctx, name, p.cfg.Method, p.cfg.Lifetime+p.cfg.Slack)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.urls[name] = issuedURL{url: url, issuedAt: now}
	// Opportunistic expiry sweep keeps the table bounded.
	for n, e := range p.urls {
		if now.Sub(e.issuedAt) >= p.cfg.Lifetime+p.cfg.Slack {
			delete(p.urls, n)
		}
	}
	p.mu.Unlock()
	return url, nil
}

func (p *presigner) invalidate(name string) {
	p.mu.Lock()
	delete(p.urls, name)
	p.mu.Unlock()
}

// ObjectConfig configures a remote derivative-cache level.
type ObjectConfig struct {
	// ID names the level; defaults to "object".
	ID string
	// Backend is the remote container holding the entries.
	Backend blobstore.Backend
	// Policy holds capacity and eviction settings.
	Policy Policy
	// Next is the tier below, receiving writebacks. May be nil.
	Next Level
	// Alarm receives free-space alarm events. May be nil.
	Alarm AlarmSink
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// LazyQueueDepth bounds the lazy writeback queue.
	LazyQueueDepth int
	// FileCache, when set, receives every downloaded blob as a
	// side-effect insert (the use_file_cache option).
	FileCache *FileCache
	// Throttle bounds download bandwidth. May be nil.
	Throttle *resource.Throttle
	// RefreshInterval is how stale the remote listing snapshot may grow
	// before accounting refreshes it; defaults to one minute.
	RefreshInterval time.Duration
	// Presign enables presigned URLs for this container.
	Presign *PresignConfig
	// Clock is overridable in tests; defaults to time.Now.
	Clock func() time.Time
}

// ObjectCache is a remote bounded cache of derivatives. Entries are
// objects named by their derivative key. Access-time tracking is best
// effort: the remote last-modified stands in for atime, so the newest
// priority degrades to LRU by last-modified.
type ObjectCache struct {
	id        string
	backend   blobstore.Backend
	policy    Policy
	next      Level
	alarm     AlarmSink
	logger    *slog.Logger
	now       func() time.Time
	fileCache *FileCache
	throttle  *resource.Throttle
	wb        *writebackQueue
	urls      *presigner

	mu          sync.Mutex
	index       map[imagekey.Key]objectMeta
	used        int64
	lastRefresh time.Time
	refresh     time.Duration
}

type objectMeta struct {
	size      int64
	atime     time.Time
	thumbnail bool
}

var _ Level = (*ObjectCache)(nil)

// NewObjectCache creates a remote cache level and takes an initial
// listing snapshot for accounting.
func NewObjectCache(ctx context.Context, cfg ObjectConfig) (*ObjectCache, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("object cache: backend not set")
	}
	policy := cfg.Policy.withDefaults()
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("object cache: %w", err)
	}

	c := &ObjectCache{
		id:        cfg.ID,
		backend:   cfg.Backend,
		policy:    policy,
		next:      cfg.Next,
		alarm:     cfg.Alarm,
		logger:    cfg.Logger,
		now:       cfg.Clock,
		fileCache: cfg.FileCache,
		throttle:  cfg.Throttle,
		index:     make(map[imagekey.Key]objectMeta),
		refresh:   cfg.RefreshInterval,
	}
	if c.id == "" {
		c.id = "object"
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.refresh <= 0 {
		c.refresh = defaultRefreshInterval
	}
	if policy.Writeback == WritebackLazy && cfg.Next != nil {
		c.wb = newWritebackQueue(cfg.Next, cfg.LazyQueueDepth, c.logger)
	}
	if cfg.Presign != nil {
		c.urls = newPresigner(cfg.Backend, *cfg.Presign, c.now)
	}

	c.mu.Lock()
	if err := c.refreshLocked(ctx, true); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("object cache: initial listing: %w", err)
	}
	c.mu.Unlock()
	return c, nil
}

// ID implements Level.
func (c *ObjectCache) ID() string { return c.id }

// NextLevel implements Level.
func (c *ObjectCache) NextLevel() Level { return c.next }

// Writeback implements Level.
func (c *ObjectCache) Writeback() Writeback { return c.policy.Writeback }

// refreshLocked rebuilds the accounting snapshot from a remote listing
// when it has grown stale (or force is set).
func (c *ObjectCache) refreshLocked(ctx context.Context, force bool) error {
	if !force && c.now().Sub(c.lastRefresh) < c.refresh {
		return nil
	}
	infos, err := c.backend.List(ctx, "")
	if err != nil {
		return err
	}
	index := make(map[imagekey.Key]objectMeta, len(infos))
	var used int64
	for _, info := range infos {
		key := imagekey.Key(info.Name)
		index[key] = objectMeta{
			size:      info.Size,
			atime:     info.LastModified,
			thumbnail: key.IsThumbnail(),
		}
		used += info.Size
	}
	c.index = index
	c.used = used
	c.lastRefresh = c.now()
	return nil
}

// Get downloads the object. Downloads stream through the throttle budget
// and, when configured, are inserted into the local file cache on the way
// through.
func (c *ObjectCache) Get(ctx context.Context, key imagekey.Key) (*Entry, error) {
	data, info, err := c.backend.Get(ctx, string(key))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%s: %q: %w", c.id, key, ErrNotFound)
		}
		return nil, fmt.Errorf("%s: get %q: %w", c.id, key, err)
	}
	if err := c.throttle.WaitN(ctx, len(data)); err != nil {
		return nil, err
	}

	now := c.now()
	thumb := key.IsThumbnail()
	c.mu.Lock()
	if m, ok := c.index[key]; ok {
		m.atime = now
		c.index[key] = m
	} else {
		c.index[key] = objectMeta{size: info.Size, atime: now, thumbnail: thumb}
		c.used += info.Size
	}
	c.mu.Unlock()

	if c.fileCache != nil {
		if err := c.fileCache.Put(ctx, key, data, thumb); err != nil {
			c.logger.Warn("file cache side insert failed",
				"level", c.id, "key", string(key), "error", err)
		}
	}

	return &Entry{
		Key:       key,
		Data:      data,
		Size:      info.Size,
		CTime:     info.LastModified,
		ATime:     now,
		Thumbnail: thumb,
	}, nil
}

// Put uploads the entry and runs an eviction pass if the container
// crossed its trigger.
func (c *ObjectCache) Put(ctx context.Context, key imagekey.Key, data []byte, thumbnail bool) error {
	size := int64(len(data))
	if c.policy.MaxBytes > 0 && size > c.policy.MaxBytes {
		return fmt.Errorf("%s: %q (%d bytes): %w", c.id, key, size, ErrCapacity)
	}

	if err := c.backend.Put(ctx, string(key), data); err != nil {
		return fmt.Errorf("%s: put %q: %w", c.id, key, err)
	}

	now := c.now()
	c.mu.Lock()
	if err := c.refreshLocked(ctx, false); err != nil {
		c.logger.Warn("listing refresh failed", "level", c.id, "error", err)
	}
	if prev, ok := c.index[key]; ok {
		c.used -= prev.size
	}
	c.index[key] = objectMeta{size: size, atime: now, thumbnail: thumbnail}
	c.used += size

	if evictionNeeded(c.policy, c.used, int64(len(c.index))) {
		c.evictLocked(ctx)
	}
	used := c.used
	c.mu.Unlock()

	c.maybeAlarm(used)
	return nil
}

func (c *ObjectCache) evictLocked(ctx context.Context) {
	victims := make([]victim, 0, len(c.index))
	for k, m := range c.index {
		victims = append(victims, victim{key: k, size: m.size, atime: m.atime, thumbnail: m.thumbnail})
	}

	for _, v := range evictionPlan(c.policy, victims, c.used, int64(len(c.index))) {
		m := c.index[v.key]
		c.writebackEvicted(ctx, v.key, m)
		if err := c.backend.Delete(ctx, string(v.key)); err != nil {
			c.logger.Warn("evict delete failed", "level", c.id, "key", string(v.key), "error", err)
			continue
		}
		if c.urls != nil {
			c.urls.invalidate(string(v.key))
		}
		delete(c.index, v.key)
		c.used -= m.size
	}
}

func (c *ObjectCache) writebackEvicted(ctx context.Context, key imagekey.Key, m objectMeta) {
	if c.next == nil || c.policy.Writeback == WritebackNever {
		return
	}
	data, _, err := c.backend.Get(ctx, string(key))
	if err != nil {
		c.logger.Warn("eviction writeback fetch failed", "level", c.id, "key", string(key), "error", err)
		return
	}
	e := &Entry{Key: key, Data: data, Size: m.size, CTime: m.atime, ATime: m.atime, Thumbnail: m.thumbnail}
	switch c.policy.Writeback {
	case WritebackEager:
		if err := c.next.Put(ctx, e.Key, e.Data, e.Thumbnail); err != nil {
			c.logger.Warn("eviction writeback failed",
				"level", c.id, "next", c.next.ID(), "key", string(key), "error", err)
		}
	case WritebackLazy:
		if c.wb != nil && !c.wb.enqueue(e) {
			c.logger.Debug("lazy writeback queue full, dropping", "level", c.id, "key", string(key))
		}
	}
}

// UseFileCache wires the local file cache for download side-inserts.
// Call during stack assembly, before the level starts serving.
func (c *ObjectCache) UseFileCache(fc *FileCache) { c.fileCache = fc }

// Contains reports whether the container currently holds the key.
func (c *ObjectCache) Contains(ctx context.Context, key imagekey.Key) bool {
	_, err := c.backend.Stat(ctx, string(key))
	return err == nil
}

// Presign returns a time-limited URL for a cached derivative.
func (c *ObjectCache) Presign(ctx context.Context, key imagekey.Key) (string, error) {
	if c.urls == nil {
		return "", fmt.Errorf("%s: presigning not configured", c.id)
	}
	return c.urls.presign(ctx, string(key))
}

// Invalidate removes every matching object. The listing is refreshed
// first so invalidation is exhaustive; deletions fan out bounded.
func (c *ObjectCache) Invalidate(ctx context.Context, pred func(imagekey.Key) bool) (int, error) {
	c.mu.Lock()
	if err := c.refreshLocked(ctx, true); err != nil {
		c.mu.Unlock()
		return 0, fmt.Errorf("%s: invalidate listing: %w", c.id, err)
	}
	var doomed []imagekey.Key
	for k := range c.index {
		if pred(k) {
			doomed = append(doomed, k)
		}
	}
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, key := range doomed {
		g.Go(func() error {
			return c.backend.Delete(gctx, string(key))
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("%s: invalidate: %w", c.id, err)
	}

	c.mu.Lock()
	for _, key := range doomed {
		if m, ok := c.index[key]; ok {
			delete(c.index, key)
			c.used -= m.size
		}
		if c.urls != nil {
			c.urls.invalidate(string(key))
		}
	}
	c.mu.Unlock()
	return len(doomed), nil
}

// Stat implements Level. Accounting refreshes from the remote listing
// when stale.
func (c *ObjectCache) Stat(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	if err := c.refreshLocked(ctx, false); err != nil {
		c.logger.Warn("listing refresh failed", "level", c.id, "error", err)
	}
	used := c.used
	count := int64(len(c.index))
	c.mu.Unlock()

	triggered := alarmed(c.policy, used)
	if triggered {
		c.maybeAlarm(used)
	}
	return Stats{
		UsedBytes:      used,
		ElementCount:   count,
		MaxBytes:       c.policy.MaxBytes,
		MaxElements:    c.policy.MaxElements,
		AlarmTriggered: triggered,
	}, nil
}

// Close stops the lazy writeback worker.
func (c *ObjectCache) Close() error {
	if c.wb != nil {
		c.wb.close()
	}
	return nil
}

func (c *ObjectCache) maybeAlarm(used int64) {
	if c.alarm == nil || !alarmed(c.policy, used) {
		return
	}
	c.alarm(AlarmEvent{LevelID: c.id, UsedBytes: used, MaxBytes: c.policy.MaxBytes})
}
