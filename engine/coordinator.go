// Package engine provides the derivation coordinator of the image
// repository.
//
// All reads route through a Coordinator, which turns a request for
// (identity, transform parameters) into a canonical derivative key, a
// top-down probe across the cache chain, and — on a full miss — a
// single-flight derivation from the original: concurrent requests for
// the same key share one fetch and one transform, and every waiter
// receives the same result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/adelaideecoinformatics/imagerepo/blobstore"
	"github.com/adelaideecoinformatics/imagerepo/cache"
	"github.com/adelaideecoinformatics/imagerepo/imagekey"
	"github.com/adelaideecoinformatics/imagerepo/transform"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Defaults supplies the transform parameters filled in when a request
// leaves them unspecified.
type Defaults struct {
	ImageFormat          imagekey.Format
	ThumbnailFormat      imagekey.Format
	ThumbnailWidth       int
	ThumbnailHeight      int
	ThumbnailEqualise    bool
	ThumbnailSharpen     bool
	ThumbnailLiquid      bool
	ThumbnailLiquidCutin float64
}

func (d Defaults) withFallbacks() Defaults {
	if d.ImageFormat == "" {
		d.ImageFormat = imagekey.FormatJPG
	}
	if d.ThumbnailFormat == "" {
		d.ThumbnailFormat = imagekey.FormatJPG
	}
	if d.ThumbnailWidth <= 0 {
		d.ThumbnailWidth = 50
	}
	if d.ThumbnailHeight <= 0 {
		d.ThumbnailHeight = 50
	}
	if d.ThumbnailLiquidCutin <= 0 {
		d.ThumbnailLiquidCutin = 5.0
	}
	return d
}

// CoreContext carries everything a Coordinator needs at construction.
// It replaces any ambient process-wide state: two coordinators with
// different contexts coexist in one process.
type CoreContext struct {
	// Levels is the cache chain, top-down, excluding the store.
	Levels []cache.Level
	// Store is the authoritative originals container.
	Store *cache.ObjectStore
	// DerivativeTier is the remote container that holds derivatives for
	// presigned URL requests. Usually one of Levels. May be nil.
	DerivativeTier *cache.ObjectCache
	// Transformer runs derivations.
	Transformer transform.Transformer
	// Defaults fills unspecified request parameters.
	Defaults Defaults
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// RetryBaseDelay and RetryMaxDelay bound the backoff used when the
	// store reports transient unavailability. Defaults: 100ms and 2s.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// DeriveTimeout caps a single-flight derivation, counted from when
	// the leader starts it; the derivation is detached from any one
	// waiter's cancellation. Defaults to 2 minutes.
	DeriveTimeout time.Duration
}

// ResolveInfo reports where a resolve was satisfied.
type ResolveInfo struct {
	Key      imagekey.Key
	HitLevel string
	Derived  bool
}

// Coordinator implements the miss-handling logic over a cache chain.
type Coordinator struct {
	levels      []cache.Level
	store       *cache.ObjectStore
	derivTier   *cache.ObjectCache
	transformer transform.Transformer
	defaults    Defaults
	logger      *slog.Logger

	retryBase     time.Duration
	retryMax      time.Duration
	deriveTimeout time.Duration

	sf       singleflight.Group
	asyncSem *semaphore.Weighted
}

// New constructs a Coordinator.
func New(cc CoreContext) (*Coordinator, error) {
	if cc.Store == nil {
		return nil, fmt.Errorf("coordinator: store is nil")
	}
	if cc.Transformer == nil {
		return nil, fmt.Errorf("coordinator: transformer is nil")
	}
	c := &Coordinator{
		levels:        cc.Levels,
		store:         cc.Store,
		derivTier:     cc.DerivativeTier,
		transformer:   cc.Transformer,
		defaults:      cc.Defaults.withFallbacks(),
		logger:        cc.Logger,
		retryBase:     cc.RetryBaseDelay,
		retryMax:      cc.RetryMaxDelay,
		deriveTimeout: cc.DeriveTimeout,
		asyncSem:      semaphore.NewWeighted(32),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.retryBase <= 0 {
		c.retryBase = 100 * time.Millisecond
	}
	if c.retryMax <= 0 {
		c.retryMax = 2 * time.Second
	}
	if c.deriveTimeout <= 0 {
		c.deriveTimeout = 2 * time.Minute
	}
	return c, nil
}

// normalize fills request parameters from the configured defaults.
// Derived requests always strip metadata; meta requests read from the
// original instead.
func (c *Coordinator) normalize(p imagekey.TransformParams) imagekey.TransformParams {
	if p.IsOriginal() {
		return p
	}
	if p.Thumbnail {
		if p.Format == "" {
			p.Format = c.defaults.ThumbnailFormat
		}
		if p.MaxWidth <= 0 && p.MaxHeight <= 0 {
			p.MaxWidth = c.defaults.ThumbnailWidth
			p.MaxHeight = c.defaults.ThumbnailHeight
		}
		if p.Enhance == (imagekey.Enhance{}) {
			p.Enhance = imagekey.Enhance{
				Equalise:         c.defaults.ThumbnailEqualise,
				Sharpen:          c.defaults.ThumbnailSharpen,
				LiquidRescale:    c.defaults.ThumbnailLiquid,
				LiquidCutinRatio: c.defaults.ThumbnailLiquidCutin,
			}
		}
		if p.Enhance.LiquidRescale && p.Enhance.LiquidCutinRatio <= 0 {
			p.Enhance.LiquidCutinRatio = c.defaults.ThumbnailLiquidCutin
		}
	}
	if p.Format == "" {
		p.Format = c.defaults.ImageFormat
	}
	p.StripMetadata = true
	return p
}

// Resolve returns the artifact for (identity, params): from cache when
// present, derived from the original otherwise.
func (c *Coordinator) Resolve(ctx context.Context, identity string, params imagekey.TransformParams) ([]byte, ResolveInfo, error) {
	id, err := imagekey.NormalizeIdentity(identity)
	if err != nil {
		return nil, ResolveInfo{}, err
	}
	p := c.normalize(params)
	if err := p.Validate(); err != nil {
		return nil, ResolveInfo{}, err
	}
	key := imagekey.NewKey(id, p)
	info := ResolveInfo{Key: key}

	if e, level, ok := c.probe(ctx, key); ok {
		info.HitLevel = level
		return e.Data, info, nil
	}

	e, err := c.loadShared(ctx, id, p, key)
	if err != nil {
		return nil, info, err
	}
	info.HitLevel = "store"
	info.Derived = !p.IsOriginal()
	data := make([]byte, len(e.Data))
	copy(data, e.Data)
	return data, info, nil
}

// probe walks the cache chain top-down. Hits back-fill every higher
// level according to that level's writeback mode. Tier errors other than
// a miss are logged and treated as misses, so a flaky tier cannot
// prevent service.
func (c *Coordinator) probe(ctx context.Context, key imagekey.Key) (*cache.Entry, string, bool) {
	for i, l := range c.levels {
		e, err := l.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, cache.ErrNotFound) {
				c.logger.Warn("cache probe failed, treating as miss",
					"level", l.ID(), "key", string(key), "error", err)
			}
			continue
		}
		c.backfill(ctx, c.levels[:i], e)
		return e, l.ID(), true
	}
	return nil, "", false
}

// backfill populates the given levels with a hit from below, honouring
// each level's writeback mode.
func (c *Coordinator) backfill(ctx context.Context, levels []cache.Level, e *cache.Entry) {
	for _, l := range levels {
		switch l.Writeback() {
		case cache.WritebackEager:
			if err := l.Put(ctx, e.Key, e.Data, e.Thumbnail); err != nil {
				c.logger.Warn("backfill failed", "level", l.ID(), "key", string(e.Key), "error", err)
			}
		case cache.WritebackLazy:
			c.asyncPut(l, e)
		}
	}
}

// asyncPut inserts without blocking the caller, bounded so a burst of
// backfills cannot spawn unbounded goroutines.
func (c *Coordinator) asyncPut(l cache.Level, e *cache.Entry) {
	if !c.asyncSem.TryAcquire(1) {
		return
	}
	go func() {
		defer c.asyncSem.Release(1)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := l.Put(ctx, e.Key, e.Data, e.Thumbnail); err != nil {
			c.logger.Warn("async backfill failed", "level", l.ID(), "key", string(e.Key), "error", err)
		}
	}()
}

// loadShared collapses concurrent misses for one key into a single
// load. The leader's work is detached from any one requester's
// cancellation so the remaining waiters and the caches still benefit;
// a waiter whose deadline expires abandons the wait alone.
func (c *Coordinator) loadShared(ctx context.Context, id imagekey.Identity, p imagekey.TransformParams, key imagekey.Key) (*cache.Entry, error) {
	ch := c.sf.DoChan(string(key), func() (any, error) {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.deriveTimeout)
		defer cancel()
		return c.load(dctx, id, p, key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*cache.Entry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// load fetches the original and, for derived requests, runs the
// transform, then populates the cache chain. A leader that won the
// flight after a previous leader already finished re-checks the caches
// first, so back-to-back flights for one key never derive twice.
func (c *Coordinator) load(ctx context.Context, id imagekey.Identity, p imagekey.TransformParams, key imagekey.Key) (*cache.Entry, error) {
	if e, _, ok := c.probe(ctx, key); ok {
		return e, nil
	}

	orig, err := c.fetchOriginal(ctx, id)
	if err != nil {
		return nil, err
	}

	if p.IsOriginal() {
		if err := c.populate(ctx, orig); err != nil {
			return nil, err
		}
		return orig, nil
	}

	derived, err := c.transformer.Apply(ctx, orig.Data, p)
	if err != nil {
		// Transform failures never populate any cache.
		return nil, fmt.Errorf("derive %q: %w", key, err)
	}
	e := &cache.Entry{
		Key:       key,
		Data:      derived,
		Size:      int64(len(derived)),
		Thumbnail: p.Thumbnail,
	}
	if err := c.populate(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// fetchOriginal returns the original bytes for id: from a cache tier if
// one holds it, from the store otherwise. Transient store errors retry
// with capped exponential backoff until the deadline.
func (c *Coordinator) fetchOriginal(ctx context.Context, id imagekey.Identity) (*cache.Entry, error) {
	idKey := imagekey.Key(id)
	for _, l := range c.levels {
		e, err := l.Get(ctx, idKey)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			c.logger.Warn("cache probe failed, treating as miss",
				"level", l.ID(), "key", string(idKey), "error", err)
		}
	}

	delay := c.retryBase
	for {
		e, err := c.store.Get(ctx, idKey)
		if err == nil {
			return e, nil
		}
		if errors.Is(err, cache.ErrNotFound) {
			return nil, fmt.Errorf("%q: %w", id, ErrNotFound)
		}
		if !errors.Is(err, blobstore.ErrUnavailable) {
			return nil, err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, ctx.Err())
		case <-timer.C:
		}
		if delay *= 2; delay > c.retryMax {
			delay = c.retryMax
		}
	}
}

// populate inserts a freshly loaded entry into the chain, lowest
// persistent level first so durability is established before the
// in-memory tier. Insert failures are logged and swallowed, except when
// every bounded level rejected the entry outright on capacity, which
// fails the request.
func (c *Coordinator) populate(ctx context.Context, e *cache.Entry) error {
	accepted := 0
	capacityRejections := 0
	attempted := 0
	for i := len(c.levels) - 1; i >= 0; i-- {
		l := c.levels[i]
		switch l.Writeback() {
		case cache.WritebackNever:
			continue
		case cache.WritebackLazy:
			attempted++
			accepted++
			c.asyncPut(l, e)
		case cache.WritebackEager:
			attempted++
			err := l.Put(ctx, e.Key, e.Data, e.Thumbnail)
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, cache.ErrCapacity):
				capacityRejections++
			default:
				c.logger.Warn("cache populate failed",
					"level", l.ID(), "key", string(e.Key), "error", err)
			}
		}
	}
	if attempted > 0 && accepted == 0 && capacityRejections == attempted {
		return fmt.Errorf("%q (%d bytes): %w", e.Key, e.Size, cache.ErrCapacity)
	}
	return nil
}

// ResolveURL resolves like Resolve but returns a presigned URL to the
// container holding the artifact: the originals container for an
// original request, the derivative container otherwise.
func (c *Coordinator) ResolveURL(ctx context.Context, identity string, params imagekey.TransformParams) (string, error) {
	id, err := imagekey.NormalizeIdentity(identity)
	if err != nil {
		return "", err
	}
	p := c.normalize(params)
	if err := p.Validate(); err != nil {
		return "", err
	}

	if p.IsOriginal() {
		if _, err := c.store.StatObject(ctx, id); err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				return "", fmt.Errorf("%q: %w", id, ErrNotFound)
			}
			return "", err
		}
		return c.store.Presign(ctx, id)
	}

	if c.derivTier == nil {
		return "", ErrNoDerivativeContainer
	}

	key := imagekey.NewKey(id, p)
	if !c.derivTier.Contains(ctx, key) {
		data, _, err := c.Resolve(ctx, identity, params)
		if err != nil {
			return "", err
		}
		if !c.derivTier.Contains(ctx, key) {
			if err := c.derivTier.Put(ctx, key, data, p.Thumbnail); err != nil {
				return "", fmt.Errorf("derivative container: %w", err)
			}
		}
	}
	return c.derivTier.Presign(ctx, key)
}

// Upload stores the original under identity, then synchronously
// invalidates every cache level so no stale derivative of a previous
// upload can be served after the ack.
func (c *Coordinator) Upload(ctx context.Context, identity string, data []byte) error {
	id, err := imagekey.NormalizeIdentity(identity)
	if err != nil {
		return err
	}

	delay := c.retryBase
	for {
		err = c.store.Put(ctx, imagekey.Key(id), data, false)
		if err == nil {
			break
		}
		if !errors.Is(err, blobstore.ErrUnavailable) {
			return err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, ctx.Err())
		case <-timer.C:
		}
		if delay *= 2; delay > c.retryMax {
			delay = c.retryMax
		}
	}

	return c.invalidate(ctx, id)
}

// Delete removes the original and every cached artifact of the identity.
func (c *Coordinator) Delete(ctx context.Context, identity string) error {
	id, err := imagekey.NormalizeIdentity(identity)
	if err != nil {
		return err
	}
	if err := c.store.Remove(ctx, id); err != nil {
		return err
	}
	return c.invalidate(ctx, id)
}

func (c *Coordinator) invalidate(ctx context.Context, id imagekey.Identity) error {
	pred := func(k imagekey.Key) bool { return k.MatchesIdentity(id) }

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range c.levels {
		g.Go(func() error {
			if _, err := l.Invalidate(gctx, pred); err != nil {
				return fmt.Errorf("invalidate %s: %w", l.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// List enumerates identities in the originals container, optionally
// filtered by pattern. Derivatives never appear: they live in their own
// container.
func (c *Coordinator) List(ctx context.Context, pattern *regexp.Regexp) ([]imagekey.Identity, error) {
	infos, err := c.store.ListObjects(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]imagekey.Identity, 0, len(infos))
	for _, info := range infos {
		if pattern != nil && !pattern.MatchString(info.Name) {
			continue
		}
		ids = append(ids, imagekey.Identity(info.Name))
	}
	return ids, nil
}

// Meta returns the metadata record of the original, fetched through the
// cache stack. The original is cached like any original resolve; the
// record itself is extracted fresh from its bytes.
func (c *Coordinator) Meta(ctx context.Context, identity string) (transform.Meta, error) {
	data, _, err := c.Resolve(ctx, identity, imagekey.TransformParams{})
	if err != nil {
		return transform.Meta{}, err
	}
	return transform.ExtractMeta(data)
}

// LevelStats is one level's accounting snapshot.
type LevelStats struct {
	ID    string
	Stats cache.Stats
}

// Stats snapshots every level and the store.
func (c *Coordinator) Stats(ctx context.Context) ([]LevelStats, error) {
	var out []LevelStats
	for _, l := range c.levels {
		s, err := l.Stat(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, LevelStats{ID: l.ID(), Stats: s})
	}
	s, err := c.store.Stat(ctx)
	if err != nil {
		return nil, err
	}
	out = append(out, LevelStats{ID: c.store.ID(), Stats: s})
	return out, nil
}

// Health probes the originals container.
func (c *Coordinator) Health(ctx context.Context) error {
	return c.store.Health(ctx)
}

// Close closes every cache level, draining writeback queues best-effort.
func (c *Coordinator) Close() error {
	var firstErr error
	for _, l := range c.levels {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
