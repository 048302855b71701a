package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adelaideecoinformatics/imagerepo/imagekey"
)

// MemoryConfig configures an in-process cache level.
type MemoryConfig struct {
	// ID names the level; defaults to "memory".
	ID string
	// Policy holds capacity and eviction settings; zero fields take the
	// package defaults.
	Policy Policy
	// Next is the tier below, receiving writebacks. May be nil.
	Next Level
	// Alarm receives free-space alarm events. May be nil.
	Alarm AlarmSink
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// LazyQueueDepth bounds the lazy writeback queue.
	LazyQueueDepth int
	// Clock is overridable in tests; defaults to time.Now.
	Clock func() time.Time
}

// MemoryCache is the in-process tier: blobs held in memory, bounded by
// bytes and element count.
type MemoryCache struct {
	id     string
	policy Policy
	next   Level
	alarm  AlarmSink
	logger *slog.Logger
	now    func() time.Time
	wb     *writebackQueue

	mu      sync.Mutex
	entries map[imagekey.Key]*Entry
	used    int64
}

var _ Level = (*MemoryCache)(nil)

// NewMemoryCache creates a memory level.
func NewMemoryCache(cfg MemoryConfig) (*MemoryCache, error) {
	policy := cfg.Policy.withDefaults()
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("memory cache: %w", err)
	}

	c := &MemoryCache{
		id:      cfg.ID,
		policy:  policy,
		next:    cfg.Next,
		alarm:   cfg.Alarm,
		logger:  cfg.Logger,
		now:     cfg.Clock,
		entries: make(map[imagekey.Key]*Entry),
	}
	if c.id == "" {
		c.id = "memory"
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if policy.Writeback == WritebackLazy && cfg.Next != nil {
		c.wb = newWritebackQueue(cfg.Next, cfg.LazyQueueDepth, c.logger)
	}
	return c, nil
}

// ID implements Level.
func (c *MemoryCache) ID() string { return c.id }

// NextLevel implements Level.
func (c *MemoryCache) NextLevel() Level { return c.next }

// Writeback implements Level.
func (c *MemoryCache) Writeback() Writeback { return c.policy.Writeback }

// Get returns a copy of the cached entry and touches its access time.
func (c *MemoryCache) Get(_ context.Context, key imagekey.Key) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, fmt.Errorf("%s: %q: %w", c.id, key, ErrNotFound)
	}
	e.ATime = c.now()

	data := make([]byte, len(e.Data))
	copy(data, e.Data)
	out := *e
	out.Data = data
	return &out, nil
}

// Put inserts or replaces the entry and runs an eviction pass if the
// level crossed its trigger.
func (c *MemoryCache) Put(ctx context.Context, key imagekey.Key, data []byte, thumbnail bool) error {
	size := int64(len(data))
	if c.policy.MaxBytes > 0 && size > c.policy.MaxBytes {
		return fmt.Errorf("%s: %q (%d bytes): %w", c.id, key, size, ErrCapacity)
	}

	copied := make([]byte, len(data))
	copy(copied, data)
	now := c.now()

	c.mu.Lock()
	if prev, ok := c.entries[key]; ok {
		c.used -= prev.Size
	}
	c.entries[key] = &Entry{
		Key:       key,
		Data:      copied,
		Size:      size,
		CTime:     now,
		ATime:     now,
		Thumbnail: thumbnail,
	}
	c.used += size

	if evictionNeeded(c.policy, c.used, int64(len(c.entries))) {
		c.evictLocked(ctx, key)
	}
	used := c.used
	c.mu.Unlock()

	c.maybeAlarm(used)
	return nil
}

// evictLocked runs a full eviction pass. The entry just inserted is not
// exempt from selection, except that it cannot be written back to itself.
func (c *MemoryCache) evictLocked(ctx context.Context, _ imagekey.Key) {
	victims := make([]victim, 0, len(c.entries))
	for k, e := range c.entries {
		victims = append(victims, victim{key: k, size: e.Size, atime: e.ATime, thumbnail: e.Thumbnail})
	}

	for _, v := range evictionPlan(c.policy, victims, c.used, int64(len(c.entries))) {
		e := c.entries[v.key]
		c.writebackEvicted(ctx, e)
		delete(c.entries, v.key)
		c.used -= e.Size
	}
}

func (c *MemoryCache) writebackEvicted(ctx context.Context, e *Entry) {
	if c.next == nil {
		return
	}
	switch c.policy.Writeback {
	case WritebackEager:
		if err := c.next.Put(ctx, e.Key, e.Data, e.Thumbnail); err != nil {
			c.logger.Warn("eviction writeback failed",
				"level", c.id, "next", c.next.ID(), "key", string(e.Key), "error", err)
		}
	case WritebackLazy:
		if c.wb != nil && !c.wb.enqueue(e) {
			c.logger.Debug("lazy writeback queue full, dropping",
				"level", c.id, "key", string(e.Key))
		}
	}
}

// Invalidate removes every entry whose key matches pred.
func (c *MemoryCache) Invalidate(_ context.Context, pred func(imagekey.Key) bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if pred(k) {
			delete(c.entries, k)
			c.used -= e.Size
			removed++
		}
	}
	return removed, nil
}

// Stat implements Level.
func (c *MemoryCache) Stat(_ context.Context) (Stats, error) {
	c.mu.Lock()
	used := c.used
	count := int64(len(c.entries))
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
func (c *MemoryCache) Close() error {
	if c.wb != nil {
		c.wb.close()
	}
	return nil
}

func (c *MemoryCache) maybeAlarm(used int64) {
	if c.alarm == nil || !alarmed(c.policy, used) {
		return
	}
	c.alarm(AlarmEvent{LevelID: c.id, UsedBytes: used, MaxBytes: c.policy.MaxBytes})
}
