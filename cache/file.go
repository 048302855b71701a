package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adelaideecoinformatics/imagerepo/imagekey"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/semaphore"
)

const (
	sidecarName   = "index.zst"
	tmpPrefix     = ".tmp-"
	defaultFlush  = 2 * time.Second
	defaultWrites = 16
)

// FileConfig configures an on-disk cache level.
type FileConfig struct {
	// ID names the level; defaults to "file".
	ID string
	// Root is the directory holding blob files and the sidecar index.
	Root string
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
	// MaxConcurrentWrites bounds parallel blob writes; defaults to 16.
	MaxConcurrentWrites int64
	// FlushInterval is the sidecar index flush cadence; defaults to 2s.
	FlushInterval time.Duration
	// Initialize wipes the root at startup.
	Initialize bool
	// Clock is overridable in tests; defaults to time.Now.
	Clock func() time.Time
}

// fileMeta is one sidecar index record.
type fileMeta struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	CTime     time.Time `json:"ctime"`
	ATime     time.Time `json:"atime"`
	Thumbnail bool      `json:"thumbnail,omitempty"`
}

// FileCache is the local filesystem tier. Blobs live under
// <root>/<h[:2]>/<h[2:4]>/<h[4:]> where h is the key hash, keeping
// directories narrow. Entry metadata lives in a zstd-compressed sidecar
// index of JSON lines, rewritten in the background after mutations and
// reconciled against the blob tree at startup.
type FileCache struct {
	id     string
	root   string
	policy Policy
	next   Level
	alarm  AlarmSink
	logger *slog.Logger
	now    func() time.Time
	sem    *semaphore.Weighted
	wb     *writebackQueue

	mu    sync.Mutex
	index map[imagekey.Key]*fileMeta
	used  int64
	dirty bool

	flushInterval time.Duration
	stopFlush     chan struct{}
	flushDone     chan struct{}
	closeOnce     sync.Once
}

var _ Level = (*FileCache)(nil)

// NewFileCache opens (or creates) the on-disk level rooted at cfg.Root,
// reconciling the sidecar index against the blob tree. Blob files whose
// size disagrees with the sidecar, and blob files the sidecar does not
// know, are partial writes from a crash and are deleted.
func NewFileCache(cfg FileConfig) (*FileCache, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("file cache: root directory not set")
	}
	policy := cfg.Policy.withDefaults()
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("file cache: %w", err)
	}

	if cfg.Initialize {
		if err := os.RemoveAll(cfg.Root); err != nil {
			return nil, fmt.Errorf("file cache: wipe root: %w", err)
		}
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("file cache: %w", err)
	}

	writes := cfg.MaxConcurrentWrites
	if writes <= 0 {
		writes = defaultWrites
	}

	c := &FileCache{
		id:            cfg.ID,
		root:          cfg.Root,
		policy:        policy,
		next:          cfg.Next,
		alarm:         cfg.Alarm,
		logger:        cfg.Logger,
		now:           cfg.Clock,
		sem:           semaphore.NewWeighted(writes),
		index:         make(map[imagekey.Key]*fileMeta),
		flushInterval: cfg.FlushInterval,
		stopFlush:     make(chan struct{}),
		flushDone:     make(chan struct{}),
	}
	if c.id == "" {
		c.id = "file"
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.flushInterval <= 0 {
		c.flushInterval = defaultFlush
	}
	if policy.Writeback == WritebackLazy && cfg.Next != nil {
		c.wb = newWritebackQueue(cfg.Next, cfg.LazyQueueDepth, c.logger)
	}

	if err := c.reload(); err != nil {
		return nil, err
	}

	go c.flushLoop()
	return c, nil
}

// ID implements Level.
func (c *FileCache) ID() string { return c.id }

// NextLevel implements Level.
func (c *FileCache) NextLevel() Level { return c.next }

// Writeback implements Level.
func (c *FileCache) Writeback() Writeback { return c.policy.Writeback }

func (c *FileCache) blobPath(key imagekey.Key) string {
	h := key.Hash()
	return filepath.Join(c.root, h[:2], h[2:4], h[4:])
}

// reload rebuilds the in-memory index: sidecar records are kept only when
// the blob file exists with the recorded size; blob files absent from the
// sidecar are deleted.
func (c *FileCache) reload() error {
	recorded, err := c.readSidecar()
	if err != nil {
		c.logger.Warn("sidecar index unreadable, discarding", "level", c.id, "error", err)
		recorded = nil
	}

	onDisk := make(map[string]int64)
	err = filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if name == sidecarName || strings.HasPrefix(name, tmpPrefix) {
			if strings.HasPrefix(name, tmpPrefix) {
				_ = os.Remove(path)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		onDisk[path] = info.Size()
		return nil
	})
	if err != nil {
		return fmt.Errorf("file cache: scan root: %w", err)
	}

	for _, m := range recorded {
		key := imagekey.Key(m.Key)
		path := c.blobPath(key)
		size, ok := onDisk[path]
		delete(onDisk, path)
		if !ok {
			continue
		}
		if size != m.Size {
			// Partial write from a crash.
			_ = os.Remove(path)
			continue
		}
		meta := m
		c.index[key] = &meta
		c.used += m.Size
	}

	// Whatever remains on disk has no index record and no recoverable
	// key: treat as partial writes and clean up.
	for path := range onDisk {
		_ = os.Remove(path)
	}

	c.logger.Info("file cache loaded",
		"level", c.id, "entries", len(c.index), "used_bytes", c.used)
	return nil
}

func (c *FileCache) readSidecar() ([]fileMeta, error) {
	f, err := os.Open(filepath.Join(c.root, sidecarName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var records []fileMeta
	dec := json.NewDecoder(zr)
	for {
		var m fileMeta
		if err := dec.Decode(&m); err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		records = append(records, m)
	}
	return records, nil
}

// writeSidecar persists the index snapshot atomically.
func (c *FileCache) writeSidecar() error {
	c.mu.Lock()
	records := make([]fileMeta, 0, len(c.index))
	for _, m := range c.index {
		records = append(records, *m)
	}
	c.dirty = false
	c.mu.Unlock()

	tmp, err := os.CreateTemp(c.root, tmpPrefix+"index-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	zw, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return err
	}
	enc := json.NewEncoder(zw)
	for _, m := range records {
		if err := enc.Encode(m); err != nil {
			zw.Close()
			tmp.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(c.root, sidecarName))
}

func (c *FileCache) flushLoop() {
	defer close(c.flushDone)
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			dirty := c.dirty
			c.mu.Unlock()
			if dirty {
				if err := c.writeSidecar(); err != nil {
					c.logger.Warn("sidecar flush failed", "level", c.id, "error", err)
				}
			}
		case <-c.stopFlush:
			return
		}
	}
}

// Get reads the blob from disk and touches the access time.
func (c *FileCache) Get(_ context.Context, key imagekey.Key) (*Entry, error) {
	c.mu.Lock()
	m, ok := c.index[key]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %q: %w", c.id, key, ErrNotFound)
	}
	meta := *m
	c.mu.Unlock()

	data, err := os.ReadFile(c.blobPath(key))
	if err != nil {
		// The blob vanished underneath us; drop the record and miss.
		c.dropEntry(key)
		return nil, fmt.Errorf("%s: %q: %w", c.id, key, ErrNotFound)
	}

	now := c.now()
	c.mu.Lock()
	if cur, ok := c.index[key]; ok {
		cur.ATime = now
		c.dirty = true
	}
	c.mu.Unlock()

	return &Entry{
		Key:       key,
		Data:      data,
		Size:      meta.Size,
		CTime:     meta.CTime,
		ATime:     now,
		Thumbnail: meta.Thumbnail,
	}, nil
}

func (c *FileCache) dropEntry(key imagekey.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.index[key]; ok {
		delete(c.index, key)
		c.used -= m.Size
		c.dirty = true
	}
}

// Put writes the blob via a temp file and rename, then updates the index
// and runs an eviction pass if triggered. Concurrent writes are bounded.
func (c *FileCache) Put(ctx context.Context, key imagekey.Key, data []byte, thumbnail bool) error {
	size := int64(len(data))
	if c.policy.MaxBytes > 0 && size > c.policy.MaxBytes {
		return fmt.Errorf("%s: %q (%d bytes): %w", c.id, key, size, ErrCapacity)
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	err := c.writeBlob(key, data)
	c.sem.Release(1)
	if err != nil {
		return fmt.Errorf("%s: write %q: %w", c.id, key, err)
	}

	now := c.now()
	c.mu.Lock()
	if prev, ok := c.index[key]; ok {
		c.used -= prev.Size
	}
	c.index[key] = &fileMeta{
		Key:       string(key),
		Size:      size,
		CTime:     now,
		ATime:     now,
		Thumbnail: thumbnail,
	}
	c.used += size
	c.dirty = true

	if evictionNeeded(c.policy, c.used, int64(len(c.index))) {
		c.evictLocked(ctx)
	}
	used := c.used
	c.mu.Unlock()

	c.maybeAlarm(used)
	return nil
}

func (c *FileCache) writeBlob(key imagekey.Key, data []byte) error {
	path := c.blobPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), tmpPrefix+"*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (c *FileCache) evictLocked(ctx context.Context) {
	victims := make([]victim, 0, len(c.index))
	for k, m := range c.index {
		victims = append(victims, victim{key: k, size: m.Size, atime: m.ATime, thumbnail: m.Thumbnail})
	}

	for _, v := range evictionPlan(c.policy, victims, c.used, int64(len(c.index))) {
		m := c.index[v.key]
		c.writebackEvicted(ctx, v.key, m)
		if err := os.Remove(c.blobPath(v.key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("evict remove failed", "level", c.id, "key", m.Key, "error", err)
		}
		delete(c.index, v.key)
		c.used -= m.Size
		c.dirty = true
	}
}

func (c *FileCache) writebackEvicted(ctx context.Context, key imagekey.Key, m *fileMeta) {
	if c.next == nil || c.policy.Writeback == WritebackNever {
		return
	}
	data, err := os.ReadFile(c.blobPath(key))
	if err != nil {
		c.logger.Warn("eviction writeback read failed", "level", c.id, "key", m.Key, "error", err)
		return
	}
	e := &Entry{Key: key, Data: data, Size: m.Size, CTime: m.CTime, ATime: m.ATime, Thumbnail: m.Thumbnail}
	switch c.policy.Writeback {
	case WritebackEager:
		if err := c.next.Put(ctx, e.Key, e.Data, e.Thumbnail); err != nil {
			c.logger.Warn("eviction writeback failed",
				"level", c.id, "next", c.next.ID(), "key", m.Key, "error", err)
		}
	case WritebackLazy:
		if c.wb != nil && !c.wb.enqueue(e) {
			c.logger.Debug("lazy writeback queue full, dropping", "level", c.id, "key", m.Key)
		}
	}
}

// Invalidate removes every entry whose key matches pred, blobs included.
func (c *FileCache) Invalidate(_ context.Context, pred func(imagekey.Key) bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, m := range c.index {
		if !pred(k) {
			continue
		}
		if err := os.Remove(c.blobPath(k)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("invalidate remove failed", "level", c.id, "key", m.Key, "error", err)
		}
		delete(c.index, k)
		c.used -= m.Size
		c.dirty = true
		removed++
	}
	return removed, nil
}

// Stat implements Level.
func (c *FileCache) Stat(_ context.Context) (Stats, error) {
	c.mu.Lock()
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

// Close stops the flusher, writes a final sidecar snapshot and drains the
// lazy writeback queue best-effort.
func (c *FileCache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopFlush)
		<-c.flushDone
		if c.wb != nil {
			c.wb.close()
		}
		err = c.writeSidecar()
	})
	return err
}

func (c *FileCache) maybeAlarm(used int64) {
	if c.alarm == nil || !alarmed(c.policy, used) {
		return
	}
	c.alarm(AlarmEvent{LevelID: c.id, UsedBytes: used, MaxBytes: c.policy.MaxBytes})
}
