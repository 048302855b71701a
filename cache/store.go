package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adelaideecoinformatics/imagerepo/blobstore"
	"github.com/adelaideecoinformatics/imagerepo/imagekey"
	"github.com/adelaideecoinformatics/imagerepo/resource"
)

// StoreConfig configures the originals container at the bottom of the
// chain.
type StoreConfig struct {
	// ID names the level; defaults to "store".
	ID string
	// Backend is the authoritative originals container.
	Backend blobstore.Backend
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// FileCache, when set, receives every downloaded original as a
	// side-effect insert (the use_file_cache option).
	FileCache *FileCache
	// Throttle bounds download bandwidth. May be nil.
	Throttle *resource.Throttle
	// Presign configures presigned URL emission.
	Presign PresignConfig
	// Clock is overridable in tests; defaults to time.Now.
	Clock func() time.Time
}

// ObjectStore is the authoritative originals container. It sits at the
// bottom of the chain as an unbounded sink: it never evicts, rejects
// nothing, and is the only level that can emit presigned URLs for
// originals. Entries leave it only through explicit Remove.
type ObjectStore struct {
	id        string
	backend   blobstore.Backend
	logger    *slog.Logger
	fileCache *FileCache
	throttle  *resource.Throttle
	urls      *presigner
	now       func() time.Time
}

var _ Level = (*ObjectStore)(nil)

// NewObjectStore wraps the originals backend as the terminal chain level.
func NewObjectStore(cfg StoreConfig) (*ObjectStore, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("object store: backend not set")
	}
	s := &ObjectStore{
		id:        cfg.ID,
		backend:   cfg.Backend,
		logger:    cfg.Logger,
		fileCache: cfg.FileCache,
		throttle:  cfg.Throttle,
		now:       cfg.Clock,
	}
	if s.id == "" {
		s.id = "store"
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.urls = newPresigner(cfg.Backend, cfg.Presign, s.now)
	return s, nil
}

// ID implements Level.
func (s *ObjectStore) ID() string { return s.id }

// NextLevel implements Level: the store is the bottom of the chain.
func (s *ObjectStore) NextLevel() Level { return nil }

// Writeback implements Level: the store never writes back.
func (s *ObjectStore) Writeback() Writeback { return WritebackNever }

// Get downloads an original by its identity key.
func (s *ObjectStore) Get(ctx context.Context, key imagekey.Key) (*Entry, error) {
	data, info, err := s.backend.Get(ctx, string(key))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%s: %q: %w", s.id, key, ErrNotFound)
		}
		return nil, fmt.Errorf("%s: get %q: %w", s.id, key, err)
	}
	if err := s.throttle.WaitN(ctx, len(data)); err != nil {
		return nil, err
	}

	if s.fileCache != nil {
		if err := s.fileCache.Put(ctx, key, data, false); err != nil {
			s.logger.Warn("file cache side insert failed",
				"level", s.id, "key", string(key), "error", err)
		}
	}

	return &Entry{
		Key:   key,
		Data:  data,
		Size:  info.Size,
		CTime: info.LastModified,
		ATime: s.now(),
	}, nil
}

// Put uploads an original. The store is unbounded and never rejects on
// capacity.
func (s *ObjectStore) Put(ctx context.Context, key imagekey.Key, data []byte, _ bool) error {
	if err := s.backend.Put(ctx, string(key), data); err != nil {
		return fmt.Errorf("%s: put %q: %w", s.id, key, err)
	}
	s.urls.invalidate(string(key))
	return nil
}

// Invalidate is a no-op on the originals container: it removes nothing,
// whatever pred matches, since originals leave the store only through
// explicit Remove.
func (s *ObjectStore) Invalidate(_ context.Context, _ func(imagekey.Key) bool) (int, error) {
	return 0, nil
}

// Remove deletes an original. This is the only destructive operation on
// the store.
func (s *ObjectStore) Remove(ctx context.Context, id imagekey.Identity) error {
	if err := s.backend.Delete(ctx, string(id)); err != nil {
		return fmt.Errorf("%s: remove %q: %w", s.id, id, err)
	}
	s.urls.invalidate(string(id))
	return nil
}

// StatObject returns info for one original.
func (s *ObjectStore) StatObject(ctx context.Context, id imagekey.Identity) (blobstore.ObjectInfo, error) {
	info, err := s.backend.Stat(ctx, string(id))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return blobstore.ObjectInfo{}, fmt.Errorf("%s: %q: %w", s.id, id, ErrNotFound)
		}
		return blobstore.ObjectInfo{}, err
	}
	return info, nil
}

// ListObjects enumerates all originals.
func (s *ObjectStore) ListObjects(ctx context.Context) ([]blobstore.ObjectInfo, error) {
	return s.backend.List(ctx, "")
}

// Presign returns a time-limited URL for an original, reusing cached URLs
// within the configured slack window.
func (s *ObjectStore) Presign(ctx context.Context, id imagekey.Identity) (string, error) {
	return s.urls.presign(ctx, string(id))
}

// Health probes the backend. A NotFound answer proves the container is
// reachable.
func (s *ObjectStore) Health(ctx context.Context) error {
	_, err := s.backend.Stat(ctx, ".imagerepo-health")
	if err == nil || errors.Is(err, blobstore.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("%s: health: %w", s.id, err)
}

// Stat implements Level. The store is unbounded, so the listing feeds
// advisory accounting only and alarms never trigger.
func (s *ObjectStore) Stat(ctx context.Context) (Stats, error) {
	infos, err := s.backend.List(ctx, "")
	if err != nil {
		return Stats{}, fmt.Errorf("%s: stat: %w", s.id, err)
	}
	var used int64
	for _, info := range infos {
		used += info.Size
	}
	return Stats{UsedBytes: used, ElementCount: int64(len(infos))}, nil
}

// Close implements Level.
func (s *ObjectStore) Close() error { return nil }
