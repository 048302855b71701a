package engine

import (
	"bytes"
	"context"
	"image"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/adelaideecoinformatics/imagerepo/blobstore"
	"github.com/adelaideecoinformatics/imagerepo/cache"
	"github.com/adelaideecoinformatics/imagerepo/imagekey"
	"github.com/adelaideecoinformatics/imagerepo/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "image/jpeg"
	_ "image/png"
)

type fixture struct {
	coord     *Coordinator
	memory    *cache.MemoryCache
	file      *cache.FileCache
	derivTier *cache.ObjectCache
	originals *blobstore.Memory
	transform *testutil.CountingTransformer
}

// newFixture assembles a full four-tier stack over in-memory backends:
// memory -> file -> object cache -> originals store.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	originals := blobstore.NewMemory()
	derivatives := blobstore.NewMemory()

	derivTier, err := cache.NewObjectCache(ctx, cache.ObjectConfig{
		ID:              "object",
		Backend:         derivatives,
		RefreshInterval: time.Nanosecond,
		Presign:         &cache.PresignConfig{Lifetime: time.Hour, Slack: 10 * time.Minute},
	})
	require.NoError(t, err)

	file, err := cache.NewFileCache(cache.FileConfig{
		ID:     "file",
		Root:   t.TempDir(),
		Policy: cache.Policy{Writeback: cache.WritebackEager},
		Next:   derivTier,
	})
	require.NoError(t, err)

	memory, err := cache.NewMemoryCache(cache.MemoryConfig{
		ID:     "memory",
		Policy: cache.Policy{Writeback: cache.WritebackEager},
		Next:   file,
	})
	require.NoError(t, err)

	store, err := cache.NewObjectStore(cache.StoreConfig{Backend: originals})
	require.NoError(t, err)

	tr := &testutil.CountingTransformer{}
	coord, err := New(CoreContext{
		Levels:         []cache.Level{memory, file, derivTier},
		Store:          store,
		DerivativeTier: derivTier,
		Transformer:    tr,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Close() })

	return &fixture{
		coord:     coord,
		memory:    memory,
		file:      file,
		derivTier: derivTier,
		originals: originals,
		transform: tr,
	}
}

func decodeDims(t *testing.T, data []byte) (string, int, int) {
	t.Helper()
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return format, cfg.Width, cfg.Height
}

// Upload then fetch: the default GET transcodes to the default format
// and leaves one derivative entry in the memory and file tiers.
func TestUploadThenFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := testutil.PNG(64, 48, 1)
	require.NoError(t, f.coord.Upload(ctx, "a/b.jpg", src))

	data, info, err := f.coord.Resolve(ctx, "a/b.jpg", imagekey.TransformParams{Format: imagekey.FormatJPG})
	require.NoError(t, err)
	assert.True(t, info.Derived)
	assert.Equal(t, "store", info.HitLevel)

	format, w, h := decodeDims(t, data)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 64, w)
	assert.Equal(t, 48, h)

	key := imagekey.NewKey("a/b.jpg", imagekey.TransformParams{Format: imagekey.FormatJPG, StripMetadata: true})
	assert.Equal(t, key, info.Key)

	for _, l := range []cache.Level{f.memory, f.file} {
		s, err := l.Stat(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), s.ElementCount, "%s holds exactly the derivative", l.ID())
		e, err := l.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, data, e.Data)
	}
}

// Read-your-writes on the original bytes.
func TestResolveOriginalReadYourWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := testutil.PNG(10, 10, 7)
	require.NoError(t, f.coord.Upload(ctx, "x/orig", src))

	data, info, err := f.coord.Resolve(ctx, "x/orig", imagekey.TransformParams{})
	require.NoError(t, err)
	assert.Equal(t, src, data, "the original is delivered as uploaded")
	assert.False(t, info.Derived)
	assert.Zero(t, f.transform.Calls(), "no transform for the distinguished original request")
}

// The second identical resolve is a cache hit: one transform total.
func TestThumbnailCachedAfterFirstDerive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.Upload(ctx, "a/b", testutil.PNG(200, 100, 3)))

	p := imagekey.TransformParams{Thumbnail: true}
	first, info, err := f.coord.Resolve(ctx, "a/b", p)
	require.NoError(t, err)
	assert.True(t, info.Key.IsThumbnail())

	_, w, h := decodeDims(t, first)
	assert.LessOrEqual(t, w, 50)
	assert.LessOrEqual(t, h, 50)

	second, info2, err := f.coord.Resolve(ctx, "a/b", p)
	require.NoError(t, err)
	assert.Equal(t, "memory", info2.HitLevel)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), f.transform.Calls())
}

// Idempotence: repeated resolves are byte-equal.
func TestResolveIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.coord.Upload(ctx, "a/b", testutil.PNG(30, 30, 5)))

	p := imagekey.TransformParams{Format: imagekey.FormatPNG, MaxWidth: 20}
	a, _, err := f.coord.Resolve(ctx, "a/b", p)
	require.NoError(t, err)
	b, _, err := f.coord.Resolve(ctx, "a/b", p)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

// Miss collapsing: concurrent resolves of one cold key cost exactly one
// originals fetch and one transform, and every caller gets the same
// bytes.
func TestSingleFlightMissCollapse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.coord.Upload(ctx, "hot/key", testutil.PNG(100, 100, 11)))

	baseline := f.originals.GetCount()

	const n = 100
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results [][]byte
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			data, _, err := f.coord.Resolve(ctx, "hot/key", imagekey.TransformParams{Thumbnail: true})
			mu.Lock()
			results = append(results, data)
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), f.transform.Calls(), "exactly one transform")
	assert.Equal(t, int64(1), f.originals.GetCount()-baseline, "exactly one originals fetch")
	require.Len(t, results, n)
	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
}

// Invalidation on reupload: after the second POST no stale derivative of
// the first upload is ever served.
func TestInvalidationOnReupload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := imagekey.TransformParams{Format: imagekey.FormatPNG}
	require.NoError(t, f.coord.Upload(ctx, "x", testutil.PNG(40, 40, 1)))
	first, _, err := f.coord.Resolve(ctx, "x", p)
	require.NoError(t, err)

	require.NoError(t, f.coord.Upload(ctx, "x", testutil.PNG(40, 40, 2)))

	second, info, err := f.coord.Resolve(ctx, "x", p)
	require.NoError(t, err)
	assert.Equal(t, "store", info.HitLevel, "caches were invalidated")
	assert.NotEqual(t, first, second, "derivative reflects the new original")
	assert.Equal(t, int64(2), f.transform.Calls())
}

func TestResolveNotFound(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.coord.Resolve(context.Background(), "no/such", imagekey.TransformParams{Format: imagekey.FormatJPG})
	assert.ErrorIs(t, err, ErrNotFound)

	// Not sticky: uploading afterwards makes it resolvable.
	require.NoError(t, f.coord.Upload(context.Background(), "no/such", testutil.PNG(8, 8, 0)))
	_, _, err = f.coord.Resolve(context.Background(), "no/such", imagekey.TransformParams{Format: imagekey.FormatJPG})
	assert.NoError(t, err)
}

func TestCorruptOriginalDoesNotPopulateCaches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.Upload(ctx, "bad/image", []byte("not an image at all")))
	_, _, err := f.coord.Resolve(ctx, "bad/image", imagekey.TransformParams{Format: imagekey.FormatJPG})
	require.Error(t, err)

	s, err := f.memory.Stat(ctx)
	require.NoError(t, err)
	assert.Zero(t, s.ElementCount)
	s, err = f.file.Stat(ctx)
	require.NoError(t, err)
	assert.Zero(t, s.ElementCount)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"gallery/one", "gallery/two", "misc/three"} {
		require.NoError(t, f.coord.Upload(ctx, id, testutil.PNG(4, 4, 0)))
	}

	all, err := f.coord.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	some, err := f.coord.List(ctx, regexp.MustCompile(`^gallery/`))
	require.NoError(t, err)
	assert.Equal(t, []imagekey.Identity{"gallery/one", "gallery/two"}, some)
}

func TestMeta(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := testutil.PNG(320, 200, 9)
	require.NoError(t, f.coord.Upload(ctx, "m/img", src))

	m, err := f.coord.Meta(ctx, "m/img")
	require.NoError(t, err)
	assert.Equal(t, "png", m.Format)
	assert.Equal(t, 320, m.Width)
	assert.Equal(t, 200, m.Height)
	assert.Equal(t, len(src), m.SizeBytes)
}

func TestResolveURLOriginal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.coord.Upload(ctx, "u/orig", testutil.PNG(6, 6, 0)))

	u, err := f.coord.ResolveURL(ctx, "u/orig", imagekey.TransformParams{})
	require.NoError(t, err)
	assert.Contains(t, u, "u/orig")

	_, err = f.coord.ResolveURL(ctx, "u/missing", imagekey.TransformParams{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveURLDerivativeResidesInContainer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.coord.Upload(ctx, "u/img", testutil.PNG(60, 60, 4)))

	p := imagekey.TransformParams{Thumbnail: true}
	u, err := f.coord.ResolveURL(ctx, "u/img", p)
	require.NoError(t, err)
	assert.NotEmpty(t, u)

	key := imagekey.NewKey("u/img", f.coord.normalize(p))
	assert.True(t, f.derivTier.Contains(ctx, key),
		"the derivative was pushed to its container before presigning")
}

func TestDeleteRemovesEverywhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.Upload(ctx, "d/x", testutil.PNG(32, 32, 2)))
	_, _, err := f.coord.Resolve(ctx, "d/x", imagekey.TransformParams{Format: imagekey.FormatJPG})
	require.NoError(t, err)

	require.NoError(t, f.coord.Delete(ctx, "d/x"))

	_, _, err = f.coord.Resolve(ctx, "d/x", imagekey.TransformParams{Format: imagekey.FormatJPG})
	assert.ErrorIs(t, err, ErrNotFound)
	s, _ := f.memory.Stat(ctx)
	assert.Zero(t, s.ElementCount)
}

func TestWaiterDeadlineDoesNotCancelLeader(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.coord.Upload(ctx, "slow/img", testutil.PNG(50, 50, 6)))

	slow := &slowTransformer{inner: f.transform, delay: 200 * time.Millisecond}
	f.coord.transformer = slow

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, _, err := f.coord.Resolve(short, "slow/img", imagekey.TransformParams{Format: imagekey.FormatJPG})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The detached leader completed and populated the caches; the next
	// resolve is a pure cache hit.
	require.Eventually(t, func() bool {
		_, info, err := f.coord.Resolve(ctx, "slow/img", imagekey.TransformParams{Format: imagekey.FormatJPG})
		return err == nil && info.HitLevel == "memory"
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(1), f.transform.Calls())
}

type slowTransformer struct {
	inner *testutil.CountingTransformer
	delay time.Duration
}

func (s *slowTransformer) Apply(ctx context.Context, src []byte, p imagekey.TransformParams) ([]byte, error) {
	time.Sleep(s.delay)
	return s.inner.Apply(ctx, src, p)
}

func TestUploadRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyBackend{Memory: f.originals, failures: 2}
	store, err := cache.NewObjectStore(cache.StoreConfig{Backend: flaky})
	require.NoError(t, err)
	f.coord.store = store

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.coord.Upload(ctx, "retry/me", testutil.PNG(4, 4, 0)))
	assert.Zero(t, flaky.failures)
}

type flakyBackend struct {
	*blobstore.Memory
	mu       sync.Mutex
	failures int
}

func (b *flakyBackend) Put(ctx context.Context, name string, data []byte) error {
	b.mu.Lock()
	if b.failures > 0 {
		b.failures--
		b.mu.Unlock()
		return blobstore.ErrUnavailable
	}
	b.mu.Unlock()
	return b.Memory.Put(ctx, name, data)
}
