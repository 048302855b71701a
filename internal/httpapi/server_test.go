package httpapi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adelaideecoinformatics/imagerepo"
	"github.com/adelaideecoinformatics/imagerepo/blobstore"
	"github.com/adelaideecoinformatics/imagerepo/config"
	"github.com/adelaideecoinformatics/imagerepo/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "image/jpeg"
	_ "image/png"
)

func newTestServer(t *testing.T) (*httptest.Server, *blobstore.Memory) {
	t.Helper()

	cfg := config.Default()
	cfg.Persistent.Container = "originals"
	cfg.SwiftCache.Container = "derivatives"
	cfg.LocalCache.Root = t.TempDir()
	cfg.MemoryCache.Writeback = "eager"
	cfg.LocalCache.Writeback = "eager"

	originals := blobstore.NewMemory()
	repo, err := imagerepo.Open(context.Background(), cfg,
		imagerepo.WithLogger(imagerepo.NoopLogger()),
		imagerepo.WithOriginalsBackend(originals),
		imagerepo.WithDerivativesBackend(blobstore.NewMemory()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	srv := httptest.NewServer(New(repo, imagerepo.NoopLogger(), NewMetrics()).Router())
	t.Cleanup(srv.Close)
	return srv, originals
}

func upload(t *testing.T, srv *httptest.Server, identity string, data []byte) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/images/"+identity, "application/octet-stream", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func get(t *testing.T, srv *httptest.Server, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestUploadThenFetchHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	upload(t, srv, "a/b.jpg", testutil.PNG(64, 48, 1))

	resp, body := get(t, srv, "/images/a/b.jpg")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))

	cfg, format, err := image.DecodeConfig(bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 64, cfg.Width)
}

func TestFetchMissing(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, _ := get(t, srv, "/images/no/such")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestThumbnailQuery(t *testing.T) {
	srv, _ := newTestServer(t)
	upload(t, srv, "t/img", testutil.PNG(200, 100, 2))

	resp, body := get(t, srv, "/images/t/img?thumbnail=true")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(body))
	require.NoError(t, err)
	assert.LessOrEqual(t, cfg.Width, 50)
	assert.LessOrEqual(t, cfg.Height, 50)
}

func TestResizeQuery(t *testing.T) {
	srv, _ := newTestServer(t)
	upload(t, srv, "r/img", testutil.PNG(200, 100, 3))

	resp, body := get(t, srv, "/images/r/img?xsize=100&ysize=100&kind=png")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	cfg, format, err := image.DecodeConfig(bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 100, cfg.Width)
	assert.Equal(t, 50, cfg.Height)
}

func TestBadParams(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, q := range []string{"?xsize=0", "?xsize=-4", "?kind=webp", "?thumbnail=maybe"} {
		resp, _ := get(t, srv, "/images/a/b"+q)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "query %s", q)
	}
}

func TestMetaQuery(t *testing.T) {
	srv, _ := newTestServer(t)
	src := testutil.PNG(320, 200, 4)
	upload(t, srv, "m/img", src)

	resp, body := get(t, srv, "/images/m/img?meta=true")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var m struct {
		Format    string `json:"format"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		SizeBytes int    `json:"size_bytes"`
	}
	require.NoError(t, json.Unmarshal(body, &m))
	assert.Equal(t, "png", m.Format)
	assert.Equal(t, 320, m.Width)
	assert.Equal(t, 200, m.Height)
	assert.Equal(t, len(src), m.SizeBytes)
}

func TestURLQuery(t *testing.T) {
	srv, _ := newTestServer(t)
	upload(t, srv, "u/img", testutil.PNG(16, 16, 5))

	resp, body := get(t, srv, "/images/u/img?url=true")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Contains(t, out["url"], "u/img")
}

func TestListRoot(t *testing.T) {
	srv, _ := newTestServer(t)
	upload(t, srv, "g/one", testutil.PNG(8, 8, 0))
	upload(t, srv, "g/two", testutil.PNG(8, 8, 0))
	upload(t, srv, "other", testutil.PNG(8, 8, 0))

	resp, body := get(t, srv, "/images/?regex=^g/")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ids []string
	require.NoError(t, json.Unmarshal(body, &ids))
	assert.ElementsMatch(t, []string{"g/one", "g/two"}, ids)
}

func TestRegexZipResponse(t *testing.T) {
	srv, _ := newTestServer(t)
	upload(t, srv, "z/one", testutil.PNG(8, 8, 1))
	upload(t, srv, "z/two", testutil.PNG(8, 8, 2))

	resp, body := get(t, srv, "/images/z/?regex=.")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))

	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	names := []string{zr.File[0].Name, zr.File[1].Name}
	assert.ElementsMatch(t, []string{"z/one.jpg", "z/two.jpg"}, names)
}

func TestRegexNoMatch(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, _ := get(t, srv, "/images/?regex=nothinghere")
	// Listing with no matches is an empty list; set retrieval 404s.
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = get(t, srv, "/images/zzz/?regex=nothing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	upload(t, srv, "d/img", testutil.PNG(8, 8, 0))

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/images/d/img", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	getResp, _ := get(t, srv, "/images/d/img")
	assert.Equal(t, http.StatusNotFound, getResp.StatusCode)
}

func TestReuploadInvalidates(t *testing.T) {
	srv, _ := newTestServer(t)

	upload(t, srv, "s/img", testutil.PNG(40, 40, 1))
	_, first := get(t, srv, "/images/s/img")

	upload(t, srv, "s/img", testutil.PNG(40, 40, 99))
	_, second := get(t, srv, "/images/s/img")

	assert.NotEqual(t, first, second)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, _ := get(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	upload(t, srv, "p/img", testutil.PNG(8, 8, 0))
	get(t, srv, "/images/p/img")

	resp, body := get(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "imagerepo_http_requests_total")
}

func TestEmptyUploadRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/images/e/img", "application/octet-stream", bytes.NewReader(nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
