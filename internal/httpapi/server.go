// Package httpapi is the HTTP surface of the repository: parameter
// parsing, routing and response packing around the core operations.
package httpapi

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adelaideecoinformatics/imagerepo"
	"github.com/adelaideecoinformatics/imagerepo/imagekey"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const maxUploadBytes = 512 << 20

// Server exposes a Repository over HTTP.
type Server struct {
	repo    *imagerepo.Repository
	logger  *imagerepo.Logger
	metrics *Metrics
	base    string
}

// New creates a server rooted at the repository's configured base path.
func New(repo *imagerepo.Repository, logger *imagerepo.Logger, metrics *Metrics) *Server {
	base := repo.Config().RepositoryBasePathname
	if base == "" {
		base = "/images"
	}
	return &Server{
		repo:    repo,
		logger:  logger,
		metrics: metrics,
		base:    strings.TrimRight(base, "/"),
	}
}

// Router builds the route table.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.metrics.instrument("healthz", s.handleHealth))
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route(s.base, func(r chi.Router) {
		r.Get("/", s.metrics.instrument("list", s.handleList))
		r.Get("/*", s.metrics.instrument("image", s.handleGet))
		r.Post("/*", s.metrics.instrument("upload", s.handleUpload))
		r.Delete("/*", s.metrics.instrument("delete", s.handleDelete))
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.code,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Health(r.Context()); err != nil {
		writeError(w, fmt.Errorf("%w: %v", imagerepo.ErrStoreUnavailable, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ids, err := s.repo.List(r.Context(), r.URL.Query().Get("regex"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

// imageQuery is the parsed query parameter set of an image GET.
type imageQuery struct {
	xsize     int
	ysize     int
	kind      string
	thumbnail bool
	url       bool
	meta      bool
	regex     string
}

func parseImageQuery(r *http.Request) (imageQuery, error) {
	q := imageQuery{}
	values := r.URL.Query()

	var err error
	if q.xsize, err = parsePositiveInt(values, "xsize"); err != nil {
		return q, err
	}
	if q.ysize, err = parsePositiveInt(values, "ysize"); err != nil {
		return q, err
	}
	q.kind = values.Get("kind")
	if q.kind != "" {
		if _, err := imagekey.FormatFromString(q.kind); err != nil {
			return q, fmt.Errorf("kind: %w", err)
		}
	}
	if q.thumbnail, err = parseBool(values, "thumbnail"); err != nil {
		return q, err
	}
	if q.url, err = parseBool(values, "url"); err != nil {
		return q, err
	}
	if q.meta, err = parseBool(values, "meta"); err != nil {
		return q, err
	}
	q.regex = values.Get("regex")
	return q, nil
}

func parsePositiveInt(values map[string][]string, name string) (int, error) {
	vs, ok := values[name]
	if !ok || len(vs) == 0 || vs[0] == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(vs[0])
	if err != nil || n <= 0 || n > 65536 {
		return 0, fmt.Errorf("%s %q is unreasonable", name, vs[0])
	}
	return n, nil
}

func parseBool(values map[string][]string, name string) (bool, error) {
	vs, ok := values[name]
	if !ok || len(vs) == 0 || vs[0] == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(vs[0])
	if err != nil {
		return false, fmt.Errorf("%s %q is not a boolean", name, vs[0])
	}
	return b, nil
}

// params maps the query onto transform parameters. An empty query with
// url or meta set addresses the original as uploaded; a plain body GET
// is a derived request filled with the configured defaults.
func (q imageQuery) params() imagekey.TransformParams {
	if q.noTransform() && (q.url || q.meta) {
		return imagekey.TransformParams{}
	}
	return imagekey.TransformParams{
		MaxWidth:  q.xsize,
		MaxHeight: q.ysize,
		Format:    imagekey.Format(normalizeKind(q.kind)),
		Thumbnail: q.thumbnail,
		// Derived requests always strip metadata; setting it here also
		// keeps an empty query from reading as the original.
		StripMetadata: true,
	}
}

func (q imageQuery) noTransform() bool {
	return q.xsize == 0 && q.ysize == 0 && q.kind == "" && !q.thumbnail
}

func normalizeKind(kind string) string {
	if kind == "" {
		return ""
	}
	f, err := imagekey.FormatFromString(kind)
	if err != nil {
		return kind
	}
	return string(f)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "*")
	q, err := parseImageQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// A regex, or a trailing slash, turns the request into a set
	// operation over every identity below the path.
	if q.regex != "" || strings.HasSuffix(identity, "/") {
		if q.regex == "" {
			q.regex = `\w+` // directory-style listing under the path
		}
		s.handleGetSet(w, r, strings.TrimSuffix(identity, "/"), q)
		return
	}

	switch {
	case q.meta:
		m, err := s.repo.Meta(r.Context(), identity)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	case q.url:
		u, err := s.repo.ResolveURL(r.Context(), identity, q.params())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": u})
	default:
		data, info, err := s.repo.Resolve(r.Context(), identity, q.params())
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", contentTypeFor(info.Key))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		_, _ = w.Write(data)
	}
}

// handleGetSet serves the multi-image forms: metadata or URL lists as
// JSON, a single matching image directly, several as a zip archive.
func (s *Server) handleGetSet(w http.ResponseWriter, r *http.Request, prefix string, q imageQuery) {
	matches, err := s.matchIdentities(r.Context(), prefix, q.regex)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(matches) == 0 {
		base := ""
		if prefix != "" {
			base = prefix + "/"
		}
		http.Error(w, fmt.Sprintf("no images match %q", base+q.regex), http.StatusNotFound)
		return
	}

	switch {
	case q.meta:
		type metaEntry struct {
			Identity string         `json:"identity"`
			Meta     map[string]any `json:"meta"`
		}
		out := make([]metaEntry, 0, len(matches))
		for _, id := range matches {
			m, err := s.repo.Meta(r.Context(), string(id))
			if err != nil {
				writeError(w, err)
				return
			}
			out = append(out, metaEntry{Identity: string(id), Meta: map[string]any{
				"format": m.Format, "width": m.Width, "height": m.Height, "size_bytes": m.SizeBytes,
			}})
		}
		writeJSON(w, http.StatusOK, out)

	case q.url:
		urls := make(map[string]string, len(matches))
		for _, id := range matches {
			u, err := s.repo.ResolveURL(r.Context(), string(id), q.params())
			if err != nil {
				writeError(w, err)
				return
			}
			urls[string(id)] = u
		}
		writeJSON(w, http.StatusOK, urls)

	case len(matches) == 1:
		data, info, err := s.repo.Resolve(r.Context(), string(matches[0]), q.params())
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", contentTypeFor(info.Key))
		_, _ = w.Write(data)

	default:
		s.writeZip(w, r, matches, q)
	}
}

func (s *Server) matchIdentities(ctx context.Context, prefix, pattern string) ([]imagekey.Identity, error) {
	ids, err := s.repo.List(ctx, pattern)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		return ids, nil
	}
	var out []imagekey.Identity
	for _, id := range ids {
		if string(id) == prefix || strings.HasPrefix(string(id), prefix+"/") {
			out = append(out, id)
		}
	}
	return out, nil
}

// writeZip packs several derivatives into one archive response. The
// archive is staged to a temp file so a failed resolve aborts cleanly
// before any body bytes are committed.
func (s *Server) writeZip(w http.ResponseWriter, r *http.Request, ids []imagekey.Identity, q imageQuery) {
	tmpPath := filepath.Join(os.TempDir(), uuid.NewString()+".zip")
	f, err := os.Create(tmpPath)
	if err != nil {
		writeError(w, err)
		return
	}
	defer os.Remove(tmpPath)
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, id := range ids {
		data, info, err := s.repo.Resolve(r.Context(), string(id), q.params())
		if err != nil {
			writeError(w, err)
			return
		}
		entry, err := zw.Create(entryName(info.Key))
		if err != nil {
			writeError(w, err)
			return
		}
		if _, err := entry.Write(data); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := zw.Close(); err != nil {
		writeError(w, err)
		return
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	_, _ = io.Copy(w, f)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "*")

	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, _, ferr := r.FormFile("file")
		if ferr != nil {
			http.Error(w, "multipart upload requires a file field", http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, err = io.ReadAll(file)
	} else {
		data, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		http.Error(w, "empty upload", http.StatusBadRequest)
		return
	}

	if err := s.repo.Upload(r.Context(), identity, data); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored", "identity": identity})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Delete(r.Context(), chi.URLParam(r, "*")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// entryName is the archive member name for a derivative key: the
// identity with the derivative's format extension.
func entryName(key imagekey.Key) string {
	id := string(key.Identity())
	if ext := keyFormat(key); ext != "" {
		return id + "." + ext
	}
	return id
}

func keyFormat(key imagekey.Key) string {
	s := string(key)
	hash := strings.IndexByte(s, '#')
	if hash < 0 {
		return ""
	}
	if dot := strings.LastIndexByte(s, '.'); dot > hash {
		return s[dot+1:]
	}
	return ""
}

func contentTypeFor(key imagekey.Key) string {
	switch keyFormat(key) {
	case "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "tif":
		return "image/tiff"
	case "bmp":
		return "image/bmp"
	default:
		return "application/octet-stream"
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the core error kinds onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, imagerepo.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, imagerepo.ErrCapacity):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
	case errors.Is(err, imagerepo.ErrUnsupportedFormat):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, imagerepo.ErrCorrupt):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, imagerepo.ErrStoreUnavailable), errors.Is(err, imagerepo.ErrUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
