// Package minio implements blobstore.Backend on MinIO and other
// S3-compatible object stores, including OpenStack Swift deployments with
// the S3 middleware enabled.
package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/adelaideecoinformatics/imagerepo/blobstore"
	"github.com/minio/minio-go/v7"
)

// Backend implements blobstore.Backend for MinIO.
type Backend struct {
	client *minio.Client
	bucket string
	prefix string
}

// New creates a MinIO-backed container.
// rootPrefix is prepended to all object names (e.g. "images/").
func New(client *minio.Client, bucket, rootPrefix string) *Backend {
	return &Backend{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
	}
}

func (b *Backend) key(name string) string {
	return path.Join(b.prefix, name)
}

func (b *Backend) trim(key string) string {
	name := strings.TrimPrefix(key, b.prefix)
	return strings.TrimPrefix(name, "/")
}

// Get returns the object bytes and its info.
func (b *Backend) Get(ctx context.Context, name string) ([]byte, blobstore.ObjectInfo, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, b.key(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, blobstore.ObjectInfo{}, classify(err, name)
	}
	defer obj.Close()

	stat, err := obj.Stat()
	if err != nil {
		return nil, blobstore.ObjectInfo{}, classify(err, name)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, blobstore.ObjectInfo{}, classify(err, name)
	}

	return data, blobstore.ObjectInfo{
		Name:         name,
		Size:         stat.Size,
		LastModified: stat.LastModified,
	}, nil
}

// Put writes an object atomically.
func (b *Backend) Put(ctx context.Context, name string, data []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, b.key(name), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return classify(err, name)
	}
	return nil
}

// Stat returns object info without the body.
func (b *Backend) Stat(ctx context.Context, name string) (blobstore.ObjectInfo, error) {
	info, err := b.client.StatObject(ctx, b.bucket, b.key(name), minio.StatObjectOptions{})
	if err != nil {
		return blobstore.ObjectInfo{}, classify(err, name)
	}
	return blobstore.ObjectInfo{
		Name:         name,
		Size:         info.Size,
		LastModified: info.LastModified,
	}, nil
}

// Delete removes an object. Missing objects are not an error.
func (b *Backend) Delete(ctx context.Context, name string) error {
	err := b.client.RemoveObject(ctx, b.bucket, b.key(name), minio.RemoveObjectOptions{})
	if err != nil {
		cerr := classify(err, name)
		if errors.Is(cerr, blobstore.ErrNotFound) {
			return nil // Already gone
		}
		return cerr
	}
	return nil
}

// List returns info for all objects under prefix, sorted by name.
func (b *Backend) List(ctx context.Context, prefix string) ([]blobstore.ObjectInfo, error) {
	var infos []blobstore.ObjectInfo
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    b.key(prefix),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, classify(obj.Err, prefix)
		}
		name := b.trim(obj.Key)
		if name == "" {
			continue
		}
		infos = append(infos, blobstore.ObjectInfo{
			Name:         name,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Presign returns a time-limited URL for the object.
func (b *Backend) Presign(ctx context.Context, name, method string, expires time.Duration) (string, error) {
	var (
		u   fmt.Stringer
		err error
	)
	switch method {
	case http.MethodGet, "":
		u, err = b.client.PresignedGetObject(ctx, b.bucket, b.key(name), expires, nil)
	case http.MethodPut:
		u, err = b.client.PresignedPutObject(ctx, b.bucket, b.key(name), expires)
	case http.MethodHead:
		u, err = b.client.PresignedHeadObject(ctx, b.bucket, b.key(name), expires, nil)
	default:
		return "", fmt.Errorf("minio: presign does not support method %q", method)
	}
	if err != nil {
		return "", classify(err, name)
	}
	return u.String(), nil
}

// Initialize implements blobstore.Initializer: it creates the bucket if
// missing and, when wipe is set, removes every object under the root
// prefix.
func (b *Backend) Initialize(ctx context.Context, wipe bool) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return classify(err, b.bucket)
	}
	if !exists {
		if err := b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{}); err != nil {
			return classify(err, b.bucket)
		}
		return nil
	}
	if !wipe {
		return nil
	}

	infos, err := b.List(ctx, "")
	if err != nil {
		return err
	}
	for _, info := range infos {
		if err := b.Delete(ctx, info.Name); err != nil {
			return err
		}
	}
	return nil
}

// classify maps minio errors onto the blobstore sentinels.
func classify(err error, name string) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NotFound" || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%q: %w", name, blobstore.ErrNotFound)
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%q: %w: %v", name, blobstore.ErrUnavailable, err)
	case resp.StatusCode == 0:
		// No HTTP response at all: network-level failure, treat as transient.
		return fmt.Errorf("%q: %w: %v", name, blobstore.ErrUnavailable, err)
	default:
		return fmt.Errorf("%q: %w", name, err)
	}
}
