// Package s3 implements blobstore.Backend on Amazon S3.
package s3

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
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Backend implements blobstore.Backend for S3.
type Backend struct {
	client    *s3.Client
	presigner *s3.PresignClient
	uploader  *manager.Uploader
	bucket    string
	prefix    string
}

// New creates an S3-backed container.
// rootPrefix is prepended to all object names (e.g. "images/").
func New(client *s3.Client, bucket, rootPrefix string) *Backend {
	return &Backend{
		client:    client,
		presigner: s3.NewPresignClient(client),
		uploader:  manager.NewUploader(client),
		bucket:    bucket,
		prefix:    rootPrefix,
	}
}

func (b *Backend) key(name string) string {
	return path.Join(b.prefix, name)
}

// Get returns the object bytes and its info.
func (b *Backend) Get(ctx context.Context, name string) ([]byte, blobstore.ObjectInfo, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(name)),
	})
	if err != nil {
		return nil, blobstore.ObjectInfo{}, classify(err, name)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, blobstore.ObjectInfo{}, fmt.Errorf("%q: %w: %v", name, blobstore.ErrUnavailable, err)
	}

	info := blobstore.ObjectInfo{Name: name, Size: int64(len(data))}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return data, info, nil
}

// Put writes an object atomically. Uploads go through the transfer
// manager, which splits large originals into parallel multipart chunks
// and retries failed parts.
func (b *Backend) Put(ctx context.Context, name string, data []byte) error {
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(name)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return classify(err, name)
	}
	return nil
}

// Stat returns object info without the body.
func (b *Backend) Stat(ctx context.Context, name string) (blobstore.ObjectInfo, error) {
	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(name)),
	})
	if err != nil {
		return blobstore.ObjectInfo{}, classify(err, name)
	}

	info := blobstore.ObjectInfo{Name: name}
	if head.ContentLength != nil {
		info.Size = *head.ContentLength
	}
	if head.LastModified != nil {
		info.LastModified = *head.LastModified
	}
	return info, nil
}

// Delete removes an object. Missing objects are not an error.
func (b *Backend) Delete(ctx context.Context, name string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(name)),
	})
	if err != nil {
		cerr := classify(err, name)
		if errors.Is(cerr, blobstore.ErrNotFound) {
			return nil
		}
		return cerr
	}
	return nil
}

// List returns info for all objects under prefix, sorted by name.
func (b *Backend) List(ctx context.Context, prefix string) ([]blobstore.ObjectInfo, error) {
	var infos []blobstore.ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.key(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(err, prefix)
		}
		for _, obj := range page.Contents {
			name := aws.ToString(obj.Key)
			if b.prefix != "" {
				name = strings.TrimPrefix(name, b.prefix)
				name = strings.TrimPrefix(name, "/")
			}
			if name == "" {
				continue
			}
			info := blobstore.ObjectInfo{Name: name}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			infos = append(infos, info)
		}
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Presign returns a time-limited URL for the object.
func (b *Backend) Presign(ctx context.Context, name, method string, expires time.Duration) (string, error) {
	opt := s3.WithPresignExpires(expires)
	switch method {
	case http.MethodGet, "":
		req, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.key(name)),
		}, opt)
		if err != nil {
			return "", classify(err, name)
		}
		return req.URL, nil
	case http.MethodPut:
		req, err := b.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.key(name)),
		}, opt)
		if err != nil {
			return "", classify(err, name)
		}
		return req.URL, nil
	default:
		return "", fmt.Errorf("s3: presign does not support method %q", method)
	}
}

// Initialize implements blobstore.Initializer.
func (b *Backend) Initialize(ctx context.Context, wipe bool) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		if !errors.Is(classify(err, b.bucket), blobstore.ErrNotFound) {
			return classify(err, b.bucket)
		}
		_, err = b.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b.bucket)})
		if err != nil {
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

// classify maps SDK errors onto the blobstore sentinels.
func classify(err error, name string) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("%q: %w", name, blobstore.ErrNotFound)
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return fmt.Errorf("%q: %w", name, blobstore.ErrNotFound)
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return fmt.Errorf("%q: %w", name, blobstore.ErrNotFound)
		}
	}
	var re interface{ HTTPStatusCode() int }
	if errors.As(err, &re) {
		switch {
		case re.HTTPStatusCode() == http.StatusNotFound:
			return fmt.Errorf("%q: %w", name, blobstore.ErrNotFound)
		case re.HTTPStatusCode() >= http.StatusInternalServerError,
			re.HTTPStatusCode() == http.StatusTooManyRequests:
			return fmt.Errorf("%q: %w: %v", name, blobstore.ErrUnavailable, err)
		}
		return fmt.Errorf("%q: %w", name, err)
	}
	// No HTTP response at all: network-level failure, treat as transient.
	return fmt.Errorf("%q: %w: %v", name, blobstore.ErrUnavailable, err)
}
