package objstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/azureblob" // Azure Blob driver
	_ "gocloud.dev/blob/fileblob"  // local filesystem driver
	_ "gocloud.dev/blob/memblob"   // in-memory driver
	_ "gocloud.dev/blob/s3blob"    // S3 driver
)

// Config selects and parameterizes a bucket backend.
type Config struct {
	Type   Type
	Bucket string
	Prefix string // key prefix within the bucket, "" for the whole bucket

	// S3 only. Endpoint is set for MinIO/R2/B2-style deployments.
	Endpoint string
	Region   string

	// Azure only.
	StorageAccount string

	// File only.
	Dir string
}

// bucketStore implements Store over a gocloud bucket.
type bucketStore struct {
	bucket *blob.Bucket
	typ    Type
	prefix string
}

// Open creates a Store for the given backend configuration.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var bucketURL string
	switch cfg.Type {
	case TypeS3:
		bucketURL = fmt.Sprintf("s3://%s", cfg.Bucket)
		params := url.Values{}
		if cfg.Region != "" {
			params.Set("region", cfg.Region)
		}
		if cfg.Endpoint != "" {
			params.Set("endpoint", cfg.Endpoint)
			params.Set("s3ForcePathStyle", "true")
		}
		if len(params) > 0 {
			bucketURL += "?" + params.Encode()
		}
	case TypeAzure:
		// The azureblob driver resolves the account from the environment.
		if cfg.StorageAccount != "" {
			os.Setenv("AZURE_STORAGE_ACCOUNT", cfg.StorageAccount)
		}
		bucketURL = fmt.Sprintf("azblob://%s", cfg.Bucket)
	case TypeMem:
		bucketURL = "mem://"
	case TypeFile:
		bucketURL = "file://" + cfg.Dir
	default:
		return nil, fmt.Errorf("unknown object storage type: %s", cfg.Type)
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return NewBucketStore(bucket, cfg.Type, cfg.Prefix), nil
}

// NewBucketStore wraps an already-open gocloud bucket. Tests use this with
// memblob buckets.
func NewBucketStore(bucket *blob.Bucket, typ Type, prefix string) Store {
	return &bucketStore{bucket: bucket, typ: typ, prefix: prefix}
}

func (s *bucketStore) ListPage(ctx context.Context, pageToken string, pageSize int) ([]ObjectInfo, string, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}
	token := blob.FirstPageToken
	if pageToken != "" {
		token = []byte(pageToken)
	}

	objects, next, err := s.bucket.ListPage(ctx, token, pageSize, &blob.ListOptions{Prefix: s.prefix})
	if err != nil {
		return nil, "", fmt.Errorf("list objects: %w", err)
	}

	out := make([]ObjectInfo, 0, len(objects))
	for _, obj := range objects {
		if obj.IsDir {
			continue
		}
		out = append(out, ObjectInfo{Path: obj.Key, Size: obj.Size, ModTime: obj.ModTime})
	}
	return out, string(next), nil
}

func (s *bucketStore) NewReader(ctx context.Context, path string) (io.ReadCloser, error) {
	r, err := s.bucket.NewReader(ctx, path, nil)
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", path, err)
	}
	return r, nil
}

func (s *bucketStore) Remove(ctx context.Context, paths []string) error {
	for _, p := range paths {
		if err := s.bucket.Delete(ctx, p); err != nil {
			if gcerrors.Code(err) == gcerrors.NotFound {
				continue
			}
			return fmt.Errorf("delete object %s: %w", p, err)
		}
	}
	return nil
}

func (s *bucketStore) Type() Type { return s.typ }

func (s *bucketStore) Close() error { return s.bucket.Close() }
