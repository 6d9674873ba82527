package objstore

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"reproserver/internal/domain"
)

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Prefix    string
}

// S3 stores objects in one S3 bucket per logical bucket, named Prefix+bucket.
type S3 struct {
	client *minio.Client
	region string
	prefix string
}

func NewS3(cfg S3Config) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, &domain.StorageError{Op: "init", Err: err}
	}
	return &S3{client: client, region: cfg.Region, prefix: cfg.Prefix}, nil
}

// EnsureBuckets creates the given logical buckets when they do not exist yet.
func (s *S3) EnsureBuckets(ctx context.Context, buckets ...string) error {
	for _, b := range buckets {
		name := s.prefix + b
		ok, err := s.client.BucketExists(ctx, name)
		if err != nil {
			return &domain.StorageError{Op: "init", Err: err}
		}
		if ok {
			continue
		}
		if err := s.client.MakeBucket(ctx, name, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return &domain.StorageError{Op: "init", Err: fmt.Errorf("make bucket %s: %w", name, err)}
		}
	}
	return nil
}

func (s *S3) Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.prefix+bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return &domain.StorageError{Op: "put", Err: err}
	}
	return nil
}

func (s *S3) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	// GetObject is lazy; stat first so a missing key surfaces here.
	if _, err := s.client.StatObject(ctx, s.prefix+bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("object %s/%s: %w", bucket, key, domain.ErrNotFound)
		}
		return nil, &domain.StorageError{Op: "get", Err: err}
	}
	obj, err := s.client.GetObject(ctx, s.prefix+bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, &domain.StorageError{Op: "get", Err: err}
	}
	return obj, nil
}

func (s *S3) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.prefix+bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, &domain.StorageError{Op: "stat", Err: err}
}

func (s *S3) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.prefix+bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return ObjectInfo{}, fmt.Errorf("object %s/%s: %w", bucket, key, domain.ErrNotFound)
		}
		return ObjectInfo{}, &domain.StorageError{Op: "stat", Err: err}
	}
	return ObjectInfo{Key: key, Size: info.Size, LastModified: info.LastModified}, nil
}

func (s *S3) Delete(ctx context.Context, bucket, key string) error {
	if err := s.client.RemoveObject(ctx, s.prefix+bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return &domain.StorageError{Op: "delete", Err: err}
	}
	return nil
}

func (s *S3) List(ctx context.Context, bucket string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.prefix+bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return nil, &domain.StorageError{Op: "list", Err: obj.Err}
		}
		out = append(out, ObjectInfo{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified})
	}
	return out, nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
