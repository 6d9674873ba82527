package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"reproserver/internal/domain"
)

// FS stores objects under root/bucket/key[0:2]/key.
type FS struct {
	Root string
}

func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &domain.StorageError{Op: "init", Err: err}
	}
	return &FS{Root: root}, nil
}

func (s *FS) objectPath(bucket, key string) (string, error) {
	if bucket == "" || key == "" || strings.ContainsAny(bucket+key, `/\`) || strings.HasPrefix(key, ".") {
		return "", domain.Invalid("key", "invalid object key %q in bucket %q", key, bucket)
	}
	shard := key
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(s.Root, bucket, shard, key), nil
}

// Put writes r to a temporary file next to the destination and renames it into
// place, so readers never observe a partial object.
func (s *FS) Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	dest, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return &domain.StorageError{Op: "put", Err: err}
	}
	tmp := filepath.Join(filepath.Dir(dest), ".tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return &domain.StorageError{Op: "put", Err: err}
	}
	n, err := io.Copy(f, contextReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && 0 <= size && n != size {
		err = fmt.Errorf("short write: %d of %d bytes", n, size)
	}
	if err == nil {
		err = os.Rename(tmp, dest)
	}
	if err != nil {
		os.Remove(tmp)
		return &domain.StorageError{Op: "put", Err: err}
	}
	return nil
}

func (s *FS) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	p, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("object %s/%s: %w", bucket, key, domain.ErrNotFound)
		}
		return nil, &domain.StorageError{Op: "get", Err: err}
	}
	return f, nil
}

func (s *FS) Exists(ctx context.Context, bucket, key string) (bool, error) {
	p, err := s.objectPath(bucket, key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, &domain.StorageError{Op: "stat", Err: err}
	}
	return true, nil
}

func (s *FS) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	p, err := s.objectPath(bucket, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ObjectInfo{}, fmt.Errorf("object %s/%s: %w", bucket, key, domain.ErrNotFound)
		}
		return ObjectInfo{}, &domain.StorageError{Op: "stat", Err: err}
	}
	return ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()}, nil
}

func (s *FS) Delete(ctx context.Context, bucket, key string) error {
	p, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &domain.StorageError{Op: "delete", Err: err}
	}
	return nil
}

func (s *FS) List(ctx context.Context, bucket string) ([]ObjectInfo, error) {
	root := filepath.Join(s.Root, bucket)
	var out []ObjectInfo
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == root {
				return fs.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, ObjectInfo{Key: d.Name(), Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, &domain.StorageError{Op: "list", Err: err}
	}
	return out, nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
