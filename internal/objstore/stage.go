package objstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"reproserver/internal/domain"
	"reproserver/internal/hasher"
)

const stagePrefix = "stage_"

// Staged is a scratch copy of a stream whose digest is known. It becomes an
// object only on Commit; Discard drops it.
type Staged struct {
	Hash string
	Size int64
	path string
}

// Stage copies r into a scratch file under dir, hashing it in the same pass.
// On any error nothing is left behind.
func Stage(ctx context.Context, dir string, r io.Reader) (*Staged, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &domain.StorageError{Op: "stage", Err: err}
	}
	f, err := os.CreateTemp(dir, stagePrefix+uuid.NewString()+"_*")
	if err != nil {
		return nil, &domain.StorageError{Op: "stage", Err: err}
	}
	digest, n, err := hasher.Copy(f, contextReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return nil, err
	}
	return &Staged{Hash: digest, Size: n, path: f.Name()}, nil
}

// Open reads back the staged bytes.
func (s *Staged) Open() (io.ReadCloser, error) {
	return os.Open(s.path)
}

// Commit stores the staged bytes under bucket/Hash and removes the scratch file.
func (s *Staged) Commit(ctx context.Context, store Store, bucket string) error {
	f, err := os.Open(s.path)
	if err != nil {
		return &domain.StorageError{Op: "commit", Err: err}
	}
	err = store.Put(ctx, bucket, s.Hash, f, s.Size)
	f.Close()
	if err != nil {
		return err
	}
	s.Discard()
	return nil
}

// Discard removes the scratch file. It is safe to call more than once.
func (s *Staged) Discard() {
	if s == nil || s.path == "" {
		return
	}
	os.Remove(s.path)
	s.path = ""
}

// SweepStaging removes scratch files older than grace and returns how many
// were removed. Staging files only outlive a request when the process died
// mid-upload.
func SweepStaging(dir string, grace time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), stagePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < grace {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
