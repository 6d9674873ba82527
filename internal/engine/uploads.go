package engine

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"

	"reproserver/internal/db"
	"reproserver/internal/domain"
	"reproserver/internal/objstore"
	"reproserver/internal/repo"
	"reproserver/internal/shortid"
)

// SubmitArchive stores an uploaded archive, creating its experiment on first
// sight, and records the upload. Uploading the same bytes again creates a
// new upload for the existing experiment.
func (e Engine) SubmitArchive(ctx context.Context, r io.Reader, filename, submitter string) (domain.Upload, error) {
	filename = cleanFilename(filename)
	if filename == "" {
		return domain.Upload{}, domain.Invalid("filename", "an archive needs a file name")
	}
	staged, err := stageClientBytes(ctx, e.Staging, "archive", r)
	if err != nil {
		return domain.Upload{}, err
	}
	defer staged.Discard()

	unlock := e.linkObjects()
	defer unlock()
	exp, err := e.adoptStaged(ctx, staged)
	if err != nil {
		return domain.Upload{}, err
	}
	return e.RecordDirectUpload(ctx, exp.Hash, filename, submitter)
}

// adoptStaged turns staged bytes into an experiment. Callers hold
// linkObjects. A new row is only inserted after its archive is committed, and
// an adopted row whose archive has gone missing gets the staged bytes back.
func (e Engine) adoptStaged(ctx context.Context, staged *objstore.Staged) (domain.Experiment, error) {
	_, err := e.Repo.GetExperiment(ctx, staged.Hash)
	switch {
	case err == nil:
	case errors.Is(err, repo.ErrNotFound):
		if err := staged.Commit(ctx, e.Objects, domain.BucketExperiments); err != nil {
			return domain.Experiment{}, err
		}
	default:
		return domain.Experiment{}, err
	}
	exp, created, err := e.GetOrCreateExperiment(ctx, staged.Hash)
	if err != nil {
		return exp, err
	}
	if created {
		return exp, nil
	}
	stored, err := e.Objects.Exists(ctx, domain.BucketExperiments, exp.Hash)
	if err != nil {
		return exp, err
	}
	if !stored {
		e.Log.Warnf("experiment %s had lost its archive; storing it again", exp.Hash)
		if err := staged.Commit(ctx, e.Objects, domain.BucketExperiments); err != nil {
			return exp, err
		}
	}
	return exp, e.TouchLastAccess(ctx, exp.Hash)
}

// RecordDirectUpload always records a new upload.
func (e Engine) RecordDirectUpload(ctx context.Context, hash, filename, submitter string) (domain.Upload, error) {
	u := domain.Upload{
		Filename:       filename,
		SubmittedIP:    submitter,
		ExperimentHash: hash,
		CreatedAt:      e.ts(),
	}
	id, err := e.Repo.InsertUpload(ctx, e.DB, u)
	if err != nil {
		return u, err
	}
	u.ID = id
	e.Log.Infof("upload %d of %s recorded for experiment %s", id, filename, hash)
	return e.uploadToken(u)
}

// RecordProviderUpload returns the newest upload already recorded for key, or
// records a new one. Two concurrent first resolutions race on the unique
// provider_key index and the loser adopts the winner's row.
func (e Engine) RecordProviderUpload(ctx context.Context, hash, filename, submitter, key string) (domain.Upload, error) {
	if existing, ok, err := e.ResolveProviderKey(ctx, key); err != nil || ok {
		return existing, err
	}
	u := domain.Upload{
		Filename:       filename,
		SubmittedIP:    submitter,
		ProviderKey:    key,
		ExperimentHash: hash,
		CreatedAt:      e.ts(),
	}
	id, err := e.Repo.InsertUpload(ctx, e.DB, u)
	if db.IsUniqueViolation(err) {
		existing, ok, err := e.ResolveProviderKey(ctx, key)
		if err == nil && !ok {
			err = repo.ErrNotFound
		}
		return existing, err
	}
	if err != nil {
		return u, err
	}
	u.ID = id
	e.Log.Infof("upload %d recorded for %s (experiment %s)", id, key, hash)
	return e.uploadToken(u)
}

// ResolveUploadToken returns the upload named by a public token. Malformed
// tokens are reported as not found.
func (e Engine) ResolveUploadToken(ctx context.Context, token string) (domain.Upload, error) {
	id, err := e.decodeToken(shortid.KindUpload, token)
	if err != nil {
		return domain.Upload{}, err
	}
	u, err := e.Repo.GetUpload(ctx, id)
	if err != nil {
		return u, err
	}
	u.Token = token
	return u, nil
}

func (e Engine) ResolveProviderKey(ctx context.Context, key string) (domain.Upload, bool, error) {
	u, err := e.Repo.NewestUploadByProviderKey(ctx, key)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Upload{}, false, nil
	}
	if err != nil {
		return u, false, err
	}
	u, err = e.uploadToken(u)
	return u, err == nil, err
}

// Reproduction is the polling view of an upload's experiment.
type Reproduction struct {
	Upload     domain.Upload      `json:"upload"`
	Status     domain.Status      `json:"status"`
	Log        []domain.LogLine   `json:"log"`
	Parameters []domain.Parameter `json:"params"`
	Paths      []domain.Path      `json:"paths"`
}

// Reproduce is what a client calls when it looks at an upload: it refreshes
// the experiment's last access, queues a build the first time, and returns
// the status with the build log from line logFrom.
func (e Engine) Reproduce(ctx context.Context, token string, logFrom int) (Reproduction, error) {
	u, err := e.ResolveUploadToken(ctx, token)
	if err != nil {
		return Reproduction{}, err
	}
	if err := e.TouchLastAccess(ctx, u.ExperimentHash); err != nil {
		return Reproduction{}, err
	}
	status, err := e.EnsureQueued(ctx, u.ExperimentHash)
	if err != nil {
		return Reproduction{}, err
	}
	lines, err := e.ReadBuildLog(ctx, u.ExperimentHash, logFrom)
	if err != nil {
		return Reproduction{}, err
	}
	view, err := e.ExperimentDetails(ctx, u.ExperimentHash)
	if err != nil {
		return Reproduction{}, err
	}
	return Reproduction{Upload: u, Status: status, Log: lines, Parameters: view.Parameters, Paths: view.Paths}, nil
}

// stageClientBytes stages a client supplied stream. A failure reading the
// stream is the client's fault; anything else is the object store's.
func stageClientBytes(ctx context.Context, dir, field string, r io.Reader) (*objstore.Staged, error) {
	staged, err := objstore.Stage(ctx, dir, clientReader{field: field, r: r})
	switch {
	case err == nil:
		return staged, nil
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrStorage), ctx.Err() != nil:
		return nil, err
	default:
		return nil, &domain.StorageError{Op: "stage", Err: err}
	}
}

type clientReader struct {
	field string
	r     io.Reader
}

func (c clientReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	if err != nil && err != io.EOF {
		err = domain.Invalid(c.field, "upload interrupted: %v", err)
	}
	return n, err
}

func cleanFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, `\`, "/"))
	if name == "" {
		return ""
	}
	base := filepath.Base(name)
	if base == "." || base == "/" {
		return ""
	}
	return base
}
