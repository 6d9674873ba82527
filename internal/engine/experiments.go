package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"

	"reproserver/internal/domain"
	"reproserver/internal/hasher"
	"reproserver/internal/repo"
)

// GetOrCreateExperiment returns the experiment for hash, inserting it as
// NOBUILD on first sight. Concurrent callers with the same hash all get the
// single row; created is true for exactly one of them.
func (e Engine) GetOrCreateExperiment(ctx context.Context, hash string) (domain.Experiment, bool, error) {
	if !hasher.Valid(hash) {
		return domain.Experiment{}, false, domain.Invalid("hash", "%q is not a sha256 hex digest", hash)
	}
	ts := e.ts()
	created, err := e.Repo.InsertExperimentIfAbsent(ctx, e.DB, domain.Experiment{
		Hash:       hash,
		Status:     domain.StatusNoBuild,
		LastAccess: ts,
		CreatedAt:  ts,
	})
	if err != nil {
		return domain.Experiment{}, false, err
	}
	exp, err := e.Repo.GetExperiment(ctx, hash)
	if err != nil {
		return exp, false, err
	}
	if created {
		e.Log.Infof("experiment %s created", hash)
	}
	return exp, created, nil
}

func (e Engine) GetExperiment(ctx context.Context, hash string) (domain.Experiment, error) {
	return e.Repo.GetExperiment(ctx, hash)
}

// ExperimentView is an experiment with its declared parameters and paths.
type ExperimentView struct {
	Experiment domain.Experiment  `json:"experiment"`
	Parameters []domain.Parameter `json:"parameters"`
	Paths      []domain.Path      `json:"paths"`
}

func (e Engine) ExperimentDetails(ctx context.Context, hash string) (ExperimentView, error) {
	exp, err := e.Repo.GetExperiment(ctx, hash)
	if err != nil {
		return ExperimentView{}, err
	}
	params, err := e.Repo.ListParameters(ctx, hash)
	if err != nil {
		return ExperimentView{}, err
	}
	paths, err := e.Repo.ListPaths(ctx, hash)
	if err != nil {
		return ExperimentView{}, err
	}
	return ExperimentView{Experiment: exp, Parameters: params, Paths: paths}, nil
}

func (e Engine) ListExperiments(ctx context.Context, f repo.ExperimentFilters) ([]domain.Experiment, error) {
	return e.Repo.ListExperiments(ctx, f)
}

func (e Engine) transition(ctx context.Context, q repo.Queryer, hash string, from, to domain.Status) (bool, error) {
	if err := domain.EnsureTransition(from, to); err != nil {
		return false, err
	}
	return e.Repo.CompareAndSetStatus(ctx, q, hash, from, to)
}

// EnsureQueued moves a NOBUILD experiment to QUEUED and records exactly one
// build task for it. Any other status is returned unchanged and nothing is
// dispatched.
func (e Engine) EnsureQueued(ctx context.Context, hash string) (domain.Status, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	moved, err := e.transition(ctx, tx, hash, domain.StatusNoBuild, domain.StatusQueued)
	if err != nil {
		return "", err
	}
	if !moved {
		exp, err := e.Repo.GetExperimentTx(ctx, tx, hash)
		if err != nil {
			return "", err
		}
		return exp.Status, nil
	}
	if _, err := e.Outbox.EnqueueBuild(ctx, tx, hash); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	e.Log.Infof("experiment %s queued for build", hash)
	return domain.StatusQueued, nil
}

// StartBuild is called by a build worker when it picks up the task. It
// returns false when the experiment is already past QUEUED, which is how a
// redelivered task is recognised.
func (e Engine) StartBuild(ctx context.Context, hash string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	moved, err := e.transition(ctx, tx, hash, domain.StatusQueued, domain.StatusBuilding)
	if err != nil {
		return false, err
	}
	if !moved {
		exp, err := e.Repo.GetExperimentTx(ctx, tx, hash)
		if err != nil {
			return false, err
		}
		if exp.Status == domain.StatusNoBuild {
			return false, domain.EnsureTransition(exp.Status, domain.StatusBuilding)
		}
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	e.Log.Infof("experiment %s building", hash)
	return true, nil
}

// BuildResult is what a build worker reports on success.
type BuildResult struct {
	Image      string             `json:"image"`
	Parameters []domain.Parameter `json:"parameters"`
	Paths      []domain.Path      `json:"paths"`
}

func (b BuildResult) validate() (string, error) {
	ref, err := name.ParseReference(b.Image)
	if err != nil {
		return "", domain.Invalid("image", "%v", err)
	}
	seen := map[string]bool{}
	for _, p := range b.Parameters {
		if strings.TrimSpace(p.Name) == "" {
			return "", domain.Invalid("parameters", "parameter with empty name")
		}
		if seen[p.Name] {
			return "", domain.Invalid("parameters", "duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true
	}
	seen = map[string]bool{}
	for _, p := range b.Paths {
		if strings.TrimSpace(p.Name) == "" || p.Path == "" {
			return "", domain.Invalid("paths", "path entries need a name and a path")
		}
		if !p.IsInput && !p.IsOutput {
			return "", domain.Invalid("paths", "path %q is neither input nor output", p.Name)
		}
		if seen[p.Name] {
			return "", domain.Invalid("paths", "duplicate path %q", p.Name)
		}
		seen[p.Name] = true
	}
	return ref.Name(), nil
}

// FinishBuild marks a BUILDING experiment BUILT and stores its image and
// declarations. Reporting success again for a BUILT experiment is a no-op.
func (e Engine) FinishBuild(ctx context.Context, hash string, res BuildResult) error {
	image, err := res.validate()
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	moved, err := e.transition(ctx, tx, hash, domain.StatusBuilding, domain.StatusBuilt)
	if err != nil {
		return err
	}
	if !moved {
		exp, err := e.Repo.GetExperimentTx(ctx, tx, hash)
		if err != nil {
			return err
		}
		if exp.Status == domain.StatusBuilt {
			return nil
		}
		return domain.EnsureTransition(exp.Status, domain.StatusBuilt)
	}
	if err := e.Repo.SetDockerImage(ctx, tx, hash, image); err != nil {
		return err
	}
	if err := e.Repo.ReplaceDeclarations(ctx, tx, hash, res.Parameters, res.Paths); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Log.Infof("experiment %s built as %s", hash, image)
	return nil
}

// FailBuild marks a BUILDING experiment ERROR.
func (e Engine) FailBuild(ctx context.Context, hash string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	moved, err := e.transition(ctx, tx, hash, domain.StatusBuilding, domain.StatusError)
	if err != nil {
		return err
	}
	if !moved {
		exp, err := e.Repo.GetExperimentTx(ctx, tx, hash)
		if err != nil {
			return err
		}
		if exp.Status == domain.StatusError {
			return nil
		}
		return domain.EnsureTransition(exp.Status, domain.StatusError)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Log.Warnf("experiment %s failed to build", hash)
	return nil
}

// RequeueBuild is the operator's way out of ERROR: the experiment goes back
// to QUEUED, its build log is cleared and one new build task is recorded.
func (e Engine) RequeueBuild(ctx context.Context, hash string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	moved, err := e.transition(ctx, tx, hash, domain.StatusError, domain.StatusQueued)
	if err != nil {
		return err
	}
	if !moved {
		exp, err := e.Repo.GetExperimentTx(ctx, tx, hash)
		if err != nil {
			return err
		}
		return &domain.ConflictError{Reason: fmt.Sprintf("only failed builds can be requeued; %s is %s", hash, exp.Status)}
	}
	if err := e.Logs.Truncate(ctx, tx, repo.BuildLog(hash)); err != nil {
		return err
	}
	if _, err := e.Outbox.EnqueueBuild(ctx, tx, hash); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Log.Infof("experiment %s requeued after failure", hash)
	return nil
}

// splitLines turns each entry into one or more log lines.
func splitLines(lines []string) []string {
	var out []string
	for _, l := range lines {
		out = append(out, strings.Split(strings.TrimRight(l, "\r\n"), "\n")...)
	}
	return out
}

func (e Engine) AppendBuildLog(ctx context.Context, hash string, lines ...string) error {
	if _, err := e.Repo.GetExperiment(ctx, hash); err != nil {
		return err
	}
	return e.Logs.Append(ctx, repo.BuildLog(hash), e.ts(), splitLines(lines))
}

func (e Engine) ReadBuildLog(ctx context.Context, hash string, from int) ([]domain.LogLine, error) {
	if _, err := e.Repo.GetExperiment(ctx, hash); err != nil {
		return nil, err
	}
	return e.Logs.Read(ctx, repo.BuildLog(hash), from)
}

func (e Engine) TouchLastAccess(ctx context.Context, hash string) error {
	return e.Repo.TouchExperiment(ctx, e.DB, hash, e.ts())
}

// PurgeExperiment deletes an experiment with everything attached to it and
// then its archive. Input and output objects are left to the orphan sweep.
func (e Engine) PurgeExperiment(ctx context.Context, hash string) error {
	unlock := e.unlinkObjects()
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteExperiment(ctx, tx, hash); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Log.Infof("experiment %s purged", hash)
	if err := e.Objects.Delete(ctx, domain.BucketExperiments, hash); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}
