package engine

import (
	"context"
	"fmt"
	"io"
	"sort"

	"reproserver/internal/domain"
	"reproserver/internal/hasher"
	"reproserver/internal/objstore"
	"reproserver/internal/repo"
	"reproserver/internal/shortid"
)

// FileInput is one uploaded input file. Size is what the client announced;
// negative means unknown.
type FileInput struct {
	Reader io.Reader
	Size   int64
}

// SubmitRun validates parameters and files against the experiment behind
// uploadToken, stores the input files and records the run with its run task.
// Nothing is visible unless the run, its values, its files and its task are
// all committed. Input bytes stored by a failed attempt are left to the
// orphan sweep.
func (e Engine) SubmitRun(ctx context.Context, uploadToken string, params map[string]string, files map[string]FileInput) (domain.Run, error) {
	u, err := e.ResolveUploadToken(ctx, uploadToken)
	if err != nil {
		return domain.Run{}, err
	}
	view, err := e.ExperimentDetails(ctx, u.ExperimentHash)
	if err != nil {
		return domain.Run{}, err
	}
	values, err := validateRun(view, params, files)
	if err != nil {
		return domain.Run{}, err
	}

	inputs := make([]domain.File, 0, len(files))
	staged := make([]*objstore.Staged, 0, len(files))
	defer func() {
		for _, st := range staged {
			st.Discard()
		}
	}()
	for _, name := range sortedKeys(files) {
		st, f, err := e.stageInput(ctx, name, files[name])
		if err != nil {
			return domain.Run{}, err
		}
		staged = append(staged, st)
		inputs = append(inputs, f)
	}

	unlock := e.linkObjects()
	defer unlock()
	for _, st := range staged {
		// Rewriting bytes that are already stored refreshes their age, so a
		// leftover copy is not swept before this run references it.
		if err := st.Commit(ctx, e.Objects, domain.BucketInputs); err != nil {
			return domain.Run{}, err
		}
	}

	run := domain.Run{
		ExperimentHash:  u.ExperimentHash,
		UploadID:        u.ID,
		Submitted:       e.ts(),
		Status:          domain.RunSubmitted,
		ParameterValues: values,
		InputFiles:      inputs,
		OutputFiles:     []domain.File{},
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	if run.ID, err = e.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.Run{}, err
	}
	if err := e.Repo.InsertParameterValues(ctx, tx, run.ID, values); err != nil {
		return domain.Run{}, err
	}
	if err := e.Repo.InsertInputFiles(ctx, tx, run.ID, inputs); err != nil {
		return domain.Run{}, err
	}
	if _, err := e.Outbox.EnqueueRun(ctx, tx, run.ID); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	e.Log.Infof("run %d submitted for experiment %s (%d params, %d files)", run.ID, run.ExperimentHash, len(values), len(inputs))
	if err := e.TouchLastAccess(ctx, run.ExperimentHash); err != nil {
		e.Log.Warnf("touch %s: %v", run.ExperimentHash, err)
	}
	return e.runToken(run)
}

// validateRun checks, in order: the experiment is built, every parameter is
// declared, every required parameter is given, every file names a declared
// input path. Missing optional parameters take their default.
func validateRun(view ExperimentView, params map[string]string, files map[string]FileInput) ([]domain.ParameterValue, error) {
	if st := view.Experiment.Status; st != domain.StatusBuilt {
		return nil, domain.Invalid("experiment", "experiment is %s; runs need a built experiment", st)
	}
	declared := make(map[string]domain.Parameter, len(view.Parameters))
	for _, p := range view.Parameters {
		declared[p.Name] = p
	}
	for _, name := range sortedKeys(params) {
		if _, ok := declared[name]; !ok {
			return nil, domain.Invalid("param_"+name, "unknown parameter %q", name)
		}
	}
	values := make([]domain.ParameterValue, 0, len(view.Parameters))
	for _, p := range view.Parameters {
		v, ok := params[p.Name]
		switch {
		case ok:
			values = append(values, domain.ParameterValue{Name: p.Name, Value: v})
		case !p.Optional:
			return nil, domain.Invalid("param_"+p.Name, "missing value for required parameter %q", p.Name)
		case p.Default != "":
			values = append(values, domain.ParameterValue{Name: p.Name, Value: p.Default})
		}
	}
	inputs := map[string]bool{}
	for _, p := range view.Paths {
		if p.IsInput {
			inputs[p.Name] = true
		}
	}
	for _, name := range sortedKeys(files) {
		if !inputs[name] {
			return nil, domain.Invalid("input_"+name, "unknown input file %q", name)
		}
	}
	return values, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stageInput stages one input file and checks the announced size.
func (e Engine) stageInput(ctx context.Context, name string, in FileInput) (*objstore.Staged, domain.File, error) {
	if in.Reader == nil {
		return nil, domain.File{}, domain.Invalid("input_"+name, "no content")
	}
	staged, err := stageClientBytes(ctx, e.Staging, "input_"+name, in.Reader)
	if err != nil {
		return nil, domain.File{}, err
	}
	if in.Size >= 0 && staged.Size != in.Size {
		staged.Discard()
		return nil, domain.File{}, domain.Invalid("input_"+name, "received %d bytes, expected %d", staged.Size, in.Size)
	}
	return staged, domain.File{Hash: staged.Hash, Name: name, Size: staged.Size}, nil
}

func (e Engine) ResolveRunToken(ctx context.Context, token string) (int64, error) {
	return e.decodeToken(shortid.KindRun, token)
}

// GetRun loads a run by its public token.
func (e Engine) GetRun(ctx context.Context, token string) (domain.Run, error) {
	id, err := e.ResolveRunToken(ctx, token)
	if err != nil {
		return domain.Run{}, err
	}
	return e.GetRunByID(ctx, id)
}

func (e Engine) GetRunByID(ctx context.Context, id int64) (domain.Run, error) {
	run, err := e.Repo.GetRun(ctx, id)
	if err != nil {
		return run, err
	}
	return e.runToken(run)
}

func (e Engine) ListRuns(ctx context.Context, hash string) ([]domain.Run, error) {
	runs, err := e.Repo.ListRuns(ctx, hash)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if runs[i], err = e.runToken(runs[i]); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// MarkRunStarted stamps the start of a run. It returns false when the run had
// already started, which is how a redelivered run task is recognised.
func (e Engine) MarkRunStarted(ctx context.Context, id int64) (bool, error) {
	moved, err := e.Repo.MarkRunStarted(ctx, e.DB, id, e.ts())
	if err != nil || moved {
		if moved {
			e.Log.Infof("run %d started", id)
		}
		return moved, err
	}
	if _, err := e.Repo.GetRunTx(ctx, e.DB, id); err != nil {
		return false, err
	}
	return false, nil
}

func (e Engine) AppendRunLog(ctx context.Context, id int64, lines ...string) error {
	if _, err := e.Repo.GetRunTx(ctx, e.DB, id); err != nil {
		return err
	}
	return e.Logs.Append(ctx, repo.RunLog(id), e.ts(), splitLines(lines))
}

func (e Engine) ReadRunLog(ctx context.Context, id int64, from int) ([]domain.LogLine, error) {
	if _, err := e.Repo.GetRunTx(ctx, e.DB, id); err != nil {
		return nil, err
	}
	return e.Logs.Read(ctx, repo.RunLog(id), from)
}

// MarkRunDone stamps the end of a started run and records its outputs. Each
// output must name a declared output path and its bytes must already be in
// the outputs bucket. Reporting completion again is a no-op.
func (e Engine) MarkRunDone(ctx context.Context, id int64, outputs []domain.File) error {
	run, err := e.Repo.GetRunTx(ctx, e.DB, id)
	if err != nil {
		return err
	}
	if run.Status == domain.RunDone {
		return nil
	}
	if run.Status != domain.RunRunning {
		return &domain.ConflictError{Reason: fmt.Sprintf("run %d has not started", id)}
	}
	paths, err := e.Repo.ListPaths(ctx, run.ExperimentHash)
	if err != nil {
		return err
	}
	declared := map[string]bool{}
	for _, p := range paths {
		if p.IsOutput {
			declared[p.Name] = true
		}
	}
	unlock := e.linkObjects()
	defer unlock()
	seen := map[string]bool{}
	for _, f := range outputs {
		if !declared[f.Name] {
			return domain.Invalid("outputs", "%q is not a declared output", f.Name)
		}
		if seen[f.Name] {
			return domain.Invalid("outputs", "duplicate output %q", f.Name)
		}
		seen[f.Name] = true
		if !hasher.Valid(f.Hash) {
			return domain.Invalid("outputs", "output %q has an invalid hash", f.Name)
		}
		ok, err := e.Objects.Exists(ctx, domain.BucketOutputs, f.Hash)
		if err != nil {
			return err
		}
		if !ok {
			return domain.Invalid("outputs", "output %q was not uploaded", f.Name)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	moved, err := e.Repo.MarkRunDone(ctx, tx, id, e.ts())
	if err != nil {
		return err
	}
	if !moved {
		// Lost a race with another completion report.
		return nil
	}
	if err := e.Repo.InsertOutputFiles(ctx, tx, id, outputs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Log.Infof("run %d done with %d outputs", id, len(outputs))
	return nil
}

// PutOutput stores an output file uploaded by a run worker. When
// expectedHash is set the bytes must match it.
func (e Engine) PutOutput(ctx context.Context, expectedHash string, r io.Reader) (domain.File, error) {
	if expectedHash != "" && !hasher.Valid(expectedHash) {
		return domain.File{}, domain.Invalid("hash", "%q is not a sha256 hex digest", expectedHash)
	}
	staged, err := stageClientBytes(ctx, e.Staging, "output", r)
	if err != nil {
		return domain.File{}, err
	}
	defer staged.Discard()
	if expectedHash != "" && staged.Hash != expectedHash {
		return domain.File{}, domain.Invalid("hash", "received bytes hash to %s", staged.Hash)
	}
	unlock := e.linkObjects()
	defer unlock()
	if err := staged.Commit(ctx, e.Objects, domain.BucketOutputs); err != nil {
		return domain.File{}, err
	}
	return domain.File{Hash: staged.Hash, Size: staged.Size}, nil
}

// OpenObject streams bucket/key. Workers use it to fetch archives and inputs.
func (e Engine) OpenObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if !hasher.Valid(key) {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, domain.ErrNotFound)
	}
	return e.Objects.Get(ctx, bucket, key)
}

// OpenOutput streams the named output of the run behind token.
func (e Engine) OpenOutput(ctx context.Context, token, name string) (domain.File, io.ReadCloser, error) {
	run, err := e.GetRun(ctx, token)
	if err != nil {
		return domain.File{}, nil, err
	}
	for _, f := range run.OutputFiles {
		if f.Name != name {
			continue
		}
		body, err := e.Objects.Get(ctx, domain.BucketOutputs, f.Hash)
		return f, body, err
	}
	return domain.File{}, nil, fmt.Errorf("output %q of run %s: %w", name, token, domain.ErrNotFound)
}
