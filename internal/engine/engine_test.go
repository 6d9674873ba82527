package engine_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reproserver/internal/db"
	"reproserver/internal/domain"
	"reproserver/internal/engine"
	"reproserver/internal/migrate"
	"reproserver/internal/objstore"
	"reproserver/internal/provider"
	"reproserver/internal/repo"
	"reproserver/internal/shortid"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine  engine.Engine
	Objects *objstore.FS
	Ctx     context.Context
}

func newTestEnv(t *testing.T, providers ...provider.Provider) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, dialect, err := db.Open(db.Config{Driver: "sqlite", Path: filepath.Join(dir, "reproserver.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	objects, err := objstore.NewFS(filepath.Join(dir, "objects"))
	if err != nil {
		t.Fatalf("objects: %v", err)
	}
	ids, err := shortid.New("test-salt")
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	eng := engine.New(conn, dialect, engine.Options{
		Objects:   objects,
		IDs:       ids,
		Providers: provider.NewRegistry(nil, providers...),
		Staging:   filepath.Join(dir, "staging"),
	})
	eng.Now = func() time.Time { return epoch }
	return testEnv{Engine: eng, Objects: objects, Ctx: context.Background()}
}

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (env testEnv) upload(t *testing.T, content, filename string) domain.Upload {
	t.Helper()
	u, err := env.Engine.SubmitArchive(env.Ctx, strings.NewReader(content), filename, "10.0.0.1")
	if err != nil {
		t.Fatalf("submit archive: %v", err)
	}
	return u
}

func (env testEnv) buildCount(t *testing.T, hash string) int {
	t.Helper()
	n, err := env.Engine.Outbox.Count(env.Ctx, domain.TaskBuild, hash)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func (env testEnv) status(t *testing.T, hash string) domain.Status {
	t.Helper()
	exp, err := env.Engine.GetExperiment(env.Ctx, hash)
	if err != nil {
		t.Fatalf("get experiment: %v", err)
	}
	return exp.Status
}

var sampleBuild = engine.BuildResult{
	Image:      "registry.example.com/repro/exp:latest",
	Parameters: []domain.Parameter{{Name: "threshold", Description: "cut-off"}, {Name: "iterations", Optional: true, Default: "10"}},
	Paths: []domain.Path{
		{Name: "data.csv", Path: "/home/user/data.csv", IsInput: true},
		{Name: "result", Path: "/home/user/result.txt", IsOutput: true},
	},
}

// built uploads content and takes its experiment through a successful build.
func (env testEnv) built(t *testing.T, content string) domain.Upload {
	t.Helper()
	u := env.upload(t, content, "exp.rpz")
	if _, err := env.Engine.Reproduce(env.Ctx, u.Token, 0); err != nil {
		t.Fatalf("reproduce: %v", err)
	}
	if ok, err := env.Engine.StartBuild(env.Ctx, u.ExperimentHash); err != nil || !ok {
		t.Fatalf("start build: %v %v", ok, err)
	}
	if err := env.Engine.FinishBuild(env.Ctx, u.ExperimentHash, sampleBuild); err != nil {
		t.Fatalf("finish build: %v", err)
	}
	return u
}

func TestUploadThenReproduceDispatchesOnce(t *testing.T) {
	env := newTestEnv(t)
	h := sha("archive B")

	u1 := env.upload(t, "archive B", "paper.rpz")
	if u1.ExperimentHash != h || u1.Token == "" {
		t.Fatalf("unexpected upload %+v", u1)
	}
	if st := env.status(t, h); st != domain.StatusNoBuild {
		t.Fatalf("expected NOBUILD, got %s", st)
	}
	if ok, _ := env.Objects.Exists(env.Ctx, domain.BucketExperiments, h); !ok {
		t.Fatalf("archive not stored")
	}

	rep, err := env.Engine.Reproduce(env.Ctx, u1.Token, 0)
	if err != nil {
		t.Fatalf("reproduce: %v", err)
	}
	if rep.Status != domain.StatusQueued || env.status(t, h) != domain.StatusQueued {
		t.Fatalf("expected QUEUED, got %s", rep.Status)
	}
	if n := env.buildCount(t, h); n != 1 {
		t.Fatalf("expected one build task, got %d", n)
	}

	u2 := env.upload(t, "archive B", "copy.rpz")
	if u2.Token == u1.Token || u2.ExperimentHash != h {
		t.Fatalf("expected a second upload of the same experiment, got %+v", u2)
	}
	if _, err := env.Engine.Reproduce(env.Ctx, u2.Token, 0); err != nil {
		t.Fatalf("reproduce u2: %v", err)
	}
	if st := env.status(t, h); st != domain.StatusQueued {
		t.Fatalf("status changed to %s", st)
	}
	if n := env.buildCount(t, h); n != 1 {
		t.Fatalf("expected still one build task, got %d", n)
	}
	exps, err := env.Engine.ListExperiments(env.Ctx, repo.ExperimentFilters{})
	if err != nil || len(exps) != 1 {
		t.Fatalf("expected one experiment, got %d (%v)", len(exps), err)
	}
}

func TestSubmitArchiveRejectsEmptyFilename(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SubmitArchive(env.Ctx, strings.NewReader("x"), "  ", "")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestSubmitArchiveInterruptedUpload(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SubmitArchive(env.Ctx, failingReader{}, "a.rpz", "")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	exps, _ := env.Engine.ListExperiments(env.Ctx, repo.ExperimentFilters{})
	if len(exps) != 0 {
		t.Fatalf("interrupted upload created %d experiments", len(exps))
	}
}

func TestGetOrCreateIsAtomic(t *testing.T) {
	env := newTestEnv(t)
	h := sha("concurrent")
	var created atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exp, ok, err := env.Engine.GetOrCreateExperiment(env.Ctx, h)
			if err != nil {
				errs <- err
				return
			}
			if exp.Hash != h || exp.Status != domain.StatusNoBuild {
				errs <- errors.New("unexpected experiment " + exp.Hash)
			}
			if ok {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if created.Load() != 1 {
		t.Fatalf("expected exactly one creator, got %d", created.Load())
	}
	if _, _, err := env.Engine.GetOrCreateExperiment(env.Ctx, "not-a-hash"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for bad hash, got %v", err)
	}
}

func TestEnsureQueuedNeverRedispatches(t *testing.T) {
	env := newTestEnv(t)
	u := env.upload(t, "statuses", "s.rpz")
	h := u.ExperimentHash
	for i := 0; i < 3; i++ {
		st, err := env.Engine.EnsureQueued(env.Ctx, h)
		if err != nil || st != domain.StatusQueued {
			t.Fatalf("ensure queued #%d: %s %v", i, st, err)
		}
	}
	if _, err := env.Engine.StartBuild(env.Ctx, h); err != nil {
		t.Fatal(err)
	}
	if st, _ := env.Engine.EnsureQueued(env.Ctx, h); st != domain.StatusBuilding {
		t.Fatalf("expected BUILDING, got %s", st)
	}
	if err := env.Engine.FailBuild(env.Ctx, h); err != nil {
		t.Fatal(err)
	}
	if st, _ := env.Engine.EnsureQueued(env.Ctx, h); st != domain.StatusError {
		t.Fatalf("expected ERROR to stay terminal, got %s", st)
	}
	if n := env.buildCount(t, h); n != 1 {
		t.Fatalf("expected one build task, got %d", n)
	}
	if _, err := env.Engine.EnsureQueued(env.Ctx, sha("nothing")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBuildTransitions(t *testing.T) {
	env := newTestEnv(t)
	u := env.upload(t, "transitions", "t.rpz")
	h := u.ExperimentHash

	if _, err := env.Engine.StartBuild(env.Ctx, h); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict starting an unqueued build, got %v", err)
	}
	if err := env.Engine.FinishBuild(env.Ctx, h, sampleBuild); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict finishing an unstarted build, got %v", err)
	}
	if _, err := env.Engine.EnsureQueued(env.Ctx, h); err != nil {
		t.Fatal(err)
	}
	if ok, err := env.Engine.StartBuild(env.Ctx, h); err != nil || !ok {
		t.Fatalf("start: %v %v", ok, err)
	}
	// redelivered task
	if ok, err := env.Engine.StartBuild(env.Ctx, h); err != nil || ok {
		t.Fatalf("expected redelivery to be ignored: %v %v", ok, err)
	}
	bad := sampleBuild
	bad.Image = "Not A Valid Image"
	if err := env.Engine.FinishBuild(env.Ctx, h, bad); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for image, got %v", err)
	}
	if err := env.Engine.FinishBuild(env.Ctx, h, sampleBuild); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := env.Engine.FinishBuild(env.Ctx, h, sampleBuild); err != nil {
		t.Fatalf("repeated finish should be a no-op: %v", err)
	}
	if err := env.Engine.FailBuild(env.Ctx, h); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict failing a built experiment, got %v", err)
	}
	view, err := env.Engine.ExperimentDetails(env.Ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	if view.Experiment.Status != domain.StatusBuilt || view.Experiment.DockerImage != sampleBuild.Image {
		t.Fatalf("unexpected experiment %+v", view.Experiment)
	}
	if len(view.Parameters) != 2 || len(view.Paths) != 2 {
		t.Fatalf("declarations not stored: %+v", view)
	}
}

func TestRequeueAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	u := env.upload(t, "flaky", "f.rpz")
	h := u.ExperimentHash
	if err := env.Engine.RequeueBuild(env.Ctx, h); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict requeueing NOBUILD, got %v", err)
	}
	env.Engine.EnsureQueued(env.Ctx, h)
	env.Engine.StartBuild(env.Ctx, h)
	if err := env.Engine.AppendBuildLog(env.Ctx, h, "step 1", "boom"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.FailBuild(env.Ctx, h); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.FailBuild(env.Ctx, h); err != nil {
		t.Fatalf("repeated failure should be a no-op: %v", err)
	}
	if err := env.Engine.RequeueBuild(env.Ctx, h); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if st := env.status(t, h); st != domain.StatusQueued {
		t.Fatalf("expected QUEUED, got %s", st)
	}
	if n := env.buildCount(t, h); n != 2 {
		t.Fatalf("expected a second build task, got %d", n)
	}
	lines, err := env.Engine.ReadBuildLog(env.Ctx, h, 0)
	if err != nil || len(lines) != 0 {
		t.Fatalf("expected log cleared, got %v %v", lines, err)
	}
}

func TestBuildLogIsStableSuffix(t *testing.T) {
	env := newTestEnv(t)
	u := env.upload(t, "logs", "l.rpz")
	h := u.ExperimentHash
	if err := env.Engine.AppendBuildLog(env.Ctx, h, "one", "two\nthree"); err != nil {
		t.Fatal(err)
	}
	first, err := env.Engine.ReadBuildLog(env.Ctx, h, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 || first[0].Line != 1 || first[0].Text != "two" || first[1].Text != "three" {
		t.Fatalf("unexpected lines %+v", first)
	}
	for _, l := range []string{"four", "five", "six"} {
		if err := env.Engine.AppendBuildLog(env.Ctx, h, l); err != nil {
			t.Fatal(err)
		}
	}
	second, err := env.Engine.ReadBuildLog(env.Ctx, h, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 5 || !reflect.DeepEqual(second[:2], first) {
		t.Fatalf("expected %+v to be a prefix of %+v", first, second)
	}
	for i, l := range second {
		if l.Line != i+1 {
			t.Fatalf("line numbers not contiguous: %+v", second)
		}
	}
	rep, err := env.Engine.Reproduce(env.Ctx, u.Token, 5)
	if err != nil || len(rep.Log) != 1 || rep.Log[0].Text != "six" {
		t.Fatalf("reproduce log_from: %+v %v", rep.Log, err)
	}
}

func TestSubmitRun(t *testing.T) {
	env := newTestEnv(t)
	u := env.built(t, "experiment with params")

	run, err := env.Engine.SubmitRun(env.Ctx, u.Token,
		map[string]string{"threshold": "0.5"},
		map[string]engine.FileInput{"data.csv": {Reader: strings.NewReader("a,b\n1,2\n"), Size: 8}})
	if err != nil {
		t.Fatalf("submit run: %v", err)
	}
	if run.Token == "" || run.Status != domain.RunSubmitted {
		t.Fatalf("unexpected run %+v", run)
	}
	n, err := env.Engine.Outbox.Count(env.Ctx, domain.TaskRun, strconv.FormatInt(run.ID, 10))
	if err != nil || n != 1 {
		t.Fatalf("expected one run task, got %d %v", n, err)
	}

	got, err := env.Engine.GetRun(env.Ctx, run.Token)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	wantValues := []domain.ParameterValue{{Name: "iterations", Value: "10"}, {Name: "threshold", Value: "0.5"}}
	if !reflect.DeepEqual(got.ParameterValues, wantValues) {
		t.Fatalf("unexpected values %+v", got.ParameterValues)
	}
	if len(got.InputFiles) != 1 || got.InputFiles[0].Hash != sha("a,b\n1,2\n") || got.InputFiles[0].Size != 8 {
		t.Fatalf("unexpected inputs %+v", got.InputFiles)
	}
	if ok, _ := env.Objects.Exists(env.Ctx, domain.BucketInputs, sha("a,b\n1,2\n")); !ok {
		t.Fatalf("input bytes not stored")
	}

	_, err = env.Engine.SubmitRun(env.Ctx, u.Token, map[string]string{}, map[string]engine.FileInput{
		"data.csv": {Reader: strings.NewReader("x"), Size: 1},
	})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Field != "param_threshold" {
		t.Fatalf("expected missing threshold, got %v", err)
	}
	runs, err := env.Engine.ListRuns(env.Ctx, u.ExperimentHash)
	if err != nil || len(runs) != 1 {
		t.Fatalf("rejected run left a row: %d %v", len(runs), err)
	}
}

func TestSubmitRunValidation(t *testing.T) {
	env := newTestEnv(t)
	unbuilt := env.upload(t, "unbuilt", "u.rpz")
	_, err := env.Engine.SubmitRun(env.Ctx, unbuilt.Token, map[string]string{"threshold": "1"}, nil)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for unbuilt experiment, got %v", err)
	}

	u := env.built(t, "built")
	cases := []struct {
		name   string
		params map[string]string
		files  map[string]engine.FileInput
		field  string
	}{
		{"unknown param", map[string]string{"threshold": "1", "colour": "red"}, nil, "param_colour"},
		{"missing param", map[string]string{"iterations": "3"}, nil, "param_threshold"},
		{"unknown file", map[string]string{"threshold": "1"}, map[string]engine.FileInput{"result": {Reader: strings.NewReader("x"), Size: 1}}, "input_result"},
		{"size mismatch", map[string]string{"threshold": "1"}, map[string]engine.FileInput{"data.csv": {Reader: strings.NewReader("xyz"), Size: 10}}, "input_data.csv"},
	}
	for _, tc := range cases {
		_, err := env.Engine.SubmitRun(env.Ctx, u.Token, tc.params, tc.files)
		var verr *domain.ValidationError
		if !errors.As(err, &verr) || verr.Field != tc.field {
			t.Fatalf("%s: expected validation error on %s, got %v", tc.name, tc.field, err)
		}
	}
	runs, _ := env.Engine.ListRuns(env.Ctx, u.ExperimentHash)
	if len(runs) != 0 {
		t.Fatalf("expected no runs, got %d", len(runs))
	}
	if _, err := env.Engine.SubmitRun(env.Ctx, "bogus", nil, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for bogus token, got %v", err)
	}
}

func TestTokensAreKindSpecific(t *testing.T) {
	env := newTestEnv(t)
	u := env.built(t, "kinds")
	run, err := env.Engine.SubmitRun(env.Ctx, u.Token, map[string]string{"threshold": "1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GetRun(env.Ctx, u.Token); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("upload token accepted as run token: %v", err)
	}
	if _, err := env.Engine.ResolveUploadToken(env.Ctx, run.Token); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("run token accepted as upload token: %v", err)
	}
}

func TestRunWorkerLifecycle(t *testing.T) {
	env := newTestEnv(t)
	u := env.built(t, "lifecycle")
	run, err := env.Engine.SubmitRun(env.Ctx, u.Token, map[string]string{"threshold": "1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.MarkRunDone(env.Ctx, run.ID, nil); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict finishing an unstarted run, got %v", err)
	}
	if ok, err := env.Engine.MarkRunStarted(env.Ctx, run.ID); err != nil || !ok {
		t.Fatalf("start: %v %v", ok, err)
	}
	if ok, err := env.Engine.MarkRunStarted(env.Ctx, run.ID); err != nil || ok {
		t.Fatalf("expected redelivered start to be ignored: %v %v", ok, err)
	}
	if _, err := env.Engine.MarkRunStarted(env.Ctx, 9999); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := env.Engine.AppendRunLog(env.Ctx, run.ID, "running", "still running"); err != nil {
		t.Fatal(err)
	}
	lines, err := env.Engine.ReadRunLog(env.Ctx, run.ID, 1)
	if err != nil || len(lines) != 1 || lines[0].Text != "still running" {
		t.Fatalf("unexpected run log %+v %v", lines, err)
	}

	missing := []domain.File{{Name: "result", Hash: sha("42\n"), Size: 3}}
	if err := env.Engine.MarkRunDone(env.Ctx, run.ID, missing); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for unuploaded output, got %v", err)
	}
	if _, err := env.Engine.PutOutput(env.Ctx, sha("other"), strings.NewReader("42\n")); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
	out, err := env.Engine.PutOutput(env.Ctx, sha("42\n"), strings.NewReader("42\n"))
	if err != nil {
		t.Fatalf("put output: %v", err)
	}
	undeclared := []domain.File{{Name: "data.csv", Hash: out.Hash, Size: out.Size}}
	if err := env.Engine.MarkRunDone(env.Ctx, run.ID, undeclared); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for undeclared output, got %v", err)
	}
	outputs := []domain.File{{Name: "result", Hash: out.Hash, Size: out.Size}}
	if err := env.Engine.MarkRunDone(env.Ctx, run.ID, outputs); err != nil {
		t.Fatalf("done: %v", err)
	}
	if err := env.Engine.MarkRunDone(env.Ctx, run.ID, nil); err != nil {
		t.Fatalf("repeated done should be a no-op: %v", err)
	}

	got, err := env.Engine.GetRun(env.Ctx, run.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunDone || got.Started == nil || got.Done == nil || len(got.OutputFiles) != 1 {
		t.Fatalf("unexpected run %+v", got)
	}
	f, body, err := env.Engine.OpenOutput(env.Ctx, run.Token, "result")
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	b, _ := io.ReadAll(body)
	body.Close()
	if string(b) != "42\n" || f.Size != 3 {
		t.Fatalf("unexpected output %q %+v", b, f)
	}
	if _, _, err := env.Engine.OpenOutput(env.Ctx, run.Token, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type fakeProvider struct {
	name  string
	res   provider.Resolution
	calls atomic.Int32
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Resolve(ctx context.Context, path string) (provider.Resolution, error) {
	f.calls.Add(1)
	return f.res, nil
}

type downloadServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newDownloadServer(t *testing.T, body string) *downloadServer {
	t.Helper()
	d := &downloadServer{}
	d.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.hits.Add(1)
		io.WriteString(w, body)
	}))
	t.Cleanup(d.Close)
	return d
}

func TestProviderHashSkipsDownload(t *testing.T) {
	dl := newDownloadServer(t, "shared archive")
	p := &fakeProvider{name: "osf.io"}
	env := newTestEnv(t, p)
	existing := env.upload(t, "shared archive", "local.rpz")
	p.res = provider.Resolution{Link: dl.URL + "/file", Filename: "remote.rpz", Hash: existing.ExperimentHash}

	u, err := env.Engine.ResolveProvider(env.Ctx, "osf.io", "abc12", "10.0.0.2")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if dl.hits.Load() != 0 {
		t.Fatalf("expected no download, got %d", dl.hits.Load())
	}
	if u.ExperimentHash != existing.ExperimentHash || u.ProviderKey != "osf.io/abc12" || u.Token == existing.Token {
		t.Fatalf("unexpected upload %+v", u)
	}

	again, err := env.Engine.ResolveProvider(env.Ctx, "osf.io", "abc12", "10.0.0.3")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if again.Token != u.Token || p.calls.Load() != 1 {
		t.Fatalf("expected reuse of %s without resolving, got %s after %d calls", u.Token, again.Token, p.calls.Load())
	}
}

func TestProviderDownload(t *testing.T) {
	dl := newDownloadServer(t, "fresh archive")
	p := &fakeProvider{name: "figshare.com"}
	env := newTestEnv(t, p)
	p.res = provider.Resolution{Link: dl.URL + "/file", Filename: "fresh.rpz"}

	u, err := env.Engine.ResolveProvider(env.Ctx, "figshare.com", "1/2", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if dl.hits.Load() != 1 || u.ExperimentHash != sha("fresh archive") || u.Filename != "fresh.rpz" {
		t.Fatalf("unexpected upload %+v after %d downloads", u, dl.hits.Load())
	}
	if ok, _ := env.Objects.Exists(env.Ctx, domain.BucketExperiments, u.ExperimentHash); !ok {
		t.Fatalf("archive not stored")
	}
	if st := env.status(t, u.ExperimentHash); st != domain.StatusNoBuild {
		t.Fatalf("expected NOBUILD, got %s", st)
	}
}

func TestProviderHashMismatch(t *testing.T) {
	dl := newDownloadServer(t, "tampered")
	p := &fakeProvider{name: "osf.io"}
	env := newTestEnv(t, p)
	p.res = provider.Resolution{Link: dl.URL + "/file", Filename: "x.rpz", Hash: sha("original")}

	_, err := env.Engine.ResolveProvider(env.Ctx, "osf.io", "zz9", "")
	if !errors.Is(err, domain.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	exps, _ := env.Engine.ListExperiments(env.Ctx, repo.ExperimentFilters{})
	if len(exps) != 0 {
		t.Fatalf("mismatched download created an experiment")
	}
	if _, err := env.Engine.ResolveProvider(env.Ctx, "zenodo.org", "1", ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for unknown provider, got %v", err)
	}
}

func TestSweepOrphans(t *testing.T) {
	env := newTestEnv(t)
	u := env.built(t, "keep me")
	if _, err := env.Engine.SubmitRun(env.Ctx, u.Token, map[string]string{"threshold": "1"},
		map[string]engine.FileInput{"data.csv": {Reader: strings.NewReader("referenced"), Size: -1}}); err != nil {
		t.Fatal(err)
	}
	ctx := env.Ctx
	orphanInput := sha("orphan input")
	orphanArchive := sha("orphan archive")
	orphanOutput := sha("orphan output")
	env.Objects.Put(ctx, domain.BucketInputs, orphanInput, strings.NewReader("orphan input"), -1)
	env.Objects.Put(ctx, domain.BucketExperiments, orphanArchive, strings.NewReader("orphan archive"), -1)
	env.Objects.Put(ctx, domain.BucketOutputs, orphanOutput, strings.NewReader("orphan output"), -1)

	// too young to sweep
	env.Engine.Now = time.Now
	rep, err := env.Engine.SweepOrphans(ctx, time.Hour)
	if err != nil || rep.Total() != 0 {
		t.Fatalf("expected nothing swept, got %+v %v", rep, err)
	}

	env.Engine.Now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	rep, err = env.Engine.SweepOrphans(ctx, time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Archives != 1 || rep.Inputs != 1 || rep.Outputs != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	for _, obj := range []struct{ bucket, key string }{
		{domain.BucketInputs, orphanInput}, {domain.BucketExperiments, orphanArchive}, {domain.BucketOutputs, orphanOutput},
	} {
		if ok, _ := env.Objects.Exists(ctx, obj.bucket, obj.key); ok {
			t.Fatalf("%s/%s survived the sweep", obj.bucket, obj.key)
		}
	}
	if ok, _ := env.Objects.Exists(ctx, domain.BucketInputs, sha("referenced")); !ok {
		t.Fatalf("referenced input was swept")
	}
	if ok, _ := env.Objects.Exists(ctx, domain.BucketExperiments, u.ExperimentHash); !ok {
		t.Fatalf("live archive was swept")
	}
}

func TestPurgeStale(t *testing.T) {
	env := newTestEnv(t)
	old := env.upload(t, "old", "old.rpz")
	busy := env.upload(t, "busy", "busy.rpz")
	if _, err := env.Engine.EnsureQueued(env.Ctx, busy.ExperimentHash); err != nil {
		t.Fatal(err)
	}

	purged, err := env.Engine.PurgeStale(env.Ctx, 0)
	if err != nil || len(purged) != 0 {
		t.Fatalf("zero retention must not purge: %v %v", purged, err)
	}
	env.Engine.Now = func() time.Time { return epoch.AddDate(0, 2, 0) }
	purged, err = env.Engine.PurgeStale(env.Ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if len(purged) != 1 || purged[0] != old.ExperimentHash {
		t.Fatalf("unexpected purge %v", purged)
	}
	if _, err := env.Engine.GetExperiment(env.Ctx, old.ExperimentHash); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected purged experiment gone, got %v", err)
	}
	if _, err := env.Engine.ResolveUploadToken(env.Ctx, old.Token); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected purged upload gone, got %v", err)
	}
	if ok, _ := env.Objects.Exists(env.Ctx, domain.BucketExperiments, old.ExperimentHash); ok {
		t.Fatalf("purged archive still stored")
	}
	if st := env.status(t, busy.ExperimentHash); st != domain.StatusQueued {
		t.Fatalf("queued experiment touched: %s", st)
	}
}

func TestConcurrentProviderResolutionsConverge(t *testing.T) {
	dl := newDownloadServer(t, "popular archive")
	p := &fakeProvider{name: "osf.io"}
	env := newTestEnv(t, p)
	p.res = provider.Resolution{Link: dl.URL + "/file", Filename: "popular.rpz"}

	tokens := make(chan string, 8)
	errs := make(chan error, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := env.Engine.ResolveProvider(env.Ctx, "osf.io", "pop42", "10.0.0."+strconv.Itoa(i))
			if err != nil {
				errs <- err
				return
			}
			tokens <- u.Token
		}(i)
	}
	wg.Wait()
	close(tokens)
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for tok := range tokens {
		seen[tok] = true
	}
	if len(seen) != 1 {
		t.Fatalf("expected one upload token, got %v", seen)
	}
	exps, err := env.Engine.ListExperiments(env.Ctx, repo.ExperimentFilters{})
	if err != nil || len(exps) != 1 || exps[0].Hash != sha("popular archive") {
		t.Fatalf("expected one experiment, got %+v %v", exps, err)
	}
	if ok, _ := env.Objects.Exists(env.Ctx, domain.BucketExperiments, exps[0].Hash); !ok {
		t.Fatalf("archive not stored")
	}
}

func TestUploadRestoresMissingArchive(t *testing.T) {
	env := newTestEnv(t)
	first := env.upload(t, "fragile", "a.rpz")
	if err := env.Objects.Delete(env.Ctx, domain.BucketExperiments, first.ExperimentHash); err != nil {
		t.Fatal(err)
	}
	second := env.upload(t, "fragile", "b.rpz")
	if second.ExperimentHash != first.ExperimentHash {
		t.Fatalf("same bytes gave two experiments")
	}
	if ok, _ := env.Objects.Exists(env.Ctx, domain.BucketExperiments, first.ExperimentHash); !ok {
		t.Fatalf("archive of adopted experiment was not stored again")
	}

	if err := env.Engine.PurgeExperiment(env.Ctx, first.ExperimentHash); err != nil {
		t.Fatal(err)
	}
	third := env.upload(t, "fragile", "c.rpz")
	if st := env.status(t, third.ExperimentHash); st != domain.StatusNoBuild {
		t.Fatalf("expected a fresh experiment, got %s", st)
	}
	if ok, _ := env.Objects.Exists(env.Ctx, domain.BucketExperiments, third.ExperimentHash); !ok {
		t.Fatalf("re-uploaded experiment has no archive")
	}
}

// listHookStore runs hook once, right after the listing of bucket is taken.
type listHookStore struct {
	objstore.Store
	bucket string
	hook   func()
}

func (s *listHookStore) List(ctx context.Context, bucket string) ([]objstore.ObjectInfo, error) {
	objs, err := s.Store.List(ctx, bucket)
	if bucket == s.bucket && s.hook != nil {
		hook := s.hook
		s.hook = nil
		hook()
	}
	return objs, err
}

func TestSweepKeepsInputReferencedDuringSweep(t *testing.T) {
	env := newTestEnv(t)
	u := env.built(t, "sweep race")
	leftover := "leftover input"
	if err := env.Objects.Put(env.Ctx, domain.BucketInputs, sha(leftover), strings.NewReader(leftover), -1); err != nil {
		t.Fatal(err)
	}

	eng := env.Engine
	eng.Now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	var run domain.Run
	var submitErr error
	eng.Objects = &listHookStore{Store: env.Objects, bucket: domain.BucketInputs, hook: func() {
		run, submitErr = eng.SubmitRun(env.Ctx, u.Token, map[string]string{"threshold": "1"},
			map[string]engine.FileInput{"data.csv": {Reader: strings.NewReader(leftover), Size: int64(len(leftover))}})
	}}

	rep, err := eng.SweepOrphans(env.Ctx, time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if submitErr != nil {
		t.Fatalf("submit run: %v", submitErr)
	}
	if rep.Inputs != 0 {
		t.Fatalf("swept a referenced input: %+v", rep)
	}
	if ok, _ := env.Objects.Exists(env.Ctx, domain.BucketInputs, sha(leftover)); !ok {
		t.Fatalf("input of run %d was deleted", run.ID)
	}
	got, err := eng.GetRunByID(env.Ctx, run.ID)
	if err != nil || len(got.InputFiles) != 1 || got.InputFiles[0].Hash != sha(leftover) {
		t.Fatalf("unexpected run %+v %v", got, err)
	}
}

func TestSweepKeepsOutputRewrittenDuringSweep(t *testing.T) {
	env := newTestEnv(t)
	content := "42\n"
	h := sha(content)
	if err := env.Objects.Put(env.Ctx, domain.BucketOutputs, h, strings.NewReader(content), -1); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-3 * time.Hour)
	if err := os.Chtimes(filepath.Join(env.Objects.Root, domain.BucketOutputs, h[:2], h), old, old); err != nil {
		t.Fatal(err)
	}

	eng := env.Engine
	eng.Now = time.Now
	var putErr error
	eng.Objects = &listHookStore{Store: env.Objects, bucket: domain.BucketOutputs, hook: func() {
		_, putErr = eng.PutOutput(env.Ctx, h, strings.NewReader(content))
	}}
	rep, err := eng.SweepOrphans(env.Ctx, time.Hour)
	if err != nil || putErr != nil {
		t.Fatalf("sweep: %v, put output: %v", err, putErr)
	}
	if rep.Outputs != 0 {
		t.Fatalf("swept a freshly uploaded output: %+v", rep)
	}
	if ok, _ := env.Objects.Exists(env.Ctx, domain.BucketOutputs, h); !ok {
		t.Fatalf("uploaded output was deleted before its run could report it")
	}
}

func TestPurgeStaleKeepsUnfinishedRuns(t *testing.T) {
	env := newTestEnv(t)
	u := env.built(t, "long run")
	run, err := env.Engine.SubmitRun(env.Ctx, u.Token, map[string]string{"threshold": "1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := env.Engine.MarkRunStarted(env.Ctx, run.ID); err != nil || !ok {
		t.Fatalf("start: %v %v", ok, err)
	}

	later := env.Engine
	later.Now = func() time.Time { return epoch.AddDate(0, 2, 0) }
	purged, err := later.PurgeStale(env.Ctx, 30*24*time.Hour)
	if err != nil || len(purged) != 0 {
		t.Fatalf("experiment with a running run was purged: %v %v", purged, err)
	}
	if st := env.status(t, u.ExperimentHash); st != domain.StatusBuilt {
		t.Fatalf("unexpected status %s", st)
	}

	if err := env.Engine.MarkRunDone(env.Ctx, run.ID, nil); err != nil {
		t.Fatalf("done: %v", err)
	}
	purged, err = later.PurgeStale(env.Ctx, 30*24*time.Hour)
	if err != nil || len(purged) != 1 || purged[0] != u.ExperimentHash {
		t.Fatalf("expected finished experiment purged, got %v %v", purged, err)
	}
}
