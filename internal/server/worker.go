package server

import (
	"context"
	"io"
	"net/http"
	"path"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"github.com/labstack/gommon/log"

	"reproserver/internal/domain"
	"reproserver/internal/engine"
)

const maxTaskPage = 500

// registerWorker exposes the operations build and run workers call back with.
// Every route is idempotent on redelivery.
func registerWorker(api huma.API, r chi.Router, basePath string, e engine.Engine, logger *log.Logger) {
	serveObject := func(bucket string) http.HandlerFunc {
		return func(w http.ResponseWriter, req *http.Request) {
			hash := chi.URLParam(req, "hash")
			body, err := e.OpenObject(req.Context(), bucket, hash)
			if err != nil {
				respondStatusError(w, handleError(err))
				return
			}
			defer body.Close()
			attachment(w, hash, -1)
			io.Copy(w, body)
		}
	}
	r.Get(path.Join(basePath, "worker", "experiments", "{hash}", "archive"), serveObject(domain.BucketExperiments))
	r.Get(path.Join(basePath, "worker", "inputs", "{hash}"), serveObject(domain.BucketInputs))
	r.Put(path.Join(basePath, "worker", "outputs", "{hash}"), func(w http.ResponseWriter, req *http.Request) {
		f, err := e.PutOutput(req.Context(), chi.URLParam(req, "hash"), req.Body)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		respondJSON(w, http.StatusCreated, f)
	})

	huma.Register(api, huma.Operation{
		OperationID: "worker-tasks",
		Method:      http.MethodGet,
		Path:        "/worker/tasks",
		Summary:     "List tasks recorded after a cursor",
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after" minimum:"0"`
		Limit int   `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body TasksResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > maxTaskPage {
			limit = 100
		}
		tasks, err := e.Outbox.After(ctx, input.After, limit)
		if err != nil {
			return nil, handleError(err)
		}
		cursor := input.After
		if n := len(tasks); n > 0 {
			cursor = tasks[n-1].ID
		}
		return &struct {
			Body TasksResponse `json:"body"`
		}{Body: TasksResponse{Tasks: tasks, Cursor: cursor}}, nil
	})

	type hashPath struct {
		Hash string `path:"hash"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "worker-build-start",
		Method:      http.MethodPost,
		Path:        "/worker/builds/{hash}/start",
		Summary:     "Mark a queued build as building",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *hashPath) (*struct {
		Body StartResponse `json:"body"`
	}, error) {
		started, err := e.StartBuild(ctx, input.Hash)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StartResponse `json:"body"`
		}{Body: StartResponse{Started: started}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "worker-build-log",
		Method:        http.MethodPost,
		Path:          "/worker/builds/{hash}/log",
		Summary:       "Append to the build log",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Hash string          `path:"hash"`
		Body LogLinesRequest `json:"body"`
	}) (*struct{}, error) {
		if err := e.AppendBuildLog(ctx, input.Hash, input.Body.Lines...); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "worker-build-succeed",
		Method:        http.MethodPost,
		Path:          "/worker/builds/{hash}/succeed",
		Summary:       "Report a successful build",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Hash string             `path:"hash"`
		Body engine.BuildResult `json:"body"`
	}) (*struct{}, error) {
		if err := e.FinishBuild(ctx, input.Hash, input.Body); err != nil {
			return nil, handleError(err)
		}
		logger.Infof("build %s succeeded, image %s (worker %s)", input.Hash, input.Body.Image, workerName(ctx))
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "worker-build-fail",
		Method:        http.MethodPost,
		Path:          "/worker/builds/{hash}/fail",
		Summary:       "Report a failed build",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *hashPath) (*struct{}, error) {
		if err := e.FailBuild(ctx, input.Hash); err != nil {
			return nil, handleError(err)
		}
		logger.Warnf("build %s failed (worker %s)", input.Hash, workerName(ctx))
		return &struct{}{}, nil
	})

	type runPath struct {
		ID int64 `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "worker-run",
		Method:      http.MethodGet,
		Path:        "/worker/runs/{id}",
		Summary:     "Get what a run worker needs to execute a run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body WorkerRun `json:"body"`
	}, error) {
		run, err := e.GetRunByID(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		view, err := e.ExperimentDetails(ctx, run.ExperimentHash)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkerRun `json:"body"`
		}{Body: WorkerRun{Run: run, Image: view.Experiment.DockerImage, Paths: view.Paths}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "worker-run-start",
		Method:      http.MethodPost,
		Path:        "/worker/runs/{id}/start",
		Summary:     "Mark a run as started",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body StartResponse `json:"body"`
	}, error) {
		started, err := e.MarkRunStarted(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StartResponse `json:"body"`
		}{Body: StartResponse{Started: started}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "worker-run-log",
		Method:        http.MethodPost,
		Path:          "/worker/runs/{id}/log",
		Summary:       "Append to the run log",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64           `path:"id"`
		Body LogLinesRequest `json:"body"`
	}) (*struct{}, error) {
		if err := e.AppendRunLog(ctx, input.ID, input.Body.Lines...); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "worker-run-done",
		Method:        http.MethodPost,
		Path:          "/worker/runs/{id}/done",
		Summary:       "Report a finished run with its outputs",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   int64          `path:"id"`
		Body RunDoneRequest `json:"body"`
	}) (*struct{}, error) {
		if err := e.MarkRunDone(ctx, input.ID, input.Body.Outputs); err != nil {
			return nil, handleError(err)
		}
		logger.Infof("run %d done with %d outputs (worker %s)", input.ID, len(input.Body.Outputs), workerName(ctx))
		return &struct{}{}, nil
	})
}

func workerName(ctx context.Context) string {
	if p, ok := principalFromContext(ctx); ok && p.Subject != "" {
		return p.Subject
	}
	return "unknown"
}
