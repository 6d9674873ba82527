package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"reproserver/internal/domain"
	"reproserver/internal/engine"
)

const (
	paramPrefix = "param_"
	inputPrefix = "input_"
	// Runs spool their form in memory up to this size, the rest on disk.
	runFormMemory = 32 << 20
)

func registerUploads(api huma.API, r chi.Router, basePath string, e engine.Engine) {
	r.Post(path.Join(basePath, "uploads"), func(w http.ResponseWriter, req *http.Request) {
		u, err := submitArchive(req, e)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		respondJSON(w, http.StatusCreated, u)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "resolve-provider",
		Method:        http.MethodPost,
		Path:          "/reproduce",
		Summary:       "Fetch an experiment from a data repository",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body ResolveRequest `json:"body"`
	}) (*struct {
		Body domain.Upload `json:"body"`
	}, error) {
		if input.Body.Provider == "" || input.Body.Path == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "provider and path are required", nil)
		}
		u, err := e.ResolveProvider(ctx, input.Body.Provider, strings.TrimSpace(input.Body.Path), clientAddr(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Upload `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-providers",
		Method:      http.MethodGet,
		Path:        "/providers",
		Summary:     "List supported data repositories",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProvidersResponse `json:"body"`
	}, error) {
		return &struct {
			Body ProvidersResponse `json:"body"`
		}{Body: ProvidersResponse{Providers: e.Providers.Names()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-upload",
		Method:      http.MethodGet,
		Path:        "/uploads/{token}",
		Summary:     "Get upload",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Token string `path:"token"`
	}) (*struct {
		Body UploadResponse `json:"body"`
	}, error) {
		u, err := e.ResolveUploadToken(ctx, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		exp, err := e.GetExperiment(ctx, u.ExperimentHash)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UploadResponse `json:"body"`
		}{Body: UploadResponse{Upload: u, Experiment: exp}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reproduce-upload",
		Method:      http.MethodPost,
		Path:        "/uploads/{token}/reproduce",
		Summary:     "Queue the build if needed and poll its status",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Token   string `path:"token"`
		LogFrom int    `query:"log_from" minimum:"0"`
	}) (*struct {
		Body ReproduceResponse `json:"body"`
	}, error) {
		rep, err := e.Reproduce(ctx, input.Token, input.LogFrom)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReproduceResponse `json:"body"`
		}{Body: reproduceResponse(rep)}, nil
	})
}

// submitArchive streams the archive part of a multipart body without
// spooling it.
func submitArchive(req *http.Request, e engine.Engine) (domain.Upload, error) {
	mr, err := req.MultipartReader()
	if err != nil {
		return domain.Upload{}, domain.Invalid("archive", "expected a multipart form: %v", err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return domain.Upload{}, domain.Invalid("archive", "missing file")
		}
		if err != nil {
			return domain.Upload{}, domain.Invalid("archive", "malformed form: %v", err)
		}
		if part.FormName() != "archive" || part.FileName() == "" {
			part.Close()
			continue
		}
		defer part.Close()
		return e.SubmitArchive(req.Context(), part, part.FileName(), clientAddr(req.Context()))
	}
}

func registerExperiments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-experiment",
		Method:      http.MethodGet,
		Path:        "/experiments/{hash}",
		Summary:     "Get experiment with its parameters and paths",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Hash string `path:"hash"`
	}) (*struct {
		Body engine.ExperimentView `json:"body"`
	}, error) {
		view, err := e.ExperimentDetails(ctx, input.Hash)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ExperimentView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-build-log",
		Method:      http.MethodGet,
		Path:        "/experiments/{hash}/log",
		Summary:     "Read the build log from a line",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Hash string `path:"hash"`
		From int    `query:"from" minimum:"0"`
	}) (*struct {
		Body LogResponse `json:"body"`
	}, error) {
		lines, err := e.ReadBuildLog(ctx, input.Hash, input.From)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LogResponse `json:"body"`
		}{Body: logResponse(lines, input.From)}, nil
	})
}

func registerRuns(api huma.API, r chi.Router, basePath string, e engine.Engine) {
	r.Post(path.Join(basePath, "uploads", "{token}", "runs"), func(w http.ResponseWriter, req *http.Request) {
		run, err := submitRun(req, e, chi.URLParam(req, "token"))
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		respondJSON(w, http.StatusCreated, run)
	})

	r.Get(path.Join(basePath, "runs", "{token}", "outputs", "{name}"), func(w http.ResponseWriter, req *http.Request) {
		f, body, err := e.OpenOutput(req.Context(), chi.URLParam(req, "token"), chi.URLParam(req, "name"))
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		defer body.Close()
		attachment(w, f.Name, f.Size)
		io.Copy(w, body)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{token}",
		Summary:     "Get run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Token string `path:"token"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		run, err := e.GetRun(ctx, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-log",
		Method:      http.MethodGet,
		Path:        "/runs/{token}/log",
		Summary:     "Read the run log from a line",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Token string `path:"token"`
		From  int    `query:"from" minimum:"0"`
	}) (*struct {
		Body LogResponse `json:"body"`
	}, error) {
		id, err := e.ResolveRunToken(ctx, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		lines, err := e.ReadRunLog(ctx, id, input.From)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LogResponse `json:"body"`
		}{Body: logResponse(lines, input.From)}, nil
	})
}

// submitRun reads param_<name> values and input_<name> files from the form.
func submitRun(req *http.Request, e engine.Engine, token string) (domain.Run, error) {
	if err := req.ParseMultipartForm(runFormMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.Run{}, err
		}
		return domain.Run{}, domain.Invalid("form", "expected a multipart form: %v", err)
	}
	defer req.MultipartForm.RemoveAll()

	params := map[string]string{}
	for key, values := range req.MultipartForm.Value {
		name, ok := strings.CutPrefix(key, paramPrefix)
		if !ok {
			continue
		}
		if len(values) != 1 {
			return domain.Run{}, domain.Invalid(key, "expected one value, got %d", len(values))
		}
		params[name] = values[0]
	}
	files := map[string]engine.FileInput{}
	for key, headers := range req.MultipartForm.File {
		name, ok := strings.CutPrefix(key, inputPrefix)
		if !ok {
			continue
		}
		if len(headers) != 1 {
			return domain.Run{}, domain.Invalid(key, "expected one file, got %d", len(headers))
		}
		f, err := headers[0].Open()
		if err != nil {
			return domain.Run{}, domain.Invalid(key, "unreadable file: %v", err)
		}
		defer f.Close()
		files[name] = engine.FileInput{Reader: f, Size: headers[0].Size}
	}
	return e.SubmitRun(req.Context(), token, params, files)
}
