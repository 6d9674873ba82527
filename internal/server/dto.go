package server

import (
	"reproserver/internal/domain"
	"reproserver/internal/engine"
)

// Request payloads

type ResolveRequest struct {
	Provider string `json:"provider" example:"osf.io"`
	Path     string `json:"path" example:"5hv3x"`
}

type LogLinesRequest struct {
	Lines []string `json:"lines" minItems:"1"`
}

type RunDoneRequest struct {
	Outputs []domain.File `json:"outputs"`
}

// Response payloads

type ProvidersResponse struct {
	Providers []string `json:"providers"`
}

type UploadResponse struct {
	Upload     domain.Upload     `json:"upload"`
	Experiment domain.Experiment `json:"experiment"`
}

type ReproduceResponse struct {
	Status     domain.Status      `json:"status" enum:"NOBUILD,QUEUED,BUILDING,BUILT,ERROR"`
	Log        []domain.LogLine   `json:"log"`
	Parameters []domain.Parameter `json:"params"`
	Paths      []domain.Path      `json:"paths"`
}

func reproduceResponse(r engine.Reproduction) ReproduceResponse {
	return ReproduceResponse{Status: r.Status, Log: r.Log, Parameters: r.Parameters, Paths: r.Paths}
}

type LogResponse struct {
	Lines []domain.LogLine `json:"lines"`
	// Next is the line to poll from next time.
	Next int `json:"next"`
}

func logResponse(lines []domain.LogLine, from int) LogResponse {
	next := from
	if n := len(lines); n > 0 {
		next = lines[n-1].Line + 1
	}
	if lines == nil {
		lines = []domain.LogLine{}
	}
	return LogResponse{Lines: lines, Next: next}
}

type TasksResponse struct {
	Tasks  []domain.TaskMessage `json:"tasks"`
	Cursor int64                `json:"cursor"`
}

type StartResponse struct {
	Started bool `json:"started"`
}

// WorkerRun is what a run worker needs to execute a run.
type WorkerRun struct {
	Run   domain.Run    `json:"run"`
	Image string        `json:"image"`
	Paths []domain.Path `json:"paths"`
}
