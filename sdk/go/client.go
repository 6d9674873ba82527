package reprosdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal reproserver HTTP API client. Workers set BearerToken;
// the public routes need none.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: bearerToken,
		Timeout:     30 * time.Second,
	}
}

// Task is a build or run task handed to workers. Target is the experiment
// hash for builds and the run id for runs.
type Task struct {
	ID        int64  `json:"id"`
	MessageID string `json:"message_id"`
	Kind      string `json:"kind"`
	Target    string `json:"target"`
	CreatedAt string `json:"created_at"`
}

// RunID returns the run id of a run task.
func (t Task) RunID() (int64, error) {
	if t.Kind != "run" {
		return 0, fmt.Errorf("task %d is a %s task", t.ID, t.Kind)
	}
	return strconv.ParseInt(t.Target, 10, 64)
}

type Parameter struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Optional    bool   `json:"optional"`
	Default     string `json:"default,omitempty"`
}

type Path struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	IsInput  bool   `json:"is_input"`
	IsOutput bool   `json:"is_output"`
}

// BuildResult is reported once an image is built.
type BuildResult struct {
	Image      string      `json:"image"`
	Parameters []Parameter `json:"parameters"`
	Paths      []Path      `json:"paths"`
}

type File struct {
	Hash string `json:"hash"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type Run struct {
	Token           string `json:"token"`
	ExperimentHash  string `json:"experiment_hash"`
	Status          string `json:"status"`
	ParameterValues []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"parameter_values"`
	InputFiles  []File `json:"input_files"`
	OutputFiles []File `json:"output_files"`
}

// WorkerRun is everything a run worker needs to execute a run.
type WorkerRun struct {
	Run   Run    `json:"run"`
	Image string `json:"image"`
	Paths []Path `json:"paths"`
}

type LogLine struct {
	Line      int    `json:"line"`
	Timestamp string `json:"timestamp"`
	Text      string `json:"text"`
}

// Reproduction is the polling view of an upload.
type Reproduction struct {
	Status     string      `json:"status"`
	Log        []LogLine   `json:"log"`
	Parameters []Parameter `json:"params"`
	Paths      []Path      `json:"paths"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// TasksPage lists tasks recorded after a cursor.
type TasksPage struct {
	Tasks  []Task `json:"tasks"`
	Cursor int64  `json:"cursor"`
}

// Tasks returns up to limit tasks recorded after cursor.
func (c *Client) Tasks(ctx context.Context, cursor int64, limit int) (TasksPage, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(cursor, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp TasksPage
	err := c.do(ctx, http.MethodGet, "worker/tasks?"+q.Encode(), nil, &resp)
	return resp, err
}

// DownloadArchive copies the experiment archive to w.
func (c *Client) DownloadArchive(ctx context.Context, hash string, w io.Writer) error {
	return c.download(ctx, fmt.Sprintf("worker/experiments/%s/archive", url.PathEscape(hash)), w)
}

// DownloadInput copies an input file to w.
func (c *Client) DownloadInput(ctx context.Context, hash string, w io.Writer) error {
	return c.download(ctx, "worker/inputs/"+url.PathEscape(hash), w)
}

// StartBuild claims a queued build. It returns false when another delivery
// of the same task got there first.
func (c *Client) StartBuild(ctx context.Context, hash string) (bool, error) {
	var resp struct {
		Started bool `json:"started"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("worker/builds/%s/start", url.PathEscape(hash)), nil, &resp)
	return resp.Started, err
}

func (c *Client) AppendBuildLog(ctx context.Context, hash string, lines ...string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("worker/builds/%s/log", url.PathEscape(hash)), map[string]any{"lines": lines}, nil)
}

func (c *Client) SucceedBuild(ctx context.Context, hash string, res BuildResult) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("worker/builds/%s/succeed", url.PathEscape(hash)), res, nil)
}

func (c *Client) FailBuild(ctx context.Context, hash string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("worker/builds/%s/fail", url.PathEscape(hash)), nil, nil)
}

// Run fetches a run with the image and paths of its experiment.
func (c *Client) Run(ctx context.Context, id int64) (WorkerRun, error) {
	var resp WorkerRun
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("worker/runs/%d", id), nil, &resp)
	return resp, err
}

func (c *Client) StartRun(ctx context.Context, id int64) (bool, error) {
	var resp struct {
		Started bool `json:"started"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("worker/runs/%d/start", id), nil, &resp)
	return resp.Started, err
}

func (c *Client) AppendRunLog(ctx context.Context, id int64, lines ...string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("worker/runs/%d/log", id), map[string]any{"lines": lines}, nil)
}

// PutOutput uploads an output file under its SHA-256.
func (c *Client) PutOutput(ctx context.Context, hash string, r io.Reader) (File, error) {
	var resp File
	res, err := c.send(ctx, http.MethodPut, "worker/outputs/"+url.PathEscape(hash), r, "application/octet-stream")
	if err != nil {
		return resp, err
	}
	defer res.Body.Close()
	return resp, json.NewDecoder(res.Body).Decode(&resp)
}

// RunDone marks a run finished with the outputs uploaded by PutOutput.
func (c *Client) RunDone(ctx context.Context, id int64, outputs []File) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("worker/runs/%d/done", id), map[string]any{"outputs": outputs}, nil)
}

// Reproduce queues the build of an upload if needed and returns its status
// with the build log from logFrom on.
func (c *Client) Reproduce(ctx context.Context, uploadToken string, logFrom int) (Reproduction, error) {
	var resp Reproduction
	endpoint := fmt.Sprintf("uploads/%s/reproduce?log_from=%d", url.PathEscape(uploadToken), logFrom)
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// GetRun fetches a run by its public token.
func (c *Client) GetRun(ctx context.Context, token string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(token), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	res, err := c.send(ctx, method, endpoint, &buf, "application/json")
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if out != nil {
		return json.NewDecoder(res.Body).Decode(out)
	}
	return nil
}

func (c *Client) download(ctx context.Context, endpoint string, w io.Writer) error {
	res, err := c.send(ctx, http.MethodGet, endpoint, nil, "")
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, err = io.Copy(w, res.Body)
	return err
}

// send performs the request and turns non-2xx responses into *APIError.
func (c *Client) send(ctx context.Context, method, endpoint string, body io.Reader, contentType string) (*http.Response, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		defer res.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
		apiErr := &APIError{StatusCode: res.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return nil, apiErr
	}
	return res, nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
