package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"reproserver/internal/domain"
)

// Gateway delivers tasks to workers. Delivery is at least once; workers must
// tolerate the same hash or run id arriving twice. messageID is stable across
// redeliveries of one outbox row.
type Gateway interface {
	PublishBuild(ctx context.Context, messageID, hash string) error
	PublishRun(ctx context.Context, messageID string, runID int64) error
}

// Publish routes msg to the matching Gateway method.
func Publish(ctx context.Context, g Gateway, msg domain.TaskMessage) error {
	switch msg.Kind {
	case domain.TaskBuild:
		return g.PublishBuild(ctx, msg.MessageID, msg.Target)
	case domain.TaskRun:
		id, err := strconv.ParseInt(msg.Target, 10, 64)
		if err != nil {
			return fmt.Errorf("run message %s has bad target %q", msg.MessageID, msg.Target)
		}
		return g.PublishRun(ctx, msg.MessageID, id)
	default:
		return fmt.Errorf("unknown task kind %q", msg.Kind)
	}
}

const defaultWebhookTimeout = 5 * time.Second

// Webhook POSTs each task as JSON to a worker endpoint.
type Webhook struct {
	URL    string
	Secret string
	Client *http.Client
}

type webhookTask struct {
	MessageID string          `json:"message_id"`
	Kind      domain.TaskKind `json:"kind"`
	Hash      string          `json:"hash,omitempty"`
	RunID     int64           `json:"run_id,omitempty"`
	SentAt    string          `json:"sent_at"`
}

func (w Webhook) PublishBuild(ctx context.Context, messageID, hash string) error {
	return w.post(ctx, webhookTask{MessageID: messageID, Kind: domain.TaskBuild, Hash: hash})
}

func (w Webhook) PublishRun(ctx context.Context, messageID string, runID int64) error {
	return w.post(ctx, webhookTask{MessageID: messageID, Kind: domain.TaskRun, RunID: runID})
}

func (w Webhook) post(ctx context.Context, task webhookTask) error {
	task.SentAt = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return &domain.DispatchError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Reproserver-Task", string(task.Kind))
	if task.MessageID != "" {
		req.Header.Set("X-Reproserver-Message-Id", task.MessageID)
	}
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Reproserver-Secret", w.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return &domain.DispatchError{Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &domain.DispatchError{Err: fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))}
	}
	return nil
}
