package runninghub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/digkill/arcano/internal/config"
)

// Task states reported by the provider.
const (
	StateQueued  = "QUEUED"
	StateRunning = "RUNNING"
	StateSuccess = "SUCCESS"
	StateFailed  = "FAILED"
)

var ErrTaskNotFound = errors.New("runninghub task not found")

type Client struct {
	apiKey     string
	baseURL    string
	webhookURL string
	httpClient *http.Client
	log        *slog.Logger
}

// NodeInput overrides one field of one workflow node.
type NodeInput struct {
	NodeID    string `json:"nodeId"`
	FieldName string `json:"fieldName"`
	Value     string `json:"fieldValue"`
}

type TaskInput struct {
	WorkflowID string
	Nodes      []NodeInput
}

type Output struct {
	FileURL  string `json:"fileUrl"`
	FileType string `json:"fileType"`
}

// WebhookEvent is the decoded TASK_END callback.
type WebhookEvent struct {
	TaskID     string
	Success    bool
	OutputURLs []string
	Message    string
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:     cfg.RunningHubAPIKey,
		baseURL:    strings.TrimRight(cfg.RunningHubBaseURL, "/"),
		webhookURL: cfg.WebhookURL(),
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// CreateTask starts a workflow run and returns the provider task id.
func (c *Client) CreateTask(ctx context.Context, in TaskInput) (string, error) {
	if in.WorkflowID == "" {
		return "", errors.New("workflow id is required")
	}
	payload := map[string]any{
		"apiKey":       c.apiKey,
		"workflowId":   in.WorkflowID,
		"nodeInfoList": in.Nodes,
	}
	if c.webhookURL != "" {
		payload["webhookUrl"] = c.webhookURL
	}

	var data struct {
		TaskID     string `json:"taskId"`
		TaskStatus string `json:"taskStatus"`
	}
	if err := c.call(ctx, "/task/openapi/create", payload, &data); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if data.TaskID == "" {
		return "", errors.New("empty taskId in response")
	}
	c.log.Info("runninghub task created", "task_id", data.TaskID, "workflow_id", in.WorkflowID, "status", data.TaskStatus)
	return data.TaskID, nil
}

// TaskStatus returns one of the State constants.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (string, error) {
	var state string
	if err := c.call(ctx, "/task/openapi/status", c.taskPayload(taskID), &state); err != nil {
		return "", fmt.Errorf("task status: %w", err)
	}
	return strings.ToUpper(state), nil
}

func (c *Client) TaskOutputs(ctx context.Context, taskID string) ([]Output, error) {
	var outputs []Output
	if err := c.call(ctx, "/task/openapi/outputs", c.taskPayload(taskID), &outputs); err != nil {
		return nil, fmt.Errorf("task outputs: %w", err)
	}
	return outputs, nil
}

func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	if err := c.call(ctx, "/task/openapi/cancel", c.taskPayload(taskID), nil); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	return nil
}

func (c *Client) taskPayload(taskID string) map[string]any {
	return map[string]any{"apiKey": c.apiKey, "taskId": taskID}
}

func (c *Client) call(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post runninghub: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		c.log.Error("runninghub request failed", "status", resp.StatusCode, "path", path, "body", truncateBody(rawBody))
		return fmt.Errorf("runninghub error: status=%d path=%s body=%s", resp.StatusCode, path, truncateBody(rawBody))
	}

	var env envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return fmt.Errorf("decode response: %w (body=%s)", err, truncateBody(rawBody))
	}
	if env.Code != 0 {
		if strings.Contains(strings.ToLower(env.Msg), "not found") {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, env.Msg)
		}
		return fmt.Errorf("runninghub rejected request: code=%d msg=%s", env.Code, env.Msg)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w (body=%s)", err, truncateBody(rawBody))
	}
	return nil
}

// ParseWebhook decodes a callback body. eventData arrives as a JSON string
// holding the same envelope the outputs endpoint returns.
func ParseWebhook(body []byte) (*WebhookEvent, error) {
	var raw struct {
		Event     string `json:"event"`
		TaskID    string `json:"taskId"`
		EventData string `json:"eventData"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	if raw.TaskID == "" {
		return nil, errors.New("webhook without taskId")
	}
	if raw.Event != "" && raw.Event != "TASK_END" {
		return nil, fmt.Errorf("unsupported webhook event %q", raw.Event)
	}

	evt := &WebhookEvent{TaskID: raw.TaskID}
	if raw.EventData == "" {
		evt.Message = "empty event data"
		return evt, nil
	}

	var data struct {
		Code int      `json:"code"`
		Msg  string   `json:"msg"`
		Data []Output `json:"data"`
	}
	if err := json.Unmarshal([]byte(raw.EventData), &data); err != nil {
		return nil, fmt.Errorf("decode webhook event data: %w", err)
	}
	evt.Message = data.Msg
	for _, o := range data.Data {
		if o.FileURL != "" {
			evt.OutputURLs = append(evt.OutputURLs, o.FileURL)
		}
	}
	evt.Success = data.Code == 0 && len(evt.OutputURLs) > 0
	if !evt.Success && evt.Message == "" {
		evt.Message = "task produced no output"
	}
	return evt, nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
