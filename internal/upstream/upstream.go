// Package upstream implements the Upstream Client (C2): typed calls to the
// annotation store that owns tasks and annotations. The middleware never
// writes task metadata itself — it only lists, reads, and appends
// annotations.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/transcribeflow/dispatchd/internal/platform/httpx"
)

// Kind classifies an upstream failure so the Dispatcher can distinguish
// transient (retry-worthy) errors from permanent ones (spec.md §4.2).
type Kind string

const (
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
	KindNotFound  Kind = "not_found"
)

// Error wraps an upstream failure with its Kind.
type Error struct {
	Kind    Kind
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream: %s (status %d): %s", e.Kind, e.Status, e.Message)
}

// TaskMeta is the subset of task data the middleware reads.
type TaskMeta struct {
	FileName        string
	DurationSeconds float64
}

// Client is the Upstream Client contract (spec.md §4.2).
type Client interface {
	ListUnlabeledTaskIDs(ctx context.Context) ([]int64, error)
	GetTask(ctx context.Context, taskID int64) (*TaskMeta, error)
	CreateAnnotation(ctx context.Context, taskID int64, text string, agentID int64) (annotationID int64, err error)
	Ping(ctx context.Context) error
}

// HTTPClient talks to a Label-Studio-shaped annotation API: GET
// /api/projects/{id}/tasks?filters=unlabeled for listing, GET /api/tasks/{id}
// for metadata, POST /api/tasks/{id}/annotations for submission.
type HTTPClient struct {
	baseURL   string
	apiKey    string
	projectID int64
	http      *http.Client
}

// Config configures an HTTPClient.
type Config struct {
	BaseURL   string
	APIKey    string
	ProjectID int64
	Timeout   time.Duration // UpstreamTimeout, spec.md §6
}

// NewHTTPClient constructs an upstream client with a hardened transport
// (bounded dial/response-header/idle timeouts), matching the platform's
// standard outbound client.
func NewHTTPClient(cfg Config) *HTTPClient {
	return &HTTPClient{
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		projectID: cfg.ProjectID,
		http:      httpx.NewClient(cfg.Timeout),
	}
}

type taskListResponse struct {
	Results []taskListItem `json:"results"`
}

type taskListItem struct {
	ID int64 `json:"id"`
}

// ListUnlabeledTaskIDs returns a complete snapshot of every task with zero
// annotations for the configured project.
func (c *HTTPClient) ListUnlabeledTaskIDs(ctx context.Context) ([]int64, error) {
	url := fmt.Sprintf("%s/api/projects/%d/tasks?filters=unlabeled", c.baseURL, c.projectID)
	var body taskListResponse
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &body); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(body.Results))
	for _, item := range body.Results {
		ids = append(ids, item.ID)
	}
	return ids, nil
}

type taskGetResponse struct {
	Data struct {
		FileName        string  `json:"file_name"`
		DurationSeconds float64 `json:"duration_seconds"`
	} `json:"data"`
}

// GetTask fetches task metadata, or a not_found Error.
func (c *HTTPClient) GetTask(ctx context.Context, taskID int64) (*TaskMeta, error) {
	url := fmt.Sprintf("%s/api/tasks/%d", c.baseURL, taskID)
	var body taskGetResponse
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &body); err != nil {
		return nil, err
	}
	return &TaskMeta{
		FileName:        body.Data.FileName,
		DurationSeconds: body.Data.DurationSeconds,
	}, nil
}

type createAnnotationRequest struct {
	Result []annotationResult `json:"result"`
	TaskID int64              `json:"task"`
}

type annotationResult struct {
	Type  string         `json:"type"`
	Value map[string]any `json:"value"`
}

type createAnnotationResponse struct {
	ID int64 `json:"id"`
}

// CreateAnnotation posts a transcription annotation. The upstream call is
// not idempotent — the Dispatcher must only invoke this once per successful
// submission (spec.md §4.2).
func (c *HTTPClient) CreateAnnotation(ctx context.Context, taskID int64, text string, agentID int64) (int64, error) {
	url := fmt.Sprintf("%s/api/tasks/%d/annotations", c.baseURL, taskID)
	reqBody := createAnnotationRequest{
		TaskID: taskID,
		Result: []annotationResult{{
			Type: "textarea",
			Value: map[string]any{
				"text":     []string{text},
				"agent_id": agentID,
			},
		}},
	}
	var body createAnnotationResponse
	if err := c.doJSON(ctx, http.MethodPost, url, reqBody, &body); err != nil {
		return 0, err
	}
	return body.ID, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, url string, reqBody any, out any) error {
	var reader io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("upstream: encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("upstream: building request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.apiKey)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return &Error{Kind: KindNotFound, Status: resp.StatusCode, Message: "task not found"}
	}
	if resp.StatusCode >= 500 {
		return &Error{Kind: KindTransient, Status: resp.StatusCode, Message: "upstream server error"}
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{Kind: KindPermanent, Status: resp.StatusCode, Message: string(msg)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindTransient, Message: "decoding response: " + err.Error()}
	}
	return nil
}

// Ping verifies basic reachability of the upstream project endpoint, for the
// health endpoint (spec.md §4.5 health()).
func (c *HTTPClient) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/projects/%d", c.baseURL, c.projectID)
	return c.doJSON(ctx, http.MethodGet, url, nil, nil)
}

// IsNotFound reports whether err is an upstream not_found error.
func IsNotFound(err error) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind == KindNotFound
	}
	return false
}

// IsTransient reports whether err is a retry-worthy upstream error.
func IsTransient(err error) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind == KindTransient
	}
	return false
}
