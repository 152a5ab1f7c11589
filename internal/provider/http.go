package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient implements Client against the provider's REST API:
//
//	POST {base}/v1/tasks         -> {"task_id": "..."}
//	GET  {base}/v1/tasks/{id}    -> {"status": "...", "result_url": "...", "error": "..."}
type HTTPClient struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a provider client. timeout bounds each HTTP round trip.
func NewHTTPClient(name, baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Name() string { return c.name }

type submitBody struct {
	SourceImageRef string `json:"source_image_ref"`
	Quality        string `json:"quality"`
	Prompt         string `json:"prompt,omitempty"`
	StyleID        string `json:"style_id"`
	Platform       string `json:"platform"`
	AspectRatio    string `json:"aspect_ratio,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type statusResponse struct {
	Status    string `json:"status"`
	ResultURL string `json:"result_url"`
	Error     string `json:"error"`
}

func (c *HTTPClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	body, err := json.Marshal(submitBody{
		SourceImageRef: req.Params.SourceImageRef,
		Quality:        req.Params.Quality,
		Prompt:         req.Params.Prompt,
		StyleID:        req.Variant.StyleID,
		Platform:       req.Variant.Platform,
		AspectRatio:    req.Variant.AspectRatio,
	})
	if err != nil {
		return "", fmt.Errorf("encoding submit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tasks", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey())
	setAuth(httpReq, req.APIKey)

	var resp submitResponse
	if err := c.do(httpReq, &resp); err != nil {
		return "", err
	}
	if resp.TaskID == "" {
		return "", fmt.Errorf("%w: submit response has no task_id", ErrProvider)
	}
	return resp.TaskID, nil
}

func (c *HTTPClient) Status(ctx context.Context, apiKey, handle string) (TaskStatus, error) {
	u := fmt.Sprintf("%s/v1/tasks/%s", c.baseURL, url.PathEscape(handle))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return TaskStatus{}, fmt.Errorf("building request: %w", err)
	}
	setAuth(httpReq, apiKey)

	var resp statusResponse
	if err := c.do(httpReq, &resp); err != nil {
		return TaskStatus{}, err
	}

	switch resp.Status {
	case StatusPending, StatusProcessing, StatusFailed:
	case StatusCompleted:
		if resp.ResultURL == "" {
			return TaskStatus{}, fmt.Errorf("%w: task %s completed without result_url", ErrProvider, handle)
		}
	default:
		return TaskStatus{}, fmt.Errorf("%w: unknown task status %q", ErrProvider, resp.Status)
	}
	return TaskStatus{Status: resp.Status, ResultRef: resp.ResultURL, Error: resp.Error}, nil
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrProvider, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrProvider, err)
	}
	return nil
}

func setAuth(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

var _ Client = (*HTTPClient)(nil)
