// Package client talks to the reelforge HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/0xPuncker/reelforge/pkg/types"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	Field      string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type Client struct {
	serverURL  string
	httpClient *http.Client
}

func New(serverURL string) *Client {
	return &Client{
		serverURL: strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// EventsURL is the address of the Server-Sent Events stream.
func (c *Client) EventsURL() string {
	return c.serverURL + "/api/v1/events"
}

func (c *Client) ListJobs(ctx context.Context) ([]types.JobDefinition, error) {
	var jobs []types.JobDefinition
	err := c.do(ctx, http.MethodGet, "/api/v1/jobs", nil, http.StatusOK, &jobs)
	return jobs, err
}

func (c *Client) GetJob(ctx context.Context, id string) (*types.JobDefinition, error) {
	var job types.JobDefinition
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+id, nil, http.StatusOK, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) CreateJob(ctx context.Context, def types.JobDefinition) (*types.JobDefinition, error) {
	var job types.JobDefinition
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", def, http.StatusCreated, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) UpdateJob(ctx context.Context, id string, patch types.JobPatch) (*types.JobDefinition, error) {
	var job types.JobDefinition
	if err := c.do(ctx, http.MethodPut, "/api/v1/jobs/"+id, patch, http.StatusOK, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) DeleteJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/jobs/"+id, nil, http.StatusNoContent, nil)
}

func (c *Client) DuplicateJob(ctx context.Context, id, newName string) (*types.JobDefinition, error) {
	var job types.JobDefinition
	body := map[string]string{"name": newName}
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+id+"/duplicate", body, http.StatusCreated, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// RunJob asks the server to queue a run and returns its run id.
func (c *Client) RunJob(ctx context.Context, id string) (string, error) {
	var resp struct {
		RunID string `json:"run_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+id+"/run", nil, http.StatusAccepted, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

func (c *Client) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	var run types.Run
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+runID, nil, http.StatusOK, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) ListRuns(ctx context.Context) ([]types.Run, error) {
	var resp struct {
		Runs []types.Run `json:"runs"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/runs", nil, http.StatusOK, &resp)
	return resp.Runs, err
}

func (c *Client) CancelRun(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/runs/"+runID+"/cancel", nil, http.StatusAccepted, nil)
}

func (c *Client) CancelAll(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/runs/cancel", nil, http.StatusAccepted, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in any, want int, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		data, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var payload struct {
			Error string `json:"error"`
			Field string `json:"field"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.Field = payload.Field
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
