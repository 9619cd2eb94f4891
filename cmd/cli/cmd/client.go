package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"poolplane/pkg/api"
)

// Client handles API calls to the poolplane controller.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new client for the controller at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
	Details    string
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("API error (%d): %s: %s", e.StatusCode, e.Message, e.Details)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the controller.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// CreateWorkPool sends POST /work-pools to create or replace a pool.
func (c *Client) CreateWorkPool(req api.CreateWorkPoolRequest) (*api.WorkPoolResponse, error) {
	var result api.WorkPoolResponse
	if err := c.do(http.MethodPost, "/work-pools", req, &result, http.StatusCreated); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetWorkPool sends GET /work-pools/{name}.
func (c *Client) GetWorkPool(name string) (*api.WorkPoolResponse, error) {
	var result api.WorkPoolResponse
	if err := c.do(http.MethodGet, "/work-pools/"+url.PathEscape(name), nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListWorkPools sends GET /work-pools.
func (c *Client) ListWorkPools() ([]api.WorkPoolResponse, error) {
	var result api.ListWorkPoolsResponse
	if err := c.do(http.MethodGet, "/work-pools", nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return result.WorkPools, nil
}

// SubmitJob sends POST /work-pools/{name}/jobs to enqueue a job request.
func (c *Client) SubmitJob(pool string, req api.SubmitJobRequest) (*api.SubmitJobResponse, error) {
	var result api.SubmitJobResponse
	path := fmt.Sprintf("/work-pools/%s/jobs", url.PathEscape(pool))
	if err := c.do(http.MethodPost, path, req, &result, http.StatusCreated); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetJob sends GET /jobs/{id} to retrieve job status.
func (c *Client) GetJob(jobID string) (*api.JobStatusResponse, error) {
	var result api.JobStatusResponse
	if err := c.do(http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetLogs sends GET /jobs/{id}/logs to retrieve the page after afterID.
func (c *Client) GetLogs(jobID string, afterID int64) (*api.GetLogsResponse, error) {
	var result api.GetLogsResponse
	path := fmt.Sprintf("/jobs/%s/logs?after_id=%d", url.PathEscape(jobID), afterID)
	if err := c.do(http.MethodGet, path, nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) do(method, path string, body, out any, want int) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var errResp api.ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
			apiErr.Details = errResp.Details
		}
		return apiErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
