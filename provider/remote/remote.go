// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote implements a compute provider backed by a remote job
// API over HTTP. The wire protocol is a small JSON surface: submit a
// job, poll its state, pull buffered output chunks, cancel. Vendor
// chat protocols are out of scope; a deployment fronts each vendor
// with a gateway speaking this protocol.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/conduit-foundation/conduit/provider"
)

// Options configures a remote provider client.
type Options struct {
	// ID is the provider identity registered with the router.
	ID string

	// BaseURL is the job API root, e.g. "https://compute.internal/v1".
	BaseURL string

	// APIKey is sent as a bearer token. Optional.
	APIKey string

	// Models lists the models this backend serves, used for routing
	// and the providers/{id}/models path.
	Models []provider.Model

	// Description is free-text provider metadata.
	Description string

	// HTTPClient overrides the default client (30s timeout). Tests
	// point this at an httptest server.
	HTTPClient *http.Client
}

// Client is a remote compute provider.
type Client struct {
	id          string
	baseURL     string
	apiKey      string
	description string
	models      []provider.Model
	httpClient  *http.Client
}

// New creates a remote provider client.
func New(options Options) (*Client, error) {
	if options.ID == "" {
		return nil, fmt.Errorf("remote: ID is required")
	}
	if options.BaseURL == "" {
		return nil, fmt.Errorf("remote: BaseURL is required")
	}

	httpClient := options.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		id:          options.ID,
		baseURL:     options.BaseURL,
		apiKey:      options.APIKey,
		description: options.Description,
		models:      options.Models,
		httpClient:  httpClient,
	}, nil
}

// ID implements provider.Provider.
func (c *Client) ID() string { return c.id }

// Describe implements provider.Provider.
func (c *Client) Describe() provider.Descriptor {
	return provider.Descriptor{
		ID:          c.id,
		Kind:        provider.KindCompute,
		Description: c.description,
	}
}

// Models implements provider.Provider.
func (c *Client) Models() []provider.Model { return c.models }

// wireSubmit is the submit request body.
type wireSubmit struct {
	Model      string          `json:"model"`
	Input      json.RawMessage `json:"input,omitempty"`
	TimeoutMS  int64           `json:"timeout_ms,omitempty"`
	MaxCostUSD float64         `json:"max_cost_usd,omitempty"`
}

// wireJob is the job state document returned by the API.
type wireJob struct {
	JobID    string  `json:"job_id"`
	Status   string  `json:"status"`
	Error    string  `json:"error,omitempty"`
	Response *struct {
		Output  json.RawMessage `json:"output,omitempty"`
		CostUSD float64         `json:"cost_usd"`
		Model   string          `json:"model,omitempty"`
	} `json:"response,omitempty"`
}

func (w *wireJob) toJob() *provider.Job {
	job := &provider.Job{
		ID:     w.JobID,
		Status: provider.JobStatus(w.Status),
		Error:  w.Error,
	}
	if w.Response != nil {
		job.Response = &provider.Response{
			Output:  w.Response.Output,
			CostUSD: w.Response.CostUSD,
			Model:   w.Response.Model,
		}
	}
	return job
}

// wireChunk is one buffered output fragment.
type wireChunk struct {
	Data []byte `json:"data"`
}

// Submit implements provider.Provider.
func (c *Client) Submit(ctx context.Context, request provider.Request) (string, error) {
	body := wireSubmit{
		Model:      request.Model,
		Input:      request.Input,
		TimeoutMS:  request.TimeoutMS,
		MaxCostUSD: request.MaxCostUSD,
	}

	var accepted struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/jobs", body, &accepted); err != nil {
		return "", err
	}
	if accepted.JobID == "" {
		return "", fmt.Errorf("remote %s: submit returned no job id", c.id)
	}
	return accepted.JobID, nil
}

// Job implements provider.Provider.
func (c *Client) Job(ctx context.Context, jobID string) (*provider.Job, error) {
	var wire wireJob
	if err := c.do(ctx, http.MethodGet, "/jobs/"+jobID, nil, &wire); err != nil {
		if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusNotFound {
			return nil, &provider.NotFoundError{What: "job", ID: jobID}
		}
		return nil, err
	}
	return wire.toJob(), nil
}

// PollChunk implements provider.Provider. The API returns 204 when no
// chunk is buffered.
func (c *Client) PollChunk(ctx context.Context, jobID string) (*provider.Chunk, error) {
	httpResponse, err := c.send(ctx, http.MethodGet, "/jobs/"+jobID+"/chunk", nil)
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if httpResponse.StatusCode != http.StatusOK {
		return nil, readAPIError(httpResponse)
	}

	var wire wireChunk
	if err := json.NewDecoder(httpResponse.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("remote %s: decoding chunk: %w", c.id, err)
	}
	return &provider.Chunk{JobID: jobID, Data: wire.Data}, nil
}

// Cancel implements provider.Provider.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, "/jobs/"+jobID, nil, nil)
}

// do sends a JSON request and decodes a JSON response into out (when
// out is non-nil).
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	httpResponse, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		return readAPIError(httpResponse)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(httpResponse.Body).Decode(out); err != nil {
		return fmt.Errorf("remote %s: decoding response: %w", c.id, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("remote %s: marshaling request: %w", c.id, err)
		}
		reader = bytes.NewReader(data)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("remote %s: creating request: %w", c.id, err)
	}
	if body != nil {
		httpRequest.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("remote %s: sending request: %w", c.id, err)
	}
	return httpResponse, nil
}

// APIError is returned when the remote job API responds with an error.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("remote: HTTP %d: %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, e.Message)
}

// readAPIError parses {"error":{"type":"...","message":"..."}} error
// bodies; anything else is captured verbatim.
func readAPIError(httpResponse *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))

	var wireError struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wireError) == nil && wireError.Error.Message != "" {
		return &APIError{
			StatusCode: httpResponse.StatusCode,
			Type:       wireError.Error.Type,
			Message:    wireError.Error.Message,
		}
	}
	return &APIError{StatusCode: httpResponse.StatusCode, Message: string(body)}
}

var _ provider.Provider = (*Client)(nil)
