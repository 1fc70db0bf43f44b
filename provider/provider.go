// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package provider defines the boundary between the capability runtime
// and its pluggable backends. A backend accepts a job or session
// request, reports lifecycle state on poll, and optionally yields
// streaming output chunks. Provider identity is a plain string key so
// registry entries stay serializable and testable in isolation.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
)

// JobStatus is the uniform lifecycle state reported for any job,
// whether it is a remote compute job or a local container session.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusStreaming JobStatus = "streaming"
	StatusComplete  JobStatus = "complete"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further state transitions can occur.
func (s JobStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// RequestKind selects which backend family a request targets.
type RequestKind string

const (
	KindCompute   RequestKind = "compute"
	KindContainer RequestKind = "container"
)

// Request is a caller-supplied job description. It is immutable once
// submitted; the dispatcher fills defaults from policy before routing.
type Request struct {
	// Kind selects the backend family. Defaults to "compute".
	Kind RequestKind `json:"kind,omitempty"`

	// Provider pins a specific backend by id. Empty means the router
	// chooses.
	Provider string `json:"provider,omitempty"`

	// IdempotencyKey lets a retried submission return the original
	// result instead of re-executing.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// MaxCostUSD is the submission's cost ceiling; reserved in full
	// at admission.
	MaxCostUSD float64 `json:"max_cost_usd,omitempty"`

	// Compute fields.
	Model     string          `json:"model,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`

	// Container fields.
	Image        string            `json:"image,omitempty"`
	RepoURL      string            `json:"repo_url,omitempty"`
	Workdir      string            `json:"workdir,omitempty"`
	Commands     []string          `json:"commands,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Interactive  bool              `json:"interactive,omitempty"`
	MaxTimeSecs  int64             `json:"max_time_secs,omitempty"`
	AllowNetwork bool              `json:"allow_network,omitempty"`
	MemoryMB     int64             `json:"memory_mb,omitempty"`
	CPUs         float64           `json:"cpus,omitempty"`
}

// Validate rejects structurally invalid requests before any state is
// touched.
func (r *Request) Validate() error {
	switch r.Kind {
	case KindCompute:
		if r.Model == "" {
			return fmt.Errorf("compute request: model is required")
		}
	case KindContainer:
		if r.Image == "" {
			return fmt.Errorf("container request: image is required")
		}
		if !r.Interactive && len(r.Commands) == 0 {
			return fmt.Errorf("container request: commands are required unless interactive")
		}
	default:
		return fmt.Errorf("unknown request kind %q", r.Kind)
	}
	return nil
}

// Response is a completed job's result.
type Response struct {
	// Output is the provider's result document.
	Output json.RawMessage `json:"output,omitempty"`

	// CostUSD is the actual cost, reconciled against the reservation.
	CostUSD float64 `json:"cost_usd"`

	// Model echoes the model that served a compute request.
	Model string `json:"model,omitempty"`
}

// Job is a provider's view of one submission. The dispatcher never
// transitions state itself; it mirrors whatever the provider reports.
type Job struct {
	ID     string    `json:"job_id"`
	Status JobStatus `json:"status"`

	// Response is set once Status is complete.
	Response *Response `json:"response,omitempty"`

	// Error is set once Status is failed.
	Error string `json:"error,omitempty"`

	// SessionDetail carries container-specific state for session
	// jobs. Nil for compute jobs.
	SessionDetail *SessionDetail `json:"session,omitempty"`
}

// SessionDetail is the container-specific portion of a session job's
// state.
type SessionDetail struct {
	// Phase is the session state machine position: provisioning,
	// cloning, running, complete, failed, or expired.
	Phase string `json:"phase"`

	// CommandsCompleted counts the baked-in commands that have
	// finished successfully.
	CommandsCompleted int `json:"commands_completed"`
}

// Chunk is one streamed output fragment.
type Chunk struct {
	JobID string `json:"job_id"`

	// Stream labels container output ("stdout"/"stderr"). Empty for
	// compute deltas.
	Stream string `json:"stream,omitempty"`

	// ExecID is set when the chunk came from an out-of-band exec
	// rather than the session's baked-in commands.
	ExecID string `json:"exec_id,omitempty"`

	Data []byte `json:"data"`
}

// Model describes one model a compute provider can serve, with
// pricing for cost estimation.
type Model struct {
	Name              string  `json:"name"`
	InputUSDPerMTok   float64 `json:"input_usd_per_mtok,omitempty"`
	OutputUSDPerMTok  float64 `json:"output_usd_per_mtok,omitempty"`
	MaxContextTokens  int64   `json:"max_context_tokens,omitempty"`
	SupportsStreaming bool    `json:"supports_streaming"`
}

// Descriptor is the provider metadata served under providers/{id}.
type Descriptor struct {
	ID          string      `json:"id"`
	Kind        RequestKind `json:"kind"`
	Description string      `json:"description,omitempty"`
}

// Provider is a pluggable backend. Implementations must be safe for
// concurrent use: the dispatcher calls Job and PollChunk from multiple
// request threads while long-running work proceeds on the provider's
// own workers.
type Provider interface {
	// ID returns the stable provider identity.
	ID() string

	// Describe returns the provider's descriptor.
	Describe() Descriptor

	// Models returns the models a compute provider serves. Container
	// providers return nil.
	Models() []Model

	// Submit accepts a request and returns the provider-scoped job
	// id. The long-running work proceeds on the provider's own
	// workers; Submit returns as soon as the job is accepted.
	Submit(ctx context.Context, request Request) (string, error)

	// Job reports the current state of a submission.
	Job(ctx context.Context, jobID string) (*Job, error)

	// PollChunk returns the next buffered output chunk, or nil when
	// none is pending. It never blocks.
	PollChunk(ctx context.Context, jobID string) (*Chunk, error)

	// Cancel requests termination of a job. Best-effort.
	Cancel(ctx context.Context, jobID string) error
}

// NotFoundError reports an unknown job, exec, or provider id.
type NotFoundError struct {
	What string // "job", "exec", "provider", "session"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.What, e.ID)
}
