// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"errors"
	"fmt"
)

// ErrPermission is returned for any attempt to create, delete, or
// rename a path: the namespace is synthetic and read-mostly.
var ErrPermission = errors.New("permission denied: synthetic namespace")

// ErrNotFound is returned for paths outside the namespace grammar.
var ErrNotFound = errors.New("no such path")

// AdmissionError reports a submission rejected before anything was
// reserved: malformed body, missing idempotency key, missing cost.
// Admission errors never partially mutate shared state.
type AdmissionError struct {
	Reason string
}

func (e *AdmissionError) Error() string {
	return "admission: " + e.Reason
}

// RoutingError reports that no registered provider can serve a
// request.
type RoutingError struct {
	Kind  string
	Model string
}

func (e *RoutingError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("routing: no %s provider serves model %q", e.Kind, e.Model)
	}
	return fmt.Sprintf("routing: no %s provider registered", e.Kind)
}

// SubmitError wraps a provider's submission failure. By the time it
// propagates, the budget reservation has already been released.
type SubmitError struct {
	ProviderID string
	Err        error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("provider %s: submit: %v", e.ProviderID, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// NotTerminalError is returned when a result read observes a job that
// has not reached a terminal state yet.
type NotTerminalError struct {
	JobID  string
	Status string
}

func (e *NotTerminalError) Error() string {
	return fmt.Sprintf("job %s is %s, result not available", e.JobID, e.Status)
}
