// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/conduit-foundation/conduit/provider"
)

// FileInfo describes a namespace entry for stat purposes. Synthetic
// file sizes are reported as zero: content is rendered per read, so
// consumers must read to EOF rather than trust the size.
type FileInfo struct {
	IsDir    bool
	Writable bool
	Size     int64
}

// DirEntry is one name in a directory listing.
type DirEntry struct {
	Name  string
	IsDir bool
}

// Handle is an open file in the capability namespace. Handles are not
// safe for concurrent use; each opener gets its own.
type Handle interface {
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	WriteAt(ctx context.Context, p []byte, off int64) (int, error)
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// Open opens a path in the namespace. Writable paths are "new" and
// "policy"; everything else is read-only and returns ErrPermission on
// write. Directories cannot be opened.
func (s *Service) Open(ctx context.Context, path string) (Handle, error) {
	r, ok := parseRoute(path)
	if !ok {
		return nil, ErrNotFound
	}
	switch r.kind {
	case routeNew:
		return &submitHandle{service: s}, nil
	case routePolicy:
		return &policyHandle{service: s}, nil
	case routeUsage:
		return newSnapshotHandle(func() ([]byte, error) {
			return json.Marshal(s.budget.Usage())
		}), nil
	case routeProviderInfo:
		backend, ok := s.lookupProvider(r.providerID)
		if !ok {
			return nil, ErrNotFound
		}
		return newSnapshotHandle(func() ([]byte, error) {
			return json.Marshal(backend.Describe())
		}), nil
	case routeProviderModels:
		backend, ok := s.lookupProvider(r.providerID)
		if !ok {
			return nil, ErrNotFound
		}
		return newSnapshotHandle(func() ([]byte, error) {
			models := backend.Models()
			if models == nil {
				models = []provider.Model{}
			}
			return json.Marshal(models)
		}), nil
	case routeJobStatus:
		jobID := r.jobID
		return newSnapshotHandle(func() ([]byte, error) {
			return s.renderStatus(ctx, jobID)
		}), nil
	case routeJobResult:
		jobID := r.jobID
		return newSnapshotHandle(func() ([]byte, error) {
			return s.renderResult(ctx, jobID)
		}), nil
	case routeJobStream:
		return nil, fmt.Errorf("capability: stream paths are opened with Watch")
	case routeRoot, routeProviders, routeProvider, routeJobs, routeJob:
		return nil, fmt.Errorf("capability: %q is a directory", path)
	default:
		return nil, ErrNotFound
	}
}

// Stat describes a path without opening it.
func (s *Service) Stat(ctx context.Context, path string) (FileInfo, error) {
	r, ok := parseRoute(path)
	if !ok {
		return FileInfo{}, ErrNotFound
	}
	switch r.kind {
	case routeRoot, routeProviders, routeJobs:
		return FileInfo{IsDir: true}, nil
	case routeProvider:
		if _, ok := s.lookupProvider(r.providerID); !ok {
			return FileInfo{}, ErrNotFound
		}
		return FileInfo{IsDir: true}, nil
	case routeJob:
		if _, ok := s.lookupProviderID(r.jobID); !ok {
			return FileInfo{}, ErrNotFound
		}
		return FileInfo{IsDir: true}, nil
	case routeNew, routePolicy:
		return FileInfo{Writable: true}, nil
	case routeUsage, routeJobStatus, routeJobResult, routeJobStream:
		return FileInfo{}, nil
	case routeProviderInfo, routeProviderModels:
		if _, ok := s.lookupProvider(r.providerID); !ok {
			return FileInfo{}, ErrNotFound
		}
		return FileInfo{}, nil
	default:
		return FileInfo{}, ErrNotFound
	}
}

// Readdir lists a directory in the namespace.
func (s *Service) Readdir(ctx context.Context, path string) ([]DirEntry, error) {
	r, ok := parseRoute(path)
	if !ok {
		return nil, ErrNotFound
	}
	switch r.kind {
	case routeRoot:
		return []DirEntry{
			{Name: "new", IsDir: false},
			{Name: "policy", IsDir: false},
			{Name: "usage", IsDir: false},
			{Name: "providers", IsDir: true},
			{Name: "jobs", IsDir: true},
		}, nil
	case routeProviders:
		s.providersMu.RLock()
		ids := make([]string, 0, len(s.providers))
		for id := range s.providers {
			ids = append(ids, id)
		}
		s.providersMu.RUnlock()
		sort.Strings(ids)
		entries := make([]DirEntry, len(ids))
		for i, id := range ids {
			entries[i] = DirEntry{Name: id, IsDir: true}
		}
		return entries, nil
	case routeProvider:
		if _, ok := s.lookupProvider(r.providerID); !ok {
			return nil, ErrNotFound
		}
		return []DirEntry{
			{Name: "info", IsDir: false},
			{Name: "models", IsDir: false},
		}, nil
	case routeJobs:
		ids := s.jobIDs()
		entries := make([]DirEntry, len(ids))
		for i, id := range ids {
			entries[i] = DirEntry{Name: id, IsDir: true}
		}
		return entries, nil
	case routeJob:
		if _, ok := s.lookupProviderID(r.jobID); !ok {
			return nil, ErrNotFound
		}
		return []DirEntry{
			{Name: "status", IsDir: false},
			{Name: "result", IsDir: false},
			{Name: "stream", IsDir: false},
		}, nil
	default:
		return nil, fmt.Errorf("capability: %q is not a directory", path)
	}
}

// Mkdir is rejected: the namespace structure is fixed.
func (s *Service) Mkdir(ctx context.Context, path string) error {
	return ErrPermission
}

// Remove is rejected: job records expire through the reaper, not
// through unlink.
func (s *Service) Remove(ctx context.Context, path string) error {
	return ErrPermission
}

// Rename is rejected.
func (s *Service) Rename(ctx context.Context, oldPath, newPath string) error {
	return ErrPermission
}

// renderStatus produces the status document for a job, polling the
// owning provider so the read reflects live state.
func (s *Service) renderStatus(ctx context.Context, jobID string) ([]byte, error) {
	job, err := s.pollJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	doc := struct {
		JobID   string                  `json:"job_id"`
		Status  provider.JobStatus      `json:"status"`
		Error   string                  `json:"error,omitempty"`
		Session *provider.SessionDetail `json:"session,omitempty"`
	}{
		JobID:   job.ID,
		Status:  job.Status,
		Error:   job.Error,
		Session: job.SessionDetail,
	}
	return json.Marshal(doc)
}

// renderResult produces the result document for a terminal job. A
// read before the job terminates fails with NotTerminalError rather
// than blocking: callers who want to wait use the stream path.
func (s *Service) renderResult(ctx context.Context, jobID string) ([]byte, error) {
	job, err := s.pollJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() {
		return nil, &NotTerminalError{JobID: jobID, Status: string(job.Status)}
	}
	if job.Status == provider.StatusFailed {
		doc := struct {
			JobID  string             `json:"job_id"`
			Status provider.JobStatus `json:"status"`
			Error  string             `json:"error"`
		}{JobID: job.ID, Status: job.Status, Error: job.Error}
		return json.Marshal(doc)
	}
	doc := struct {
		JobID   string             `json:"job_id"`
		Status  provider.JobStatus `json:"status"`
		Output  json.RawMessage    `json:"output,omitempty"`
		CostUSD float64            `json:"cost_usd"`
		Model   string             `json:"model,omitempty"`
	}{JobID: job.ID, Status: job.Status}
	if job.Response != nil {
		doc.Output = job.Response.Output
		doc.CostUSD = job.Response.CostUSD
		doc.Model = job.Response.Model
	}
	return json.Marshal(doc)
}

// snapshotHandle renders its content once, at first read, and serves
// offset reads from that snapshot. Rendering at read rather than open
// keeps open cheap and matches direct-IO consumers that stat a zero
// size and then read to EOF.
type snapshotHandle struct {
	render func() ([]byte, error)

	mu       sync.Mutex
	content  []byte
	rendered bool
}

func newSnapshotHandle(render func() ([]byte, error)) *snapshotHandle {
	return &snapshotHandle{render: render}
}

var _ Handle = (*snapshotHandle)(nil)

func (h *snapshotHandle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.rendered {
		content, err := h.render()
		if err != nil {
			return 0, err
		}
		h.content = content
		h.rendered = true
	}
	if off >= int64(len(h.content)) {
		return 0, io.EOF
	}
	n := copy(p, h.content[off:])
	return n, nil
}

func (h *snapshotHandle) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	return 0, ErrPermission
}

func (h *snapshotHandle) Flush(ctx context.Context) error { return nil }

func (h *snapshotHandle) Close(ctx context.Context) error { return nil }

// submitHandle accumulates a request body and submits it on flush.
// The submission result replaces the buffer, so the standard
// write-then-read pattern on a single handle observes the result
// document.
type submitHandle struct {
	service *Service

	mu        sync.Mutex
	buffer    []byte
	result    []byte
	submitted bool
}

var _ Handle = (*submitHandle)(nil)

func (h *submitHandle) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.submitted {
		return 0, fmt.Errorf("capability: handle already submitted")
	}
	end := off + int64(len(p))
	if end > int64(len(h.buffer)) {
		grown := make([]byte, end)
		copy(grown, h.buffer)
		h.buffer = grown
	}
	copy(h.buffer[off:], p)
	return len(p), nil
}

func (h *submitHandle) Flush(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flushLocked(ctx)
}

func (h *submitHandle) flushLocked(ctx context.Context) error {
	if h.submitted || len(h.buffer) == 0 {
		return nil
	}
	result, err := h.service.submit(ctx, h.buffer)
	if err != nil {
		return err
	}
	h.result = result
	h.submitted = true
	return nil
}

// ReadAt submits the buffered request if flush has not run yet, so
// the write-then-read pattern works without an explicit flush.
func (h *submitHandle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.flushLocked(ctx); err != nil {
		return 0, err
	}
	if off >= int64(len(h.result)) {
		return 0, io.EOF
	}
	return copy(p, h.result[off:]), nil
}

func (h *submitHandle) Close(ctx context.Context) error {
	return h.Flush(ctx)
}

// policyHandle serves the live policy as JSON and accepts a
// replacement document on write+flush. Replacement is atomic: a
// document that fails to parse leaves the live policy untouched.
type policyHandle struct {
	service *Service

	mu     sync.Mutex
	buffer []byte
	dirty  bool
}

var _ Handle = (*policyHandle)(nil)

func (h *policyHandle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty && h.buffer == nil {
		content, err := json.MarshalIndent(h.service.Policy(), "", "  ")
		if err != nil {
			return 0, err
		}
		h.buffer = append(content, '\n')
	}
	if off >= int64(len(h.buffer)) {
		return 0, io.EOF
	}
	return copy(p, h.buffer[off:]), nil
}

func (h *policyHandle) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		// First write truncates the rendered view.
		h.buffer = nil
		h.dirty = true
	}
	end := off + int64(len(p))
	if end > int64(len(h.buffer)) {
		grown := make([]byte, end)
		copy(grown, h.buffer)
		h.buffer = grown
	}
	copy(h.buffer[off:], p)
	return len(p), nil
}

func (h *policyHandle) Flush(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		return nil
	}
	policy, err := ParsePolicy(h.buffer)
	if err != nil {
		return err
	}
	h.service.SetPolicy(policy)
	h.dirty = false
	h.buffer = nil
	return nil
}

func (h *policyHandle) Close(ctx context.Context) error {
	return h.Flush(ctx)
}
