// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"context"
	"io"

	"github.com/conduit-foundation/conduit/provider"
)

// WatchHandle delivers a job's output stream incrementally. Next
// blocks until a chunk is available, the job reaches a terminal
// state, or the context is done. After the stream ends every further
// Next returns io.EOF.
//
// A job that completes without emitting any chunks still yields
// exactly one chunk: the final result document, synthesized by the
// first watcher to observe completion. Concurrent watchers race for
// that observation under the registry lock, so the synthesized chunk
// is delivered once.
type WatchHandle struct {
	service *Service
	jobID   string
	done    bool
}

// Watch opens a stream watch on a job's stream path.
func (s *Service) Watch(ctx context.Context, path string) (*WatchHandle, error) {
	r, ok := parseRoute(path)
	if !ok || r.kind != routeJobStream {
		return nil, ErrNotFound
	}
	if _, ok := s.lookupProviderID(r.jobID); !ok {
		return nil, &provider.NotFoundError{What: "job", ID: r.jobID}
	}
	return &WatchHandle{service: s, jobID: r.jobID}, nil
}

// Next returns the next chunk of stream data. It returns io.EOF once
// the stream has ended and ctx.Err() if the context is done first.
func (w *WatchHandle) Next(ctx context.Context) ([]byte, error) {
	if w.done {
		return nil, io.EOF
	}
	s := w.service
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chunk, err := s.pollChunk(ctx, w.jobID)
		if err != nil {
			return nil, err
		}
		if chunk != nil {
			// An already-terminal job settles on the chunk path
			// too, not only once the buffer drains.
			if _, err := s.pollJob(ctx, w.jobID); err != nil {
				return nil, err
			}
			return chunk.Data, nil
		}

		job, err := s.pollJob(ctx, w.jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			if job.Status == provider.StatusComplete && s.markChunkEmitted(w.jobID) {
				final, err := s.renderResult(ctx, w.jobID)
				if err != nil {
					return nil, err
				}
				w.done = true
				return final, nil
			}
			w.done = true
			return nil, io.EOF
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clock.After(s.pollInterval):
		}
	}
}

// Close marks the watch finished. It never blocks.
func (w *WatchHandle) Close() error {
	w.done = true
	return nil
}
