// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package container runs sandboxed execution sessions inside
// containers. A session provisions a container, optionally clones a
// repository into it, runs a sequence of commands while streaming
// their output, and tears the container down when the session ends.
// The package exposes the session engine as a job provider; the
// container runtime itself sits behind the Driver interface so the
// engine can be tested without Docker.
package container

import (
	"context"
	"io"
	"time"
)

// Spec describes the container a session runs in.
type Spec struct {
	// Image is the container image reference.
	Image string

	// Workdir is the working directory for every command. Empty
	// means the image default.
	Workdir string

	// Env is injected into every command.
	Env map[string]string

	// AllowNetwork enables outbound network access. Off by default.
	AllowNetwork bool

	// MemoryMB caps container memory. Zero means no cap.
	MemoryMB int64

	// CPUs caps container CPU. Zero means no cap.
	CPUs float64
}

// Driver is the narrow container-runtime surface the session engine
// needs. Implementations must be safe for concurrent use across
// containers; per-container call ordering is the engine's job.
type Driver interface {
	// Create provisions a stopped container from the spec and
	// returns its runtime id. The container's main process must idle
	// so commands can run against it with Run.
	Create(ctx context.Context, spec Spec) (string, error)

	// Start starts a created container.
	Start(ctx context.Context, containerID string) error

	// Stop stops a running container, waiting up to timeout for a
	// clean shutdown before killing it.
	Stop(ctx context.Context, containerID string, timeout time.Duration) error

	// Remove deletes a stopped container and its filesystem.
	Remove(ctx context.Context, containerID string) error

	// Run executes a command inside a running container, wiring the
	// given streams, and returns the command's exit code. A non-zero
	// exit is not an error; err reports only failures to run the
	// command at all.
	Run(ctx context.Context, containerID string, command []string, stdin io.Reader, stdout, stderr io.Writer) (int, error)

	// ReadFile returns up to length bytes of a file inside the
	// container, starting at offset. A length of zero or less reads
	// to the end of the file.
	ReadFile(ctx context.Context, containerID, path string, offset, length int64) ([]byte, error)

	// WriteFile copies data into a file inside the container at
	// offset, creating the file if absent. Offset zero truncates the
	// file first; any other offset overwrites in place and leaves
	// the rest of the file intact.
	WriteFile(ctx context.Context, containerID, path string, data []byte, offset int64) error
}
