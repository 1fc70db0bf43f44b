// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Docker drives containers through the docker CLI. Every container is
// created with an idling main process so session commands run against
// it with docker exec; file transfer rides the same exec channel via
// dd, which handles binary content without quoting trouble.
type Docker struct {
	binary string
	logger *slog.Logger
}

// DockerOptions configures a Docker driver.
type DockerOptions struct {
	// Binary overrides the docker executable name. Defaults to
	// "docker"; "podman" is CLI-compatible for everything used here.
	Binary string

	// Logger receives one debug line per CLI invocation. If nil, a
	// no-op logger is used.
	Logger *slog.Logger
}

// NewDocker returns a Docker driver.
func NewDocker(options DockerOptions) *Docker {
	binary := options.Binary
	if binary == "" {
		binary = "docker"
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Docker{binary: binary, logger: logger}
}

var _ Driver = (*Docker)(nil)

// run executes a docker command and returns stdout. Stderr is
// captured separately and included in error messages on failure.
func (d *Docker) run(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, d.binary, args...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	d.logger.Debug("docker invocation", "args", strings.Join(args, " "))
	if err := command.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w (stderr: %s)",
			d.binary, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Create provisions a container whose main process sleeps forever;
// commands run against it through Run.
func (d *Docker) Create(ctx context.Context, spec Spec) (string, error) {
	args := []string{"create", "--init"}
	if !spec.AllowNetwork {
		args = append(args, "--network", "none")
	}
	if spec.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", spec.MemoryMB))
	}
	if spec.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(spec.CPUs, 'f', -1, 64))
	}
	if spec.Workdir != "" {
		args = append(args, "--workdir", spec.Workdir)
	}
	// Sorted for reproducible invocations.
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--env", k+"="+spec.Env[k])
	}
	args = append(args, spec.Image, "sleep", "infinity")

	out, err := d.run(ctx, args...)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", fmt.Errorf("%s create: empty container id", d.binary)
	}
	return id, nil
}

func (d *Docker) Start(ctx context.Context, containerID string) error {
	_, err := d.run(ctx, "start", containerID)
	return err
}

func (d *Docker) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	_, err := d.run(ctx, "stop", "--time", strconv.Itoa(seconds), containerID)
	return err
}

func (d *Docker) Remove(ctx context.Context, containerID string) error {
	_, err := d.run(ctx, "rm", "--force", containerID)
	return err
}

// Run executes a command in a running container and returns its exit
// code. The command runs directly, not through a shell; callers wrap
// shell lines in ["sh", "-c", line] themselves.
func (d *Docker) Run(ctx context.Context, containerID string, cmdline []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	if len(cmdline) == 0 {
		return 0, fmt.Errorf("empty command")
	}
	args := []string{"exec"}
	if stdin != nil {
		args = append(args, "--interactive")
	}
	args = append(args, containerID)
	args = append(args, cmdline...)

	command := exec.CommandContext(ctx, d.binary, args...)
	command.Stdin = stdin
	command.Stdout = stdout
	command.Stderr = stderr

	d.logger.Debug("docker exec", "container", containerID, "command", strings.Join(cmdline, " "))
	err := command.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("%s exec in %s: %w", d.binary, containerID, err)
}

// ReadFile copies a byte range out of the container. dd writes the
// raw bytes to stdout, so binary content survives the CLI round
// trip; bs=1 makes skip and count byte-granular.
func (d *Docker) ReadFile(ctx context.Context, containerID, path string, offset, length int64) ([]byte, error) {
	cmdline := []string{"dd", "if=" + path, "bs=1", "status=none"}
	if offset > 0 {
		cmdline = append(cmdline, "skip="+strconv.FormatInt(offset, 10))
	}
	if length > 0 {
		cmdline = append(cmdline, "count="+strconv.FormatInt(length, 10))
	}
	var stdout, stderr bytes.Buffer
	code, err := d.Run(ctx, containerID, cmdline, nil, &stdout, &stderr)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("reading %s in %s: dd exited %d (stderr: %s)",
			path, containerID, code, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// WriteFile copies bytes into a file in the container at offset. At
// offset zero dd's default truncation replaces the file; any other
// offset seeks and overwrites in place with conv=notrunc.
func (d *Docker) WriteFile(ctx context.Context, containerID, path string, data []byte, offset int64) error {
	cmdline := []string{"dd", "of=" + path, "bs=1", "status=none"}
	if offset > 0 {
		cmdline = append(cmdline, "seek="+strconv.FormatInt(offset, 10), "conv=notrunc")
	}
	var stderr bytes.Buffer
	code, err := d.Run(ctx, containerID, cmdline, bytes.NewReader(data), io.Discard, &stderr)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("writing %s in %s: dd exited %d (stderr: %s)",
			path, containerID, code, strings.TrimSpace(stderr.String()))
	}
	return nil
}
