// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conduit-foundation/conduit/lib/clock"
	"github.com/conduit-foundation/conduit/provider"
)

const (
	// DefaultWorkers bounds concurrent sessions. Accepted sessions
	// beyond the bound wait in the queue as pending.
	DefaultWorkers = 4

	// DefaultQueueDepth bounds accepted-but-not-started sessions.
	// Submissions beyond it fail fast instead of piling up.
	DefaultQueueDepth = 32

	// DefaultStopTimeout is how long a container gets to shut down
	// cleanly before it is killed.
	DefaultStopTimeout = 10 * time.Second

	// DefaultExecSlots bounds concurrent out-of-band execs across
	// all sessions.
	DefaultExecSlots = 8
)

// Options configures an Engine.
type Options struct {
	// Driver is the container runtime. Required.
	Driver Driver

	// ID is the provider identity. Defaults to "docker".
	ID string

	// Description is served from the provider's descriptor.
	Description string

	// Workers overrides DefaultWorkers.
	Workers int

	// QueueDepth overrides DefaultQueueDepth.
	QueueDepth int

	// StopTimeout overrides DefaultStopTimeout.
	StopTimeout time.Duration

	// ExecSlots overrides DefaultExecSlots.
	ExecSlots int

	// USDPerSecond prices session runtime for budget reconciliation.
	// Zero makes sessions free.
	USDPerSecond float64

	// Clock provides time. If nil, defaults to clock.Real().
	Clock clock.Clock

	// Logger receives diagnostic messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Engine runs container sessions on a fixed pool of workers and
// exposes them as a job provider. Submit never spawns per-job
// goroutines: accepted sessions queue until a worker frees up, and a
// full queue rejects the submission.
type Engine struct {
	id           string
	description  string
	driver       Driver
	clock        clock.Clock
	logger       *slog.Logger
	stopTimeout  time.Duration
	usdPerSecond float64

	mu       sync.RWMutex
	sessions map[string]*session

	queue    chan *session
	execSem  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ provider.Provider = (*Engine)(nil)

// NewEngine starts the worker pool and returns the engine.
func NewEngine(options Options) (*Engine, error) {
	if options.Driver == nil {
		return nil, fmt.Errorf("container: Driver is required")
	}
	workers := options.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	queueDepth := options.QueueDepth
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	execSlots := options.ExecSlots
	if execSlots <= 0 {
		execSlots = DefaultExecSlots
	}
	stopTimeout := options.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	id := options.ID
	if id == "" {
		id = "docker"
	}

	engine := &Engine{
		id:           id,
		description:  options.Description,
		driver:       options.Driver,
		clock:        clk,
		logger:       logger,
		stopTimeout:  stopTimeout,
		usdPerSecond: options.USDPerSecond,
		sessions:     make(map[string]*session),
		queue:        make(chan *session, queueDepth),
		execSem:      make(chan struct{}, execSlots),
		stop:         make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		engine.wg.Add(1)
		go engine.worker()
	}
	return engine, nil
}

// Close stops accepting work, cancels running sessions, and waits for
// the workers to drain.
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stop) })

	e.mu.RLock()
	cancels := make([]context.CancelFunc, 0, len(e.sessions))
	for _, s := range e.sessions {
		if s.cancel != nil {
			cancels = append(cancels, s.cancel)
		}
	}
	e.mu.RUnlock()
	for _, cancel := range cancels {
		cancel()
	}
	e.wg.Wait()
}

// worker drains the session queue until shutdown.
func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case s := <-e.queue:
			s.run(context.Background())
		}
	}
}

func (e *Engine) ID() string { return e.id }

func (e *Engine) Describe() provider.Descriptor {
	return provider.Descriptor{
		ID:          e.id,
		Kind:        provider.KindContainer,
		Description: e.description,
	}
}

// Models returns nil: container providers serve no models.
func (e *Engine) Models() []provider.Model { return nil }

// Submit accepts a container request and queues a session for it.
func (e *Engine) Submit(ctx context.Context, request provider.Request) (string, error) {
	if request.Kind != provider.KindContainer {
		return "", fmt.Errorf("container: unsupported request kind %q", request.Kind)
	}
	if err := request.Validate(); err != nil {
		return "", err
	}

	s := &session{
		id:      "sess-" + uuid.NewString(),
		request: request,
		engine:  e,
		phase:   PhaseProvisioning,
		status:  provider.StatusPending,
		execs:   make(map[string]*ExecState),
	}

	e.mu.Lock()
	e.sessions[s.id] = s
	e.mu.Unlock()

	select {
	case e.queue <- s:
	default:
		e.mu.Lock()
		delete(e.sessions, s.id)
		e.mu.Unlock()
		return "", fmt.Errorf("container: session queue full")
	}

	e.logger.Info("session queued", "session_id", s.id, "image", request.Image,
		"commands", len(request.Commands), "interactive", request.Interactive)
	return s.id, nil
}

func (e *Engine) lookup(jobID string) (*session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[jobID]
	if !ok {
		return nil, &provider.NotFoundError{What: "session", ID: jobID}
	}
	return s, nil
}

// Job reports the session's current state.
func (e *Engine) Job(ctx context.Context, jobID string) (*provider.Job, error) {
	s, err := e.lookup(jobID)
	if err != nil {
		return nil, err
	}
	return s.snapshot(), nil
}

// PollChunk returns the next buffered output chunk, or nil.
func (e *Engine) PollChunk(ctx context.Context, jobID string) (*provider.Chunk, error) {
	s, err := e.lookup(jobID)
	if err != nil {
		return nil, err
	}
	return s.popChunk(), nil
}

// Cancel terminates a session. A session still waiting in the queue
// fails without provisioning anything.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	s, err := e.lookup(jobID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	s.canceled = true
	cancel := s.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.logger.Info("session canceled", "session_id", jobID)
	return nil
}

// Exec runs a command out of band against a running session and
// returns the exec id. Output chunks carry the exec id so stream
// consumers can separate it from the session's own commands. The exec
// runs asynchronously on a bounded slot; a saturated engine rejects
// the call.
func (e *Engine) Exec(ctx context.Context, jobID, command string) (string, error) {
	s, err := e.lookup(jobID)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if s.phase != PhaseRunning && s.phase != PhaseCloning {
		e.mu.Unlock()
		return "", fmt.Errorf("container: session %s is %s, not running", jobID, s.phase)
	}
	containerID := s.containerID
	execID := "exec-" + uuid.NewString()
	record := &ExecState{ID: execID, Command: command, Running: true}
	s.execs[execID] = record
	e.mu.Unlock()

	select {
	case e.execSem <- struct{}{}:
	default:
		e.mu.Lock()
		delete(s.execs, execID)
		e.mu.Unlock()
		return "", fmt.Errorf("container: exec slots exhausted")
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.execSem }()

		stdout, stderr, flushOutput := s.outputWriters(execID)
		code, err := e.driver.Run(context.Background(), containerID,
			[]string{"sh", "-c", command}, nil, stdout, stderr)
		flushOutput()

		e.mu.Lock()
		record.Running = false
		// A canceled exec stays failed even if the command later
		// finishes on its own.
		if record.Err == "" {
			if err != nil {
				record.Err = err.Error()
			} else {
				record.ExitCode = code
			}
		}
		e.mu.Unlock()
		if err != nil {
			e.logger.Warn("exec failed", "session_id", jobID, "exec_id", execID, "error", err)
		}
	}()
	return execID, nil
}

// CancelExec marks an exec record failed. The underlying command is
// not signaled; it runs to its own end, and the record stays failed
// regardless of how it exits.
func (e *Engine) CancelExec(jobID, execID string) error {
	s, err := e.lookup(jobID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	record, ok := s.execs[execID]
	if !ok {
		return &provider.NotFoundError{What: "exec", ID: execID}
	}
	if record.Running {
		record.Running = false
		record.Err = "exec canceled"
	}
	return nil
}

// PollExecChunk returns the next buffered chunk from one exec's own
// output queue, or nil. The session-scoped queue is unaffected.
func (e *Engine) PollExecChunk(jobID, execID string) (*provider.Chunk, error) {
	s, err := e.lookup(jobID)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	_, ok := s.execs[execID]
	e.mu.RUnlock()
	if !ok {
		return nil, &provider.NotFoundError{What: "exec", ID: execID}
	}
	return s.popExecChunk(execID), nil
}

// ExecInfo reports the state of an out-of-band exec.
func (e *Engine) ExecInfo(jobID, execID string) (ExecState, error) {
	s, err := e.lookup(jobID)
	if err != nil {
		return ExecState{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	record, ok := s.execs[execID]
	if !ok {
		return ExecState{}, &provider.NotFoundError{What: "exec", ID: execID}
	}
	return *record, nil
}

// ReadFile reads a byte range from a file in a session's container.
// A length of zero or less reads from offset to the end.
func (e *Engine) ReadFile(ctx context.Context, jobID, path string, offset, length int64) ([]byte, error) {
	s, err := e.lookup(jobID)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	containerID := s.containerID
	e.mu.RUnlock()
	if containerID == "" {
		return nil, fmt.Errorf("container: session %s has no container yet", jobID)
	}
	return e.driver.ReadFile(ctx, containerID, path, offset, length)
}

// WriteFile writes data into a file in a session's container at
// offset. Offset zero replaces the file; any other offset overwrites
// in place without truncating.
func (e *Engine) WriteFile(ctx context.Context, jobID, path string, data []byte, offset int64) error {
	s, err := e.lookup(jobID)
	if err != nil {
		return err
	}
	e.mu.RLock()
	containerID := s.containerID
	e.mu.RUnlock()
	if containerID == "" {
		return fmt.Errorf("container: session %s has no container yet", jobID)
	}
	return e.driver.WriteFile(ctx, containerID, path, data, offset)
}
