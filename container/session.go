// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conduit-foundation/conduit/provider"
)

// Phase is a session's position in its lifecycle.
type Phase string

const (
	PhaseProvisioning Phase = "provisioning"
	PhaseCloning      Phase = "cloning"
	PhaseRunning      Phase = "running"
	PhaseComplete     Phase = "complete"
	PhaseFailed       Phase = "failed"
	PhaseExpired      Phase = "expired"
)

// session is one container job. The mutex guards every mutable field;
// the worker goroutine and request threads (Job, PollChunk, Cancel,
// Exec) all touch the same record.
type session struct {
	id      string
	request provider.Request

	engine *Engine

	phase        Phase
	status       provider.JobStatus
	containerID  string
	commandsDone int
	errText      string
	response     *provider.Response
	startedAt    time.Time

	chunks     []*provider.Chunk
	execChunks map[string][]*provider.Chunk
	execs      map[string]*ExecState

	canceled bool
	expired  bool
	cancel   context.CancelFunc
}

// ExecState tracks one out-of-band exec against a running session.
// A finished exec either completed with an exit code or failed; Err
// carries the failure reason and is empty on completion.
type ExecState struct {
	ID       string `json:"exec_id"`
	Command  string `json:"command"`
	Running  bool   `json:"running"`
	ExitCode int    `json:"exit_code"`
	Err      string `json:"error,omitempty"`
}

// Failed reports whether the exec ended without producing an exit
// code: the command could not be run, or the exec was canceled.
func (e ExecState) Failed() bool { return e.Err != "" }

// snapshot renders the session as a provider job.
func (s *session) snapshot() *provider.Job {
	s.engine.mu.RLock()
	defer s.engine.mu.RUnlock()
	job := &provider.Job{
		ID:     s.id,
		Status: s.status,
		Error:  s.errText,
		SessionDetail: &provider.SessionDetail{
			Phase:             string(s.phase),
			CommandsCompleted: s.commandsDone,
		},
	}
	if s.response != nil {
		copied := *s.response
		job.Response = &copied
	}
	return job
}

// appendChunk buffers a stream fragment. Every chunk lands in the
// session queue; chunks from an out-of-band exec are additionally
// buffered in that exec's own queue, so consumers can watch either
// granularity without stealing from the other.
func (s *session) appendChunk(stream, execID string, data []byte) {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	chunk := &provider.Chunk{
		JobID:  s.id,
		Stream: stream,
		ExecID: execID,
		Data:   data,
	}
	s.chunks = append(s.chunks, chunk)
	if execID != "" {
		if s.execChunks == nil {
			s.execChunks = make(map[string][]*provider.Chunk)
		}
		s.execChunks[execID] = append(s.execChunks[execID], chunk)
	}
}

// popChunk removes and returns the oldest session-queue chunk, or
// nil.
func (s *session) popChunk() *provider.Chunk {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	if len(s.chunks) == 0 {
		return nil
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk
}

// popExecChunk removes and returns the oldest chunk in an exec's own
// queue, or nil.
func (s *session) popExecChunk(execID string) *provider.Chunk {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	queue := s.execChunks[execID]
	if len(queue) == 0 {
		return nil
	}
	chunk := queue[0]
	s.execChunks[execID] = queue[1:]
	return chunk
}

// lineWriter splits a command's output stream into line-granular
// chunks. Partial trailing output is emitted on flush, so a killed
// command still surfaces whatever it wrote.
type lineWriter struct {
	emit func(data []byte)
	buf  []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := make([]byte, i+1)
		copy(line, w.buf[:i+1])
		w.emit(line)
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) == 0 {
		return
	}
	tail := w.buf
	w.buf = nil
	w.emit(tail)
}

// outputWriters returns line-splitting stdout/stderr writers whose
// chunks carry the given exec id (empty for session commands). The
// returned flush emits any partial trailing lines.
func (s *session) outputWriters(execID string) (stdout, stderr *lineWriter, flush func()) {
	stdout = &lineWriter{emit: func(data []byte) { s.appendChunk("stdout", execID, data) }}
	stderr = &lineWriter{emit: func(data []byte) { s.appendChunk("stderr", execID, data) }}
	return stdout, stderr, func() {
		stdout.flush()
		stderr.flush()
	}
}

// run drives the session lifecycle on a worker goroutine: provision,
// optionally clone, execute the baked-in commands, then tear down.
// Interactive sessions idle in the running phase after their commands
// until canceled or expired.
func (s *session) run(parent context.Context) {
	engine := s.engine
	clk := engine.clock
	request := s.request

	runCtx, cancel := context.WithCancel(parent)
	defer cancel()

	engine.mu.Lock()
	if s.canceled {
		s.phase = PhaseFailed
		s.status = provider.StatusFailed
		s.errText = "session canceled before start"
		engine.mu.Unlock()
		return
	}
	s.cancel = cancel
	s.startedAt = clk.Now()
	s.phase = PhaseProvisioning
	s.status = provider.StatusRunning
	engine.mu.Unlock()

	// Wall-clock lease. Expiry flags the session and cancels the run
	// context; whatever command is in flight is killed and its
	// partial output stays buffered.
	if request.MaxTimeSecs > 0 {
		go func() {
			select {
			case <-runCtx.Done():
			case <-clk.After(time.Duration(request.MaxTimeSecs) * time.Second):
				engine.mu.Lock()
				s.expired = true
				engine.mu.Unlock()
				cancel()
			}
		}()
	}

	containerID, err := engine.driver.Create(runCtx, Spec{
		Image:        request.Image,
		Workdir:      request.Workdir,
		Env:          request.Env,
		AllowNetwork: request.AllowNetwork,
		MemoryMB:     request.MemoryMB,
		CPUs:         request.CPUs,
	})
	if err != nil {
		s.finish(PhaseFailed, provider.StatusFailed, fmt.Sprintf("provisioning container: %v", err))
		return
	}
	engine.mu.Lock()
	s.containerID = containerID
	engine.mu.Unlock()

	// Teardown always runs, detached from the (possibly canceled)
	// run context.
	defer func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), engine.stopTimeout+10*time.Second)
		defer cleanupCancel()
		if err := engine.driver.Stop(cleanupCtx, containerID, engine.stopTimeout); err != nil {
			engine.logger.Warn("stopping container", "session_id", s.id, "error", err)
		}
		if err := engine.driver.Remove(cleanupCtx, containerID); err != nil {
			engine.logger.Warn("removing container", "session_id", s.id, "error", err)
		}
	}()

	if err := engine.driver.Start(runCtx, containerID); err != nil {
		s.finish(PhaseFailed, provider.StatusFailed, fmt.Sprintf("starting container: %v", err))
		return
	}

	if request.RepoURL != "" {
		s.setPhase(PhaseCloning)
		target := request.Workdir
		if target == "" {
			target = "."
		}
		stdout, stderr, flushOutput := s.outputWriters("")
		code, err := engine.driver.Run(runCtx, containerID,
			[]string{"git", "clone", "--depth", "1", request.RepoURL, target},
			nil, stdout, stderr)
		flushOutput()
		if err != nil {
			s.finishInterrupted(fmt.Sprintf("cloning %s: %v", request.RepoURL, err))
			return
		}
		if code != 0 {
			s.finish(PhaseFailed, provider.StatusFailed, fmt.Sprintf("cloning %s: git exited %d", request.RepoURL, code))
			return
		}
	}

	s.setPhase(PhaseRunning)
	s.setStatus(provider.StatusStreaming)

	for i, command := range request.Commands {
		stdout, stderr, flushOutput := s.outputWriters("")
		code, err := engine.driver.Run(runCtx, containerID,
			[]string{"sh", "-c", command}, nil, stdout, stderr)
		flushOutput()
		if err != nil {
			s.finishInterrupted(fmt.Sprintf("command %d: %v", i+1, err))
			return
		}
		if code != 0 {
			s.finish(PhaseFailed, provider.StatusFailed, fmt.Sprintf("command %d exited %d", i+1, code))
			return
		}
		engine.mu.Lock()
		s.commandsDone++
		engine.mu.Unlock()
	}

	if request.Interactive {
		// Idle until the lease expires or the session is canceled;
		// out-of-band execs run against the container meanwhile.
		<-runCtx.Done()
		engine.mu.Lock()
		wasExpired := s.expired
		engine.mu.Unlock()
		if wasExpired {
			// Expiry is the natural end of an interactive lease.
			s.complete(PhaseExpired)
			return
		}
		s.finish(PhaseFailed, provider.StatusFailed, "session canceled")
		return
	}

	s.complete(PhaseComplete)
}

// setPhase updates only the phase.
func (s *session) setPhase(phase Phase) {
	s.engine.mu.Lock()
	s.phase = phase
	s.engine.mu.Unlock()
}

// setStatus updates only the status.
func (s *session) setStatus(status provider.JobStatus) {
	s.engine.mu.Lock()
	s.status = status
	s.engine.mu.Unlock()
}

// finish moves the session to a terminal failure phase.
func (s *session) finish(phase Phase, status provider.JobStatus, errText string) {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	s.phase = phase
	s.status = status
	s.errText = errText
}

// finishInterrupted classifies a run error that may have been caused
// by cancellation or lease expiry rather than the command itself.
func (s *session) finishInterrupted(errText string) {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	switch {
	case s.expired:
		s.phase = PhaseExpired
		s.status = provider.StatusFailed
		s.errText = fmt.Sprintf("session expired after %ds", s.request.MaxTimeSecs)
	case s.canceled:
		s.phase = PhaseFailed
		s.status = provider.StatusFailed
		s.errText = "session canceled"
	default:
		s.phase = PhaseFailed
		s.status = provider.StatusFailed
		s.errText = errText
	}
}

// sessionResult is the output document of a completed session.
type sessionResult struct {
	CommandsCompleted int     `json:"commands_completed"`
	DurationSecs      float64 `json:"duration_secs"`
	Expired           bool    `json:"expired,omitempty"`
}

// complete moves the session to a successful terminal state and
// computes its actual cost from wall-clock runtime.
func (s *session) complete(phase Phase) {
	engine := s.engine
	engine.mu.Lock()
	defer engine.mu.Unlock()

	elapsed := engine.clock.Now().Sub(s.startedAt)
	output, err := json.Marshal(sessionResult{
		CommandsCompleted: s.commandsDone,
		DurationSecs:      elapsed.Seconds(),
		Expired:           phase == PhaseExpired,
	})
	if err != nil {
		output = []byte("{}")
	}

	s.phase = phase
	s.status = provider.StatusComplete
	s.response = &provider.Response{
		Output:  output,
		CostUSD: elapsed.Seconds() * engine.usdPerSecond,
	}
}
