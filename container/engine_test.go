// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conduit-foundation/conduit/lib/clock"
	"github.com/conduit-foundation/conduit/lib/testutil"
	"github.com/conduit-foundation/conduit/provider"
)

// fakeDriver records lifecycle calls and scripts command behavior, so
// the session engine is tested without a container runtime.
type fakeDriver struct {
	mu      sync.Mutex
	nextID  int
	created []Spec
	started []string
	stopped []string
	removed []string
	runs    [][]string
	files   map[string][]byte

	// script handles Run calls. Nil means exit 0 with no output.
	script func(ctx context.Context, command []string, stdout, stderr io.Writer) (int, error)
}

var _ Driver = (*fakeDriver)(nil)

func newFakeDriver() *fakeDriver {
	return &fakeDriver{files: make(map[string][]byte)}
}

func (f *fakeDriver) Create(ctx context.Context, spec Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, spec)
	f.nextID++
	return fmt.Sprintf("ctr-%d", f.nextID), nil
}

func (f *fakeDriver) Start(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, containerID)
	return nil
}

func (f *fakeDriver) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, containerID)
	return nil
}

func (f *fakeDriver) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeDriver) Run(ctx context.Context, containerID string, command []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	f.mu.Lock()
	f.runs = append(f.runs, command)
	script := f.script
	f.mu.Unlock()
	if script != nil {
		return script(ctx, command, stdout, stderr)
	}
	return 0, nil
}

func (f *fakeDriver) ReadFile(ctx context.Context, containerID, path string, offset, length int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file %s", path)
	}
	if offset >= int64(len(data)) {
		return nil, nil
	}
	data = data[offset:]
	if length > 0 && length < int64(len(data)) {
		data = data[:length]
	}
	return data, nil
}

func (f *fakeDriver) WriteFile(ctx context.Context, containerID, path string, data []byte, offset int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset == 0 {
		f.files[path] = append([]byte(nil), data...)
		return nil
	}
	existing := f.files[path]
	end := offset + int64(len(data))
	if end > int64(len(existing)) {
		grown := make([]byte, end)
		copy(grown, existing)
		existing = grown
	}
	copy(existing[offset:], data)
	f.files[path] = existing
	return nil
}

func (f *fakeDriver) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func newTestEngine(t *testing.T, driver *fakeDriver, clk clock.Clock, mutate func(*Options)) *Engine {
	t.Helper()
	options := Options{Driver: driver, Clock: clk, Workers: 2, QueueDepth: 8}
	if mutate != nil {
		mutate(&options)
	}
	engine, err := NewEngine(options)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

func waitTerminal(t *testing.T, engine *Engine, jobID string) *provider.Job {
	t.Helper()
	var job *provider.Job
	testutil.Eventually(t, 5*time.Second, func() bool {
		current, err := engine.Job(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = current
		return job.Status.Terminal()
	}, "waiting for session %s to terminate", jobID)
	return job
}

func drainChunks(t *testing.T, engine *Engine, jobID string) []*provider.Chunk {
	t.Helper()
	var chunks []*provider.Chunk
	for {
		chunk, err := engine.PollChunk(context.Background(), jobID)
		if err != nil {
			t.Fatalf("PollChunk: %v", err)
		}
		if chunk == nil {
			return chunks
		}
		chunks = append(chunks, chunk)
	}
}

func TestSessionRunsCommands(t *testing.T) {
	driver := newFakeDriver()
	driver.script = func(ctx context.Context, command []string, stdout, stderr io.Writer) (int, error) {
		fmt.Fprintf(stdout, "ran: %s\n", command[len(command)-1])
		return 0, nil
	}
	engine := newTestEngine(t, driver, clock.Real(), nil)

	jobID, err := engine.Submit(context.Background(), provider.Request{
		Kind:     provider.KindContainer,
		Image:    "debian:12",
		Commands: []string{"make", "make test"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !strings.HasPrefix(jobID, "sess-") {
		t.Errorf("job id = %q, want sess- prefix", jobID)
	}

	job := waitTerminal(t, engine, jobID)
	if job.Status != provider.StatusComplete {
		t.Fatalf("status = %s (%s), want complete", job.Status, job.Error)
	}
	if job.SessionDetail.Phase != string(PhaseComplete) {
		t.Errorf("phase = %s, want complete", job.SessionDetail.Phase)
	}
	if job.SessionDetail.CommandsCompleted != 2 {
		t.Errorf("commands completed = %d, want 2", job.SessionDetail.CommandsCompleted)
	}

	chunks := drainChunks(t, engine, jobID)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if string(chunks[0].Data) != "ran: make\n" || chunks[0].Stream != "stdout" {
		t.Errorf("first chunk = %q on %s", chunks[0].Data, chunks[0].Stream)
	}

	driver.mu.Lock()
	defer driver.mu.Unlock()
	if len(driver.created) != 1 || len(driver.started) != 1 {
		t.Errorf("lifecycle: created=%d started=%d", len(driver.created), len(driver.started))
	}
	if len(driver.stopped) != 1 || len(driver.removed) != 1 {
		t.Errorf("teardown: stopped=%d removed=%d", len(driver.stopped), len(driver.removed))
	}
	if driver.created[0].Image != "debian:12" {
		t.Errorf("image = %q", driver.created[0].Image)
	}
}

func TestSessionCommandFailure(t *testing.T) {
	driver := newFakeDriver()
	driver.script = func(ctx context.Context, command []string, stdout, stderr io.Writer) (int, error) {
		if strings.Contains(command[len(command)-1], "fail") {
			fmt.Fprintln(stderr, "boom")
			return 3, nil
		}
		return 0, nil
	}
	engine := newTestEngine(t, driver, clock.Real(), nil)

	jobID, err := engine.Submit(context.Background(), provider.Request{
		Kind:     provider.KindContainer,
		Image:    "debian:12",
		Commands: []string{"ok", "fail here", "never runs"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job := waitTerminal(t, engine, jobID)
	if job.Status != provider.StatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.Error != "command 2 exited 3" {
		t.Errorf("error = %q", job.Error)
	}
	if job.SessionDetail.CommandsCompleted != 1 {
		t.Errorf("commands completed = %d, want 1", job.SessionDetail.CommandsCompleted)
	}
	// Later commands never ran: create idles aside, only two Run
	// calls happened.
	if got := driver.runCount(); got != 2 {
		t.Errorf("run calls = %d, want 2", got)
	}

	chunks := drainChunks(t, engine, jobID)
	found := false
	for _, chunk := range chunks {
		if chunk.Stream == "stderr" && string(chunk.Data) == "boom\n" {
			found = true
		}
	}
	if !found {
		t.Error("stderr output not captured in chunks")
	}

	driver.mu.Lock()
	defer driver.mu.Unlock()
	if len(driver.stopped) != 1 || len(driver.removed) != 1 {
		t.Error("container not torn down after failure")
	}
}

func TestSessionClonesRepository(t *testing.T) {
	driver := newFakeDriver()
	engine := newTestEngine(t, driver, clock.Real(), nil)

	jobID, err := engine.Submit(context.Background(), provider.Request{
		Kind:     provider.KindContainer,
		Image:    "debian:12",
		RepoURL:  "https://example.com/repo.git",
		Workdir:  "/src",
		Commands: []string{"make"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminal(t, engine, jobID)

	driver.mu.Lock()
	defer driver.mu.Unlock()
	if len(driver.runs) != 2 {
		t.Fatalf("run calls = %d, want clone + command", len(driver.runs))
	}
	clone := strings.Join(driver.runs[0], " ")
	if clone != "git clone --depth 1 https://example.com/repo.git /src" {
		t.Errorf("clone invocation = %q", clone)
	}
}

func TestSessionExpiryKillsCommand(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	driver := newFakeDriver()
	driver.script = func(ctx context.Context, command []string, stdout, stderr io.Writer) (int, error) {
		fmt.Fprint(stdout, "partial")
		<-ctx.Done()
		return 0, ctx.Err()
	}
	engine := newTestEngine(t, driver, clk, nil)

	jobID, err := engine.Submit(context.Background(), provider.Request{
		Kind:        provider.KindContainer,
		Image:       "debian:12",
		Commands:    []string{"sleep 1000"},
		MaxTimeSecs: 30,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// The lease watchdog is the only clock waiter. Once it is
	// registered the command is in flight.
	clk.BlockUntilWaiters(1)
	clk.Advance(31 * time.Second)

	job := waitTerminal(t, engine, jobID)
	if job.Status != provider.StatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.SessionDetail.Phase != string(PhaseExpired) {
		t.Errorf("phase = %s, want expired", job.SessionDetail.Phase)
	}
	if !strings.Contains(job.Error, "expired after 30s") {
		t.Errorf("error = %q", job.Error)
	}

	// Partial output written before the kill is retained.
	chunks := drainChunks(t, engine, jobID)
	if len(chunks) != 1 || string(chunks[0].Data) != "partial" {
		t.Errorf("chunks = %+v, want the partial line", chunks)
	}
}

func TestInteractiveSessionIdlesUntilExpiry(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	driver := newFakeDriver()
	engine := newTestEngine(t, driver, clk, func(o *Options) {
		o.USDPerSecond = 0.001
	})

	jobID, err := engine.Submit(context.Background(), provider.Request{
		Kind:        provider.KindContainer,
		Image:       "debian:12",
		Interactive: true,
		MaxTimeSecs: 60,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	testutil.Eventually(t, 5*time.Second, func() bool {
		job, err := engine.Job(context.Background(), jobID)
		return err == nil && job.SessionDetail.Phase == string(PhaseRunning)
	}, "waiting for interactive session to reach running")

	clk.BlockUntilWaiters(1)
	clk.Advance(61 * time.Second)

	job := waitTerminal(t, engine, jobID)
	if job.Status != provider.StatusComplete {
		t.Fatalf("status = %s (%s), want complete", job.Status, job.Error)
	}
	if job.SessionDetail.Phase != string(PhaseExpired) {
		t.Errorf("phase = %s, want expired", job.SessionDetail.Phase)
	}
	if job.Response == nil {
		t.Fatal("no response on expired interactive session")
	}
	// 61 fake seconds at 0.001/s.
	if got := job.Response.CostUSD; got < 0.060 || got > 0.062 {
		t.Errorf("cost = %v, want ~0.061", got)
	}
	var result sessionResult
	if err := json.Unmarshal(job.Response.Output, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if !result.Expired {
		t.Error("result does not record expiry")
	}
}

func TestExecAgainstRunningSession(t *testing.T) {
	driver := newFakeDriver()
	driver.script = func(ctx context.Context, command []string, stdout, stderr io.Writer) (int, error) {
		fmt.Fprintln(stdout, "exec output")
		return 0, nil
	}
	engine := newTestEngine(t, driver, clock.Real(), nil)

	jobID, err := engine.Submit(context.Background(), provider.Request{
		Kind:        provider.KindContainer,
		Image:       "debian:12",
		Interactive: true,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		job, err := engine.Job(context.Background(), jobID)
		return err == nil && job.SessionDetail.Phase == string(PhaseRunning)
	}, "waiting for session to reach running")

	execID, err := engine.Exec(context.Background(), jobID, "ls /")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !strings.HasPrefix(execID, "exec-") {
		t.Errorf("exec id = %q", execID)
	}

	testutil.Eventually(t, 5*time.Second, func() bool {
		state, err := engine.ExecInfo(jobID, execID)
		return err == nil && !state.Running
	}, "waiting for exec to finish")

	state, err := engine.ExecInfo(jobID, execID)
	if err != nil {
		t.Fatalf("ExecInfo: %v", err)
	}
	if state.ExitCode != 0 || state.Command != "ls /" {
		t.Errorf("exec state = %+v", state)
	}

	chunks := drainChunks(t, engine, jobID)
	if len(chunks) != 1 || chunks[0].ExecID != execID {
		t.Errorf("chunks = %+v, want one tagged with exec id", chunks)
	}

	if err := engine.Cancel(context.Background(), jobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	job := waitTerminal(t, engine, jobID)
	if job.Error != "session canceled" {
		t.Errorf("error = %q", job.Error)
	}
}

func TestExecDriverFailureMarksRecordFailed(t *testing.T) {
	driver := newFakeDriver()
	driver.script = func(ctx context.Context, command []string, stdout, stderr io.Writer) (int, error) {
		return 0, fmt.Errorf("exec channel torn down")
	}
	engine := newTestEngine(t, driver, clock.Real(), nil)

	jobID, err := engine.Submit(context.Background(), provider.Request{
		Kind:        provider.KindContainer,
		Image:       "debian:12",
		Interactive: true,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		job, err := engine.Job(context.Background(), jobID)
		return err == nil && job.SessionDetail.Phase == string(PhaseRunning)
	}, "waiting for session to reach running")

	execID, err := engine.Exec(context.Background(), jobID, "ls /")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		state, err := engine.ExecInfo(jobID, execID)
		return err == nil && !state.Running
	}, "waiting for exec to finish")

	state, err := engine.ExecInfo(jobID, execID)
	if err != nil {
		t.Fatalf("ExecInfo: %v", err)
	}
	if !state.Failed() {
		t.Fatalf("exec state = %+v, want failed", state)
	}
	if !strings.Contains(state.Err, "exec channel torn down") {
		t.Errorf("error = %q, want the driver failure", state.Err)
	}

	engine.Cancel(context.Background(), jobID)
}

func TestCancelExecMarksRecordFailed(t *testing.T) {
	driver := newFakeDriver()
	release := make(chan struct{})
	execDone := make(chan struct{})
	driver.script = func(ctx context.Context, command []string, stdout, stderr io.Writer) (int, error) {
		<-release
		close(execDone)
		return 0, nil
	}
	engine := newTestEngine(t, driver, clock.Real(), nil)
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})

	jobID, err := engine.Submit(context.Background(), provider.Request{
		Kind:        provider.KindContainer,
		Image:       "debian:12",
		Interactive: true,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		job, err := engine.Job(context.Background(), jobID)
		return err == nil && job.SessionDetail.Phase == string(PhaseRunning)
	}, "waiting for session to reach running")

	execID, err := engine.Exec(context.Background(), jobID, "sleep 600")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		return driver.runCount() == 1
	}, "waiting for exec command to start")

	if err := engine.CancelExec(jobID, execID); err != nil {
		t.Fatalf("CancelExec: %v", err)
	}
	state, err := engine.ExecInfo(jobID, execID)
	if err != nil {
		t.Fatalf("ExecInfo: %v", err)
	}
	if state.Running || state.Err != "exec canceled" {
		t.Fatalf("exec state = %+v, want canceled", state)
	}

	// The command finishing later does not resurrect the record.
	close(release)
	testutil.RequireClosed(t, execDone, 5*time.Second, "exec command never returned")
	testutil.Eventually(t, 5*time.Second, func() bool {
		state, err := engine.ExecInfo(jobID, execID)
		return err == nil && !state.Running
	}, "waiting for exec record to settle")
	state, err = engine.ExecInfo(jobID, execID)
	if err != nil {
		t.Fatalf("ExecInfo: %v", err)
	}
	if state.Err != "exec canceled" {
		t.Errorf("error = %q, want it to stay canceled", state.Err)
	}

	if err := engine.CancelExec(jobID, "exec-missing"); err == nil {
		t.Error("CancelExec of unknown exec succeeded")
	}

	engine.Cancel(context.Background(), jobID)
}

func TestExecChunksFanOutToBothQueues(t *testing.T) {
	driver := newFakeDriver()
	driver.script = func(ctx context.Context, command []string, stdout, stderr io.Writer) (int, error) {
		fmt.Fprintln(stdout, "from exec")
		return 0, nil
	}
	engine := newTestEngine(t, driver, clock.Real(), nil)

	jobID, err := engine.Submit(context.Background(), provider.Request{
		Kind:        provider.KindContainer,
		Image:       "debian:12",
		Interactive: true,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		job, err := engine.Job(context.Background(), jobID)
		return err == nil && job.SessionDetail.Phase == string(PhaseRunning)
	}, "waiting for session to reach running")

	execID, err := engine.Exec(context.Background(), jobID, "echo from exec")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		state, err := engine.ExecInfo(jobID, execID)
		return err == nil && !state.Running
	}, "waiting for exec to finish")

	// The exec-scoped queue delivers the chunk.
	chunk, err := engine.PollExecChunk(jobID, execID)
	if err != nil {
		t.Fatalf("PollExecChunk: %v", err)
	}
	if chunk == nil || string(chunk.Data) != "from exec\n" || chunk.ExecID != execID {
		t.Fatalf("exec chunk = %+v", chunk)
	}
	if chunk, _ := engine.PollExecChunk(jobID, execID); chunk != nil {
		t.Errorf("exec queue not drained: %+v", chunk)
	}

	// The session-scoped queue still holds its own copy.
	sessionChunk, err := engine.PollChunk(context.Background(), jobID)
	if err != nil {
		t.Fatalf("PollChunk: %v", err)
	}
	if sessionChunk == nil || string(sessionChunk.Data) != "from exec\n" {
		t.Fatalf("session chunk = %+v", sessionChunk)
	}

	if _, err := engine.PollExecChunk(jobID, "exec-missing"); err == nil {
		t.Error("PollExecChunk of unknown exec succeeded")
	}

	engine.Cancel(context.Background(), jobID)
}

func TestExecRejectedBeforeRunning(t *testing.T) {
	driver := newFakeDriver()
	driver.script = func(ctx context.Context, command []string, stdout, stderr io.Writer) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	engine := newTestEngine(t, driver, clock.Real(), func(o *Options) {
		o.Workers = 1
		o.QueueDepth = 4
	})

	// The single worker is occupied, so this session stays pending.
	blockerID, err := engine.Submit(context.Background(), provider.Request{
		Kind:     provider.KindContainer,
		Image:    "debian:12",
		Commands: []string{"block"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		return driver.runCount() == 1
	}, "waiting for blocker to start")

	queuedID, err := engine.Submit(context.Background(), provider.Request{
		Kind:     provider.KindContainer,
		Image:    "debian:12",
		Commands: []string{"queued"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := engine.Exec(context.Background(), queuedID, "ls"); err == nil {
		t.Error("Exec against a pending session succeeded")
	}

	engine.Cancel(context.Background(), blockerID)
	engine.Cancel(context.Background(), queuedID)
}

func TestCancelQueuedSessionSkipsProvisioning(t *testing.T) {
	driver := newFakeDriver()
	driver.script = func(ctx context.Context, command []string, stdout, stderr io.Writer) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	engine := newTestEngine(t, driver, clock.Real(), func(o *Options) {
		o.Workers = 1
	})

	blockerID, err := engine.Submit(context.Background(), provider.Request{
		Kind:     provider.KindContainer,
		Image:    "debian:12",
		Commands: []string{"block"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		return driver.runCount() == 1
	}, "waiting for blocker to start")

	queuedID, err := engine.Submit(context.Background(), provider.Request{
		Kind:     provider.KindContainer,
		Image:    "debian:12",
		Commands: []string{"queued"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := engine.Cancel(context.Background(), queuedID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	engine.Cancel(context.Background(), blockerID)

	job := waitTerminal(t, engine, queuedID)
	if job.Status != provider.StatusFailed || job.Error != "session canceled before start" {
		t.Errorf("queued cancel: status=%s error=%q", job.Status, job.Error)
	}

	// Only the blocker's container was ever created.
	driver.mu.Lock()
	defer driver.mu.Unlock()
	if len(driver.created) != 1 {
		t.Errorf("created = %d containers, want 1", len(driver.created))
	}
}

func TestSubmitQueueFull(t *testing.T) {
	driver := newFakeDriver()
	driver.script = func(ctx context.Context, command []string, stdout, stderr io.Writer) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	engine := newTestEngine(t, driver, clock.Real(), func(o *Options) {
		o.Workers = 1
		o.QueueDepth = 1
	})

	request := provider.Request{
		Kind:     provider.KindContainer,
		Image:    "debian:12",
		Commands: []string{"block"},
	}
	first, err := engine.Submit(context.Background(), request)
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		return driver.runCount() == 1
	}, "waiting for first session to start")

	second, err := engine.Submit(context.Background(), request)
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if _, err := engine.Submit(context.Background(), request); err == nil {
		t.Error("third Submit accepted with a full queue")
	}

	engine.Cancel(context.Background(), first)
	engine.Cancel(context.Background(), second)
}

func TestSessionFileTransfer(t *testing.T) {
	driver := newFakeDriver()
	engine := newTestEngine(t, driver, clock.Real(), nil)

	jobID, err := engine.Submit(context.Background(), provider.Request{
		Kind:        provider.KindContainer,
		Image:       "debian:12",
		Interactive: true,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		job, err := engine.Job(context.Background(), jobID)
		return err == nil && job.SessionDetail.Phase == string(PhaseRunning)
	}, "waiting for session to reach running")

	if err := engine.WriteFile(context.Background(), jobID, "/tmp/input", []byte("payload"), 0); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := engine.ReadFile(context.Background(), jobID, "/tmp/input", 0, 0)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("round trip = %q", data)
	}

	// Byte-range read.
	data, err = engine.ReadFile(context.Background(), jobID, "/tmp/input", 3, 2)
	if err != nil {
		t.Fatalf("ReadFile range: %v", err)
	}
	if string(data) != "lo" {
		t.Errorf("range read = %q, want %q", data, "lo")
	}

	// A write at a nonzero offset overwrites in place without
	// truncating the rest of the file.
	if err := engine.WriteFile(context.Background(), jobID, "/tmp/input", []byte("LOAD"), 3); err != nil {
		t.Fatalf("WriteFile at offset: %v", err)
	}
	data, err = engine.ReadFile(context.Background(), jobID, "/tmp/input", 0, 0)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "payLOAD" {
		t.Errorf("after offset write = %q, want %q", data, "payLOAD")
	}

	// A write at offset zero truncates first.
	if err := engine.WriteFile(context.Background(), jobID, "/tmp/input", []byte("new"), 0); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err = engine.ReadFile(context.Background(), jobID, "/tmp/input", 0, 0)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "new" {
		t.Errorf("after truncating write = %q, want %q", data, "new")
	}

	engine.Cancel(context.Background(), jobID)
}

func TestSubmitRejectsWrongKind(t *testing.T) {
	engine := newTestEngine(t, newFakeDriver(), clock.Real(), nil)
	_, err := engine.Submit(context.Background(), provider.Request{
		Kind:  provider.KindCompute,
		Model: "m-1",
	})
	if err == nil {
		t.Error("compute request accepted by container engine")
	}
}

func TestLineWriterSplitsLines(t *testing.T) {
	var lines []string
	w := &lineWriter{emit: func(data []byte) { lines = append(lines, string(data)) }}

	w.Write([]byte("first li"))
	w.Write([]byte("ne\nsecond line\npart"))
	if len(lines) != 2 {
		t.Fatalf("lines = %v", lines)
	}
	if lines[0] != "first line\n" || lines[1] != "second line\n" {
		t.Errorf("lines = %v", lines)
	}

	w.flush()
	if len(lines) != 3 || lines[2] != "part" {
		t.Errorf("after flush: %v", lines)
	}
	w.flush()
	if len(lines) != 3 {
		t.Error("empty flush emitted a chunk")
	}
}
