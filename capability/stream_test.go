// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/conduit-foundation/conduit/provider"
)

func TestWatchDeliversBufferedChunks(t *testing.T) {
	env := newTestEnv(t, Policy{})
	result := env.submit(t, `{"model": "m-1", "max_cost_usd": 1}`)
	env.provider.pushChunk(result.JobID, []byte("hello "))
	env.provider.pushChunk(result.JobID, []byte("world"))
	env.provider.complete(result.JobID, 0.1, `"hello world"`)

	ctx := context.Background()
	watch, err := env.service.Watch(ctx, result.StreamPath)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer watch.Close()

	first, err := watch.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	second, err := watch.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(first)+string(second) != "hello world" {
		t.Errorf("chunks = %q + %q", first, second)
	}

	if _, err := watch.Next(ctx); err != io.EOF {
		t.Errorf("Next after terminal = %v, want io.EOF", err)
	}
	if _, err := watch.Next(ctx); err != io.EOF {
		t.Errorf("Next after end = %v, want io.EOF", err)
	}
}

func TestWatchSynthesizesFinalChunk(t *testing.T) {
	env := newTestEnv(t, Policy{})
	result := env.submit(t, `{"model": "m-1", "max_cost_usd": 1}`)
	env.provider.complete(result.JobID, 0.2, `{"answer":42}`)

	ctx := context.Background()
	watch, err := env.service.Watch(ctx, result.StreamPath)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	chunk, err := watch.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	var doc struct {
		JobID  string          `json:"job_id"`
		Status string          `json:"status"`
		Output json.RawMessage `json:"output"`
	}
	if err := json.Unmarshal(chunk, &doc); err != nil {
		t.Fatalf("decoding synthesized chunk: %v", err)
	}
	if doc.JobID != result.JobID || doc.Status != "complete" {
		t.Errorf("synthesized chunk = %s", chunk)
	}
	if string(doc.Output) != `{"answer":42}` {
		t.Errorf("output = %s", doc.Output)
	}

	if _, err := watch.Next(ctx); err != io.EOF {
		t.Errorf("Next after synthesized chunk = %v, want io.EOF", err)
	}
}

func TestWatchSynthesizedChunkDeliveredOnce(t *testing.T) {
	env := newTestEnv(t, Policy{})
	result := env.submit(t, `{"model": "m-1", "max_cost_usd": 1}`)
	env.provider.complete(result.JobID, 0.1, `"ok"`)

	ctx := context.Background()
	chunks := 0
	for i := 0; i < 3; i++ {
		watch, err := env.service.Watch(ctx, result.StreamPath)
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
		for {
			_, err := watch.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			chunks++
		}
		watch.Close()
	}
	if chunks != 1 {
		t.Errorf("synthesized chunk delivered %d times, want 1", chunks)
	}
}

func TestWatchNoSynthesisAfterRealChunk(t *testing.T) {
	env := newTestEnv(t, Policy{})
	result := env.submit(t, `{"model": "m-1", "max_cost_usd": 1}`)
	env.provider.pushChunk(result.JobID, []byte("output"))
	env.provider.complete(result.JobID, 0.1, `"output"`)

	ctx := context.Background()
	watch, err := env.service.Watch(ctx, result.StreamPath)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if _, err := watch.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if _, err := watch.Next(ctx); err != io.EOF {
		t.Errorf("Next = %v, want io.EOF (no synthesized chunk after real output)", err)
	}
}

func TestWatchFailedJobEndsStream(t *testing.T) {
	env := newTestEnv(t, Policy{})
	result := env.submit(t, `{"model": "m-1", "max_cost_usd": 2}`)
	env.provider.fail(result.JobID, "boom")

	ctx := context.Background()
	watch, err := env.service.Watch(ctx, result.StreamPath)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if _, err := watch.Next(ctx); err != io.EOF {
		t.Errorf("Next on failed job = %v, want io.EOF", err)
	}
	if got := env.budget.Usage().Tick.ReservedUSD; got != 0 {
		t.Errorf("reserved = %v after observed failure, want 0", got)
	}
}

func TestWatchObservingTerminalSettlesBudget(t *testing.T) {
	env := newTestEnv(t, Policy{})
	result := env.submit(t, `{"model": "m-1", "max_cost_usd": 5}`)
	env.provider.complete(result.JobID, 1.5, `"ok"`)

	ctx := context.Background()
	watch, err := env.service.Watch(ctx, result.StreamPath)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if _, err := watch.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}

	usage := env.budget.Usage()
	if usage.Tick.SpentUSD != 1.5 || usage.Tick.ReservedUSD != 0 {
		t.Errorf("usage = %+v, want settled at 1.5", usage.Tick)
	}
}

func TestWatchChunkDeliverySettlesBudget(t *testing.T) {
	env := newTestEnv(t, Policy{})
	result := env.submit(t, `{"model": "m-1", "max_cost_usd": 5}`)
	env.provider.pushChunk(result.JobID, []byte("partial"))
	env.provider.complete(result.JobID, 1.5, `"ok"`)

	ctx := context.Background()
	watch, err := env.service.Watch(ctx, result.StreamPath)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	chunk, err := watch.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(chunk) != "partial" {
		t.Fatalf("chunk = %q", chunk)
	}

	// The terminal state settles with the chunk, not only once the
	// buffer drains.
	usage := env.budget.Usage()
	if usage.Tick.SpentUSD != 1.5 || usage.Tick.ReservedUSD != 0 {
		t.Errorf("usage = %+v, want settled at 1.5", usage.Tick)
	}
}

func TestWatchContextCanceled(t *testing.T) {
	env := newTestEnv(t, Policy{})
	result := env.submit(t, `{"model": "m-1", "max_cost_usd": 1}`)

	ctx, cancel := context.WithCancel(context.Background())
	watch, err := env.service.Watch(ctx, result.StreamPath)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	cancel()
	if _, err := watch.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next = %v, want context.Canceled", err)
	}
}

func TestWatchUnknownJob(t *testing.T) {
	env := newTestEnv(t, Policy{})
	_, err := env.service.Watch(context.Background(), "jobs/ghost/stream")
	var notFound *provider.NotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("Watch = %v, want NotFoundError", err)
	}
}
