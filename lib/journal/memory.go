// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"context"
	"sync"
	"time"

	"github.com/conduit-foundation/conduit/lib/clock"
)

// Memory is an in-process Journal. Entries expire lazily on Get;
// callers that hold a Memory journal for a long time can run Sweep
// periodically to bound the map size.
type Memory struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]memoryEntry
}

type memoryEntry struct {
	body     []byte
	expireAt time.Time
}

// NewMemory creates an empty in-memory journal. A nil clk defaults to
// the real clock.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real()
	}
	return &Memory{
		clock:   clk,
		entries: make(map[string]memoryEntry),
	}
}

// Get implements Journal.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !m.clock.Now().Before(e.expireAt) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.body, true, nil
}

// PutWithTTL implements Journal.
func (m *Memory) PutWithTTL(_ context.Context, key string, body []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{
		body:     append([]byte(nil), body...),
		expireAt: m.clock.Now().Add(ttl),
	}
	return nil
}

// Sweep removes expired entries and returns how many were dropped.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	dropped := 0
	for key, e := range m.entries {
		if !now.Before(e.expireAt) {
			delete(m.entries, key)
			dropped++
		}
	}
	return dropped
}

var _ Journal = (*Memory)(nil)
