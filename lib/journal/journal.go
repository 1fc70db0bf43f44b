// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package journal implements the idempotency journal: a keyed store
// with TTL that caches the first successful response for a submission
// key so retries return the original bytes instead of re-executing.
//
// Keys scope a retry to a specific provider (agent id + provider id +
// caller token), so a provider failover never returns a stale
// cross-provider cache hit. Two implementations are provided: Memory
// for tests and single-process deployments, and Store (SQLite) for
// deployments that must survive restarts.
package journal

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/conduit-foundation/conduit/lib/codec"
)

// Journal caches response bytes under a submission key. Implementations
// must be safe for concurrent use.
type Journal interface {
	// Get returns the cached bytes for key, or ok=false when the key
	// is absent or its TTL has lapsed.
	Get(ctx context.Context, key string) (body []byte, ok bool, err error)

	// PutWithTTL stores body under key. After ttl the entry is no
	// longer guaranteed to be returned.
	PutWithTTL(ctx context.Context, key string, body []byte, ttl time.Duration) error
}

// Key derives the journal key for a submission. The three components
// are hashed together (length-prefixed, so no delimiter collisions)
// into a fixed-size hex digest.
func Key(agentID, providerID, callerKey string) string {
	hasher := blake3.New()
	for _, part := range []string{agentID, providerID, callerKey} {
		var length [8]byte
		for i := 0; i < 8; i++ {
			length[i] = byte(len(part) >> (8 * i))
		}
		hasher.Write(length[:])
		hasher.Write([]byte(part))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// entry is the persisted envelope for a journal value. Encoded as
// deterministic CBOR, then zstd-compressed, before hitting storage.
type entry struct {
	Body     []byte `cbor:"body"`
	StoredAt int64  `cbor:"stored_at"` // Unix milliseconds
}

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

// encodeEntry serializes and compresses an entry for storage.
func encodeEntry(body []byte, storedAt time.Time) ([]byte, error) {
	raw, err := codec.Marshal(entry{Body: body, StoredAt: storedAt.UnixMilli()})
	if err != nil {
		return nil, fmt.Errorf("journal: encoding entry: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

// decodeEntry reverses encodeEntry.
func decodeEntry(blob []byte) ([]byte, error) {
	raw, err := zstdDecoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("journal: decompressing entry: %w", err)
	}
	var e entry
	if err := codec.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("journal: decoding entry: %w", err)
	}
	return e.Body, nil
}
