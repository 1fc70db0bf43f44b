// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/jsonc"

	"github.com/conduit-foundation/conduit/provider"
)

// Policy is the declarative submission policy served and replaced
// through the policy path. It owns request defaulting and the
// secondary per-request cost ceilings; the window-level ceilings live
// in the budget tracker.
type Policy struct {
	// RequireIdempotency fails a submission fast when the request
	// carries no idempotency key.
	RequireIdempotency bool `json:"require_idempotency,omitempty"`

	// DefaultTimeoutMS is applied when a compute request omits a
	// timeout.
	DefaultTimeoutMS int64 `json:"default_timeout_ms,omitempty"`

	// DefaultMaxTimeSecs is applied when a container request omits
	// its wall-clock bound.
	DefaultMaxTimeSecs int64 `json:"default_max_time_secs,omitempty"`

	// DefaultMaxCostUSD is applied when a request omits a max cost.
	DefaultMaxCostUSD float64 `json:"default_max_cost_usd,omitempty"`

	// RequireMaxCost fails a submission when no cost is resolvable
	// after defaulting.
	RequireMaxCost bool `json:"require_max_cost,omitempty"`

	// MaxCostUSDPerTick and MaxCostUSDPerDay are secondary
	// per-request ceilings checked after reservation; a breach
	// releases the reservation and fails the call. Zero disables.
	MaxCostUSDPerTick float64 `json:"max_cost_usd_per_tick,omitempty"`
	MaxCostUSDPerDay  float64 `json:"max_cost_usd_per_day,omitempty"`
}

// ParsePolicy parses a policy document. Comments and trailing commas
// are allowed (operators edit these by hand), so the bytes pass
// through a JSONC translation first.
func ParsePolicy(data []byte) (Policy, error) {
	var policy Policy
	if err := json.Unmarshal(jsonc.ToJSON(data), &policy); err != nil {
		return Policy{}, fmt.Errorf("parsing policy document: %w", err)
	}
	if policy.DefaultTimeoutMS < 0 || policy.DefaultMaxCostUSD < 0 || policy.DefaultMaxTimeSecs < 0 {
		return Policy{}, fmt.Errorf("policy defaults must be non-negative")
	}
	return policy, nil
}

// normalize fills policy defaults into a request. The request is
// immutable once submitted, so this runs on the parsed copy before
// admission checks.
func (p Policy) normalize(request *provider.Request) {
	if request.Kind == "" {
		if request.Image != "" {
			request.Kind = provider.KindContainer
		} else {
			request.Kind = provider.KindCompute
		}
	}
	if request.TimeoutMS == 0 {
		request.TimeoutMS = p.DefaultTimeoutMS
	}
	if request.MaxTimeSecs == 0 {
		request.MaxTimeSecs = p.DefaultMaxTimeSecs
	}
	if request.MaxCostUSD == 0 {
		request.MaxCostUSD = p.DefaultMaxCostUSD
	}
}

// admit runs the policy's fail-fast checks. Called before anything is
// reserved.
func (p Policy) admit(request *provider.Request) error {
	if p.RequireIdempotency && request.IdempotencyKey == "" {
		return &AdmissionError{Reason: "idempotency key required by policy"}
	}
	if p.RequireMaxCost && request.MaxCostUSD <= 0 {
		return &AdmissionError{Reason: "max cost required by policy and not resolvable"}
	}
	return nil
}

// checkCeilings enforces the secondary per-request ceilings. Runs
// after reservation; the caller releases on error.
func (p Policy) checkCeilings(maxCostUSD float64) error {
	if p.MaxCostUSDPerTick > 0 && maxCostUSD > p.MaxCostUSDPerTick {
		return fmt.Errorf("request cost $%.4f exceeds per-tick ceiling $%.4f", maxCostUSD, p.MaxCostUSDPerTick)
	}
	if p.MaxCostUSDPerDay > 0 && maxCostUSD > p.MaxCostUSDPerDay {
		return fmt.Errorf("request cost $%.4f exceeds per-day ceiling $%.4f", maxCostUSD, p.MaxCostUSDPerDay)
	}
	return nil
}
