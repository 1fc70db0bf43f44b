// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"errors"
	"testing"

	"github.com/conduit-foundation/conduit/provider"
)

func TestParsePolicyAllowsComments(t *testing.T) {
	doc := []byte(`{
		// operators edit this file by hand
		"require_idempotency": true,
		"default_max_cost_usd": 2.5, // trailing comma below
		"default_timeout_ms": 30000,
	}`)
	policy, err := ParsePolicy(doc)
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	if !policy.RequireIdempotency {
		t.Error("RequireIdempotency not set")
	}
	if policy.DefaultMaxCostUSD != 2.5 {
		t.Errorf("DefaultMaxCostUSD = %v, want 2.5", policy.DefaultMaxCostUSD)
	}
	if policy.DefaultTimeoutMS != 30000 {
		t.Errorf("DefaultTimeoutMS = %v, want 30000", policy.DefaultTimeoutMS)
	}
}

func TestParsePolicyRejectsNegativeDefaults(t *testing.T) {
	if _, err := ParsePolicy([]byte(`{"default_max_cost_usd": -1}`)); err == nil {
		t.Error("negative default accepted")
	}
}

func TestParsePolicyRejectsMalformedDocument(t *testing.T) {
	if _, err := ParsePolicy([]byte(`{"require_idempotency": `)); err == nil {
		t.Error("truncated document accepted")
	}
}

func TestNormalizeInfersKind(t *testing.T) {
	var p Policy

	compute := provider.Request{Model: "m-1"}
	p.normalize(&compute)
	if compute.Kind != provider.KindCompute {
		t.Errorf("kind = %q, want compute", compute.Kind)
	}

	container := provider.Request{Image: "debian:12"}
	p.normalize(&container)
	if container.Kind != provider.KindContainer {
		t.Errorf("kind = %q, want container", container.Kind)
	}
}

func TestNormalizeFillsDefaults(t *testing.T) {
	p := Policy{
		DefaultTimeoutMS:   5000,
		DefaultMaxTimeSecs: 600,
		DefaultMaxCostUSD:  1.25,
	}
	request := provider.Request{Model: "m-1"}
	p.normalize(&request)
	if request.TimeoutMS != 5000 {
		t.Errorf("TimeoutMS = %d, want 5000", request.TimeoutMS)
	}
	if request.MaxTimeSecs != 600 {
		t.Errorf("MaxTimeSecs = %d, want 600", request.MaxTimeSecs)
	}
	if request.MaxCostUSD != 1.25 {
		t.Errorf("MaxCostUSD = %v, want 1.25", request.MaxCostUSD)
	}

	// Explicit values win over defaults.
	explicit := provider.Request{Model: "m-1", TimeoutMS: 100, MaxCostUSD: 9}
	p.normalize(&explicit)
	if explicit.TimeoutMS != 100 || explicit.MaxCostUSD != 9 {
		t.Errorf("explicit values overwritten: %+v", explicit)
	}
}

func TestAdmitRequireIdempotency(t *testing.T) {
	p := Policy{RequireIdempotency: true}
	request := provider.Request{Kind: provider.KindCompute, Model: "m-1"}
	err := p.admit(&request)
	var admission *AdmissionError
	if !errors.As(err, &admission) {
		t.Fatalf("admit = %v, want AdmissionError", err)
	}

	request.IdempotencyKey = "k-1"
	if err := p.admit(&request); err != nil {
		t.Errorf("admit with key: %v", err)
	}
}

func TestAdmitRequireMaxCost(t *testing.T) {
	p := Policy{RequireMaxCost: true}
	request := provider.Request{Kind: provider.KindCompute, Model: "m-1"}
	if err := p.admit(&request); err == nil {
		t.Error("zero-cost request admitted under RequireMaxCost")
	}
	request.MaxCostUSD = 0.5
	if err := p.admit(&request); err != nil {
		t.Errorf("admit with cost: %v", err)
	}
}

func TestCheckCeilings(t *testing.T) {
	p := Policy{MaxCostUSDPerTick: 1, MaxCostUSDPerDay: 10}
	if err := p.checkCeilings(0.5); err != nil {
		t.Errorf("within ceilings: %v", err)
	}
	if err := p.checkCeilings(2); err == nil {
		t.Error("per-tick ceiling not enforced")
	}
	unlimited := Policy{}
	if err := unlimited.checkCeilings(1e6); err != nil {
		t.Errorf("zero ceilings should disable checks: %v", err)
	}
}
