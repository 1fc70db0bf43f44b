// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package capability implements the capability execution runtime: a
// provider-agnostic job-submission layer exposed through a
// path-addressed, filesystem-style namespace. Writing a request body
// to "new" submits a job through the policy, the idempotency journal,
// the budget tracker, and the provider router; reads under "jobs/{id}"
// mirror the owning provider's state and settle the job's budget
// reservation exactly once when a terminal state is first observed.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/conduit-foundation/conduit/lib/budget"
	"github.com/conduit-foundation/conduit/lib/clock"
	"github.com/conduit-foundation/conduit/lib/journal"
	"github.com/conduit-foundation/conduit/provider"
)

const (
	// DefaultJournalTTL bounds how long an idempotent replay is
	// guaranteed.
	DefaultJournalTTL = 24 * time.Hour

	// DefaultPollInterval bounds the stream watch re-poll loop, the
	// only spin-wait in the design.
	DefaultPollInterval = 50 * time.Millisecond

	// DefaultRetainTerminal is how long reconciled terminal job
	// records stay visible before the reaper drops them.
	DefaultRetainTerminal = time.Hour
)

// Options configures a Service.
type Options struct {
	// AgentID identifies the agent this namespace belongs to. It
	// scopes idempotency journal keys. Required.
	AgentID string

	// Budget is the spend tracker. Required; it is the single source
	// of truth for spend.
	Budget *budget.Tracker

	// Journal caches submission results for idempotent replay. If
	// nil, an in-memory journal is used.
	Journal journal.Journal

	// Policy is the initial submission policy. Replaceable at
	// runtime through the policy path.
	Policy Policy

	// JournalTTL overrides DefaultJournalTTL.
	JournalTTL time.Duration

	// PollInterval overrides DefaultPollInterval.
	PollInterval time.Duration

	// RetainTerminal overrides DefaultRetainTerminal.
	RetainTerminal time.Duration

	// ReapInterval enables the background sweep of terminal job
	// records when positive. Zero leaves reaping to explicit Sweep
	// calls.
	ReapInterval time.Duration

	// Clock provides time. If nil, defaults to clock.Real().
	Clock clock.Clock

	// Logger receives diagnostic messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Service is the capability dispatcher. All exported methods are safe
// for concurrent use: the provider registry, the policy, and the job
// registry are guarded by reader/writer locks, and the budget tracker
// serializes internally.
type Service struct {
	agentID        string
	budget         *budget.Tracker
	journal        journal.Journal
	journalTTL     time.Duration
	pollInterval   time.Duration
	retainTerminal time.Duration
	clock          clock.Clock
	logger         *slog.Logger

	policyMu sync.RWMutex
	policy   Policy

	providersMu sync.RWMutex
	providers   map[string]provider.Provider

	jobsMu sync.RWMutex
	jobs   map[string]*jobRecord

	reapStop chan struct{}
	reapDone chan struct{}
}

// NewService creates a Service. Providers are registered separately
// with RegisterProvider.
func NewService(options Options) (*Service, error) {
	if options.AgentID == "" {
		return nil, fmt.Errorf("capability: AgentID is required")
	}
	if options.Budget == nil {
		return nil, fmt.Errorf("capability: Budget is required")
	}

	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	jnl := options.Journal
	if jnl == nil {
		jnl = journal.NewMemory(clk)
	}

	service := &Service{
		agentID:        options.AgentID,
		budget:         options.Budget,
		journal:        jnl,
		journalTTL:     options.JournalTTL,
		pollInterval:   options.PollInterval,
		retainTerminal: options.RetainTerminal,
		clock:          clk,
		logger:         logger,
		policy:         options.Policy,
		providers:      make(map[string]provider.Provider),
		jobs:           make(map[string]*jobRecord),
	}
	if service.journalTTL <= 0 {
		service.journalTTL = DefaultJournalTTL
	}
	if service.pollInterval <= 0 {
		service.pollInterval = DefaultPollInterval
	}
	if service.retainTerminal <= 0 {
		service.retainTerminal = DefaultRetainTerminal
	}

	if options.ReapInterval > 0 {
		service.reapStop = make(chan struct{})
		service.reapDone = make(chan struct{})
		go service.reapLoop(options.ReapInterval)
	}

	return service, nil
}

// Close stops the background reaper, if one was started.
func (s *Service) Close() {
	if s.reapStop != nil {
		close(s.reapStop)
		<-s.reapDone
		s.reapStop = nil
	}
}

// reapLoop periodically drops old terminal job records.
func (s *Service) reapLoop(interval time.Duration) {
	defer close(s.reapDone)
	for {
		select {
		case <-s.reapStop:
			return
		case <-s.clock.After(interval):
			if removed := s.sweepJobs(); removed > 0 {
				s.logger.Info("reaped terminal job records", "removed", removed)
			}
		}
	}
}

// Sweep drops reconciled terminal job records older than the retention
// period and returns how many were removed.
func (s *Service) Sweep() int {
	return s.sweepJobs()
}

// RegisterProvider adds a backend to the router. Provider ids must be
// unique.
func (s *Service) RegisterProvider(p provider.Provider) error {
	s.providersMu.Lock()
	defer s.providersMu.Unlock()
	id := p.ID()
	if id == "" {
		return fmt.Errorf("capability: provider has empty id")
	}
	if _, exists := s.providers[id]; exists {
		return fmt.Errorf("capability: provider %q already registered", id)
	}
	s.providers[id] = p
	s.logger.Info("provider registered", "provider_id", id, "kind", p.Describe().Kind)
	return nil
}

// Policy returns the live policy.
func (s *Service) Policy() Policy {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	return s.policy
}

// SetPolicy replaces the live policy. In-flight submissions keep the
// policy they were admitted under.
func (s *Service) SetPolicy(policy Policy) {
	s.policyMu.Lock()
	s.policy = policy
	s.policyMu.Unlock()
	s.logger.Info("policy replaced")
}

// lookupProvider resolves a provider id.
func (s *Service) lookupProvider(id string) (provider.Provider, bool) {
	s.providersMu.RLock()
	defer s.providersMu.RUnlock()
	p, ok := s.providers[id]
	return p, ok
}

// selectProvider picks a backend for a request: an explicit pin wins;
// otherwise the first provider (by sorted id, for determinism) whose
// kind matches and, for compute, whose model list covers the request.
// An empty model list means the provider serves any model.
func (s *Service) selectProvider(request *provider.Request) (provider.Provider, error) {
	s.providersMu.RLock()
	defer s.providersMu.RUnlock()

	if request.Provider != "" {
		p, ok := s.providers[request.Provider]
		if !ok {
			return nil, &provider.NotFoundError{What: "provider", ID: request.Provider}
		}
		return p, nil
	}

	ids := make([]string, 0, len(s.providers))
	for id := range s.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		p := s.providers[id]
		if p.Describe().Kind != request.Kind {
			continue
		}
		if request.Kind == provider.KindCompute && !servesModel(p, request.Model) {
			continue
		}
		return p, nil
	}
	return nil, &RoutingError{Kind: string(request.Kind), Model: request.Model}
}

func servesModel(p provider.Provider, model string) bool {
	models := p.Models()
	if len(models) == 0 {
		return true
	}
	for _, m := range models {
		if m.Name == model {
			return true
		}
	}
	return false
}

// submitResult is the document returned by a read of the submission
// handle.
type submitResult struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	StatusPath string `json:"status_path"`
	StreamPath string `json:"stream_path"`
	ResultPath string `json:"result_path"`
}

// submit runs the full admission pipeline for a request body and
// returns the submission-result document. Admission and budget errors
// are local and terminal for the attempt: by the time an error
// propagates, no reservation is outstanding and no registry entry
// exists.
func (s *Service) submit(ctx context.Context, body []byte) ([]byte, error) {
	var request provider.Request
	if err := json.Unmarshal(body, &request); err != nil {
		return nil, &AdmissionError{Reason: fmt.Sprintf("malformed request body: %v", err)}
	}

	policy := s.Policy()
	policy.normalize(&request)
	if err := policy.admit(&request); err != nil {
		return nil, err
	}
	if err := request.Validate(); err != nil {
		return nil, &AdmissionError{Reason: err.Error()}
	}

	// Select the provider before anything else: the provider id is
	// part of the journal key and the registry record, so budget
	// reconciliation stays isolated from later routing changes.
	backend, err := s.selectProvider(&request)
	if err != nil {
		return nil, err
	}
	providerID := backend.ID()

	// Journal hit: return the first submission's response verbatim.
	// The replayed record is already reconciled with no reservation,
	// so no new budget is consumed.
	var journalKey string
	if request.IdempotencyKey != "" {
		journalKey = journal.Key(s.agentID, providerID, request.IdempotencyKey)
		cached, hit, journalErr := s.journal.Get(ctx, journalKey)
		if journalErr != nil {
			s.logger.Warn("journal lookup failed", "error", journalErr)
		} else if hit {
			var replayed submitResult
			if json.Unmarshal(cached, &replayed) == nil && replayed.JobID != "" {
				s.recordReplayedJob(replayed.JobID, providerID)
			}
			s.logger.Info("idempotent replay", "provider_id", providerID, "job_id", replayed.JobID)
			return cached, nil
		}
	}

	hold, err := s.budget.Reserve(request.MaxCostUSD)
	if err != nil {
		return nil, err
	}

	// Secondary ceilings are checked after reservation; a breach
	// releases the hold before the error propagates.
	if err := policy.checkCeilings(request.MaxCostUSD); err != nil {
		s.budget.Release(hold)
		return nil, err
	}

	jobID, err := backend.Submit(ctx, request)
	if err != nil {
		s.budget.Release(hold)
		return nil, &SubmitError{ProviderID: providerID, Err: err}
	}

	s.recordJob(jobID, providerID, hold)
	s.logger.Info("job submitted",
		"job_id", jobID,
		"provider_id", providerID,
		"kind", request.Kind,
		"max_cost_usd", request.MaxCostUSD,
	)

	result := submitResult{
		JobID:      jobID,
		Status:     string(provider.StatusPending),
		StatusPath: "jobs/" + jobID + "/status",
		StreamPath: "jobs/" + jobID + "/stream",
		ResultPath: "jobs/" + jobID + "/result",
	}
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding submission result: %w", err)
	}

	if journalKey != "" {
		if err := s.journal.PutWithTTL(ctx, journalKey, resultBytes, s.journalTTL); err != nil {
			s.logger.Warn("journal store failed", "error", err)
		}
	}
	return resultBytes, nil
}

// pollJob fetches a job's current state from its owning provider and
// runs the reconciliation rule against whatever state it reports.
func (s *Service) pollJob(ctx context.Context, jobID string) (*provider.Job, error) {
	providerID, ok := s.lookupProviderID(jobID)
	if !ok {
		return nil, &provider.NotFoundError{What: "job", ID: jobID}
	}
	backend, ok := s.lookupProvider(providerID)
	if !ok {
		return nil, &provider.NotFoundError{What: "provider", ID: providerID}
	}

	job, err := backend.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.reconcileJob(jobID, job)
	return job, nil
}

// pollChunk fetches the next buffered stream chunk for a job, if any,
// and marks the job as having emitted output.
func (s *Service) pollChunk(ctx context.Context, jobID string) (*provider.Chunk, error) {
	providerID, ok := s.lookupProviderID(jobID)
	if !ok {
		return nil, &provider.NotFoundError{What: "job", ID: jobID}
	}
	backend, ok := s.lookupProvider(providerID)
	if !ok {
		return nil, &provider.NotFoundError{What: "provider", ID: providerID}
	}

	chunk, err := backend.PollChunk(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if chunk != nil {
		s.markChunkEmitted(jobID)
	}
	return chunk, nil
}
