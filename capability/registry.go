// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"time"

	"github.com/conduit-foundation/conduit/lib/budget"
	"github.com/conduit-foundation/conduit/provider"
)

// jobRecord maps an opaque job id to the provider that owns it and the
// budget reservation backing it. The reconciled flag flips exactly
// once, from false to true, when a terminal state is first observed.
// The flip and the budget mutation happen under the same registry
// lock, which is what makes budget accounting exactly-once no matter
// how many threads poll the same job.
//
// budgetHold is nil for journal-replayed records: a cache hit consumes
// no new budget.
type jobRecord struct {
	providerID   string
	budgetHold   *budget.Reservation
	reconciled   bool
	chunkEmitted bool
	terminal     bool
	terminalAt   time.Time
}

// recordJob inserts a registry entry for a freshly accepted
// submission.
func (s *Service) recordJob(jobID, providerID string, hold *budget.Reservation) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	s.jobs[jobID] = &jobRecord{
		providerID: providerID,
		budgetHold: hold,
	}
}

// recordReplayedJob inserts (or refreshes) a registry entry for a
// journal hit: already reconciled, no reservation, so later polls of
// the terminal state are inert.
func (s *Service) recordReplayedJob(jobID, providerID string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, exists := s.jobs[jobID]; exists {
		return
	}
	s.jobs[jobID] = &jobRecord{
		providerID: providerID,
		reconciled: true,
	}
}

// lookupProviderID resolves a job id to its owning provider.
func (s *Service) lookupProviderID(jobID string) (string, bool) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	record, ok := s.jobs[jobID]
	if !ok {
		return "", false
	}
	return record.providerID, true
}

// reconcileJob runs the terminal-state reconciliation rule against an
// observed job state. Complete settles the reservation at the job's
// actual cost; Failed releases it; anything else is a no-op. Once run,
// the record is marked reconciled so a second poll of the same
// terminal state does nothing.
func (s *Service) reconcileJob(jobID string, job *provider.Job) {
	if job == nil || !job.Status.Terminal() {
		return
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	record, ok := s.jobs[jobID]
	if !ok {
		return
	}
	if !record.terminal {
		record.terminal = true
		record.terminalAt = s.clock.Now()
	}
	if record.reconciled {
		return
	}
	record.reconciled = true

	switch job.Status {
	case provider.StatusComplete:
		actualUSD := 0.0
		if job.Response != nil {
			actualUSD = job.Response.CostUSD
		}
		if err := s.budget.Reconcile(record.budgetHold, actualUSD); err != nil {
			s.logger.Warn("budget overrun on reconcile", "job_id", jobID, "error", err)
		}
	case provider.StatusFailed:
		s.budget.Release(record.budgetHold)
	}
}

// markChunkEmitted flags that at least one stream chunk has been
// delivered for the job. Returns true when this call was the first to
// set the flag. The stream-completeness guarantee (every terminal job
// yields at least one chunk) synthesizes its final chunk only for the
// first observer.
func (s *Service) markChunkEmitted(jobID string) bool {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	record, ok := s.jobs[jobID]
	if !ok {
		return false
	}
	if record.chunkEmitted {
		return false
	}
	record.chunkEmitted = true
	return true
}

// chunkEmitted reports whether any chunk has been delivered for the
// job.
func (s *Service) chunkEmitted(jobID string) bool {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	record, ok := s.jobs[jobID]
	return ok && record.chunkEmitted
}

// jobIDs returns the registered job ids, for directory listings.
func (s *Service) jobIDs() []string {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}

// sweepJobs drops reconciled terminal records older than the retention
// period and returns how many were removed. Abandoned entries would
// otherwise accumulate forever, since nothing else evicts them.
func (s *Service) sweepJobs() int {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	cutoff := s.clock.Now().Add(-s.retainTerminal)
	removed := 0
	for id, record := range s.jobs {
		if record.terminal && record.reconciled && record.terminalAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}
