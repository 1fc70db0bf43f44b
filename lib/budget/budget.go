// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package budget implements reservation-based spend accounting against
// rolling time-window limits. A submission reserves its maximum cost
// up front; when the job reaches a terminal state the reservation is
// settled exactly once: converted into real spend on success
// (Reconcile) or dropped on failure (Release). The tracker is the
// single source of truth for spend: no other component mutates the
// counters.
package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/conduit-foundation/conduit/lib/clock"
)

// DefaultTickLength is the length of the short budget window.
const DefaultTickLength = time.Hour

// Policy holds the spend ceilings. A ceiling of 0 means that window is
// unconstrained.
type Policy struct {
	// PerTickUSD is the ceiling for the short rolling window.
	PerTickUSD float64 `json:"per_tick_usd" yaml:"per_tick_usd"`

	// PerDayUSD is the ceiling for the UTC calendar day.
	PerDayUSD float64 `json:"per_day_usd" yaml:"per_day_usd"`
}

// WindowUsage is a point-in-time snapshot of one window's counters.
type WindowUsage struct {
	ReservedUSD  float64 `json:"reserved_usd"`
	SpentUSD     float64 `json:"spent_usd"`
	LimitUSD     float64 `json:"limit_usd"`
	RemainingUSD float64 `json:"remaining_usd"`
}

// Usage is the snapshot served by the dispatcher's usage path.
type Usage struct {
	Tick WindowUsage `json:"tick"`
	Day  WindowUsage `json:"day"`
}

// Reservation is an opaque hold against both windows. It is the only
// legal key accepted by Reconcile and Release, and it settles at most
// once: second and later settlement attempts are no-ops.
type Reservation struct {
	amountUSD float64
	settled   bool
}

// AmountUSD returns the reserved amount.
func (r *Reservation) AmountUSD() float64 { return r.amountUSD }

// ExceededError reports a reservation or spend that would breach a
// window ceiling. Nothing is mutated when it is returned from Reserve.
type ExceededError struct {
	Window       string  // "tick" or "day"
	RequestedUSD float64
	ReservedUSD  float64
	SpentUSD     float64
	LimitUSD     float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s window: requested $%.4f with $%.4f reserved + $%.4f spent against $%.4f limit",
		e.Window, e.RequestedUSD, e.ReservedUSD, e.SpentUSD, e.LimitUSD)
}

// Tracker enforces the policy ceilings. Every operation is a
// read-modify-write over shared counters, so all of them run under one
// mutex.
type Tracker struct {
	mu     sync.Mutex
	clock  clock.Clock
	policy Policy

	tickLength time.Duration
	tickStart  time.Time
	dayStart   time.Time

	reservedTickUSD float64
	spentTickUSD    float64
	reservedDayUSD  float64
	spentDayUSD     float64
}

// New creates a Tracker with the given policy. A nil clk defaults to
// the real clock.
func New(policy Policy, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	now := clk.Now()
	return &Tracker{
		clock:      clk,
		policy:     policy,
		tickLength: DefaultTickLength,
		tickStart:  now,
		dayStart:   dayStartOf(now),
	}
}

// Reserve atomically adds amountUSD to both windows' reserved
// counters, or fails with *ExceededError leaving both unchanged.
func (t *Tracker) Reserve(amountUSD float64) (*Reservation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()

	if t.policy.PerTickUSD > 0 && t.reservedTickUSD+t.spentTickUSD+amountUSD > t.policy.PerTickUSD {
		return nil, &ExceededError{
			Window:       "tick",
			RequestedUSD: amountUSD,
			ReservedUSD:  t.reservedTickUSD,
			SpentUSD:     t.spentTickUSD,
			LimitUSD:     t.policy.PerTickUSD,
		}
	}
	if t.policy.PerDayUSD > 0 && t.reservedDayUSD+t.spentDayUSD+amountUSD > t.policy.PerDayUSD {
		return nil, &ExceededError{
			Window:       "day",
			RequestedUSD: amountUSD,
			ReservedUSD:  t.reservedDayUSD,
			SpentUSD:     t.spentDayUSD,
			LimitUSD:     t.policy.PerDayUSD,
		}
	}

	t.reservedTickUSD += amountUSD
	t.reservedDayUSD += amountUSD
	return &Reservation{amountUSD: amountUSD}, nil
}

// Reconcile settles a reservation into real spend: the reserved amount
// is removed from both windows and actualUSD is added to spent. The
// real cost is always recorded, even when it overshoots the ceiling;
// in that case an *ExceededError is returned so the caller can flag
// the overrun. Settling an already-settled reservation is a no-op.
func (t *Tracker) Reconcile(reservation *Reservation, actualUSD float64) error {
	if reservation == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()

	if reservation.settled {
		return nil
	}
	reservation.settled = true

	t.reservedTickUSD = clampNonNegative(t.reservedTickUSD - reservation.amountUSD)
	t.reservedDayUSD = clampNonNegative(t.reservedDayUSD - reservation.amountUSD)
	t.spentTickUSD += actualUSD
	t.spentDayUSD += actualUSD

	if t.policy.PerTickUSD > 0 && t.reservedTickUSD+t.spentTickUSD > t.policy.PerTickUSD {
		return &ExceededError{
			Window:       "tick",
			RequestedUSD: actualUSD,
			ReservedUSD:  t.reservedTickUSD,
			SpentUSD:     t.spentTickUSD,
			LimitUSD:     t.policy.PerTickUSD,
		}
	}
	if t.policy.PerDayUSD > 0 && t.reservedDayUSD+t.spentDayUSD > t.policy.PerDayUSD {
		return &ExceededError{
			Window:       "day",
			RequestedUSD: actualUSD,
			ReservedUSD:  t.reservedDayUSD,
			SpentUSD:     t.spentDayUSD,
			LimitUSD:     t.policy.PerDayUSD,
		}
	}
	return nil
}

// Release drops a reservation without recording spend. Used when a job
// fails or never starts. Settling an already-settled reservation is a
// no-op.
func (t *Tracker) Release(reservation *Reservation) {
	if reservation == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()

	if reservation.settled {
		return
	}
	reservation.settled = true

	t.reservedTickUSD = clampNonNegative(t.reservedTickUSD - reservation.amountUSD)
	t.reservedDayUSD = clampNonNegative(t.reservedDayUSD - reservation.amountUSD)
}

// Usage returns a snapshot of both windows.
func (t *Tracker) Usage() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()

	return Usage{
		Tick: windowUsage(t.reservedTickUSD, t.spentTickUSD, t.policy.PerTickUSD),
		Day:  windowUsage(t.reservedDayUSD, t.spentDayUSD, t.policy.PerDayUSD),
	}
}

// Policy returns the current policy.
func (t *Tracker) Policy() Policy {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.policy
}

// SetPolicy replaces the ceilings. Existing reservations are
// unaffected: they settle against whatever policy is live at
// settlement time.
func (t *Tracker) SetPolicy(policy Policy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.policy = policy
}

// rolloverLocked resets a window's spent counter when its boundary has
// passed. Reserved amounts carry over: they are outstanding holds on
// jobs still in flight, and releasing them on a boundary would let the
// settlement underflow the new window.
func (t *Tracker) rolloverLocked() {
	now := t.clock.Now()

	if now.Sub(t.tickStart) >= t.tickLength {
		t.spentTickUSD = 0
		t.tickStart = now
	}

	if day := dayStartOf(now); day.After(t.dayStart) {
		t.spentDayUSD = 0
		t.dayStart = day
	}
}

func windowUsage(reservedUSD, spentUSD, limitUSD float64) WindowUsage {
	usage := WindowUsage{
		ReservedUSD: reservedUSD,
		SpentUSD:    spentUSD,
		LimitUSD:    limitUSD,
	}
	if limitUSD > 0 {
		usage.RemainingUSD = clampNonNegative(limitUSD - reservedUSD - spentUSD)
	}
	return usage
}

func dayStartOf(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func clampNonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
