// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graphcache

import "fmt"

// DefaultCostlyHitRate is the hit rate below which capturing is considered too costly.
const DefaultCostlyHitRate = 0.20

// Stats counts cache lookups (attempts) and hits.
type Stats struct {
	Attempts, Hits int64
}

// Record one lookup.
func (s *Stats) Record(hit bool) {
	s.Attempts++
	if hit {
		s.Hits++
	}
}

// HitRate returns Hits/Attempts, or 0 if there were no attempts.
func (s Stats) HitRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Attempts)
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("%d hits / %d attempts (%.1f%%)", s.Hits, s.Attempts, 100*s.HitRate())
}

// CostTracker decides when graph capture stops paying off.
//
// Once at least bound attempts were recorded and the hit rate is below the threshold, capture is
// marked costly. The decision is never reverted.
type CostTracker struct {
	stats     Stats
	bound     int64
	threshold float64
	costly    bool
}

// NewCostTracker creates a tracker with the given attempts bound and hit-rate threshold.
func NewCostTracker(bound int, threshold float64) *CostTracker {
	return &CostTracker{bound: int64(bound), threshold: threshold}
}

// Record one lookup. It returns true if this lookup made capture costly.
func (t *CostTracker) Record(hit bool) (becameCostly bool) {
	t.stats.Record(hit)
	if t.costly {
		return false
	}
	if t.stats.Attempts >= t.bound && t.stats.HitRate() < t.threshold {
		t.costly = true
		return true
	}
	return false
}

// IsCostly returns whether capture was marked costly.
func (t *CostTracker) IsCostly() bool { return t.costly }

// Stats returns the lookups recorded so far.
func (t *CostTracker) Stats() Stats { return t.stats }
