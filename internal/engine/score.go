package engine

import (
	"log/slog"
	"math"
	"time"
)

// Scorer owns liveness scores and resource state.
type Scorer struct {
	table  *Table
	policy *PolicyHolder
	now    func() time.Time
	log    *slog.Logger
}

// NewScorer creates a Scorer over a shared table and policy.
func NewScorer(table *Table, policy *PolicyHolder, now func() time.Time, logger *slog.Logger) *Scorer {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{table: table, policy: policy, now: now, log: logger}
}

// UpdateScore applies elapsedMinutes of decay and boost to h and returns the
// new score. Unknown handles score 0. Negative or non-finite elapsed time
// counts as zero.
func (s *Scorer) UpdateScore(h Handle, elapsedMinutes float64, visible HandleSet) float64 {
	if elapsedMinutes < 0 || math.IsNaN(elapsedMinutes) || math.IsInf(elapsedMinutes, 0) {
		elapsedMinutes = 0
	}
	p := s.policy.Load()
	now := s.now()

	s.table.mu.Lock()
	defer s.table.mu.Unlock()

	e, ok := s.table.resources[h]
	if !ok {
		return 0
	}
	decay := decayRate(e.state, visible, p, now)
	boost := s.boostLocked(e.state, visible)

	prev := e.score
	e.score = clampScore(prev + (decay+boost)*elapsedMinutes)

	s.log.Debug("score updated",
		"handle", h,
		"domain", e.state.Domain,
		"previous", prev,
		"score", e.score,
		"decay", decay,
		"boost", boost,
		"elapsed_min", elapsedMinutes,
	)
	return e.score
}

// ResetAll sets every tracked score back to DefaultScore.
func (s *Scorer) ResetAll() {
	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	for _, e := range s.table.resources {
		e.score = DefaultScore
	}
	s.log.Info("all scores reset", "resources", len(s.table.resources))
}

// Track starts tracking h with the default score, or with info.Score when it
// is set. Tracking an existing handle replaces its state.
func (s *Scorer) Track(h Handle, info ResourceInfo) {
	domain := info.Domain
	if domain == "" {
		domain = DomainOf(info.URL)
	}
	score := DefaultScore
	if info.Score != nil && !math.IsNaN(*info.Score) {
		score = clampScore(*info.Score)
	}
	lastActive := info.LastActive
	if lastActive.IsZero() {
		lastActive = s.now()
	}

	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	s.table.resources[h] = &entry{
		score: score,
		state: ResourceState{
			Handle:     h,
			Domain:     domain,
			Title:      info.Title,
			URL:        info.URL,
			Icon:       info.Icon,
			LastActive: lastActive,
		},
	}
}

// Untrack forgets h. Unknown handles are ignored.
func (s *Scorer) Untrack(h Handle) {
	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	delete(s.table.resources, h)
	delete(s.table.visible, h)
}

// Apply merges u into the state of h. Unknown handles are ignored.
func (s *Scorer) Apply(h Handle, u Update) bool {
	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	e, ok := s.table.resources[h]
	if !ok {
		return false
	}
	u.applyTo(&e.state)
	return true
}

// UpdatePolicy replaces the policy used by every component sharing it.
func (s *Scorer) UpdatePolicy(p Policy) {
	s.policy.Store(p)
	s.log.Info("policy updated",
		"inactive_threshold", p.InactiveThreshold,
		"countdown_min", p.CountdownMinutes,
		"batch_interval_min", p.BatchIntervalMinutes,
		"protected_domains", p.ProtectedDomains,
		"decay_normal", p.Decay.Normal,
		"decay_protected", p.Decay.ProtectedDomain,
	)
}

// Score returns the current score of h, or 0 if it is not tracked.
func (s *Scorer) Score(h Handle) float64 {
	s.table.mu.RLock()
	defer s.table.mu.RUnlock()
	if e, ok := s.table.resources[h]; ok {
		return e.score
	}
	return 0
}

// State returns a copy of the state of h.
func (s *Scorer) State(h Handle) (ResourceState, bool) {
	s.table.mu.RLock()
	defer s.table.mu.RUnlock()
	if e, ok := s.table.resources[h]; ok {
		return e.state, true
	}
	return ResourceState{}, false
}

// lookup returns score and state under one read lock.
func (s *Scorer) lookup(h Handle) (float64, ResourceState, bool) {
	s.table.mu.RLock()
	defer s.table.mu.RUnlock()
	if e, ok := s.table.resources[h]; ok {
		return e.score, e.state, true
	}
	return 0, ResourceState{}, false
}

// Handles lists tracked handles in ascending order.
func (s *Scorer) Handles() []Handle {
	return s.table.handles()
}
