package engine

// Liveness algorithm:
//   - Every resource starts at MaxScore (2.0) and is clamped to [0, 2]
//   - Idle resources lose |rate| per minute, rate chosen by domain
//     (protected domains decay at the slower rate)
//   - The rate scales from 1x to 2x over the first hour since last activation
//   - Visible, playing, dirty-form, downloading and protected resources do not decay
//   - Boosts are added per minute and apply to background resources too
//   - score' = clamp(score + (decay + boost) * elapsedMinutes, 0, 2)

import (
	"math"
	"time"
)

const (
	MinScore     = 0.0
	MaxScore     = 2.0
	DefaultScore = MaxScore

	boostVisible         = 0.7
	boostPlaying         = 1.0
	boostUnsavedInput    = 0.8
	boostPendingTransfer = 1.5
	boostRelatedDomain   = 0.2

	maxTimeScale = 2.0
)

// DecayRate returns the per-minute decay for h (zero or negative).
func (s *Scorer) DecayRate(h Handle, visible HandleSet) float64 {
	st, ok := s.State(h)
	if !ok {
		return 0
	}
	return decayRate(st, visible, s.policy.Load(), s.now())
}

// Boost returns the per-minute boost for h (zero or positive).
func (s *Scorer) Boost(h Handle, visible HandleSet) float64 {
	s.table.mu.RLock()
	defer s.table.mu.RUnlock()
	e, ok := s.table.resources[h]
	if !ok {
		return 0
	}
	return s.boostLocked(e.state, visible)
}

func decayRate(st ResourceState, visible HandleSet, p Policy, now time.Time) float64 {
	if visible.Has(st.Handle) || st.Shielded() {
		return 0
	}

	base := p.Decay.Normal
	if p.isProtectedDomain(st.Domain) {
		base = p.Decay.ProtectedDomain
	}

	idle := now.Sub(st.LastActive).Minutes()
	if idle < 0 || math.IsNaN(idle) {
		idle = 0
	}
	return base * math.Min(1+idle/60, maxTimeScale)
}

// boostLocked expects the table read lock to be held.
func (s *Scorer) boostLocked(st ResourceState, visible HandleSet) float64 {
	boost := 0.0
	if visible.Has(st.Handle) {
		boost += boostVisible
	}
	if st.Playing {
		boost += boostPlaying
	}
	if st.UnsavedInput {
		boost += boostUnsavedInput
	}
	if st.HasPendingTransfer() {
		boost += boostPendingTransfer
	}

	if !st.Protected {
		for v := range visible {
			if v == st.Handle {
				continue
			}
			other, ok := s.table.resources[v]
			if ok && relatedDomains(st.Domain, other.state.Domain) {
				boost += boostRelatedDomain
				break
			}
		}
	}
	return boost
}

func clampScore(v float64) float64 {
	return math.Min(MaxScore, math.Max(MinScore, v))
}
