package engine

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// ErrInvalidPolicy is returned when a policy fails validation.
var ErrInvalidPolicy = errors.New("invalid policy")

// DecayRates are per-minute score changes for idle resources. Both are <= 0.
type DecayRates struct {
	Normal          float64 `json:"normal" yaml:"normal"`
	ProtectedDomain float64 `json:"protected_domain" yaml:"protected_domain"`
}

// Policy controls when a resource counts as inactive and how fast it is reclaimed.
type Policy struct {
	InactiveThreshold    float64    `json:"inactive_threshold"`
	CountdownMinutes     float64    `json:"countdown_minutes"`
	BatchIntervalMinutes float64    `json:"batch_interval_minutes"`
	ProtectedDomains     []string   `json:"protected_domains"`
	Decay                DecayRates `json:"decay_rates"`
}

// DefaultPolicy matches the "medium" aggressiveness preset.
func DefaultPolicy() Policy {
	return Policy{
		InactiveThreshold:    0.0,
		CountdownMinutes:     30,
		BatchIntervalMinutes: 1,
		ProtectedDomains:     []string{"mail.google.com", "web.whatsapp.com"},
		Decay: DecayRates{
			Normal:          -0.067,
			ProtectedDomain: -0.033,
		},
	}
}

// Validate rejects policies the engine cannot evaluate safely.
func (p Policy) Validate() error {
	if math.IsNaN(p.InactiveThreshold) || p.InactiveThreshold < MinScore || p.InactiveThreshold > MaxScore {
		return fmt.Errorf("%w: inactive_threshold must be within [%.1f, %.1f], got %v", ErrInvalidPolicy, MinScore, MaxScore, p.InactiveThreshold)
	}
	if math.IsNaN(p.CountdownMinutes) || p.CountdownMinutes < 0 {
		return fmt.Errorf("%w: countdown_minutes must be >= 0, got %v", ErrInvalidPolicy, p.CountdownMinutes)
	}
	if math.IsNaN(p.BatchIntervalMinutes) || p.BatchIntervalMinutes < 0 {
		return fmt.Errorf("%w: batch_interval_minutes must be >= 0, got %v", ErrInvalidPolicy, p.BatchIntervalMinutes)
	}
	if math.IsNaN(p.Decay.Normal) || p.Decay.Normal > 0 {
		return fmt.Errorf("%w: decay_rates.normal must be <= 0, got %v", ErrInvalidPolicy, p.Decay.Normal)
	}
	if math.IsNaN(p.Decay.ProtectedDomain) || p.Decay.ProtectedDomain > 0 {
		return fmt.Errorf("%w: decay_rates.protected_domain must be <= 0, got %v", ErrInvalidPolicy, p.Decay.ProtectedDomain)
	}
	for _, d := range p.ProtectedDomains {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("%w: protected_domains contains an empty entry", ErrInvalidPolicy)
		}
	}
	return nil
}

// clone copies the domain list so a stored policy never aliases caller memory.
func (p Policy) clone() Policy {
	out := p
	out.ProtectedDomains = make([]string, 0, len(p.ProtectedDomains))
	for _, d := range p.ProtectedDomains {
		out.ProtectedDomains = append(out.ProtectedDomains, strings.ToLower(strings.TrimSpace(d)))
	}
	return out
}

// isProtectedDomain reports whether domain equals a listed domain or is one
// of its subdomains. Matching is case-insensitive.
func (p Policy) isProtectedDomain(domain string) bool {
	domain = strings.ToLower(domain)
	for _, listed := range p.ProtectedDomains {
		listed = strings.ToLower(listed)
		if domain == listed || strings.HasSuffix(domain, "."+listed) {
			return true
		}
	}
	return false
}

// PolicyHolder shares one Policy between the Scorer and the Scheduler.
// Store replaces the whole value; readers Load once per operation.
type PolicyHolder struct {
	p atomic.Pointer[Policy]
}

// NewPolicyHolder returns a holder initialised with p.
func NewPolicyHolder(p Policy) *PolicyHolder {
	h := &PolicyHolder{}
	h.Store(p)
	return h
}

// Load returns the current policy.
func (h *PolicyHolder) Load() Policy {
	return *h.p.Load()
}

// Store replaces the current policy.
func (h *PolicyHolder) Store(p Policy) {
	c := p.clone()
	h.p.Store(&c)
}

// relatedDomains reports whether a and b are the same host or one is a
// subdomain of the other. Sibling subdomains of a shared parent do not match.
func relatedDomains(a, b string) bool {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	if a == "" || b == "" {
		return false
	}
	return a == b || strings.HasSuffix(a, "."+b) || strings.HasSuffix(b, "."+a)
}
