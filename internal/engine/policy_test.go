package engine

import (
	"errors"
	"math"
	"testing"
)

func TestDefaultPolicyValid(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("DefaultPolicy invalid: %v", err)
	}
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Policy)
	}{
		{"threshold below range", func(p *Policy) { p.InactiveThreshold = -0.1 }},
		{"threshold above range", func(p *Policy) { p.InactiveThreshold = 2.5 }},
		{"threshold NaN", func(p *Policy) { p.InactiveThreshold = math.NaN() }},
		{"negative countdown", func(p *Policy) { p.CountdownMinutes = -1 }},
		{"negative batch interval", func(p *Policy) { p.BatchIntervalMinutes = -1 }},
		{"positive normal decay", func(p *Policy) { p.Decay.Normal = 0.1 }},
		{"positive protected decay", func(p *Policy) { p.Decay.ProtectedDomain = 0.1 }},
		{"empty domain", func(p *Policy) { p.ProtectedDomains = []string{"a.com", "  "} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			err := p.Validate()
			if !errors.Is(err, ErrInvalidPolicy) {
				t.Errorf("Validate() = %v, want ErrInvalidPolicy", err)
			}
		})
	}
}

func TestPolicyHolderIsolation(t *testing.T) {
	domains := []string{" Mail.Example.com "}
	p := DefaultPolicy()
	p.ProtectedDomains = domains

	h := NewPolicyHolder(p)
	domains[0] = "changed.com"

	got := h.Load().ProtectedDomains
	if len(got) != 1 || got[0] != "mail.example.com" {
		t.Errorf("stored domains = %v, want [mail.example.com]", got)
	}
}

func TestIsProtectedDomain(t *testing.T) {
	p := Policy{ProtectedDomains: []string{"example.com"}}

	tests := []struct {
		domain string
		want   bool
	}{
		{"example.com", true},
		{"EXAMPLE.COM", true},
		{"mail.example.com", true},
		{"badexample.com", false},
		{"example.org", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := p.isProtectedDomain(tt.domain); got != tt.want {
			t.Errorf("isProtectedDomain(%q) = %v, want %v", tt.domain, got, tt.want)
		}
	}
}

func TestRelatedDomains(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"example.com", "example.com", true},
		{"docs.example.com", "example.com", true},
		{"example.com", "docs.example.com", true},
		{"docs.example.com", "blog.example.com", false},
		{"example.com", "", false},
		{"myexample.com", "example.com", false},
	}
	for _, tt := range tests {
		if got := relatedDomains(tt.a, tt.b); got != tt.want {
			t.Errorf("relatedDomains(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestExcludedScheme(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"chrome://settings", true},
		{"CHROME://newtab", true},
		{"chrome-extension://abc/popup.html", true},
		{"devtools://devtools/bundled/inspector.html", true},
		{"about:blank", true},
		{"https://chrome.com/", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := excludedScheme(tt.url, DefaultExcludedSchemes); got != tt.want {
			t.Errorf("excludedScheme(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}
