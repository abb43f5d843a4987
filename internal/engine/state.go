package engine

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// Handle identifies a tracked resource (a browser tab).
type Handle int64

// HandleSet is an unordered set of handles.
type HandleSet map[Handle]struct{}

// NewHandleSet returns a set containing hs.
func NewHandleSet(hs ...Handle) HandleSet {
	s := make(HandleSet, len(hs))
	for _, h := range hs {
		s[h] = struct{}{}
	}
	return s
}

// Has reports whether h is in the set. A nil set is empty.
func (s HandleSet) Has(h Handle) bool {
	_, ok := s[h]
	return ok
}

// ResourceInfo is the metadata supplied when a resource is first tracked.
type ResourceInfo struct {
	Domain string
	Title  string
	URL    string
	Icon   string

	// Score and LastActive carry state saved by an earlier run in the same
	// browser session. Nil and zero mean a fresh resource.
	Score      *float64
	LastActive time.Time
}

// ResourceState is the mutable state the engine keeps per resource.
type ResourceState struct {
	Handle       Handle    `json:"handle"`
	Domain       string    `json:"domain"`
	Title        string    `json:"title"`
	URL          string    `json:"url"`
	Icon         string    `json:"icon,omitempty"`
	LastActive   time.Time `json:"last_active"`
	Playing      bool      `json:"playing"`
	UnsavedInput bool      `json:"unsaved_input"`
	Transfers    int       `json:"transfers"`
	Protected    bool      `json:"protected"`
}

// HasPendingTransfer reports whether at least one download is in progress.
func (s ResourceState) HasPendingTransfer() bool {
	return s.Transfers > 0
}

// Shielded reports whether any activity flag makes the resource ineligible
// for reclamation regardless of its score.
func (s ResourceState) Shielded() bool {
	return s.Protected || s.Playing || s.UnsavedInput || s.HasPendingTransfer()
}

// Update enumerates the fields an activity event may change. Nil pointers
// leave the field untouched.
type Update struct {
	Playing       *bool
	UnsavedInput  *bool
	Protected     *bool
	TransferDelta int
	LastActive    *time.Time
	Title         *string
	URL           *string
	Icon          *string
}

func (u Update) applyTo(s *ResourceState) {
	if u.Playing != nil {
		s.Playing = *u.Playing
	}
	if u.UnsavedInput != nil {
		s.UnsavedInput = *u.UnsavedInput
	}
	if u.Protected != nil {
		s.Protected = *u.Protected
	}
	if u.TransferDelta != 0 {
		s.Transfers += u.TransferDelta
		if s.Transfers < 0 {
			s.Transfers = 0
		}
	}
	if u.LastActive != nil {
		s.LastActive = *u.LastActive
	}
	if u.Title != nil {
		s.Title = *u.Title
	}
	if u.URL != nil {
		s.URL = *u.URL
		if d := DomainOf(*u.URL); d != "" {
			s.Domain = d
		}
	}
	if u.Icon != nil {
		s.Icon = *u.Icon
	}
}

// DomainOf returns the lower-cased host of rawURL, or "" when it has none.
func DomainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

type entry struct {
	state ResourceState
	score float64
}

// Table is the resource-state table shared by the Scorer and the Scheduler.
type Table struct {
	mu        sync.RWMutex
	resources map[Handle]*entry
	visible   HandleSet
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		resources: make(map[Handle]*entry),
		visible:   make(HandleSet),
	}
}

// Visible returns a copy of the visible set.
func (t *Table) Visible() HandleSet {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(HandleSet, len(t.visible))
	for h := range t.visible {
		out[h] = struct{}{}
	}
	return out
}

// SetVisible replaces the visible set. Untracked handles are ignored.
func (t *Table) SetVisible(hs ...Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.visible = make(HandleSet, len(hs))
	for _, h := range hs {
		if _, ok := t.resources[h]; ok {
			t.visible[h] = struct{}{}
		}
	}
}

func (t *Table) handles() []Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Handle, 0, len(t.resources))
	for h := range t.resources {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t *Table) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.resources)
}
