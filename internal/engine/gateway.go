package engine

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrResourceGone is returned by a ResourceGateway when the resource no
// longer exists.
var ErrResourceGone = errors.New("resource gone")

// Resource is what the gateway knows about a live resource.
type Resource struct {
	Handle       Handle
	Title        string
	URL          string
	Icon         string
	RecoveryHint string
}

// ResourceGateway is the narrow capability the Scheduler needs to reclaim
// resources.
type ResourceGateway interface {
	// Lookup returns ErrResourceGone if h no longer exists.
	Lookup(ctx context.Context, h Handle) (Resource, error)
	// Destroy irreversibly removes h. It returns ErrResourceGone if h was
	// already closed.
	Destroy(ctx context.Context, h Handle) error
}

// HistoryRecord describes a reclaimed resource so it can be restored later.
type HistoryRecord struct {
	Handle       Handle
	Title        string
	URL          string
	Icon         string
	Domain       string
	Score        float64
	ReclaimedAt  time.Time
	RecoveryHint string
}

// HistorySink persists HistoryRecords. Failures never block reclamation.
type HistorySink interface {
	Record(ctx context.Context, rec HistoryRecord) error
}

// DefaultExcludedSchemes are URL schemes the scheduler never closes.
var DefaultExcludedSchemes = []string{"chrome", "chrome-extension", "devtools", "edge", "about"}

func excludedScheme(rawURL string, schemes []string) bool {
	lower := strings.ToLower(rawURL)
	for _, s := range schemes {
		if strings.HasPrefix(lower, strings.ToLower(s)+":") {
			return true
		}
	}
	return false
}

type nopSink struct{}

func (nopSink) Record(context.Context, HistoryRecord) error { return nil }
