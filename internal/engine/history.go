package engine

import (
	"context"
	"fmt"

	"github.com/lazypower/tabflow/internal/store"
)

// StoreSink records reclaimed resources in the SQLite history.
type StoreSink struct {
	DB *store.DB
}

// Record implements HistorySink.
func (s StoreSink) Record(ctx context.Context, rec HistoryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tab := &store.ReclaimedTab{
		Handle:       int64(rec.Handle),
		Title:        rec.Title,
		URL:          rec.URL,
		Icon:         rec.Icon,
		Domain:       rec.Domain,
		Score:        clampScore(rec.Score),
		RecoveryHint: rec.RecoveryHint,
		ReclaimedAt:  rec.ReclaimedAt.UnixMilli(),
	}
	if err := s.DB.AddReclaimed(tab); err != nil {
		return fmt.Errorf("record %d: %w", rec.Handle, err)
	}
	return nil
}
