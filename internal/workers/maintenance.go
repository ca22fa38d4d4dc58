package workers

import (
	"context"
	"time"

	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
)

const defaultMaintenanceInterval = 15 * time.Minute

// Janitor is the slice of the maintenance service this task drives. RunAll
// covers queue hygiene and the temp dir; CleanupDataDir removes derivative
// files the database no longer references, with a non-positive minFileAge
// meaning the service default; ReapOrphanedAssets drops asset rows whose
// library row is gone.
type Janitor interface {
	RunAll(ctx context.Context, librarySlug string) error
	CleanupDataDir(ctx context.Context, minFileAge time.Duration) (int, error)
	ReapOrphanedAssets(ctx context.Context) (int64, error)
}

// Maintenance runs janitor passes on a fixed interval. The task wakes on the
// runner's normal poll cadence so pause and shutdown commands stay
// responsive, and gates the actual sweep on its own clock. A failed pass
// also waits out the interval instead of retrying on the next poll.
type Maintenance struct {
	base     *Runner
	janitor  Janitor
	slug     string
	interval time.Duration
	lastRun  time.Time
	passes   int
	log      *logger.Logger
}

// NewMaintenance builds the janitor task. An empty slug maintains every
// library; a non-positive interval uses the 15 minute default.
func NewMaintenance(base *Runner, janitor Janitor, slug string, interval time.Duration) *Maintenance {
	if interval <= 0 {
		interval = defaultMaintenanceInterval
	}
	return &Maintenance{
		base:     base,
		janitor:  janitor,
		slug:     slug,
		interval: interval,
		log:      base.Log().With("task", "maintenance"),
	}
}

func (w *Maintenance) ProcessTask(ctx context.Context) bool {
	if !w.lastRun.IsZero() && time.Since(w.lastRun) < w.interval {
		return false
	}
	w.lastRun = time.Now()
	if err := w.janitor.RunAll(ctx, w.slug); err != nil {
		w.log.Error("Maintenance pass failed", "error", err)
		w.base.Flight().Append("ERROR", "maintenance pass failed", "error", err.Error())
		return false
	}
	removed, err := w.janitor.CleanupDataDir(ctx, 0)
	if err != nil {
		w.log.Error("Orphan sweep failed", "error", err)
		w.base.Flight().Append("ERROR", "orphan sweep failed", "error", err.Error())
		return false
	}
	reaped, err := w.janitor.ReapOrphanedAssets(ctx)
	if err != nil {
		w.log.Error("Orphaned asset reap failed", "error", err)
		w.base.Flight().Append("ERROR", "orphaned asset reap failed", "error", err.Error())
		return false
	}
	w.passes++
	w.base.SetStats(map[string]interface{}{
		"passes_total":         w.passes,
		"last_orphans_removed": removed,
		"last_assets_reaped":   reaped,
	})
	return true
}
