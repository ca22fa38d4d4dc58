package workers

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/aperturelabs/mediasearch-backend/internal/media"
	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/repos"
	"github.com/aperturelabs/mediasearch-backend/internal/types"
)

// scanStatsInterval is how many upserted files pass between heartbeat stat
// pushes and stop checks during a walk.
const scanStatsInterval = 1000

// SourceReaper deletes asset rows whose source files vanished from disk.
// The scanner triggers it after a complete full walk; the maintenance
// service owns the implementation so the deletion logic lives in one place.
type SourceReaper interface {
	ReapMissingSources(ctx context.Context, library *types.Library) (int64, error)
}

// Scanner walks library roots and upserts what it finds. It only ever
// discovers and reconciles; no derivative work happens here.
type Scanner struct {
	base      *Runner
	assets    repos.AssetRepo
	libraries repos.LibraryRepo
	reaper    SourceReaper
	slug      string
	log       *logger.Logger
}

// NewScanner builds a scanner task. An empty slug scans whichever library
// requests it; a set slug pins the scanner to that library. reaper may be
// nil, which disables the post-walk missing-source pass.
func NewScanner(base *Runner, assets repos.AssetRepo, libraries repos.LibraryRepo, reaper SourceReaper, slug string) *Scanner {
	return &Scanner{
		base:      base,
		assets:    assets,
		libraries: libraries,
		reaper:    reaper,
		slug:      slug,
		log:       base.Log().With("task", "scan"),
	}
}

type walkState struct {
	count   int
	stopped bool
}

// ProcessTask claims one scan request and walks the library under it.
// Returning true means a request was claimed, even if the walk itself was
// cut short; the caller's backoff only matters when the queue is empty.
func (s *Scanner) ProcessTask(ctx context.Context) bool {
	library, err := s.libraries.ClaimScanRequest(ctx, nil, s.slug, s.slug == "")
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("Failed to claim scan request", "error", err)
		}
		return false
	}
	if library == nil {
		return false
	}

	// ClaimScanRequest returns the pre-claim status, which is what tells
	// full from fast. The row itself already says scanning.
	fullScan := library.ScanStatus == types.ScanStatusFullScanRequested
	log := s.log.With("library", library.Slug)
	log.Info("Scan claimed", "full_scan", fullScan)
	s.base.Flight().Append("INFO", "scan claimed", "library", library.Slug, "full_scan", fullScan)

	// The status must come back to idle on every exit path or the library
	// is stuck scanning forever with nothing scanning it.
	defer func() {
		restore := context.WithoutCancel(ctx)
		if err := s.libraries.SetScanStatus(restore, nil, library.ID, types.ScanStatusIdle); err != nil {
			log.Error("Failed to restore idle scan status", "error", err)
		}
		s.base.PersistState(restore, types.WorkerStateIdle)
	}()

	root := library.AbsolutePath
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		log.Warn("Library root is missing or not a directory; skipping scan", "library_root", root, "error", err)
		return true
	}

	s.base.PersistState(ctx, types.WorkerStateProcessing)

	state := &walkState{}
	s.walkDir(ctx, root, root, library, state)
	s.base.PushStats(ctx, map[string]interface{}{"files_processed": state.count})
	log.Info("Scan finished", "files_processed", state.count, "interrupted", state.stopped)
	s.base.Flight().Append("INFO", "scan finished", "library", library.Slug, "files_processed", state.count, "interrupted", state.stopped)

	// The reap only runs after a complete full walk: a fast scan never
	// proves a file is gone, and an interrupted walk proves nothing at all.
	if fullScan && !state.stopped && s.reaper != nil {
		removed, err := s.reaper.ReapMissingSources(ctx, library)
		if err != nil {
			log.Error("Missing-source reap failed", "error", err)
		} else if removed > 0 {
			log.Info("Reaped assets whose source files are gone", "removed", removed)
		}
	}
	return true
}

// walkDir recurses depth-first through dir, upserting every supported media
// file. Unreadable directories and unstattable entries are logged and
// skipped; a scan should survive anything short of the root vanishing.
func (s *Scanner) walkDir(ctx context.Context, dir, root string, library *types.Library, state *walkState) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.log.Warn("Unreadable directory during scan", "dir", dir, "error", err)
		return
	}
	for _, entry := range entries {
		if s.shouldStop() {
			state.stopped = true
			return
		}
		if entry.Type()&fs.ModeSymlink != 0 {
			continue
		}
		if entry.IsDir() {
			s.walkDir(ctx, filepath.Join(dir, entry.Name()), root, library, state)
			if state.stopped {
				return
			}
			continue
		}
		if !entry.Type().IsRegular() || !media.IsProxyable(entry.Name()) {
			continue
		}

		fullPath := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			s.log.Warn("Failed to stat file during scan", "source_path", fullPath, "error", err)
			continue
		}
		rel, err := filepath.Rel(root, fullPath)
		if err != nil {
			s.log.Warn("Failed to relativize path during scan", "source_path", fullPath, "error", err)
			continue
		}

		asset := &types.Asset{
			LibraryID: library.ID,
			RelPath:   filepath.ToSlash(rel),
			Type:      media.AssetTypeFor(entry.Name()),
			Mtime:     info.ModTime().Round(time.Millisecond),
			Size:      info.Size(),
		}
		if _, err := s.assets.UpsertScanned(ctx, nil, asset); err != nil {
			s.log.Warn("Failed to upsert scanned asset", "rel_path", asset.RelPath, "error", err)
			continue
		}

		state.count++
		if state.count%scanStatsInterval == 0 {
			s.base.PushStats(ctx, map[string]interface{}{"files_processed": state.count})
			s.log.Info("Scan progress", "library", library.Slug, "files_processed", state.count)
			if s.shouldStop() {
				state.stopped = true
				return
			}
		}
	}
}

// shouldStop is checked between directory entries so pause and shutdown
// commands take effect mid-walk instead of after the whole tree.
func (s *Scanner) shouldStop() bool {
	return s.base.ShouldExit() || s.base.Paused()
}
