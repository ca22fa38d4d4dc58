package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aperturelabs/mediasearch-backend/internal/media"
	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/repos"
	"github.com/aperturelabs/mediasearch-backend/internal/types"
)

// Maintenance ages. Temp files younger than MaxTempFileAge may belong to an
// in-flight transcode, and data-dir files younger than DataDirMinFileAge may
// be derivatives whose database row has not committed yet.
const (
	StaleWorkerMaxAge = 24 * time.Hour
	MaxTempFileAge    = 4 * time.Hour
	DataDirMinFileAge = 15 * time.Minute

	reapBatchSize = 500
)

// MaintenanceService keeps the queue and the data dir healthy: it prunes dead
// worker rows, hands expired leases back to the queue, sweeps stale temp
// files, and removes derivative files no database row references any more.
// The Preview variants report what a sweep would delete without touching
// anything.
type MaintenanceService interface {
	RunAll(ctx context.Context, librarySlug string) error
	PruneStaleWorkers(ctx context.Context, maxAge time.Duration) (int64, error)
	ReclaimStaleLeases(ctx context.Context, librarySlug string) (int64, error)
	CleanupTempDir(ctx context.Context, maxAge time.Duration, librarySlug string) (int, error)
	PreviewTempCleanup(maxAge time.Duration, librarySlug string) (int, int64)
	CleanupDataDir(ctx context.Context, minFileAge time.Duration) (int, error)
	PreviewDataDirCleanup(ctx context.Context, minFileAge time.Duration) (int, int64, error)
	ReapMissingSources(ctx context.Context, library *types.Library) (int64, error)
	ReapOrphanedAssets(ctx context.Context) (int64, error)
}

type maintenanceService struct {
	assets    repos.AssetRepo
	workers   repos.WorkerRepo
	libraries repos.LibraryRepo
	scenes    repos.SceneRepo
	store     media.Store
	// hostname scopes the transcode gate to this machine; tmp files are
	// local, so only local transcodes can hold them.
	hostname string
	log      *logger.Logger
}

func NewMaintenanceService(assets repos.AssetRepo, workers repos.WorkerRepo, libraries repos.LibraryRepo, scenes repos.SceneRepo, store media.Store, hostname string, baseLog *logger.Logger) MaintenanceService {
	return &maintenanceService{
		assets:    assets,
		workers:   workers,
		libraries: libraries,
		scenes:    scenes,
		store:     store,
		hostname:  hostname,
		log:       baseLog.With("service", "maintenance"),
	}
}

// RunAll executes one maintenance pass in fixed order: stale worker rows,
// expired leases, temp files. An empty librarySlug covers every library.
func (s *maintenanceService) RunAll(ctx context.Context, librarySlug string) error {
	pruned, err := s.PruneStaleWorkers(ctx, 0)
	if err != nil {
		return fmt.Errorf("prune stale workers: %w", err)
	}
	reclaimed, err := s.ReclaimStaleLeases(ctx, librarySlug)
	if err != nil {
		return fmt.Errorf("reclaim stale leases: %w", err)
	}
	removed, err := s.CleanupTempDir(ctx, 0, librarySlug)
	if err != nil {
		return fmt.Errorf("cleanup temp dir: %w", err)
	}
	s.log.Info("Maintenance pass finished",
		"workers_pruned", pruned,
		"leases_reclaimed", reclaimed,
		"temp_files_removed", removed)
	return nil
}

// PruneStaleWorkers deletes worker rows whose last heartbeat is older than
// maxAge. Non-positive maxAge uses StaleWorkerMaxAge.
func (s *maintenanceService) PruneStaleWorkers(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		maxAge = StaleWorkerMaxAge
	}
	n, err := s.workers.PruneStale(ctx, nil, maxAge)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("Pruned stale worker rows", "count", n)
	}
	return n, nil
}

// ReclaimStaleLeases hands assets stuck in processing under an expired lease
// back to the queue stage their artifacts support. An empty librarySlug
// reclaims across all libraries.
func (s *maintenanceService) ReclaimStaleLeases(ctx context.Context, librarySlug string) (int64, error) {
	n, err := s.assets.ReclaimStaleLeases(ctx, nil, librarySlug)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("Reclaimed expired leases", "count", n)
	}
	return n, nil
}

// CleanupTempDir deletes temp files older than maxAge and prunes the empty
// directories left behind. The sweep is skipped while a worker on this host
// is mid-transcode, since its staging file lives in tmp and can look stale.
// Non-positive maxAge uses MaxTempFileAge.
func (s *maintenanceService) CleanupTempDir(ctx context.Context, maxAge time.Duration, librarySlug string) (int, error) {
	if maxAge <= 0 {
		maxAge = MaxTempFileAge
	}
	if s.hostname != "" {
		busy, err := s.workers.HasActiveLocalTranscodes(ctx, nil, s.hostname)
		if err != nil {
			return 0, fmt.Errorf("check local transcodes: %w", err)
		}
		if busy {
			s.log.Info("Active local transcode detected. Skipping 'tmp' directory cleanup for safety.")
			return 0, nil
		}
	}
	removed, _ := s.sweepTempDir(s.tempRoot(librarySlug), time.Now().Add(-maxAge), true)
	if removed > 0 {
		s.log.Info("Removed stale temp files", "count", removed)
	}
	return removed, nil
}

// PreviewTempCleanup reports what CleanupTempDir would delete.
func (s *maintenanceService) PreviewTempCleanup(maxAge time.Duration, librarySlug string) (int, int64) {
	if maxAge <= 0 {
		maxAge = MaxTempFileAge
	}
	return s.sweepTempDir(s.tempRoot(librarySlug), time.Now().Add(-maxAge), false)
}

func (s *maintenanceService) tempRoot(librarySlug string) string {
	root := s.store.TempDir()
	if librarySlug != "" {
		root = filepath.Join(root, librarySlug)
	}
	return root
}

// sweepTempDir walks one temp tree counting files older than cutoff. When
// remove is set the files are unlinked as found and empty directories pruned
// afterwards. Symlinks are never followed, and per-entry failures are logged
// rather than aborting the sweep.
func (s *maintenanceService) sweepTempDir(root string, cutoff time.Time, remove bool) (int, int64) {
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return 0, 0
	}
	var (
		files int
		bytes int64
		dirs  []string
	)
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			s.log.Warn("Temp sweep cannot read entry", "path", p, "error", err)
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if d.IsDir() {
			if p != root {
				dirs = append(dirs, p)
			}
			return nil
		}
		fi, err := d.Info()
		if err != nil || !fi.ModTime().Before(cutoff) {
			return nil
		}
		if remove {
			if err := os.Remove(p); err != nil {
				s.log.Warn("Failed to remove temp file", "path", p, "error", err)
				return nil
			}
		}
		files++
		bytes += fi.Size()
		return nil
	})
	if remove {
		s.pruneEmptyDirs(dirs)
	}
	return files, bytes
}

// CleanupDataDir deletes derivative files no asset or scene row references
// any more. Non-positive minFileAge uses DataDirMinFileAge.
func (s *maintenanceService) CleanupDataDir(ctx context.Context, minFileAge time.Duration) (int, error) {
	removed, _, err := s.sweepDataDir(ctx, minFileAge, true)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.Info("Removed orphan derivatives", "count", removed)
	}
	return removed, nil
}

// PreviewDataDirCleanup reports what CleanupDataDir would delete.
func (s *maintenanceService) PreviewDataDirCleanup(ctx context.Context, minFileAge time.Duration) (int, int64, error) {
	return s.sweepDataDir(ctx, minFileAge, false)
}

func (s *maintenanceService) sweepDataDir(ctx context.Context, minFileAge time.Duration, remove bool) (int, int64, error) {
	if minFileAge <= 0 {
		minFileAge = DataDirMinFileAge
	}
	expected, err := s.expectedDerivatives(ctx)
	if err != nil {
		return 0, 0, err
	}
	libs, err := s.libraries.List(ctx, nil, false)
	if err != nil {
		return 0, 0, fmt.Errorf("list libraries: %w", err)
	}
	var (
		cutoff  = time.Now().Add(-minFileAge)
		dataDir = s.store.DataDir()
		files   int
		bytes   int64
		dirs    []string
	)
	for _, lib := range libs {
		for _, rel := range media.DerivativeRoots(lib.Slug) {
			root := filepath.Join(dataDir, filepath.FromSlash(rel))
			_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					if !errors.Is(err, fs.ErrNotExist) {
						s.log.Warn("Data sweep cannot read entry", "path", p, "error", err)
					}
					return nil
				}
				if d.Type()&fs.ModeSymlink != 0 {
					return nil
				}
				if d.IsDir() {
					if p != root {
						dirs = append(dirs, p)
					}
					return nil
				}
				relPath, err := filepath.Rel(dataDir, p)
				if err != nil {
					return nil
				}
				if _, ok := expected[filepath.ToSlash(relPath)]; ok {
					return nil
				}
				fi, err := d.Info()
				if err != nil || !fi.ModTime().Before(cutoff) {
					return nil
				}
				if remove {
					if err := os.Remove(p); err != nil {
						s.log.Warn("Failed to remove orphan derivative", "path", p, "error", err)
						return nil
					}
				}
				files++
				bytes += fi.Size()
				return nil
			})
		}
	}
	if remove {
		s.pruneEmptyDirs(dirs)
	}
	return files, bytes, nil
}

// expectedDerivatives is the set of data-dir-relative paths the database
// still references: asset proxy, thumbnail and preview columns plus every
// scene representative frame. Files of trashed libraries are deliberately
// absent, so the sweep ages them out along with true orphans.
func (s *maintenanceService) expectedDerivatives(ctx context.Context) (map[string]struct{}, error) {
	rels, err := s.assets.ListAllDerivativePaths(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list derivative paths: %w", err)
	}
	frames, err := s.scenes.ListAllRepFramePaths(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list rep frame paths: %w", err)
	}
	expected := make(map[string]struct{}, len(rels)+len(frames))
	for _, rel := range rels {
		expected[path.Clean(rel)] = struct{}{}
	}
	for _, rel := range frames {
		expected[path.Clean(rel)] = struct{}{}
	}
	return expected, nil
}

// pruneEmptyDirs removes now-empty directories deepest first, so a chain of
// empty parents collapses in one pass.
func (s *maintenanceService) pruneEmptyDirs(dirs []string) {
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(filepath.Separator)) > strings.Count(dirs[j], string(filepath.Separator))
	})
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
			s.log.Warn("Failed to prune empty directory", "path", dir, "error", err)
		}
	}
}

// ReapMissingSources drops assets whose source file has vanished from the
// library tree, deleting their scene rows and derivative files with them.
// Only a confirmed missing file counts: stat errors such as permission
// failures leave the row alone rather than destroying index state over a
// flaky mount.
func (s *maintenanceService) ReapMissingSources(ctx context.Context, library *types.Library) (int64, error) {
	var total, afterID int64
	for {
		batch, err := s.assets.ListByLibraryBatch(ctx, nil, library.ID, afterID, reapBatchSize)
		if err != nil {
			return total, fmt.Errorf("list assets for reap: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}
		afterID = batch[len(batch)-1].ID
		var gone []*types.Asset
		for _, asset := range batch {
			sourceAbs, err := media.SafeJoin(library.AbsolutePath, asset.RelPath)
			if err != nil {
				s.log.Warn("Asset path escapes its library, skipping reap", "asset_id", asset.ID, "rel_path", asset.RelPath)
				continue
			}
			if _, err := os.Stat(sourceAbs); errors.Is(err, fs.ErrNotExist) {
				gone = append(gone, asset)
			}
		}
		if len(gone) > 0 {
			deleted, err := s.reapBatch(ctx, library, gone)
			if err != nil {
				return total, err
			}
			total += deleted
		}
		if len(batch) < reapBatchSize {
			return total, nil
		}
	}
}

// reapBatch removes one batch of confirmed-missing assets. Scene rows go
// first so a crash between the two deletes leaves nothing referencing them,
// then the asset rows, then the files.
func (s *maintenanceService) reapBatch(ctx context.Context, library *types.Library, gone []*types.Asset) (int64, error) {
	ids := make([]int64, 0, len(gone))
	var derivatives []string
	for _, asset := range gone {
		ids = append(ids, asset.ID)
		for _, rel := range []*string{asset.ProxyPath, asset.ThumbnailPath, asset.PreviewPath, asset.VideoPreviewPath} {
			if rel != nil {
				derivatives = append(derivatives, *rel)
			}
		}
		if asset.Type == types.AssetTypeVideo {
			if _, err := s.scenes.DeleteByAsset(ctx, nil, asset.ID); err != nil {
				return 0, fmt.Errorf("delete scenes for asset %d: %w", asset.ID, err)
			}
			if err := s.store.RemoveSceneArtifacts(library.Slug, asset.ID); err != nil {
				s.log.Warn("Failed to remove scene artifacts", "asset_id", asset.ID, "error", err)
			}
		}
	}
	deleted, err := s.assets.DeleteByIDs(ctx, nil, ids)
	if err != nil {
		return 0, fmt.Errorf("delete reaped assets: %w", err)
	}
	s.store.RemoveDerivatives(derivatives...)
	s.log.Info("Reaped assets with missing sources", "library", library.Slug, "count", deleted)
	return deleted, nil
}

// ReapOrphanedAssets deletes asset rows whose library row no longer exists.
// The foreign key keeps new databases clean; this repairs ones migrated
// from before it was added.
func (s *maintenanceService) ReapOrphanedAssets(ctx context.Context) (int64, error) {
	ids, err := s.libraries.GetOrphanedLibraryIDs(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("scan for orphans: %w", err)
	}
	var total int64
	for _, id := range ids {
		n, err := s.libraries.DeleteOrphanedAssetsForLibrary(ctx, nil, id)
		total += n
		if err != nil {
			return total, fmt.Errorf("reap orphans for library id %d: %w", id, err)
		}
	}
	if total > 0 {
		s.log.Info("Reaped orphaned assets", "libraries", len(ids), "assets", total)
	}
	return total, nil
}
