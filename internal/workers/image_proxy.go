package workers

import (
	"context"
	"fmt"

	"github.com/aperturelabs/mediasearch-backend/internal/media"
	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/repos"
	"github.com/aperturelabs/mediasearch-backend/internal/types"
)

// repairBatchSize pages the repair scan so a million-asset library never
// loads into memory at once.
const repairBatchSize = 500

// ImageProxy claims pending images and renders their proxy and thumbnail
// into the derivative store. Failed assets are picked up again once the
// pending queue drains.
type ImageProxy struct {
	base      *Runner
	assets    repos.AssetRepo
	libraries repos.LibraryRepo
	store     media.Store
	slug      string
	repair    bool
	processed int
	queued    int64
	log       *logger.Logger
}

func NewImageProxy(base *Runner, assets repos.AssetRepo, libraries repos.LibraryRepo, store media.Store, slug string, repair bool) *ImageProxy {
	return &ImageProxy{
		base:      base,
		assets:    assets,
		libraries: libraries,
		store:     store,
		slug:      slug,
		repair:    repair,
		log:       base.Log().With("task", "image_proxy"),
	}
}

// Prepare runs the repair pass when enabled, then samples the pending queue
// depth so progress logs can report "n of m".
func (w *ImageProxy) Prepare(ctx context.Context) error {
	if w.repair {
		if err := w.repairPass(ctx); err != nil {
			return err
		}
	}
	pending, err := w.assets.CountPendingProxyable(ctx, nil, w.slug)
	if err != nil {
		w.log.Warn("Could not sample pending queue depth", "error", err)
		return nil
	}
	w.queued = pending
	return nil
}

// repairPass re-pends any asset that claims to be proxied or later but whose
// derivative files are gone.
func (w *ImageProxy) repairPass(ctx context.Context) error {
	libs, err := librariesInScope(ctx, w.libraries, w.slug)
	if err != nil {
		return fmt.Errorf("resolve repair scope: %w", err)
	}

	checked, reset := 0, 0
	for _, lib := range libs {
		afterID := int64(0)
		for {
			batch, err := w.assets.ListProxiedWithPaths(ctx, nil, lib.ID, types.AssetTypeImage, afterID, repairBatchSize)
			if err != nil {
				return fmt.Errorf("repair page for %s: %w", lib.Slug, err)
			}
			if len(batch) == 0 {
				break
			}
			var broken []int64
			for _, asset := range batch {
				checked++
				if !w.derivativesIntact(asset) {
					broken = append(broken, asset.ID)
				}
			}
			if len(broken) > 0 {
				n, err := w.assets.ResetToPending(ctx, nil, broken)
				if err != nil {
					return fmt.Errorf("repair reset for %s: %w", lib.Slug, err)
				}
				reset += int(n)
			}
			afterID = batch[len(batch)-1].ID
			if len(batch) < repairBatchSize {
				break
			}
		}
	}
	w.log.Info("Repair pass finished", "checked", checked, "reset_to_pending", reset)
	return nil
}

// derivativesIntact reports whether the recorded proxy and thumbnail both
// still exist. A proxied row with a missing path column is broken by
// definition; it cannot be served and must be rebuilt.
func (w *ImageProxy) derivativesIntact(asset *types.Asset) bool {
	if asset.ProxyPath == nil || asset.ThumbnailPath == nil {
		return false
	}
	return w.store.DerivativesExist(*asset.ProxyPath, *asset.ThumbnailPath)
}

// librariesInScope resolves a worker's library pin to the concrete set its
// maintenance passes cover: one library when pinned, all live ones otherwise.
func librariesInScope(ctx context.Context, libraries repos.LibraryRepo, slug string) ([]*types.Library, error) {
	if slug == "" {
		return libraries.List(ctx, nil, false)
	}
	lib, err := libraries.GetBySlug(ctx, nil, slug)
	if err != nil {
		return nil, err
	}
	if lib == nil {
		return nil, fmt.Errorf("library %q not found", slug)
	}
	return []*types.Library{lib}, nil
}

func (w *ImageProxy) ProcessTask(ctx context.Context) bool {
	asset := w.claim(ctx)
	if asset == nil {
		return false
	}
	log := w.log.With("asset_id", asset.ID)

	w.base.SetStats(map[string]interface{}{
		"current_asset_id":       asset.ID,
		"current_asset_rel_path": asset.RelPath,
		"processed_total":        w.processed,
	})
	defer func() {
		w.base.SetStats(map[string]interface{}{"processed_total": w.processed})
	}()

	// Rows requeued by hand can come back with their retry budget already
	// spent; burning ffmpeg-free work on them is fine, looping on them is not.
	if asset.RetryCount > types.RetryLimit {
		w.failAsset(ctx, asset, Permanent("%s", RetryLimitSuffix(asset.RetryCount, types.RetryLimit)))
		return true
	}
	if asset.Library == nil {
		w.failAsset(ctx, asset, fmt.Errorf("claimed asset has no library row"))
		return true
	}

	sourceAbs, err := media.SafeJoin(asset.Library.AbsolutePath, asset.RelPath)
	if err != nil {
		// An escaping rel_path is bad data, not a bad day. No retry fixes it.
		w.failAsset(ctx, asset, Permanent("source path rejected: %v", err))
		return true
	}

	proxyRel, thumbRel, err := w.store.CreateImageDerivatives(sourceAbs, asset.Library.Slug, asset.ID)
	if err != nil {
		w.failAsset(ctx, asset, err)
		return true
	}

	if err := w.assets.SetProxied(ctx, nil, asset.ID, w.base.WorkerID(), repos.ProxyResult{
		ProxyPath:     proxyRel,
		ThumbnailPath: thumbRel,
	}); err != nil {
		log.Error("Failed to record proxied status", "error", err)
		return true
	}
	w.processed++
	log.Info("Proxied image", "library", asset.Library.Slug, "rel_path", asset.RelPath, "processed_total", w.processed, "initial_pending", w.queued)
	return true
}

// claim takes one image asset, preferring fresh pending work and falling
// back to retrying failed rows when the queue is empty.
func (w *ImageProxy) claim(ctx context.Context) *types.Asset {
	for _, status := range []string{types.AssetStatusPending, types.AssetStatusFailed} {
		batch, err := w.assets.ClaimBatch(ctx, nil, repos.ClaimParams{
			WorkerID:    w.base.WorkerID(),
			FromStatus:  status,
			AssetType:   types.AssetTypeImage,
			Limit:       1,
			LibrarySlug: w.slug,
			Global:      w.slug == "",
			AllowedExts: media.ImageExtensions(),
		})
		if err != nil {
			if ctx.Err() == nil {
				w.log.Warn("Failed to claim image asset", "from_status", status, "error", err)
			}
			return nil
		}
		if len(batch) > 0 {
			return batch[0]
		}
	}
	return nil
}

// failAsset records the error and routes the asset to failed or, for
// permanent damage and exhausted retries, poisoned.
func (w *ImageProxy) failAsset(ctx context.Context, asset *types.Asset, taskErr error) {
	status := types.AssetStatusFailed
	if IsPermanent(taskErr) {
		status = types.AssetStatusPoisoned
	}
	msg := taskErr.Error()
	w.log.Error("Image proxy failed", "asset_id", asset.ID, "rel_path", asset.RelPath, "target_status", status, "error", taskErr)
	w.base.Flight().Append("ERROR", "image proxy failed", "asset_id", asset.ID, "target_status", status, "error", msg)
	if err := w.assets.UpdateStatus(ctx, nil, asset.ID, status, w.base.WorkerID(), &msg); err != nil {
		w.log.Error("Failed to record asset failure", "asset_id", asset.ID, "error", err)
	}
}
