package workers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aperturelabs/mediasearch-backend/internal/media"
	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/repos"
	"github.com/aperturelabs/mediasearch-backend/internal/types"
	"github.com/aperturelabs/mediasearch-backend/internal/video"
)

const (
	headClipSeconds = 10.0

	// truncationSlackSec is how far the last decoded pts may trail the
	// container duration before the run counts as truncated. The forced
	// scene close at EOF would otherwise hide a decoder that quit early.
	truncationSlackSec = 5.0

	// transcodeLogStep throttles transcode progress logging to 5% deltas.
	transcodeLogStep = 0.05
)

// poisonSignatures mark failures no retry will cure even though they arrive
// as plain errors from deeper layers.
var poisonSignatures = []string{
	"No frames produced by decoder",
	"ffprobe returned no stream",
}

// SceneIndexer is the slice of the scene pipeline the video workers drive.
// Satisfied by *video.Indexer.
type SceneIndexer interface {
	Run(ctx context.Context, req video.IndexRequest) (video.IndexSummary, error)
	RunVisionOnScenes(ctx context.Context, req video.BackfillRequest) (int, error)
}

// VideoProxy claims pending videos and runs the disposable 720p pipeline:
// transcode to the tmp area, poster thumbnail, head clip, scene indexing.
// The transcode is an intermediate and is always unlinked; only its
// derivatives survive.
type VideoProxy struct {
	base      *Runner
	assets    repos.AssetRepo
	libraries repos.LibraryRepo
	scenes    repos.SceneRepo
	store     media.Store
	tools     video.Tools
	indexer   SceneIndexer
	slug      string
	repair    bool
	processed int
	queued    int64
	log       *logger.Logger
}

func NewVideoProxy(
	base *Runner,
	assets repos.AssetRepo,
	libraries repos.LibraryRepo,
	scenes repos.SceneRepo,
	store media.Store,
	tools video.Tools,
	indexer SceneIndexer,
	slug string,
	repair bool,
) *VideoProxy {
	return &VideoProxy{
		base:      base,
		assets:    assets,
		libraries: libraries,
		scenes:    scenes,
		store:     store,
		tools:     tools,
		indexer:   indexer,
		slug:      slug,
		repair:    repair,
		log:       base.Log().With("task", "video_proxy"),
	}
}

// Prepare verifies ffmpeg is reachable, invalidates scene indexes built
// under older segmenter thresholds, and runs the derivative repair pass when
// enabled. Any failure stops the worker before it claims an asset.
func (w *VideoProxy) Prepare(ctx context.Context) error {
	if err := w.tools.AssertReady(ctx); err != nil {
		return err
	}
	if err := w.invalidateStaleSegmentation(ctx); err != nil {
		return fmt.Errorf("segmentation sweep: %w", err)
	}
	if w.repair {
		if err := w.repairPass(ctx); err != nil {
			return fmt.Errorf("repair pass: %w", err)
		}
	}
	if pending, err := w.assets.CountPendingProxyable(ctx, nil, w.slug); err != nil {
		w.log.Warn("Could not sample pending queue depth", "error", err)
	} else {
		w.queued = pending
	}
	return nil
}

// invalidateStaleSegmentation clears the scene index of every video whose
// persisted segmentation version differs from the compiled one and sends it
// back to pending for re-segmentation under the current thresholds.
func (w *VideoProxy) invalidateStaleSegmentation(ctx context.Context) error {
	libs, err := librariesInScope(ctx, w.libraries, w.slug)
	if err != nil {
		return err
	}
	current := video.SegmentationVersion()
	invalidated := 0
	for _, lib := range libs {
		for {
			// Invalidation nulls the version column, so each page re-queries
			// from the start and the loop drains to empty.
			batch, err := w.assets.ListVideosWithStaleSegmentation(ctx, nil, lib.ID, current, 0, repairBatchSize)
			if err != nil {
				return err
			}
			if len(batch) == 0 {
				break
			}
			for _, asset := range batch {
				if _, err := w.scenes.DeleteByAsset(ctx, nil, asset.ID); err != nil {
					return fmt.Errorf("clear scenes for asset %d: %w", asset.ID, err)
				}
				if err := w.store.RemoveSceneArtifacts(lib.Slug, asset.ID); err != nil {
					w.log.Warn("Failed to remove scene artifacts", "asset_id", asset.ID, "error", err)
				}
				if err := w.assets.InvalidateSceneIndex(ctx, nil, asset.ID); err != nil {
					return fmt.Errorf("invalidate asset %d: %w", asset.ID, err)
				}
				invalidated++
			}
		}
	}
	if invalidated > 0 {
		w.log.Info("Invalidated scene indexes built under older thresholds",
			"segmentation_version", current, "assets", invalidated)
	}
	return nil
}

// repairPass resets videos whose thumbnail or head clip is missing back to
// pending. The scene index is left alone; the pipeline resumes it.
func (w *VideoProxy) repairPass(ctx context.Context) error {
	libs, err := librariesInScope(ctx, w.libraries, w.slug)
	if err != nil {
		return err
	}
	checked, reset := 0, 0
	for _, lib := range libs {
		afterID := int64(0)
		for {
			batch, err := w.assets.ListProxiedWithPaths(ctx, nil, lib.ID, types.AssetTypeVideo, afterID, repairBatchSize)
			if err != nil {
				return fmt.Errorf("repair page for %s: %w", lib.Slug, err)
			}
			if len(batch) == 0 {
				break
			}
			var broken []int64
			for _, asset := range batch {
				checked++
				if !w.videoDerivativesIntact(asset) {
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

// videoDerivativesIntact reports whether the poster thumbnail and head clip
// both still exist. Videos store no proxy file, so those two are the whole
// contract; the animated preview is optional and never forces a rebuild.
func (w *VideoProxy) videoDerivativesIntact(asset *types.Asset) bool {
	if asset.ThumbnailPath == nil || asset.VideoPreviewPath == nil {
		return false
	}
	return w.store.DerivativesExist(*asset.ThumbnailPath, *asset.VideoPreviewPath)
}

func (w *VideoProxy) ProcessTask(ctx context.Context) bool {
	asset := w.claim(ctx)
	if asset == nil {
		return false
	}
	log := w.log.With("asset_id", asset.ID)
	log.Info("Starting video proxy pipeline", "rel_path", asset.RelPath)
	defer w.base.ClearStats()

	requeued, err := w.runPipeline(ctx, asset, log)
	if requeued {
		return false
	}
	if err != nil {
		w.failAsset(ctx, asset, err, log)
		return true
	}
	w.processed++
	log.Info("Proxied video", "rel_path", asset.RelPath, "processed_total", w.processed, "initial_pending", w.queued)
	return true
}

// runPipeline executes the staged pipeline for one claimed asset. requeued
// is true when scene indexing was interrupted by shutdown and the asset went
// back to pending without a verdict.
func (w *VideoProxy) runPipeline(ctx context.Context, asset *types.Asset, log *logger.Logger) (requeued bool, err error) {
	// Rows requeued by hand can come back with their retry budget already
	// spent; refusing them here keeps a broken file from looping forever.
	if asset.RetryCount > types.RetryLimit {
		return false, Permanent("%s", RetryLimitSuffix(asset.RetryCount, types.RetryLimit))
	}
	if asset.Library == nil {
		return false, fmt.Errorf("claimed asset has no library row")
	}
	slug := asset.Library.Slug

	sourceAbs, err := media.SafeJoin(asset.Library.AbsolutePath, asset.RelPath)
	if err != nil {
		return false, Permanent("source path rejected: %v", err)
	}

	tempPath := w.store.NewTempPath(".mp4")
	defer func() {
		if rmErr := os.Remove(tempPath); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warn("Failed to unlink temp transcode", "path", tempPath, "error", rmErr)
		}
	}()

	w.setStage(asset, "transcode", 0)
	log.Info("Starting 720p transcode", "source", sourceAbs)
	duration, durationKnown := w.tools.ProbeDuration(ctx, sourceAbs)
	opts := video.TranscodeOptions{}
	if durationKnown {
		opts.Duration = duration
		lastLogged := -1.0
		opts.OnProgress = func(fraction float64) {
			w.setStage(asset, "transcode", fraction*100)
			if lastLogged < 0 || fraction-lastLogged >= transcodeLogStep {
				lastLogged = fraction
				log.Info(fmt.Sprintf("[asset %d] %d%% complete (720p transcode)", asset.ID, int(fraction*100)))
			}
		}
	}
	attempts := w.tools.TranscodeTo720p(ctx, sourceAbs, tempPath, opts)
	if len(attempts) == 0 || !attempts[len(attempts)-1].OK() {
		return false, Permanent("%s", video.FormatAttempts("720p transcode failed", attempts))
	}

	w.setStage(asset, "thumbnail", 0)
	log.Info("Extracting thumbnail at t=0.0s", "temp", tempPath)
	framePath := w.store.NewTempPath(".jpg")
	defer os.Remove(framePath)
	if a := w.tools.ExtractFrame(ctx, tempPath, framePath, 0); !a.OK() {
		return false, fmt.Errorf("%s", video.FormatAttempt("FFmpeg frame extraction failed", a))
	}
	frame, err := os.ReadFile(framePath)
	if err != nil {
		return false, fmt.Errorf("read extracted frame: %w", err)
	}
	thumbRel, err := w.store.CreateThumbnailFromFrame(frame, slug, asset.ID)
	if err != nil {
		return false, err
	}

	w.setStage(asset, "head_clip", 0)
	log.Info("Extracting 10s head clip", "temp", tempPath)
	headRel := media.HeadClipRelPath(slug, asset.ID)
	headTemp := w.store.NewTempPath(".mp4")
	if a := w.tools.ExtractHeadClip(ctx, tempPath, headTemp, headClipSeconds); !a.OK() {
		_ = os.Remove(headTemp)
		return false, fmt.Errorf("%s", video.FormatAttempt("Head-clip copy failed", a))
	}
	if err := w.store.PromoteTempFile(headTemp, headRel); err != nil {
		return false, err
	}

	w.setStage(asset, "scenes", 0)
	log.Info("Running scene indexing", "temp", tempPath)
	summary, err := w.indexer.Run(ctx, video.IndexRequest{
		AssetID:     asset.ID,
		LibrarySlug: slug,
		SourcePath:  tempPath,
		OnSceneClosed: func() {
			if rerr := w.assets.RenewLease(ctx, nil, asset.ID, w.base.WorkerID(), repos.DefaultLeaseDuration); rerr != nil {
				log.Warn("Lease renewal failed", "error", rerr)
			}
		},
		CheckInterrupt: w.base.ShouldExit,
	})
	if err != nil {
		if errors.Is(err, video.ErrInterrupted) {
			w.release(ctx, asset, log)
			return true, nil
		}
		return false, err
	}
	if summary.Duration > 0 && summary.Duration-summary.LastPTS > truncationSlackSec {
		return false, fmt.Errorf(
			"scene indexing stopped %.1fs short of the container duration (decoded to %.1fs of %.1fs)",
			summary.Duration-summary.LastPTS, summary.LastPTS, summary.Duration)
	}
	log.Info("Scene indexing finished",
		"scenes_saved", summary.ScenesSaved, "frames_seen", summary.FramesSeen, "last_pts", summary.LastPTS)

	headRelCopy := headRel
	segVersion := video.SegmentationVersion()
	result := repos.ProxyResult{
		ThumbnailPath:       thumbRel,
		VideoPreviewPath:    &headRelCopy,
		SegmentationVersion: &segVersion,
	}
	if previewRel, ok := w.buildPreview(ctx, asset.ID, slug, log); ok {
		result.PreviewPath = &previewRel
	}
	if err := w.assets.SetProxied(ctx, nil, asset.ID, w.base.WorkerID(), result); err != nil {
		return false, fmt.Errorf("record proxied: %w", err)
	}
	return false, nil
}

// buildPreview assembles the animated scene preview from the persisted rep
// frames. Best-effort: a video with a thumbnail and head clip is servable
// without it, so failure is logged and the pipeline completes.
func (w *VideoProxy) buildPreview(ctx context.Context, assetID int64, slug string, log *logger.Logger) (string, bool) {
	scenes, err := w.scenes.ListScenes(ctx, nil, assetID)
	if err != nil {
		log.Warn("Failed to list scenes for animated preview", "error", err)
		return "", false
	}
	if len(scenes) == 0 {
		return "", false
	}
	framePaths := make([]string, 0, len(scenes))
	for _, scene := range scenes {
		framePaths = append(framePaths, w.store.AbsPath(scene.RepFramePath))
	}
	previewRel := media.AnimatedPreviewRelPath(slug, assetID)
	if err := w.tools.BuildAnimatedPreview(ctx, framePaths, w.store.AbsPath(previewRel)); err != nil {
		log.Warn("Failed to build animated preview", "error", err)
		return "", false
	}
	return previewRel, true
}

// release hands an interrupted asset back to the queue without charging a
// retry. Scenes persisted so far survive; the next run resumes after them.
func (w *VideoProxy) release(ctx context.Context, asset *types.Asset, log *logger.Logger) {
	if err := w.assets.UpdateStatus(ctx, nil, asset.ID, types.AssetStatusPending, w.base.WorkerID(), nil); err != nil {
		log.Error("Failed to release interrupted asset", "error", err)
		return
	}
	log.Info("Scene indexing interrupted by shutdown, claim released", "rel_path", asset.RelPath)
	w.base.Flight().Append("INFO", "pipeline interrupted, claim released", "asset_id", asset.ID)
}

// claim takes one video asset, preferring fresh pending work and falling
// back to retrying failed rows when the queue is empty.
func (w *VideoProxy) claim(ctx context.Context) *types.Asset {
	for _, status := range []string{types.AssetStatusPending, types.AssetStatusFailed} {
		batch, err := w.assets.ClaimBatch(ctx, nil, repos.ClaimParams{
			WorkerID:    w.base.WorkerID(),
			FromStatus:  status,
			AssetType:   types.AssetTypeVideo,
			Limit:       1,
			LibrarySlug: w.slug,
			Global:      w.slug == "",
			AllowedExts: media.VideoExtensions(),
		})
		if err != nil {
			if ctx.Err() == nil {
				w.log.Warn("Failed to claim video asset", "from_status", status, "error", err)
			}
			return nil
		}
		if len(batch) > 0 {
			return batch[0]
		}
	}
	return nil
}

// failAsset classifies the pipeline error and records the verdict. Permanent
// damage and the known no-retry signatures poison immediately; everything
// else burns a retry, converting to poisoned with the retry-limit text
// appended once the budget is gone.
func (w *VideoProxy) failAsset(ctx context.Context, asset *types.Asset, taskErr error, log *logger.Logger) {
	msg := taskErr.Error()
	status := types.AssetStatusFailed
	switch {
	case IsPermanent(taskErr) || hasPoisonSignature(msg):
		status = types.AssetStatusPoisoned
	case asset.RetryCount > types.RetryLimit:
		status = types.AssetStatusPoisoned
		msg = msg + "\n\n" + RetryLimitSuffix(asset.RetryCount, types.RetryLimit)
	}
	log.Error("Video proxy failed", "rel_path", asset.RelPath, "target_status", status, "error", taskErr)
	w.base.Flight().Append("ERROR", "video proxy failed", "asset_id", asset.ID, "target_status", status)
	if err := w.assets.UpdateStatus(ctx, nil, asset.ID, status, w.base.WorkerID(), &msg); err != nil {
		log.Error("Failed to record asset failure", "error", err)
	}
}

func hasPoisonSignature(msg string) bool {
	for _, sig := range poisonSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// setStage mirrors pipeline progress into heartbeat stats so the fleet view
// can tell a 2% transcode from a stuck one.
func (w *VideoProxy) setStage(asset *types.Asset, stage string, progress float64) {
	w.base.SetStats(map[string]interface{}{
		"current_asset_id":       asset.ID,
		"current_asset_rel_path": asset.RelPath,
		"current_stage":          stage,
		"current_stage_progress": progress,
	})
}
