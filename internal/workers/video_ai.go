package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"

	"github.com/aperturelabs/mediasearch-backend/internal/media"
	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/repos"
	"github.com/aperturelabs/mediasearch-backend/internal/types"
	"github.com/aperturelabs/mediasearch-backend/internal/video"
	"github.com/aperturelabs/mediasearch-backend/internal/vision"
)

// VideoAI claims proxied videos and runs the vision analyzer over their
// stored scene rep frames instead of a proxy file. Each described scene
// renews the asset lease, so an hour of scenes never outlives the claim.
// Completion folds the per-scene analyses into the asset's own document.
type VideoAI struct {
	base      *Runner
	assets    repos.AssetRepo
	libraries repos.LibraryRepo
	models    repos.AIModelRepo
	meta      repos.SystemMetadataRepo
	scenes    repos.SceneRepo
	indexer   SceneIndexer
	analyzer  vision.Analyzer
	mode      vision.Mode
	slug      string
	repair    bool

	modelID  int64
	targeted bool

	processed int
	log       *logger.Logger
}

func NewVideoAI(base *Runner, assets repos.AssetRepo, libraries repos.LibraryRepo, models repos.AIModelRepo, meta repos.SystemMetadataRepo, scenes repos.SceneRepo, indexer SceneIndexer, analyzer vision.Analyzer, mode vision.Mode, slug string, repair bool) *VideoAI {
	return &VideoAI{
		base:      base,
		assets:    assets,
		libraries: libraries,
		models:    models,
		meta:      meta,
		scenes:    scenes,
		indexer:   indexer,
		analyzer:  analyzer,
		mode:      mode,
		slug:      slug,
		repair:    repair,
		log:       base.Log().With("task", "video_ai", "mode", string(mode)),
	}
}

func (w *VideoAI) Prepare(ctx context.Context) error {
	card := w.analyzer.ModelCard()
	model, err := w.models.Ensure(ctx, nil, card.Name, card.Version)
	if err != nil {
		return fmt.Errorf("register analyzer %s@%s: %w", card.Name, card.Version, err)
	}
	w.modelID = model.ID

	defaultID, err := w.meta.GetDefaultModelID(ctx, nil)
	if err != nil {
		return fmt.Errorf("read default model: %w", err)
	}
	w.targeted = defaultID != nil

	if w.repair {
		if err := resetStaleAnalyses(ctx, w.assets, w.libraries, w.slug, defaultID, w.log); err != nil {
			return fmt.Errorf("repair pass: %w", err)
		}
	}
	return nil
}

func (w *VideoAI) ProcessTask(ctx context.Context) bool {
	asset, fromStatus := w.claim(ctx)
	if asset == nil {
		return false
	}
	log := w.log.With("asset_id", asset.ID)

	w.base.SetStats(map[string]interface{}{
		"current_asset_id":       asset.ID,
		"current_asset_rel_path": asset.RelPath,
		"processed_total":        w.processed,
	})
	defer w.base.ClearStats()

	analyzed, err := w.indexer.RunVisionOnScenes(ctx, video.BackfillRequest{
		AssetID:  asset.ID,
		Analyzer: w.analyzer,
		OnSceneAnalyzed: func() {
			if rerr := w.assets.RenewLease(ctx, nil, asset.ID, w.base.WorkerID(), repos.DefaultLeaseDuration); rerr != nil {
				log.Warn("Lease renewal failed mid-analysis", "error", rerr)
			}
		},
		CheckInterrupt: w.base.ShouldExit,
	})
	if errors.Is(err, video.ErrInterrupted) {
		w.release(ctx, asset, fromStatus)
		return false
	}
	if err != nil {
		w.poison(ctx, asset, err)
		return true
	}

	scenes, err := w.scenes.ListScenes(ctx, nil, asset.ID)
	if err != nil {
		// Scene analyses are persisted; the expired lease will hand the
		// asset back for a cheap re-aggregation.
		log.Error("Failed to list scenes for aggregation", "error", err)
		return true
	}
	doc := aggregateScenes(scenes)
	card := w.analyzer.ModelCard()
	doc.ModelName = card.Name
	doc.ModelVersion = card.Version

	raw, err := json.Marshal(doc)
	if err != nil {
		w.poison(ctx, asset, fmt.Errorf("encode analysis document: %w", err))
		return true
	}
	newStatus := types.AssetStatusAnalyzedLight
	if w.mode == vision.ModeFull {
		newStatus = types.AssetStatusCompleted
	}
	if err := w.assets.SetAnalysis(ctx, nil, asset.ID, w.base.WorkerID(), datatypes.JSON(raw), w.modelID, newStatus); err != nil {
		log.Error("Failed to record analysis", "error", err)
		return true
	}
	w.processed++
	log.Info("Analyzed video scenes", "rel_path", asset.RelPath, "scenes_analyzed", analyzed, "scenes_total", len(scenes), "new_status", newStatus, "processed_total", w.processed)
	return true
}

// claim takes one video asset. Light mode only sees proxied rows; full mode
// prefers finishing half-analyzed rows before opening fresh ones.
func (w *VideoAI) claim(ctx context.Context) (*types.Asset, string) {
	statuses := []string{types.AssetStatusProxied}
	if w.mode == vision.ModeFull {
		statuses = []string{types.AssetStatusAnalyzedLight, types.AssetStatusProxied}
	}
	params := repos.ClaimParams{
		WorkerID:    w.base.WorkerID(),
		AssetType:   types.AssetTypeVideo,
		Limit:       1,
		LibrarySlug: w.slug,
		Global:      w.slug == "",
		AllowedExts: media.VideoExtensions(),
	}
	if w.targeted {
		params.TargetModelID = &w.modelID
	}
	for _, status := range statuses {
		params.FromStatus = status
		batch, err := w.assets.ClaimBatch(ctx, nil, params)
		if err != nil {
			if ctx.Err() == nil {
				w.log.Warn("Failed to claim video asset for analysis", "from_status", status, "error", err)
			}
			return nil, ""
		}
		if len(batch) > 0 {
			return batch[0], status
		}
	}
	return nil, ""
}

func (w *VideoAI) release(ctx context.Context, asset *types.Asset, fromStatus string) {
	if err := w.assets.UpdateStatus(ctx, nil, asset.ID, fromStatus, w.base.WorkerID(), nil); err != nil {
		w.log.Error("Failed to release claim on shutdown", "asset_id", asset.ID, "error", err)
		return
	}
	// Scene analyses written so far are persisted; the next claim resumes
	// with the remaining description-less scenes.
	w.log.Info("Scene analysis interrupted by shutdown, claim released", "asset_id", asset.ID)
	w.base.Flight().Append("INFO", "scene analysis interrupted, claim released", "asset_id", asset.ID)
}

// poison routes an analysis failure straight to poisoned, matching the image
// analyzer's verdict: the rep frames are local and deterministic, a retry
// reads the same bytes.
func (w *VideoAI) poison(ctx context.Context, asset *types.Asset, taskErr error) {
	msg := taskErr.Error()
	w.log.Error("Video analysis failed", "asset_id", asset.ID, "rel_path", asset.RelPath, "error", taskErr)
	w.base.Flight().Append("ERROR", "video analysis failed", "asset_id", asset.ID, "error", msg)
	if err := w.assets.UpdateStatus(ctx, nil, asset.ID, types.AssetStatusPoisoned, w.base.WorkerID(), &msg); err != nil {
		w.log.Error("Failed to record poisoned status", "asset_id", asset.ID, "error", err)
	}
}

// aggregateScenes folds per-scene analyses into one asset-level document:
// the first described scene supplies the description, tags are unioned in
// scene order, and distinct OCR reads are concatenated.
func aggregateScenes(scenes []*types.VideoScene) *vision.VisualAnalysis {
	doc := &vision.VisualAnalysis{Tags: []string{}}
	var tags []string
	var ocr []string
	seenOCR := map[string]bool{}
	for _, sc := range scenes {
		if doc.Description == "" && sc.Description != nil && *sc.Description != "" {
			doc.Description = *sc.Description
		}
		meta, ok := video.SceneAnalysis(sc.Metadata)
		if !ok {
			continue
		}
		tags = append(tags, meta.Tags...)
		if meta.OCRText != "" && !seenOCR[meta.OCRText] {
			seenOCR[meta.OCRText] = true
			ocr = append(ocr, meta.OCRText)
		}
	}
	doc.Tags = vision.NormalizeTags(tags)
	doc.OCRText = strings.Join(ocr, "\n")
	return doc
}
