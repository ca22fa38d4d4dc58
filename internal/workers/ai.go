package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/aperturelabs/mediasearch-backend/internal/media"
	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/repos"
	"github.com/aperturelabs/mediasearch-backend/internal/types"
	"github.com/aperturelabs/mediasearch-backend/internal/vision"
)

// AI claims proxied images and runs the vision analyzer over their local
// proxies. In light mode it produces the initial description, tags, and OCR
// read and lands assets in analyzed_light; in full mode it refines OCR into
// the existing document and lands them in completed. A full-mode worker also
// drains proxied rows once the analyzed_light queue is empty, running both
// passes back to back so a deployment without dedicated light workers still
// finishes assets.
type AI struct {
	base      *Runner
	assets    repos.AssetRepo
	libraries repos.LibraryRepo
	models    repos.AIModelRepo
	meta      repos.SystemMetadataRepo
	workers   repos.WorkerRepo
	store     media.Store
	analyzer  vision.Analyzer
	mode      vision.Mode
	slug      string
	repair    bool
	batch     int

	// Set during Prepare: the aimodel row for the analyzer's card, and
	// whether claims should be restricted to libraries targeting it.
	modelID  int64
	targeted bool

	processed int
	log       *logger.Logger
}

func NewAI(base *Runner, assets repos.AssetRepo, libraries repos.LibraryRepo, models repos.AIModelRepo, meta repos.SystemMetadataRepo, workerFleet repos.WorkerRepo, store media.Store, analyzer vision.Analyzer, mode vision.Mode, slug string, repair bool, batch int) *AI {
	if batch <= 0 {
		batch = 1
	}
	return &AI{
		base:      base,
		assets:    assets,
		libraries: libraries,
		models:    models,
		meta:      meta,
		workers:   workerFleet,
		store:     store,
		analyzer:  analyzer,
		mode:      mode,
		slug:      slug,
		repair:    repair,
		batch:     batch,
		log:       base.Log().With("task", "ai", "mode", string(mode)),
	}
}

// Prepare registers the analyzer's model card, resolves whether claims are
// model-targeted, and runs the repair pass when enabled. Targeting only means
// anything once an operator has picked a fleet default; before that every
// analyzer takes whatever work exists.
func (w *AI) Prepare(ctx context.Context) error {
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

// resetStaleAnalyses is the shared AI repair pass: assets whose stamped
// analysis model no longer matches their library's effective target go back
// to proxied, so they are re-claimed and re-analyzed.
func resetStaleAnalyses(ctx context.Context, assets repos.AssetRepo, libraries repos.LibraryRepo, slug string, defaultID *int64, log *logger.Logger) error {
	if defaultID == nil {
		log.Warn("Repair requested but no system default model is set, skipping")
		return nil
	}
	libs, err := librariesInScope(ctx, libraries, slug)
	if err != nil {
		return fmt.Errorf("resolve repair scope: %w", err)
	}
	var total int64
	for _, lib := range libs {
		effective, err := libraries.GetEffectiveModelID(ctx, nil, lib.ID)
		if err != nil {
			return fmt.Errorf("effective model for %s: %w", lib.Slug, err)
		}
		if effective == nil {
			continue
		}
		n, err := assets.ResetStaleModelAssets(ctx, nil, lib.ID, *effective)
		if err != nil {
			return fmt.Errorf("reset stale analyses for %s: %w", lib.Slug, err)
		}
		total += n
	}
	log.Info("AI repair: set assets to proxied for re-analysis", "count", total)
	return nil
}

func (w *AI) ProcessTask(ctx context.Context) bool {
	batch, fromStatus := w.claim(ctx)
	if len(batch) == 0 {
		return false
	}

	stats := map[string]interface{}{
		"current_batch_size": len(batch),
		"processed_total":    w.processed,
	}
	// Other live workers on this host compete for the same RAM the model
	// wants. Publish the contention count so the analyzer side can budget.
	if n, err := w.workers.GetActiveLocalWorkerCount(ctx, nil, w.base.Hostname(), w.base.WorkerID()); err != nil {
		w.log.Warn("Could not sample local worker contention", "error", err)
	} else {
		stats["local_contention"] = n
		if n > 0 {
			w.log.Info("Sharing this host with other active workers", "active_local_workers", n)
		}
	}
	w.base.SetStats(stats)
	defer func() {
		w.base.SetStats(map[string]interface{}{"processed_total": w.processed})
	}()

	// One slow or broken asset must not poison its batchmates, so every
	// verdict is recorded inside analyzeOne and the group never errors.
	var done atomic.Int64
	var g errgroup.Group
	g.SetLimit(w.batch)
	for _, asset := range batch {
		g.Go(func() error {
			if w.base.ShouldExit() {
				w.release(ctx, asset, fromStatus)
				return nil
			}
			if w.analyzeOne(ctx, asset) {
				done.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	w.processed += int(done.Load())
	return true
}

// claim takes up to a batch of image assets. Light mode only ever sees
// proxied rows; full mode prefers finishing half-analyzed rows before
// opening fresh ones.
func (w *AI) claim(ctx context.Context) ([]*types.Asset, string) {
	statuses := []string{types.AssetStatusProxied}
	if w.mode == vision.ModeFull {
		statuses = []string{types.AssetStatusAnalyzedLight, types.AssetStatusProxied}
	}
	params := repos.ClaimParams{
		WorkerID:    w.base.WorkerID(),
		AssetType:   types.AssetTypeImage,
		Limit:       w.batch,
		LibrarySlug: w.slug,
		Global:      w.slug == "",
		AllowedExts: media.ImageExtensions(),
	}
	if w.targeted {
		params.TargetModelID = &w.modelID
	}
	for _, status := range statuses {
		params.FromStatus = status
		batch, err := w.assets.ClaimBatch(ctx, nil, params)
		if err != nil {
			if ctx.Err() == nil {
				w.log.Warn("Failed to claim assets for analysis", "from_status", status, "error", err)
			}
			return nil, ""
		}
		if len(batch) > 0 {
			return batch, status
		}
	}
	return nil, ""
}

// analyzeOne runs the worker's pass on a single asset and records the
// verdict. Any analysis failure poisons the asset: a proxy the analyzer
// cannot read today it cannot read tomorrow either, and the proxy pipeline
// already burned the retries that mattered.
func (w *AI) analyzeOne(ctx context.Context, asset *types.Asset) bool {
	log := w.log.With("asset_id", asset.ID, "rel_path", asset.RelPath)
	started := time.Now()

	doc, newStatus, err := w.analyze(ctx, asset)
	if err != nil {
		msg := err.Error()
		log.Error("Vision analysis failed", "error", err)
		w.base.Flight().Append("ERROR", "vision analysis failed", "asset_id", asset.ID, "error", msg)
		if uerr := w.assets.UpdateStatus(ctx, nil, asset.ID, types.AssetStatusPoisoned, w.base.WorkerID(), &msg); uerr != nil {
			log.Error("Failed to record poisoned status", "error", uerr)
		}
		return false
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		msg := fmt.Sprintf("encode analysis document: %v", err)
		log.Error("Vision analysis failed", "error", msg)
		if uerr := w.assets.UpdateStatus(ctx, nil, asset.ID, types.AssetStatusPoisoned, w.base.WorkerID(), &msg); uerr != nil {
			log.Error("Failed to record poisoned status", "error", uerr)
		}
		return false
	}
	if err := w.assets.SetAnalysis(ctx, nil, asset.ID, w.base.WorkerID(), datatypes.JSON(raw), w.modelID, newStatus); err != nil {
		log.Error("Failed to record analysis", "error", err)
		return false
	}

	log.Info("Analyzed asset", "new_status", newStatus, "tags", len(doc.Tags), "elapsed_sec", time.Since(started).Seconds())
	return true
}

// analyze runs the pass for the worker's mode and returns the document to
// store plus the status the asset lands in.
func (w *AI) analyze(ctx context.Context, asset *types.Asset) (*vision.VisualAnalysis, string, error) {
	if asset.ProxyPath == nil || *asset.ProxyPath == "" {
		return nil, "", fmt.Errorf("asset has no proxy to analyze")
	}
	proxyAbs := w.store.AbsPath(*asset.ProxyPath)

	if w.mode == vision.ModeLight {
		doc, err := w.analyzer.AnalyzeImage(ctx, proxyAbs, vision.ModeLight)
		if err != nil {
			return nil, "", err
		}
		return w.stamped(doc), types.AssetStatusAnalyzedLight, nil
	}

	// Full mode. A row claimed straight from proxied has no light document
	// yet, so produce one first and refine it in the same claim.
	base, err := storedAnalysis(asset)
	if err != nil {
		return nil, "", err
	}
	if base == nil {
		base, err = w.analyzer.AnalyzeImage(ctx, proxyAbs, vision.ModeLight)
		if err != nil {
			return nil, "", err
		}
	}
	refined, err := w.analyzer.AnalyzeImage(ctx, proxyAbs, vision.ModeFull)
	if err != nil {
		return nil, "", err
	}
	return w.stamped(vision.MergeRefinement(base, refined)), types.AssetStatusCompleted, nil
}

// release hands an unstarted claim back to the status it came from, so a
// shutdown mid-batch does not leave rows parked until lease expiry.
func (w *AI) release(ctx context.Context, asset *types.Asset, fromStatus string) {
	if err := w.assets.UpdateStatus(ctx, nil, asset.ID, fromStatus, w.base.WorkerID(), nil); err != nil {
		w.log.Error("Failed to release claim on shutdown", "asset_id", asset.ID, "error", err)
		return
	}
	w.log.Info("Released unstarted claim on shutdown", "asset_id", asset.ID, "status", fromStatus)
}

// stamped copies the analyzer's card into the stored document so a reader
// can tell which model produced it without joining aimodel.
func (w *AI) stamped(doc *vision.VisualAnalysis) *vision.VisualAnalysis {
	card := w.analyzer.ModelCard()
	if doc == nil {
		doc = &vision.VisualAnalysis{}
	}
	out := *doc
	out.ModelName = card.Name
	out.ModelVersion = card.Version
	if out.Tags == nil {
		out.Tags = []string{}
	}
	return &out
}

// storedAnalysis decodes the asset's persisted document, nil when the asset
// has never been analyzed.
func storedAnalysis(asset *types.Asset) (*vision.VisualAnalysis, error) {
	raw := asset.VisualAnalysis
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var doc vision.VisualAnalysis
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("stored analysis is unreadable: %w", err)
	}
	return &doc, nil
}
