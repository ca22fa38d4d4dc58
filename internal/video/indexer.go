package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"
	"gorm.io/datatypes"

	"github.com/aperturelabs/mediasearch-backend/internal/media"
	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/repos"
	"github.com/aperturelabs/mediasearch-backend/internal/types"
	"github.com/aperturelabs/mediasearch-backend/internal/vision"
)

// semanticDedupRatio is the token-set similarity above which a scene's
// description is flagged as a semantic duplicate of its predecessor.
const semanticDedupRatio = 85

// resumeRewindSec is how far the decoder reseeks behind max(end_ts) on
// resume, tolerating PTS quantization across container seeks.
const resumeRewindSec = 2.0

// metadataKey is the JSON object scene analysis nests under; the search
// layer's tsvector expressions address the same key.
const metadataKey = "moondream"

// Indexer runs the scene detection pipeline for one video asset: resume from
// persisted progress, persist every closed scene and the open scene's state
// in single transactions, and clear the state row at EOF.
type Indexer struct {
	scenes repos.SceneRepo
	store  media.Store
	tools  Tools
	log    *logger.Logger

	// sources and highRes let tests substitute synthetic frame streams.
	sources SourceFactory
	highRes func(ctx context.Context, source string, targetPTS float64) ([]byte, string, error)
}

func NewIndexer(scenes repos.SceneRepo, store media.Store, tools Tools, baseLog *logger.Logger) *Indexer {
	return &Indexer{
		scenes:  scenes,
		store:   store,
		tools:   tools,
		log:     baseLog.With("service", "SceneIndexer"),
		sources: NewPipeSource,
		highRes: ExtractNearestFrame,
	}
}

// WithSourceFactory overrides how decode streams are opened.
func (ix *Indexer) WithSourceFactory(f SourceFactory) *Indexer {
	ix.sources = f
	return ix
}

// IndexRequest describes one indexing run.
type IndexRequest struct {
	AssetID     int64
	LibrarySlug string
	// SourcePath is the decode input, usually the disposable 720p transcode.
	SourcePath string
	// Analyzer, when set, produces per-scene descriptions from a full
	// resolution frame near each scene's best pts.
	Analyzer vision.Analyzer
	// OnSceneClosed fires after each persisted scene; workers renew the
	// asset lease here.
	OnSceneClosed  func()
	CheckInterrupt func() bool
}

// IndexSummary reports what a run accomplished, for logging and for the
// caller's coverage check against the container duration.
type IndexSummary struct {
	ScenesSaved int
	FramesSeen  int
	LastPTS     float64
	Duration    float64
}

// Run executes the pipeline with hardware-assisted decoding, retrying once
// with software decoding when the first pass lost PTS sync or decoded no
// frames at all. Scenes persisted by a failed first pass survive; the second
// pass resumes after them.
func (ix *Indexer) Run(ctx context.Context, req IndexRequest) (IndexSummary, error) {
	if _, err := os.Stat(req.SourcePath); err != nil {
		return IndexSummary{}, fmt.Errorf("video source: %w", err)
	}
	duration, _ := ix.tools.ProbeDuration(ctx, req.SourcePath)

	pass1, err := ix.runOnce(ctx, req, duration, "auto")
	total := IndexSummary{
		ScenesSaved: pass1.scenesSaved,
		FramesSeen:  pass1.framesSeen,
		LastPTS:     pass1.lastPTS,
		Duration:    duration,
	}
	if err != nil && !errors.Is(err, ErrPTSSync) {
		return total, err
	}
	if err == nil && pass1.framesSeen > 0 {
		return total, nil
	}
	ix.log.Warn("decode pass unusable, retrying with software decoding",
		"asset_id", req.AssetID, "frames", pass1.framesSeen, "error", err)

	pass2, err := ix.runOnce(ctx, req, duration, "")
	total.ScenesSaved += pass2.scenesSaved
	total.FramesSeen += pass2.framesSeen
	if pass2.lastPTS > 0 {
		total.LastPTS = pass2.lastPTS
	}
	if err != nil && !errors.Is(err, ErrPTSSync) {
		return total, err
	}
	if err == nil && pass2.framesSeen > 0 {
		return total, nil
	}

	return total, errors.New(formatDecodeFailure(pass1, pass2))
}

func formatDecodeFailure(auto, sw passSummary) string {
	return fmt.Sprintf(
		"No frames produced by decoder; video may be unsupported or corrupt\n"+
			"Repro (hwaccel=auto): %s\nFFmpeg stderr tail (hwaccel=auto):\n%s\n"+
			"Repro (hwaccel=none): %s\nFFmpeg stderr tail (hwaccel=none):\n%s",
		orPlaceholder(auto.repro, "(unavailable)"), orPlaceholder(auto.tail, "(none)"),
		orPlaceholder(sw.repro, "(unavailable)"), orPlaceholder(sw.tail, "(none)"))
}

func orPlaceholder(s, placeholder string) string {
	if s == "" {
		return placeholder
	}
	return s
}

type passSummary struct {
	scenesSaved int
	framesSeen  int
	lastPTS     float64
	repro       string
	tail        string
}

// runOnce reloads the resume position, decodes from there, and persists
// emissions until EOF or error. Resume state is re-read per pass because an
// earlier pass may have advanced it before failing.
func (ix *Indexer) runOnce(ctx context.Context, req IndexRequest, duration float64, hwaccel string) (summary passSummary, err error) {
	maxEnd, err := ix.scenes.GetMaxEndTS(ctx, nil, req.AssetID)
	if err != nil {
		return summary, err
	}
	state, err := ix.scenes.GetActiveState(ctx, nil, req.AssetID)
	if err != nil {
		return summary, err
	}

	var startPTS, discardUntil, initialStart *float64
	initialAnchor := ""
	if maxEnd > 0 {
		start := math.Max(0, maxEnd-resumeRewindSec)
		startPTS = &start
		until := maxEnd
		discardUntil = &until
		if state != nil {
			sceneStart := state.SceneStartTS
			initialStart = &sceneStart
			initialAnchor = state.AnchorPhash
		}
	}

	factory := ix.sources
	if factory == nil {
		factory = NewPipeSource
	}
	src, err := factory(ctx, req.SourcePath, startPTS, hwaccel)
	if err != nil {
		return summary, err
	}
	defer src.Close()
	summary.repro = src.ReproCommand()
	defer func() { summary.tail = src.StderrTail() }()

	seg, err := NewSegmenter(src, SegmenterOptions{
		InitialSceneStart: initialStart,
		InitialAnchor:     initialAnchor,
		DiscardUntil:      discardUntil,
		Duration:          duration,
		CheckInterrupt:    req.CheckInterrupt,
	})
	if err != nil {
		return summary, err
	}

	for {
		emission, nerr := seg.Next(ctx)
		if nerr == io.EOF {
			break
		}
		if nerr != nil {
			summary.framesSeen = seg.FramesSeen()
			summary.lastPTS = seg.LastPTS()
			return summary, nerr
		}

		var next *types.VideoActiveState
		if emission.State != nil {
			next = &types.VideoActiveState{
				AssetID:              req.AssetID,
				AnchorPhash:          emission.State.AnchorPhash,
				SceneStartTS:         emission.State.SceneStartTS,
				CurrentBestPTS:       emission.State.BestPTS,
				CurrentBestSharpness: emission.State.BestSharpness,
			}
		}

		if emission.Scene == nil {
			if _, serr := ix.scenes.SaveSceneAndUpdateState(ctx, nil, nil, next); serr != nil {
				summary.framesSeen = seg.FramesSeen()
				return summary, serr
			}
			continue
		}

		if serr := ix.persistScene(ctx, req, src, emission.Scene, next); serr != nil {
			summary.framesSeen = seg.FramesSeen()
			summary.lastPTS = seg.LastPTS()
			return summary, serr
		}
		summary.scenesSaved++
		if req.OnSceneClosed != nil {
			req.OnSceneClosed()
		}
	}

	summary.framesSeen = seg.FramesSeen()
	summary.lastPTS = seg.LastPTS()
	return summary, nil
}

// persistScene writes the representative frame, optionally analyzes it, and
// commits the scene row together with the follow-on active state.
func (ix *Indexer) persistScene(ctx context.Context, req IndexRequest, src FrameSource, scene *Scene, next *types.VideoActiveState) error {
	var (
		description *string
		metadata    datatypes.JSON
		rel         string
	)

	if req.Analyzer != nil {
		highRes, showinfo, err := ix.highRes(ctx, req.SourcePath, scene.BestPTS)
		if err != nil {
			return err
		}
		if highRes != nil {
			rel, err = ix.store.WriteSceneFrame(highRes, req.LibrarySlug, req.AssetID, scene.StartPTS, scene.EndPTS)
			if err != nil {
				return err
			}
			analysis, err := req.Analyzer.AnalyzeImage(ctx, ix.store.AbsPath(rel), vision.ModeLight)
			if err != nil {
				return err
			}
			if analysis.Description != "" {
				d := analysis.Description
				description = &d
			}
			doc := map[string]any{
				metadataKey: map[string]any{
					"description": analysis.Description,
					"tags":        analysis.Tags,
					"ocr_text":    analysis.OCRText,
				},
				"showinfo": showinfo,
			}
			prev, err := ix.scenes.GetLastSceneDescription(ctx, nil, req.AssetID)
			if err != nil {
				return err
			}
			if prev != nil && *prev != "" && description != nil &&
				fuzzy.TokenSetRatio(*prev, *description) > semanticDedupRatio {
				doc["semantic_duplicate"] = true
			}
			raw, err := json.Marshal(doc)
			if err != nil {
				return err
			}
			metadata = datatypes.JSON(raw)
		}
	}

	if rel == "" {
		jpg, err := encodeFrameJPEG(scene.BestPix, src.Width(), src.Height())
		if err != nil {
			return err
		}
		rel, err = ix.store.WriteSceneFrame(jpg, req.LibrarySlug, req.AssetID, scene.StartPTS, scene.EndPTS)
		if err != nil {
			return err
		}
	}

	row := &types.VideoScene{
		AssetID:        req.AssetID,
		StartTS:        scene.StartPTS,
		EndTS:          scene.EndPTS,
		Description:    description,
		Metadata:       metadata,
		SharpnessScore: scene.Sharpness,
		RepFramePath:   rel,
		KeepReason:     scene.KeepReason,
	}
	if _, err := ix.scenes.SaveSceneAndUpdateState(ctx, nil, row, next); err != nil {
		return err
	}
	ix.log.Info("scene closed",
		"asset_id", req.AssetID,
		"start_ts", fmt.Sprintf("%.3f", scene.StartPTS),
		"end_ts", fmt.Sprintf("%.3f", scene.EndPTS),
		"keep_reason", scene.KeepReason,
		"rep_frame", rel,
	)
	return nil
}

// BackfillRequest drives vision analysis over already-persisted scenes.
type BackfillRequest struct {
	AssetID  int64
	Analyzer vision.Analyzer
	// OnSceneAnalyzed fires after each persisted scene analysis; workers
	// renew the asset lease here.
	OnSceneAnalyzed func()
	CheckInterrupt  func() bool
}

// RunVisionOnScenes analyzes the stored rep frame of every scene that has no
// description yet. Scenes whose frame file is gone are skipped. Returns how
// many scenes were analyzed.
func (ix *Indexer) RunVisionOnScenes(ctx context.Context, req BackfillRequest) (int, error) {
	scenes, err := ix.scenes.ListScenes(ctx, nil, req.AssetID)
	if err != nil {
		return 0, err
	}

	analyzed := 0
	lastWritten := ""
	for _, sc := range scenes {
		if sc.Description != nil {
			continue
		}
		if req.CheckInterrupt != nil && req.CheckInterrupt() {
			return analyzed, ErrInterrupted
		}
		if cerr := ctx.Err(); cerr != nil {
			return analyzed, cerr
		}
		abs := ix.store.AbsPath(sc.RepFramePath)
		if _, serr := os.Stat(abs); serr != nil {
			ix.log.Warn("scene rep frame missing, skipping", "asset_id", req.AssetID, "scene_id", sc.ID, "path", sc.RepFramePath)
			continue
		}
		analysis, aerr := req.Analyzer.AnalyzeImage(ctx, abs, vision.ModeLight)
		if aerr != nil {
			return analyzed, aerr
		}
		doc := map[string]any{
			metadataKey: map[string]any{
				"description": analysis.Description,
				"tags":        analysis.Tags,
				"ocr_text":    analysis.OCRText,
			},
		}
		if lastWritten != "" && analysis.Description != "" &&
			fuzzy.TokenSetRatio(lastWritten, analysis.Description) > semanticDedupRatio {
			doc["semantic_duplicate"] = true
		}
		raw, merr := json.Marshal(doc)
		if merr != nil {
			return analyzed, merr
		}
		desc := analysis.Description
		if uerr := ix.scenes.UpdateSceneAnalysis(ctx, nil, sc.ID, &desc, datatypes.JSON(raw)); uerr != nil {
			return analyzed, uerr
		}
		lastWritten = analysis.Description
		analyzed++
		if req.OnSceneAnalyzed != nil {
			req.OnSceneAnalyzed()
		}
	}
	return analyzed, nil
}

// SceneAnalysis decodes the vision document nested in a scene's metadata,
// reporting false when the scene carries none.
func SceneAnalysis(meta datatypes.JSON) (*vision.VisualAnalysis, bool) {
	if len(meta) == 0 {
		return nil, false
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(meta, &outer); err != nil {
		return nil, false
	}
	raw, ok := outer[metadataKey]
	if !ok {
		return nil, false
	}
	var doc vision.VisualAnalysis
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false
	}
	return &doc, true
}
