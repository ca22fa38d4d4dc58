package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/aperturelabs/mediasearch-backend/internal/media"
	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/repos"
	"github.com/aperturelabs/mediasearch-backend/internal/types"
	"github.com/aperturelabs/mediasearch-backend/internal/vision"
)

// fakeSceneRepo keeps scene and state rows in memory and mimics how saves
// advance the resume watermark. Unused SceneRepo methods panic via the
// embedded nil interface.
type fakeSceneRepo struct {
	repos.SceneRepo

	maxEnd       float64
	state        *types.VideoActiveState
	maxEndCalls  int
	stateCalls   int
	scenes       []types.VideoScene
	stateHistory []types.VideoActiveState
	stateDeletes int
	listResult   []*types.VideoScene
	updates      []sceneUpdate
}

type sceneUpdate struct {
	sceneID int64
	desc    *string
	meta    datatypes.JSON
}

func (r *fakeSceneRepo) GetMaxEndTS(ctx context.Context, tx *gorm.DB, assetID int64) (float64, error) {
	r.maxEndCalls++
	return r.maxEnd, nil
}

func (r *fakeSceneRepo) GetActiveState(ctx context.Context, tx *gorm.DB, assetID int64) (*types.VideoActiveState, error) {
	r.stateCalls++
	if r.state == nil {
		return nil, nil
	}
	st := *r.state
	return &st, nil
}

func (r *fakeSceneRepo) SaveSceneAndUpdateState(ctx context.Context, tx *gorm.DB, scene *types.VideoScene, next *types.VideoActiveState) (int64, error) {
	if scene == nil && next == nil {
		return 0, errors.New("nothing to persist")
	}
	if scene != nil {
		row := *scene
		row.ID = int64(len(r.scenes) + 1)
		r.scenes = append(r.scenes, row)
		r.maxEnd = row.EndTS
	}
	if next != nil {
		st := *next
		r.state = &st
		r.stateHistory = append(r.stateHistory, st)
	} else if scene != nil {
		r.state = nil
		r.stateDeletes++
	}
	return int64(len(r.scenes)), nil
}

func (r *fakeSceneRepo) GetLastSceneDescription(ctx context.Context, tx *gorm.DB, assetID int64) (*string, error) {
	if len(r.scenes) == 0 {
		return nil, nil
	}
	return r.scenes[len(r.scenes)-1].Description, nil
}

func (r *fakeSceneRepo) ListScenes(ctx context.Context, tx *gorm.DB, assetID int64) ([]*types.VideoScene, error) {
	return r.listResult, nil
}

func (r *fakeSceneRepo) UpdateSceneAnalysis(ctx context.Context, tx *gorm.DB, sceneID int64, description *string, metadata datatypes.JSON) error {
	r.updates = append(r.updates, sceneUpdate{sceneID: sceneID, desc: description, meta: metadata})
	return nil
}

// stubTools only answers duration probes; nothing else runs in these tests.
type stubTools struct {
	Tools
	duration float64
	known    bool
}

func (s stubTools) ProbeDuration(ctx context.Context, source string) (float64, bool) {
	return s.duration, s.known
}

type factoryCall struct {
	hwaccel  string
	startPTS *float64
}

// fakeFactory hands out scripted sources in order and records how each pass
// asked to decode.
type fakeFactory struct {
	sources []FrameSource
	calls   []factoryCall
}

func (f *fakeFactory) open(ctx context.Context, source string, startPTS *float64, hwaccel string) (FrameSource, error) {
	var start *float64
	if startPTS != nil {
		v := *startPTS
		start = &v
	}
	f.calls = append(f.calls, factoryCall{hwaccel: hwaccel, startPTS: start})
	if len(f.sources) == 0 {
		return nil, errors.New("no scripted source left")
	}
	src := f.sources[0]
	f.sources = f.sources[1:]
	return src, nil
}

type fakeAnalyzer struct {
	desc  string
	tags  []string
	ocr   string
	calls []string
}

func (f *fakeAnalyzer) ModelCard() vision.ModelCard {
	return vision.ModelCard{Name: "fake-vision", Version: "1"}
}

func (f *fakeAnalyzer) AnalyzeImage(ctx context.Context, imagePath string, mode vision.Mode) (*vision.VisualAnalysis, error) {
	if mode != vision.ModeLight {
		return nil, fmt.Errorf("unexpected analysis mode %q", mode)
	}
	f.calls = append(f.calls, imagePath)
	return &vision.VisualAnalysis{Description: f.desc, Tags: f.tags, OCRText: f.ocr}, nil
}

func newTestIndexer(t *testing.T, repo repos.SceneRepo, tools Tools, factory SourceFactory) (*Indexer, media.Store) {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	st, err := media.NewStore(t.TempDir(), log)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return NewIndexer(repo, st, tools, log).WithSourceFactory(factory), st
}

func tempVideoFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "source.mp4")
	if err := os.WriteFile(p, []byte("container bytes"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return p
}

// cutScript builds a two-scene frame sequence: scene A over [0,4), then a
// hard cut to scene B until EOF.
func cutScript(t *testing.T) *scriptSource {
	t.Helper()
	a := noisePix(7)
	b := noisePix(99)
	requireCut(t, contrastPix(a, 1.0), contrastPix(b, 1.0))
	return &scriptSource{frames: []Frame{
		{Pix: contrastPix(a, 1.0), PTS: 0},
		{Pix: contrastPix(a, 0.9), PTS: 1},
		{Pix: contrastPix(a, 0.8), PTS: 2},
		{Pix: contrastPix(b, 1.0), PTS: 4},
		{Pix: contrastPix(b, 0.9), PTS: 5},
		{Pix: contrastPix(b, 0.8), PTS: 6},
	}}
}

func TestIndexerRun_PersistsScenesAndState(t *testing.T) {
	repo := &fakeSceneRepo{}
	factory := &fakeFactory{sources: []FrameSource{cutScript(t)}}
	ix, st := newTestIndexer(t, repo, stubTools{duration: 7.5, known: true}, factory.open)

	closed := 0
	summary, err := ix.Run(context.Background(), IndexRequest{
		AssetID:       42,
		LibrarySlug:   "fam",
		SourcePath:    tempVideoFile(t),
		OnSceneClosed: func() { closed++ },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.ScenesSaved != 2 || summary.FramesSeen != 6 {
		t.Fatalf("summary = %+v, want 2 scenes over 6 frames", summary)
	}
	if summary.LastPTS != 6 || summary.Duration != 7.5 {
		t.Fatalf("summary coverage = (last %v, duration %v), want (6, 7.5)", summary.LastPTS, summary.Duration)
	}
	if closed != 2 {
		t.Fatalf("OnSceneClosed fired %d times, want 2", closed)
	}
	if len(factory.calls) != 1 || factory.calls[0].hwaccel != "auto" || factory.calls[0].startPTS != nil {
		t.Fatalf("unexpected decode calls: %+v", factory.calls)
	}

	if len(repo.scenes) != 2 {
		t.Fatalf("persisted %d scenes, want 2", len(repo.scenes))
	}
	first, second := repo.scenes[0], repo.scenes[1]
	if first.AssetID != 42 || first.StartTS != 0 || first.EndTS != 4 || first.KeepReason != "phash" {
		t.Fatalf("unexpected first scene: %+v", first)
	}
	// The known duration extends the final scene past the last decoded pts.
	if second.StartTS != 4 || second.EndTS != 7.5 || second.KeepReason != "forced" {
		t.Fatalf("unexpected second scene: %+v", second)
	}
	if first.Description != nil || len(first.Metadata) != 0 {
		t.Fatalf("no analyzer was configured, scene should carry no analysis: %+v", first)
	}
	if first.RepFramePath != "video_scenes/fam/42/0.000_4.000.jpg" {
		t.Fatalf("rep frame path = %q", first.RepFramePath)
	}
	for _, sc := range repo.scenes {
		abs := st.AbsPath(sc.RepFramePath)
		data, rerr := os.ReadFile(abs)
		if rerr != nil {
			t.Fatalf("rep frame not written: %v", rerr)
		}
		if len(data) < 2 || data[0] != 0xff || data[1] != 0xd8 {
			t.Fatalf("rep frame %q is not a JPEG", sc.RepFramePath)
		}
	}

	// Open event, then the reopen that came with the cut.
	if len(repo.stateHistory) != 2 {
		t.Fatalf("state upserts = %d, want 2", len(repo.stateHistory))
	}
	if repo.stateHistory[0].SceneStartTS != 0 || repo.stateHistory[0].CurrentBestSharpness != -1 {
		t.Fatalf("unexpected open state: %+v", repo.stateHistory[0])
	}
	if repo.stateHistory[1].SceneStartTS != 4 {
		t.Fatalf("unexpected reopen state: %+v", repo.stateHistory[1])
	}
	if repo.state != nil || repo.stateDeletes != 1 {
		t.Fatalf("final close must clear the state row (state=%+v deletes=%d)", repo.state, repo.stateDeletes)
	}
}

func TestIndexerRun_FallsBackToSoftwareDecode(t *testing.T) {
	repo := &fakeSceneRepo{}
	base := noisePix(7)
	good := &scriptSource{frames: []Frame{
		{Pix: contrastPix(base, 1.0), PTS: 0},
		{Pix: contrastPix(base, 0.9), PTS: 1},
		{Pix: contrastPix(base, 0.8), PTS: 2},
	}}
	factory := &fakeFactory{sources: []FrameSource{
		&scriptSource{err: ErrPTSSync},
		good,
	}}
	ix, _ := newTestIndexer(t, repo, stubTools{}, factory.open)

	summary, err := ix.Run(context.Background(), IndexRequest{
		AssetID:     7,
		LibrarySlug: "fam",
		SourcePath:  tempVideoFile(t),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(factory.calls) != 2 || factory.calls[0].hwaccel != "auto" || factory.calls[1].hwaccel != "" {
		t.Fatalf("expected auto then software decode, got %+v", factory.calls)
	}
	if summary.ScenesSaved != 1 || summary.FramesSeen != 3 {
		t.Fatalf("summary = %+v, want 1 scene over 3 frames", summary)
	}
}

func TestIndexerRun_NoFramesEverIsPermanent(t *testing.T) {
	repo := &fakeSceneRepo{}
	factory := &fakeFactory{sources: []FrameSource{
		&scriptSource{},
		&scriptSource{},
	}}
	ix, _ := newTestIndexer(t, repo, stubTools{}, factory.open)

	_, err := ix.Run(context.Background(), IndexRequest{
		AssetID:     7,
		LibrarySlug: "fam",
		SourcePath:  tempVideoFile(t),
	})
	if err == nil {
		t.Fatalf("expected permanent decode error")
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "No frames produced by decoder; video may be unsupported or corrupt") {
		t.Fatalf("unexpected error prefix: %q", msg)
	}
	for _, want := range []string{
		"Repro (hwaccel=auto): ffmpeg -i synthetic",
		"FFmpeg stderr tail (hwaccel=auto):\n(none)",
		"Repro (hwaccel=none): ffmpeg -i synthetic",
		"FFmpeg stderr tail (hwaccel=none):\n(none)",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error missing %q:\n%s", want, msg)
		}
	}
}

func TestIndexerRun_ResumeStateRecomputedPerPass(t *testing.T) {
	a := noisePix(21)
	requireSame(t, contrastPix(a, 1.0), contrastPix(a, 0.9))
	repo := &fakeSceneRepo{
		maxEnd: 10.0,
		state: &types.VideoActiveState{
			AssetID:      7,
			AnchorPhash:  anchorString(t, contrastPix(a, 1.0)),
			SceneStartTS: 5.0,
		},
	}
	good := &scriptSource{frames: []Frame{
		{Pix: contrastPix(a, 0.9), PTS: 10.5},
	}}
	factory := &fakeFactory{sources: []FrameSource{
		&scriptSource{err: ErrPTSSync},
		good,
	}}
	ix, _ := newTestIndexer(t, repo, stubTools{}, factory.open)

	summary, err := ix.Run(context.Background(), IndexRequest{
		AssetID:     7,
		LibrarySlug: "fam",
		SourcePath:  tempVideoFile(t),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if repo.maxEndCalls != 2 || repo.stateCalls != 2 {
		t.Fatalf("resume inputs must be re-read per pass, got %d/%d reads", repo.maxEndCalls, repo.stateCalls)
	}
	for i, call := range factory.calls {
		if call.startPTS == nil || *call.startPTS != 8.0 {
			t.Fatalf("pass %d seek = %v, want 8.0 (watermark minus rewind)", i, call.startPTS)
		}
	}
	if len(repo.scenes) != 1 {
		t.Fatalf("persisted %d scenes, want 1", len(repo.scenes))
	}
	if repo.scenes[0].StartTS != 5.0 {
		t.Fatalf("resumed scene must keep its restored start, got %v", repo.scenes[0].StartTS)
	}
	if summary.ScenesSaved != 1 || summary.FramesSeen != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestIndexerRun_AnalyzerDescribesAndFlagsDuplicates(t *testing.T) {
	repo := &fakeSceneRepo{}
	factory := &fakeFactory{sources: []FrameSource{cutScript(t)}}
	ix, st := newTestIndexer(t, repo, stubTools{duration: 7.5, known: true}, factory.open)

	var highResPTS []float64
	ix.highRes = func(ctx context.Context, source string, targetPTS float64) ([]byte, string, error) {
		highResPTS = append(highResPTS, targetPTS)
		return []byte("high-res frame"), "n: 3 pts_time:2.0", nil
	}
	analyzer := &fakeAnalyzer{desc: "a red car parked", tags: []string{"car", "street"}, ocr: "PLATE 123"}

	_, err := ix.Run(context.Background(), IndexRequest{
		AssetID:     42,
		LibrarySlug: "fam",
		SourcePath:  tempVideoFile(t),
		Analyzer:    analyzer,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(highResPTS) != 2 || highResPTS[0] != 2 || highResPTS[1] != 6 {
		t.Fatalf("high-res extraction pts = %v, want [2 6]", highResPTS)
	}
	if len(analyzer.calls) != 2 {
		t.Fatalf("analyzer ran %d times, want 2", len(analyzer.calls))
	}
	if len(repo.scenes) != 2 {
		t.Fatalf("persisted %d scenes, want 2", len(repo.scenes))
	}

	first := repo.scenes[0]
	if first.Description == nil || *first.Description != "a red car parked" {
		t.Fatalf("first scene description = %v", first.Description)
	}
	var meta map[string]any
	if err := json.Unmarshal(first.Metadata, &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	md, ok := meta["moondream"].(map[string]any)
	if !ok {
		t.Fatalf("metadata missing moondream block: %v", meta)
	}
	if md["description"] != "a red car parked" || md["ocr_text"] != "PLATE 123" {
		t.Fatalf("unexpected analysis block: %v", md)
	}
	if meta["showinfo"] != "n: 3 pts_time:2.0" {
		t.Fatalf("showinfo line not recorded: %v", meta["showinfo"])
	}
	if _, dup := meta["semantic_duplicate"]; dup {
		t.Fatalf("first scene cannot be a duplicate")
	}

	var meta2 map[string]any
	if err := json.Unmarshal(repo.scenes[1].Metadata, &meta2); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta2["semantic_duplicate"] != true {
		t.Fatalf("second identical description should be flagged: %v", meta2)
	}

	// The analyzer path stores the extracted high-res frame verbatim.
	data, err := os.ReadFile(st.AbsPath(first.RepFramePath))
	if err != nil || string(data) != "high-res frame" {
		t.Fatalf("rep frame content = %q, err %v", data, err)
	}
	if analyzer.calls[0] != st.AbsPath(first.RepFramePath) {
		t.Fatalf("analyzer should see the stored frame path, got %q", analyzer.calls[0])
	}
}

func TestIndexerRun_HighResMissFallsBackToDecodedFrame(t *testing.T) {
	repo := &fakeSceneRepo{}
	base := noisePix(7)
	factory := &fakeFactory{sources: []FrameSource{&scriptSource{frames: []Frame{
		{Pix: contrastPix(base, 1.0), PTS: 0},
		{Pix: contrastPix(base, 0.9), PTS: 1},
		{Pix: contrastPix(base, 0.8), PTS: 2},
	}}}}
	ix, st := newTestIndexer(t, repo, stubTools{}, factory.open)
	ix.highRes = func(ctx context.Context, source string, targetPTS float64) ([]byte, string, error) {
		return nil, "", nil
	}
	analyzer := &fakeAnalyzer{desc: "unused"}

	_, err := ix.Run(context.Background(), IndexRequest{
		AssetID:     42,
		LibrarySlug: "fam",
		SourcePath:  tempVideoFile(t),
		Analyzer:    analyzer,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(analyzer.calls) != 0 {
		t.Fatalf("analyzer must not run without a high-res frame")
	}
	sc := repo.scenes[0]
	if sc.Description != nil || len(sc.Metadata) != 0 {
		t.Fatalf("fallback scene should carry no analysis: %+v", sc)
	}
	data, err := os.ReadFile(st.AbsPath(sc.RepFramePath))
	if err != nil || len(data) < 2 || data[0] != 0xff || data[1] != 0xd8 {
		t.Fatalf("fallback rep frame should be the encoded decode frame, err %v", err)
	}
}

func TestIndexerRun_MissingSourceFailsFast(t *testing.T) {
	repo := &fakeSceneRepo{}
	factory := &fakeFactory{}
	ix, _ := newTestIndexer(t, repo, stubTools{}, factory.open)

	_, err := ix.Run(context.Background(), IndexRequest{
		AssetID:     42,
		LibrarySlug: "fam",
		SourcePath:  filepath.Join(t.TempDir(), "gone.mp4"),
	})
	if err == nil || !strings.Contains(err.Error(), "video source") {
		t.Fatalf("expected source stat error, got %v", err)
	}
	if len(factory.calls) != 0 {
		t.Fatalf("decode must not start without a source file")
	}
}

func ptrStr(s string) *string { return &s }

func TestRunVisionOnScenes_BackfillsOnlyMissingDescriptions(t *testing.T) {
	repo := &fakeSceneRepo{}
	ix, st := newTestIndexer(t, repo, stubTools{}, (&fakeFactory{}).open)

	rel1, err := st.WriteSceneFrame([]byte("frame-1"), "fam", 42, 0, 4)
	if err != nil {
		t.Fatalf("write frame: %v", err)
	}
	rel2, err := st.WriteSceneFrame([]byte("frame-2"), "fam", 42, 4, 8)
	if err != nil {
		t.Fatalf("write frame: %v", err)
	}
	repo.listResult = []*types.VideoScene{
		{ID: 1, AssetID: 42, Description: ptrStr("already described"), RepFramePath: rel1},
		{ID: 2, AssetID: 42, RepFramePath: rel1},
		{ID: 3, AssetID: 42, RepFramePath: "video_scenes/fam/42/99.000_100.000.jpg"},
		{ID: 4, AssetID: 42, RepFramePath: rel2},
	}
	analyzer := &fakeAnalyzer{desc: "sunset over a lake", tags: []string{"sunset"}}

	analyzed, err := ix.RunVisionOnScenes(context.Background(), BackfillRequest{
		AssetID:  42,
		Analyzer: analyzer,
	})
	if err != nil {
		t.Fatalf("RunVisionOnScenes: %v", err)
	}
	if analyzed != 2 {
		t.Fatalf("analyzed = %d, want 2 (described and missing-file scenes skipped)", analyzed)
	}
	if len(repo.updates) != 2 || repo.updates[0].sceneID != 2 || repo.updates[1].sceneID != 4 {
		t.Fatalf("unexpected updates: %+v", repo.updates)
	}
	if repo.updates[0].desc == nil || *repo.updates[0].desc != "sunset over a lake" {
		t.Fatalf("update description = %v", repo.updates[0].desc)
	}

	var meta map[string]any
	if err := json.Unmarshal(repo.updates[0].meta, &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if _, ok := meta["moondream"]; !ok {
		t.Fatalf("backfill metadata missing moondream block: %v", meta)
	}
	if _, ok := meta["showinfo"]; ok {
		t.Fatalf("backfill has no decode context, showinfo should be absent")
	}
	if _, dup := meta["semantic_duplicate"]; dup {
		t.Fatalf("first backfilled scene cannot be a duplicate")
	}

	var meta2 map[string]any
	if err := json.Unmarshal(repo.updates[1].meta, &meta2); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta2["semantic_duplicate"] != true {
		t.Fatalf("repeated description should be flagged: %v", meta2)
	}
}

func TestRunVisionOnScenes_InterruptStopsBeforeWork(t *testing.T) {
	repo := &fakeSceneRepo{}
	ix, st := newTestIndexer(t, repo, stubTools{}, (&fakeFactory{}).open)

	rel, err := st.WriteSceneFrame([]byte("frame"), "fam", 42, 0, 4)
	if err != nil {
		t.Fatalf("write frame: %v", err)
	}
	repo.listResult = []*types.VideoScene{{ID: 1, AssetID: 42, RepFramePath: rel}}
	analyzer := &fakeAnalyzer{desc: "never used"}

	analyzed, err := ix.RunVisionOnScenes(context.Background(), BackfillRequest{
		AssetID:        42,
		Analyzer:       analyzer,
		CheckInterrupt: func() bool { return true },
	})
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if analyzed != 0 || len(repo.updates) != 0 || len(analyzer.calls) != 0 {
		t.Fatalf("interrupt must stop before analysis")
	}
}
