package video

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"testing"
)

const (
	testW = 64
	testH = 48
)

// scriptSource replays a fixed frame sequence, then yields err (or io.EOF
// when err is nil) forever.
type scriptSource struct {
	frames []Frame
	err    error
	i      int
	closed bool
}

func (s *scriptSource) Next(ctx context.Context) (Frame, error) {
	if s.i >= len(s.frames) {
		if s.err != nil {
			return Frame{}, s.err
		}
		return Frame{}, io.EOF
	}
	f := s.frames[s.i]
	s.i++
	return f, nil
}

func (s *scriptSource) Width() int           { return testW }
func (s *scriptSource) Height() int          { return testH }
func (s *scriptSource) ReproCommand() string { return "ffmpeg -i synthetic" }
func (s *scriptSource) StderrTail() string   { return "" }
func (s *scriptSource) Close() error         { s.closed = true; return nil }

// noisePix fills a frame with seeded random noise. Different seeds produce
// perceptually unrelated frames; the same seed reproduces the frame exactly.
func noisePix(seed int64) []byte {
	rng := rand.New(rand.NewSource(seed))
	pix := make([]byte, testW*testH*3)
	rng.Read(pix)
	return pix
}

// contrastPix rescales a frame's contrast around mid-gray. The perceptual
// hash is contrast-invariant (every DCT coefficient and the median scale
// together) while Laplacian variance scales with k squared, which gives
// frames that stay in one scene but rank differently for best-frame.
func contrastPix(base []byte, k float64) []byte {
	out := make([]byte, len(base))
	for i, b := range base {
		v := 128 + (float64(b)-128)*k
		if v < 0 {
			v = 0
		}
		if v > 255 {
			v = 255
		}
		out[i] = byte(v)
	}
	return out
}

func phashDistance(t *testing.T, a, b []byte) int {
	t.Helper()
	ha, err := phashRGB24(a, testW, testH)
	if err != nil {
		t.Fatalf("phash: %v", err)
	}
	hb, err := phashRGB24(b, testW, testH)
	if err != nil {
		t.Fatalf("phash: %v", err)
	}
	d, err := ha.Distance(hb)
	if err != nil {
		t.Fatalf("distance: %v", err)
	}
	return d
}

// requireSame / requireCut validate the fixtures themselves so a threshold
// surprise fails loudly instead of producing confusing scene assertions.
func requireSame(t *testing.T, a, b []byte) {
	t.Helper()
	if d := phashDistance(t, a, b); d > PhashThreshold {
		t.Fatalf("fixture frames drifted apart: distance=%d > %d", d, PhashThreshold)
	}
}

func requireCut(t *testing.T, a, b []byte) {
	t.Helper()
	if d := phashDistance(t, a, b); d <= PhashThreshold {
		t.Fatalf("fixture frames too similar for a cut: distance=%d <= %d", d, PhashThreshold)
	}
}

func anchorString(t *testing.T, pix []byte) string {
	t.Helper()
	ph, err := phashRGB24(pix, testW, testH)
	if err != nil {
		t.Fatalf("phash: %v", err)
	}
	return ph.ToString()
}

func newTestSegmenter(t *testing.T, src FrameSource, opts SegmenterOptions) *Segmenter {
	t.Helper()
	seg, err := NewSegmenter(src, opts)
	if err != nil {
		t.Fatalf("NewSegmenter: %v", err)
	}
	return seg
}

func nextEmission(t *testing.T, seg *Segmenter) Emission {
	t.Helper()
	em, err := seg.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return em
}

func expectEOF(t *testing.T, seg *Segmenter) {
	t.Helper()
	if _, err := seg.Next(context.Background()); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestSegmentationVersion(t *testing.T) {
	if got := SegmentationVersion(); got != 513000 {
		t.Fatalf("SegmentationVersion = %d, want 513000", got)
	}
}

func TestSegmenter_SingleSceneExtendsToDuration(t *testing.T) {
	base := noisePix(7)
	f0 := contrastPix(base, 1.0)
	f1 := contrastPix(base, 0.9)
	f2 := contrastPix(base, 0.8)
	requireSame(t, f0, f1)
	requireSame(t, f0, f2)

	src := &scriptSource{frames: []Frame{
		{Pix: f0, PTS: 0},
		{Pix: f1, PTS: 1},
		{Pix: f2, PTS: 2},
	}}
	seg := newTestSegmenter(t, src, SegmenterOptions{Duration: 10})

	open := nextEmission(t, seg)
	if open.Scene != nil || open.State == nil {
		t.Fatalf("first emission should be the open event, got %+v", open)
	}
	if open.State.AnchorPhash != anchorString(t, f0) {
		t.Fatalf("open anchor mismatch")
	}
	if open.State.SceneStartTS != 0 || open.State.BestPTS != 0 || open.State.BestSharpness != -1 {
		t.Fatalf("unexpected open state: %+v", open.State)
	}

	final := nextEmission(t, seg)
	if final.Scene == nil || final.State != nil {
		t.Fatalf("final emission should drop the state row, got %+v", final)
	}
	sc := final.Scene
	if sc.StartPTS != 0 || sc.EndPTS != 10 {
		t.Fatalf("scene bounds = [%v, %v], want [0, 10] (duration extension)", sc.StartPTS, sc.EndPTS)
	}
	if sc.KeepReason != "forced" {
		t.Fatalf("keep reason = %q, want forced", sc.KeepReason)
	}
	// The first two frames are warm-up; f2 is the only best-frame candidate.
	if sc.BestPTS != 2 {
		t.Fatalf("best pts = %v, want 2", sc.BestPTS)
	}
	if want := laplacianVariance(f2, testW, testH); sc.Sharpness != want {
		t.Fatalf("sharpness = %v, want %v", sc.Sharpness, want)
	}

	expectEOF(t, seg)
	if seg.FramesSeen() != 3 || seg.ScenesEmitted() != 1 {
		t.Fatalf("counters = (%d frames, %d scenes), want (3, 1)", seg.FramesSeen(), seg.ScenesEmitted())
	}
	if seg.LastPTS() != 2 {
		t.Fatalf("LastPTS = %v, want 2", seg.LastPTS())
	}
}

func TestSegmenter_FinalCloseKeepsLastPTSWhenDurationShorter(t *testing.T) {
	base := noisePix(7)
	src := &scriptSource{frames: []Frame{
		{Pix: contrastPix(base, 1.0), PTS: 0},
		{Pix: contrastPix(base, 0.9), PTS: 1},
		{Pix: contrastPix(base, 0.8), PTS: 2},
	}}
	seg := newTestSegmenter(t, src, SegmenterOptions{Duration: 1.5})

	nextEmission(t, seg) // open event
	final := nextEmission(t, seg)
	if final.Scene == nil || final.Scene.EndPTS != 2 {
		t.Fatalf("final scene should end at last pts 2, got %+v", final.Scene)
	}
}

func TestSegmenter_PhashDriftClosesAndReopens(t *testing.T) {
	a := noisePix(7)
	b := noisePix(99)
	a0 := contrastPix(a, 1.0)
	a1 := contrastPix(a, 0.9)
	a2 := contrastPix(a, 0.8)
	a3 := contrastPix(a, 0.7)
	b0 := contrastPix(b, 1.0)
	b1 := contrastPix(b, 0.9)
	b2 := contrastPix(b, 0.8)
	requireSame(t, a0, a2)
	requireSame(t, a0, a3)
	requireCut(t, a0, b0)
	requireSame(t, b0, b2)

	src := &scriptSource{frames: []Frame{
		{Pix: a0, PTS: 0},
		{Pix: a1, PTS: 1},
		{Pix: a2, PTS: 2},
		{Pix: a3, PTS: 3.5},
		{Pix: b0, PTS: 4},
		{Pix: b1, PTS: 5},
		{Pix: b2, PTS: 6},
	}}
	seg := newTestSegmenter(t, src, SegmenterOptions{})

	nextEmission(t, seg) // open event

	cut := nextEmission(t, seg)
	if cut.Scene == nil || cut.State == nil {
		t.Fatalf("cut should emit scene plus reopened state, got %+v", cut)
	}
	if cut.Scene.StartPTS != 0 || cut.Scene.EndPTS != 4 {
		t.Fatalf("cut scene bounds = [%v, %v], want [0, 4]", cut.Scene.StartPTS, cut.Scene.EndPTS)
	}
	if cut.Scene.KeepReason != "phash" {
		t.Fatalf("keep reason = %q, want phash", cut.Scene.KeepReason)
	}
	// a2 outsharpens a3 (higher contrast); warm-up excluded a0 and a1.
	if cut.Scene.BestPTS != 2 {
		t.Fatalf("best pts = %v, want 2", cut.Scene.BestPTS)
	}
	if cut.State.AnchorPhash != anchorString(t, b0) {
		t.Fatalf("reopened anchor should be the closing frame's hash")
	}
	if cut.State.SceneStartTS != 4 || cut.State.BestPTS != 4 || cut.State.BestSharpness != -1 {
		t.Fatalf("unexpected reopened state: %+v", cut.State)
	}

	final := nextEmission(t, seg)
	if final.Scene == nil || final.State != nil {
		t.Fatalf("final emission should drop state, got %+v", final)
	}
	if final.Scene.StartPTS != 4 || final.Scene.EndPTS != 6 {
		t.Fatalf("tail scene bounds = [%v, %v], want [4, 6]", final.Scene.StartPTS, final.Scene.EndPTS)
	}
	// b0 fills the warm-up slot left by closing the previous scene, b1 the
	// second, so b2 is the only candidate.
	if final.Scene.BestPTS != 6 {
		t.Fatalf("tail best pts = %v, want 6", final.Scene.BestPTS)
	}

	expectEOF(t, seg)
	if seg.FramesSeen() != 7 || seg.ScenesEmitted() != 2 {
		t.Fatalf("counters = (%d frames, %d scenes), want (7, 2)", seg.FramesSeen(), seg.ScenesEmitted())
	}
}

func TestSegmenter_DebounceSuppressesEarlyCut(t *testing.T) {
	a := noisePix(3)
	b := noisePix(44)
	a0 := contrastPix(a, 1.0)
	b0 := contrastPix(b, 1.0)
	requireCut(t, a0, b0)

	src := &scriptSource{frames: []Frame{
		{Pix: a0, PTS: 0},
		{Pix: b0, PTS: 1.0},
		{Pix: b0, PTS: 2.0},
		{Pix: b0, PTS: 2.9},
		{Pix: b0, PTS: 3.1},
	}}
	seg := newTestSegmenter(t, src, SegmenterOptions{Duration: 5})

	nextEmission(t, seg) // open event

	cut := nextEmission(t, seg)
	if cut.Scene == nil {
		t.Fatalf("expected the debounced drift to close at 3.1, got %+v", cut)
	}
	if cut.Scene.StartPTS != 0 || cut.Scene.EndPTS != 3.1 || cut.Scene.KeepReason != "phash" {
		t.Fatalf("unexpected cut scene: %+v", cut.Scene)
	}
	// Drifted frames inside the debounce window still compete for best
	// frame, so the representative frame is post-transition content.
	if cut.Scene.BestPTS != 2.0 {
		t.Fatalf("best pts = %v, want 2.0", cut.Scene.BestPTS)
	}

	final := nextEmission(t, seg)
	if final.Scene == nil {
		t.Fatalf("expected forced tail scene, got %+v", final)
	}
	// No candidate survived warm-up in the tail scene; the last frame
	// stands in, and the known duration extends the end.
	if final.Scene.StartPTS != 3.1 || final.Scene.EndPTS != 5 {
		t.Fatalf("tail bounds = [%v, %v], want [3.1, 5]", final.Scene.StartPTS, final.Scene.EndPTS)
	}
	if final.Scene.BestPTS != 3.1 || final.Scene.KeepReason != "forced" {
		t.Fatalf("unexpected tail scene: %+v", final.Scene)
	}
	expectEOF(t, seg)
}

func TestSegmenter_TemporalCeilingFiresWithoutDrift(t *testing.T) {
	base := noisePix(5)
	f := func(k float64) []byte { return contrastPix(base, k) }

	src := &scriptSource{frames: []Frame{
		{Pix: f(1.0), PTS: 0},
		{Pix: f(0.9), PTS: 1},
		{Pix: f(0.8), PTS: 2},
		{Pix: f(0.7), PTS: 15},
		{Pix: f(1.0), PTS: 30},
	}}
	seg := newTestSegmenter(t, src, SegmenterOptions{Duration: 31})

	nextEmission(t, seg) // open event

	ceiling := nextEmission(t, seg)
	if ceiling.Scene == nil || ceiling.State == nil {
		t.Fatalf("ceiling close should emit scene plus state, got %+v", ceiling)
	}
	if ceiling.Scene.KeepReason != "temporal" {
		t.Fatalf("keep reason = %q, want temporal", ceiling.Scene.KeepReason)
	}
	if ceiling.Scene.StartPTS != 0 || ceiling.Scene.EndPTS != 30 {
		t.Fatalf("ceiling bounds = [%v, %v], want [0, 30]", ceiling.Scene.StartPTS, ceiling.Scene.EndPTS)
	}
	if ceiling.Scene.BestPTS != 2 {
		t.Fatalf("best pts = %v, want 2", ceiling.Scene.BestPTS)
	}
	if ceiling.State.SceneStartTS != 30 {
		t.Fatalf("reopened scene should start at 30, got %v", ceiling.State.SceneStartTS)
	}

	final := nextEmission(t, seg)
	if final.Scene == nil || final.Scene.EndPTS != 31 {
		t.Fatalf("unexpected tail scene: %+v", final.Scene)
	}
	expectEOF(t, seg)
}

func TestSegmenter_TemporalCloseWithoutCandidateEmitsStateOnly(t *testing.T) {
	base := noisePix(5)
	src := &scriptSource{frames: []Frame{
		{Pix: contrastPix(base, 1.0), PTS: 0},
		{Pix: contrastPix(base, 1.0), PTS: 30},
	}}
	seg := newTestSegmenter(t, src, SegmenterOptions{})

	nextEmission(t, seg) // open event

	em := nextEmission(t, seg)
	if em.Scene != nil || em.State == nil {
		t.Fatalf("close without best frame should persist state only, got %+v", em)
	}
	if em.State.SceneStartTS != 30 {
		t.Fatalf("reopened scene start = %v, want 30", em.State.SceneStartTS)
	}
	if seg.ScenesEmitted() != 0 {
		t.Fatalf("empty close must not count as an emitted scene")
	}

	final := nextEmission(t, seg)
	if final.Scene == nil || final.Scene.StartPTS != 30 {
		t.Fatalf("unexpected final scene: %+v", final.Scene)
	}
	expectEOF(t, seg)
}

func TestSegmenter_ResumeRestoresAnchorAndDiscardsCaughtUpFrames(t *testing.T) {
	a := noisePix(21)
	other := noisePix(77)
	anchor := anchorString(t, contrastPix(a, 1.0))
	requireCut(t, contrastPix(a, 1.0), other)
	requireSame(t, contrastPix(a, 1.0), contrastPix(a, 0.9))
	requireSame(t, contrastPix(a, 1.0), contrastPix(a, 0.8))
	requireSame(t, contrastPix(a, 1.0), contrastPix(a, 0.7))

	sceneStart := 5.0
	discardUntil := 8.0
	src := &scriptSource{frames: []Frame{
		// Catch-up frames below the watermark never reach the hasher, so
		// even unrelated content cannot trigger a cut here.
		{Pix: other, PTS: 6.0},
		{Pix: other, PTS: 7.9},
		{Pix: contrastPix(a, 0.9), PTS: 8.5},
		{Pix: contrastPix(a, 0.8), PTS: 9},
		{Pix: contrastPix(a, 0.7), PTS: 10},
	}}
	seg := newTestSegmenter(t, src, SegmenterOptions{
		InitialSceneStart: &sceneStart,
		InitialAnchor:     anchor,
		DiscardUntil:      &discardUntil,
		Duration:          12,
	})

	// The open scene was restored, not opened, so no open event is emitted:
	// the first emission is the final close.
	final := nextEmission(t, seg)
	if final.Scene == nil || final.State != nil {
		t.Fatalf("expected final scene emission, got %+v", final)
	}
	if final.Scene.StartPTS != 5.0 || final.Scene.EndPTS != 12 {
		t.Fatalf("resumed scene bounds = [%v, %v], want [5, 12]", final.Scene.StartPTS, final.Scene.EndPTS)
	}
	if final.Scene.BestPTS != 10 {
		t.Fatalf("best pts = %v, want 10", final.Scene.BestPTS)
	}

	expectEOF(t, seg)
	if seg.FramesSeen() != 5 {
		t.Fatalf("discarded frames must still count: FramesSeen = %d, want 5", seg.FramesSeen())
	}
	if seg.ScenesEmitted() != 1 {
		t.Fatalf("ScenesEmitted = %d, want 1", seg.ScenesEmitted())
	}
}

func TestSegmenter_AllFramesDiscardedWithoutAnchorEndsClean(t *testing.T) {
	discardUntil := 100.0
	src := &scriptSource{frames: []Frame{
		{Pix: noisePix(1), PTS: 1},
		{Pix: noisePix(2), PTS: 2},
	}}
	seg := newTestSegmenter(t, src, SegmenterOptions{DiscardUntil: &discardUntil})

	expectEOF(t, seg)
	if seg.FramesSeen() != 2 || seg.ScenesEmitted() != 0 {
		t.Fatalf("counters = (%d, %d), want (2, 0)", seg.FramesSeen(), seg.ScenesEmitted())
	}
}

func TestSegmenter_EmptySourceReturnsEOF(t *testing.T) {
	seg := newTestSegmenter(t, &scriptSource{}, SegmenterOptions{Duration: 9})
	expectEOF(t, seg)
	if seg.FramesSeen() != 0 {
		t.Fatalf("FramesSeen = %d, want 0", seg.FramesSeen())
	}
}

func TestSegmenter_ErrorBeforeFirstScenePropagates(t *testing.T) {
	boom := errors.New("decoder exploded")
	src := &scriptSource{
		frames: []Frame{{Pix: noisePix(7), PTS: 0}},
		err:    boom,
	}
	seg := newTestSegmenter(t, src, SegmenterOptions{})

	nextEmission(t, seg) // open event
	if _, err := seg.Next(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestSegmenter_ErrorAfterEmittedSceneClosesThenSurfaces(t *testing.T) {
	a := noisePix(7)
	b := noisePix(99)
	boom := errors.New("boom")
	src := &scriptSource{
		frames: []Frame{
			{Pix: contrastPix(a, 1.0), PTS: 0},
			{Pix: contrastPix(a, 0.9), PTS: 1},
			{Pix: contrastPix(a, 0.8), PTS: 2},
			{Pix: contrastPix(b, 1.0), PTS: 4},
			{Pix: contrastPix(b, 0.9), PTS: 5},
		},
		err: boom,
	}
	requireCut(t, contrastPix(a, 1.0), contrastPix(b, 1.0))

	seg := newTestSegmenter(t, src, SegmenterOptions{Duration: 30})

	nextEmission(t, seg) // open event
	cut := nextEmission(t, seg)
	if cut.Scene == nil || cut.Scene.EndPTS != 4 {
		t.Fatalf("expected cut scene at 4, got %+v", cut)
	}

	salvage := nextEmission(t, seg)
	if salvage.Scene == nil || salvage.State != nil {
		t.Fatalf("expected salvage close, got %+v", salvage)
	}
	// The salvage close ends at the last decoded pts. The duration must not
	// extend it: frames past the failure were never examined, and the next
	// run resumes from here.
	if salvage.Scene.StartPTS != 4 || salvage.Scene.EndPTS != 5 {
		t.Fatalf("salvage bounds = [%v, %v], want [4, 5]", salvage.Scene.StartPTS, salvage.Scene.EndPTS)
	}

	for i := 0; i < 2; i++ {
		if _, err := seg.Next(context.Background()); !errors.Is(err, boom) {
			t.Fatalf("call %d: expected stashed error, got %v", i, err)
		}
	}
}

func TestSegmenter_ContextCancellationSkipsSalvageClose(t *testing.T) {
	a := noisePix(7)
	b := noisePix(99)
	src := &scriptSource{
		frames: []Frame{
			{Pix: contrastPix(a, 1.0), PTS: 0},
			{Pix: contrastPix(a, 0.9), PTS: 1},
			{Pix: contrastPix(a, 0.8), PTS: 2},
			{Pix: contrastPix(b, 1.0), PTS: 4},
		},
		err: context.Canceled,
	}
	requireCut(t, contrastPix(a, 1.0), contrastPix(b, 1.0))

	seg := newTestSegmenter(t, src, SegmenterOptions{Duration: 30})
	nextEmission(t, seg) // open event
	nextEmission(t, seg) // cut scene

	em, err := seg.Next(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if em.Scene != nil || em.State != nil {
		t.Fatalf("cancellation must not emit a salvage close, got %+v", em)
	}
}

func TestSegmenter_InterruptCheckStopsBetweenFrames(t *testing.T) {
	interrupted := false
	src := &scriptSource{frames: []Frame{
		{Pix: noisePix(7), PTS: 0},
		{Pix: noisePix(7), PTS: 1},
	}}
	seg := newTestSegmenter(t, src, SegmenterOptions{
		CheckInterrupt: func() bool { return interrupted },
	})

	nextEmission(t, seg) // open event

	interrupted = true
	if _, err := seg.Next(context.Background()); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}

	// The interrupt does not latch; clearing it lets the run continue.
	interrupted = false
	final := nextEmission(t, seg)
	if final.Scene == nil {
		t.Fatalf("expected final scene after resume, got %+v", final)
	}
	expectEOF(t, seg)
}

func TestNewSegmenter_RejectsMalformedAnchor(t *testing.T) {
	if _, err := NewSegmenter(&scriptSource{}, SegmenterOptions{InitialAnchor: "not-a-hash"}); err == nil {
		t.Fatalf("expected error for malformed anchor hash")
	}
}
