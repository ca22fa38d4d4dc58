package video

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/corona10/goimagehash"

	"github.com/aperturelabs/mediasearch-backend/internal/types"
)

// Segmentation thresholds. A scene closes when the perceptual hash drifts
// more than PhashThreshold bits from the scene's anchor (once past the
// debounce window) or when it reaches the temporal ceiling. The first two
// frames after a scene opens never compete for best frame; decode warm-up and
// cut transitions produce blurry frames there.
const (
	PhashThreshold     = 51
	TemporalCeilingSec = 30.0
	DebounceSec        = 3.0

	skipFramesBest = 2
)

// SegmentationVersion identifies the segmentation parameters an asset was
// indexed under. Assets stamped with a different value get their scenes
// invalidated and re-segmented.
func SegmentationVersion() int {
	return PhashThreshold*10000 + int(DebounceSec*1000)
}

// ErrInterrupted is returned when the caller's interrupt check fires at a
// frame boundary. The worker resets the asset for a later re-claim.
var ErrInterrupted = errors.New("pipeline interrupted by worker shutdown")

// Scene is one closed scene with its representative frame.
type Scene struct {
	StartPTS   float64
	EndPTS     float64
	BestPix    []byte
	BestPTS    float64
	Sharpness  float64
	KeepReason string
}

// OpenState mirrors the video_active_state row: the open scene's anchor and
// start. Best-frame progress is deliberately reset; it is recomputed in
// memory during the post-crash catch-up decode.
type OpenState struct {
	AnchorPhash   string
	SceneStartTS  float64
	BestPTS       float64
	BestSharpness float64
}

// Emission is one step of the segmentation protocol:
//
//	scene != nil, state != nil   scene closed, next scene opened
//	scene != nil, state == nil   final close, active state row removed
//	scene == nil, state != nil   scene opened (or closed empty), state only
//
// Both nil never occurs.
type Emission struct {
	Scene *Scene
	State *OpenState
}

// SegmenterOptions carries the resume inputs and decode metadata.
type SegmenterOptions struct {
	// InitialSceneStart and InitialAnchor restore a pre-crash open scene.
	InitialSceneStart *float64
	InitialAnchor     string
	// DiscardUntil drops frames below this pts during the catch-up decode.
	DiscardUntil *float64
	// Duration extends the final scene's end to the container duration when
	// it exceeds the last observed pts. Zero means unknown.
	Duration float64
	// CheckInterrupt is polled at each frame boundary.
	CheckInterrupt func() bool
}

// Segmenter turns a FrameSource into a stream of scene emissions. Pull one
// emission at a time with Next; io.EOF signals completion.
type Segmenter struct {
	src  FrameSource
	opts SegmenterOptions

	anchor       *goimagehash.ExtImageHash
	sceneStart   float64
	discardUntil *float64

	bestPTS   float64
	bestSharp float64
	bestPix   []byte
	hasBest   bool
	skip      int

	lastPTS   float64
	lastPix   []byte
	lastSharp float64

	seen       bool
	frames     int
	emitted    int
	done       bool
	pendingErr error
}

func NewSegmenter(src FrameSource, opts SegmenterOptions) (*Segmenter, error) {
	s := &Segmenter{
		src:       src,
		opts:      opts,
		skip:      skipFramesBest,
		bestSharp: -1.0,
		lastSharp: -1.0,
	}
	if opts.InitialSceneStart != nil {
		s.sceneStart = *opts.InitialSceneStart
	}
	if opts.InitialAnchor != "" {
		anchor, err := goimagehash.ExtImageHashFromString(opts.InitialAnchor)
		if err != nil {
			return nil, fmt.Errorf("restore anchor phash: %w", err)
		}
		s.anchor = anchor
	}
	if opts.DiscardUntil != nil {
		until := *opts.DiscardUntil
		s.discardUntil = &until
	}
	return s, nil
}

// FramesSeen reports how many frames the source produced, including frames
// dropped by the catch-up discard. Zero after EOF means the decoder emitted
// nothing at all.
func (s *Segmenter) FramesSeen() int { return s.frames }

// ScenesEmitted reports how many closed scenes have been returned so far.
func (s *Segmenter) ScenesEmitted() int { return s.emitted }

// LastPTS is the timestamp of the newest decoded frame, 0 before any frame.
func (s *Segmenter) LastPTS() float64 {
	if s.lastPTS < 0 {
		return 0
	}
	return s.lastPTS
}

// Next advances the segmentation until something must be persisted and
// returns it. Returns io.EOF after the final emission, ErrInterrupted when
// the interrupt check fires, and the source's error otherwise.
func (s *Segmenter) Next(ctx context.Context) (Emission, error) {
	for {
		if s.pendingErr != nil {
			return Emission{}, s.pendingErr
		}
		if s.done {
			return Emission{}, io.EOF
		}
		if s.opts.CheckInterrupt != nil && s.opts.CheckInterrupt() {
			return Emission{}, ErrInterrupted
		}
		if err := ctx.Err(); err != nil {
			return Emission{}, err
		}

		frame, err := s.src.Next(ctx)
		if err == io.EOF {
			s.done = true
			if !s.seen || s.anchor == nil {
				return Emission{}, io.EOF
			}
			end := s.lastPTS
			if s.opts.Duration > s.lastPTS {
				end = s.opts.Duration
			}
			return s.closeScene(end, types.KeepReasonForced, nil, s.lastPTS), nil
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return Emission{}, err
			}
			// A decode failure mid-stream still closes the open scene so the
			// work already done survives; the error surfaces on the next call.
			if s.emitted > 0 && s.anchor != nil {
				s.pendingErr = err
				s.done = true
				return s.closeScene(s.lastPTS, types.KeepReasonForced, nil, s.lastPTS), nil
			}
			return Emission{}, err
		}

		emission, emitted, perr := s.processFrame(frame)
		if perr != nil {
			return Emission{}, perr
		}
		if emitted {
			return emission, nil
		}
	}
}

// processFrame runs one frame through discard, anchor, trigger, and
// best-frame tracking. The returned emission is only valid when emitted.
func (s *Segmenter) processFrame(frame Frame) (Emission, bool, error) {
	s.seen = true
	s.frames++
	s.lastPTS = frame.PTS
	s.lastPix = frame.Pix
	s.lastSharp = laplacianVariance(frame.Pix, s.src.Width(), s.src.Height())

	if s.discardUntil != nil {
		if frame.PTS < *s.discardUntil {
			return Emission{}, false, nil
		}
		s.discardUntil = nil
	}

	ph, err := phashRGB24(frame.Pix, s.src.Width(), s.src.Height())
	if err != nil {
		return Emission{}, false, fmt.Errorf("frame phash: %w", err)
	}

	opened := false
	if s.anchor == nil {
		s.openScene(ph, frame.PTS)
		opened = true
	}

	reason, err := s.trigger(ph, frame.PTS)
	if err != nil {
		return Emission{}, false, err
	}

	var closed *Emission
	if reason != "" {
		emission := s.closeScene(frame.PTS, reason, ph, frame.PTS)
		closed = &emission
		// The closing frame is the next scene's anchor and consumes one of
		// its warm-up skip slots below.
		s.openScene(ph, frame.PTS)
	}

	if s.skip > 0 {
		s.skip--
	} else if s.lastSharp > s.bestSharp {
		s.bestSharp = s.lastSharp
		s.bestPTS = frame.PTS
		s.bestPix = frame.Pix
		s.hasBest = true
	}

	if closed != nil {
		return *closed, true, nil
	}
	if opened {
		return Emission{State: s.openState()}, true, nil
	}
	return Emission{}, false, nil
}

func (s *Segmenter) openScene(anchor *goimagehash.ExtImageHash, pts float64) {
	s.anchor = anchor
	s.sceneStart = pts
	s.skip = skipFramesBest
	s.bestPTS = pts
	s.bestSharp = -1.0
	s.bestPix = nil
	s.hasBest = false
}

// trigger decides whether the current frame closes the open scene: the
// temporal ceiling is checked first, then phash drift gated by the debounce.
func (s *Segmenter) trigger(ph *goimagehash.ExtImageHash, pts float64) (string, error) {
	if s.anchor == nil {
		return "", nil
	}
	elapsed := pts - s.sceneStart
	if elapsed >= TemporalCeilingSec {
		return types.KeepReasonTemporal, nil
	}
	distance, err := s.anchor.Distance(ph)
	if err != nil {
		return "", fmt.Errorf("phash distance: %w", err)
	}
	if distance <= PhashThreshold {
		return "", nil
	}
	if elapsed < DebounceSec {
		return "", nil
	}
	return types.KeepReasonPhash, nil
}

// closeScene materializes the scene and the follow-on active state, then
// resets per-scene tracking. A scene with no eligible best frame only
// persists on a forced close, using the last observed frame.
func (s *Segmenter) closeScene(endPTS float64, reason string, nextAnchor *goimagehash.ExtImageHash, nextPTS float64) Emission {
	var state *OpenState
	if nextAnchor != nil {
		state = &OpenState{
			AnchorPhash:   nextAnchor.ToString(),
			SceneStartTS:  nextPTS,
			BestPTS:       nextPTS,
			BestSharpness: -1.0,
		}
	}

	var scene *Scene
	switch {
	case s.hasBest && len(s.bestPix) > 0:
		scene = &Scene{
			StartPTS:   s.sceneStart,
			EndPTS:     endPTS,
			BestPix:    s.bestPix,
			BestPTS:    s.bestPTS,
			Sharpness:  s.bestSharp,
			KeepReason: reason,
		}
	case reason == types.KeepReasonForced && len(s.lastPix) > 0:
		scene = &Scene{
			StartPTS:   s.sceneStart,
			EndPTS:     endPTS,
			BestPix:    s.lastPix,
			BestPTS:    s.lastPTS,
			Sharpness:  s.lastSharp,
			KeepReason: reason,
		}
	}
	if scene != nil {
		s.emitted++
	}

	s.sceneStart = endPTS
	s.anchor = nil
	s.bestPTS = endPTS
	s.bestSharp = -1.0
	s.bestPix = nil
	s.hasBest = false
	s.skip = skipFramesBest

	return Emission{Scene: scene, State: state}
}

func (s *Segmenter) openState() *OpenState {
	return &OpenState{
		AnchorPhash:   s.anchor.ToString(),
		SceneStartTS:  s.sceneStart,
		BestPTS:       s.sceneStart,
		BestSharpness: -1.0,
	}
}
