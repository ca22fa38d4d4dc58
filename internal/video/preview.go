package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aperturelabs/mediasearch-backend/internal/platform/ctxutil"
)

const (
	previewSize      = 320
	previewFrameRate = "2.5" // 400ms per frame
	previewMaxFrames = 60
	previewLoopCount = "65535" // some viewers treat 0 as "play once"
)

// previewFrameIndices picks at most previewMaxFrames evenly spaced indices
// so long videos produce a preview of bounded size.
func previewFrameIndices(n int) []int {
	if n <= previewMaxFrames {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	step := float64(n) / float64(previewMaxFrames)
	out := make([]int, previewMaxFrames)
	for i := range out {
		out[i] = int(float64(i) * step)
	}
	return out
}

// BuildAnimatedPreview stages the selected frames as a numbered sequence and
// has ffmpeg assemble them into a looping 320x320 animated WebP. Portrait and
// landscape frames are fit then padded with black to the square.
func (t *tools) BuildAnimatedPreview(ctx context.Context, framePaths []string, dest string) error {
	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, t.defaultTimeout)
	defer cancel()

	if len(framePaths) == 0 {
		return errors.New("animated preview: no input frames")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("mkdir for preview dest: %w", err)
	}

	stage, err := os.MkdirTemp("", "preview-frames-")
	if err != nil {
		return fmt.Errorf("stage preview frames: %w", err)
	}
	defer os.RemoveAll(stage)

	staged := 0
	for _, idx := range previewFrameIndices(len(framePaths)) {
		src := framePaths[idx]
		if err := copyFile(src, filepath.Join(stage, fmt.Sprintf("frame_%04d.jpg", staged))); err != nil {
			t.log.Warn("could not stage preview frame", "path", src, "error", err)
			continue
		}
		staged++
	}
	if staged == 0 {
		return errors.New("animated preview: no loadable frames")
	}

	argv := []string{
		t.ffmpegPath,
		"-hide_banner", "-loglevel", "error", "-y",
		"-framerate", previewFrameRate,
		"-i", filepath.Join(stage, "frame_%04d.jpg"),
		"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:0:0:black", previewSize, previewSize, previewSize, previewSize),
		"-c:v", "libwebp",
		"-loop", previewLoopCount,
		dest,
	}
	attempt := validateNonEmpty(dest, runCapture(ctx, argv))
	if !attempt.OK() {
		return errors.New(FormatAttempt("animated preview assembly failed", attempt))
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
