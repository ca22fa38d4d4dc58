package video

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/aperturelabs/mediasearch-backend/internal/platform/ctxutil"
	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
)

// Tools wraps the ffmpeg/ffprobe binaries behind a synchronous, deterministic
// interface. Call it from worker loops, not request handlers: a transcode can
// run for minutes.
//
// REQUIRED BINARIES in worker runtime:
// - ffmpeg for transcoding, frame/clip extraction, and preview assembly
// - ffprobe for duration and dimension probes
type Tools interface {
	AssertReady(ctx context.Context) error

	// ProbeDuration returns the container duration in seconds. ok is false
	// when the probe fails or reports a non-positive value.
	ProbeDuration(ctx context.Context, source string) (duration float64, ok bool)
	// ProbeDimensions returns the first video stream's width and height.
	ProbeDimensions(ctx context.Context, source string) (width, height int, err error)

	// TranscodeTo720p produces a 720p H.264 yuv420p MP4 at dest, trying the
	// hardware encoder first when one is available and falling back to
	// libx264. Every attempt is returned for diagnostics; the last one's OK()
	// is the overall verdict.
	TranscodeTo720p(ctx context.Context, source, dest string, opts TranscodeOptions) []Attempt

	// ExtractHeadClip stream-copies the first duration seconds into dest.
	ExtractHeadClip(ctx context.Context, source, dest string, duration float64) Attempt
	// ExtractFrame writes one high-quality JPEG frame at timestamp to dest.
	ExtractFrame(ctx context.Context, source, dest string, timestamp float64) Attempt
	// ExtractClip re-encodes a web-safe H.264/AAC excerpt starting
	// contextSeconds before startTS.
	ExtractClip(ctx context.Context, source, dest string, startTS, duration, contextSeconds float64) Attempt

	// BuildAnimatedPreview assembles scene rep-frame JPEGs into a looping
	// 320x320 animated WebP at dest.
	BuildAnimatedPreview(ctx context.Context, framePaths []string, dest string) error
}

// TranscodeOptions carries progress reporting inputs for TranscodeTo720p.
// OnProgress receives a fraction in [0,1] and is only invoked when Duration
// is known and positive.
type TranscodeOptions struct {
	Duration   float64
	OnProgress func(fraction float64)
}

type tools struct {
	log *logger.Logger

	ffmpegPath  string
	ffprobePath string

	defaultTimeout time.Duration
}

const probeTimeout = 30 * time.Second

func NewTools(baseLog *logger.Logger) Tools {
	return &tools{
		log:            baseLog.With("service", "VideoTools"),
		ffmpegPath:     "ffmpeg",
		ffprobePath:    "ffprobe",
		defaultTimeout: 10 * time.Minute,
	}
}

func (t *tools) AssertReady(ctx context.Context) error {
	for _, bin := range []string{t.ffmpegPath, t.ffprobePath} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("missing required binary %q in PATH: %w", bin, err)
		}
	}
	return nil
}

func (t *tools) ProbeDuration(ctx context.Context, source string) (float64, bool) {
	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		source,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			t.log.Warn("ffprobe duration probe failed", "source", source, "stderr", msg)
		}
		return 0, false
	}
	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return 0, false
	}
	duration, err := strconv.ParseFloat(out, 64)
	if err != nil {
		t.log.Warn("ffprobe returned non-numeric duration", "source", source, "output", out)
		return 0, false
	}
	if duration <= 0 {
		return 0, false
	}
	return duration, true
}

func (t *tools) ProbeDimensions(ctx context.Context, source string) (int, int, error) {
	return probeDimensions(ctx, t.ffprobePath, source)
}

// probeDimensions is shared with the frame-pipe source, which sizes its read
// buffer from the stream geometry before starting the decode.
func probeDimensions(ctx context.Context, ffprobePath, source string) (int, int, error) {
	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "csv=p=0",
		source,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, 0, fmt.Errorf("ffprobe dimensions probe failed: %w; out=%s", err, strings.TrimSpace(stderr.String()))
	}
	line := strings.TrimSpace(stdout.String())
	if line == "" {
		return 0, 0, fmt.Errorf("ffprobe returned no stream for %s", source)
	}
	// Some containers append a trailing comma or report multiple lines; the
	// first line's first two fields are the video stream geometry.
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	parts := strings.Split(strings.TrimSuffix(line, ","), ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("ffprobe unexpected output: %q", line)
	}
	width, werr := strconv.Atoi(strings.TrimSpace(parts[0]))
	height, herr := strconv.Atoi(strings.TrimSpace(parts[1]))
	if werr != nil || herr != nil {
		return 0, 0, fmt.Errorf("ffprobe unexpected output: %q", line)
	}
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("ffprobe invalid dimensions: %dx%d", width, height)
	}
	return width, height, nil
}

func (t *tools) TranscodeTo720p(ctx context.Context, source, dest string, opts TranscodeOptions) []Attempt {
	ctx = ctxutil.Default(ctx)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return []Attempt{{
			Cmd:        []string{t.ffmpegPath, source, dest},
			ReturnCode: 1,
			Stderr:     fmt.Sprintf("mkdir for transcode dest: %v", err),
		}}
	}

	argvFor := func(encoder string) []string {
		argv := []string{
			t.ffmpegPath,
			"-hide_banner", "-loglevel", "error", "-y",
			"-i", source,
			"-vf", "scale=-2:720",
			"-c:v", encoder,
			"-b:v", "3M",
			"-pix_fmt", "yuv420p",
		}
		if encoder == "libx264" {
			argv = append(argv, "-preset", "veryfast")
		}
		return append(argv, dest)
	}

	run := func(encoder string) Attempt {
		argv := argvFor(encoder)
		if opts.OnProgress != nil && opts.Duration > 0 {
			last := argv[len(argv)-1]
			argv = append(append(argv[:len(argv)-1:len(argv)-1], "-progress", "pipe:2", "-nostats"), last)
			return runWithProgress(ctx, argv, opts.Duration, opts.OnProgress)
		}
		return runCapture(ctx, argv)
	}

	var attempts []Attempt
	if t.videotoolboxAvailable(ctx) {
		t.log.Info("720p transcode attempting hardware encoder", "source", source, "encoder", "h264_videotoolbox")
		attempts = append(attempts, run("h264_videotoolbox"))
		attempts[len(attempts)-1] = validateNonEmpty(dest, attempts[len(attempts)-1])
		if attempts[len(attempts)-1].OK() {
			if opts.OnProgress != nil && opts.Duration > 0 {
				opts.OnProgress(1.0)
			}
			return attempts
		}
		t.log.Info("hardware transcode failed, falling back to libx264", "source", source)
		attempts = append(attempts, run("libx264"))
		attempts[len(attempts)-1] = validateNonEmpty(dest, attempts[len(attempts)-1])
		return attempts
	}

	attempts = append(attempts, run("libx264"))
	attempts[len(attempts)-1] = validateNonEmpty(dest, attempts[len(attempts)-1])
	return attempts
}

// videotoolboxAvailable reports whether ffmpeg offers the macOS hardware H.264
// encoder. Always false off darwin.
func (t *tools) videotoolboxAvailable(ctx context.Context) bool {
	if runtime.GOOS != "darwin" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, t.ffmpegPath, "-hide_banner", "-encoders")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		return false
	}
	return strings.Contains(stdout.String(), "h264_videotoolbox")
}

func (t *tools) ExtractHeadClip(ctx context.Context, source, dest string, duration float64) Attempt {
	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, t.defaultTimeout)
	defer cancel()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Attempt{Cmd: []string{t.ffmpegPath, source, dest}, ReturnCode: 1, Stderr: fmt.Sprintf("mkdir for head clip dest: %v", err)}
	}
	argv := []string{
		t.ffmpegPath,
		"-hide_banner", "-loglevel", "error", "-y",
		"-ss", "0",
		"-i", source,
		"-t", ffArg(duration),
		"-c", "copy",
		"-movflags", "+faststart",
		dest,
	}
	return validateNonEmpty(dest, runCapture(ctx, argv))
}

func (t *tools) ExtractFrame(ctx context.Context, source, dest string, timestamp float64) Attempt {
	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, t.defaultTimeout)
	defer cancel()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Attempt{Cmd: []string{t.ffmpegPath, source, dest}, ReturnCode: 1, Stderr: fmt.Sprintf("mkdir for frame dest: %v", err)}
	}
	argv := []string{
		t.ffmpegPath,
		"-hide_banner", "-loglevel", "error", "-y",
		"-ss", ffArg(timestamp),
		"-i", source,
		"-frames:v", "1",
		"-q:v", "2",
		"-vf", "scale='min(1280,iw)':-2",
		dest,
	}
	return validateNonEmpty(dest, runCapture(ctx, argv))
}

func (t *tools) ExtractClip(ctx context.Context, source, dest string, startTS, duration, contextSeconds float64) Attempt {
	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, t.defaultTimeout)
	defer cancel()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Attempt{Cmd: []string{t.ffmpegPath, source, dest}, ReturnCode: 1, Stderr: fmt.Sprintf("mkdir for clip dest: %v", err)}
	}
	safeStart := math.Max(0, startTS-contextSeconds)
	argv := []string{
		t.ffmpegPath,
		"-hide_banner", "-loglevel", "error", "-y",
		"-ss", ffArg(safeStart),
		"-i", source,
		"-t", ffArg(duration),
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "28",
		"-vf", "scale='min(1280,iw)':-2",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		dest,
	}
	return validateNonEmpty(dest, runCapture(ctx, argv))
}

// ffArg formats a float the way ffmpeg expects on the command line: plain
// decimal, no exponent, no trailing zeros.
func ffArg(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func runCapture(ctx context.Context, argv []string) Attempt {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr
	rc := 0
	if err := cmd.Run(); err != nil {
		rc = exitCode(err)
	}
	return Attempt{Cmd: argv, ReturnCode: rc, Stderr: strings.TrimSpace(stderr.String())}
}

// runWithProgress streams stderr to pick up `-progress pipe:2` key=value
// output. out_time_ms is microseconds despite the name; progress is reported
// at >= 1% increments.
func runWithProgress(ctx context.Context, argv []string, totalDuration float64, onProgress func(float64)) Attempt {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = io.Discard
	pipe, err := cmd.StderrPipe()
	if err != nil {
		return Attempt{Cmd: argv, ReturnCode: 1, Stderr: err.Error()}
	}
	if err := cmd.Start(); err != nil {
		return Attempt{Cmd: argv, ReturnCode: 1, Stderr: err.Error()}
	}

	var lines []string
	lastPercent := -1.0
	sc := bufio.NewScanner(pipe)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		lines = append(lines, line)
		if onProgress == nil || totalDuration <= 0 || !strings.Contains(line, "out_time_ms=") {
			continue
		}
		_, value, found := strings.Cut(strings.TrimSpace(line), "=")
		if !found {
			continue
		}
		outTimeMicros, perr := strconv.ParseFloat(value, 64)
		if perr != nil {
			continue
		}
		percent := math.Max(0, math.Min(1, (outTimeMicros/1_000_000.0)/totalDuration))
		if lastPercent < 0 || percent-lastPercent >= 0.01 {
			lastPercent = percent
			onProgress(percent)
		}
	}

	rc := 0
	if err := cmd.Wait(); err != nil {
		rc = exitCode(err)
	}
	return Attempt{Cmd: argv, ReturnCode: rc, Stderr: strings.TrimSpace(strings.Join(lines, "\n"))}
}

func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if code := ee.ExitCode(); code != 0 {
			return code
		}
	}
	return 1
}

// validateNonEmpty downgrades a nominally successful attempt whose output
// file is missing or zero bytes; ffmpeg exits 0 on some fatal muxer errors.
func validateNonEmpty(dest string, a Attempt) Attempt {
	if !a.OK() {
		return a
	}
	if fileNonEmpty(dest) {
		return a
	}
	_ = os.Remove(dest)
	a.ReturnCode = 1
	a.Stderr += zeroByteStderrSuffix
	return a
}

func fileNonEmpty(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Size() > 0
}
