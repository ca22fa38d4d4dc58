package video

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/aperturelabs/mediasearch-backend/internal/platform/ctxutil"
)

var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}
)

const (
	highResWindowOffset   = 0.5
	highResWindowDuration = 1.0
)

// ExtractNearestFrame decodes a one second window around targetPTS at full
// source resolution to MJPEG and returns the frame closest to the target,
// together with its showinfo line. Returns (nil, "", nil) when the window
// yields no usable frame; that is a soft miss, not an error.
func ExtractNearestFrame(ctx context.Context, source string, targetPTS float64) ([]byte, string, error) {
	ctx = ctxutil.Default(ctx)
	if _, err := os.Stat(source); err != nil {
		return nil, "", fmt.Errorf("video source: %w", err)
	}
	start := math.Max(0, targetPTS-highResWindowOffset)

	argv := []string{
		"ffmpeg",
		"-hide_banner", "-loglevel", "info",
		"-ss", ffArg(start),
		"-t", ffArg(highResWindowDuration),
		"-i", source,
		"-vf", "fps=30,showinfo",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-",
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, "", fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, "", fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start ffmpeg window decode: %w", err)
	}

	// Both pipes must drain concurrently or a chatty stderr can deadlock the
	// stdout read.
	var (
		wg       sync.WaitGroup
		ptsLines []ptsLine
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ptsLines = readShowinfoPTS(stderr)
	}()
	raw, readErr := io.ReadAll(stdout)
	wg.Wait()
	_ = cmd.Wait()
	if readErr != nil && len(raw) == 0 {
		return nil, "", fmt.Errorf("read mjpeg stream: %w", readErr)
	}

	frames := parseMJPEGStream(raw)
	if len(frames) == 0 || len(ptsLines) == 0 {
		return nil, "", nil
	}
	n := len(frames)
	if len(ptsLines) < n {
		n = len(ptsLines)
	}
	best := 0
	bestDelta := math.Abs(ptsLines[0].pts - targetPTS)
	for i := 1; i < n; i++ {
		if d := math.Abs(ptsLines[i].pts - targetPTS); d < bestDelta {
			best = i
			bestDelta = d
		}
	}
	return frames[best], ptsLines[best].line, nil
}

type ptsLine struct {
	pts  float64
	line string
}

// readShowinfoPTS collects (pts, line) for each showinfo frame report, in
// stream order. Frames and reports pair by index.
func readShowinfoPTS(r io.Reader) []ptsLine {
	var out []ptsLine
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.Contains(line, "showinfo") || !strings.Contains(line, "pts_time:") {
			continue
		}
		m := ptsRegex.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		pts, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		out = append(out, ptsLine{pts: pts, line: strings.TrimSpace(line)})
	}
	return out
}

// parseMJPEGStream splits a concatenated MJPEG byte stream into complete
// SOI..EOI frames. An incomplete trailing frame is discarded.
func parseMJPEGStream(stream []byte) [][]byte {
	var frames [][]byte
	i := 0
	for i < len(stream) {
		soi := bytes.Index(stream[i:], jpegSOI)
		if soi < 0 {
			break
		}
		soi += i
		eoi := bytes.Index(stream[soi+2:], jpegEOI)
		if eoi < 0 {
			break
		}
		end := soi + 2 + eoi + 2
		frames = append(frames, stream[soi:end])
		i = end
	}
	return frames
}
