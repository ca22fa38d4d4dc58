package video

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// outWidth is the fixed width of the low-resolution analysis stream. The
	// height is derived from the source aspect and forced even so this side
	// and ffmpeg agree on the exact frame byte size.
	outWidth = 480

	ptsQueueTimeout = 10 * time.Second
	ptsChannelCap   = 256
)

var ptsRegex = regexp.MustCompile(`pts_time:([\d.]+)`)

// ErrPTSSync reports that a decoded frame arrived on stdout but no matching
// pts_time line showed up on stderr within the timeout. The decode pass is
// unusable past this point; callers retry with software decoding.
var ErrPTSSync = errors.New("no PTS received from ffmpeg stderr within timeout")

// Frame is one decoded RGB24 frame with its presentation timestamp.
type Frame struct {
	Pix []byte
	PTS float64
}

// FrameSource produces (frame, pts) pairs at 1 fps. Next returns io.EOF at
// end of stream and ErrPTSSync when frame/PTS pairing is lost.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
	Width() int
	Height() int
	// ReproCommand and StderrTail expose the underlying decode for failure
	// reports; both may be empty for synthetic sources.
	ReproCommand() string
	StderrTail() string
	Close() error
}

// SourceFactory opens a FrameSource over a video file. startPTS, when set,
// fast-seeks the decode; hwaccel is passed through to ffmpeg ("" disables).
type SourceFactory func(ctx context.Context, source string, startPTS *float64, hwaccel string) (FrameSource, error)

// pipeSource drives one persistent ffmpeg process that decodes the source to
// raw RGB24 on stdout while a goroutine mines pts_time values out of the
// showinfo lines on stderr. Frames and timestamps pair 1:1 by arrival order.
type pipeSource struct {
	cmd        *exec.Cmd
	argv       []string
	stdout     io.ReadCloser
	ptsCh      chan float64
	done       chan struct{}
	closeOnce  sync.Once
	width      int
	height     int
	frameBytes int
	lastPTS    float64

	mu   sync.Mutex
	tail []string
}

// NewPipeSource probes the source geometry and starts the decode process.
func NewPipeSource(ctx context.Context, source string, startPTS *float64, hwaccel string) (FrameSource, error) {
	if _, err := os.Stat(source); err != nil {
		return nil, fmt.Errorf("video source: %w", err)
	}
	srcW, srcH, err := probeDimensions(ctx, "ffprobe", source)
	if err != nil {
		return nil, err
	}
	outH, frameBytes, err := outputGeometry(srcW, srcH)
	if err != nil {
		return nil, err
	}

	argv := []string{"ffmpeg", "-hide_banner", "-loglevel", "info"}
	if hwaccel != "" {
		argv = append(argv, "-hwaccel", hwaccel)
	}
	if startPTS != nil {
		argv = append(argv, "-ss", ffArg(*startPTS))
	}
	argv = append(argv,
		"-i", source,
		"-vf", fmt.Sprintf("fps=1,scale=%d:%d,showinfo", outWidth, outH),
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"pipe:1",
	)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg decode: %w", err)
	}

	s := &pipeSource{
		cmd:        cmd,
		argv:       argv,
		stdout:     stdout,
		ptsCh:      make(chan float64, ptsChannelCap),
		done:       make(chan struct{}),
		width:      outWidth,
		height:     outH,
		frameBytes: frameBytes,
		lastPTS:    -1.0,
	}
	go s.readStderr(stderr)
	return s, nil
}

// outputGeometry computes the even output height and the byte size of one
// RGB24 frame for a 480-wide scale of the given source dimensions.
func outputGeometry(srcWidth, srcHeight int) (outHeight, frameByteSize int, err error) {
	if srcWidth <= 0 {
		return 0, 0, errors.New("source width must be positive")
	}
	scaled := float64(outWidth) * float64(srcHeight) / float64(srcWidth)
	outHeight = (int(scaled) / 2) * 2
	if outHeight <= 0 {
		return 0, 0, fmt.Errorf("source aspect %dx%d scales to zero height", srcWidth, srcHeight)
	}
	return outHeight, outWidth * outHeight * 3, nil
}

// readStderr retains a tail of recent lines for failure reports and feeds
// pts_time values to the channel. The channel closes at stderr EOF, which is
// how Next learns that no more real timestamps are coming.
func (s *pipeSource) readStderr(stderr io.Reader) {
	defer close(s.ptsCh)
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		s.appendTail(line)
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
		select {
		case s.ptsCh <- pts:
		case <-s.done:
			return
		}
	}
}

func (s *pipeSource) appendTail(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tail = append(s.tail, line)
	if len(s.tail) > defaultStderrTailLines {
		s.tail = s.tail[len(s.tail)-defaultStderrTailLines:]
	}
}

func (s *pipeSource) Next(ctx context.Context) (Frame, error) {
	buf := make([]byte, s.frameBytes)
	if _, err := io.ReadFull(s.stdout, buf); err != nil {
		// A short read or closed pipe is end of stream; a cancelled context
		// takes precedence because the kill is what closed the pipe.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Frame{}, ctxErr
		}
		return Frame{}, io.EOF
	}

	select {
	case pts, ok := <-s.ptsCh:
		if !ok {
			// stderr ended before this frame's pts_time line. Synthesize a
			// monotonic timestamp so decoding can finish.
			s.lastPTS += 1.0
			return Frame{Pix: buf, PTS: s.lastPTS}, nil
		}
		s.lastPTS = pts
		return Frame{Pix: buf, PTS: pts}, nil
	case <-time.After(ptsQueueTimeout):
		return Frame{}, ErrPTSSync
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (s *pipeSource) Width() int  { return s.width }
func (s *pipeSource) Height() int { return s.height }

func (s *pipeSource) ReproCommand() string {
	return Attempt{Cmd: s.argv}.Repro()
}

func (s *pipeSource) StderrTail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(strings.Join(s.tail, "\n"))
}

// Close terminates the decode process: SIGTERM, a 5 second grace period,
// then SIGKILL. Safe to call more than once.
func (s *pipeSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(syscall.SIGTERM)
		}
		waited := make(chan error, 1)
		go func() { waited <- s.cmd.Wait() }()
		select {
		case <-waited:
		case <-time.After(5 * time.Second):
			if s.cmd.Process != nil {
				_ = s.cmd.Process.Kill()
			}
			<-waited
		}
	})
	return nil
}
