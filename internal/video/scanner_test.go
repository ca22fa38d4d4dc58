package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestOutputGeometry(t *testing.T) {
	cases := []struct {
		srcW, srcH int
		wantH      int
	}{
		{1920, 1080, 270},
		{1280, 720, 270},
		{640, 480, 360},
		// Odd scaled heights snap down to even for yuv-friendly rawvideo.
		{480, 361, 360},
	}
	for _, c := range cases {
		gotH, gotBytes, err := outputGeometry(c.srcW, c.srcH)
		if err != nil {
			t.Fatalf("outputGeometry(%d, %d): %v", c.srcW, c.srcH, err)
		}
		if gotH != c.wantH {
			t.Fatalf("outputGeometry(%d, %d) height = %d, want %d", c.srcW, c.srcH, gotH, c.wantH)
		}
		if want := outWidth * c.wantH * 3; gotBytes != want {
			t.Fatalf("frame bytes = %d, want %d", gotBytes, want)
		}
	}

	if _, _, err := outputGeometry(10000, 1); err == nil {
		t.Fatalf("expected error for degenerate aspect")
	}
	if _, _, err := outputGeometry(0, 100); err == nil {
		t.Fatalf("expected error for zero width")
	}
}

func TestReadStderr_ParsesShowinfoPTSAndKeepsTail(t *testing.T) {
	input := strings.Join([]string{
		"[Parsed_showinfo_2 @ 0x55d] n:   0 pts:   1024 pts_time:0.5 pos: 123 fmt:rgb24",
		"frame=    1 fps=0.0 q=-0.0 size=N/A",
		"[Parsed_showinfo_2 @ 0x55d] n:   1 pts:   2048 pts_time:1.25 pos: 456 fmt:rgb24",
		"[Parsed_showinfo_2 @ 0x55d] config change",
	}, "\n")

	s := &pipeSource{
		ptsCh: make(chan float64, ptsChannelCap),
		done:  make(chan struct{}),
	}
	s.readStderr(strings.NewReader(input))

	var got []float64
	for pts := range s.ptsCh {
		got = append(got, pts)
	}
	if len(got) != 2 || got[0] != 0.5 || got[1] != 1.25 {
		t.Fatalf("parsed pts = %v, want [0.5 1.25]", got)
	}
	tail := s.StderrTail()
	if !strings.Contains(tail, "config change") || !strings.Contains(tail, "frame=    1") {
		t.Fatalf("tail should retain all lines, got %q", tail)
	}
}

func TestAppendTail_WindowsToLastLines(t *testing.T) {
	s := &pipeSource{}
	for i := 1; i <= defaultStderrTailLines+5; i++ {
		s.appendTail(fmt.Sprintf("line %d", i))
	}
	tail := strings.Split(s.StderrTail(), "\n")
	if len(tail) != defaultStderrTailLines {
		t.Fatalf("tail kept %d lines, want %d", len(tail), defaultStderrTailLines)
	}
	if tail[0] != "line 6" {
		t.Fatalf("oldest retained line = %q, want line 6", tail[0])
	}
}

func TestPipeSourceNext_PairsFramesWithPTS(t *testing.T) {
	const frameBytes = 2 * 1 * 3
	stdout := bytes.Repeat([]byte{7}, frameBytes*2)
	ptsCh := make(chan float64, 4)
	ptsCh <- 0.0
	ptsCh <- 1.5

	s := &pipeSource{
		stdout:     io.NopCloser(bytes.NewReader(stdout)),
		ptsCh:      ptsCh,
		done:       make(chan struct{}),
		width:      2,
		height:     1,
		frameBytes: frameBytes,
		lastPTS:    -1.0,
	}

	f1, err := s.Next(context.Background())
	if err != nil || f1.PTS != 0.0 || len(f1.Pix) != frameBytes {
		t.Fatalf("frame 1 = %+v, err %v", f1, err)
	}
	f2, err := s.Next(context.Background())
	if err != nil || f2.PTS != 1.5 {
		t.Fatalf("frame 2 = %+v, err %v", f2, err)
	}
	if _, err := s.Next(context.Background()); err != io.EOF {
		t.Fatalf("exhausted stdout should return io.EOF, got %v", err)
	}
}

func TestPipeSourceNext_SynthesizesPTSAfterStderrEnds(t *testing.T) {
	const frameBytes = 2 * 1 * 3
	ptsCh := make(chan float64)
	close(ptsCh)

	s := &pipeSource{
		stdout:     io.NopCloser(bytes.NewReader(make([]byte, frameBytes*2))),
		ptsCh:      ptsCh,
		done:       make(chan struct{}),
		width:      2,
		height:     1,
		frameBytes: frameBytes,
		lastPTS:    -1.0,
	}

	f1, err := s.Next(context.Background())
	if err != nil || f1.PTS != 0.0 {
		t.Fatalf("synthesized frame 1 pts = %v, err %v", f1.PTS, err)
	}
	f2, err := s.Next(context.Background())
	if err != nil || f2.PTS != 1.0 {
		t.Fatalf("synthesized frame 2 pts = %v, err %v", f2.PTS, err)
	}
}

func TestPipeSourceNext_ContextErrorWinsOverEOF(t *testing.T) {
	s := &pipeSource{
		stdout:     io.NopCloser(bytes.NewReader(nil)),
		ptsCh:      make(chan float64),
		done:       make(chan struct{}),
		frameBytes: 6,
		lastPTS:    -1.0,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPipeSourceReproCommand(t *testing.T) {
	s := &pipeSource{argv: []string{"ffmpeg", "-i", "/data/a b.mp4", "pipe:1"}}
	want := "ffmpeg -i '/data/a b.mp4' pipe:1"
	if got := s.ReproCommand(); got != want {
		t.Fatalf("ReproCommand = %q, want %q", got, want)
	}
}
