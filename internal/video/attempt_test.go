package video

import (
	"fmt"
	"strings"
	"testing"
)

func TestShellQuote(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"ffmpeg", "ffmpeg"},
		{"/data/lib/video.mp4", "/data/lib/video.mp4"},
		{"scale=-2:720", "scale=-2:720"},
		{"", "''"},
		{"with space", "'with space'"},
		{"it's", `'it'\''s'`},
		{"a;b", "'a;b'"},
	}
	for _, c := range cases {
		if got := shellQuote(c.in); got != c.want {
			t.Fatalf("shellQuote(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestAttemptRepro_QuotesUnsafeArgs(t *testing.T) {
	a := Attempt{Cmd: []string{"ffmpeg", "-i", "/data/my video.mp4", "-vf", "scale='min(1280,iw)':-2", "out.mp4"}}
	want := `ffmpeg -i '/data/my video.mp4' -vf 'scale='\''min(1280,iw)'\'':-2' out.mp4`
	if got := a.Repro(); got != want {
		t.Fatalf("Repro = %q, want %q", got, want)
	}
}

func TestAttemptOK(t *testing.T) {
	if !(Attempt{ReturnCode: 0}).OK() {
		t.Fatalf("rc 0 should be OK")
	}
	if (Attempt{ReturnCode: 1}).OK() {
		t.Fatalf("rc 1 should not be OK")
	}
}

func TestTailLines_KeepsLastLines(t *testing.T) {
	var b strings.Builder
	for i := 1; i <= 50; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	got := tailLines(b.String(), 40)
	lines := strings.Split(got, "\n")
	if len(lines) != 40 {
		t.Fatalf("kept %d lines, want 40", len(lines))
	}
	if lines[0] != "line 11" || lines[39] != "line 50" {
		t.Fatalf("unexpected window: first=%q last=%q", lines[0], lines[39])
	}

	if got := tailLines("only one", 40); got != "only one" {
		t.Fatalf("short input should pass through, got %q", got)
	}
	if got := tailLines("", 40); got != "" {
		t.Fatalf("empty input should stay empty, got %q", got)
	}
}

func TestFormatAttempt(t *testing.T) {
	withStderr := Attempt{Cmd: []string{"ffmpeg", "-i", "in.mp4"}, ReturnCode: 1, Stderr: "boom\nbang"}
	got := FormatAttempt("720p transcode failed", withStderr)
	want := "720p transcode failed\nRepro: ffmpeg -i in.mp4\nFFmpeg stderr tail:\nboom\nbang"
	if got != want {
		t.Fatalf("FormatAttempt = %q, want %q", got, want)
	}

	quiet := Attempt{Cmd: []string{"ffmpeg", "-i", "in.mp4"}, ReturnCode: 1}
	got = FormatAttempt("frame extraction failed", quiet)
	want = "frame extraction failed\nRepro: ffmpeg -i in.mp4"
	if got != want {
		t.Fatalf("FormatAttempt without stderr = %q, want %q", got, want)
	}
}

func TestFormatAttempts(t *testing.T) {
	attempts := []Attempt{
		{Cmd: []string{"ffmpeg", "-c:v", "h264_videotoolbox"}, ReturnCode: 1, Stderr: "hw fail"},
		{Cmd: []string{"ffmpeg", "-c:v", "libx264"}, ReturnCode: 1},
	}
	got := FormatAttempts("720p transcode failed", attempts)
	want := "720p transcode failed\n" +
		"Attempt 1: Repro: ffmpeg -c:v h264_videotoolbox\n" +
		"Attempt 1: FFmpeg stderr tail:\nhw fail\n" +
		"Attempt 2: Repro: ffmpeg -c:v libx264"
	if got != want {
		t.Fatalf("FormatAttempts = %q, want %q", got, want)
	}

	if got := FormatAttempts("nothing ran", nil); got != "nothing ran" {
		t.Fatalf("empty attempts = %q, want label only", got)
	}
}
