package video

import (
	"fmt"
	"strings"
)

const (
	zeroByteStderrSuffix   = "\n[media-search] Output file is 0 bytes; treating as failure"
	defaultStderrTailLines = 40
)

// Attempt records one ffmpeg invocation for diagnostics: the exact argv, the
// exit code, and captured stderr. Failed assets carry the formatted attempt in
// their error message so an operator can reproduce the failure by hand.
type Attempt struct {
	Cmd        []string
	ReturnCode int
	Stderr     string
}

func (a Attempt) OK() bool { return a.ReturnCode == 0 }

// Repro renders a shell-safe command line for copy/paste.
func (a Attempt) Repro() string {
	quoted := make([]string, 0, len(a.Cmd))
	for _, c := range a.Cmd {
		quoted = append(quoted, shellQuote(c))
	}
	return strings.Join(quoted, " ")
}

// StderrTail returns the last defaultStderrTailLines lines of stderr.
func (a Attempt) StderrTail() string {
	return tailLines(a.Stderr, defaultStderrTailLines)
}

func tailLines(s string, max int) string {
	if s == "" {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > max {
		lines = lines[len(lines)-max:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// shellQuote single-quotes s for POSIX shells, leaving plainly safe strings
// untouched so repro lines stay readable.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r == '.' || r == '/' || r == '-' || r == '_' || r == ':' || r == '=' || r == '+' || r == ',' || r == '%' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// FormatAttempt renders a one-attempt diagnostic block under a label.
func FormatAttempt(label string, a Attempt) string {
	tail := a.StderrTail()
	if tail != "" {
		return fmt.Sprintf("%s\nRepro: %s\nFFmpeg stderr tail:\n%s", label, a.Repro(), tail)
	}
	return fmt.Sprintf("%s\nRepro: %s", label, a.Repro())
}

// FormatAttempts renders every attempt of a multi-try operation (hardware
// encode then software fallback) under a label.
func FormatAttempts(label string, attempts []Attempt) string {
	if len(attempts) == 0 {
		return label
	}
	lines := []string{label}
	for i, a := range attempts {
		lines = append(lines, fmt.Sprintf("Attempt %d: Repro: %s", i+1, a.Repro()))
		if tail := a.StderrTail(); tail != "" {
			lines = append(lines, fmt.Sprintf("Attempt %d: FFmpeg stderr tail:\n%s", i+1, tail))
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
