package workers

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

const (
	// FlightLogCapacity bounds the in-memory ring. At typical worker chatter
	// this covers hours of history without the memory ever mattering.
	FlightLogCapacity = 50_000

	// DefaultForensicsDir receives dumps when no directory is configured.
	DefaultForensicsDir = "/logs/forensics"
)

type flightEntry struct {
	at      time.Time
	level   string
	message string
	extra   []string
}

// FlightLog is a fixed-capacity ring of recent worker events, kept off the
// hot logging path so it can be flushed to disk on demand: operators send a
// forensic_dump command, and the run loop dumps on panic. Safe for use from
// the task and heartbeat goroutines concurrently.
type FlightLog struct {
	mu       sync.Mutex
	workerID string
	capacity int
	entries  []flightEntry
	start    int
}

// NewFlightLog creates a ring for one worker. capacity <= 0 selects
// FlightLogCapacity.
func NewFlightLog(workerID string, capacity int) *FlightLog {
	if capacity <= 0 {
		capacity = FlightLogCapacity
	}
	return &FlightLog{workerID: workerID, capacity: capacity}
}

// Append records one event. kv pairs render as key=value; a dangling key is
// kept as-is rather than dropped.
func (f *FlightLog) Append(level, message string, kv ...interface{}) {
	entry := flightEntry{at: time.Now().UTC(), level: level, message: message}
	for i := 0; i < len(kv); i += 2 {
		if i == len(kv)-1 {
			entry.extra = append(entry.extra, fmt.Sprintf("%v", kv[i]))
			break
		}
		entry.extra = append(entry.extra, fmt.Sprintf("%v=%v", kv[i], kv[i+1]))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) < f.capacity {
		f.entries = append(f.entries, entry)
		return
	}
	f.entries[f.start] = entry
	f.start = (f.start + 1) % f.capacity
}

func (f *FlightLog) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// Dump writes the whole buffer, oldest first, to
// <baseDir>/<worker_id>_<YYYYmmdd_HHMMSS>.log and returns the path. The file
// lands atomically so a dump interrupted by the crash it is documenting
// never leaves a torn log. An empty baseDir selects DefaultForensicsDir.
func (f *FlightLog) Dump(baseDir string) (string, error) {
	if baseDir == "" {
		baseDir = DefaultForensicsDir
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return "", fmt.Errorf("create forensics dir: %w", err)
	}
	path := filepath.Join(baseDir, fmt.Sprintf("%s_%s.log", f.workerID, time.Now().UTC().Format("20060102_150405")))

	var buf bytes.Buffer
	for _, entry := range f.snapshot() {
		buf.WriteString(entry.at.Format("2006-01-02T15:04:05.000000Z"))
		buf.WriteString(" [")
		buf.WriteString(entry.level)
		buf.WriteString("] ")
		buf.WriteString(entry.message)
		for _, kv := range entry.extra {
			buf.WriteByte(' ')
			buf.WriteString(kv)
		}
		buf.WriteByte('\n')
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write forensics dump: %w", err)
	}
	return path, nil
}

func (f *FlightLog) snapshot() []flightEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]flightEntry, 0, len(f.entries))
	out = append(out, f.entries[f.start:]...)
	out = append(out, f.entries[:f.start]...)
	return out
}
