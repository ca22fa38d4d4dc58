package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/repos"
	"github.com/aperturelabs/mediasearch-backend/internal/types"
)

const (
	// DefaultHeartbeatInterval is how often the sidecar goroutine refreshes
	// last_seen_at. It must stay comfortably under the 60s freshness window
	// used for local-worker counting.
	DefaultHeartbeatInterval = 15 * time.Second

	// DefaultPollInterval is the idle backoff between empty claims and the
	// cadence of command polling.
	DefaultPollInterval = 1 * time.Second

	offlineTimeout = 5 * time.Second
)

// Task is one worker's claim-and-process step. ProcessTask handles its own
// per-asset errors and reports only whether it found work, so the runner can
// back off when the queue is empty. The context is canceled when shutdown is
// requested; long tasks should also poll Runner.ShouldExit at safe points.
type Task interface {
	ProcessTask(ctx context.Context) bool
}

// Preparer is an optional Task extension for one-shot passes that must run
// after registration but before the loop, such as repair sweeps and tooling
// checks. A Prepare error stops the worker before it claims anything.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// RunnerConfig shapes one worker's lifecycle. Zero values pick defaults.
type RunnerConfig struct {
	Kind     string
	WorkerID string
	Hostname string

	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	ForensicsDir      string

	// Once exits the loop after the first ProcessTask call instead of
	// polling forever. Used by CLI one-shot invocations.
	Once bool
}

// NewWorkerID builds the fleet-unique id for a worker process:
// <kind>-<hostname>-<6 hex chars>.
func NewWorkerID(kind, hostname string) string {
	return fmt.Sprintf("%s-%s-%s", kind, hostname, uuid.NewString()[:6])
}

// Runner drives one worker: schema guard, registration, heartbeat sidecar,
// command dispatch, and the poll loop around a Task. One Runner per logical
// worker; a fleet process creates several and runs them on goroutines.
type Runner struct {
	workers repos.WorkerRepo
	meta    repos.SystemMetadataRepo
	log     *logger.Logger
	flight  *FlightLog

	kind     string
	workerID string
	hostname string

	heartbeatEvery time.Duration
	pollEvery      time.Duration
	forensicsDir   string
	once           bool

	exiting atomic.Bool
	paused  atomic.Bool

	statsMu sync.Mutex
	stats   datatypes.JSON
}

func NewRunner(workerRepo repos.WorkerRepo, metaRepo repos.SystemMetadataRepo, baseLog *logger.Logger, cfg RunnerConfig) *Runner {
	hostname := cfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = NewWorkerID(cfg.Kind, hostname)
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Runner{
		workers:        workerRepo,
		meta:           metaRepo,
		log:            baseLog.With("component", "Worker", "kind", cfg.Kind, "worker_id", workerID),
		flight:         NewFlightLog(workerID, 0),
		kind:           cfg.Kind,
		workerID:       workerID,
		hostname:       hostname,
		heartbeatEvery: heartbeat,
		pollEvery:      poll,
		forensicsDir:   cfg.ForensicsDir,
		once:           cfg.Once,
	}
}

func (r *Runner) WorkerID() string { return r.workerID }

func (r *Runner) Hostname() string { return r.hostname }

func (r *Runner) Log() *logger.Logger { return r.log }

func (r *Runner) Flight() *FlightLog { return r.flight }

// ShouldExit reports whether shutdown was requested, by command, signal, or
// the parent context. Tasks poll it at frame and entry boundaries.
func (r *Runner) ShouldExit() bool { return r.exiting.Load() }

// Stop requests a graceful exit: the current task runs to completion, then
// the loop ends. Signal handlers call this so an in-flight transcode is
// never killed mid-write; canceling the Run context is the forceful path.
func (r *Runner) Stop() { r.exiting.Store(true) }

// Paused reports the pause command state. The scanner checks it between
// directory entries; claim workers simply stop claiming.
func (r *Runner) Paused() bool { return r.paused.Load() }

// PersistState writes the worker's state to its fleet row. Long tasks mark
// themselves processing so operators can tell a busy worker from a stuck one;
// errors are logged and swallowed like heartbeat failures.
func (r *Runner) PersistState(ctx context.Context, state string) {
	if err := r.workers.SetState(ctx, nil, r.workerID, state); err != nil && ctx.Err() == nil {
		r.log.Warn("Failed to persist worker state", "state", state, "error", err)
	}
}

// SetStats replaces the payload the next heartbeat will carry. nil clears it.
func (r *Runner) SetStats(stats map[string]interface{}) {
	if stats == nil {
		r.statsMu.Lock()
		r.stats = nil
		r.statsMu.Unlock()
		return
	}
	raw, err := json.Marshal(stats)
	if err != nil {
		r.log.Warn("Dropping unserializable heartbeat stats", "error", err)
		return
	}
	r.statsMu.Lock()
	r.stats = datatypes.JSON(raw)
	r.statsMu.Unlock()
}

func (r *Runner) ClearStats() { r.SetStats(nil) }

// PushStats records stats and writes a heartbeat immediately instead of
// waiting for the next beat. Failures are logged and swallowed like any
// other heartbeat error.
func (r *Runner) PushStats(ctx context.Context, stats map[string]interface{}) {
	r.SetStats(stats)
	if err := r.workers.UpdateHeartbeat(ctx, nil, r.workerID, r.statsSnapshot()); err != nil {
		r.log.Warn("Heartbeat update failed", "error", err)
	}
}

func (r *Runner) statsSnapshot() datatypes.JSON {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

// Run executes the lifecycle until ctx is canceled or a shutdown command
// arrives. It returns an error only for fatal startup conditions; once the
// loop is entered, every failure is handled in place and Run returns nil.
func (r *Runner) Run(ctx context.Context, task Task) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-runCtx.Done()
		r.exiting.Store(true)
	}()

	version, err := r.meta.GetSchemaVersion(runCtx, nil)
	if err != nil {
		return fmt.Errorf("schema guard: %w", err)
	}
	if version == "" {
		return fmt.Errorf("schema guard: database reports no schema_version; run migrations first")
	}
	if version != types.SchemaVersion {
		return fmt.Errorf("schema guard: database schema_version %q does not match this build's %q", version, types.SchemaVersion)
	}

	if err := r.workers.Register(runCtx, nil, r.workerID, r.hostname, types.WorkerStateIdle); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	r.log.Info("Worker registered", "hostname", r.hostname)
	r.flight.Append("INFO", "worker registered", "hostname", r.hostname)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.heartbeatLoop(runCtx)
	}()

	if prep, ok := task.(Preparer); ok {
		if err := prep.Prepare(runCtx); err != nil {
			r.log.Error("Prepare pass failed", "error", err)
			r.flight.Append("ERROR", "prepare pass failed", "error", err.Error())
			cancel()
			offCtx, offCancel := context.WithTimeout(context.Background(), offlineTimeout)
			defer offCancel()
			if stateErr := r.workers.SetState(offCtx, nil, r.workerID, types.WorkerStateOffline); stateErr != nil {
				r.log.Warn("Failed to set offline state", "error", stateErr)
			}
			wg.Wait()
			return fmt.Errorf("prepare: %w", err)
		}
	}

	for !r.ShouldExit() {
		command, err := r.workers.GetCommand(runCtx, nil, r.workerID)
		if err != nil {
			if runCtx.Err() != nil {
				break
			}
			r.log.Warn("Command poll failed", "error", err)
			r.flight.Append("WARN", "command poll failed", "error", err.Error())
			r.sleep(runCtx, r.pollEvery)
			continue
		}
		if command != types.WorkerCommandNone {
			r.handleCommand(runCtx, command)
			if err := r.workers.ClearCommand(runCtx, nil, r.workerID); err != nil && runCtx.Err() == nil {
				r.log.Warn("Failed to clear command", "command", command, "error", err)
			}
			if r.ShouldExit() {
				break
			}
		}
		if r.Paused() {
			r.sleep(runCtx, r.pollEvery)
			continue
		}

		worked := r.runTask(runCtx, task)
		if r.once {
			break
		}
		if r.ShouldExit() {
			break
		}
		if worked {
			// Brief nap between assets so command polls stay responsive
			// without turning the loop hot.
			r.sleep(runCtx, r.pollEvery/10+time.Millisecond)
		} else {
			r.sleep(runCtx, r.pollEvery)
		}
	}

	cancel()
	offCtx, offCancel := context.WithTimeout(context.Background(), offlineTimeout)
	defer offCancel()
	if err := r.workers.SetState(offCtx, nil, r.workerID, types.WorkerStateOffline); err != nil {
		r.log.Warn("Failed to set offline state", "error", err)
	}
	wg.Wait()
	r.log.Info("Worker stopped")
	return nil
}

// runTask isolates one ProcessTask call. A panic is recovered, dumped to the
// forensics dir, and treated as an idle pass so a crashing asset cannot spin
// the loop hot. The asset itself is recovered by lease expiry.
func (r *Runner) runTask(ctx context.Context, task Task) (worked bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Task panicked", "panic", rec)
			r.flight.Append("ERROR", "task panicked", "panic", fmt.Sprint(rec))
			if path, err := r.flight.Dump(r.forensicsDir); err != nil {
				r.log.Warn("Forensic dump after panic failed", "error", err)
			} else {
				r.log.Info("Forensic dump written", "path", path)
			}
			worked = false
		}
	}()
	return task.ProcessTask(ctx)
}

func (r *Runner) handleCommand(ctx context.Context, command string) {
	r.flight.Append("INFO", "command received", "command", command)
	switch command {
	case types.WorkerCommandPause:
		r.paused.Store(true)
		if err := r.workers.SetState(ctx, nil, r.workerID, types.WorkerStatePaused); err != nil && ctx.Err() == nil {
			r.log.Warn("Failed to persist paused state", "error", err)
		}
		r.log.Info("Worker paused")
	case types.WorkerCommandResume:
		r.paused.Store(false)
		if err := r.workers.SetState(ctx, nil, r.workerID, types.WorkerStateIdle); err != nil && ctx.Err() == nil {
			r.log.Warn("Failed to persist idle state", "error", err)
		}
		r.log.Info("Worker resumed")
	case types.WorkerCommandShutdown:
		r.log.Info("Shutdown command received")
		r.Stop()
	case types.WorkerCommandForensicDump:
		path, err := r.flight.Dump(r.forensicsDir)
		if err != nil {
			r.log.Error("Forensic dump failed", "error", err)
			return
		}
		r.log.Info("Forensic dump written", "path", path)
	default:
		r.log.Warn("Unknown command ignored", "command", command)
	}
}

// heartbeatLoop refreshes last_seen_at until shutdown. Database blips are
// logged and swallowed: a missed beat is recoverable, a dead goroutine is
// not, and the worker must never die because the database flapped.
func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.workers.UpdateHeartbeat(ctx, nil, r.workerID, r.statsSnapshot()); err != nil && ctx.Err() == nil {
				r.log.Warn("Heartbeat update failed", "error", err)
				r.flight.Append("WARN", "heartbeat update failed", "error", err.Error())
			}
		}
	}
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
