package workers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/repos"
	"github.com/aperturelabs/mediasearch-backend/internal/types"
)

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

// fakeWorkerRepo serves a scripted command queue and records every state
// transition. Unscripted polls see none, like an untouched worker_status row.
type fakeWorkerRepo struct {
	repos.WorkerRepo

	mu          sync.Mutex
	registered  bool
	hostname    string
	states      []string
	heartbeats  int
	lastStats   datatypes.JSON
	heartbeatErr error
	commands    []string
	cleared     int

	localPeers      int64
	contentionCalls []string
}

func (f *fakeWorkerRepo) Register(ctx context.Context, tx *gorm.DB, workerID, hostname, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = true
	f.hostname = hostname
	f.states = append(f.states, state)
	return nil
}

func (f *fakeWorkerRepo) UpdateHeartbeat(ctx context.Context, tx *gorm.DB, workerID string, stats datatypes.JSON) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.heartbeatErr != nil {
		return f.heartbeatErr
	}
	f.heartbeats++
	if stats != nil {
		f.lastStats = stats
	}
	return nil
}

func (f *fakeWorkerRepo) SetState(ctx context.Context, tx *gorm.DB, workerID, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
	return nil
}

func (f *fakeWorkerRepo) GetCommand(ctx context.Context, tx *gorm.DB, workerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commands) == 0 {
		return types.WorkerCommandNone, nil
	}
	command := f.commands[0]
	f.commands = f.commands[1:]
	return command, nil
}

func (f *fakeWorkerRepo) ClearCommand(ctx context.Context, tx *gorm.DB, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return nil
}

func (f *fakeWorkerRepo) GetActiveLocalWorkerCount(ctx context.Context, tx *gorm.DB, hostname, excludeWorkerID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contentionCalls = append(f.contentionCalls, hostname+"/"+excludeWorkerID)
	return f.localPeers, nil
}

func (f *fakeWorkerRepo) stateSeen(state string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.states {
		if s == state {
			return true
		}
	}
	return false
}

func (f *fakeWorkerRepo) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats
}

type fakeMetaRepo struct {
	repos.SystemMetadataRepo
	version        string
	err            error
	defaultModelID *int64
}

func (f *fakeMetaRepo) GetSchemaVersion(ctx context.Context, tx *gorm.DB) (string, error) {
	return f.version, f.err
}

func (f *fakeMetaRepo) GetDefaultModelID(ctx context.Context, tx *gorm.DB) (*int64, error) {
	return f.defaultModelID, nil
}

// countingTask runs fn per call when set; otherwise it reports no work.
type countingTask struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, call int) bool
}

func (c *countingTask) ProcessTask(ctx context.Context) bool {
	c.mu.Lock()
	c.calls++
	call := c.calls
	fn := c.fn
	c.mu.Unlock()
	if fn == nil {
		return false
	}
	return fn(ctx, call)
}

func (c *countingTask) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestRunner(t *testing.T, workerRepo *fakeWorkerRepo, meta *fakeMetaRepo, cfg RunnerConfig) *Runner {
	t.Helper()
	if cfg.Kind == "" {
		cfg.Kind = "test"
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "testhost"
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 5 * time.Millisecond
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Millisecond
	}
	if cfg.ForensicsDir == "" {
		cfg.ForensicsDir = t.TempDir()
	}
	return NewRunner(workerRepo, meta, testLog(t), cfg)
}

func runWithTimeout(t *testing.T, r *Runner, ctx context.Context, task Task) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, task) }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return in time")
		return nil
	}
}

func TestNewWorkerID_Shape(t *testing.T) {
	id := NewWorkerID("scanner", "nas-01")
	if !regexp.MustCompile(`^scanner-nas-01-[0-9a-f]{6}$`).MatchString(id) {
		t.Fatalf("unexpected worker id %q", id)
	}
	if NewWorkerID("scanner", "nas-01") == id {
		t.Fatal("worker ids must be unique per process")
	}
}

func TestRunner_SchemaGuardFailsFast(t *testing.T) {
	workerRepo := &fakeWorkerRepo{}

	err := newTestRunner(t, workerRepo, &fakeMetaRepo{version: "7"}, RunnerConfig{}).
		Run(context.Background(), &countingTask{})
	if err == nil || !strings.Contains(err.Error(), "schema_version") {
		t.Fatalf("expected schema mismatch error, got %v", err)
	}
	if workerRepo.registered {
		t.Fatal("a mismatched worker must never register")
	}

	err = newTestRunner(t, &fakeWorkerRepo{}, &fakeMetaRepo{version: ""}, RunnerConfig{}).
		Run(context.Background(), &countingTask{})
	if err == nil || !strings.Contains(err.Error(), "no schema_version") {
		t.Fatalf("expected missing-version error, got %v", err)
	}

	boom := errors.New("db down")
	err = newTestRunner(t, &fakeWorkerRepo{}, &fakeMetaRepo{err: boom}, RunnerConfig{}).
		Run(context.Background(), &countingTask{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestRunner_ShutdownCommandStopsLoop(t *testing.T) {
	workerRepo := &fakeWorkerRepo{commands: []string{types.WorkerCommandNone, types.WorkerCommandShutdown}}
	meta := &fakeMetaRepo{version: types.SchemaVersion}
	task := &countingTask{}
	r := newTestRunner(t, workerRepo, meta, RunnerConfig{})

	if err := runWithTimeout(t, r, context.Background(), task); err != nil {
		t.Fatalf("run: %v", err)
	}
	if task.callCount() != 1 {
		t.Fatalf("expected one task call before shutdown, got %d", task.callCount())
	}
	if !workerRepo.stateSeen(types.WorkerStateOffline) {
		t.Fatal("worker must go offline on exit")
	}
	if workerRepo.cleared != 1 {
		t.Fatalf("shutdown command must be cleared, got %d clears", workerRepo.cleared)
	}
	if !r.ShouldExit() {
		t.Fatal("ShouldExit must latch after shutdown")
	}
}

func TestRunner_PauseSuppressesProcessingUntilResume(t *testing.T) {
	workerRepo := &fakeWorkerRepo{commands: []string{
		types.WorkerCommandPause,
		types.WorkerCommandNone,
		types.WorkerCommandNone,
		types.WorkerCommandResume,
		types.WorkerCommandShutdown,
	}}
	task := &countingTask{}
	r := newTestRunner(t, workerRepo, &fakeMetaRepo{version: types.SchemaVersion}, RunnerConfig{})

	if err := runWithTimeout(t, r, context.Background(), task); err != nil {
		t.Fatalf("run: %v", err)
	}
	if task.callCount() != 1 {
		t.Fatalf("paused iterations must not process; expected 1 call after resume, got %d", task.callCount())
	}
	if !workerRepo.stateSeen(types.WorkerStatePaused) {
		t.Fatal("pause must persist the paused state")
	}
}

func TestRunner_ForensicDumpCommandWritesFile(t *testing.T) {
	dir := t.TempDir()
	workerRepo := &fakeWorkerRepo{commands: []string{types.WorkerCommandForensicDump, types.WorkerCommandShutdown}}
	r := newTestRunner(t, workerRepo, &fakeMetaRepo{version: types.SchemaVersion}, RunnerConfig{ForensicsDir: dir})

	if err := runWithTimeout(t, r, context.Background(), &countingTask{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read forensics dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one dump, got %d", len(entries))
	}
	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	if !strings.Contains(string(raw), "worker registered") {
		t.Fatalf("dump should include the registration event:\n%s", raw)
	}
	if workerRepo.cleared != 2 {
		t.Fatalf("both commands must be cleared, got %d", workerRepo.cleared)
	}
}

func TestRunner_ParentContextCancelExitsCleanly(t *testing.T) {
	workerRepo := &fakeWorkerRepo{}
	r := newTestRunner(t, workerRepo, &fakeMetaRepo{version: types.SchemaVersion}, RunnerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(25*time.Millisecond, cancel)
	if err := runWithTimeout(t, r, ctx, &countingTask{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !workerRepo.stateSeen(types.WorkerStateOffline) {
		t.Fatal("context cancel must still set offline")
	}
}

func TestRunner_StopRequestsGracefulExit(t *testing.T) {
	workerRepo := &fakeWorkerRepo{}
	r := newTestRunner(t, workerRepo, &fakeMetaRepo{version: types.SchemaVersion}, RunnerConfig{})

	time.AfterFunc(20*time.Millisecond, r.Stop)
	if err := runWithTimeout(t, r, context.Background(), &countingTask{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !workerRepo.stateSeen(types.WorkerStateOffline) {
		t.Fatal("Stop must end with the offline state")
	}
}

func TestRunner_PanicIsRecoveredAndDumped(t *testing.T) {
	dir := t.TempDir()
	workerRepo := &fakeWorkerRepo{commands: []string{
		types.WorkerCommandNone,
		types.WorkerCommandNone,
		types.WorkerCommandShutdown,
	}}
	task := &countingTask{fn: func(ctx context.Context, call int) bool {
		if call == 1 {
			panic("claim exploded")
		}
		return false
	}}
	r := newTestRunner(t, workerRepo, &fakeMetaRepo{version: types.SchemaVersion}, RunnerConfig{ForensicsDir: dir})

	if err := runWithTimeout(t, r, context.Background(), task); err != nil {
		t.Fatalf("run: %v", err)
	}
	if task.callCount() != 2 {
		t.Fatalf("loop must survive the panic and keep processing, got %d calls", task.callCount())
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("panic must produce a forensic dump, found %d files", len(entries))
	}
}

func TestRunner_HeartbeatCarriesStats(t *testing.T) {
	workerRepo := &fakeWorkerRepo{}
	r := newTestRunner(t, workerRepo, &fakeMetaRepo{version: types.SchemaVersion}, RunnerConfig{})
	r.SetStats(map[string]interface{}{"files_processed": 1234})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, &countingTask{}) }()

	deadline := time.Now().Add(2 * time.Second)
	for workerRepo.heartbeatCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no heartbeat observed")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	workerRepo.mu.Lock()
	stats := string(workerRepo.lastStats)
	workerRepo.mu.Unlock()
	if !strings.Contains(stats, `"files_processed":1234`) {
		t.Fatalf("heartbeat should carry cached stats, got %s", stats)
	}
}

func TestRunner_HeartbeatErrorsAreSwallowed(t *testing.T) {
	workerRepo := &fakeWorkerRepo{heartbeatErr: errors.New("db flap")}
	workerRepo.commands = []string{types.WorkerCommandNone, types.WorkerCommandNone, types.WorkerCommandShutdown}
	r := newTestRunner(t, workerRepo, &fakeMetaRepo{version: types.SchemaVersion},
		RunnerConfig{HeartbeatInterval: time.Millisecond})

	if err := runWithTimeout(t, r, context.Background(), &countingTask{}); err != nil {
		t.Fatalf("heartbeat failures must never kill the worker: %v", err)
	}
}

func TestRunner_OnceRunsSingleTask(t *testing.T) {
	workerRepo := &fakeWorkerRepo{}
	task := &countingTask{fn: func(ctx context.Context, call int) bool { return true }}
	r := newTestRunner(t, workerRepo, &fakeMetaRepo{version: types.SchemaVersion}, RunnerConfig{Once: true})

	if err := runWithTimeout(t, r, context.Background(), task); err != nil {
		t.Fatalf("run: %v", err)
	}
	if task.callCount() != 1 {
		t.Fatalf("once mode must stop after the first task, got %d", task.callCount())
	}
	if !workerRepo.stateSeen(types.WorkerStateOffline) {
		t.Fatal("once mode still goes offline")
	}
}

// prepTask records Prepare/Process ordering.
type prepTask struct {
	countingTask
	mu         sync.Mutex
	prepared   int
	prepareErr error
}

func (p *prepTask) Prepare(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prepared++
	return p.prepareErr
}

func TestRunner_PrepareRunsOnceBeforeLoop(t *testing.T) {
	workerRepo := &fakeWorkerRepo{commands: []string{types.WorkerCommandShutdown}}
	task := &prepTask{}
	r := newTestRunner(t, workerRepo, &fakeMetaRepo{version: types.SchemaVersion}, RunnerConfig{})

	if err := runWithTimeout(t, r, context.Background(), task); err != nil {
		t.Fatalf("run: %v", err)
	}
	task.mu.Lock()
	prepared := task.prepared
	task.mu.Unlock()
	if prepared != 1 {
		t.Fatalf("expected exactly one prepare pass, got %d", prepared)
	}
	if task.callCount() != 0 {
		t.Fatalf("shutdown before any work should mean zero task calls, got %d", task.callCount())
	}
}

func TestRunner_PrepareFailureIsFatal(t *testing.T) {
	workerRepo := &fakeWorkerRepo{}
	task := &prepTask{prepareErr: errors.New("ffmpeg not on PATH")}
	r := newTestRunner(t, workerRepo, &fakeMetaRepo{version: types.SchemaVersion}, RunnerConfig{})

	err := runWithTimeout(t, r, context.Background(), task)
	if err == nil || !strings.Contains(err.Error(), "ffmpeg not on PATH") {
		t.Fatalf("expected the prepare error to surface, got %v", err)
	}
	if task.callCount() != 0 {
		t.Fatal("a worker that failed to prepare must not claim work")
	}
	if !workerRepo.stateSeen(types.WorkerStateOffline) {
		t.Fatal("failed prepare still goes offline")
	}
}
