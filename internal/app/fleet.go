package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/aperturelabs/mediasearch-backend/internal/media"
	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/repos"
	"github.com/aperturelabs/mediasearch-backend/internal/services"
	"github.com/aperturelabs/mediasearch-backend/internal/video"
	"github.com/aperturelabs/mediasearch-backend/internal/vision"
	"github.com/aperturelabs/mediasearch-backend/internal/workers"
)

// Fleet is one process's set of workers, each on its own goroutine with its
// own heartbeat and command channel.
type Fleet struct {
	log     *logger.Logger
	members []fleetMember
}

type fleetMember struct {
	runner *workers.Runner
	task   workers.Task
}

// fleetWiring holds the shared dependency set worker tasks draw from.
type fleetWiring struct {
	store media.Store

	assets      repos.AssetRepo
	libraries   repos.LibraryRepo
	scenes      repos.SceneRepo
	workersRepo repos.WorkerRepo
	meta        repos.SystemMetadataRepo
	models      repos.AIModelRepo

	tools   video.Tools
	indexer *video.Indexer
	reaper  services.MaintenanceService
}

// BuildFleet assembles every worker the config names. Construction resolves
// analyzers and validates wiring; nothing touches the queue until Run.
func BuildFleet(db *gorm.DB, store media.Store, cfg Config, baseLog *logger.Logger) (*Fleet, error) {
	hostname, _ := os.Hostname()

	w := &fleetWiring{
		store:       store,
		assets:      repos.NewAssetRepo(db, baseLog),
		libraries:   repos.NewLibraryRepo(db, baseLog),
		scenes:      repos.NewSceneRepo(db, baseLog),
		workersRepo: repos.NewWorkerRepo(db, baseLog),
		meta:        repos.NewSystemMetadataRepo(db, baseLog),
		models:      repos.NewAIModelRepo(db, baseLog),
	}
	w.tools = video.NewTools(baseLog)
	w.indexer = video.NewIndexer(w.scenes, store, w.tools, baseLog)
	w.reaper = services.NewMaintenanceService(w.assets, w.workersRepo, w.libraries, w.scenes, store, hostname, baseLog)

	fleet := &Fleet{log: baseLog.With("component", "Fleet")}
	fleet.log.Info("Vision analyzers available", "known", vision.Known())
	for i, spec := range cfg.Workers {
		count := spec.Count
		if count <= 0 {
			count = 1
		}
		for n := 0; n < count; n++ {
			base := workers.NewRunner(w.workersRepo, w.meta, baseLog, workers.RunnerConfig{
				Kind:              spec.Kind,
				Hostname:          hostname,
				HeartbeatInterval: time.Duration(spec.HeartbeatSeconds) * time.Second,
				ForensicsDir:      cfg.ForensicsDir,
			})
			task, err := w.buildTask(base, spec)
			if err != nil {
				return nil, fmt.Errorf("workers[%d] (%s): %w", i, spec.Kind, err)
			}
			fleet.members = append(fleet.members, fleetMember{runner: base, task: task})
		}
	}
	if len(fleet.members) == 0 {
		return nil, fmt.Errorf("no workers configured; add a workers list to %s", configEnv)
	}
	return fleet, nil
}

func (w *fleetWiring) buildTask(base *workers.Runner, spec WorkerSpec) (workers.Task, error) {
	switch spec.Kind {
	case "scanner":
		return workers.NewScanner(base, w.assets, w.libraries, w.reaper, spec.Library), nil
	case "image_proxy":
		return workers.NewImageProxy(base, w.assets, w.libraries, w.store, spec.Library, spec.Repair), nil
	case "video_proxy":
		return workers.NewVideoProxy(base, w.assets, w.libraries, w.scenes, w.store, w.tools, w.indexer, spec.Library, spec.Repair), nil
	case "ai":
		analyzer, err := w.analyzer(spec)
		if err != nil {
			return nil, err
		}
		return workers.NewAI(base, w.assets, w.libraries, w.models, w.meta, w.workersRepo, w.store, analyzer, vision.Mode(spec.Mode), spec.Library, spec.Repair, spec.Batch), nil
	case "video_ai":
		analyzer, err := w.analyzer(spec)
		if err != nil {
			return nil, err
		}
		return workers.NewVideoAI(base, w.assets, w.libraries, w.models, w.meta, w.scenes, w.indexer, analyzer, vision.Mode(spec.Mode), spec.Library, spec.Repair), nil
	case "maintenance":
		return workers.NewMaintenance(base, w.reaper, spec.Library, 0), nil
	}
	return nil, fmt.Errorf("unknown worker kind %q", spec.Kind)
}

func (w *fleetWiring) analyzer(spec WorkerSpec) (vision.Analyzer, error) {
	name := spec.Analyzer
	if name == "" {
		name = vision.MockName
	}
	return vision.Get(name)
}

// Size reports how many workers the fleet runs.
func (f *Fleet) Size() int { return len(f.members) }

// Run drives every member until ctx is canceled or all runners exit. A
// runner that fails its startup guard takes the whole fleet down; once
// loops are entered, runners only return on shutdown.
func (f *Fleet) Run(ctx context.Context) error {
	f.log.Info("Starting worker fleet", "workers", len(f.members))
	g, gCtx := errgroup.WithContext(ctx)
	for _, m := range f.members {
		g.Go(func() error {
			return m.runner.Run(gCtx, m.task)
		})
	}
	return g.Wait()
}

// Stop requests a graceful exit from every member: current entries finish,
// loops end. Canceling the Run context is the forceful path.
func (f *Fleet) Stop() {
	f.log.Info("Stopping worker fleet")
	for _, m := range f.members {
		m.runner.Stop()
	}
}
