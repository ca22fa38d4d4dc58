package services

import (
	"context"

	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/repos"
)

// StatusService backs the health endpoint and the system status reads the
// UI polls: worker fleet, library progress counters, per-library analyzing
// flags.
type StatusService interface {
	Health(ctx context.Context) repos.SystemHealth
	Fleet(ctx context.Context) ([]*repos.WorkerFleetItem, error)
	LibraryStats(ctx context.Context) (*repos.LibraryStats, error)
	Libraries(ctx context.Context) ([]*repos.LibraryWithStatus, error)
}

type statusService struct {
	ui  repos.UIRepo
	log *logger.Logger
}

func NewStatusService(ui repos.UIRepo, baseLog *logger.Logger) StatusService {
	return &statusService{
		ui:  ui,
		log: baseLog.With("service", "status"),
	}
}

func (s *statusService) Health(ctx context.Context) repos.SystemHealth {
	return s.ui.GetSystemHealth(ctx, nil)
}

func (s *statusService) Fleet(ctx context.Context) ([]*repos.WorkerFleetItem, error) {
	return s.ui.GetWorkerFleet(ctx, nil)
}

func (s *statusService) LibraryStats(ctx context.Context) (*repos.LibraryStats, error) {
	return s.ui.GetLibraryStats(ctx, nil)
}

func (s *statusService) Libraries(ctx context.Context) ([]*repos.LibraryWithStatus, error) {
	return s.ui.ListLibrariesWithStatus(ctx, nil)
}
