package repos

import (
	"context"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/types"
)

// SystemHealth is the /health payload: the schema generation the database
// reports and whether it answered at all.
type SystemHealth struct {
	SchemaVersion string `json:"schema_version"`
	DBStatus      string `json:"db_status"`
}

type WorkerFleetItem struct {
	WorkerID string         `json:"worker_id"`
	State    string         `json:"state"`
	Version  string         `json:"version"`
	Stats    datatypes.JSON `json:"stats,omitempty"`
}

type LibraryStats struct {
	TotalAssets    int64 `json:"total_assets"`
	PendingAssets  int64 `json:"pending_assets"`
	PendingAICount int64 `json:"pending_ai_count"`
	IsAnalyzing    bool  `json:"is_analyzing"`
}

type LibraryWithStatus struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	IsAnalyzing bool   `json:"is_analyzing"`
}

// UIRepo serves the read-only dashboard queries. A library counts as
// analyzing while its scan is running or while any of its assets has not
// reached a terminal status.
type UIRepo interface {
	GetSystemHealth(ctx context.Context, tx *gorm.DB) SystemHealth
	GetWorkerFleet(ctx context.Context, tx *gorm.DB) ([]*WorkerFleetItem, error)
	GetLibraryStats(ctx context.Context, tx *gorm.DB) (*LibraryStats, error)
	ListLibrariesWithStatus(ctx context.Context, tx *gorm.DB) ([]*LibraryWithStatus, error)
	AnyLibrariesAnalyzing(ctx context.Context, tx *gorm.DB, slugs []string) (bool, error)
}

type uiRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewUIRepo(db *gorm.DB, baseLog *logger.Logger) UIRepo {
	return &uiRepo{
		db:  db,
		log: baseLog.With("repo", "UIRepo"),
	}
}

func (r *uiRepo) GetSystemHealth(ctx context.Context, tx *gorm.DB) SystemHealth {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	health := SystemHealth{SchemaVersion: "unknown", DBStatus: "connected"}

	var one int
	if err := transaction.WithContext(ctx).Raw("SELECT 1").Row().Scan(&one); err != nil {
		health.DBStatus = "error"
		return health
	}
	var meta types.SystemMetadata
	err := transaction.WithContext(ctx).
		Where("key = ?", types.MetaKeySchemaVersion).
		First(&meta).Error
	if err == nil && meta.Value != "" {
		health.SchemaVersion = meta.Value
	}
	return health
}

// GetWorkerFleet lists every worker row. Version is the schema generation,
// shared by the whole fleet since mismatched workers refuse to start.
func (r *uiRepo) GetWorkerFleet(ctx context.Context, tx *gorm.DB) ([]*WorkerFleetItem, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	version := "unknown"
	var meta types.SystemMetadata
	if err := transaction.WithContext(ctx).
		Where("key = ?", types.MetaKeySchemaVersion).
		First(&meta).Error; err == nil && meta.Value != "" {
		version = meta.Value
	}

	var rows []*types.WorkerStatus
	if err := transaction.WithContext(ctx).
		Order("last_seen_at DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*WorkerFleetItem, 0, len(rows))
	for _, w := range rows {
		out = append(out, &WorkerFleetItem{
			WorkerID: w.WorkerID,
			State:    w.State,
			Version:  version,
			Stats:    w.Stats,
		})
	}
	return out, nil
}

func (r *uiRepo) GetLibraryStats(ctx context.Context, tx *gorm.DB) (*LibraryStats, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	stats := &LibraryStats{}
	if err := transaction.WithContext(ctx).Model(&types.Asset{}).
		Count(&stats.TotalAssets).Error; err != nil {
		return nil, err
	}
	if err := transaction.WithContext(ctx).Model(&types.Asset{}).
		Where("status = ?", types.AssetStatusPending).
		Count(&stats.PendingAssets).Error; err != nil {
		return nil, err
	}
	if err := transaction.WithContext(ctx).Model(&types.Asset{}).
		Where("status IN ?", unfinishedStatuses).
		Count(&stats.PendingAICount).Error; err != nil {
		return nil, err
	}
	var scanning int64
	if err := transaction.WithContext(ctx).Model(&types.Library{}).
		Where("scan_status = ?", types.ScanStatusScanning).
		Count(&scanning).Error; err != nil {
		return nil, err
	}
	stats.IsAnalyzing = stats.PendingAICount > 0 || scanning > 0
	return stats, nil
}

func (r *uiRepo) ListLibrariesWithStatus(ctx context.Context, tx *gorm.DB) ([]*LibraryWithStatus, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var rows []struct {
		Slug       string `gorm:"column:slug"`
		Name       string `gorm:"column:name"`
		ScanStatus string `gorm:"column:scan_status"`
		PendingAI  int64  `gorm:"column:pending_ai"`
	}
	err := transaction.WithContext(ctx).Raw(`
		SELECT library.slug, library.name, library.scan_status,
		       COALESCE(agg.pending_ai, 0) AS pending_ai
		FROM library
		LEFT JOIN (
			SELECT library_id, COUNT(*) AS pending_ai
			FROM asset
			WHERE status IN ?
			GROUP BY library_id
		) agg ON agg.library_id = library.id
		WHERE library.deleted_at IS NULL
		ORDER BY library.slug ASC
	`, unfinishedStatuses).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*LibraryWithStatus, 0, len(rows))
	for _, row := range rows {
		out = append(out, &LibraryWithStatus{
			Slug:        row.Slug,
			Name:        row.Name,
			IsAnalyzing: row.ScanStatus == types.ScanStatusScanning || row.PendingAI > 0,
		})
	}
	return out, nil
}

// AnyLibrariesAnalyzing reports whether any library in scope is still
// working. Empty slugs means every live library; the search API surfaces
// this so clients can tell partial results from final ones.
func (r *uiRepo) AnyLibrariesAnalyzing(ctx context.Context, tx *gorm.DB, slugs []string) (bool, error) {
	libs, err := r.ListLibrariesWithStatus(ctx, tx)
	if err != nil {
		return false, err
	}
	if len(slugs) == 0 {
		for _, l := range libs {
			if l.IsAnalyzing {
				return true, nil
			}
		}
		return false, nil
	}
	inScope := make(map[string]bool, len(slugs))
	for _, s := range slugs {
		inScope[s] = true
	}
	for _, l := range libs {
		if inScope[l.Slug] && l.IsAnalyzing {
			return true, nil
		}
	}
	return false, nil
}
