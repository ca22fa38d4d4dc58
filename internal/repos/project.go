package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/types"
)

type ProjectRepo interface {
	Create(ctx context.Context, tx *gorm.DB, name string) (*types.Project, error)
	Get(ctx context.Context, tx *gorm.DB, id int64) (*types.Project, error)
	List(ctx context.Context, tx *gorm.DB) ([]*types.Project, error)
	SetExportPath(ctx context.Context, tx *gorm.DB, id int64, exportPath string) error

	AddAsset(ctx context.Context, tx *gorm.DB, projectID, assetID int64) error
	RemoveAsset(ctx context.Context, tx *gorm.DB, projectID, assetID int64) error
	GetProjectAssets(ctx context.Context, tx *gorm.DB, projectID int64) ([]*types.Asset, error)
}

type projectRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProjectRepo(db *gorm.DB, baseLog *logger.Logger) ProjectRepo {
	return &projectRepo{
		db:  db,
		log: baseLog.With("repo", "ProjectRepo"),
	}
}

func (r *projectRepo) Create(ctx context.Context, tx *gorm.DB, name string) (*types.Project, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if name == "" {
		return nil, fmt.Errorf("name required")
	}
	project := types.Project{Name: name, CreatedAt: time.Now()}
	if err := transaction.WithContext(ctx).Create(&project).Error; err != nil {
		return nil, err
	}
	return &project, nil
}

func (r *projectRepo) Get(ctx context.Context, tx *gorm.DB, id int64) (*types.Project, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == 0 {
		return nil, nil
	}
	var project types.Project
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (r *projectRepo) List(ctx context.Context, tx *gorm.DB) ([]*types.Project, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Project
	if err := transaction.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *projectRepo) SetExportPath(ctx context.Context, tx *gorm.DB, id int64, exportPath string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == 0 {
		return fmt.Errorf("id required")
	}
	return transaction.WithContext(ctx).Model(&types.Project{}).
		Where("id = ?", id).
		Update("export_path", exportPath).Error
}

// AddAsset is idempotent; adding an asset twice is not an error.
func (r *projectRepo) AddAsset(ctx context.Context, tx *gorm.DB, projectID, assetID int64) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == 0 || assetID == 0 {
		return fmt.Errorf("projectID and assetID required")
	}
	row := types.ProjectAsset{ProjectID: projectID, AssetID: assetID}
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

func (r *projectRepo) RemoveAsset(ctx context.Context, tx *gorm.DB, projectID, assetID int64) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == 0 || assetID == 0 {
		return fmt.Errorf("projectID and assetID required")
	}
	return transaction.WithContext(ctx).
		Where("project_id = ? AND asset_id = ?", projectID, assetID).
		Delete(&types.ProjectAsset{}).Error
}

// GetProjectAssets returns the project's assets whose libraries are still
// live, with the library loaded so callers can resolve source paths.
func (r *projectRepo) GetProjectAssets(ctx context.Context, tx *gorm.DB, projectID int64) ([]*types.Asset, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if projectID == 0 {
		return nil, fmt.Errorf("projectID required")
	}
	var out []*types.Asset
	err := transaction.WithContext(ctx).
		Select("asset.*").
		Joins("JOIN project_assets ON project_assets.asset_id = asset.id").
		Joins("JOIN library ON library.id = asset.library_id").
		Where("project_assets.project_id = ?", projectID).
		Where("library.deleted_at IS NULL").
		Order("asset.id ASC").
		Preload("Library").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
