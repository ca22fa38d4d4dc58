package repos

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/types"
)

type AIModelRepo interface {
	Ensure(ctx context.Context, tx *gorm.DB, name, version string) (*types.AIModel, error)
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.AIModel, error)
	// GetByNameVersion resolves a model by name, taking the newest row for
	// that name when version is nil. Returns nil, nil when no row matches.
	GetByNameVersion(ctx context.Context, tx *gorm.DB, name string, version *string) (*types.AIModel, error)
	List(ctx context.Context, tx *gorm.DB) ([]*types.AIModel, error)
	// Remove deletes a model row, refusing while any asset analysis, library
	// target, or the system default still references it.
	Remove(ctx context.Context, tx *gorm.DB, id int64) error
}

type aiModelRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAIModelRepo(db *gorm.DB, baseLog *logger.Logger) AIModelRepo {
	return &aiModelRepo{
		db:  db,
		log: baseLog.With("repo", "AIModelRepo"),
	}
}

// Ensure registers a model card if it is new and returns the row either way.
// Workers call this on startup so results can always be stamped.
func (r *aiModelRepo) Ensure(ctx context.Context, tx *gorm.DB, name, version string) (*types.AIModel, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if name == "" || version == "" {
		return nil, fmt.Errorf("name and version required")
	}
	model := types.AIModel{Name: name, Version: version}
	err := transaction.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}, {Name: "version"}},
		DoNothing: true,
	}).Create(&model).Error
	if err != nil {
		return nil, err
	}
	if model.ID != 0 {
		return &model, nil
	}
	var existing types.AIModel
	if err := transaction.WithContext(ctx).
		Where("name = ? AND version = ?", name, version).
		First(&existing).Error; err != nil {
		return nil, err
	}
	return &existing, nil
}

func (r *aiModelRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.AIModel, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == 0 {
		return nil, nil
	}
	var model types.AIModel
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

func (r *aiModelRepo) GetByNameVersion(ctx context.Context, tx *gorm.DB, name string, version *string) (*types.AIModel, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if name == "" {
		return nil, fmt.Errorf("name required")
	}
	q := transaction.WithContext(ctx).Where("name = ?", name)
	if version != nil {
		q = q.Where("version = ?", *version)
	}
	var model types.AIModel
	err := q.Order("id DESC").First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

func (r *aiModelRepo) List(ctx context.Context, tx *gorm.DB) ([]*types.AIModel, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.AIModel
	if err := transaction.WithContext(ctx).
		Order("name ASC, version ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *aiModelRepo) Remove(ctx context.Context, tx *gorm.DB, id int64) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == 0 {
		return fmt.Errorf("id required")
	}
	var assetRefs int64
	err := transaction.WithContext(ctx).Model(&types.Asset{}).
		Where("analysis_model_id = ? OR tags_model_id = ?", id, id).
		Count(&assetRefs).Error
	if err != nil {
		return err
	}
	// Trashed libraries count too: a restore must not resurrect a dangling
	// target.
	var libRefs int64
	err = transaction.WithContext(ctx).Model(&types.Library{}).Unscoped().
		Where("target_tagger_id = ?", id).
		Count(&libRefs).Error
	if err != nil {
		return err
	}
	var metaRefs int64
	err = transaction.WithContext(ctx).Model(&types.SystemMetadata{}).
		Where("key = ? AND value = ?", types.MetaKeyDefaultAIModelID, fmt.Sprintf("%d", id)).
		Count(&metaRefs).Error
	if err != nil {
		return err
	}
	if refs := assetRefs + libRefs + metaRefs; refs > 0 {
		return fmt.Errorf("ai model %d is still referenced by %d rows", id, refs)
	}
	res := transaction.WithContext(ctx).Where("id = ?", id).Delete(&types.AIModel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("ai model %d not found", id)
	}
	return nil
}
