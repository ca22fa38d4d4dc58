package repos

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/types"
)

type SceneRepo interface {
	GetMaxEndTS(ctx context.Context, tx *gorm.DB, assetID int64) (float64, error)
	GetActiveState(ctx context.Context, tx *gorm.DB, assetID int64) (*types.VideoActiveState, error)
	SaveSceneAndUpdateState(ctx context.Context, tx *gorm.DB, scene *types.VideoScene, next *types.VideoActiveState) (int64, error)

	ListScenes(ctx context.Context, tx *gorm.DB, assetID int64) ([]*types.VideoScene, error)
	GetLastSceneDescription(ctx context.Context, tx *gorm.DB, assetID int64) (*string, error)
	GetSceneMetadataAtTimestamp(ctx context.Context, tx *gorm.DB, assetID int64, ts float64) (datatypes.JSON, error)
	UpdateSceneAnalysis(ctx context.Context, tx *gorm.DB, sceneID int64, description *string, metadata datatypes.JSON) error

	DeleteByAsset(ctx context.Context, tx *gorm.DB, assetID int64) (int64, error)
	ListAllRepFramePaths(ctx context.Context, tx *gorm.DB) ([]string, error)
}

type sceneRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSceneRepo(db *gorm.DB, baseLog *logger.Logger) SceneRepo {
	return &sceneRepo{
		db:  db,
		log: baseLog.With("repo", "SceneRepo"),
	}
}

// GetMaxEndTS returns how far scene indexing got for an asset, 0 when no
// scene has been persisted. Resume logic seeks relative to this.
func (r *sceneRepo) GetMaxEndTS(ctx context.Context, tx *gorm.DB, assetID int64) (float64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if assetID == 0 {
		return 0, fmt.Errorf("assetID required")
	}
	var maxEnd float64
	row := transaction.WithContext(ctx).Model(&types.VideoScene{}).
		Select("COALESCE(MAX(end_ts), 0)").
		Where("asset_id = ?", assetID).
		Row()
	if err := row.Scan(&maxEnd); err != nil {
		return 0, err
	}
	return maxEnd, nil
}

func (r *sceneRepo) GetActiveState(ctx context.Context, tx *gorm.DB, assetID int64) (*types.VideoActiveState, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if assetID == 0 {
		return nil, fmt.Errorf("assetID required")
	}
	var state types.VideoActiveState
	err := transaction.WithContext(ctx).
		Where("asset_id = ?", assetID).
		First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveSceneAndUpdateState persists one segmenter emission atomically: the
// closed scene (when any) and the successor active state, which is upserted
// when a new scene opened or deleted when the stream ended. Committing both
// in one transaction is what makes a crash at any point resumable without
// duplicate or lost scenes.
func (r *sceneRepo) SaveSceneAndUpdateState(ctx context.Context, tx *gorm.DB, scene *types.VideoScene, next *types.VideoActiveState) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if scene == nil && next == nil {
		return 0, fmt.Errorf("nothing to persist")
	}
	assetID := int64(0)
	if scene != nil {
		assetID = scene.AssetID
	} else {
		assetID = next.AssetID
	}
	if assetID == 0 {
		return 0, fmt.Errorf("assetID required")
	}

	var sceneID int64
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		if scene != nil {
			if err := txx.Create(scene).Error; err != nil {
				return err
			}
			sceneID = scene.ID
		}
		if next != nil {
			if next.AssetID == 0 {
				next.AssetID = assetID
			}
			return txx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "asset_id"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"anchor_phash":           next.AnchorPhash,
					"scene_start_ts":         next.SceneStartTS,
					"current_best_pts":       next.CurrentBestPTS,
					"current_best_sharpness": next.CurrentBestSharpness,
				}),
			}).Create(next).Error
		}
		return txx.Where("asset_id = ?", assetID).Delete(&types.VideoActiveState{}).Error
	})
	if err != nil {
		return 0, err
	}
	return sceneID, nil
}

func (r *sceneRepo) ListScenes(ctx context.Context, tx *gorm.DB, assetID int64) ([]*types.VideoScene, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if assetID == 0 {
		return nil, fmt.Errorf("assetID required")
	}
	var out []*types.VideoScene
	if err := transaction.WithContext(ctx).
		Where("asset_id = ?", assetID).
		Order("start_ts ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// GetLastSceneDescription returns the newest scene's description, which the
// semantic dedup compares against the incoming scene. Nil when no scene
// exists yet or the newest one was never described; deduping against an
// older described scene would suppress text the intervening scenes already
// invalidated.
func (r *sceneRepo) GetLastSceneDescription(ctx context.Context, tx *gorm.DB, assetID int64) (*string, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if assetID == 0 {
		return nil, fmt.Errorf("assetID required")
	}
	var scene types.VideoScene
	err := transaction.WithContext(ctx).
		Where("asset_id = ?", assetID).
		Order("end_ts DESC").
		First(&scene).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return scene.Description, nil
}

// GetSceneMetadataAtTimestamp returns the metadata of the scene covering ts,
// falling back to the nearest earlier scene when ts lands past the end.
func (r *sceneRepo) GetSceneMetadataAtTimestamp(ctx context.Context, tx *gorm.DB, assetID int64, ts float64) (datatypes.JSON, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if assetID == 0 {
		return nil, fmt.Errorf("assetID required")
	}
	var scene types.VideoScene
	err := transaction.WithContext(ctx).
		Where("asset_id = ?", assetID).
		Where("start_ts <= ?", ts).
		Order("start_ts DESC").
		First(&scene).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return scene.Metadata, nil
}

func (r *sceneRepo) UpdateSceneAnalysis(ctx context.Context, tx *gorm.DB, sceneID int64, description *string, metadata datatypes.JSON) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if sceneID == 0 {
		return fmt.Errorf("sceneID required")
	}
	return transaction.WithContext(ctx).Model(&types.VideoScene{}).
		Where("id = ?", sceneID).
		Updates(map[string]interface{}{
			"description": description,
			"metadata":    metadata,
		}).Error
}

// DeleteByAsset clears an asset's scene index and its active state, used
// when the segmenter version moved on and the index must be rebuilt.
func (r *sceneRepo) DeleteByAsset(ctx context.Context, tx *gorm.DB, assetID int64) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if assetID == 0 {
		return 0, fmt.Errorf("assetID required")
	}
	var deleted int64
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		res := txx.Where("asset_id = ?", assetID).Delete(&types.VideoScene{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return txx.Where("asset_id = ?", assetID).Delete(&types.VideoActiveState{}).Error
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (r *sceneRepo) ListAllRepFramePaths(ctx context.Context, tx *gorm.DB) ([]string, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []string
	err := transaction.WithContext(ctx).Model(&types.VideoScene{}).
		Joins("JOIN asset ON asset.id = video_scenes.asset_id").
		Joins("JOIN library ON library.id = asset.library_id").
		Where("library.deleted_at IS NULL").
		Pluck("video_scenes.rep_frame_path", &out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
