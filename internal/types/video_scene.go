package types

import (
	"gorm.io/datatypes"
)

const (
	KeepReasonPhash    = "phash"
	KeepReasonTemporal = "temporal"
	KeepReasonForced   = "forced"
)

type VideoScene struct {
	ID             int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	AssetID        int64          `gorm:"column:asset_id;not null;index;index:idx_video_scenes_asset_end,priority:1" json:"asset_id"`
	StartTS        float64        `gorm:"column:start_ts;not null" json:"start_ts"`
	EndTS          float64        `gorm:"column:end_ts;not null;index:idx_video_scenes_asset_end,priority:2" json:"end_ts"`
	Description    *string        `gorm:"column:description" json:"description,omitempty"`
	Metadata       datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	SharpnessScore float64        `gorm:"column:sharpness_score;not null" json:"sharpness_score"`
	RepFramePath   string         `gorm:"column:rep_frame_path;not null" json:"rep_frame_path"`
	KeepReason     string         `gorm:"column:keep_reason;not null" json:"keep_reason"` // phash|temporal|forced
}

func (VideoScene) TableName() string { return "video_scenes" }

// VideoActiveState is the crash-safe resume row: at most one per asset,
// present exactly while a scene is open but not yet persisted.
type VideoActiveState struct {
	AssetID              int64   `gorm:"column:asset_id;primaryKey" json:"asset_id"`
	AnchorPhash          string  `gorm:"column:anchor_phash;not null" json:"anchor_phash"`
	SceneStartTS         float64 `gorm:"column:scene_start_ts;not null" json:"scene_start_ts"`
	CurrentBestPTS       float64 `gorm:"column:current_best_pts;not null" json:"current_best_pts"`
	CurrentBestSharpness float64 `gorm:"column:current_best_sharpness;not null" json:"current_best_sharpness"`
}

func (VideoActiveState) TableName() string { return "video_active_state" }
