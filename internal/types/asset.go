package types

import (
	"time"

	"gorm.io/datatypes"
)

const (
	AssetTypeImage = "image"
	AssetTypeVideo = "video"
)

const (
	AssetStatusPending       = "pending"
	AssetStatusProcessing    = "processing"
	AssetStatusProxied       = "proxied"
	AssetStatusAnalyzedLight = "analyzed_light"
	AssetStatusCompleted     = "completed"
	AssetStatusFailed        = "failed"
	AssetStatusPoisoned      = "poisoned"
)

// RetryLimit is the retry_count ceiling; exceeding it promotes an asset to poisoned.
const RetryLimit = 5

type Asset struct {
	ID                  int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	LibraryID           int64          `gorm:"column:library_id;not null;uniqueIndex:idx_asset_library_rel_path,priority:1;index" json:"library_id"`
	RelPath             string         `gorm:"column:rel_path;not null;uniqueIndex:idx_asset_library_rel_path,priority:2" json:"rel_path"`
	Type                string         `gorm:"column:type;not null;index" json:"type"` // image|video
	Mtime               time.Time      `gorm:"column:mtime;not null" json:"mtime"`
	Size                int64          `gorm:"column:size;not null" json:"size"`
	Status              string         `gorm:"column:status;not null;default:pending;index" json:"status"` // pending|processing|proxied|analyzed_light|completed|failed|poisoned
	TagsModelID         *int64         `gorm:"column:tags_model_id;index" json:"tags_model_id,omitempty"`
	AnalysisModelID     *int64         `gorm:"column:analysis_model_id;index" json:"analysis_model_id,omitempty"`
	WorkerID            *string        `gorm:"column:worker_id;index" json:"worker_id,omitempty"`
	LeaseExpiresAt      *time.Time     `gorm:"column:lease_expires_at;index" json:"lease_expires_at,omitempty"`
	RetryCount          int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	ErrorMessage        *string        `gorm:"column:error_message" json:"error_message,omitempty"`
	VisualAnalysis      datatypes.JSON `gorm:"column:visual_analysis;type:jsonb" json:"visual_analysis,omitempty"`
	ThumbnailPath       *string        `gorm:"column:thumbnail_path" json:"thumbnail_path,omitempty"`
	ProxyPath           *string        `gorm:"column:proxy_path" json:"proxy_path,omitempty"`
	PreviewPath         *string        `gorm:"column:preview_path" json:"preview_path,omitempty"`
	VideoPreviewPath    *string        `gorm:"column:video_preview_path" json:"video_preview_path,omitempty"`
	SegmentationVersion *int           `gorm:"column:segmentation_version" json:"segmentation_version,omitempty"`
	CreatedAt           time.Time      `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"column:updated_at;not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	Library *Library `gorm:"foreignKey:LibraryID" json:"library,omitempty"`
}

func (Asset) TableName() string { return "asset" }
