package types

import (
	"time"
)

type Project struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name       string    `gorm:"column:name;not null" json:"name"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	ExportPath *string   `gorm:"column:export_path" json:"export_path,omitempty"`
}

func (Project) TableName() string { return "project" }

type ProjectAsset struct {
	ProjectID int64 `gorm:"column:project_id;primaryKey" json:"project_id"`
	AssetID   int64 `gorm:"column:asset_id;primaryKey" json:"asset_id"`
}

func (ProjectAsset) TableName() string { return "project_assets" }
