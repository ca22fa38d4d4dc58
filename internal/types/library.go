package types

import (
	"time"

	"gorm.io/gorm"
)

const (
	ScanStatusIdle              = "idle"
	ScanStatusFullScanRequested = "full_scan_requested"
	ScanStatusFastScanRequested = "fast_scan_requested"
	ScanStatusScanning          = "scanning"
)

type Library struct {
	ID             int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name           string         `gorm:"column:name;not null" json:"name"`
	Slug           string         `gorm:"column:slug;not null;uniqueIndex" json:"slug"`
	AbsolutePath   string         `gorm:"column:absolute_path;not null" json:"absolute_path"`
	IsActive       bool           `gorm:"column:is_active;not null;default:true" json:"is_active"`
	ScanStatus     string         `gorm:"column:scan_status;not null;default:idle;index" json:"scan_status"` // idle|full_scan_requested|fast_scan_requested|scanning
	TargetTaggerID *int64         `gorm:"column:target_tagger_id;index" json:"target_tagger_id,omitempty"`
	SampleLimit    *int           `gorm:"column:sample_limit" json:"sample_limit,omitempty"`
	CreatedAt      time.Time      `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"column:deleted_at;index" json:"deleted_at,omitempty"`
}

func (Library) TableName() string { return "library" }
