package types

import (
	"time"

	"gorm.io/datatypes"
)

const (
	WorkerStateIdle       = "idle"
	WorkerStateProcessing = "processing"
	WorkerStatePaused     = "paused"
	WorkerStateOffline    = "offline"
)

const (
	WorkerCommandNone         = "none"
	WorkerCommandPause        = "pause"
	WorkerCommandResume       = "resume"
	WorkerCommandShutdown     = "shutdown"
	WorkerCommandForensicDump = "forensic_dump"
)

type WorkerStatus struct {
	WorkerID   string         `gorm:"column:worker_id;primaryKey" json:"worker_id"`
	Hostname   string         `gorm:"column:hostname;not null;default:'';index" json:"hostname"`
	LastSeenAt time.Time      `gorm:"column:last_seen_at;not null" json:"last_seen_at"`
	State      string         `gorm:"column:state;not null" json:"state"`                  // idle|processing|paused|offline
	Command    string         `gorm:"column:command;not null;default:none" json:"command"` // none|pause|resume|shutdown|forensic_dump
	Stats      datatypes.JSON `gorm:"column:stats;type:jsonb" json:"stats,omitempty"`
}

func (WorkerStatus) TableName() string { return "worker_status" }
