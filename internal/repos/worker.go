package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/types"
)

const (
	// HeartbeatFreshness is how recent a heartbeat must be for a worker to
	// count as active on its host.
	HeartbeatFreshness = 60 * time.Second

	// TranscodeFreshness is the staleness window for the tmp-sweep gate.
	// Wider than a heartbeat interval so a transcoding worker that missed
	// one beat still protects its staging files.
	TranscodeFreshness = 120 * time.Second
)

type WorkerRepo interface {
	Register(ctx context.Context, tx *gorm.DB, workerID, hostname, state string) error
	UpdateHeartbeat(ctx context.Context, tx *gorm.DB, workerID string, stats datatypes.JSON) error
	SetState(ctx context.Context, tx *gorm.DB, workerID, state string) error

	GetCommand(ctx context.Context, tx *gorm.DB, workerID string) (string, error)
	SetCommand(ctx context.Context, tx *gorm.DB, workerID, command string) error
	ClearCommand(ctx context.Context, tx *gorm.DB, workerID string) error

	PruneStale(ctx context.Context, tx *gorm.DB, maxAge time.Duration) (int64, error)
	CountStale(ctx context.Context, tx *gorm.DB, maxAge time.Duration) (int64, error)
	GetActiveLocalWorkerCount(ctx context.Context, tx *gorm.DB, hostname, excludeWorkerID string) (int64, error)
	HasActiveLocalTranscodes(ctx context.Context, tx *gorm.DB, hostname string) (bool, error)
}

type workerRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWorkerRepo(db *gorm.DB, baseLog *logger.Logger) WorkerRepo {
	return &workerRepo{
		db:  db,
		log: baseLog.With("repo", "WorkerRepo"),
	}
}

// Register upserts the worker's row. A re-register after a crash resets any
// lingering command so the fresh process does not act on stale orders.
func (r *workerRepo) Register(ctx context.Context, tx *gorm.DB, workerID, hostname, state string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if workerID == "" || state == "" {
		return fmt.Errorf("workerID and state required")
	}
	now := time.Now()
	row := types.WorkerStatus{
		WorkerID:   workerID,
		Hostname:   hostname,
		LastSeenAt: now,
		State:      state,
		Command:    types.WorkerCommandNone,
	}
	return transaction.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "worker_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"hostname":     hostname,
			"state":        state,
			"command":      types.WorkerCommandNone,
			"last_seen_at": now,
		}),
	}).Create(&row).Error
}

func (r *workerRepo) UpdateHeartbeat(ctx context.Context, tx *gorm.DB, workerID string, stats datatypes.JSON) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if workerID == "" {
		return fmt.Errorf("workerID required")
	}
	updates := map[string]interface{}{
		"last_seen_at": time.Now(),
	}
	if stats != nil {
		updates["stats"] = stats
	}
	return transaction.WithContext(ctx).Model(&types.WorkerStatus{}).
		Where("worker_id = ?", workerID).
		Updates(updates).Error
}

func (r *workerRepo) SetState(ctx context.Context, tx *gorm.DB, workerID, state string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if workerID == "" || state == "" {
		return fmt.Errorf("workerID and state required")
	}
	return transaction.WithContext(ctx).Model(&types.WorkerStatus{}).
		Where("worker_id = ?", workerID).
		Updates(map[string]interface{}{
			"state":        state,
			"last_seen_at": time.Now(),
		}).Error
}

// GetCommand returns the pending command, or none when the row is missing;
// a pruned worker simply sees nothing to do and keeps heartbeating until
// its row reappears on the next register.
func (r *workerRepo) GetCommand(ctx context.Context, tx *gorm.DB, workerID string) (string, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if workerID == "" {
		return types.WorkerCommandNone, fmt.Errorf("workerID required")
	}
	var row types.WorkerStatus
	err := transaction.WithContext(ctx).
		Select("command").
		Where("worker_id = ?", workerID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.WorkerCommandNone, nil
	}
	if err != nil {
		return types.WorkerCommandNone, err
	}
	if row.Command == "" {
		return types.WorkerCommandNone, nil
	}
	return row.Command, nil
}

func (r *workerRepo) SetCommand(ctx context.Context, tx *gorm.DB, workerID, command string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if workerID == "" || command == "" {
		return fmt.Errorf("workerID and command required")
	}
	res := transaction.WithContext(ctx).Model(&types.WorkerStatus{}).
		Where("worker_id = ?", workerID).
		Update("command", command)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("worker %q not found", workerID)
	}
	return nil
}

func (r *workerRepo) ClearCommand(ctx context.Context, tx *gorm.DB, workerID string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if workerID == "" {
		return fmt.Errorf("workerID required")
	}
	return transaction.WithContext(ctx).Model(&types.WorkerStatus{}).
		Where("worker_id = ?", workerID).
		Update("command", types.WorkerCommandNone).Error
}

func (r *workerRepo) PruneStale(ctx context.Context, tx *gorm.DB, maxAge time.Duration) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if maxAge <= 0 {
		return 0, fmt.Errorf("maxAge must be positive")
	}
	cutoff := time.Now().Add(-maxAge)
	res := transaction.WithContext(ctx).
		Where("last_seen_at < ?", cutoff).
		Delete(&types.WorkerStatus{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *workerRepo) CountStale(ctx context.Context, tx *gorm.DB, maxAge time.Duration) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if maxAge <= 0 {
		return 0, fmt.Errorf("maxAge must be positive")
	}
	cutoff := time.Now().Add(-maxAge)
	var n int64
	err := transaction.WithContext(ctx).Model(&types.WorkerStatus{}).
		Where("last_seen_at < ?", cutoff).
		Count(&n).Error
	if err != nil {
		return 0, err
	}
	return n, nil
}

// GetActiveLocalWorkerCount counts other workers on the same host that are
// not offline and heartbeated inside the freshness window. Analysis workers
// sample it to detect local contention before loading model weights.
func (r *workerRepo) GetActiveLocalWorkerCount(ctx context.Context, tx *gorm.DB, hostname, excludeWorkerID string) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if hostname == "" {
		return 0, fmt.Errorf("hostname required")
	}
	cutoff := time.Now().Add(-HeartbeatFreshness)
	var n int64
	err := transaction.WithContext(ctx).Model(&types.WorkerStatus{}).
		Where("hostname = ?", hostname).
		Where("worker_id <> ?", excludeWorkerID).
		Where("state <> ?", types.WorkerStateOffline).
		Where("last_seen_at >= ?", cutoff).
		Count(&n).Error
	if err != nil {
		return 0, err
	}
	return n, nil
}

// HasActiveLocalTranscodes reports whether any worker on this host was seen
// inside the freshness window with its pipeline in the transcode stage. The
// tmp sweeper refuses to run while true: that transcode is writing into tmp
// right now, and its staging file can look hours old on a long source.
func (r *workerRepo) HasActiveLocalTranscodes(ctx context.Context, tx *gorm.DB, hostname string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if hostname == "" {
		return false, fmt.Errorf("hostname required")
	}
	cutoff := time.Now().Add(-TranscodeFreshness)
	var n int64
	err := transaction.WithContext(ctx).Model(&types.WorkerStatus{}).
		Where("hostname = ?", hostname).
		Where("state <> ?", types.WorkerStateOffline).
		Where("last_seen_at >= ?", cutoff).
		Where("stats IS NOT NULL").
		Where(datatypes.JSONQuery("stats").Equals("transcode", "current_stage")).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
