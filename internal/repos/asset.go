package repos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/types"

	"gorm.io/datatypes"
)

// DefaultLeaseDuration bounds how long a claimed asset stays invisible to
// other workers before the reclaimer hands it back.
const DefaultLeaseDuration = 5 * time.Minute

// ErrAmbiguousScope is returned before any database work when a claim names
// neither a library nor the explicit global scope, or both.
var ErrAmbiguousScope = errors.New("claim scope must name a library or be explicitly global, not both")

// unfinishedStatuses are the statuses a live pipeline still intends to move;
// completed, failed and poisoned rows are left where they are.
var unfinishedStatuses = []string{
	types.AssetStatusPending,
	types.AssetStatusProcessing,
	types.AssetStatusProxied,
	types.AssetStatusAnalyzedLight,
}

// UpsertOutcome tells the scanner what an upsert did to the row.
type UpsertOutcome int

const (
	UpsertUnchanged UpsertOutcome = iota
	UpsertCreated
	UpsertDirtied
)

// ClaimParams scopes one claim. Exactly one of LibrarySlug or Global must be
// set. AllowedExts carries lowercase dotted extensions matched against
// rel_path inside the query, so ineligible rows are never locked.
type ClaimParams struct {
	WorkerID      string
	FromStatus    string
	AssetType     string
	Limit         int
	LibrarySlug   string
	Global        bool
	AllowedExts   []string
	TargetModelID *int64
	Lease         time.Duration
}

// ProxyResult carries the derivative paths recorded when an asset reaches
// proxied. Optional fields stay untouched when nil.
type ProxyResult struct {
	ProxyPath           string
	ThumbnailPath       string
	PreviewPath         *string
	VideoPreviewPath    *string
	SegmentationVersion *int
}

type AssetRepo interface {
	UpsertScanned(ctx context.Context, tx *gorm.DB, asset *types.Asset) (UpsertOutcome, error)
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.Asset, error)

	ClaimBatch(ctx context.Context, tx *gorm.DB, p ClaimParams) ([]*types.Asset, error)
	UpdateStatus(ctx context.Context, tx *gorm.DB, assetID int64, newStatus string, ownedBy string, errMsg *string) error
	RenewLease(ctx context.Context, tx *gorm.DB, assetID int64, ownedBy string, lease time.Duration) error
	SetProxied(ctx context.Context, tx *gorm.DB, assetID int64, ownedBy string, res ProxyResult) error
	SetAnalysis(ctx context.Context, tx *gorm.DB, assetID int64, ownedBy string, doc datatypes.JSON, modelID int64, newStatus string) error
	ReclaimStaleLeases(ctx context.Context, tx *gorm.DB, librarySlug string) (int64, error)

	ResetStaleModelAssets(ctx context.Context, tx *gorm.DB, libraryID int64, effectiveModelID int64) (int64, error)
	ListProxiedWithPaths(ctx context.Context, tx *gorm.DB, libraryID int64, assetType string, afterID int64, limit int) ([]*types.Asset, error)
	ResetToPending(ctx context.Context, tx *gorm.DB, ids []int64) (int64, error)
	ListVideosWithStaleSegmentation(ctx context.Context, tx *gorm.DB, libraryID int64, currentVersion int, afterID int64, limit int) ([]*types.Asset, error)
	InvalidateSceneIndex(ctx context.Context, tx *gorm.DB, assetID int64) error

	ListByLibrarySlug(ctx context.Context, tx *gorm.DB, p BrowseParams) ([]*types.Asset, int64, error)
	ListByLibraryBatch(ctx context.Context, tx *gorm.DB, libraryID int64, afterID int64, limit int) ([]*types.Asset, error)
	ListWithLibraryBatch(ctx context.Context, tx *gorm.DB, afterID int64, limit int) ([]*types.Asset, error)
	DeleteByIDs(ctx context.Context, tx *gorm.DB, ids []int64) (int64, error)
	ListAllDerivativePaths(ctx context.Context, tx *gorm.DB) ([]string, error)
	CountUnfinished(ctx context.Context, tx *gorm.DB, libraryID int64) (int64, error)
	CountPendingProxyable(ctx context.Context, tx *gorm.DB, librarySlug string) (int64, error)
}

type assetRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAssetRepo(db *gorm.DB, baseLog *logger.Logger) AssetRepo {
	return &assetRepo{
		db:  db,
		log: baseLog.With("repo", "AssetRepo"),
	}
}

// UpsertScanned registers a file found on disk. A new path inserts as
// pending; a known path whose mtime or size changed is reset to pending so
// its derivatives get rebuilt; an unchanged row is left completely alone.
func (r *assetRepo) UpsertScanned(ctx context.Context, tx *gorm.DB, asset *types.Asset) (UpsertOutcome, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if asset == nil || asset.LibraryID == 0 || asset.RelPath == "" || asset.Type == "" {
		return UpsertUnchanged, fmt.Errorf("asset requires library_id, rel_path and type")
	}
	row := transaction.WithContext(ctx).Raw(`
		INSERT INTO asset (library_id, rel_path, type, mtime, size, status, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, now(), now())
		ON CONFLICT (library_id, rel_path) DO UPDATE
		SET mtime = EXCLUDED.mtime,
		    size = EXCLUDED.size,
		    status = ?,
		    tags_model_id = NULL,
		    updated_at = now()
		WHERE asset.mtime IS DISTINCT FROM EXCLUDED.mtime
		   OR asset.size IS DISTINCT FROM EXCLUDED.size
		RETURNING (xmax = 0) AS inserted
	`, asset.LibraryID, asset.RelPath, asset.Type, asset.Mtime, asset.Size,
		types.AssetStatusPending, types.AssetStatusPending).Row()

	var inserted bool
	if err := row.Scan(&inserted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UpsertUnchanged, nil
		}
		return UpsertUnchanged, err
	}
	if inserted {
		return UpsertCreated, nil
	}
	return UpsertDirtied, nil
}

func (r *assetRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.Asset, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == 0 {
		return nil, nil
	}
	var asset types.Asset
	err := transaction.WithContext(ctx).
		Preload("Library").
		Where("id = ?", id).
		First(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

// ClaimBatch atomically moves eligible assets to processing under this
// worker's lease and returns them with their library loaded. Eligible means:
// in the requested status, or processing with an expired lease; belonging to
// a live library in scope; carrying an allowed extension; and, when a target
// model is given, resolving to that model through the library override or
// the system default. Locked rows are skipped, so concurrent claimers never
// block each other or double-claim.
func (r *assetRepo) ClaimBatch(ctx context.Context, tx *gorm.DB, p ClaimParams) ([]*types.Asset, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if (p.LibrarySlug == "" && !p.Global) || (p.LibrarySlug != "" && p.Global) {
		return nil, ErrAmbiguousScope
	}
	if p.WorkerID == "" {
		return nil, fmt.Errorf("workerID required")
	}
	if p.FromStatus == "" || p.AssetType == "" {
		return nil, fmt.Errorf("fromStatus and assetType required")
	}
	if len(p.AllowedExts) == 0 {
		return nil, fmt.Errorf("allowedExts required")
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 1
	}
	lease := p.Lease
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}

	var claimed []*types.Asset
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		now := time.Now()
		q := txx.Model(&types.Asset{}).
			Select("asset.*").
			Clauses(clause.Locking{Strength: "UPDATE", Table: clause.Table{Name: "asset"}, Options: "SKIP LOCKED"}).
			Joins("JOIN library ON library.id = asset.library_id").
			Where("(asset.status = ? OR (asset.status = ? AND asset.lease_expires_at IS NOT NULL AND asset.lease_expires_at < ?))",
				p.FromStatus, types.AssetStatusProcessing, now).
			Where("library.deleted_at IS NULL").
			Where("asset.type = ?", p.AssetType).
			Where("'.' || lower(split_part(asset.rel_path, '.', -1)) IN ?", p.AllowedExts)
		if !p.Global {
			q = q.Where("library.slug = ?", p.LibrarySlug)
		}
		if p.TargetModelID != nil {
			q = q.Where("COALESCE(library.target_tagger_id, (SELECT value::bigint FROM system_metadata WHERE key = ?)) = ?",
				types.MetaKeyDefaultAIModelID, *p.TargetModelID)
		}

		var rows []*types.Asset
		if err := q.Order("asset.id ASC").Limit(limit).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(rows))
		for _, a := range rows {
			ids = append(ids, a.ID)
		}
		leaseUntil := now.Add(lease)
		if err := txx.Model(&types.Asset{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"status":           types.AssetStatusProcessing,
				"worker_id":        p.WorkerID,
				"lease_expires_at": leaseUntil,
				"updated_at":       now,
			}).Error; err != nil {
			return err
		}

		var libIDs []int64
		seen := map[int64]bool{}
		for _, a := range rows {
			if !seen[a.LibraryID] {
				seen[a.LibraryID] = true
				libIDs = append(libIDs, a.LibraryID)
			}
		}
		var libs []*types.Library
		if err := txx.Where("id IN ?", libIDs).Find(&libs).Error; err != nil {
			return err
		}
		byID := make(map[int64]*types.Library, len(libs))
		for _, l := range libs {
			byID[l.ID] = l
		}

		workerID := p.WorkerID
		for _, a := range rows {
			a.Status = types.AssetStatusProcessing
			a.WorkerID = &workerID
			expires := leaseUntil
			a.LeaseExpiresAt = &expires
			a.Library = byID[a.LibraryID]
		}
		claimed = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateStatus moves one asset through the state machine. When ownedBy is
// set and the lease has moved on, the update silently matches zero rows; the
// current owner's result stands. Failures bump retry_count and promote to
// poisoned past the limit instead of failed.
func (r *assetRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, assetID int64, newStatus string, ownedBy string, errMsg *string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if assetID == 0 || newStatus == "" {
		return fmt.Errorf("assetID and newStatus required")
	}

	updates := map[string]interface{}{
		"status":        newStatus,
		"error_message": errMsg,
		"updated_at":    time.Now(),
	}
	if newStatus != types.AssetStatusProcessing {
		updates["worker_id"] = nil
		updates["lease_expires_at"] = nil
	}
	switch newStatus {
	case types.AssetStatusFailed:
		updates["status"] = gorm.Expr("CASE WHEN retry_count + 1 > ? THEN ? ELSE ? END",
			types.RetryLimit, types.AssetStatusPoisoned, types.AssetStatusFailed)
		updates["retry_count"] = gorm.Expr("retry_count + 1")
	case types.AssetStatusProxied:
		updates["retry_count"] = 0
	}

	q := transaction.WithContext(ctx).Model(&types.Asset{}).Where("id = ?", assetID)
	if ownedBy != "" {
		q = q.Where("worker_id = ?", ownedBy)
	}
	return q.Updates(updates).Error
}

// RenewLease pushes the lease deadline forward for a worker mid-task. Long
// videos renew after every closed scene, so a healthy worker never loses an
// asset to the reclaimer. Matching zero rows means the lease already moved on.
func (r *assetRepo) RenewLease(ctx context.Context, tx *gorm.DB, assetID int64, ownedBy string, lease time.Duration) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if assetID == 0 || ownedBy == "" {
		return fmt.Errorf("assetID and ownedBy required")
	}
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}
	now := time.Now()
	return transaction.WithContext(ctx).Model(&types.Asset{}).
		Where("id = ?", assetID).
		Where("worker_id = ?", ownedBy).
		Where("status = ?", types.AssetStatusProcessing).
		Updates(map[string]interface{}{
			"lease_expires_at": now.Add(lease),
			"updated_at":       now,
		}).Error
}

func (r *assetRepo) SetProxied(ctx context.Context, tx *gorm.DB, assetID int64, ownedBy string, res ProxyResult) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if assetID == 0 {
		return fmt.Errorf("assetID required")
	}
	updates := map[string]interface{}{
		"status":           types.AssetStatusProxied,
		"retry_count":      0,
		"worker_id":        nil,
		"lease_expires_at": nil,
		"error_message":    nil,
		"updated_at":       time.Now(),
	}
	// Videos land here with no proxy file; NULL keeps that distinct from a
	// path that merely went missing on disk.
	updates["proxy_path"] = nullableString(res.ProxyPath)
	updates["thumbnail_path"] = nullableString(res.ThumbnailPath)
	if res.PreviewPath != nil {
		updates["preview_path"] = *res.PreviewPath
	}
	if res.VideoPreviewPath != nil {
		updates["video_preview_path"] = *res.VideoPreviewPath
	}
	if res.SegmentationVersion != nil {
		updates["segmentation_version"] = *res.SegmentationVersion
	}
	q := transaction.WithContext(ctx).Model(&types.Asset{}).Where("id = ?", assetID)
	if ownedBy != "" {
		q = q.Where("worker_id = ?", ownedBy)
	}
	return q.Updates(updates).Error
}

func (r *assetRepo) SetAnalysis(ctx context.Context, tx *gorm.DB, assetID int64, ownedBy string, doc datatypes.JSON, modelID int64, newStatus string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if assetID == 0 || modelID == 0 {
		return fmt.Errorf("assetID and modelID required")
	}
	if newStatus != types.AssetStatusAnalyzedLight && newStatus != types.AssetStatusCompleted {
		return fmt.Errorf("analysis can only land in analyzed_light or completed, got %q", newStatus)
	}
	updates := map[string]interface{}{
		"status":            newStatus,
		"visual_analysis":   doc,
		"analysis_model_id": modelID,
		"worker_id":         nil,
		"lease_expires_at":  nil,
		"error_message":     nil,
		"updated_at":        time.Now(),
	}
	// The light pass is what produced the tags, so it stamps the tagger too.
	if newStatus == types.AssetStatusAnalyzedLight {
		updates["tags_model_id"] = modelID
	}
	q := transaction.WithContext(ctx).Model(&types.Asset{}).Where("id = ?", assetID)
	if ownedBy != "" {
		q = q.Where("worker_id = ?", ownedBy)
	}
	return q.Updates(updates).Error
}

// ReclaimStaleLeases hands expired processing rows back to the stage their
// derivatives prove they reached: no thumbnail means the proxy stage never
// finished (videos store no proxy file, so the thumbnail is the stage marker
// shared by both types), no analysis means proxied, otherwise analyzed_light.
// Each reclaim costs a retry, and rows past the limit are poisoned instead
// of retried forever. An empty librarySlug reclaims across all libraries.
func (r *assetRepo) ReclaimStaleLeases(ctx context.Context, tx *gorm.DB, librarySlug string) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	query := `
		UPDATE asset SET
			status = CASE
				WHEN retry_count + 1 > ? THEN ?
				WHEN thumbnail_path IS NULL THEN ?
				WHEN visual_analysis IS NULL THEN ?
				ELSE ?
			END,
			retry_count = retry_count + 1,
			worker_id = NULL,
			lease_expires_at = NULL,
			updated_at = now()
		WHERE status = ?
		  AND lease_expires_at IS NOT NULL
		  AND lease_expires_at < now()
	`
	args := []interface{}{
		types.RetryLimit, types.AssetStatusPoisoned,
		types.AssetStatusPending, types.AssetStatusProxied, types.AssetStatusAnalyzedLight,
		types.AssetStatusProcessing,
	}
	if librarySlug != "" {
		query += ` AND library_id IN (SELECT id FROM library WHERE slug = ?)`
		args = append(args, librarySlug)
	}
	res := transaction.WithContext(ctx).Exec(query, args...)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// ResetStaleModelAssets sends analyzed assets whose recorded model no longer
// matches the library's effective target back to proxied. The old document
// stays in place so search keeps working until re-analysis lands.
func (r *assetRepo) ResetStaleModelAssets(ctx context.Context, tx *gorm.DB, libraryID int64, effectiveModelID int64) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if libraryID == 0 || effectiveModelID == 0 {
		return 0, fmt.Errorf("libraryID and effectiveModelID required")
	}
	res := transaction.WithContext(ctx).Model(&types.Asset{}).
		Where("library_id = ?", libraryID).
		Where("status IN ?", []string{types.AssetStatusAnalyzedLight, types.AssetStatusCompleted}).
		Where("analysis_model_id IS DISTINCT FROM ?", effectiveModelID).
		Updates(map[string]interface{}{
			"status":        types.AssetStatusProxied,
			"tags_model_id": nil,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// ListProxiedWithPaths pages through assets that claim to have derivatives,
// so repair can verify the files still exist.
func (r *assetRepo) ListProxiedWithPaths(ctx context.Context, tx *gorm.DB, libraryID int64, assetType string, afterID int64, limit int) ([]*types.Asset, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 500
	}
	var out []*types.Asset
	q := transaction.WithContext(ctx).
		Where("library_id = ?", libraryID).
		Where("status IN ?", []string{types.AssetStatusProxied, types.AssetStatusAnalyzedLight, types.AssetStatusCompleted}).
		Where("id > ?", afterID)
	if assetType != "" {
		q = q.Where("type = ?", assetType)
	}
	if err := q.Order("id ASC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *assetRepo) ResetToPending(ctx context.Context, tx *gorm.DB, ids []int64) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := transaction.WithContext(ctx).Model(&types.Asset{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"status":           types.AssetStatusPending,
			"worker_id":        nil,
			"lease_expires_at": nil,
			"error_message":    nil,
			"updated_at":       time.Now(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// ListVideosWithStaleSegmentation pages video assets whose persisted
// segmentation version no longer matches the compiled one. Rows with a NULL
// version never finished the pipeline and are left alone.
func (r *assetRepo) ListVideosWithStaleSegmentation(ctx context.Context, tx *gorm.DB, libraryID int64, currentVersion int, afterID int64, limit int) ([]*types.Asset, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if libraryID == 0 {
		return nil, fmt.Errorf("libraryID required")
	}
	if limit <= 0 {
		limit = 500
	}
	var out []*types.Asset
	err := transaction.WithContext(ctx).
		Where("library_id = ?", libraryID).
		Where("type = ?", types.AssetTypeVideo).
		Where("segmentation_version IS NOT NULL").
		Where("segmentation_version <> ?", currentVersion).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// InvalidateSceneIndex sends a video back through the whole proxy pipeline
// after its scene index was cleared: version and preview are nulled so
// nothing references the deleted scenes, and the row goes back to pending.
func (r *assetRepo) InvalidateSceneIndex(ctx context.Context, tx *gorm.DB, assetID int64) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if assetID == 0 {
		return fmt.Errorf("assetID required")
	}
	return transaction.WithContext(ctx).Model(&types.Asset{}).
		Where("id = ?", assetID).
		Updates(map[string]interface{}{
			"status":               types.AssetStatusPending,
			"segmentation_version": nil,
			"preview_path":         nil,
			"worker_id":            nil,
			"lease_expires_at":     nil,
			"error_message":        nil,
			"updated_at":           time.Now(),
		}).Error
}

// BrowseParams pages one library's assets for the browse surface. Sort and
// Order map onto a whitelist; anything unrecognized falls back to newest
// first.
type BrowseParams struct {
	Slug   string
	Type   string // "" | image | video
	Sort   string // mtime | filename | size
	Order  string // asc | desc
	Limit  int
	Offset int
}

func (p BrowseParams) orderClause() string {
	col := "asset.mtime"
	switch p.Sort {
	case "filename":
		col = "asset.rel_path"
	case "size":
		col = "asset.size"
	}
	dir := "DESC"
	if strings.EqualFold(p.Order, "asc") {
		dir = "ASC"
	}
	return fmt.Sprintf("%s %s, asset.id %s", col, dir, dir)
}

func (r *assetRepo) ListByLibrarySlug(ctx context.Context, tx *gorm.DB, p BrowseParams) ([]*types.Asset, int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if p.Slug == "" {
		return nil, 0, fmt.Errorf("slug required")
	}
	if p.Limit <= 0 {
		p.Limit = 100
	}
	base := transaction.WithContext(ctx).Model(&types.Asset{}).
		Joins("JOIN library ON library.id = asset.library_id").
		Where("library.deleted_at IS NULL").
		Where("library.slug = ?", p.Slug)
	if p.Type != "" {
		base = base.Where("asset.type = ?", p.Type)
	}

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []*types.Asset
	if err := base.Session(&gorm.Session{}).
		Select("asset.*").
		Order(p.orderClause()).
		Limit(p.Limit).
		Offset(p.Offset).
		Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// ListByLibraryBatch pages one library's assets by id regardless of status.
// Keyset pagination keeps the cursor stable while callers delete rows behind
// it, which is exactly what the missing-source reap does.
func (r *assetRepo) ListByLibraryBatch(ctx context.Context, tx *gorm.DB, libraryID int64, afterID int64, limit int) ([]*types.Asset, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if libraryID == 0 {
		return nil, fmt.Errorf("libraryID required")
	}
	if limit <= 0 {
		limit = 500
	}
	var out []*types.Asset
	err := transaction.WithContext(ctx).
		Where("library_id = ?", libraryID).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListWithLibraryBatch pages every asset of live libraries with the library
// loaded, for jobs that need the absolute source path.
func (r *assetRepo) ListWithLibraryBatch(ctx context.Context, tx *gorm.DB, afterID int64, limit int) ([]*types.Asset, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 500
	}
	var out []*types.Asset
	err := transaction.WithContext(ctx).
		Select("asset.*").
		Joins("JOIN library ON library.id = asset.library_id").
		Where("library.deleted_at IS NULL").
		Where("asset.id > ?", afterID).
		Order("asset.id ASC").
		Limit(limit).
		Preload("Library").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *assetRepo) DeleteByIDs(ctx context.Context, tx *gorm.DB, ids []int64) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := transaction.WithContext(ctx).Where("id IN ?", ids).Delete(&types.Asset{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// ListAllDerivativePaths collects every derivative path recorded for live
// libraries. The orphan sweeper treats files outside this set as deletable.
func (r *assetRepo) ListAllDerivativePaths(ctx context.Context, tx *gorm.DB) ([]string, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []string
	for _, col := range []string{"proxy_path", "thumbnail_path", "preview_path", "video_preview_path"} {
		var vals []string
		err := transaction.WithContext(ctx).Model(&types.Asset{}).
			Joins("JOIN library ON library.id = asset.library_id").
			Where("library.deleted_at IS NULL").
			Where("asset."+col+" IS NOT NULL").
			Pluck("asset."+col, &vals).Error
		if err != nil {
			return nil, err
		}
		out = append(out, vals...)
	}
	return out, nil
}

// nullableString maps "" to SQL NULL so optional path columns never hold
// empty strings.
func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// CountUnfinished counts assets still moving through the pipeline; the API
// surfaces it so clients can tell partial search results from final ones.
func (r *assetRepo) CountUnfinished(ctx context.Context, tx *gorm.DB, libraryID int64) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	err := transaction.WithContext(ctx).Model(&types.Asset{}).
		Where("library_id = ?", libraryID).
		Where("status IN ?", unfinishedStatuses).
		Count(&n).Error
	if err != nil {
		return 0, err
	}
	return n, nil
}

// CountPendingProxyable is the depth of the claimable pending queue, scoped
// to one library when a slug is given. Proxy workers sample it once at
// startup so their progress logs can report "n of m".
func (r *assetRepo) CountPendingProxyable(ctx context.Context, tx *gorm.DB, librarySlug string) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(ctx).Model(&types.Asset{}).
		Joins("JOIN library ON library.id = asset.library_id").
		Where("asset.status = ?", types.AssetStatusPending).
		Where("library.is_active = ?", true).
		Where("library.deleted_at IS NULL")
	if librarySlug != "" {
		q = q.Where("library.slug = ?", librarySlug)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}
