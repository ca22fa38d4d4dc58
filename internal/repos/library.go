package repos

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/types"
)

var (
	// ErrSlugActive and ErrSlugTrashed distinguish the two ways a new
	// library can collide on slug. A trashed row still owns its slug until
	// it is hard-deleted, so the caller can offer a restore instead of a
	// rename.
	ErrSlugActive  = errors.New("an active library with this slug already exists")
	ErrSlugTrashed = errors.New("a trashed library with this slug exists; restore it or choose another name")
)

// hardDeleteChunk bounds each asset DELETE so a huge library never pins
// one long-running statement.
const hardDeleteChunk = 5000

var slugRuns = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives the URL-safe slug used in routes and on-disk paths:
// lowercase, non-alphanumeric runs collapse to single hyphens, leading and
// trailing hyphens drop. An empty result falls back to "library".
func Slugify(name string) string {
	slug := strings.Trim(slugRuns.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if slug == "" {
		return "library"
	}
	return slug
}

type LibraryRepo interface {
	Create(ctx context.Context, tx *gorm.DB, library *types.Library) (*types.Library, error)
	GetBySlug(ctx context.Context, tx *gorm.DB, slug string) (*types.Library, error)
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.Library, error)
	List(ctx context.Context, tx *gorm.DB, includeTrashed bool) ([]*types.Library, error)
	ListTrashed(ctx context.Context, tx *gorm.DB) ([]*types.Library, error)

	RequestScan(ctx context.Context, tx *gorm.DB, slug string, full bool) error
	ClaimScanRequest(ctx context.Context, tx *gorm.DB, slug string, global bool) (*types.Library, error)
	SetScanStatus(ctx context.Context, tx *gorm.DB, libraryID int64, status string) error

	SetTargetModel(ctx context.Context, tx *gorm.DB, libraryID int64, modelID *int64) error
	GetEffectiveModelID(ctx context.Context, tx *gorm.DB, libraryID int64) (*int64, error)

	SoftDelete(ctx context.Context, tx *gorm.DB, slug string) error
	Restore(ctx context.Context, tx *gorm.DB, slug string) error
	HardDelete(ctx context.Context, tx *gorm.DB, slug string) error

	GetOrphanedLibraryIDs(ctx context.Context, tx *gorm.DB) ([]int64, error)
	DeleteOrphanedAssetsForLibrary(ctx context.Context, tx *gorm.DB, libraryID int64) (int64, error)
}

type libraryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewLibraryRepo(db *gorm.DB, baseLog *logger.Logger) LibraryRepo {
	return &libraryRepo{
		db:  db,
		log: baseLog.With("repo", "LibraryRepo"),
	}
}

// Create inserts a new library. An empty Slug is derived from Name. Both a
// live and a trashed holder of the slug reject the insert, with distinct
// errors so the caller can tell "rename" from "restore first".
func (r *libraryRepo) Create(ctx context.Context, tx *gorm.DB, library *types.Library) (*types.Library, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if library == nil || library.Name == "" || library.AbsolutePath == "" {
		return nil, fmt.Errorf("library requires name and absolute_path")
	}
	if library.Slug == "" {
		library.Slug = Slugify(library.Name)
	}
	if library.ScanStatus == "" {
		library.ScanStatus = types.ScanStatusIdle
	}

	var existing types.Library
	err := transaction.WithContext(ctx).Unscoped().
		Select("id", "deleted_at").
		Where("slug = ?", library.Slug).
		First(&existing).Error
	if err == nil {
		if existing.DeletedAt.Valid {
			return nil, fmt.Errorf("slug %q: %w", library.Slug, ErrSlugTrashed)
		}
		return nil, fmt.Errorf("slug %q: %w", library.Slug, ErrSlugActive)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if err := transaction.WithContext(ctx).Create(library).Error; err != nil {
		// Two creators can both pass the pre-check; the unique index on
		// slug is the authority.
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("slug %q: %w", library.Slug, ErrSlugActive)
		}
		return nil, err
	}
	return library, nil
}

// isUniqueViolation matches Postgres unique_violation (23505) and the
// SQLite phrasing the portable tests run against.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r *libraryRepo) GetBySlug(ctx context.Context, tx *gorm.DB, slug string) (*types.Library, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if slug == "" {
		return nil, nil
	}
	var library types.Library
	err := transaction.WithContext(ctx).Where("slug = ?", slug).First(&library).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &library, nil
}

func (r *libraryRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.Library, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == 0 {
		return nil, nil
	}
	var library types.Library
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&library).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &library, nil
}

func (r *libraryRepo) List(ctx context.Context, tx *gorm.DB, includeTrashed bool) ([]*types.Library, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(ctx)
	if includeTrashed {
		q = q.Unscoped()
	}
	var out []*types.Library
	if err := q.Order("slug ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *libraryRepo) ListTrashed(ctx context.Context, tx *gorm.DB) ([]*types.Library, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Library
	err := transaction.WithContext(ctx).Unscoped().
		Where("deleted_at IS NOT NULL").
		Order("slug ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *libraryRepo) RequestScan(ctx context.Context, tx *gorm.DB, slug string, full bool) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if slug == "" {
		return fmt.Errorf("slug required")
	}
	status := types.ScanStatusFastScanRequested
	if full {
		status = types.ScanStatusFullScanRequested
	}
	res := transaction.WithContext(ctx).Model(&types.Library{}).
		Where("slug = ?", slug).
		Updates(map[string]interface{}{
			"scan_status": status,
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("library %q not found", slug)
	}
	return nil
}

// ClaimScanRequest picks one library with a pending scan request and flips
// it to scanning in the same transaction. The requested status survives on
// the returned struct so the caller knows full from fast.
func (r *libraryRepo) ClaimScanRequest(ctx context.Context, tx *gorm.DB, slug string, global bool) (*types.Library, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if (slug == "" && !global) || (slug != "" && global) {
		return nil, ErrAmbiguousScope
	}
	var claimed *types.Library
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var library types.Library
		q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("scan_status IN ?", []string{
				types.ScanStatusFullScanRequested,
				types.ScanStatusFastScanRequested,
			})
		if !global {
			q = q.Where("slug = ?", slug)
		}
		qErr := q.Order("id ASC").First(&library).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&types.Library{}).
			Where("id = ?", library.ID).
			Updates(map[string]interface{}{
				"scan_status": types.ScanStatusScanning,
				"updated_at":  time.Now(),
			}).Error
		if uErr != nil {
			return uErr
		}
		claimed = &library
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *libraryRepo) SetScanStatus(ctx context.Context, tx *gorm.DB, libraryID int64, status string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if libraryID == 0 || status == "" {
		return fmt.Errorf("libraryID and status required")
	}
	return transaction.WithContext(ctx).Model(&types.Library{}).
		Where("id = ?", libraryID).
		Updates(map[string]interface{}{
			"scan_status": status,
			"updated_at":  time.Now(),
		}).Error
}

// SetTargetModel overrides the analyzer for one library; nil falls back to
// the system default.
func (r *libraryRepo) SetTargetModel(ctx context.Context, tx *gorm.DB, libraryID int64, modelID *int64) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if libraryID == 0 {
		return fmt.Errorf("libraryID required")
	}
	return transaction.WithContext(ctx).Model(&types.Library{}).
		Where("id = ?", libraryID).
		Updates(map[string]interface{}{
			"target_tagger_id": modelID,
			"updated_at":       time.Now(),
		}).Error
}

// GetEffectiveModelID resolves the analyzer a library's assets should carry:
// the library override when set, otherwise the system default. Nil means
// neither is configured.
func (r *libraryRepo) GetEffectiveModelID(ctx context.Context, tx *gorm.DB, libraryID int64) (*int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if libraryID == 0 {
		return nil, fmt.Errorf("libraryID required")
	}
	var effective *int64
	row := transaction.WithContext(ctx).Raw(`
		SELECT COALESCE(
			library.target_tagger_id,
			(SELECT value::bigint FROM system_metadata WHERE key = ?)
		)
		FROM library
		WHERE id = ?
	`, types.MetaKeyDefaultAIModelID, libraryID).Row()
	if err := row.Scan(&effective); err != nil {
		return nil, err
	}
	return effective, nil
}

// SoftDelete moves the library to the trash. Already-trashed and unknown
// slugs are no-ops, and the original trash timestamp is kept so retention
// sweeps see the first deletion, not the latest retry.
func (r *libraryRepo) SoftDelete(ctx context.Context, tx *gorm.DB, slug string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if slug == "" {
		return fmt.Errorf("slug required")
	}
	now := time.Now()
	return transaction.WithContext(ctx).Unscoped().Model(&types.Library{}).
		Where("slug = ?", slug).
		Where("deleted_at IS NULL").
		Updates(map[string]interface{}{
			"deleted_at": now,
			"updated_at": now,
		}).Error
}

// Restore brings a trashed library back. Live and unknown slugs are no-ops.
func (r *libraryRepo) Restore(ctx context.Context, tx *gorm.DB, slug string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if slug == "" {
		return fmt.Errorf("slug required")
	}
	return transaction.WithContext(ctx).Unscoped().Model(&types.Library{}).
		Where("slug = ?", slug).
		Where("deleted_at IS NOT NULL").
		Updates(map[string]interface{}{
			"deleted_at": nil,
			"updated_at": time.Now(),
		}).Error
}

// HardDelete permanently removes a trashed library and everything under it.
// Children go first so the foreign keys hold: project links, scene rows and
// active segmentation state, then the assets in chunks, then the library
// row itself. A live library is refused; soft-delete is the only door in.
func (r *libraryRepo) HardDelete(ctx context.Context, tx *gorm.DB, slug string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if slug == "" {
		return fmt.Errorf("slug required")
	}
	var library types.Library
	err := transaction.WithContext(ctx).Unscoped().
		Where("slug = ?", slug).
		First(&library).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("library %q not found", slug)
	}
	if err != nil {
		return err
	}
	if !library.DeletedAt.Valid {
		return fmt.Errorf("library %q is not in trash; soft-delete it first", slug)
	}

	if err := r.deleteAssetTreeFor(ctx, transaction, library.ID, nil); err != nil {
		return err
	}

	r.log.Info("Hard-deleted library", "slug", slug, "library_id", library.ID)
	return transaction.WithContext(ctx).Unscoped().
		Where("id = ?", library.ID).
		Delete(&types.Library{}).Error
}

// GetOrphanedLibraryIDs reports library_id values on assets whose library
// row no longer exists. The foreign key stops new ones; rows migrated from
// databases that predate it can still carry them.
func (r *libraryRepo) GetOrphanedLibraryIDs(ctx context.Context, tx *gorm.DB) ([]int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var ids []int64
	err := transaction.WithContext(ctx).Raw(`
		SELECT DISTINCT a.library_id
		FROM asset a
		WHERE NOT EXISTS (SELECT 1 FROM library l WHERE l.id = a.library_id)
		ORDER BY a.library_id
	`).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteOrphanedAssetsForLibrary removes every asset row under a vanished
// library id, children first in the same order as HardDelete, and reports
// how many assets went.
func (r *libraryRepo) DeleteOrphanedAssetsForLibrary(ctx context.Context, tx *gorm.DB, libraryID int64) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if libraryID == 0 {
		return 0, fmt.Errorf("libraryID required")
	}
	var deleted int64
	if err := r.deleteAssetTreeFor(ctx, transaction, libraryID, &deleted); err != nil {
		return deleted, err
	}
	if deleted > 0 {
		r.log.Info("Deleted orphaned assets", "library_id", libraryID, "assets", deleted)
	}
	return deleted, nil
}

// deleteAssetTreeFor clears all rows hanging off a library's assets, then
// the assets themselves in hardDeleteChunk batches. deleted, when non-nil,
// accumulates the asset count.
func (r *libraryRepo) deleteAssetTreeFor(ctx context.Context, transaction *gorm.DB, libraryID int64, deleted *int64) error {
	children := []string{
		`DELETE FROM project_assets WHERE asset_id IN (SELECT id FROM asset WHERE library_id = ?)`,
		`DELETE FROM video_scenes WHERE asset_id IN (SELECT id FROM asset WHERE library_id = ?)`,
		`DELETE FROM video_active_state WHERE asset_id IN (SELECT id FROM asset WHERE library_id = ?)`,
	}
	for _, stmt := range children {
		if err := transaction.WithContext(ctx).Exec(stmt, libraryID).Error; err != nil {
			return err
		}
	}
	for {
		res := transaction.WithContext(ctx).Exec(
			`DELETE FROM asset WHERE id IN (SELECT id FROM asset WHERE library_id = ? LIMIT ?)`,
			libraryID, hardDeleteChunk,
		)
		if res.Error != nil {
			return res.Error
		}
		if deleted != nil {
			*deleted += res.RowsAffected
		}
		if res.RowsAffected == 0 {
			return nil
		}
	}
}
