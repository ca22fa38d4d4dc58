package repos

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/types"
)

// testDBURLEnv names a Postgres DSN for the tests that exercise
// Postgres-only SQL (SKIP LOCKED claims, the scan upsert, full-text search).
// When unset those tests skip; everything portable runs on SQLite.
const testDBURLEnv = "MS_TEST_DATABASE_URL"

var testEntities = []interface{}{
	&types.Library{},
	&types.Asset{},
	&types.VideoScene{},
	&types.VideoActiveState{},
	&types.WorkerStatus{},
	&types.SystemMetadata{},
	&types.AIModel{},
	&types.Project{},
	&types.ProjectAsset{},
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func newSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "repos_test.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(testEntities...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newPostgresDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv(testDBURLEnv)
	if dsn == "" {
		t.Skipf("%s not set; skipping Postgres-backed test", testDBURLEnv)
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	if err := db.AutoMigrate(testEntities...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	err = db.Exec(`TRUNCATE TABLE project_assets, project, video_active_state, video_scenes, asset, library, worker_status, system_metadata, aimodel RESTART IDENTITY CASCADE`).Error
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return db
}

func mkLibrary(t *testing.T, db *gorm.DB, name, slug string) *types.Library {
	t.Helper()
	lib := &types.Library{
		Name:         name,
		Slug:         slug,
		AbsolutePath: "/media/" + slug,
		IsActive:     true,
		ScanStatus:   types.ScanStatusIdle,
	}
	if err := db.Create(lib).Error; err != nil {
		t.Fatalf("create library %s: %v", slug, err)
	}
	return lib
}

func mkAsset(t *testing.T, db *gorm.DB, libID int64, relPath, assetType, status string) *types.Asset {
	t.Helper()
	a := &types.Asset{
		LibraryID: libID,
		RelPath:   relPath,
		Type:      assetType,
		Mtime:     time.Now().Truncate(time.Millisecond),
		Size:      1024,
		Status:    status,
	}
	if err := db.Create(a).Error; err != nil {
		t.Fatalf("create asset %s: %v", relPath, err)
	}
	return a
}

func reloadAsset(t *testing.T, db *gorm.DB, id int64) *types.Asset {
	t.Helper()
	var a types.Asset
	if err := db.First(&a, id).Error; err != nil {
		t.Fatalf("reload asset %d: %v", id, err)
	}
	return &a
}

func strPtr(s string) *string { return &s }

func int64Ptr(v int64) *int64 { return &v }

func intPtr(v int) *int { return &v }
