package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/types"
	"github.com/aperturelabs/mediasearch-backend/internal/utils"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewPostgresService connects using dsn when non-empty, otherwise the
// POSTGRES_* environment variables.
func NewPostgresService(dsn string, log *logger.Logger) (*PostgresService, error) {
	serviceLog := log.With("service", "PostgresService")

	if dsn == "" {
		log.Info("Loading environment variables...")
		postgresHost := utils.GetEnv("POSTGRES_HOST", "localhost", log)
		postgresPort := utils.GetEnv("POSTGRES_PORT", "5432", log)
		postgresUser := utils.GetEnv("POSTGRES_USER", "postgres", log)
		postgresPassword := utils.GetEnv("POSTGRES_PASSWORD", "", log)
		postgresName := utils.GetEnv("POSTGRES_NAME", "media_search", log)
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", postgresUser, postgresPassword, postgresHost, postgresPort, postgresName)
	}

	log.Info("Connecting to Postgres...")
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		PrepareStmt:                              utils.GetEnvAsBool("POSTGRES_PREPARE_STMT", false, log),
	})
	if err != nil {
		log.Error("Failed to connect to Postgres", "error", err)
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	// A fleet process runs many pollers against one pool; cap it below the
	// server's max_connections so a big fleet cannot starve the API.
	if sqlDB, err := gdb.DB(); err == nil {
		sqlDB.SetMaxOpenConns(utils.GetEnvAsInt("POSTGRES_MAX_OPEN_CONNS", 20, log))
		sqlDB.SetMaxIdleConns(utils.GetEnvAsInt("POSTGRES_MAX_IDLE_CONNS", 5, log))
	}

	return &PostgresService{db: gdb, log: serviceLog}, nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	err := s.db.AutoMigrate(
		&types.Library{},
		&types.AIModel{},
		&types.Asset{},
		&types.VideoScene{},
		&types.VideoActiveState{},
		&types.WorkerStatus{},
		&types.SystemMetadata{},
		&types.Project{},
		&types.ProjectAsset{},
	)
	if err != nil {
		s.log.Error("Auto migration failed for postgres tables", "error", err)
		return err
	}

	s.log.Info("Configuring foreign key relationships for postgres tables...")
	foreignKeys := []struct {
		name string
		ddl  string
	}{
		{
			name: "fk_asset_library_id",
			ddl: `ALTER TABLE "asset"
				ADD CONSTRAINT "fk_asset_library_id"
				FOREIGN KEY ("library_id") REFERENCES "library"("id")
				ON DELETE CASCADE`,
		},
		{
			name: "fk_asset_tags_model_id",
			ddl: `ALTER TABLE "asset"
				ADD CONSTRAINT "fk_asset_tags_model_id"
				FOREIGN KEY ("tags_model_id") REFERENCES "aimodel"("id")
				ON DELETE SET NULL`,
		},
		{
			name: "fk_asset_analysis_model_id",
			ddl: `ALTER TABLE "asset"
				ADD CONSTRAINT "fk_asset_analysis_model_id"
				FOREIGN KEY ("analysis_model_id") REFERENCES "aimodel"("id")
				ON DELETE SET NULL`,
		},
		{
			name: "fk_library_target_tagger_id",
			ddl: `ALTER TABLE "library"
				ADD CONSTRAINT "fk_library_target_tagger_id"
				FOREIGN KEY ("target_tagger_id") REFERENCES "aimodel"("id")
				ON DELETE SET NULL`,
		},
		{
			name: "fk_video_scenes_asset_id",
			ddl: `ALTER TABLE "video_scenes"
				ADD CONSTRAINT "fk_video_scenes_asset_id"
				FOREIGN KEY ("asset_id") REFERENCES "asset"("id")
				ON DELETE CASCADE`,
		},
		{
			name: "fk_video_active_state_asset_id",
			ddl: `ALTER TABLE "video_active_state"
				ADD CONSTRAINT "fk_video_active_state_asset_id"
				FOREIGN KEY ("asset_id") REFERENCES "asset"("id")
				ON DELETE CASCADE`,
		},
		{
			name: "fk_project_assets_project_id",
			ddl: `ALTER TABLE "project_assets"
				ADD CONSTRAINT "fk_project_assets_project_id"
				FOREIGN KEY ("project_id") REFERENCES "project"("id")
				ON DELETE CASCADE`,
		},
		{
			name: "fk_project_assets_asset_id",
			ddl: `ALTER TABLE "project_assets"
				ADD CONSTRAINT "fk_project_assets_asset_id"
				FOREIGN KEY ("asset_id") REFERENCES "asset"("id")
				ON DELETE CASCADE`,
		},
	}
	for _, fk := range foreignKeys {
		var exists bool
		if err := s.db.Raw(`SELECT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = ?)`, fk.name).Scan(&exists).Error; err != nil {
			return fmt.Errorf("failed to check constraint %s: %w", fk.name, err)
		}
		if exists {
			continue
		}
		if err := s.db.Exec(fk.ddl).Error; err != nil {
			return fmt.Errorf("failed to add %s: %w", fk.name, err)
		}
	}

	s.log.Info("Configuring full-text indexes...")
	if err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS "ix_asset_visual_analysis_fts"
		ON "asset" USING GIN (to_tsvector('english', visual_analysis))
	`).Error; err != nil {
		return fmt.Errorf("failed to add ix_asset_visual_analysis_fts: %w", err)
	}
	if err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS "ix_video_scenes_metadata_fts"
		ON "video_scenes" USING GIN (to_tsvector('english', metadata))
	`).Error; err != nil {
		return fmt.Errorf("failed to add ix_video_scenes_metadata_fts: %w", err)
	}

	s.log.Info("Stamping schema version...", "schema_version", types.SchemaVersion)
	if err := s.db.Exec(`
		INSERT INTO "system_metadata" ("key", "value") VALUES (?, ?)
		ON CONFLICT ("key") DO UPDATE SET "value" = EXCLUDED."value"
	`, types.MetaKeySchemaVersion, types.SchemaVersion).Error; err != nil {
		return fmt.Errorf("failed to stamp schema version: %w", err)
	}
	return nil
}

func (s *PostgresService) DB() *gorm.DB {
	return s.db
}
