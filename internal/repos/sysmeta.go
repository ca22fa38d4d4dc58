package repos

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aperturelabs/mediasearch-backend/internal/platform/logger"
	"github.com/aperturelabs/mediasearch-backend/internal/types"
)

type SystemMetadataRepo interface {
	Get(ctx context.Context, tx *gorm.DB, key string) (string, bool, error)
	Set(ctx context.Context, tx *gorm.DB, key, value string) error

	GetSchemaVersion(ctx context.Context, tx *gorm.DB) (string, error)
	GetDefaultModelID(ctx context.Context, tx *gorm.DB) (*int64, error)
	SetDefaultModelID(ctx context.Context, tx *gorm.DB, modelID int64) error
}

type systemMetadataRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSystemMetadataRepo(db *gorm.DB, baseLog *logger.Logger) SystemMetadataRepo {
	return &systemMetadataRepo{
		db:  db,
		log: baseLog.With("repo", "SystemMetadataRepo"),
	}
}

func (r *systemMetadataRepo) Get(ctx context.Context, tx *gorm.DB, key string) (string, bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if key == "" {
		return "", false, fmt.Errorf("key required")
	}
	var row types.SystemMetadata
	err := transaction.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.Value, true, nil
}

func (r *systemMetadataRepo) Set(ctx context.Context, tx *gorm.DB, key, value string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if key == "" {
		return fmt.Errorf("key required")
	}
	row := types.SystemMetadata{Key: key, Value: value}
	return transaction.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"value": value}),
	}).Create(&row).Error
}

// GetSchemaVersion returns the stamped schema generation, empty when the
// database was never bootstrapped. Workers compare it against
// types.SchemaVersion and refuse to start on any mismatch.
func (r *systemMetadataRepo) GetSchemaVersion(ctx context.Context, tx *gorm.DB) (string, error) {
	value, _, err := r.Get(ctx, tx, types.MetaKeySchemaVersion)
	return value, err
}

func (r *systemMetadataRepo) GetDefaultModelID(ctx context.Context, tx *gorm.DB) (*int64, error) {
	value, ok, err := r.Get(ctx, tx, types.MetaKeyDefaultAIModelID)
	if err != nil {
		return nil, err
	}
	if !ok || value == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("default model id %q is not numeric: %w", value, err)
	}
	return &id, nil
}

// allowMockDefaultEnv set to exactly "1" permits a mock analyzer as the
// system default. Anything else rejects it, so a test model can never leak
// into a production queue's targeting.
const allowMockDefaultEnv = "MEDIASEARCH_ALLOW_MOCK_DEFAULT"

func isMockModelName(name string) bool {
	switch name {
	case "mock", "mock-analyzer":
		return true
	}
	return false
}

func (r *systemMetadataRepo) SetDefaultModelID(ctx context.Context, tx *gorm.DB, modelID int64) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if modelID == 0 {
		return fmt.Errorf("modelID required")
	}
	var model types.AIModel
	err := transaction.WithContext(ctx).Where("id = ?", modelID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("ai model %d not found", modelID)
	}
	if err != nil {
		return err
	}
	if isMockModelName(model.Name) && strings.TrimSpace(os.Getenv(allowMockDefaultEnv)) != "1" {
		return fmt.Errorf("cannot use %q as the default model; set %s=1 only in tests", model.Name, allowMockDefaultEnv)
	}
	return r.Set(ctx, tx, types.MetaKeyDefaultAIModelID, strconv.FormatInt(modelID, 10))
}
