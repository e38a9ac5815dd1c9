// Package repository persists the manifest of downloaded model artifacts so
// a restarted process can reuse an on-disk artifact instead of downloading
// it again. Classification results are never persisted.
package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/image-classify/internal/logging"
)

// ModelArtifact records one downloaded artifact and where it lives on disk.
type ModelArtifact struct {
	ID           uint      `gorm:"primaryKey"`
	Name         string    `gorm:"column:name;size:64;uniqueIndex:idx_artifact_name_version"`
	Version      string    `gorm:"column:version;size:64;uniqueIndex:idx_artifact_name_version"`
	URL          string    `gorm:"column:url;type:text"`
	SHA256       string    `gorm:"column:sha256;size:64"`
	Path         string    `gorm:"column:path;type:text"`
	SizeBytes    int64     `gorm:"column:size_bytes"`
	DownloadedAt time.Time `gorm:"column:downloaded_at"`
}

// TableName overrides the default table name.
func (ModelArtifact) TableName() string {
	return "model_artifacts"
}

// ArtifactRepository provides persistence APIs for the artifact manifest.
type ArtifactRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewArtifactRepository creates a new repository instance.
func NewArtifactRepository(db *gorm.DB, logger *zap.Logger) *ArtifactRepository {
	return &ArtifactRepository{
		db:             db,
		logger:         logger.Named("artifact_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ArtifactRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&ModelArtifact{})
}

// SaveArtifact upserts a manifest record keyed by (name, version).
func (r *ArtifactRepository) SaveArtifact(ctx context.Context, artifact *ModelArtifact) error {
	return r.executeWithRetry(ctx, "repository.save_artifact", artifact.Name, func() error {
		return r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "name"}, {Name: "version"}},
				UpdateAll: true,
			}).
			Create(artifact).Error
	})
}

// FindArtifact retrieves the manifest record for an artifact, or nil when
// none has been downloaded yet.
func (r *ArtifactRepository) FindArtifact(ctx context.Context, name, version string) (*ModelArtifact, error) {
	var artifact ModelArtifact
	err := r.executeWithRetry(ctx, "repository.find_artifact", name, func() error {
		return r.db.WithContext(ctx).
			First(&artifact, "name = ? AND version = ?", name, version).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &artifact, nil
}

func (r *ArtifactRepository) executeWithRetry(ctx context.Context, operation, key string, fn func() error) error {
	if r.retryAttempts <= 1 {
		return logging.NewOperationError(operation, key, fn())
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, key)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, key, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, gorm.ErrRecordNotFound) || !logging.IsTransientError(err) || attempt == r.retryAttempts-1 {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, key, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, key, err)
}
