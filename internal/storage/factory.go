package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/animal-lookalike/internal/config"
)

// NewImageStore builds the store selected by cfg.Type.
func NewImageStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (ImageStore, error) {
	var (
		store ImageStore
		err   error
	)
	switch cfg.Type {
	case config.StorageDisk, "":
		store, err = NewDiskStore(cfg.UploadDir, logger)
	case config.StorageMemory:
		store = NewMemoryStore()
	case config.StorageSQLite:
		store, err = NewSQLiteStore(ctx, cfg.SQLiteDSN, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("image store initialized", zap.String("type", cfg.Type))
	return store, nil
}
