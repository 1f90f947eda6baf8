package cmd

import (
	"context"
	"fmt"

	"AudioDeck/cache"
	"AudioDeck/config"
	"AudioDeck/core/asset"
	"AudioDeck/core/store"
	"AudioDeck/db"
	"AudioDeck/logger"
	"AudioDeck/model"
	"AudioDeck/repository"
	"AudioDeck/storage"
)

// openBlobs 按配置选择音频与图片的存储后端
func openBlobs(ctx context.Context, cfg *config.Config) (store.BlobStore, error) {
	switch cfg.StorageBackend {
	case "memory":
		logger.Warn("使用内存存储，重启后会话不会保留")
		return storage.NewMemoryStore(), nil
	default:
		s, err := storage.NewMinioStore(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("connect minio: %w", err)
		}
		return s, nil
	}
}

// openSnapshots 按配置选择快照后端
func openSnapshots(ctx context.Context, cfg *config.Config) (store.SnapshotStore, error) {
	switch cfg.SnapshotBackend {
	case "memory":
		return cache.NewMemorySnapshotStore(), nil
	case "local":
		s, err := cache.NewLocalSnapshotStore("audiodeck", cfg.SessionID)
		if err != nil {
			return nil, fmt.Errorf("open local snapshot store: %w", err)
		}
		return s, nil
	default:
		client, err := cache.ConnectRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return cache.NewRedisSnapshotStore(client, cfg.SessionID), nil
	}
}

// openLedger returns the asset ledger. Without a database the ledger lives
// in memory and is lost on restart.
func openLedger(cfg *config.Config) (asset.Ledger, error) {
	if !cfg.DBEnabled {
		return repository.NewMemoryAssetRepository(), nil
	}
	gdb, err := db.ConnectGormDB(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrateModels(gdb, &model.AssetRecord{}); err != nil {
		return nil, err
	}
	return repository.NewGormAssetRepository(gdb), nil
}

func closeStores() {
	if err := cache.CloseRedis(); err != nil {
		logger.Warn("关闭 Redis 连接失败", logger.ErrorField(err))
	}
	if err := db.CloseGormDB(); err != nil {
		logger.Warn("关闭数据库连接失败", logger.ErrorField(err))
	}
}
