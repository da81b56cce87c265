package main

import (
	"context"
	"fmt"

	"github.com/xaenox/autoreply-bot/internal/history"
	"github.com/xaenox/autoreply-bot/internal/storage"
	"github.com/xaenox/autoreply-bot/pkg/config"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Log.Development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func openStore(cfg *config.Config, logger *zap.Logger) (storage.Storage, error) {
	opts := []storage.Option{storage.WithLogger(logger.Named("storage"))}
	db := cfg.Database

	switch db.Driver {
	case config.DriverMemory:
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStorage(opts...), nil
	case config.DriverFile:
		logger.Info("Using JSON file storage", zap.String("path", db.Path))
		return storage.NewFileStorage(db.Path, opts...)
	case config.DriverBolt:
		logger.Info("Using bbolt storage", zap.String("path", db.Path))
		return storage.NewBoltStorage(db.Path, opts...)
	case config.DriverPostgres:
		logger.Info("Using PostgreSQL storage", zap.String("host", db.Host), zap.String("dbname", db.DBName))
		return storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:     db.Host,
			Port:     db.Port,
			User:     db.User,
			Password: db.Password,
			DBName:   db.DBName,
			SSLMode:  db.SSLMode,
		}, opts...)
	default:
		return nil, fmt.Errorf("unknown database driver %q", db.Driver)
	}
}

func openHistory(ctx context.Context, cfg *config.Config, logger *zap.Logger) (history.Store, error) {
	h := cfg.History
	switch h.Backend {
	case config.HistoryMemory:
		return history.NewMemoryStore(h.Size), nil
	case config.HistoryRedis:
		logger.Info("Using Redis history", zap.String("addr", h.Redis.Addr))
		return history.NewRedisStore(ctx, history.RedisConfig{
			Addr:     h.Redis.Addr,
			Password: h.Redis.Password,
			DB:       h.Redis.DB,
			Size:     h.Size,
			TTL:      h.TTL,
		}, logger.Named("history"))
	default:
		return nil, fmt.Errorf("unknown history backend %q", h.Backend)
	}
}
