package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xaenox/autoreply-bot/internal/models"
	"go.uber.org/zap"
)

// RedisStore keeps each channel's context in a capped list.
type RedisStore struct {
	client *redis.Client
	size   int
	ttl    time.Duration
	logger *zap.Logger
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Size     int
	TTL      time.Duration
}

func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	size := cfg.Size
	if size < 1 {
		size = 1
	}
	logger.Info("Connected to Redis history store", zap.String("addr", cfg.Addr))
	return &RedisStore{client: client, size: size, ttl: cfg.TTL, logger: logger}, nil
}

func (s *RedisStore) key(channelID int64) string {
	return fmt.Sprintf("history:channel:%d", channelID)
}

func (s *RedisStore) Append(ctx context.Context, channelID int64, msg models.ContextMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := s.key(channelID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, b)
	pipe.LTrim(ctx, key, int64(-s.size), -1)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("error appending history: %w", err)
	}
	return nil
}

func (s *RedisStore) Recent(ctx context.Context, channelID int64, limit int) ([]models.ContextMessage, error) {
	if limit <= 0 {
		return []models.ContextMessage{}, nil
	}
	values, err := s.client.LRange(ctx, s.key(channelID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("error reading history: %w", err)
	}
	out := make([]models.ContextMessage, 0, len(values))
	for _, v := range values {
		var msg models.ContextMessage
		if err := json.Unmarshal([]byte(v), &msg); err != nil {
			s.logger.Warn("Skipping malformed history entry",
				zap.Error(err),
				zap.Int64("channel_id", channelID))
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
