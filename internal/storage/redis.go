package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	trainingStatusKey = "nlu:trainingStatus"
	autoTrainKey      = "nlu-autoTrain"
)

func botKey(prefix, botID string) string {
	return prefix + ":" + botID
}

// RedisStorage wraps the Redis connection shared by the training-session
// store, the locker and the training status flag.
type RedisStorage struct {
	client *redis.Client
}

// NewRedisStorage connects to url, either a redis:// URL or a host:port.
func NewRedisStorage(ctx context.Context, url string) (*RedisStorage, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	var opts *redis.Options
	if strings.Contains(url, "://") {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: url}
	}

	r := NewRedisStorageFromClient(redis.NewClient(opts))
	if err := r.Ping(ctx); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return r, nil
}

func NewRedisStorageFromClient(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

func (r *RedisStorage) Client() *redis.Client {
	return r.client
}

// SetTrainingStatus raises or clears the flag telling that a bot is
// running a training-or-load pass.
func (r *RedisStorage) SetTrainingStatus(ctx context.Context, botID string, training bool) error {
	key := botKey(trainingStatusKey, botID)
	var err error
	if training {
		err = r.client.Set(ctx, key, "training", 0).Err()
	} else {
		err = r.client.Del(ctx, key).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to set training status: %w", err)
	}
	return nil
}

func (r *RedisStorage) IsTraining(ctx context.Context, botID string) (bool, error) {
	n, err := r.client.Exists(ctx, botKey(trainingStatusKey, botID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read training status: %w", err)
	}
	return n > 0, nil
}

// SetAutoTrain pauses or resumes retraining on definition changes.
func (r *RedisStorage) SetAutoTrain(ctx context.Context, botID string, on bool) error {
	key := botKey(autoTrainKey, botID)
	var err error
	if on {
		err = r.client.Del(ctx, key).Err()
	} else {
		err = r.client.Set(ctx, key, "pause", 0).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to set auto train: %w", err)
	}
	return nil
}

func (r *RedisStorage) IsAutoTrainOn(ctx context.Context, botID string) (bool, error) {
	n, err := r.client.Exists(ctx, botKey(autoTrainKey, botID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read auto train: %w", err)
	}
	return n == 0, nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}

func (r *RedisStorage) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
