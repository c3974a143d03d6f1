package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"eino_nlu/internal/core"
)

// SessionStore persists the state of training sessions in Redis. The lock
// of a session is never stored.
type SessionStore struct {
	redis *RedisStorage
}

func NewSessionStore(r *RedisStorage) *SessionStore {
	return &SessionStore{redis: r}
}

// SessionKey is the key of the training session of a bot language.
func SessionKey(botID, lang string) string {
	return fmt.Sprintf("training:%s:%s", botID, lang)
}

// LockKey is the key of the lease held while a bot language trains.
func LockKey(botID, lang string) string {
	return "lock:" + SessionKey(botID, lang)
}

// Get returns the stored state, or the idle state when none was stored.
func (s *SessionStore) Get(ctx context.Context, botID, lang string) (core.SessionState, error) {
	raw, err := s.redis.client.Get(ctx, SessionKey(botID, lang)).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.DefaultSessionState(lang), nil
	}
	if err != nil {
		return core.SessionState{}, fmt.Errorf("failed to get training session: %w", err)
	}

	var state core.SessionState
	if err := sonic.Unmarshal(raw, &state); err != nil {
		return core.SessionState{}, fmt.Errorf("failed to unmarshal training session: %w", err)
	}
	return state, nil
}

func (s *SessionStore) Set(ctx context.Context, botID string, state core.SessionState) error {
	raw, err := sonic.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal training session: %w", err)
	}
	if err := s.redis.client.Set(ctx, SessionKey(botID, state.Language), raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to set training session: %w", err)
	}
	return nil
}

func (s *SessionStore) Remove(ctx context.Context, botID, lang string) error {
	if err := s.redis.client.Del(ctx, SessionKey(botID, lang)).Err(); err != nil {
		return fmt.Errorf("failed to delete training session: %w", err)
	}
	return nil
}
