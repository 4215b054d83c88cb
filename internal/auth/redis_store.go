package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares tokens between processes that use the same client id.
// Entries expire in Redis together with the token.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store writing keys "<prefix><clientID>".
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "zbworker:oauth-token:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(clientID string) string {
	return s.prefix + clientID
}

// Load reads the token stored for clientID.
func (s *RedisStore) Load(ctx context.Context, clientID string) (*Token, error) {
	data, err := s.rdb.Get(ctx, s.key(clientID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get token: %w", err)
	}

	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedToken, err)
	}
	return &tok, nil
}

// Save stores tok with a TTL matching its expiry. Already expired tokens are skipped.
func (s *RedisStore) Save(ctx context.Context, clientID string, tok *Token) error {
	var ttl time.Duration
	if !tok.Expiry.IsZero() {
		ttl = time.Until(tok.Expiry)
		if ttl <= 0 {
			return nil
		}
	}

	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(clientID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set token: %w", err)
	}
	return nil
}

// Delete removes the token stored for clientID.
func (s *RedisStore) Delete(ctx context.Context, clientID string) error {
	if err := s.rdb.Del(ctx, s.key(clientID)).Err(); err != nil {
		return fmt.Errorf("redis del token: %w", err)
	}
	return nil
}
