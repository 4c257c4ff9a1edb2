// Package tokens keeps single-use download tokens in Redis, as an
// alternative to the download_tokens table.
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"vanish/internal/server/database"
)

const keyPrefix = "vanish:"

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// RedisStore stores each token as a JSON value that expires with the
// token. Delete-after tokens are also listed in a per-file sorted set,
// scored by expiry, so a file knows it has a pending final download.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a token store on client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func tokenKey(token string) string { return keyPrefix + "token:" + token }

func finalKey(fileID string) string { return keyPrefix + "final:" + fileID }

// Create stores the token until its expiry.
func (s *RedisStore) Create(ctx context.Context, t *database.DownloadToken) error {
	ttl := time.Until(t.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("download token already expired")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode download token: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, tokenKey(t.Token), data, ttl)
		if t.DeleteAfter {
			pipe.ZAdd(ctx, finalKey(t.FileID), redis.Z{
				Score:  float64(t.ExpiresAt.UnixMilli()),
				Member: t.Token,
			})
			pipe.ExpireAt(ctx, finalKey(t.FileID), t.ExpiresAt)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store download token: %w", err)
	}
	return nil
}

// Consume atomically reads and deletes the token with GETDEL.
// Expired tokens have already been evicted and read as not found.
func (s *RedisStore) Consume(ctx context.Context, token string) (*database.DownloadToken, error) {
	data, err := s.client.GetDel(ctx, tokenKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("failed to consume download token: %w", err)
	}

	var t database.DownloadToken
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode download token: %w", err)
	}
	if t.DeleteAfter {
		if err := s.client.ZRem(ctx, finalKey(t.FileID), t.Token).Err(); err != nil {
			return nil, fmt.Errorf("failed to clear pending download marker: %w", err)
		}
	}
	return &t, nil
}

// PendingFinal reports whether a delete-after token for the file is live.
// Members whose score has passed belong to tokens Redis has already
// evicted.
func (s *RedisStore) PendingFinal(ctx context.Context, fileID string, now time.Time) (bool, error) {
	from := "(" + strconv.FormatInt(now.UnixMilli(), 10)
	n, err := s.client.ZCount(ctx, finalKey(fileID), from, "+inf").Result()
	if err != nil {
		return false, fmt.Errorf("failed to check pending download marker: %w", err)
	}
	return n > 0, nil
}

// DeleteExpired is a no-op: Redis evicts tokens on their TTL.
func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
