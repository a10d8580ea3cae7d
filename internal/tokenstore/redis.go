package tokenstore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/example/rider-agent/internal/models"
)

// RedisStore keeps tokens in a Redis hash, one hash per device. Used when
// the agent runs on a shared gateway that hosts several riders.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(addr, password, deviceID string) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisStoreWithClient(c, deviceID)
}

func NewRedisStoreWithClient(c *redis.Client, deviceID string) *RedisStore {
	return &RedisStore{client: c, key: "rider:tokens:" + deviceID}
}

func (r *RedisStore) get(ctx context.Context, field string) (string, error) {
	v, err := r.client.HGet(ctx, r.key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (r *RedisStore) GetAuthToken(ctx context.Context) (string, error) {
	return r.get(ctx, KeyAccessToken)
}

func (r *RedisStore) GetRefreshToken(ctx context.Context) (string, error) {
	return r.get(ctx, KeyRefreshToken)
}

func (r *RedisStore) SaveAuthToken(ctx context.Context, t models.Tokens) error {
	values := map[string]interface{}{KeyAccessToken: t.AccessToken}
	if t.RefreshToken != "" {
		values[KeyRefreshToken] = t.RefreshToken
	}
	return r.client.HSet(ctx, r.key, values).Err()
}

func (r *RedisStore) GetVerificationToken(ctx context.Context) (string, error) {
	return r.get(ctx, KeyVerificationToken)
}

func (r *RedisStore) SaveVerificationToken(ctx context.Context, token string) error {
	return r.client.HSet(ctx, r.key, KeyVerificationToken, token).Err()
}

func (r *RedisStore) ClearTokens(ctx context.Context) error {
	return r.client.HDel(ctx, r.key, KeyAccessToken, KeyRefreshToken, KeyVerificationToken).Err()
}

func (r *RedisStore) Close() error { return r.client.Close() }
