package usecase

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/example/animal-lookalike/internal/classifier"
)

// Cache abstracts the Redis operations used by the use case to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache stores values under a key namespace in Redis.
type RedisCache struct {
	client    *redis.Client
	namespace string
}

// NewRedisCache constructs a Redis-backed cache; keys are prefixed with "animal:".
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, namespace: "animal:"}
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, c.namespace+key, value, expiration).Err()
}

// Get returns redis.Nil on a miss.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, c.namespace+key).Result()
}

// predictionCacheKey keys predictions by the SHA-1 of the image bytes.
func predictionCacheKey(hash string) string {
	return "predictions:" + hash
}

func encodePredictions(predictions []classifier.Prediction) (string, error) {
	b, err := json.Marshal(predictions)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodePredictions rejects empty or out-of-range entries.
func decodePredictions(raw string) ([]classifier.Prediction, error) {
	var predictions []classifier.Prediction
	if err := json.Unmarshal([]byte(raw), &predictions); err != nil {
		return nil, err
	}
	if len(predictions) == 0 {
		return nil, classifier.ErrClassification
	}
	if err := classifier.Validate(predictions); err != nil {
		return nil, err
	}
	return predictions, nil
}
