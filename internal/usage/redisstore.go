package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed Store. Each model's usage history is
// kept in a sorted set keyed by record timestamp, so range queries
// are a ZRANGEBYSCORE away; it gives usage history durability across
// restarts without requiring it (MemoryStore remains a correct Store
// on its own).
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client as a usage Store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func modelsSetKey() string { return "copilot-more:usage:models" }

func usageKey(model string) string { return "copilot-more:usage:" + model }

func (s *RedisStore) Record(model string, inputTokens, outputTokens int, at time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rec := Record{
		ID:           uuid.NewString(),
		Model:        model,
		Timestamp:    at,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling usage record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, usageKey(model), redis.Z{Score: float64(at.UnixNano()), Member: payload})
	pipe.SAdd(ctx, modelsSetKey(), model)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording usage in redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Query(start, end time.Time, model string) (Summary, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var models []string
	if model != "" {
		models = []string{model}
	} else {
		m, err := s.ListModels()
		if err != nil {
			return Summary{}, err
		}
		models = m
	}

	var sum Summary
	for _, m := range models {
		entries, err := s.client.ZRangeByScore(ctx, usageKey(m), &redis.ZRangeBy{
			Min: fmt.Sprintf("%d", start.UnixNano()),
			Max: fmt.Sprintf("%d", end.UnixNano()),
		}).Result()
		if err != nil {
			return Summary{}, fmt.Errorf("querying usage in redis for model %s: %w", m, err)
		}

		for _, raw := range entries {
			var rec Record
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				continue
			}
			sum.InputTokens += rec.InputTokens
			sum.OutputTokens += rec.OutputTokens
			sum.TotalTokens += rec.totalTokens()
			sum.RecordCount++
		}
	}
	return sum, nil
}

func (s *RedisStore) ListModels() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	models, err := s.client.SMembers(ctx, modelsSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing models in redis: %w", err)
	}
	return models, nil
}
