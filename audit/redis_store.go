package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore persists each workflow's chain as a Redis list, appended with
// RPUSH and replayed with LRANGE, grounded on the same client wrapper the
// rest of the platform uses for its Redis-backed stores.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisStore connects to redisURL and verifies connectivity.
func NewRedisStore(redisURL, namespace string) (*RedisStore, error) {
	if namespace == "" {
		namespace = "scp"
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("audit: invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("audit: failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client, namespace: namespace}, nil
}

func (s *RedisStore) key(workflowID string) string {
	return fmt.Sprintf("%s:audit:%s", s.namespace, workflowID)
}

func (s *RedisStore) Append(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	return s.client.RPush(context.Background(), s.key(e.WorkflowID), data).Err()
}

func (s *RedisStore) Events(workflowID string) ([]Event, error) {
	raw, err := s.client.LRange(context.Background(), s.key(workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("audit: load events: %w", err)
	}
	out := make([]Event, 0, len(raw))
	for _, data := range raw {
		var e Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("audit: unmarshal event: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
