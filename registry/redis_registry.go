package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/kraklabs/scp/logging"
)

// RedisRegistry is a production Registry backed by go-redis/v8, following the
// teacher's RedisDiscovery idiom: a per-node key with TTL plus derived set
// indexes (by format, by connector) for fast qualification scans.
type RedisRegistry struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	onOffline OnOffline
	logger    logging.Logger
}

// NewRedisRegistry connects to redisURL and verifies connectivity with Ping.
func NewRedisRegistry(redisURL, namespace string, ttl time.Duration, onOffline OnOffline, logger logging.Logger) (*RedisRegistry, error) {
	if namespace == "" {
		namespace = "scp"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = logging.NoOp{}
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("registry: invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("registry: failed to connect to redis: %w", err)
	}

	return &RedisRegistry{client: client, namespace: namespace, ttl: ttl, onOffline: onOffline, logger: logger}, nil
}

func (r *RedisRegistry) nodeKey(id string) string {
	return fmt.Sprintf("%s:nodes:%s", r.namespace, id)
}

func (r *RedisRegistry) formatIndexKey(f string) string {
	return fmt.Sprintf("%s:by-format:%s", r.namespace, f)
}

func (r *RedisRegistry) allNodesKey() string {
	return fmt.Sprintf("%s:nodes:all", r.namespace)
}

func (r *RedisRegistry) Register(ctx context.Context, node NodeCapability) error {
	if node.LastSeenAt.IsZero() {
		node.LastSeenAt = time.Now()
	}
	if node.Status == "" {
		node.Status = StatusOnline
	}

	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("registry: marshal node: %w", err)
	}

	if err := r.client.Set(ctx, r.nodeKey(node.NodeID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("registry: register node: %w", err)
	}
	r.client.SAdd(ctx, r.allNodesKey(), node.NodeID)

	for _, f := range node.SupportedFormats {
		key := r.formatIndexKey(string(f))
		r.client.SAdd(ctx, key, node.NodeID)
		r.client.Expire(ctx, key, r.ttl*2)
	}

	r.logger.Info("node registered", map[string]interface{}{"node_id": node.NodeID, "tier": node.Tier})
	return nil
}

func (r *RedisRegistry) Unregister(ctx context.Context, nodeID string) error {
	node, ok := r.Get(ctx, nodeID)
	if ok {
		for _, f := range node.SupportedFormats {
			r.client.SRem(ctx, r.formatIndexKey(string(f)), nodeID)
		}
	}
	r.client.SRem(ctx, r.allNodesKey(), nodeID)
	return r.client.Del(ctx, r.nodeKey(nodeID)).Err()
}

func (r *RedisRegistry) Heartbeat(ctx context.Context, nodeID string, status Status, latencyMs float64) error {
	node, ok := r.Get(ctx, nodeID)
	if !ok {
		return nil
	}
	wasOffline := node.Status == StatusOffline
	node.Status = status
	node.LastSeenAt = time.Now()
	node.LatencyToCentralMs = latencyMs

	data, err := json.Marshal(*node)
	if err != nil {
		return fmt.Errorf("registry: marshal node: %w", err)
	}
	if err := r.client.Set(ctx, r.nodeKey(nodeID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("registry: heartbeat: %w", err)
	}

	if wasOffline && status != StatusOffline {
		r.logger.Info("node back online", map[string]interface{}{"node_id": nodeID})
	}
	if status == StatusOffline && !wasOffline && r.onOffline != nil {
		r.onOffline(nodeID)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, nodeID string) (*NodeCapability, bool) {
	if nodeID == "central" {
		central := CentralNode()
		data, err := r.client.Get(ctx, r.nodeKey("central")).Result()
		if err == nil {
			var stored NodeCapability
			if json.Unmarshal([]byte(data), &stored) == nil {
				return &stored, true
			}
		}
		return &central, true
	}

	data, err := r.client.Get(ctx, r.nodeKey(nodeID)).Result()
	if err != nil {
		return nil, false
	}
	var node NodeCapability
	if err := json.Unmarshal([]byte(data), &node); err != nil {
		return nil, false
	}
	return &node, true
}

func (r *RedisRegistry) List(ctx context.Context) ([]NodeCapability, error) {
	ids, err := r.client.SMembers(ctx, r.allNodesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: list nodes: %w", err)
	}

	out := make([]NodeCapability, 0, len(ids)+1)
	out = append(out, CentralNode())
	for _, id := range ids {
		if id == "central" {
			continue
		}
		n, ok := r.Get(ctx, id)
		if !ok {
			continue // expired since the index scan; skip rather than fail the whole list
		}
		out = append(out, *n)
	}
	return out, nil
}

func (r *RedisRegistry) BestFit(ctx context.Context, req Requirement) (*NodeCapability, error) {
	nodes, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	return selectBestFit(nodes, req)
}

// SweepOffline scans all registered nodes and transitions any whose TTL key
// has expired (Get returns false) to an offline cascade via onOffline,
// mirroring the heartbeat-miss detection InMemoryRegistry does synchronously.
func (r *RedisRegistry) SweepOffline(ctx context.Context) {
	ids, err := r.client.SMembers(ctx, r.allNodesKey()).Result()
	if err != nil {
		return
	}
	for _, id := range ids {
		if _, ok := r.Get(ctx, id); !ok {
			r.client.SRem(ctx, r.allNodesKey(), id)
			r.logger.Warn("node expired from registry", map[string]interface{}{"node_id": id})
			if r.onOffline != nil {
				r.onOffline(id)
			}
		}
	}
}
