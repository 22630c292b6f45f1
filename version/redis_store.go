package version

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/kraklabs/scp/scperrors"
)

// promoteScript atomically archives whatever version is currently ACTIVE
// for a project and activates the candidate, reading and writing the
// project's whole version set in a single round trip so no other client
// can observe an intermediate state. KEYS[1] is the project's version-set
// hash key; ARGV[1] is the candidate version number, ARGV[2] the
// RFC3339Nano archive timestamp.
const promoteScript = `
local raw = redis.call('HGETALL', KEYS[1])
local candidate = ARGV[1]
for i = 1, #raw, 2 do
  local num = raw[i]
  local doc = cjson.decode(raw[i+1])
  if doc.status == 'ACTIVE' and num ~= candidate then
    doc.status = 'ARCHIVED'
    doc.archivedAt = ARGV[2]
    redis.call('HSET', KEYS[1], num, cjson.encode(doc))
  end
end
local cdoc = cjson.decode(redis.call('HGET', KEYS[1], candidate))
cdoc.status = 'ACTIVE'
redis.call('HSET', KEYS[1], candidate, cjson.encode(cdoc))
return redis.status_reply('OK')
`

// RedisStore is a production Store backed by Redis: one hash per project
// (field = version number, value = JSON-encoded Version), with promotion
// implemented as a Lua script for true atomicity across the read-modify-
// write of every version's status.
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
		return nil, fmt.Errorf("version: invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("version: failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client, namespace: namespace}, nil
}

func (s *RedisStore) projectKey(projectID string) string {
	return fmt.Sprintf("%s:versions:%s", s.namespace, projectID)
}

func (s *RedisStore) Create(v *Version) (*Version, error) {
	ctx := context.Background()
	key := s.projectKey(v.ProjectID)

	if v.VersionNumber == 0 {
		n, err := s.client.HLen(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("version: count existing versions: %w", err)
		}
		v.VersionNumber = int(n) + 1
	}

	field := fmt.Sprintf("%d", v.VersionNumber)
	exists, err := s.client.HExists(ctx, key, field).Result()
	if err != nil {
		return nil, fmt.Errorf("version: check existing version: %w", err)
	}
	if exists {
		return nil, scperrors.New("version.Create", "conflict", fmt.Errorf("version %d already exists for project %s", v.VersionNumber, v.ProjectID))
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("version: marshal version: %w", err)
	}
	if err := s.client.HSet(ctx, key, field, data).Err(); err != nil {
		return nil, fmt.Errorf("version: store version: %w", err)
	}
	return v, nil
}

func (s *RedisStore) Get(projectID string, versionNumber int) (*Version, bool) {
	ctx := context.Background()
	data, err := s.client.HGet(ctx, s.projectKey(projectID), fmt.Sprintf("%d", versionNumber)).Result()
	if err != nil {
		return nil, false
	}
	var v Version
	if json.Unmarshal([]byte(data), &v) != nil {
		return nil, false
	}
	return &v, true
}

func (s *RedisStore) Transition(projectID string, versionNumber int, to Status, mutate func(*Version)) (*Version, error) {
	ctx := context.Background()
	v, ok := s.Get(projectID, versionNumber)
	if !ok {
		return nil, scperrors.New("version.Transition", "not_found", fmt.Errorf("no version %d for project %s", versionNumber, projectID))
	}
	if !CanTransition(v.Status, to) {
		return nil, scperrors.New("version.Transition", "invalid_state", fmt.Errorf("cannot move project %s version %d from %s to %s", projectID, versionNumber, v.Status, to))
	}

	if to == StatusActive {
		if err := s.client.Eval(ctx, promoteScript, []string{s.projectKey(projectID)},
			fmt.Sprintf("%d", versionNumber), time.Now().UTC().Format(time.RFC3339Nano)).Err(); err != nil {
			return nil, fmt.Errorf("version: atomic promote: %w", err)
		}
		v, _ = s.Get(projectID, versionNumber)
		if mutate != nil {
			mutate(v)
			return s.save(projectID, v)
		}
		return v, nil
	}

	v.Status = to
	if mutate != nil {
		mutate(v)
	}
	return s.save(projectID, v)
}

func (s *RedisStore) save(projectID string, v *Version) (*Version, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("version: marshal version: %w", err)
	}
	if err := s.client.HSet(context.Background(), s.projectKey(projectID), fmt.Sprintf("%d", v.VersionNumber), data).Err(); err != nil {
		return nil, fmt.Errorf("version: save version: %w", err)
	}
	return v, nil
}

func (s *RedisStore) ActiveVersion(projectID string) (*Version, bool) {
	ctx := context.Background()
	all, err := s.client.HGetAll(ctx, s.projectKey(projectID)).Result()
	if err != nil {
		return nil, false
	}
	for _, data := range all {
		var v Version
		if json.Unmarshal([]byte(data), &v) == nil && v.Status == StatusActive {
			return &v, true
		}
	}
	return nil, false
}

func (s *RedisStore) ListVersions(projectID string) []*Version {
	ctx := context.Background()
	all, err := s.client.HGetAll(ctx, s.projectKey(projectID)).Result()
	if err != nil {
		return nil
	}
	out := make([]*Version, 0, len(all))
	for _, data := range all {
		var v Version
		if json.Unmarshal([]byte(data), &v) == nil {
			cp := v
			out = append(out, &cp)
		}
	}
	return out
}
