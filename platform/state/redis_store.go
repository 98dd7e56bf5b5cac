package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/volumeattach/platform"
)

// DefaultRedisPrefix namespaces every key written by RedisStore.
const DefaultRedisPrefix = "volumeattach:"

// RedisClient is the subset of go-redis used by RedisStore.
type RedisClient interface {
	redis.Cmdable
	Close() error
}

// Unlock and refresh only touch a lock still owned by the caller.
var (
	unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisStore keeps records as JSON strings and indexes them per volume in a
// sorted set scored by update time. Locks are SET NX keys with a TTL.
type RedisStore struct {
	client RedisClient
	prefix string
	now    func() time.Time
}

// NewRedisStore connects to the server described by a redis:// URL and
// verifies it with PING.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", opts.Addr, err)
	}
	return NewRedisStoreWithClient(client, DefaultRedisPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client RedisClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) recordKey(physicalID string) string { return s.prefix + "op:" + physicalID }
func (s *RedisStore) volumeKey(volumeID string) string   { return s.prefix + "vol:" + volumeID }
func (s *RedisStore) lockKey(key string) string          { return s.prefix + "lock:" + key }

func (s *RedisStore) SaveOperation(ctx context.Context, rec *platform.OperationRecord) error {
	now := s.now().UTC()
	prev, err := s.GetOperation(ctx, rec.PhysicalResourceID)
	switch {
	case err == nil:
		rec.CreatedAt = prev.CreatedAt
	case platform.IsNotFound(err):
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
	default:
		return err
	}
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: marshal %s: %w", rec.PhysicalResourceID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.recordKey(rec.PhysicalResourceID), data, 0)
		p.ZAdd(ctx, s.volumeKey(rec.VolumeID), redis.Z{
			Score:  float64(now.UnixNano()),
			Member: rec.PhysicalResourceID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: save %s: %w", rec.PhysicalResourceID, err)
	}
	return nil
}

func (s *RedisStore) GetOperation(ctx context.Context, physicalID string) (*platform.OperationRecord, error) {
	data, err := s.client.Get(ctx, s.recordKey(physicalID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &platform.ResourceNotFoundError{Name: physicalID, Provider: "redis"}
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get %s: %w", physicalID, err)
	}
	var rec platform.OperationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("redis: decode %s: %w", physicalID, err)
	}
	return &rec, nil
}

func (s *RedisStore) ListOperations(ctx context.Context, volumeID string) ([]*platform.OperationRecord, error) {
	ids, err := s.client.ZRevRange(ctx, s.volumeKey(volumeID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list %s: %w", volumeID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list %s: %w", volumeID, err)
	}

	out := make([]*platform.OperationRecord, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue // index entry without a record
		}
		var rec platform.OperationRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("redis: decode %s: %w", ids[i], err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (s *RedisStore) Lock(ctx context.Context, key string, ttl time.Duration) (platform.LockHandle, error) {
	holder := uuid.New().String()
	ok, err := s.client.SetNX(ctx, s.lockKey(key), holder, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: lock %s: %w", key, err)
	}
	if !ok {
		current, _ := s.client.Get(ctx, s.lockKey(key)).Result()
		return nil, &platform.LockConflictError{Key: key, HeldBy: current}
	}
	return &redisLockHandle{store: s, key: key, holder: holder}, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisLockHandle struct {
	store  *RedisStore
	key    string
	holder string
}

func (h *redisLockHandle) Unlock(ctx context.Context) error {
	if err := unlockScript.Run(ctx, h.store.client, []string{h.store.lockKey(h.key)}, h.holder).Err(); err != nil {
		return fmt.Errorf("redis: unlock %s: %w", h.key, err)
	}
	return nil
}

func (h *redisLockHandle) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, h.store.client, []string{h.store.lockKey(h.key)}, h.holder, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis: refresh %s: %w", h.key, err)
	}
	if n == 0 {
		return platform.ErrLockReleased
	}
	return nil
}

var (
	_ platform.OperationStore = (*RedisStore)(nil)
	_ platform.LockHandle     = (*redisLockHandle)(nil)
)
