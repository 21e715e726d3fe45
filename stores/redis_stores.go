package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/polyveda/access"
)

// RedisCounterStore implements fixed-window counters (key: rate_limit:{class}:{identity})
type RedisCounterStore struct {
	client *redis.Client
}

func NewRedisCounterStore(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

// Incr creates the key with the window as TTL only when missing, then
// increments it, inside one MULTI/EXEC.
func (r *RedisCounterStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SetNX(ctx, key, 0, window)
		incr = p.Incr(ctx, key)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *RedisCounterStore) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// RedisAttemptStore keeps failure counters (key: lockout:failures:{id}) and
// locks (key: lockout:until:{id}). The lock key expires with the lock.
type RedisAttemptStore struct {
	client *redis.Client
}

func NewRedisAttemptStore(client *redis.Client) *RedisAttemptStore {
	return &RedisAttemptStore{client: client}
}

func failuresKey(id string) string { return fmt.Sprintf("lockout:failures:%s", id) }
func lockKey(id string) string     { return fmt.Sprintf("lockout:until:%s", id) }

func (r *RedisAttemptStore) IncrementFailures(ctx context.Context, identityID string) (int64, error) {
	return r.client.Incr(ctx, failuresKey(identityID)).Result()
}

// LockUntil uses SET NX so only one caller sets the lock.
func (r *RedisAttemptStore) LockUntil(ctx context.Context, identityID string, until, now time.Time) (bool, error) {
	ttl := until.Sub(now)
	if ttl <= 0 {
		return false, nil
	}
	return r.client.SetNX(ctx, lockKey(identityID), strconv.FormatInt(until.UnixNano(), 10), ttl).Result()
}

func (r *RedisAttemptStore) Reset(ctx context.Context, identityID string) error {
	return r.client.Del(ctx, failuresKey(identityID), lockKey(identityID)).Err()
}

func (r *RedisAttemptStore) State(ctx context.Context, identityID string) (access.LockState, error) {
	var st access.LockState
	n, err := r.client.Get(ctx, failuresKey(identityID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return st, err
	}
	st.FailedAttempts = n
	raw, err := r.client.Get(ctx, lockKey(identityID)).Result()
	if errors.Is(err, redis.Nil) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return st, fmt.Errorf("corrupt lock value for %s: %w", identityID, err)
	}
	until := time.Unix(0, ns).UTC()
	st.LockedUntil = &until
	return st, nil
}

// RedisCapabilityCache shares effective capabilities between engine
// instances (key: caps:{identity}).
type RedisCapabilityCache struct {
	client *redis.Client
	keyFmt string
}

func NewRedisCapabilityCache(client *redis.Client) *RedisCapabilityCache {
	return &RedisCapabilityCache{client: client, keyFmt: "caps:%s"}
}

func (r *RedisCapabilityCache) key(id string) string {
	return fmt.Sprintf(r.keyFmt, id)
}

func (r *RedisCapabilityCache) Get(ctx context.Context, identityID string) (access.CapabilitySet, bool, error) {
	raw, err := r.client.Get(ctx, r.key(identityID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var list []access.Capability
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, false, err
	}
	return access.NewCapabilitySet(list...), true, nil
}

func (r *RedisCapabilityCache) Set(ctx context.Context, identityID string, caps access.CapabilitySet, ttl time.Duration) error {
	b, err := json.Marshal(caps.Sorted())
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(identityID), b, ttl).Err()
}

func (r *RedisCapabilityCache) Delete(ctx context.Context, identityID string) error {
	return r.client.Del(ctx, r.key(identityID)).Err()
}

// RedisReviewQueue pushes review items onto a Redis list.
type RedisReviewQueue struct {
	client *redis.Client
	key    string
}

func NewRedisReviewQueue(client *redis.Client, key string) *RedisReviewQueue {
	if key == "" {
		key = "compliance:review"
	}
	return &RedisReviewQueue{client: client, key: key}
}

func (q *RedisReviewQueue) Enqueue(ctx context.Context, item *access.ReviewItem) error {
	b, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, b).Err()
}

// Pop removes the oldest item. It returns nil, nil when the queue is empty.
func (q *RedisReviewQueue) Pop(ctx context.Context) (*access.ReviewItem, error) {
	raw, err := q.client.RPop(ctx, q.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var item access.ReviewItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (q *RedisReviewQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
