package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue stores directives in one hash per device plus a sorted set of
// expiries shared by all devices, so pending directives survive a restart
// and several bridge replicas can share one queue.
type RedisQueue struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisQueue creates a queue under the given key prefix ("bridge" if empty).
func NewRedisQueue(rdb redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "bridge"
	}
	return &RedisQueue{rdb: rdb, prefix: prefix}
}

func (q *RedisQueue) deviceKey(deviceID string) string {
	return q.prefix + ":directives:" + deviceID
}

func (q *RedisQueue) expiryKey() string { return q.prefix + ":directives:expiry" }

func member(deviceID, id string) string { return deviceID + "|" + id }

func (q *RedisQueue) Push(ctx context.Context, d Directive) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal directive: %w", err)
	}
	ok, err := q.rdb.HSetNX(ctx, q.deviceKey(d.DeviceID), d.ID, data).Result()
	if err != nil {
		return fmt.Errorf("push directive: %w", err)
	}
	if !ok {
		return fmt.Errorf("protocol: directive %s already queued", d.ID)
	}
	return q.rdb.ZAdd(ctx, q.expiryKey(), redis.Z{
		Score:  float64(d.ExpiresAt.UnixMilli()),
		Member: member(d.DeviceID, d.ID),
	}).Err()
}

func (q *RedisQueue) Pending(ctx context.Context, deviceID string, now time.Time) ([]Directive, error) {
	raw, err := q.rdb.HGetAll(ctx, q.deviceKey(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load directives: %w", err)
	}
	out := make([]Directive, 0, len(raw))
	for _, v := range raw {
		var d Directive
		if err := json.Unmarshal([]byte(v), &d); err != nil {
			return nil, fmt.Errorf("decode directive: %w", err)
		}
		if !d.Expired(now) {
			out = append(out, d)
		}
	}
	sortDirectives(out)
	return out, nil
}

func (q *RedisQueue) Remove(ctx context.Context, deviceID, directiveID string) (Directive, error) {
	key := q.deviceKey(deviceID)
	var get *redis.StringCmd
	var del *redis.IntCmd
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		get = p.HGet(ctx, key, directiveID)
		del = p.HDel(ctx, key, directiveID)
		p.ZRem(ctx, q.expiryKey(), member(deviceID, directiveID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Directive{}, fmt.Errorf("remove directive: %w", err)
	}
	if del.Val() == 0 {
		return Directive{}, fmt.Errorf("%w: %s", ErrUnknownDirective, directiveID)
	}
	var d Directive
	if err := json.Unmarshal([]byte(get.Val()), &d); err != nil {
		return Directive{}, fmt.Errorf("decode directive: %w", err)
	}
	return d, nil
}

func (q *RedisQueue) Expired(ctx context.Context, now time.Time) ([]Directive, error) {
	members, err := q.rdb.ZRangeByScore(ctx, q.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan expiries: %w", err)
	}

	var out []Directive
	for _, m := range members {
		// ZREM is the claim: only the replica that removes the member
		// handles the expiry.
		n, err := q.rdb.ZRem(ctx, q.expiryKey(), m).Result()
		if err != nil {
			return out, fmt.Errorf("claim expiry: %w", err)
		}
		if n == 0 {
			continue
		}
		deviceID, id, ok := strings.Cut(m, "|")
		if !ok {
			continue
		}
		key := q.deviceKey(deviceID)
		raw, err := q.rdb.HGet(ctx, key, id).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return out, fmt.Errorf("load expired directive: %w", err)
		}
		q.rdb.HDel(ctx, key, id)

		var d Directive
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return out, fmt.Errorf("decode directive: %w", err)
		}
		out = append(out, d)
	}
	sortDirectives(out)
	return out, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.ZCard(ctx, q.expiryKey()).Result()
	return int(n), err
}

var (
	_ Queue = (*MemoryQueue)(nil)
	_ Queue = (*RedisQueue)(nil)
)
