package nonce

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisValuePrefix     = "humancheck:nonce:v:"
	redisIssuedCounter   = "humancheck:nonce:issued"
	redisConsumedCounter = "humancheck:nonce:consumed"
)

// Keys outlive ExpiresAt by one extra TTL so a late consume attempt still
// reports "expired" instead of "not_found"; after the grace the key is gone
// and Redis expiry has done the sweeping for us.
type redisStore struct {
	client *redis.Client
}

// NewRedisStore returns a Store shared by every instance pointed at the same
// Redis, so replay protection holds across a multi-process deployment.
func NewRedisStore(client *redis.Client) Store {
	return &redisStore{client: client}
}

type redisRecord struct {
	Value     string `json:"value"`
	IssuedAt  int64  `json:"issuedAt"`
	ExpiresAt int64  `json:"expiresAt"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	Consumed  bool   `json:"consumed"`
}

func (s *redisStore) Save(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(redisRecord{
		Value:     rec.Value,
		IssuedAt:  rec.IssuedAt.UnixMilli(),
		ExpiresAt: rec.ExpiresAt.UnixMilli(),
		IP:        rec.IP,
		UserAgent: rec.UserAgent,
		Consumed:  rec.Consumed,
	})
	if err != nil {
		return err
	}

	ttl := rec.ExpiresAt.Sub(rec.IssuedAt)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisValuePrefix+rec.Value, raw, 2*ttl)
	pipe.Incr(ctx, redisIssuedCounter)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save: %w", err)
	}
	return nil
}

// consumeScript performs the check-and-set server-side so concurrent callers
// across instances still get exactly one "ok". On success the updated record
// JSON rides along in the reply.
var consumeScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return {'not_found'}
end
local rec = cjson.decode(raw)
if tonumber(ARGV[1]) > rec.expiresAt then
	return {'expired'}
end
if rec.consumed then
	return {'already_used'}
end
rec.consumed = true
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	ttl = 1
end
local updated = cjson.encode(rec)
redis.call('SET', KEYS[1], updated, 'PX', ttl)
redis.call('INCR', KEYS[2])
return {'ok', updated}
`)

func (s *redisStore) Consume(ctx context.Context, value string, now time.Time) (ConsumeStatus, Record, error) {
	vals, err := consumeScript.Run(ctx, s.client,
		[]string{redisValuePrefix + value, redisConsumedCounter},
		now.UnixMilli(),
	).Slice()
	if err != nil {
		return ConsumeNotFound, Record{}, fmt.Errorf("redis consume: %w", err)
	}
	if len(vals) == 0 {
		return ConsumeNotFound, Record{}, fmt.Errorf("redis consume: empty reply")
	}
	status, _ := vals[0].(string)

	switch ConsumeStatus(status) {
	case ConsumeOK:
		var raw string
		if len(vals) > 1 {
			raw, _ = vals[1].(string)
		}
		var rr redisRecord
		if err := json.Unmarshal([]byte(raw), &rr); err != nil {
			return ConsumeNotFound, Record{}, fmt.Errorf("redis consume decode: %w", err)
		}
		return ConsumeOK, Record{
			Value:     rr.Value,
			IssuedAt:  time.UnixMilli(rr.IssuedAt),
			ExpiresAt: time.UnixMilli(rr.ExpiresAt),
			IP:        rr.IP,
			UserAgent: rr.UserAgent,
			Consumed:  rr.Consumed,
		}, nil
	case ConsumeNotFound, ConsumeExpired, ConsumeAlreadyUsed:
		return ConsumeStatus(status), Record{}, nil
	default:
		return ConsumeNotFound, Record{}, fmt.Errorf("redis consume: unexpected status %q", status)
	}
}

// Sweep is a no-op: Redis key expiry evicts stale records on its own.
func (s *redisStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func (s *redisStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	issued, err := s.client.Get(ctx, redisIssuedCounter).Int64()
	if err != nil && err != redis.Nil {
		return Stats{}, fmt.Errorf("redis stats: %w", err)
	}
	consumed, err := s.client.Get(ctx, redisConsumedCounter).Int64()
	if err != nil && err != redis.Nil {
		return Stats{}, fmt.Errorf("redis stats: %w", err)
	}

	nowMs := now.UnixMilli()
	var active int64
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisValuePrefix+"*", 200).Result()
		if err != nil {
			return Stats{}, fmt.Errorf("redis stats scan: %w", err)
		}
		for _, key := range keys {
			raw, err := s.client.Get(ctx, key).Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return Stats{}, fmt.Errorf("redis stats get: %w", err)
			}
			var rec redisRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				continue
			}
			if !rec.Consumed && nowMs <= rec.ExpiresAt {
				active++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return Stats{
		Total:    issued,
		Active:   active,
		Consumed: consumed,
		Expired:  issued - consumed - active,
	}, nil
}
