package abuse

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	redisRatePrefix  = "humancheck:rate:"
	redisAbusePrefix = "humancheck:abuse:"
	redisBanPrefix   = "humancheck:ban:"
)

// RedisGuard shares windows and bans across instances. Windows are plain
// INCR counters expired by Redis; a ban is a key whose presence is the ban.
type RedisGuard struct {
	client *redis.Client
	limits Limits
}

func NewRedisGuard(client *redis.Client, limits Limits) *RedisGuard {
	return &RedisGuard{client: client, limits: limits}
}

// countScript increments a window counter, attaching the window TTL when the
// counter is created, so the increment and the expiry are one atomic step.
var countScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

func (g *RedisGuard) Allow(ctx context.Context, ip string, kind Kind) (bool, error) {
	key := redisRatePrefix + string(kind) + ":" + ip
	n, err := countScript.Run(ctx, g.client, []string{key}, g.limits.RateWindow.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis rate check: %w", err)
	}
	return n <= g.limits.limitFor(kind), nil
}

func (g *RedisGuard) Banned(ctx context.Context, ip string) (bool, error) {
	n, err := g.client.Exists(ctx, redisBanPrefix+ip).Result()
	if err != nil {
		return false, fmt.Errorf("redis ban check: %w", err)
	}
	return n > 0, nil
}

// banScript counts the bad signature and, at the threshold, sets the ban key
// and clears the counter in the same atomic step.
var banScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
if n >= tonumber(ARGV[2]) then
	redis.call('SET', KEYS[2], '1', 'PX', ARGV[3])
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

func (g *RedisGuard) RecordBadSignature(ctx context.Context, ip string) (bool, error) {
	banned, err := banScript.Run(ctx, g.client,
		[]string{redisAbusePrefix + ip, redisBanPrefix + ip},
		g.limits.AbuseWindow.Milliseconds(),
		g.limits.AbuseThreshold,
		g.limits.BanDuration.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis abuse record: %w", err)
	}
	return banned == 1, nil
}
