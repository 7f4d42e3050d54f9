package governor

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const cooldownKeyPrefix = "cooldown:"

var reserveScript = redis.NewScript(`
local remaining = redis.call('PTTL', KEYS[1])
if remaining > 0 then
    return remaining
end
redis.call('SET', KEYS[1], '1', 'PX', tonumber(ARGV[1]))
return 0
`)

type redisCooldowns struct {
	client *redis.Client
}

// NewRedisCooldowns returns a redis-backed cooldown backend so several
// runtime processes can share one admission state.
func NewRedisCooldowns(client *redis.Client) CooldownBackend {
	return &redisCooldowns{client: client}
}

func (c *redisCooldowns) Reserve(ctx context.Context, key string, period time.Duration) (time.Duration, error) {
	remaining, err := reserveScript.Run(ctx, c.client, []string{cooldownKeyPrefix + key}, period.Milliseconds()).Int64()
	if err != nil {
		// fail open, a missed cooldown beats a wedged scheduler
		log.Warn().Err(err).Str("key", key).Msg("redis cooldown check failed, allowing call")
		return 0, nil
	}
	return time.Duration(remaining) * time.Millisecond, nil
}

func (c *redisCooldowns) Release(ctx context.Context, key string) error {
	return c.client.Del(ctx, cooldownKeyPrefix+key).Err()
}
