package counter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"pulse/api/internal/content"
)

// toggleScript flips a (ref, action, actor) mark and moves the counter by one
// in a single atomic step, clamping at zero on the way down.
// KEYS[1] = stats hash, KEYS[2] = marks set for the action
// ARGV[1] = counter field, ARGV[2] = actor id
var toggleScript = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[2], ARGV[2]) == 1 then
	redis.call("SREM", KEYS[2], ARGV[2])
	local v = redis.call("HINCRBY", KEYS[1], ARGV[1], -1)
	if v < 0 then
		redis.call("HSET", KEYS[1], ARGV[1], 0)
	end
	return 0
end
redis.call("SADD", KEYS[2], ARGV[2])
redis.call("HINCRBY", KEYS[1], ARGV[1], 1)
return 1
`)

// RedisStore keeps counters in a hash per ref and one actor set per toggle
// action.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "pulse:"}, nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "pulse:"}
}

func (s *RedisStore) statsKey(ref content.Ref) string {
	return s.prefix + "stats:" + ref.String()
}

func (s *RedisStore) marksKey(ref content.Ref, action content.Action) string {
	return s.prefix + "marks:" + ref.String() + ":" + string(action)
}

func (s *RedisStore) ApplyInteraction(ctx context.Context, ref content.Ref, actorID string, action content.Action) (content.Stats, content.Interactions, error) {
	if action.Monotonic() {
		if err := s.client.HIncrBy(ctx, s.statsKey(ref), action.Counter(), 1).Err(); err != nil {
			return nil, nil, fmt.Errorf("increment %s: %w", action.Counter(), err)
		}
	} else {
		keys := []string{s.statsKey(ref), s.marksKey(ref, action)}
		if err := toggleScript.Run(ctx, s.client, keys, action.Counter(), actorID).Err(); err != nil {
			return nil, nil, fmt.Errorf("toggle %s: %w", action, err)
		}
	}

	stats, err := s.ReadStats(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	interactions, err := s.ReadInteractions(ctx, ref, actorID)
	if err != nil {
		return nil, nil, err
	}
	return stats, interactions, nil
}

func (s *RedisStore) ReadStats(ctx context.Context, ref content.Ref) (content.Stats, error) {
	raw, err := s.client.HGetAll(ctx, s.statsKey(ref)).Result()
	if err != nil {
		return nil, fmt.Errorf("read stats: %w", err)
	}
	stats := make(content.Stats, len(raw))
	for counter, value := range raw {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("parse counter %s: %w", counter, err)
		}
		if parsed < 0 {
			parsed = 0
		}
		stats[counter] = parsed
	}
	return stats, nil
}

func (s *RedisStore) ReadInteractions(ctx context.Context, ref content.Ref, actorID string) (content.Interactions, error) {
	interactions := content.Interactions{}
	for _, action := range content.ToggleActions() {
		member, err := s.client.SIsMember(ctx, s.marksKey(ref, action), actorID).Result()
		if err != nil {
			return nil, fmt.Errorf("read mark %s: %w", action, err)
		}
		interactions[action.Flag()] = member
	}
	return interactions, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
