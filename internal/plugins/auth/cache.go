package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefixes for resolved identities and their generation counters.
const (
	userCacheKeyPrefix = "user:id:"
	userGenKeyPrefix   = "user:gen:"
)

// userGenTTL keeps a generation counter alive far longer than any store read
// can take, so a fill started before an invalidation always sees the bump.
const userGenTTL = 24 * time.Hour

// UserCache holds resolved identities between requests so RequireAuth
// does not hit MariaDB for every call. Cached entries never carry the
// password hash or reset fields. A cache failure is never fatal: Get reports
// a miss and writes are dropped.
//
// A miss hands back a stamp. Fill only stores when no Invalidate ran for the
// same id since that stamp was taken, so a read that loses a race with a
// delete or a role change cannot put the old row back.
type UserCache interface {
	Get(ctx context.Context, id string) (user *User, stamp string, ok bool)
	Fill(ctx context.Context, user *User, stamp string)
	Invalidate(ctx context.Context, id string)
}

// cachedUser is the JSON shape stored in Redis.
type cachedUser struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// fillScript sets KEYS[1] only while the generation in KEYS[2] still equals
// the stamp read before the store lookup.
var fillScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[2])
if (gen or '') ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// redisUserCache implements UserCache on Redis with a fixed TTL per entry.
type redisUserCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRedisUserCache returns a Redis-backed identity cache. A nil client or a
// non-positive TTL returns a cache that never stores anything.
func NewRedisUserCache(rdb *redis.Client, ttl time.Duration) UserCache {
	if rdb == nil || ttl <= 0 {
		return noopUserCache{}
	}
	return &redisUserCache{redis: rdb, ttl: ttl}
}

// Get returns the cached identity for id. On a miss it returns the current
// generation of id as the stamp for Fill.
func (c *redisUserCache) Get(ctx context.Context, id string) (*User, string, bool) {
	vals, err := c.redis.MGet(ctx, userCacheKeyPrefix+id, userGenKeyPrefix+id).Result()
	if err != nil {
		slog.Warn("user cache read failed",
			slog.String("user_id", id),
			slog.Any("error", err),
		)
		return nil, "", false
	}

	stamp, _ := vals[1].(string)
	data, ok := vals[0].(string)
	if !ok {
		return nil, stamp, false
	}

	var cu cachedUser
	if err := json.Unmarshal([]byte(data), &cu); err != nil {
		slog.Warn("discarding malformed user cache entry",
			slog.String("user_id", id),
			slog.Any("error", err),
		)
		c.Invalidate(ctx, id)
		return nil, "", false
	}

	return &User{
		ID:        cu.ID,
		Name:      cu.Name,
		Email:     cu.Email,
		Role:      cu.Role,
		CreatedAt: cu.CreatedAt,
		UpdatedAt: cu.UpdatedAt,
	}, stamp, true
}

// Fill stores the public fields of user unless user.ID was invalidated after
// stamp was read.
func (c *redisUserCache) Fill(ctx context.Context, user *User, stamp string) {
	data, err := json.Marshal(cachedUser{
		ID:        user.ID,
		Name:      user.Name,
		Email:     user.Email,
		Role:      user.Role,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	})
	if err != nil {
		return
	}

	keys := []string{userCacheKeyPrefix + user.ID, userGenKeyPrefix + user.ID}
	stored, err := fillScript.Run(ctx, c.redis, keys, stamp, data, c.ttl.Milliseconds()).Int()
	if err != nil {
		slog.Warn("user cache write failed",
			slog.String("user_id", user.ID),
			slog.Any("error", err),
		)
		return
	}
	if stored == 0 {
		slog.Debug("skipped stale user cache fill", slog.String("user_id", user.ID))
	}
}

// Invalidate evicts id and bumps its generation. Called after every mutation
// of the user row.
func (c *redisUserCache) Invalidate(ctx context.Context, id string) {
	genKey := userGenKeyPrefix + id
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, userGenTTL)
		pipe.Del(ctx, userCacheKeyPrefix+id)
		return nil
	})
	if err != nil {
		slog.Warn("user cache eviction failed",
			slog.String("user_id", id),
			slog.Any("error", err),
		)
	}
}

// noopUserCache is used when Redis is not configured.
type noopUserCache struct{}

func (noopUserCache) Get(context.Context, string) (*User, string, bool) { return nil, "", false }
func (noopUserCache) Fill(context.Context, *User, string)               {}
func (noopUserCache) Invalidate(context.Context, string)                {}
