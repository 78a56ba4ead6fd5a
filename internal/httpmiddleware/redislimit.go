package httpmiddleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// RedisFixedWindow counts requests per key in one-minute windows shared
// across instances. Fails open when redis is unreachable: scans should not
// be dropped because the limiter is down.
type RedisFixedWindow struct {
	client    *redis.Client
	perMinute int
	prefix    string
}

// NewRedisFixedWindow creates the limiter.
func NewRedisFixedWindow(client *redis.Client, perMinute int) *RedisFixedWindow {
	return &RedisFixedWindow{client: client, perMinute: perMinute, prefix: "ratelimit:"}
}

// Allow implements Limiter via INCR + EXPIRE on a per-window key.
func (l *RedisFixedWindow) Allow(c *gin.Context, key string) bool {
	ctx := c.Request.Context()
	window := time.Now().Unix() / 60
	redisKey := l.prefix + key + ":" + time.Unix(window*60, 0).UTC().Format("1504")

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return true
	}
	if count == 1 {
		l.client.Expire(ctx, redisKey, 2*time.Minute)
	}
	return count <= int64(l.perMinute)
}
