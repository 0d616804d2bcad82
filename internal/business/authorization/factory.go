package authorization

import (
	"fmt"

	"github.com/charging-platform/ocpp-gateway/internal/cache"
	"github.com/charging-platform/ocpp-gateway/internal/config"
	"github.com/charging-platform/ocpp-gateway/internal/logger"
	"github.com/go-redis/redis/v8"
)

// NewFromConfig 按配置组装授权策略：后端 -> 缓存(仅redis) -> 超时
func NewFromConfig(cfg config.AuthorizationConfig, client redis.Cmdable, log *logger.Logger) (Policy, error) {
	var policy Policy

	switch cfg.Backend {
	case "", "static":
		static, err := NewStaticPolicy(cfg.AllowedTags)
		if err != nil {
			return nil, err
		}
		policy = static
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("authorization backend redis requires a redis client")
		}
		policy = NewRedisPolicy(client, cfg.RedisPrefix, log)
		if cfg.CacheTTL > 0 {
			c := cache.NewLRUCache(&cache.CacheConfig{
				MaxSize:         10000,
				DefaultTTL:      cfg.CacheTTL,
				CleanupInterval: cfg.CacheTTL,
				ShardCount:      16,
			})
			c.Start()
			policy = NewCachedPolicy(policy, c, cfg.CacheTTL)
		}
	default:
		return nil, fmt.Errorf("unsupported authorization backend: %s", cfg.Backend)
	}

	return NewTimeoutPolicy(policy, cfg.Timeout, log), nil
}
