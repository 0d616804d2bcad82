package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charging-platform/ocpp-gateway/internal/business/chargepoint"
	"github.com/charging-platform/ocpp-gateway/internal/config"
	"github.com/go-redis/redis/v8"
)

// ownerSeparator 分隔值中的Pod ID与连接ID
const ownerSeparator = "#"

// DeleteIfOwnerScript 比较后删除，避免旧连接清理掉新连接的映射
const DeleteIfOwnerScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// NewRedisClient 创建Redis客户端并ping验证
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	return client, nil
}

// RedisStorage 使用 Redis 来存储连接映射
type RedisStorage struct {
	Client *redis.Client
	Prefix string
}

var (
	_ ConnectionStorage         = (*RedisStorage)(nil)
	_ chargepoint.PresenceStore = (*RedisStorage)(nil)
)

// NewRedisStorage 基于已有客户端创建 RedisStorage
func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{Client: client, Prefix: "conn:"}
}

func (r *RedisStorage) key(chargePointID string) string {
	return r.Prefix + chargePointID
}

func ownerValue(gatewayID, connectionID string) string {
	return gatewayID + ownerSeparator + connectionID
}

// SetConnection 注册或更新一个充电桩的连接信息
func (r *RedisStorage) SetConnection(ctx context.Context, chargePointID, gatewayID, connectionID string, ttl time.Duration) error {
	return r.Client.Set(ctx, r.key(chargePointID), ownerValue(gatewayID, connectionID), ttl).Err()
}

// GetConnection 获取指定充电桩当前连接的 Gateway Pod ID
func (r *RedisStorage) GetConnection(ctx context.Context, chargePointID string) (string, error) {
	val, err := r.Client.Get(ctx, r.key(chargePointID)).Result()
	if err != nil {
		return "", err
	}
	if idx := strings.LastIndex(val, ownerSeparator); idx >= 0 {
		return val[:idx], nil
	}
	return val, nil
}

// DeleteConnectionIfOwner 仅当映射仍指向该连接时删除
func (r *RedisStorage) DeleteConnectionIfOwner(ctx context.Context, chargePointID, gatewayID, connectionID string) (bool, error) {
	deleted, err := r.Client.Eval(ctx, DeleteIfOwnerScript, []string{r.key(chargePointID)}, ownerValue(gatewayID, connectionID)).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to delete connection of %s: %w", chargePointID, err)
	}
	return deleted == 1, nil
}

// DeleteConnection 删除一个充电桩的连接信息
func (r *RedisStorage) DeleteConnection(ctx context.Context, chargePointID string) error {
	return r.Client.Del(ctx, r.key(chargePointID)).Err()
}

// Close 关闭与存储后端的连接
func (r *RedisStorage) Close() error {
	return r.Client.Close()
}
