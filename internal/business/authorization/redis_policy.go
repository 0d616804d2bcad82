package authorization

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/charging-platform/ocpp-gateway/internal/domain/ocpp16"
	"github.com/charging-platform/ocpp-gateway/internal/logger"
	"github.com/go-redis/redis/v8"
)

// redisEntry Redis中存储的idTag记录，键为 prefix+idTag
type redisEntry struct {
	Status      ocpp16.AuthorizationStatus `json:"status"`
	ExpiryDate  *time.Time                 `json:"expiryDate,omitempty"`
	ParentIdTag string                     `json:"parentIdTag,omitempty"`
}

// RedisPolicy 由外部授权服务维护的Redis白名单
type RedisPolicy struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
	logger *logger.Logger
}

// NewRedisPolicy 创建Redis授权策略
func NewRedisPolicy(client redis.Cmdable, prefix string, log *logger.Logger) *RedisPolicy {
	if log == nil {
		log = logger.Nop()
	}
	return &RedisPolicy{
		client: client,
		prefix: prefix,
		now:    time.Now,
		logger: log,
	}
}

// Authorize 实现Policy接口：键不存在为Blocked，后端错误或记录损坏为Invalid
func (p *RedisPolicy) Authorize(ctx context.Context, idTag string) Result {
	val, err := p.client.Get(ctx, p.prefix+idTag).Result()
	if errors.Is(err, redis.Nil) {
		return Result{Status: ocpp16.AuthorizationStatusBlocked}
	}
	if err != nil {
		p.logger.Warnf("Authorization backend error for id tag %s: %v", idTag, err)
		return Invalid()
	}

	var entry redisEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		p.logger.Warnf("Malformed authorization record for id tag %s: %v", idTag, err)
		return Invalid()
	}

	switch entry.Status {
	case ocpp16.AuthorizationStatusAccepted, ocpp16.AuthorizationStatusBlocked,
		ocpp16.AuthorizationStatusExpired, ocpp16.AuthorizationStatusInvalid,
		ocpp16.AuthorizationStatusConcurrentTx:
	default:
		p.logger.Warnf("Unknown authorization status %q for id tag %s", entry.Status, idTag)
		return Invalid()
	}

	return resolveExpiry(Result{
		Status:      entry.Status,
		ExpiryDate:  entry.ExpiryDate,
		ParentIdTag: entry.ParentIdTag,
	}, p.now())
}
