package authorization

import (
	"context"
	"time"

	"github.com/charging-platform/ocpp-gateway/internal/cache"
	"github.com/charging-platform/ocpp-gateway/internal/domain/ocpp16"
	"github.com/charging-platform/ocpp-gateway/internal/logger"
)

// TimeoutPolicy 为任意策略加上超时上限，超时返回Invalid，保证会话不会被慢后端卡住
type TimeoutPolicy struct {
	inner   Policy
	timeout time.Duration
	logger  *logger.Logger
}

// NewTimeoutPolicy 创建超时策略
func NewTimeoutPolicy(inner Policy, timeout time.Duration, log *logger.Logger) *TimeoutPolicy {
	if log == nil {
		log = logger.Nop()
	}
	return &TimeoutPolicy{inner: inner, timeout: timeout, logger: log}
}

// Authorize 实现Policy接口
func (p *TimeoutPolicy) Authorize(ctx context.Context, idTag string) Result {
	if p.timeout <= 0 {
		return p.inner.Authorize(ctx, idTag)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// 缓冲为1，超时后内部调用仍可写入并退出
	resultCh := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Errorf("Authorization policy panicked for id tag %s: %v", idTag, r)
				resultCh <- Invalid()
			}
		}()
		resultCh <- p.inner.Authorize(ctx, idTag)
	}()

	select {
	case result := <-resultCh:
		return result
	case <-ctx.Done():
		p.logger.Warnf("Authorization of id tag %s timed out after %v", idTag, p.timeout)
		return Invalid()
	}
}

// CachedPolicy 缓存确定性的授权结果，Invalid属于暂时性失败，不缓存
type CachedPolicy struct {
	inner Policy
	cache *cache.LRUCache
	ttl   time.Duration
}

// NewCachedPolicy 创建带缓存的策略
func NewCachedPolicy(inner Policy, c *cache.LRUCache, ttl time.Duration) *CachedPolicy {
	return &CachedPolicy{inner: inner, cache: c, ttl: ttl}
}

// Authorize 实现Policy接口
func (p *CachedPolicy) Authorize(ctx context.Context, idTag string) Result {
	if cached, ok := p.cache.Get(idTag); ok {
		if result, ok := cached.(Result); ok {
			// 缓存期间可能越过有效期
			return resolveExpiry(result, time.Now())
		}
	}

	result := p.inner.Authorize(ctx, idTag)
	if result.Status != ocpp16.AuthorizationStatusInvalid {
		p.cache.Set(idTag, result, p.ttl)
	}
	return result
}
