package authorization

import (
	"context"
	"fmt"
	"time"

	"github.com/charging-platform/ocpp-gateway/internal/config"
	"github.com/charging-platform/ocpp-gateway/internal/domain/ocpp16"
)

// Result 授权结果
type Result struct {
	Status      ocpp16.AuthorizationStatus
	ExpiryDate  *time.Time
	ParentIdTag string
}

// Accepted 是否授权通过
func (r Result) Accepted() bool {
	return r.Status == ocpp16.AuthorizationStatusAccepted
}

// IdTagInfo 转换为OCPP响应中的idTagInfo
func (r Result) IdTagInfo() ocpp16.IdTagInfo {
	info := ocpp16.IdTagInfo{Status: r.Status}
	if r.ExpiryDate != nil {
		info.ExpiryDate = ocpp16.NewDateTime(*r.ExpiryDate)
	}
	if r.ParentIdTag != "" {
		parent := r.ParentIdTag
		info.ParentIdTag = &parent
	}
	return info
}

// Policy 授权策略，实现必须可并发调用
type Policy interface {
	Authorize(ctx context.Context, idTag string) Result
}

// PolicyFunc 函数适配器
type PolicyFunc func(ctx context.Context, idTag string) Result

// Authorize 实现Policy接口
func (f PolicyFunc) Authorize(ctx context.Context, idTag string) Result {
	return f(ctx, idTag)
}

// Invalid 后端不可用或超时时的结果
func Invalid() Result {
	return Result{Status: ocpp16.AuthorizationStatusInvalid}
}

// resolveExpiry 已过期的Accepted结果降级为Expired
func resolveExpiry(result Result, now time.Time) Result {
	if result.Status == ocpp16.AuthorizationStatusAccepted && result.ExpiryDate != nil && !now.Before(*result.ExpiryDate) {
		result.Status = ocpp16.AuthorizationStatusExpired
	}
	return result
}

// StaticPolicy 基于配置白名单的授权策略，未列出的idTag一律Blocked
type StaticPolicy struct {
	entries map[string]Result
	now     func() time.Time
}

// NewStaticPolicy 从配置创建白名单策略
func NewStaticPolicy(tags []config.AllowedTag) (*StaticPolicy, error) {
	entries := make(map[string]Result, len(tags))
	for _, tag := range tags {
		if tag.IdTag == "" {
			return nil, fmt.Errorf("allowed tag with empty id_tag")
		}
		result := Result{Status: ocpp16.AuthorizationStatusAccepted}
		if tag.ExpiryDate != "" {
			expiry, err := time.Parse(time.RFC3339, tag.ExpiryDate)
			if err != nil {
				return nil, fmt.Errorf("invalid expiry_date for id tag %s: %w", tag.IdTag, err)
			}
			result.ExpiryDate = &expiry
		}
		entries[tag.IdTag] = result
	}
	return &StaticPolicy{entries: entries, now: time.Now}, nil
}

// Authorize 实现Policy接口
func (p *StaticPolicy) Authorize(_ context.Context, idTag string) Result {
	result, ok := p.entries[idTag]
	if !ok {
		return Result{Status: ocpp16.AuthorizationStatusBlocked}
	}
	return resolveExpiry(result, p.now())
}
