package ocpp16

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charging-platform/ocpp-gateway/internal/domain/ocpp16"
	"github.com/charging-platform/ocpp-gateway/internal/logger"
	"github.com/charging-platform/ocpp-gateway/internal/metrics"
)

var (
	// ErrDuplicateUniqueID 同一充电桩已有相同uniqueId的未完成请求
	ErrDuplicateUniqueID = errors.New("duplicate unique id")
	// ErrUnknownCorrelation 响应没有对应的未完成请求
	ErrUnknownCorrelation = errors.New("unknown correlation")
	// ErrCallTimeout 等待充电桩响应超时
	ErrCallTimeout = errors.New("call timeout")
	// ErrConnectionClosed 请求所属连接已关闭
	ErrConnectionClosed = errors.New("connection closed")
)

// CallError 充电桩针对服务端请求回复的CALLERROR
type CallError struct {
	Code        ocpp16.ErrorCode
	Description string
	Details     json.RawMessage
}

// Error 实现error接口
func (e *CallError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("call error: %s", e.Code)
	}
	return fmt.Sprintf("call error: %s: %s", e.Code, e.Description)
}

// PendingCall 一个未完成的服务端请求，结果只会被赋值一次
type PendingCall struct {
	UniqueID     string
	Identity     string
	ConnectionID string
	Action       string
	SentAt       time.Time

	timer *time.Timer
	once  sync.Once
	done  chan struct{}

	payload json.RawMessage
	err     error
}

// Done 结果就绪时关闭
func (p *PendingCall) Done() <-chan struct{} {
	return p.done
}

// Result 返回结果，必须在Done之后调用
func (p *PendingCall) Result() (json.RawMessage, error) {
	<-p.done
	return p.payload, p.err
}

func (p *PendingCall) resolve(payload json.RawMessage, err error) bool {
	resolved := false
	p.once.Do(func() {
		p.payload = payload
		p.err = err
		resolved = true
		close(p.done)
	})
	return resolved
}

// CorrelationConfig 关联表配置
type CorrelationConfig struct {
	CallTimeout time.Duration `json:"call_timeout"`
}

// DefaultCorrelationConfig 默认关联表配置
func DefaultCorrelationConfig() *CorrelationConfig {
	return &CorrelationConfig{
		CallTimeout: 30 * time.Second,
	}
}

// CorrelationTable 按 (identity, uniqueId) 关联服务端请求和充电桩响应
type CorrelationTable struct {
	pending map[string]map[string]*PendingCall
	mutex   sync.Mutex

	config *CorrelationConfig
	logger *logger.Logger
}

// NewCorrelationTable 创建关联表
func NewCorrelationTable(config *CorrelationConfig, log *logger.Logger) *CorrelationTable {
	if config == nil {
		config = DefaultCorrelationConfig()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &CorrelationTable{
		pending: make(map[string]map[string]*PendingCall),
		config:  config,
		logger:  log,
	}
}

// Register 登记一个即将发出的请求，超时后以 ErrCallTimeout 完成
func (t *CorrelationTable) Register(identity, connectionID, uniqueID, action string) (*PendingCall, error) {
	call := &PendingCall{
		UniqueID:     uniqueID,
		Identity:     identity,
		ConnectionID: connectionID,
		Action:       action,
		SentAt:       time.Now(),
		done:         make(chan struct{}),
	}

	t.mutex.Lock()
	calls, ok := t.pending[identity]
	if !ok {
		calls = make(map[string]*PendingCall)
		t.pending[identity] = calls
	}
	if _, exists := calls[uniqueID]; exists {
		t.mutex.Unlock()
		return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateUniqueID, identity, uniqueID)
	}
	calls[uniqueID] = call
	call.timer = time.AfterFunc(t.config.CallTimeout, func() {
		if t.complete(call, nil, ErrCallTimeout) {
			t.logger.Warnf("Call %s (%s) to %s timed out after %v", uniqueID, action, identity, t.config.CallTimeout)
		}
	})
	t.mutex.Unlock()

	metrics.PendingCalls.Inc()
	return call, nil
}

// Resolve 用充电桩的响应完成请求，callErr 非空表示收到的是CALLERROR
func (t *CorrelationTable) Resolve(identity, connectionID, uniqueID string, payload json.RawMessage, callErr *CallError) error {
	t.mutex.Lock()
	call, ok := t.pending[identity][uniqueID]
	t.mutex.Unlock()

	if !ok || call.ConnectionID != connectionID {
		return fmt.Errorf("%w: %s/%s", ErrUnknownCorrelation, identity, uniqueID)
	}

	var err error
	if callErr != nil {
		err = callErr
	}
	if !t.complete(call, payload, err) {
		return fmt.Errorf("%w: %s/%s", ErrUnknownCorrelation, identity, uniqueID)
	}
	return nil
}

// Cancel 放弃一个请求，例如发送失败或调用方ctx取消
func (t *CorrelationTable) Cancel(identity, uniqueID string, cause error) bool {
	t.mutex.Lock()
	call, ok := t.pending[identity][uniqueID]
	t.mutex.Unlock()
	if !ok {
		return false
	}
	return t.complete(call, nil, cause)
}

// CloseConnection 以err完成某个连接上的全部未完成请求，同一identity的其它连接不受影响
func (t *CorrelationTable) CloseConnection(identity, connectionID string, err error) int {
	t.mutex.Lock()
	var calls []*PendingCall
	for _, call := range t.pending[identity] {
		if call.ConnectionID == connectionID {
			calls = append(calls, call)
		}
	}
	t.mutex.Unlock()

	closed := 0
	for _, call := range calls {
		if t.complete(call, nil, err) {
			closed++
		}
	}
	return closed
}

// CloseAll 以err完成全部未完成请求，用于停机
func (t *CorrelationTable) CloseAll(err error) int {
	t.mutex.Lock()
	var calls []*PendingCall
	for _, byID := range t.pending {
		for _, call := range byID {
			calls = append(calls, call)
		}
	}
	t.mutex.Unlock()

	closed := 0
	for _, call := range calls {
		if t.complete(call, nil, err) {
			closed++
		}
	}
	return closed
}

// Len 未完成请求数
func (t *CorrelationTable) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	n := 0
	for _, calls := range t.pending {
		n += len(calls)
	}
	return n
}

// PendingFor 某个充电桩的未完成请求数
func (t *CorrelationTable) PendingFor(identity string) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.pending[identity])
}

// complete 从表中移除并完成请求，只有第一次调用返回true
func (t *CorrelationTable) complete(call *PendingCall, payload json.RawMessage, err error) bool {
	t.mutex.Lock()
	calls := t.pending[call.Identity]
	if calls[call.UniqueID] != call {
		t.mutex.Unlock()
		return false
	}
	delete(calls, call.UniqueID)
	if len(calls) == 0 {
		delete(t.pending, call.Identity)
	}
	t.mutex.Unlock()

	call.timer.Stop()
	if !call.resolve(payload, err) {
		return false
	}

	metrics.PendingCalls.Dec()
	metrics.CallsCompleted.WithLabelValues(call.Action, outcome(err)).Inc()
	return true
}

// Wait 等待结果，ctx结束时放弃该请求
func (t *CorrelationTable) Wait(ctx context.Context, call *PendingCall) (json.RawMessage, error) {
	select {
	case <-call.Done():
		return call.Result()
	case <-ctx.Done():
		t.complete(call, nil, ctx.Err())
		// 可能在取消前恰好完成
		return call.Result()
	}
}

func outcome(err error) string {
	var callErr *CallError
	switch {
	case err == nil:
		return "result"
	case errors.As(err, &callErr):
		return "call_error"
	case errors.Is(err, ErrCallTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionClosed):
		return "connection_closed"
	default:
		return "cancelled"
	}
}
