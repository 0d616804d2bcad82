package ocpp16

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/charging-platform/ocpp-gateway/internal/domain/ocpp16"
	"github.com/charging-platform/ocpp-gateway/internal/domain/serialization"
	"github.com/charging-platform/ocpp-gateway/internal/domain/validation"
	"github.com/charging-platform/ocpp-gateway/internal/logger"
	"github.com/charging-platform/ocpp-gateway/internal/metrics"
)

// ErrActionAlreadyRegistered 同一动作重复注册
var ErrActionAlreadyRegistered = errors.New("action already registered")

// HandlerFunc 动作处理函数，request 是 Route.NewRequest 返回并已校验的请求
type HandlerFunc func(ctx context.Context, session *Session, request interface{}) (interface{}, error)

// Route 动作路由项
type Route struct {
	NewRequest func() interface{}
	Handle     HandlerFunc
}

// Router 按动作名分发充电桩发起的CALL
type Router struct {
	routes    map[ocpp16.Action]Route
	mutex     sync.RWMutex
	validator *validation.Validator
	logger    *logger.Logger
}

// NewRouter 创建空路由表
func NewRouter(log *logger.Logger) *Router {
	if log == nil {
		log = logger.Nop()
	}
	return &Router{
		routes:    make(map[ocpp16.Action]Route),
		validator: validation.NewValidator(),
		logger:    log,
	}
}

// Register 注册动作处理器
func (r *Router) Register(action ocpp16.Action, route Route) error {
	if route.NewRequest == nil || route.Handle == nil {
		return fmt.Errorf("incomplete route for action %s", action)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.routes[action]; exists {
		return fmt.Errorf("%w: %s", ErrActionAlreadyRegistered, action)
	}
	r.routes[action] = route
	return nil
}

// Actions 已注册的动作，按名称排序
func (r *Router) Actions() []ocpp16.Action {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	actions := make([]ocpp16.Action, 0, len(r.routes))
	for action := range r.routes {
		actions = append(actions, action)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
	return actions
}

// Dispatch 处理一个CALL帧并返回待发送的CALLRESULT或CALLERROR，从不panic
func (r *Router) Dispatch(ctx context.Context, session *Session, frame *serialization.Frame) (response *serialization.Frame) {
	start := time.Now()
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(frame.Action).Observe(time.Since(start).Seconds())
	}()

	r.mutex.RLock()
	route, ok := r.routes[ocpp16.Action(frame.Action)]
	r.mutex.RUnlock()
	if !ok {
		r.logger.Warnf("%s sent unknown action %q (uniqueId=%s)", sessionIdentity(session), frame.Action, frame.UniqueID)
		return callError(frame.UniqueID, ocpp16.ErrorCodeNotImplemented, fmt.Sprintf("Requested action %s is not known by receiver", frame.Action), nil)
	}

	request := route.NewRequest()
	if err := r.validator.DecodePayload(frame.Payload, request); err != nil {
		r.logger.Warnf("%s sent invalid %s payload (uniqueId=%s): %v", sessionIdentity(session), frame.Action, frame.UniqueID, err)
		return callError(frame.UniqueID, ocpp16.ErrorCodeFormationViolation, err.Error(), validationDetails(err))
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Errorf("Handler for %s panicked on %s: %v\n%s", frame.Action, sessionIdentity(session), p, debug.Stack())
			response = callError(frame.UniqueID, ocpp16.ErrorCodeInternalError, "An internal error occurred", nil)
		}
	}()

	result, err := route.Handle(ctx, session, request)
	if err != nil {
		var callErr *CallError
		if errors.As(err, &callErr) {
			return callError(frame.UniqueID, callErr.Code, callErr.Description, callErr.Details)
		}
		r.logger.Errorf("Handler for %s failed on %s: %v", frame.Action, sessionIdentity(session), err)
		return callError(frame.UniqueID, ocpp16.ErrorCodeInternalError, "An internal error occurred", nil)
	}

	response, err = serialization.NewCallResult(frame.UniqueID, result)
	if err != nil {
		r.logger.Errorf("Failed to encode %s response for %s: %v", frame.Action, sessionIdentity(session), err)
		return callError(frame.UniqueID, ocpp16.ErrorCodeInternalError, "Failed to encode response", nil)
	}
	return response
}

// callError 构造CALLERROR帧，details无法序列化时退化为空对象
func callError(uniqueID string, code ocpp16.ErrorCode, description string, details interface{}) *serialization.Frame {
	frame, err := serialization.NewCallError(uniqueID, code, description, details)
	if err != nil {
		frame, _ = serialization.NewCallError(uniqueID, code, description, nil)
	}
	return frame
}

func validationDetails(err error) interface{} {
	var fieldErrs validation.ValidationErrors
	if errors.As(err, &fieldErrs) {
		return map[string]interface{}{"errors": fieldErrs}
	}
	var fieldErr validation.ValidationError
	if errors.As(err, &fieldErr) {
		return map[string]interface{}{"errors": []validation.ValidationError{fieldErr}}
	}
	return nil
}

func sessionIdentity(session *Session) string {
	if session == nil {
		return "<none>"
	}
	return session.Identity()
}
