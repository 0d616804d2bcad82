package ocpp16

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charging-platform/ocpp-gateway/internal/business/chargepoint"
	"github.com/charging-platform/ocpp-gateway/internal/domain/ocpp16"
	"github.com/charging-platform/ocpp-gateway/internal/domain/serialization"
	"github.com/charging-platform/ocpp-gateway/internal/logger"
	"github.com/charging-platform/ocpp-gateway/internal/metrics"
	"github.com/google/uuid"
)

// State 会话协议状态
type State string

const (
	StateConnecting        State = "Connecting"
	StateBooted            State = "Booted"
	StateReady             State = "Ready"
	StateTransactionActive State = "TransactionActive"
	StateClosed            State = "Closed"
)

// Session 单个充电桩连接的协议状态机。
// HandleMessage 只能由该连接的读协程调用，帧按到达顺序逐个处理；
// Call 和 Close 可以从任意协程调用。
type Session struct {
	identity     string
	connectionID string
	conn         Conn
	processor    *Processor

	mutex      sync.RWMutex
	state      State
	lastSeenAt time.Time
	active     map[int64]int // transactionId -> connectorId

	closeOnce sync.Once
	closed    chan struct{}

	// 当前CALL的应答发出后执行，只由读协程访问
	afterReply []func()

	logger *logger.Logger
}

var _ chargepoint.Session = (*Session)(nil)

// Identity 充电桩标识
func (s *Session) Identity() string {
	return s.identity
}

// ConnectionID 本次连接的唯一标识
func (s *Session) ConnectionID() string {
	return s.connectionID
}

// State 当前状态
func (s *Session) State() State {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state
}

// ActiveTransactions 进行中的交易ID，升序
func (s *Session) ActiveTransactions() []int64 {
	s.mutex.RLock()
	ids := make([]int64, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mutex.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Info 会话快照
func (s *Session) Info() chargepoint.SessionInfo {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return chargepoint.SessionInfo{
		Identity:     s.identity,
		State:        string(s.state),
		LastSeenAt:   s.lastSeenAt,
		ConnectionID: s.connectionID,
		RemoteAddr:   s.conn.RemoteAddr(),
	}
}

// Done 会话关闭后关闭
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Close 关闭会话：停止接收帧，关闭连接，并以 ErrConnectionClosed 完成本连接的全部服务端请求
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mutex.Lock()
		s.state = StateClosed
		s.mutex.Unlock()
		close(s.closed)

		s.conn.Close(reason)
		if n := s.processor.correlation.CloseConnection(s.identity, s.connectionID, ErrConnectionClosed); n > 0 {
			s.logger.Infof("Cancelled %d pending call(s) to %s: %s", n, s.identity, reason)
		}
		s.logger.Debugf("Session %s (%s) closed: %s", s.identity, s.connectionID, reason)
	})
}

// HandleMessage 处理一条入站文本帧
func (s *Session) HandleMessage(ctx context.Context, data []byte) {
	if s.State() == StateClosed {
		return
	}
	s.touch()

	frame, err := s.processor.codec.Parse(data)
	if err != nil {
		s.handleFrameError(err)
		return
	}
	metrics.MessagesReceived.WithLabelValues(frame.MessageType.String(), frame.Action).Inc()

	switch frame.MessageType {
	case ocpp16.Call:
		response := s.processor.router.Dispatch(ctx, s, frame)
		s.send(response)
		s.runAfterReply(response.MessageType == ocpp16.CallResult)
	case ocpp16.CallResult:
		s.resolve(frame, nil)
	case ocpp16.CallError:
		s.resolve(frame, &CallError{
			Code:        frame.ErrorCode,
			Description: frame.ErrorDescription,
			Details:     frame.ErrorDetails,
		})
	}
}

// deferUntilReplied 登记在当前CALL的CALLRESULT发出后执行的动作，只能在处理函数中调用
func (s *Session) deferUntilReplied(fn func()) {
	s.afterReply = append(s.afterReply, fn)
}

// runAfterReply 应答为CALLERROR时丢弃已登记的动作
func (s *Session) runAfterReply(replied bool) {
	pending := s.afterReply
	s.afterReply = nil
	if !replied {
		return
	}
	for _, fn := range pending {
		fn()
	}
}

func (s *Session) handleFrameError(err error) {
	metrics.MessagesReceived.WithLabelValues("INVALID", "").Inc()

	var frameErr *serialization.FrameError
	if !errors.As(err, &frameErr) || !frameErr.Recoverable() {
		s.logger.Warnf("Dropping malformed frame from %s: %v", s.identity, err)
		return
	}
	s.logger.Warnf("Malformed frame from %s (uniqueId=%s): %v", s.identity, frameErr.UniqueID, err)
	s.send(callError(frameErr.UniqueID, ocpp16.ErrorCodeFormationViolation, frameErr.Message, nil))
}

// resolve 响应没有匹配的请求时只记录日志
func (s *Session) resolve(frame *serialization.Frame, callErr *CallError) {
	err := s.processor.correlation.Resolve(s.identity, s.connectionID, frame.UniqueID, frame.Payload, callErr)
	if err != nil {
		s.logger.Warnf("Ignoring %s from %s: %v", frame.MessageType, s.identity, err)
	}
}

// Call 向充电桩发起请求并等待响应，返回CALLRESULT载荷或 *CallError
func (s *Session) Call(ctx context.Context, action ocpp16.Action, payload interface{}) (json.RawMessage, error) {
	if s.State() == StateClosed {
		return nil, ErrConnectionClosed
	}

	uniqueID := uuid.NewString()
	frame, err := serialization.NewCall(uniqueID, action, payload)
	if err != nil {
		return nil, err
	}
	data, err := s.processor.codec.Serialize(frame)
	if err != nil {
		return nil, err
	}

	call, err := s.processor.correlation.Register(s.identity, s.connectionID, uniqueID, string(action))
	if err != nil {
		return nil, err
	}
	// 关闭与登记并发时，确保请求不会悬挂到超时
	if s.State() == StateClosed {
		s.processor.correlation.Cancel(s.identity, uniqueID, ErrConnectionClosed)
		return nil, ErrConnectionClosed
	}
	if err := s.conn.Send(data); err != nil {
		s.processor.correlation.Cancel(s.identity, uniqueID, err)
		return nil, fmt.Errorf("failed to send %s to %s: %w", action, s.identity, err)
	}

	return s.processor.correlation.Wait(ctx, call)
}

func (s *Session) send(frame *serialization.Frame) {
	data, err := s.processor.codec.Serialize(frame)
	if err != nil {
		s.logger.Errorf("Failed to serialize frame for %s: %v", s.identity, err)
		return
	}
	if frame.MessageType == ocpp16.CallError {
		metrics.CallErrorsSent.WithLabelValues(string(frame.ErrorCode)).Inc()
	}
	if err := s.conn.Send(data); err != nil {
		s.logger.Warnf("Failed to send %s to %s: %v", frame.MessageType, s.identity, err)
	}
}

func (s *Session) touch() {
	now := s.processor.now()
	s.mutex.Lock()
	s.lastSeenAt = now
	s.mutex.Unlock()
}

// -- 状态迁移 --

func (s *Session) onBooted() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state != StateConnecting {
		return
	}
	if len(s.active) > 0 {
		s.state = StateTransactionActive
	} else {
		s.state = StateBooted
	}
}

// onAlive 心跳和状态通知，Connecting 状态下只应答不迁移
func (s *Session) onAlive() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state != StateBooted {
		return
	}
	if len(s.active) > 0 {
		s.state = StateTransactionActive
	} else {
		s.state = StateReady
	}
}

func (s *Session) onTransactionStarted(transactionID int64, connectorID int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state == StateClosed {
		return
	}
	s.active[transactionID] = connectorID
	s.state = StateTransactionActive
}

func (s *Session) onTransactionStopped(transactionID int64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.active, transactionID)
	if len(s.active) == 0 && (s.state == StateTransactionActive || s.state == StateBooted) {
		s.state = StateReady
	}
}
