package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/charging-platform/ocpp-gateway/internal/broadcast"
	"github.com/charging-platform/ocpp-gateway/internal/business/chargepoint"
	"github.com/charging-platform/ocpp-gateway/internal/business/transaction"
	"github.com/charging-platform/ocpp-gateway/internal/domain/ocpp16"
	"github.com/charging-platform/ocpp-gateway/internal/domain/validation"
	"github.com/charging-platform/ocpp-gateway/internal/logger"
	"github.com/charging-platform/ocpp-gateway/internal/message"
	protocol "github.com/charging-platform/ocpp-gateway/internal/protocol/ocpp16"
	"github.com/charging-platform/ocpp-gateway/internal/transport/websocket"
)

// ErrShuttingDown 网关正在停机
var ErrShuttingDown = errors.New("gateway is shutting down")

// StateReader 提供给外部运营系统的只读接口
type StateReader interface {
	GetActiveSessions() []chargepoint.SessionInfo
	GetTransaction(id int64) (transaction.Transaction, error)
}

// Config 网关服务配置
type Config struct {
	WebSocketPath string `json:"websocket_path"`
	ObserverPath  string `json:"observer_path"`
	HealthPath    string `json:"health_path"`
	// 下行指令等待充电桩响应的上限
	CommandTimeout time.Duration `json:"command_timeout"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		WebSocketPath:  "/ocpp",
		ObserverPath:   "/observers",
		HealthPath:     "/health",
		CommandTimeout: 30 * time.Second,
	}
}

// Server 网关服务：每个充电桩连接一个会话，观察者连接订阅广播中心
type Server struct {
	config *Config

	ws           *websocket.Manager
	processor    *protocol.Processor
	registry     *chargepoint.Registry
	transactions *transaction.Manager
	hub          *broadcast.Hub
	validator    *validation.Validator

	mux       *http.ServeMux
	startTime time.Time

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once

	logger *logger.Logger
}

var _ StateReader = (*Server)(nil)

// NewServer 组装网关服务
func NewServer(config *Config, ws *websocket.Manager, processor *protocol.Processor, registry *chargepoint.Registry,
	transactions *transaction.Manager, hub *broadcast.Hub, log *logger.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = DefaultConfig().CommandTimeout
	}
	if log == nil {
		log = logger.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:       config,
		ws:           ws,
		processor:    processor,
		registry:     registry,
		transactions: transactions,
		hub:          hub,
		validator:    validation.NewValidator(),
		mux:          http.NewServeMux(),
		startTime:    time.Now(),
		ctx:          ctx,
		cancel:       cancel,
		logger:       log,
	}

	// 添加 "/" 以匹配子路径
	s.mux.HandleFunc(strings.TrimSuffix(config.WebSocketPath, "/")+"/", s.handleChargePoint)
	s.mux.HandleFunc(config.ObserverPath, s.handleObserver)
	s.mux.HandleFunc(config.HealthPath, s.handleHealth)
	return s
}

// Handler 返回HTTP处理器
func (s *Server) Handler() http.Handler {
	return s.mux
}

// extractChargePointID 从URL路径中提取充电桩ID，例如 "/ocpp/CP-001" -> "CP-001"
func (s *Server) extractChargePointID(path string) string {
	prefix := strings.TrimSuffix(s.config.WebSocketPath, "/") + "/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	return path[len(prefix):]
}

func (s *Server) handleChargePoint(w http.ResponseWriter, r *http.Request) {
	identity := s.extractChargePointID(r.URL.Path)
	if err := s.validator.ValidateChargePointID(identity); err != nil {
		s.logger.Warnf("Rejecting connection from %s: %v", r.RemoteAddr, err)
		http.Error(w, "Invalid charge point ID", http.StatusBadRequest)
		return
	}

	wrapper, err := s.ws.Upgrade(w, r, true)
	if err != nil {
		s.logger.Errorf("Failed to accept connection for %s: %v", identity, err)
		return
	}

	session := s.processor.NewSession(identity, wrapper.ID(), wrapper)
	s.registry.Add(session)
	s.hub.Publish(s.processor.EventFactory().CreateChargePointConnectedEvent(identity, wrapper.RemoteAddr()))
	s.logger.Infof("Charge point %s connected from %s (connection %s)", identity, wrapper.RemoteAddr(), wrapper.ID())

	reason := "connection closed"
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Errorf("Panic in connection handler for %s: %v\n%s", identity, rec, debug.Stack())
			reason = "internal error"
		}
		s.registry.Release(session)
		session.Close(reason)
		s.hub.Publish(s.processor.EventFactory().CreateChargePointDisconnectedEvent(identity, reason))
		s.logger.Infof("Charge point %s disconnected (connection %s): %s", identity, wrapper.ID(), reason)
	}()

	if err := s.ws.Serve(wrapper, func(data []byte) {
		session.HandleMessage(s.ctx, data)
	}); err != nil {
		reason = err.Error()
	}
}

func (s *Server) handleObserver(w http.ResponseWriter, r *http.Request) {
	wrapper, err := s.ws.Upgrade(w, r, false)
	if err != nil {
		s.logger.Errorf("Failed to accept observer from %s: %v", r.RemoteAddr, err)
		return
	}

	id, err := s.hub.Subscribe(wrapper.RemoteAddr(), websocket.NewObserverTransport(wrapper, s.logger))
	if err != nil {
		s.logger.Warnf("Rejecting observer %s: %v", wrapper.RemoteAddr(), err)
		wrapper.Close(err.Error())
		return
	}
	defer s.hub.Unsubscribe(id)

	// 观察者只接收事件，上行消息丢弃
	_ = s.ws.Serve(wrapper, func([]byte) {})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := map[string]interface{}{
		"status":        "healthy",
		"timestamp":     time.Now().Format(time.RFC3339),
		"charge_points": s.registry.Count(),
		"connections":   s.ws.GetConnectionCount(),
		"observers":     s.hub.Len(),
		"pending_calls": s.processor.Correlation().Len(),
		"transactions":  s.transactions.GetStats(),
		"uptime":        time.Since(s.startTime).String(),
		"ping_service":  s.ws.PingStats(),
	}

	code := http.StatusOK
	if s.ctx.Err() != nil {
		status["status"] = "shutting_down"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// Call 向在线充电桩发起请求并等待响应
func (s *Server) Call(ctx context.Context, identity string, action ocpp16.Action, payload interface{}) (json.RawMessage, error) {
	found, err := s.registry.Lookup(identity)
	if err != nil {
		return nil, err
	}
	session, ok := found.(*protocol.Session)
	if !ok {
		return nil, fmt.Errorf("unexpected session type %T for %s", found, identity)
	}
	return session.Call(ctx, action, payload)
}

// HandleCommand 下行指令入口。充电桩不在本实例时立即返回 ErrNotFound，
// 否则异步发起调用，结果只记录日志。
func (s *Server) HandleCommand(_ context.Context, cmd *message.Command) error {
	if s.ctx.Err() != nil {
		return ErrShuttingDown
	}
	if _, err := s.registry.Lookup(cmd.ChargePointID); err != nil {
		return err
	}

	var payload interface{} = cmd.Payload
	if len(cmd.Payload) == 0 {
		payload = struct{}{}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.config.CommandTimeout)
		defer cancel()

		result, err := s.Call(ctx, cmd.ChargePointID, ocpp16.Action(cmd.CommandName), payload)
		if err != nil {
			s.logger.Warnf("Command %s (%s) to %s failed: %v", cmd.CommandName, cmd.MessageID, cmd.ChargePointID, err)
			return
		}
		s.logger.Infof("Command %s (%s) to %s completed: %s", cmd.CommandName, cmd.MessageID, cmd.ChargePointID, string(result))
	}()
	return nil
}

// GetActiveSessions 在线会话快照
func (s *Server) GetActiveSessions() []chargepoint.SessionInfo {
	return s.registry.Sessions()
}

// GetTransaction 按ID查询交易
func (s *Server) GetTransaction(id int64) (transaction.Transaction, error) {
	return s.transactions.Get(id)
}

// Shutdown 关闭所有充电桩与观察者连接，未完成的服务端请求以 ErrConnectionClosed 结束
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("Shutting down gateway server...")
		s.cancel()

		s.registry.CloseAll("server shutdown")
		s.hub.Close()
		err = s.ws.Shutdown(ctx)

		if n := s.processor.Correlation().CloseAll(protocol.ErrConnectionClosed); n > 0 {
			s.logger.Infof("Resolved %d outstanding call(s) on shutdown", n)
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}

		s.registry.Close()
		s.logger.Info("Gateway server shutdown completed")
	})
	return err
}
