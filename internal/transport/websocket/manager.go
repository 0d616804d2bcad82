package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charging-platform/ocpp-gateway/internal/domain/protocol"
	"github.com/charging-platform/ocpp-gateway/internal/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SubprotocolOCPP16 OCPP 1.6 JSON子协议
const SubprotocolOCPP16 = protocol.OCPP_VERSION_1_6

var (
	// ErrConnectionClosed 连接已关闭
	ErrConnectionClosed = errors.New("websocket connection closed")
	// ErrSendQueueFull 发送队列已满
	ErrSendQueueFull = errors.New("send queue full")
	// ErrTooManyConnections 超过最大连接数
	ErrTooManyConnections = errors.New("too many connections")
	// ErrSubprotocolRequired 客户端没有协商到支持的子协议
	ErrSubprotocolRequired = errors.New("subprotocol required")
)

// maxCloseReasonLength 控制帧载荷上限125字节，减去2字节状态码
const maxCloseReasonLength = 123

// GlobalPingService 全局Ping服务，用于减少Goroutine数量
type GlobalPingService struct {
	connections sync.Map // map[string]*ConnectionWrapper
	ticker      *time.Ticker
	interval    time.Duration
	logger      *logger.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	startOnce   sync.Once
	stopOnce    sync.Once

	// 监控指标
	totalPings   int64
	skippedPings int64
	mutex        sync.RWMutex
}

// NewGlobalPingService 创建全局Ping服务
func NewGlobalPingService(interval time.Duration, log *logger.Logger) *GlobalPingService {
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GlobalPingService{
		interval: interval,
		logger:   log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 启动全局Ping服务
func (s *GlobalPingService) Start() {
	if s.interval <= 0 {
		return
	}
	s.startOnce.Do(func() {
		s.ticker = time.NewTicker(s.interval)
		s.wg.Add(1)

		go func() {
			defer s.wg.Done()
			defer s.ticker.Stop()

			s.logger.Infof("Global ping service started with interval %v", s.interval)

			for {
				select {
				case <-s.ctx.Done():
					return
				case <-s.ticker.C:
					s.pingAllConnections()
				}
			}
		}()
	})
}

// Stop 停止全局Ping服务
func (s *GlobalPingService) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.logger.Info("Global ping service stopped")
	})
}

// AddConnection 添加连接到ping服务
func (s *GlobalPingService) AddConnection(wrapper *ConnectionWrapper) {
	s.connections.Store(wrapper.ID(), wrapper)
}

// RemoveConnection 从ping服务中移除连接
func (s *GlobalPingService) RemoveConnection(connectionID string) {
	s.connections.Delete(connectionID)
}

// forEach 遍历已登记的连接
func (s *GlobalPingService) forEach(fn func(*ConnectionWrapper)) {
	s.connections.Range(func(_, value interface{}) bool {
		fn(value.(*ConnectionWrapper))
		return true
	})
}

// pingAllConnections 向所有连接发送ping，发送队列满则跳过
func (s *GlobalPingService) pingAllConnections() {
	var activeConns, successPings, skippedPings int64

	s.forEach(func(wrapper *ConnectionWrapper) {
		activeConns++
		if wrapper.enqueue(WebSocketMessage{Type: MessageTypePing}) == nil {
			successPings++
		} else {
			skippedPings++
		}
	})

	s.mutex.Lock()
	s.totalPings += successPings
	s.skippedPings += skippedPings
	s.mutex.Unlock()

	if activeConns > 0 {
		s.logger.Debugf("Global ping completed: %d active connections, %d successful pings, %d skipped pings",
			activeConns, successPings, skippedPings)
	}
}

// GetStats 获取ping服务统计信息
func (s *GlobalPingService) GetStats() map[string]interface{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var activeConns int64
	s.forEach(func(*ConnectionWrapper) { activeConns++ })

	return map[string]interface{}{
		"active_connections": activeConns,
		"total_pings":        s.totalPings,
		"skipped_pings":      s.skippedPings,
		"ping_interval":      s.interval.String(),
	}
}

// Config WebSocket管理器配置
type Config struct {
	ReadBufferSize    int           `json:"read_buffer_size"`
	WriteBufferSize   int           `json:"write_buffer_size"`
	HandshakeTimeout  time.Duration `json:"handshake_timeout"`
	ReadTimeout       time.Duration `json:"read_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout"`
	PingInterval      time.Duration `json:"ping_interval"`
	MaxMessageSize    int64         `json:"max_message_size"`
	SendQueueSize     int           `json:"send_queue_size"`
	EnableCompression bool          `json:"enable_compression"`

	// 连接管理，<=0 表示不限制
	MaxConnections int `json:"max_connections"`

	// 安全配置
	CheckOrigin        bool     `json:"check_origin"`
	AllowedOrigins     []string `json:"allowed_origins"`
	Subprotocols       []string `json:"subprotocols"`
	RequireSubprotocol bool     `json:"require_subprotocol"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		HandshakeTimeout:  10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		PingInterval:      30 * time.Second,
		MaxMessageSize:    1024 * 1024, // 1MB
		SendQueueSize:     256,
		EnableCompression: false,

		MaxConnections: 20000,

		CheckOrigin:        false,
		AllowedOrigins:     []string{},
		Subprotocols:       protocol.GetSupportedVersions(),
		RequireSubprotocol: true,
	}
}

// MessageType 消息类型枚举
type MessageType int

const (
	MessageTypeText MessageType = iota
	MessageTypePing
)

// WebSocketMessage WebSocket消息结构
type WebSocketMessage struct {
	Type MessageType
	Data []byte
}

// Manager 负责升级连接、发送协程和心跳，不关心连接上跑的协议
type Manager struct {
	config   *Config
	upgrader *websocket.Upgrader

	// 全局Ping服务，同时作为存活连接表
	pingService *GlobalPingService
	connCount   atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startTime time.Time

	logger *logger.Logger
}

// NewManager 创建新的WebSocket管理器
func NewManager(config *Config, log *logger.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logger.Nop()
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = DefaultConfig().SendQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	upgrader := &websocket.Upgrader{
		ReadBufferSize:    config.ReadBufferSize,
		WriteBufferSize:   config.WriteBufferSize,
		HandshakeTimeout:  config.HandshakeTimeout,
		EnableCompression: config.EnableCompression,
		Subprotocols:      config.Subprotocols,
		CheckOrigin: func(r *http.Request) bool {
			if !config.CheckOrigin || len(config.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range config.AllowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}

	return &Manager{
		config:      config,
		upgrader:    upgrader,
		pingService: NewGlobalPingService(config.PingInterval, log),
		ctx:         ctx,
		cancel:      cancel,
		startTime:   time.Now(),
		logger:      log,
	}
}

// Start 启动全局Ping服务
func (m *Manager) Start() {
	m.pingService.Start()
}

// Upgrade 升级HTTP请求并启动发送协程。失败时已向客户端写回响应。
func (m *Manager) Upgrade(w http.ResponseWriter, r *http.Request, requireSubprotocol bool) (*ConnectionWrapper, error) {
	if m.ctx.Err() != nil {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return nil, ErrConnectionClosed
	}
	if m.config.MaxConnections > 0 && m.connCount.Load() >= int64(m.config.MaxConnections) {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return nil, ErrTooManyConnections
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	if requireSubprotocol && !protocol.IsVersionSupported(conn.Subprotocol()) {
		deadline := time.Now().Add(m.config.WriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, "unsupported subprotocol"), deadline)
		_ = conn.Close()
		return nil, fmt.Errorf("%w: offered %v", ErrSubprotocolRequired, websocket.Subprotocols(r))
	}

	wrapper := m.newConnectionWrapper(conn, r)
	m.connCount.Add(1)
	m.pingService.AddConnection(wrapper)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		wrapper.sendRoutine()
	}()

	m.logger.Debugf("WebSocket connection %s established from %s (subprotocol=%q)", wrapper.id, wrapper.remoteAddr, conn.Subprotocol())
	return wrapper, nil
}

// Serve 在调用方协程中运行读循环，按到达顺序回调 onMessage，连接断开后返回
func (m *Manager) Serve(wrapper *ConnectionWrapper, onMessage func([]byte)) error {
	m.wg.Add(1)
	defer m.wg.Done()
	defer m.release(wrapper)

	return wrapper.receiveRoutine(onMessage)
}

func (m *Manager) release(wrapper *ConnectionWrapper) {
	wrapper.Close("connection closed")
	if _, loaded := m.pingService.connections.LoadAndDelete(wrapper.id); loaded {
		m.connCount.Add(-1)
	}
}

// GetConnectionCount 获取连接数
func (m *Manager) GetConnectionCount() int {
	return int(m.connCount.Load())
}

// Uptime 运行时长
func (m *Manager) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// PingStats 全局Ping服务统计
func (m *Manager) PingStats() map[string]interface{} {
	return m.pingService.GetStats()
}

// Shutdown 关闭所有连接并等待协程退出
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down WebSocket manager...")

	m.pingService.Stop()
	m.cancel()
	m.pingService.forEach(func(wrapper *ConnectionWrapper) {
		wrapper.Close("server shutdown")
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("WebSocket manager shutdown completed")
		return nil
	case <-ctx.Done():
		m.logger.Warn("WebSocket manager shutdown timeout")
		return ctx.Err()
	}
}

func (m *Manager) newConnectionWrapper(conn *websocket.Conn, r *http.Request) *ConnectionWrapper {
	ctx, cancel := context.WithCancel(m.ctx)
	return &ConnectionWrapper{
		id:           uuid.NewString(),
		conn:         conn,
		remoteAddr:   r.RemoteAddr,
		sendChan:     make(chan WebSocketMessage, m.config.SendQueueSize),
		ctx:          ctx,
		cancel:       cancel,
		lastActivity: time.Now(),
		config:       m.config,
		logger:       m.logger,
	}
}

// ConnectionWrapper 连接包装器，所有数据帧写入都经过 sendRoutine
type ConnectionWrapper struct {
	id         string
	conn       *websocket.Conn
	remoteAddr string

	sendChan chan WebSocketMessage

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	lastActivity time.Time
	mutex        sync.RWMutex

	config *Config
	logger *logger.Logger
}

// ID 连接唯一标识
func (w *ConnectionWrapper) ID() string {
	return w.id
}

// RemoteAddr 客户端地址
func (w *ConnectionWrapper) RemoteAddr() string {
	return w.remoteAddr
}

// Subprotocol 协商到的子协议
func (w *ConnectionWrapper) Subprotocol() string {
	return w.conn.Subprotocol()
}

// Done 连接关闭后关闭
func (w *ConnectionWrapper) Done() <-chan struct{} {
	return w.ctx.Done()
}

// Send 将文本帧放入发送队列，队列满时立即返回 ErrSendQueueFull
func (w *ConnectionWrapper) Send(data []byte) error {
	return w.enqueue(WebSocketMessage{Type: MessageTypeText, Data: data})
}

// SendContext 阻塞直到文本帧入队、连接关闭或ctx结束
func (w *ConnectionWrapper) SendContext(ctx context.Context, data []byte) error {
	select {
	case <-w.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case w.sendChan <- WebSocketMessage{Type: MessageTypeText, Data: data}:
		return nil
	case <-w.ctx.Done():
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *ConnectionWrapper) enqueue(msg WebSocketMessage) error {
	select {
	case <-w.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case w.sendChan <- msg:
		return nil
	case <-w.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendQueueFull
	}
}

// Close 发送关闭帧并关闭底层连接，可重复调用
func (w *ConnectionWrapper) Close(reason string) {
	w.closeOnce.Do(func() {
		w.cancel()

		if len(reason) > maxCloseReasonLength {
			reason = reason[:maxCloseReasonLength]
		}
		deadline := time.Now().Add(w.config.WriteTimeout)
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
		_ = w.conn.Close()
	})
}

// GetLastActivity 获取最后活动时间
func (w *ConnectionWrapper) GetLastActivity() time.Time {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.lastActivity
}

func (w *ConnectionWrapper) updateActivity() {
	w.mutex.Lock()
	w.lastActivity = time.Now()
	w.mutex.Unlock()
}

// sendRoutine 发送协程，写失败时关闭连接
func (w *ConnectionWrapper) sendRoutine() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case msg := <-w.sendChan:
			_ = w.conn.SetWriteDeadline(time.Now().Add(w.config.WriteTimeout))

			var err error
			switch msg.Type {
			case MessageTypeText:
				err = w.conn.WriteMessage(websocket.TextMessage, msg.Data)
			case MessageTypePing:
				err = w.conn.WriteMessage(websocket.PingMessage, nil)
			}
			if err != nil {
				w.logger.Warnf("Failed to write to %s (%s): %v", w.remoteAddr, w.id, err)
				w.Close("write failed")
				return
			}
			w.updateActivity()
		}
	}
}

// receiveRoutine 读循环，任何读错误都结束连接
func (w *ConnectionWrapper) receiveRoutine(onMessage func([]byte)) error {
	extend := func() {
		_ = w.conn.SetReadDeadline(time.Now().Add(w.config.ReadTimeout))
	}

	w.conn.SetReadLimit(w.config.MaxMessageSize)
	extend()
	w.conn.SetPongHandler(func(string) error {
		extend()
		w.updateActivity()
		return nil
	})
	w.conn.SetPingHandler(func(appData string) error {
		extend()
		err := w.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(w.config.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		messageType, message, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				w.logger.Warnf("WebSocket error for %s (%s): %v", w.remoteAddr, w.id, err)
			}
			return err
		}

		extend()
		w.updateActivity()

		if messageType != websocket.TextMessage {
			w.logger.Debugf("Ignoring non-text frame from %s (%s)", w.remoteAddr, w.id)
			continue
		}
		onMessage(message)
	}
}
