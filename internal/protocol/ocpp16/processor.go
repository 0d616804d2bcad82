package ocpp16

import (
	"context"
	"time"

	"github.com/charging-platform/ocpp-gateway/internal/business/authorization"
	"github.com/charging-platform/ocpp-gateway/internal/business/transaction"
	"github.com/charging-platform/ocpp-gateway/internal/domain/events"
	"github.com/charging-platform/ocpp-gateway/internal/domain/serialization"
	"github.com/charging-platform/ocpp-gateway/internal/logger"
)

// Conn 会话下层的传输连接
type Conn interface {
	// Send 将一条文本帧放入发送队列，不阻塞
	Send(data []byte) error
	// Close 关闭连接，必须幂等
	Close(reason string)
	RemoteAddr() string
}

// TransactionService 会话使用的交易管理能力
type TransactionService interface {
	Start(ctx context.Context, chargePointID string, connectorID int, idTag string, meterStart int, timestamp time.Time) (transaction.Transaction, error)
	StopOwned(ctx context.Context, chargePointID string, transactionID int64, meterStop int, timestamp time.Time) (transaction.Transaction, error)
	ActiveFor(chargePointID string) []transaction.Transaction
}

// EventPublisher 事件发布，不得阻塞
type EventPublisher interface {
	Publish(event events.Event)
}

// ConfigurationKey 启动后下发的一项配置
type ConfigurationKey struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ProcessorConfig 处理器配置
type ProcessorConfig struct {
	// BootNotification 响应中的心跳间隔
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	// 启动被接受后通过 ChangeConfiguration 下发
	BootConfiguration []ConfigurationKey `json:"boot_configuration"`
	// 下发启动配置的总超时
	BootConfigurationTimeout time.Duration `json:"boot_configuration_timeout"`
	EventSource              string        `json:"event_source"`
}

// DefaultProcessorConfig 默认处理器配置
func DefaultProcessorConfig() *ProcessorConfig {
	return &ProcessorConfig{
		HeartbeatInterval: time.Second,
		BootConfiguration: []ConfigurationKey{
			{Key: "MeterValueSampleInterval", Value: "1"},
		},
		BootConfigurationTimeout: time.Minute,
		EventSource:              "ocpp-gateway",
	}
}

// Processor 所有会话共享的OCPP 1.6协议组件
type Processor struct {
	codec        *serialization.Codec
	router       *Router
	correlation  *CorrelationTable
	transactions TransactionService
	policy       authorization.Policy
	publisher    EventPublisher
	eventFactory *events.EventFactory

	config *ProcessorConfig
	logger *logger.Logger

	now func() time.Time
}

// NewProcessor 创建处理器并注册内置动作
func NewProcessor(correlation *CorrelationTable, transactions TransactionService, policy authorization.Policy, publisher EventPublisher, config *ProcessorConfig, log *logger.Logger) *Processor {
	if config == nil {
		config = DefaultProcessorConfig()
	}
	if log == nil {
		log = logger.Nop()
	}
	if correlation == nil {
		correlation = NewCorrelationTable(nil, log)
	}
	if config.BootConfigurationTimeout <= 0 {
		config.BootConfigurationTimeout = DefaultProcessorConfig().BootConfigurationTimeout
	}

	p := &Processor{
		codec:        serialization.NewCodec(),
		router:       NewRouter(log),
		correlation:  correlation,
		transactions: transactions,
		policy:       policy,
		publisher:    publisher,
		eventFactory: events.NewEventFactory(config.EventSource),
		config:       config,
		logger:       log,
		now:          time.Now,
	}
	registerCoreProfile(p.router)
	return p
}

// Router 返回动作路由表，可注册额外动作
func (p *Processor) Router() *Router {
	return p.router
}

// Correlation 返回服务端请求关联表
func (p *Processor) Correlation() *CorrelationTable {
	return p.correlation
}

// EventFactory 返回事件工厂
func (p *Processor) EventFactory() *events.EventFactory {
	return p.eventFactory
}

// NewSession 为新连接创建会话，身份仍有进行中交易时从交易管理器恢复
func (p *Processor) NewSession(identity, connectionID string, conn Conn) *Session {
	s := &Session{
		identity:     identity,
		connectionID: connectionID,
		conn:         conn,
		processor:    p,
		state:        StateConnecting,
		lastSeenAt:   p.now(),
		active:       make(map[int64]int),
		closed:       make(chan struct{}),
		logger:       p.logger,
	}
	if p.transactions != nil {
		for _, tx := range p.transactions.ActiveFor(identity) {
			s.active[tx.ID] = tx.ConnectorID
		}
		if len(s.active) > 0 {
			p.logger.Infof("Session for %s resumed with %d active transaction(s)", identity, len(s.active))
		}
	}
	return s
}

func (p *Processor) publish(event events.Event) {
	if p.publisher == nil {
		return
	}
	p.publisher.Publish(event)
}
