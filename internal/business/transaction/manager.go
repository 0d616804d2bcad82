package transaction

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charging-platform/ocpp-gateway/internal/business/authorization"
	"github.com/charging-platform/ocpp-gateway/internal/domain/events"
	"github.com/charging-platform/ocpp-gateway/internal/logger"
	"github.com/charging-platform/ocpp-gateway/internal/metrics"
)

// Manager 交易管理器：分配交易ID并维护交易记录
type Manager struct {
	policy    authorization.Policy
	store     Store
	publisher EventPublisher
	events    *events.EventFactory

	// 进程级单调计数器，是交易ID分配的唯一串行点
	lastID atomic.Int64

	transactions map[int64]*Transaction
	mutex        sync.RWMutex

	stats struct {
		started  atomic.Int64
		stopped  atomic.Int64
		rejected atomic.Int64
		failures atomic.Int64
	}

	config *ManagerConfig
	logger *logger.Logger
}

// ManagerConfig 交易管理器配置
type ManagerConfig struct {
	SaveTimeout time.Duration `json:"save_timeout"`
	EventSource string        `json:"event_source"`
}

// DefaultManagerConfig 默认交易管理器配置
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		SaveTimeout: 5 * time.Second,
		EventSource: "transaction-manager",
	}
}

// NewManager 创建交易管理器，store和publisher可为nil
func NewManager(policy authorization.Policy, store Store, publisher EventPublisher, config *ManagerConfig, log *logger.Logger) *Manager {
	if config == nil {
		config = DefaultManagerConfig()
	}
	if log == nil {
		log = logger.Nop()
	}

	return &Manager{
		policy:       policy,
		store:        store,
		publisher:    publisher,
		events:       events.NewEventFactory(config.EventSource),
		transactions: make(map[int64]*Transaction),
		config:       config,
		logger:       log,
	}
}

// Start 开始交易：先授权，授权通过后才分配ID
func (m *Manager) Start(ctx context.Context, chargePointID string, connectorID int, idTag string, meterStart int, timestamp time.Time) (Transaction, error) {
	result := m.policy.Authorize(ctx, idTag)
	if !result.Accepted() {
		m.stats.rejected.Add(1)
		m.logger.Infof("Transaction rejected for %s on %s-%d: id tag is %s", idTag, chargePointID, connectorID, result.Status)
		return Transaction{}, fmt.Errorf("%w: id tag %s is %s", ErrAuthorizationRejected, idTag, result.Status)
	}

	tx := &Transaction{
		ID:             m.lastID.Add(1),
		ChargePointID:  chargePointID,
		ConnectorID:    connectorID,
		IdTag:          idTag,
		MeterStart:     meterStart,
		StartTimestamp: timestamp.UTC(),
		Status:         StatusActive,
	}

	m.mutex.Lock()
	m.transactions[tx.ID] = tx
	snapshot := *tx
	m.mutex.Unlock()

	m.stats.started.Add(1)
	metrics.TransactionsStarted.Inc()
	m.logger.Infof("Transaction %d started for %s on %s-%d, meter_start=%d", snapshot.ID, idTag, chargePointID, connectorID, meterStart)

	m.publish(m.events.CreateTransactionStartedEvent(chargePointID, snapshot.Info()))
	return snapshot, nil
}

// Stop 停止交易，状态迁移只发生一次；持久化失败不回滚内存状态
func (m *Manager) Stop(ctx context.Context, transactionID int64, meterStop int, timestamp time.Time) (Transaction, error) {
	return m.stop(ctx, "", transactionID, meterStop, timestamp)
}

// StopOwned 同 Stop，但只允许开始该交易的充电桩停止它，否则返回 ErrNotOwner
func (m *Manager) StopOwned(ctx context.Context, chargePointID string, transactionID int64, meterStop int, timestamp time.Time) (Transaction, error) {
	return m.stop(ctx, chargePointID, transactionID, meterStop, timestamp)
}

func (m *Manager) stop(ctx context.Context, owner string, transactionID int64, meterStop int, timestamp time.Time) (Transaction, error) {
	m.mutex.Lock()
	tx, exists := m.transactions[transactionID]
	if !exists {
		m.mutex.Unlock()
		return Transaction{}, fmt.Errorf("%w: %d", ErrUnknownTransaction, transactionID)
	}
	if owner != "" && tx.ChargePointID != owner {
		m.mutex.Unlock()
		return Transaction{}, fmt.Errorf("%w: %d started on %s", ErrNotOwner, transactionID, tx.ChargePointID)
	}
	if tx.Status == StatusStopped {
		m.mutex.Unlock()
		return Transaction{}, fmt.Errorf("%w: %d", ErrAlreadyStopped, transactionID)
	}

	stopAt := timestamp.UTC()
	stopValue := meterStop
	tx.Status = StatusStopped
	tx.MeterStop = &stopValue
	tx.StopTimestamp = &stopAt
	snapshot := copyTransaction(tx)
	m.mutex.Unlock()

	m.stats.stopped.Add(1)
	metrics.TransactionsStopped.Inc()
	m.logger.Infof("Transaction %d stopped on %s, meter_stop=%d", transactionID, snapshot.ChargePointID, meterStop)

	m.publish(m.events.CreateTransactionStoppedEvent(snapshot.ChargePointID, snapshot.Info()))
	m.save(ctx, snapshot)
	return snapshot, nil
}

// Get 查询交易
func (m *Manager) Get(transactionID int64) (Transaction, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	tx, exists := m.transactions[transactionID]
	if !exists {
		return Transaction{}, fmt.Errorf("%w: %d", ErrNotFound, transactionID)
	}
	return copyTransaction(tx), nil
}

// ActiveFor 返回某充电桩仍处于Active的交易，按ID升序
func (m *Manager) ActiveFor(chargePointID string) []Transaction {
	m.mutex.RLock()
	result := make([]Transaction, 0)
	for _, tx := range m.transactions {
		if tx.ChargePointID == chargePointID && tx.Status == StatusActive {
			result = append(result, copyTransaction(tx))
		}
	}
	m.mutex.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// GetStats 获取统计信息
func (m *Manager) GetStats() ManagerStats {
	started := m.stats.started.Load()
	stopped := m.stats.stopped.Load()
	return ManagerStats{
		TotalStarted:           started,
		TotalStopped:           stopped,
		ActiveTransactions:     started - stopped,
		RejectedAuthorizations: m.stats.rejected.Load(),
		PersistenceFailures:    m.stats.failures.Load(),
	}
}

func (m *Manager) publish(event events.Event) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(event)
}

func (m *Manager) save(ctx context.Context, tx Transaction) {
	if m.store == nil {
		return
	}

	// 不继承会话的取消信号：连接断开不应中断已发生的持久化
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.SaveTimeout)
	defer cancel()

	if err := m.store.SaveTransaction(saveCtx, tx); err != nil {
		m.stats.failures.Add(1)
		metrics.PersistenceFailures.Inc()
		m.logger.Errorf("Failed to persist transaction %d: %v", tx.ID, err)
	}
}

func copyTransaction(tx *Transaction) Transaction {
	c := *tx
	if tx.MeterStop != nil {
		v := *tx.MeterStop
		c.MeterStop = &v
	}
	if tx.StopTimestamp != nil {
		v := *tx.StopTimestamp
		c.StopTimestamp = &v
	}
	return c
}
