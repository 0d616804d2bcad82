package transaction

import (
	"context"
	"errors"
	"time"

	"github.com/charging-platform/ocpp-gateway/internal/domain/events"
)

var (
	// ErrAuthorizationRejected idTag未通过授权，未分配交易ID
	ErrAuthorizationRejected = errors.New("authorization rejected")
	// ErrUnknownTransaction 停止一个从未分配过的交易ID
	ErrUnknownTransaction = errors.New("unknown transaction")
	// ErrAlreadyStopped 交易已停止，Active->Stopped只能发生一次
	ErrAlreadyStopped = errors.New("transaction already stopped")
	// ErrNotOwner 交易由其他充电桩开始
	ErrNotOwner = errors.New("transaction belongs to another charge point")
	// ErrNotFound 查询的交易不存在
	ErrNotFound = errors.New("transaction not found")
)

// Status 交易状态
type Status string

const (
	StatusActive  Status = "Active"
	StatusStopped Status = "Stopped"
)

// Transaction 交易记录，对外总是以值拷贝返回
type Transaction struct {
	ID             int64      `json:"id"`
	ChargePointID  string     `json:"charge_point_id"`
	ConnectorID    int        `json:"connector_id"`
	IdTag          string     `json:"id_tag"`
	MeterStart     int        `json:"meter_start"`
	StartTimestamp time.Time  `json:"start_timestamp"`
	Status         Status     `json:"status"`
	MeterStop      *int       `json:"meter_stop,omitempty"`
	StopTimestamp  *time.Time `json:"stop_timestamp,omitempty"`
}

// Info 转换为事件载荷
func (t Transaction) Info() events.TransactionInfo {
	return events.TransactionInfo{
		TransactionID:  t.ID,
		ConnectorID:    t.ConnectorID,
		IdTag:          t.IdTag,
		MeterStart:     t.MeterStart,
		StartTimestamp: t.StartTimestamp,
		MeterStop:      t.MeterStop,
		StopTimestamp:  t.StopTimestamp,
	}
}

// Store 外部持久化接口，每次成功Stop后调用
type Store interface {
	SaveTransaction(ctx context.Context, tx Transaction) error
}

// EventPublisher 事件发布接口，由广播中心实现，调用不得阻塞
type EventPublisher interface {
	Publish(event events.Event)
}

// ManagerStats 交易统计
type ManagerStats struct {
	TotalStarted           int64 `json:"total_started"`
	TotalStopped           int64 `json:"total_stopped"`
	ActiveTransactions     int64 `json:"active_transactions"`
	RejectedAuthorizations int64 `json:"rejected_authorizations"`
	PersistenceFailures    int64 `json:"persistence_failures"`
}
