package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion 事件元数据中的协议版本
const ProtocolVersion = "ocpp1.6"

// Event 广播给观察者的业务事件
type Event interface {
	// GetID 获取事件ID
	GetID() string
	// GetType 获取事件类型
	GetType() EventType
	// GetChargePointID 获取充电桩ID
	GetChargePointID() string
	// GetTimestamp 获取事件时间戳
	GetTimestamp() time.Time
	// GetSeverity 获取事件严重程度
	GetSeverity() EventSeverity
	// GetMessage 获取人类可读的通知文本
	GetMessage() string
	// GetPayload 获取事件载荷
	GetPayload() interface{}
	// ToJSON 序列化为JSON
	ToJSON() ([]byte, error)
}

// BaseEvent 基础事件结构
type BaseEvent struct {
	ID            string        `json:"id"`
	Type          EventType     `json:"type"`
	ChargePointID string        `json:"charge_point_id"`
	Timestamp     time.Time     `json:"timestamp"`
	Severity      EventSeverity `json:"severity"`
	Message       string        `json:"message"`
	Metadata      Metadata      `json:"metadata"`
}

// GetID 实现Event接口
func (e *BaseEvent) GetID() string {
	return e.ID
}

// GetType 实现Event接口
func (e *BaseEvent) GetType() EventType {
	return e.Type
}

// GetChargePointID 实现Event接口
func (e *BaseEvent) GetChargePointID() string {
	return e.ChargePointID
}

// GetTimestamp 实现Event接口
func (e *BaseEvent) GetTimestamp() time.Time {
	return e.Timestamp
}

// GetSeverity 实现Event接口
func (e *BaseEvent) GetSeverity() EventSeverity {
	return e.Severity
}

// GetMessage 实现Event接口
func (e *BaseEvent) GetMessage() string {
	return e.Message
}

// NewBaseEvent 创建基础事件
func NewBaseEvent(eventType EventType, chargePointID string, severity EventSeverity, metadata Metadata) *BaseEvent {
	return &BaseEvent{
		ID:            uuid.New().String(),
		Type:          eventType,
		ChargePointID: chargePointID,
		Timestamp:     time.Now().UTC(),
		Severity:      severity,
		Metadata:      metadata,
	}
}

// ChargePointConnectedEvent 充电桩连接事件
type ChargePointConnectedEvent struct {
	*BaseEvent
	RemoteAddr string `json:"remote_addr"`
}

// GetPayload 实现Event接口
func (e *ChargePointConnectedEvent) GetPayload() interface{} {
	return map[string]interface{}{"remote_addr": e.RemoteAddr}
}

// ToJSON 实现Event接口
func (e *ChargePointConnectedEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// ChargePointDisconnectedEvent 充电桩断开连接事件
type ChargePointDisconnectedEvent struct {
	*BaseEvent
	Reason string `json:"reason"`
}

// GetPayload 实现Event接口
func (e *ChargePointDisconnectedEvent) GetPayload() interface{} {
	return map[string]interface{}{"reason": e.Reason}
}

// ToJSON 实现Event接口
func (e *ChargePointDisconnectedEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// ChargePointRegisteredEvent 充电桩启动注册事件
type ChargePointRegisteredEvent struct {
	*BaseEvent
	ChargePointInfo ChargePointInfo `json:"charge_point_info"`
	Interval        int             `json:"interval"`
}

// GetPayload 实现Event接口
func (e *ChargePointRegisteredEvent) GetPayload() interface{} {
	return e.ChargePointInfo
}

// ToJSON 实现Event接口
func (e *ChargePointRegisteredEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// TransactionStartedEvent 交易开始事件
type TransactionStartedEvent struct {
	*BaseEvent
	TransactionInfo TransactionInfo `json:"transaction_info"`
}

// GetPayload 实现Event接口
func (e *TransactionStartedEvent) GetPayload() interface{} {
	return e.TransactionInfo
}

// ToJSON 实现Event接口
func (e *TransactionStartedEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// TransactionStoppedEvent 交易结束事件
type TransactionStoppedEvent struct {
	*BaseEvent
	TransactionInfo TransactionInfo `json:"transaction_info"`
}

// GetPayload 实现Event接口
func (e *TransactionStoppedEvent) GetPayload() interface{} {
	return e.TransactionInfo
}

// ToJSON 实现Event接口
func (e *TransactionStoppedEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// EventFactory 事件工厂，统一填充来源等元数据
type EventFactory struct {
	metadata Metadata
}

// NewEventFactory 创建事件工厂，source一般为网关实例ID
func NewEventFactory(source string) *EventFactory {
	return &EventFactory{
		metadata: Metadata{
			Source:          source,
			ProtocolVersion: ProtocolVersion,
		},
	}
}

// CreateChargePointConnectedEvent 创建充电桩连接事件
func (f *EventFactory) CreateChargePointConnectedEvent(chargePointID, remoteAddr string) *ChargePointConnectedEvent {
	base := NewBaseEvent(EventTypeChargePointConnected, chargePointID, EventSeverityInfo, f.metadata)
	base.Message = fmt.Sprintf("Charge point connected: charge_point_id=%s", chargePointID)
	return &ChargePointConnectedEvent{BaseEvent: base, RemoteAddr: remoteAddr}
}

// CreateChargePointDisconnectedEvent 创建充电桩断开事件
func (f *EventFactory) CreateChargePointDisconnectedEvent(chargePointID, reason string) *ChargePointDisconnectedEvent {
	base := NewBaseEvent(EventTypeChargePointDisconnected, chargePointID, EventSeverityWarning, f.metadata)
	base.Message = fmt.Sprintf("Charge point disconnected: charge_point_id=%s, reason=%s", chargePointID, reason)
	return &ChargePointDisconnectedEvent{BaseEvent: base, Reason: reason}
}

// CreateChargePointRegisteredEvent 创建充电桩启动注册事件
func (f *EventFactory) CreateChargePointRegisteredEvent(chargePointID string, info ChargePointInfo, interval int) *ChargePointRegisteredEvent {
	base := NewBaseEvent(EventTypeChargePointRegistered, chargePointID, EventSeverityInfo, f.metadata)
	base.Message = fmt.Sprintf("Boot notification: charge_point_id=%s, vendor=%s, model=%s", chargePointID, info.Vendor, info.Model)
	return &ChargePointRegisteredEvent{BaseEvent: base, ChargePointInfo: info, Interval: interval}
}

// CreateTransactionStartedEvent 创建交易开始事件
func (f *EventFactory) CreateTransactionStartedEvent(chargePointID string, info TransactionInfo) *TransactionStartedEvent {
	base := NewBaseEvent(EventTypeTransactionStarted, chargePointID, EventSeverityInfo, f.metadata)
	base.Message = fmt.Sprintf("Transaction started: transaction_id=%d, connector_id=%d, id_tag=%s, meter_start=%d, timestamp=%s",
		info.TransactionID, info.ConnectorID, info.IdTag, info.MeterStart, info.StartTimestamp.UTC().Format(time.RFC3339))
	return &TransactionStartedEvent{BaseEvent: base, TransactionInfo: info}
}

// CreateTransactionStoppedEvent 创建交易结束事件
func (f *EventFactory) CreateTransactionStoppedEvent(chargePointID string, info TransactionInfo) *TransactionStoppedEvent {
	base := NewBaseEvent(EventTypeTransactionStopped, chargePointID, EventSeverityInfo, f.metadata)
	meterStop := 0
	if info.MeterStop != nil {
		meterStop = *info.MeterStop
	}
	stopAt := ""
	if info.StopTimestamp != nil {
		stopAt = info.StopTimestamp.UTC().Format(time.RFC3339)
	}
	base.Message = fmt.Sprintf("Transaction stopped: transaction_id=%d, meter_stop=%d, timestamp=%s",
		info.TransactionID, meterStop, stopAt)
	return &TransactionStoppedEvent{BaseEvent: base, TransactionInfo: info}
}
