package events

import "time"

// EventType 事件类型
type EventType string

const (
	// 充电桩生命周期事件
	EventTypeChargePointConnected    EventType = "charge_point.connected"
	EventTypeChargePointDisconnected EventType = "charge_point.disconnected"
	EventTypeChargePointRegistered   EventType = "charge_point.registered"

	// 交易事件
	EventTypeTransactionStarted EventType = "transaction.started"
	EventTypeTransactionStopped EventType = "transaction.stopped"
)

// EventSeverity 事件严重程度
type EventSeverity string

const (
	EventSeverityInfo    EventSeverity = "info"
	EventSeverityWarning EventSeverity = "warning"
	EventSeverityError   EventSeverity = "error"
)

// Metadata 事件元数据
type Metadata struct {
	Source          string `json:"source"`
	ProtocolVersion string `json:"protocol_version"`
}

// ChargePointInfo 充电桩启动时上报的信息
type ChargePointInfo struct {
	Vendor          string  `json:"vendor"`
	Model           string  `json:"model"`
	SerialNumber    *string `json:"serial_number,omitempty"`
	FirmwareVersion *string `json:"firmware_version,omitempty"`
}

// TransactionInfo 交易信息，足以还原人类可读的通知
type TransactionInfo struct {
	TransactionID  int64      `json:"transaction_id"`
	ConnectorID    int        `json:"connector_id"`
	IdTag          string     `json:"id_tag"`
	MeterStart     int        `json:"meter_start"`
	StartTimestamp time.Time  `json:"start_timestamp"`
	MeterStop      *int       `json:"meter_stop,omitempty"`
	StopTimestamp  *time.Time `json:"stop_timestamp,omitempty"`
}
