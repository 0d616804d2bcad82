package message

import (
	"time"

	"github.com/charging-platform/ocpp-gateway/internal/domain/events"
)

// IntegrationEvent 写入上行主题的对接格式
type IntegrationEvent struct {
	EventID       string      `json:"eventId"`
	EventType     string      `json:"eventType"`
	ChargePointID string      `json:"chargePointId"`
	GatewayID     string      `json:"gatewayId"`
	Timestamp     string      `json:"timestamp"`
	Severity      string      `json:"severity"`
	Message       string      `json:"message"`
	Payload       interface{} `json:"payload"`
}

// IntegrationEventConverter 内部事件到对接格式的转换器
type IntegrationEventConverter struct {
	gatewayID string
}

// NewIntegrationEventConverter 创建转换器
func NewIntegrationEventConverter(gatewayID string) *IntegrationEventConverter {
	return &IntegrationEventConverter{gatewayID: gatewayID}
}

// ConvertToIntegrationFormat 转换为对接格式
func (c *IntegrationEventConverter) ConvertToIntegrationFormat(event events.Event) *IntegrationEvent {
	return &IntegrationEvent{
		EventID:       event.GetID(),
		EventType:     string(event.GetType()),
		ChargePointID: event.GetChargePointID(),
		GatewayID:     c.gatewayID,
		Timestamp:     event.GetTimestamp().UTC().Format(time.RFC3339Nano),
		Severity:      string(event.GetSeverity()),
		Message:       event.GetMessage(),
		Payload:       event.GetPayload(),
	}
}
