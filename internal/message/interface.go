package message

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
	"github.com/charging-platform/ocpp-gateway/internal/domain/events"
)

// EventProducer 定义了向消息队列发布统一业务事件的接口
type EventProducer interface {
	// PublishEvent 异步发布一个事件
	PublishEvent(event events.Event) error
	// Close 关闭生产者
	Close() error
}

// Command 下行指令，由业务系统写入指令主题
type Command struct {
	ChargePointID string          `json:"charge_point_id"`
	CommandName   string          `json:"command_name"`
	MessageID     string          `json:"message_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
}

// CommandHandler 处理一条下行指令，不应长时间阻塞
type CommandHandler func(ctx context.Context, cmd *Command) error

// SaramaConsumerGroup sarama.ConsumerGroup 的最小子集，便于测试替换
type SaramaConsumerGroup interface {
	Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error
	Close() error
}
