package message

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/charging-platform/ocpp-gateway/internal/logger"
	"github.com/charging-platform/ocpp-gateway/internal/metrics"
)

// KafkaConsumer 消费下行指令主题
type KafkaConsumer struct {
	consumerGroup SaramaConsumerGroup
	topic         string
	podID         string // 当前 Pod 的唯一标识
	partitionNum  int    // 主题的总分区数，<=0 表示处理所有分区
	handler       CommandHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *logger.Logger
}

// NewKafkaConsumer 创建消费者组
func NewKafkaConsumer(brokers []string, groupID, topic, podID string, partitionNum int, log *logger.Logger) (*KafkaConsumer, error) {
	if log == nil {
		log = logger.Nop()
	}

	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRange()
	config.Consumer.Group.Session.Timeout = 10 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 3 * time.Second

	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Sarama consumer group: %w", err)
	}

	go func() {
		for err := range consumerGroup.Errors() {
			log.Errorf("Sarama consumer group error: %v", err)
		}
	}()

	return NewKafkaConsumerWithGroup(consumerGroup, topic, podID, partitionNum, log), nil
}

// NewKafkaConsumerWithGroup 注入消费者组，便于测试
func NewKafkaConsumerWithGroup(group SaramaConsumerGroup, topic, podID string, partitionNum int, log *logger.Logger) *KafkaConsumer {
	if log == nil {
		log = logger.Nop()
	}
	return &KafkaConsumer{
		consumerGroup: group,
		topic:         topic,
		podID:         podID,
		partitionNum:  partitionNum,
		logger:        log,
	}
}

// Start 启动消费循环
func (c *KafkaConsumer) Start(handler CommandHandler) error {
	if handler == nil {
		return fmt.Errorf("command handler is required")
	}
	c.handler = handler

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// Consume 在一次rebalance周期内阻塞
			if err := c.consumerGroup.Consume(ctx, []string{c.topic}, c); err != nil {
				c.logger.Errorf("Error from Kafka consumer group: %v", err)
			}
			if ctx.Err() != nil {
				c.logger.Infof("Kafka consumer context cancelled, stopping consumption.")
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()

	c.logger.Infof("Kafka consumer started: topic=%s pod=%s", c.topic, c.podID)
	return nil
}

// Close 关闭消费者
func (c *KafkaConsumer) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	var err error
	if c.consumerGroup != nil {
		err = c.consumerGroup.Close()
	}
	c.wg.Wait()
	return err
}

// ownsPartition 按podID哈希选择本实例负责的分区
func (c *KafkaConsumer) ownsPartition(partition int32) bool {
	if c.partitionNum <= 0 {
		return true
	}
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(c.podID))
	return int32(hasher.Sum32()%uint32(c.partitionNum)) == partition
}

// -- sarama.ConsumerGroupHandler 接口实现 --

func (c *KafkaConsumer) Setup(sarama.ConsumerGroupSession) error {
	c.logger.Info("Kafka consumer group setup completed.")
	return nil
}

func (c *KafkaConsumer) Cleanup(sarama.ConsumerGroupSession) error {
	c.logger.Info("Kafka consumer group cleanup completed.")
	return nil
}

// ConsumeClaim 是核心消费逻辑
func (c *KafkaConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	if !c.ownsPartition(claim.Partition()) {
		c.logger.Debugf("Pod %s skipping partition %d", c.podID, claim.Partition())
		return nil
	}
	c.logger.Infof("Pod %s consuming messages from partition %d", c.podID, claim.Partition())

	for message := range claim.Messages() {
		c.handleMessage(session, message)
		// 总是标记消息，即使处理失败，以避免重复消费
		session.MarkMessage(message, "")
	}
	return nil
}

func (c *KafkaConsumer) handleMessage(session sarama.ConsumerGroupSession, message *sarama.ConsumerMessage) {
	var cmd Command
	if err := json.Unmarshal(message.Value, &cmd); err != nil {
		c.logger.Errorf("Failed to unmarshal Kafka message: %v, message: %s", err, string(message.Value))
		return
	}
	if cmd.ChargePointID == "" || cmd.CommandName == "" {
		c.logger.Warnf("Ignoring command without charge_point_id or command_name at offset %d", message.Offset)
		return
	}

	metrics.CommandsConsumed.WithLabelValues(cmd.CommandName).Inc()
	if err := c.handler(session.Context(), &cmd); err != nil {
		c.logger.Warnf("Command %s for %s not dispatched: %v", cmd.CommandName, cmd.ChargePointID, err)
		return
	}

	c.logger.Debugf("Message consumed: Topic=%s, Partition=%d, Offset=%d, Key=%s",
		message.Topic, message.Partition, message.Offset, string(message.Key))
}
