package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/charging-platform/ocpp-gateway/internal/broadcast"
	"github.com/charging-platform/ocpp-gateway/internal/domain/events"
	"github.com/charging-platform/ocpp-gateway/internal/logger"
)

// ErrProducerClosed 生产者已关闭
var ErrProducerClosed = errors.New("kafka producer closed")

// KafkaProducer 将事件异步写入上行主题，同时作为广播中心的一个观察者
type KafkaProducer struct {
	producer  sarama.AsyncProducer
	topic     string
	converter *IntegrationEventConverter

	// 写Input期间持有读锁，关闭底层生产者前取写锁
	inputMu   sync.RWMutex
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup

	logger *logger.Logger
}

var (
	_ EventProducer       = (*KafkaProducer)(nil)
	_ broadcast.Transport = (*KafkaProducer)(nil)
)

// NewProducerConfig 生产者配置
func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal       // 只等待本地确认
	config.Producer.Compression = sarama.CompressionSnappy   // 压缩
	config.Producer.Flush.Frequency = 500 * time.Millisecond // 刷新频率
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	return config
}

// NewKafkaProducer 创建一个新的 KafkaProducer
func NewKafkaProducer(brokers []string, topic, gatewayID string, log *logger.Logger) (*KafkaProducer, error) {
	producer, err := sarama.NewAsyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka async producer: %w", err)
	}
	return NewKafkaProducerWithAsync(producer, topic, gatewayID, log), nil
}

// NewKafkaProducerWithAsync 使用已有的AsyncProducer，便于测试注入
func NewKafkaProducerWithAsync(producer sarama.AsyncProducer, topic, gatewayID string, log *logger.Logger) *KafkaProducer {
	if log == nil {
		log = logger.Nop()
	}

	kp := &KafkaProducer{
		producer:  producer,
		topic:     topic,
		converter: NewIntegrationEventConverter(gatewayID),
		closed:    make(chan struct{}),
		logger:    log,
	}

	// 启动 goroutine 处理成功和失败的 Kafka 消息
	kp.wg.Add(2)
	go kp.handleSuccesses()
	go kp.handleErrors()

	return kp
}

// PublishEvent 序列化为对接格式并写入主题，按充电桩ID分区
func (p *KafkaProducer) PublishEvent(event events.Event) error {
	data, err := json.Marshal(p.converter.ConvertToIntegrationFormat(event))
	if err != nil {
		return fmt.Errorf("failed to marshal event to JSON: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.GetChargePointID()),
		Value: sarama.ByteEncoder(data),
	}

	p.inputMu.RLock()
	defer p.inputMu.RUnlock()

	select {
	case <-p.closed:
		return ErrProducerClosed
	default:
	}

	select {
	case <-p.closed:
		return ErrProducerClosed
	case p.producer.Input() <- msg:
		return nil
	}
}

// Send 广播中心的传输接口
func (p *KafkaProducer) Send(event events.Event) error {
	err := p.PublishEvent(event)
	if errors.Is(err, ErrProducerClosed) {
		return err
	}
	if err != nil {
		// 单个事件无法序列化不应让整个上行通道被移除
		p.logger.Errorf("Dropping event %s for %s: %v", event.GetID(), event.GetChargePointID(), err)
	}
	return nil
}

// Close 关闭生产者并等待回执协程退出
func (p *KafkaProducer) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.inputMu.Lock()
		defer p.inputMu.Unlock()
		if err := p.producer.Close(); err != nil {
			p.closeErr = fmt.Errorf("failed to close Kafka producer: %w", err)
		}
		p.wg.Wait()
	})
	return p.closeErr
}

func (p *KafkaProducer) handleSuccesses() {
	defer p.wg.Done()
	for msg := range p.producer.Successes() {
		p.logger.Debugf("Kafka message sent successfully: topic=%s partition=%d offset=%d", msg.Topic, msg.Partition, msg.Offset)
	}
}

func (p *KafkaProducer) handleErrors() {
	defer p.wg.Done()
	for err := range p.producer.Errors() {
		p.logger.Errorf("Failed to send Kafka message to %s: %v", err.Msg.Topic, err.Err)
	}
}
