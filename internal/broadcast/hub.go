package broadcast

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/charging-platform/ocpp-gateway/internal/domain/events"
	"github.com/charging-platform/ocpp-gateway/internal/logger"
	"github.com/charging-platform/ocpp-gateway/internal/metrics"
	"github.com/google/uuid"
)

var (
	// ErrHubClosed 广播中心已关闭
	ErrHubClosed = errors.New("broadcast hub closed")
	// ErrObserverNotFound 观察者不存在
	ErrObserverNotFound = errors.New("observer not found")
)

// Transport 观察者的下游传输，Send可以阻塞，Close必须能让阻塞中的Send返回
type Transport interface {
	Send(event events.Event) error
	Close() error
}

// HubConfig 广播中心配置
type HubConfig struct {
	// 每个观察者的缓冲上限，满时丢弃最旧事件
	BufferSize int `json:"buffer_size"`
}

// DefaultHubConfig 默认配置
func DefaultHubConfig() *HubConfig {
	return &HubConfig{BufferSize: 128}
}

// ObserverStats 观察者统计
type ObserverStats struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Buffered  int    `json:"buffered"`
	Delivered int64  `json:"delivered"`
	Dropped   int64  `json:"dropped"`
}

// Hub 事件广播中心：Publish只做入队，每个观察者由独立协程写出
type Hub struct {
	observers map[string]*observer
	mutex     sync.RWMutex
	closed    bool

	config *HubConfig
	wg     sync.WaitGroup
	logger *logger.Logger
}

type observer struct {
	id        string
	name      string
	transport Transport

	buffer []events.Event
	limit  int
	mutex  sync.Mutex

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewHub 创建广播中心
func NewHub(config *HubConfig, log *logger.Logger) *Hub {
	if config == nil {
		config = DefaultHubConfig()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultHubConfig().BufferSize
	}
	if log == nil {
		log = logger.Nop()
	}

	return &Hub{
		observers: make(map[string]*observer),
		config:    config,
		logger:    log,
	}
}

// Subscribe 注册观察者并启动其写协程，返回观察者ID
func (h *Hub) Subscribe(name string, transport Transport) (string, error) {
	o := &observer{
		id:        uuid.NewString(),
		name:      name,
		transport: transport,
		buffer:    make([]events.Event, 0, h.config.BufferSize),
		limit:     h.config.BufferSize,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		return "", ErrHubClosed
	}
	h.observers[o.id] = o
	metrics.ActiveObservers.Set(float64(len(h.observers)))
	h.wg.Add(1)
	h.mutex.Unlock()

	go h.writeLoop(o)

	h.logger.Infof("Observer %s (%s) subscribed", o.id, name)
	return o.id, nil
}

// Unsubscribe 移除观察者并关闭其传输，幂等
func (h *Hub) Unsubscribe(id string) bool {
	h.mutex.Lock()
	o, exists := h.observers[id]
	if exists {
		delete(h.observers, id)
		metrics.ActiveObservers.Set(float64(len(h.observers)))
	}
	h.mutex.Unlock()

	if !exists {
		return false
	}

	o.stop()
	if err := o.transport.Close(); err != nil {
		h.logger.Debugf("Observer %s transport close: %v", id, err)
	}
	h.logger.Infof("Observer %s (%s) unsubscribed, delivered=%d dropped=%d", id, o.name, o.delivered.Load(), o.dropped.Load())
	return true
}

// Publish 投递事件到所有观察者缓冲区，不会阻塞
func (h *Hub) Publish(event events.Event) {
	if event == nil {
		return
	}

	h.mutex.RLock()
	targets := make([]*observer, 0, len(h.observers))
	for _, o := range h.observers {
		targets = append(targets, o)
	}
	h.mutex.RUnlock()

	for _, o := range targets {
		o.enqueue(event)
	}
	metrics.EventsPublished.WithLabelValues(string(event.GetType())).Inc()
}

// Len 当前观察者数量
func (h *Hub) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.observers)
}

// BufferLen 返回观察者缓冲区中的事件数
func (h *Hub) BufferLen(id string) (int, error) {
	h.mutex.RLock()
	o, exists := h.observers[id]
	h.mutex.RUnlock()
	if !exists {
		return 0, ErrObserverNotFound
	}

	o.mutex.Lock()
	defer o.mutex.Unlock()
	return len(o.buffer), nil
}

// Stats 所有观察者统计
func (h *Hub) Stats() []ObserverStats {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	stats := make([]ObserverStats, 0, len(h.observers))
	for _, o := range h.observers {
		o.mutex.Lock()
		buffered := len(o.buffer)
		o.mutex.Unlock()
		stats = append(stats, ObserverStats{
			ID:        o.id,
			Name:      o.name,
			Buffered:  buffered,
			Delivered: o.delivered.Load(),
			Dropped:   o.dropped.Load(),
		})
	}
	return stats
}

// Close 移除全部观察者并等待写协程退出
func (h *Hub) Close() {
	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		return
	}
	h.closed = true
	ids := make([]string, 0, len(h.observers))
	for id := range h.observers {
		ids = append(ids, id)
	}
	h.mutex.Unlock()

	for _, id := range ids {
		h.Unsubscribe(id)
	}
	h.wg.Wait()
	h.logger.Info("Broadcast hub closed")
}

func (h *Hub) writeLoop(o *observer) {
	defer h.wg.Done()

	for {
		select {
		case <-o.done:
			return
		case <-o.notify:
		}

		for {
			event, ok := o.dequeue()
			if !ok {
				break
			}
			if err := o.transport.Send(event); err != nil {
				h.logger.Warnf("Observer %s (%s) write failed, removing: %v", o.id, o.name, err)
				h.Unsubscribe(o.id)
				return
			}
			o.delivered.Add(1)

			select {
			case <-o.done:
				return
			default:
			}
		}
	}
}

// enqueue 缓冲区满时丢弃最旧事件后入队
func (o *observer) enqueue(event events.Event) {
	o.mutex.Lock()
	if len(o.buffer) >= o.limit {
		o.buffer[0] = nil
		o.buffer = o.buffer[1:]
		o.dropped.Add(1)
		metrics.EventsDropped.Inc()
	}
	o.buffer = append(o.buffer, event)
	o.mutex.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *observer) dequeue() (events.Event, bool) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if len(o.buffer) == 0 {
		return nil, false
	}
	event := o.buffer[0]
	o.buffer[0] = nil
	o.buffer = o.buffer[1:]
	return event, true
}

func (o *observer) stop() {
	o.closeOnce.Do(func() { close(o.done) })
}
