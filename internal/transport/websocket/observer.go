package websocket

import (
	"github.com/charging-platform/ocpp-gateway/internal/domain/events"
	"github.com/charging-platform/ocpp-gateway/internal/logger"
)

// ObserverTransport 把观察者连接适配为广播中心的下游传输
type ObserverTransport struct {
	wrapper *ConnectionWrapper
	logger  *logger.Logger
}

// NewObserverTransport 创建观察者传输
func NewObserverTransport(wrapper *ConnectionWrapper, log *logger.Logger) *ObserverTransport {
	if log == nil {
		log = logger.Nop()
	}
	return &ObserverTransport{wrapper: wrapper, logger: log}
}

// Send 序列化事件后阻塞入队；无法序列化的事件被跳过
func (t *ObserverTransport) Send(event events.Event) error {
	data, err := event.ToJSON()
	if err != nil {
		t.logger.Warnf("Skipping event %s for observer %s: %v", event.GetID(), t.wrapper.ID(), err)
		return nil
	}
	return t.wrapper.SendContext(t.wrapper.ctx, data)
}

// Close 关闭观察者连接，阻塞中的Send随之返回
func (t *ObserverTransport) Close() error {
	t.wrapper.Close("observer removed")
	return nil
}
