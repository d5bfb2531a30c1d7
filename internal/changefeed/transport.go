package changefeed

import (
	"github.com/nats-io/nats.go"

	imNats "sudooom.im.chat/internal/nats"
)

// Subscription 一个底层订阅
type Subscription interface {
	Unsubscribe() error
}

// Transport 变更事件的发布/订阅原语
// 同一订阅的回调按发布顺序串行调用
type Transport interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(subject string, data []byte)) (Subscription, error)
	OnDisconnect(fn func(err error))
}

// NATSTransport 基于 NATS core 的 Transport
type NATSTransport struct {
	client *imNats.Client
}

// NewNATSTransport 创建 NATS 传输
func NewNATSTransport(client *imNats.Client) *NATSTransport {
	return &NATSTransport{client: client}
}

// Publish 发布原始载荷
func (t *NATSTransport) Publish(subject string, data []byte) error {
	return t.client.Conn().Publish(subject, data)
}

// Subscribe 订阅 Subject，NATS 为每个订阅使用独立的投递协程，回调串行
func (t *NATSTransport) Subscribe(subject string, handler func(subject string, data []byte)) (Subscription, error) {
	sub, err := t.client.Conn().Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// OnDisconnect 注册断线回调
func (t *NATSTransport) OnDisconnect(fn func(err error)) {
	t.client.OnDisconnect(fn)
}

// Flush 等待已发布的消息被服务端确认
func (t *NATSTransport) Flush() error {
	return t.client.Conn().Flush()
}
