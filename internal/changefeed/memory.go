package changefeed

import (
	"errors"
	"strings"
	"sync"
)

var ErrTransportClosed = errors.New("changefeed: transport closed")

// MemoryTransport 进程内传输，Subject 通配规则与 NATS 相同（* 匹配一段，> 匹配剩余）
// Publish 在调用方协程中同步投递
type MemoryTransport struct {
	mu           sync.Mutex
	subs         map[*memorySubscription]struct{}
	onDisconnect []func(err error)
	closed       bool
}

// NewMemoryTransport 创建进程内传输
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[*memorySubscription]struct{})}
}

type memorySubscription struct {
	transport *MemoryTransport
	pattern   []string
	handler   func(subject string, data []byte)
	mu        sync.Mutex // 串行化同一订阅的回调
}

func (s *memorySubscription) Unsubscribe() error {
	s.transport.mu.Lock()
	delete(s.transport.subs, s)
	s.transport.mu.Unlock()
	return nil
}

// Publish 投递给所有匹配的订阅
func (t *MemoryTransport) Publish(subject string, data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	tokens := strings.Split(subject, ".")
	var matched []*memorySubscription
	for sub := range t.subs {
		if matchSubject(sub.pattern, tokens) {
			matched = append(matched, sub)
		}
	}
	t.mu.Unlock()

	for _, sub := range matched {
		sub.mu.Lock()
		sub.handler(subject, data)
		sub.mu.Unlock()
	}
	return nil
}

// Subscribe 订阅 Subject 或通配
func (t *MemoryTransport) Subscribe(subject string, handler func(subject string, data []byte)) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	sub := &memorySubscription{
		transport: t,
		pattern:   strings.Split(subject, "."),
		handler:   handler,
	}
	t.subs[sub] = struct{}{}
	return sub, nil
}

// OnDisconnect 注册断线回调
func (t *MemoryTransport) OnDisconnect(fn func(err error)) {
	t.mu.Lock()
	t.onDisconnect = append(t.onDisconnect, fn)
	t.mu.Unlock()
}

// Subscriptions 当前订阅数量
func (t *MemoryTransport) Subscriptions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Disconnect 模拟连接断开：通知回调并拒绝后续操作
func (t *MemoryTransport) Disconnect(cause error) {
	t.mu.Lock()
	t.closed = true
	handlers := make([]func(error), len(t.onDisconnect))
	copy(handlers, t.onDisconnect)
	t.mu.Unlock()

	for _, fn := range handlers {
		fn(cause)
	}
}

func matchSubject(pattern, tokens []string) bool {
	for i, p := range pattern {
		if p == ">" {
			return len(tokens) > i
		}
		if i >= len(tokens) {
			return false
		}
		if p != "*" && p != tokens[i] {
			return false
		}
	}
	return len(pattern) == len(tokens)
}
