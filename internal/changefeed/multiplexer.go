package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	appErrors "sudooom.im.chat/pkg/errors"
)

// Ops 事件类型掩码
type Ops uint8

const (
	OpInsert Ops = 1 << iota
	OpUpdate
	OpDelete

	OpAll = OpInsert | OpUpdate | OpDelete
)

func (o Ops) allows(kind EventKind) bool {
	switch kind {
	case KindInsert:
		return o&OpInsert != 0
	case KindUpdate:
		return o&OpUpdate != 0
	case KindDelete:
		return o&OpDelete != 0
	}
	return false
}

// Mask 每张表关心的事件类型
type Mask struct {
	Messages Ops
	Typing   Ops
	Profiles Ops
}

// ConversationMask 会话视图：消息 INSERT/UPDATE，输入状态全部
func ConversationMask() Mask {
	return Mask{Messages: OpInsert | OpUpdate, Typing: OpAll}
}

// UserMask 用户级：消息全部，资料全部
func UserMask() Mask {
	return Mask{Messages: OpAll, Profiles: OpAll}
}

func (m Mask) allows(ev Event) bool {
	switch Table(ev) {
	case TableMessages:
		return m.Messages.allows(ev.Kind())
	case TableTyping:
		return m.Typing.allows(ev.Kind())
	case TableProfiles:
		return m.Profiles.allows(ev.Kind())
	}
	return false
}

// ScopeKind 订阅作用域类型
type ScopeKind int

const (
	ScopeConversation ScopeKind = iota + 1
	ScopeUser
)

// Scope 订阅作用域
type Scope struct {
	Kind ScopeKind
	ID   int64 // 会话 ID 或用户 ID
}

// ConversationScope 单个会话
func ConversationScope(conversationID int64) Scope {
	return Scope{Kind: ScopeConversation, ID: conversationID}
}

// UserScope 用户级作用域，消息不按会话过滤
func UserScope(userID int64) Scope {
	return Scope{Kind: ScopeUser, ID: userID}
}

func (s Scope) String() string {
	switch s.Kind {
	case ScopeConversation:
		return fmt.Sprintf("conversation:%d", s.ID)
	case ScopeUser:
		return fmt.Sprintf("user:%d", s.ID)
	}
	return "invalid"
}

func (s Scope) subject() string {
	if s.Kind == ScopeConversation {
		return BuildConversationSubject(s.ID)
	}
	return SubjectAll
}

func (s Scope) accepts(ev Event) bool {
	if s.Kind == ScopeConversation {
		return ConversationID(ev) == s.ID
	}
	return true
}

// ErrSlowConsumer Feed 的使用方没有及时读取事件
var ErrSlowConsumer = errors.New("changefeed: feed buffer full")

// Multiplexer 变更订阅复用器
// 每个 Feed 对应传输层上的一个订阅，订阅从当前时刻开始，不可续订历史
type Multiplexer struct {
	transport Transport
	buffer    int
	logger    *slog.Logger

	mu    sync.Mutex
	feeds map[*Feed]struct{}
}

// NewMultiplexer 创建复用器，buffer 为每个 Feed 的事件缓冲
func NewMultiplexer(transport Transport, buffer int) *Multiplexer {
	if buffer <= 0 {
		buffer = 128
	}
	m := &Multiplexer{
		transport: transport,
		buffer:    buffer,
		logger:    slog.Default(),
		feeds:     make(map[*Feed]struct{}),
	}
	transport.OnDisconnect(m.failAll)
	return m
}

// Subscribe 订阅作用域内的变更，ctx 结束时 Feed 自动关闭
func (m *Multiplexer) Subscribe(ctx context.Context, scope Scope, mask Mask) (*Feed, error) {
	if scope.ID <= 0 || (scope.Kind != ScopeConversation && scope.Kind != ScopeUser) {
		return nil, appErrors.ErrValidation.WithMessage("invalid subscription scope")
	}

	feed := &Feed{
		scope:      scope,
		mask:       mask,
		events:     make(chan Event, m.buffer),
		done:       make(chan struct{}),
		logger:     m.logger.With("scope", scope.String()),
		unregister: m.unregister,
	}

	sub, err := m.transport.Subscribe(scope.subject(), feed.handle)
	if err != nil {
		return nil, appErrors.ErrTransport.Wrap(err)
	}
	feed.sub = sub

	m.mu.Lock()
	m.feeds[feed] = struct{}{}
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			feed.Close()
		case <-feed.done:
		}
	}()

	m.logger.Debug("Feed subscribed", "scope", scope.String(), "subject", scope.subject())
	return feed, nil
}

// Active 当前打开的 Feed 数量
func (m *Multiplexer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.feeds)
}

// Close 关闭所有 Feed
func (m *Multiplexer) Close() {
	for _, feed := range m.snapshot() {
		feed.Close()
	}
}

func (m *Multiplexer) snapshot() []*Feed {
	m.mu.Lock()
	defer m.mu.Unlock()
	feeds := make([]*Feed, 0, len(m.feeds))
	for feed := range m.feeds {
		feeds = append(feeds, feed)
	}
	return feeds
}

func (m *Multiplexer) unregister(feed *Feed) {
	m.mu.Lock()
	delete(m.feeds, feed)
	m.mu.Unlock()
}

// failAll 传输断开：所有 Feed 标记为失效并关闭，不自动重订阅
func (m *Multiplexer) failAll(cause error) {
	feeds := m.snapshot()
	if len(feeds) > 0 {
		m.logger.Warn("Transport lost, closing feeds", "count", len(feeds), "error", cause)
	}
	for _, feed := range feeds {
		feed.fail(cause)
	}
}

// Feed 一个作用域的有序事件流
type Feed struct {
	scope      Scope
	mask       Mask
	events     chan Event
	done       chan struct{}
	sub        Subscription
	logger     *slog.Logger
	unregister func(*Feed)

	closeOnce sync.Once
	mu        sync.RWMutex // 保护 events 的关闭
	closed    bool

	errMu sync.Mutex
	err   error
}

// Events 事件通道，Feed 关闭后通道关闭
func (f *Feed) Events() <-chan Event {
	return f.events
}

// Done Feed 关闭时关闭
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

// Scope 返回订阅作用域
func (f *Feed) Scope() Scope {
	return f.scope
}

// Err 传输断开导致关闭时返回 ErrTransport，正常关闭返回 nil
func (f *Feed) Err() error {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	return f.err
}

// Close 取消订阅并关闭事件通道，可重复调用
func (f *Feed) Close() {
	f.close(nil)
}

func (f *Feed) fail(cause error) {
	if cause == nil {
		cause = errors.New("transport disconnected")
	}
	f.close(appErrors.ErrTransport.Wrap(cause))
}

func (f *Feed) close(cause error) {
	f.closeOnce.Do(func() {
		f.errMu.Lock()
		f.err = cause
		f.errMu.Unlock()

		close(f.done)

		if f.sub != nil {
			if err := f.sub.Unsubscribe(); err != nil {
				f.logger.Warn("Failed to unsubscribe", "error", err)
			}
		}

		// 等待正在投递的回调退出后再关闭通道
		f.mu.Lock()
		f.closed = true
		close(f.events)
		f.mu.Unlock()

		if f.unregister != nil {
			f.unregister(f)
		}
		f.logger.Debug("Feed closed", "failed", cause != nil)
	})
}

// handle 传输层回调，同一订阅内串行调用
func (f *Feed) handle(subject string, data []byte) {
	var ce ChangeEvent
	if err := json.Unmarshal(data, &ce); err != nil {
		f.logger.Warn("Failed to unmarshal change event", "subject", subject, "error", err)
		return
	}

	ev, err := Decode(ce)
	if err != nil {
		if errors.Is(err, ErrUnsupportedEvent) {
			f.logger.Debug("Ignoring change event", "subject", subject, "error", err)
		} else {
			f.logger.Warn("Failed to decode change event", "subject", subject, "error", err)
		}
		return
	}

	if !f.mask.allows(ev) || !f.scope.accepts(ev) {
		return
	}

	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return
	}
	select {
	case f.events <- ev:
		f.mu.RUnlock()
		return
	default:
	}
	f.mu.RUnlock()

	// 缓冲已满时不阻塞传输层回调，与 NATS slow consumer 一样关闭订阅，由使用方重新打开
	f.logger.Warn("Feed buffer full, closing subscription", "subject", subject, "buffer", cap(f.events))
	f.fail(ErrSlowConsumer)
}
