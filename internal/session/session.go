package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"sudooom.im.chat/internal/changefeed"
	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/service"
	"sudooom.im.chat/internal/workerpool"
)

var (
	ErrNotStarted = errors.New("session not started")
	ErrClosed     = errors.New("session closed")
)

// Subscriber 变更订阅
type Subscriber interface {
	Subscribe(ctx context.Context, scope changefeed.Scope, mask changefeed.Mask) (*changefeed.Feed, error)
}

// Deps 会话依赖的服务
type Deps struct {
	Resolver *service.ConversationResolver
	Messages *service.MessageStore
	Typing   *service.TypingTracker
	Presence *service.PresenceTracker
	Unread   *service.UnreadAggregator
	Feeds    Subscriber
	Pool     *workerpool.Pool

	TypingTimeout time.Duration // 停止输入多久后发送"未输入"
}

// Callbacks 界面回调，可能在不同协程中调用，未设置的忽略
type Callbacks struct {
	OnUnread   func(counts map[int64]int)
	OnPresence func(profile model.Profile)
	OnMessages func(conversationID int64, messages []*model.Message)
	OnTyping   func(conversationID, peerID int64, typing bool)
	OnError    func(op string, err error)
}

func (c Callbacks) unread(counts map[int64]int) {
	if c.OnUnread != nil {
		c.OnUnread(counts)
	}
}

func (c Callbacks) presence(p model.Profile) {
	if c.OnPresence != nil {
		c.OnPresence(p)
	}
}

func (c Callbacks) messages(conversationID int64, msgs []*model.Message) {
	if c.OnMessages != nil {
		c.OnMessages(conversationID, msgs)
	}
}

func (c Callbacks) typing(conversationID, peerID int64, typing bool) {
	if c.OnTyping != nil {
		c.OnTyping(conversationID, peerID, typing)
	}
}

func (c Callbacks) fail(op string, err error) {
	if c.OnError != nil {
		c.OnError(op, err)
	}
}

// Session 一个已认证用户的客户端会话
// 从认证成功后的 Start 到登出时的 Close，当前用户身份显式传递给所有操作
type Session struct {
	userID   int64
	deviceID string
	deps     Deps
	cb       Callbacks
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	feed   *changefeed.Feed

	selectMu sync.Mutex // 串行化切换会话
	mu       sync.Mutex
	view     *ChatView
	unread   map[int64]int
	started  bool
	closed   bool
}

// New 创建会话
func New(userID int64, deviceID string, deps Deps, cb Callbacks) *Session {
	if deps.TypingTimeout <= 0 {
		deps.TypingTimeout = 2 * time.Second
	}
	return &Session{
		userID:   userID,
		deviceID: deviceID,
		deps:     deps,
		cb:       cb,
		logger:   slog.Default().With("userId", userID, "deviceId", deviceID),
		unread:   make(map[int64]int),
	}
}

// UserID 当前用户
func (s *Session) UserID() int64 {
	return s.userID
}

// Start 上线、订阅用户级变更并开始维护未读数
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	if _, err := s.deps.Presence.SetOnline(ctx, s.userID); err != nil {
		s.logger.Error("Failed to set presence online", "error", err)
		s.cb.fail("presence", err)
	}

	feed, err := s.deps.Feeds.Subscribe(s.ctx, changefeed.UserScope(s.userID), changefeed.UserMask())
	if err != nil {
		s.cancel()
		return err
	}
	s.feed = feed

	source := &messageSource{events: make(chan changefeed.Event, 16), feed: feed}

	s.wg.Add(3)
	go s.routeUserEvents(source)
	go s.watchUnread(source)
	go s.heartbeat()

	s.logger.Info("Session started")
	return nil
}

// messageSource 只包含消息事件的用户级事件流
type messageSource struct {
	events chan changefeed.Event
	feed   *changefeed.Feed
}

func (m *messageSource) Events() <-chan changefeed.Event { return m.events }
func (m *messageSource) Err() error                      { return m.feed.Err() }

// routeUserEvents 资料事件交给界面，消息事件交给未读数汇总
func (s *Session) routeUserEvents(source *messageSource) {
	defer s.wg.Done()
	defer close(source.events)

	handlers := changefeed.Handlers{
		ProfileChanged: func(e changefeed.ProfileChanged) {
			if e.Profile.ID != s.userID {
				s.cb.presence(e.Profile)
			}
		},
	}

	for ev := range s.feed.Events() {
		if changefeed.Table(ev) != changefeed.TableMessages {
			handlers.Dispatch(ev)
			continue
		}
		select {
		case source.events <- ev:
		case <-s.ctx.Done():
			return
		}
	}

	if err := s.feed.Err(); err != nil {
		s.logger.Warn("User feed lost, real-time state is stale until reconnect", "error", err)
		s.cb.fail("subscribe", err)
	}
}

func (s *Session) watchUnread(source *messageSource) {
	defer s.wg.Done()

	err := s.deps.Unread.Watch(s.ctx, s.userID, source, func(counts map[int64]int) {
		s.mu.Lock()
		s.unread = counts
		s.mu.Unlock()
		s.cb.unread(counts)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("Unread watch stopped", "error", err)
	}
}

func (s *Session) heartbeat() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.deps.Presence.TTL() / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.deps.Presence.Heartbeat(s.ctx, s.userID); err != nil {
				s.logger.Warn("Failed to refresh presence heartbeat", "error", err)
			}
		}
	}
}

// Unread 最近一次计算的未读数副本
func (s *Session) Unread() map[int64]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[int64]int, len(s.unread))
	for peer, n := range s.unread {
		counts[peer] = n
	}
	return counts
}

// View 当前打开的会话视图，可能为 nil
func (s *Session) View() *ChatView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// SelectPeer 切换到与 peerID 的会话，必须在 Start 之后调用
// 先关闭上一个视图（同步写"未输入"、取消订阅），再解析并订阅新会话，同一时刻只有一组会话订阅
func (s *Session) SelectPeer(ctx context.Context, peerID int64) (*ChatView, error) {
	s.selectMu.Lock()
	defer s.selectMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if !s.started {
		s.mu.Unlock()
		return nil, ErrNotStarted
	}
	prev := s.view
	s.view = nil
	s.mu.Unlock()

	if prev != nil {
		prev.Close(ctx)
	}

	view, err := openView(ctx, s, peerID)
	if err != nil {
		s.logger.Error("Failed to open conversation", "peerId", peerID, "error", err)
		s.cb.fail("open", err)
		return nil, err
	}

	s.mu.Lock()
	s.view = view
	s.mu.Unlock()
	return view, nil
}

// Deselect 关闭当前视图
func (s *Session) Deselect(ctx context.Context) {
	s.selectMu.Lock()
	defer s.selectMu.Unlock()

	s.mu.Lock()
	view := s.view
	s.view = nil
	s.mu.Unlock()

	if view != nil {
		view.Close(ctx)
	}
}

// Close 登出：关闭视图、停止订阅、标记离线，可重复调用
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	s.Deselect(ctx)
	if !started {
		return
	}

	s.cancel()
	if s.feed != nil {
		s.feed.Close()
	}
	s.wg.Wait()

	if _, err := s.deps.Presence.SetOffline(ctx, s.userID); err != nil {
		s.logger.Error("Failed to set presence offline", "error", err)
	}
	s.logger.Info("Session closed")
}
