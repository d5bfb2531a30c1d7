package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"sudooom.im.chat/internal/changefeed"
	"sudooom.im.chat/internal/model"
)

// ChatView 当前打开的会话，独占该会话的订阅
// 本地消息按 id 合并：已存在则原地替换，否则按创建顺序插入；已读状态只会前进
type ChatView struct {
	s      *Session
	conv   *model.Conversation
	peerID int64
	feed   *changefeed.Feed
	done   chan struct{}
	logger *slog.Logger

	mu         sync.Mutex
	messages   []*model.Message
	peerTyping bool
	staleTimer *time.Timer
	staleGen   uint64
	closed     bool

	typingMu    sync.Mutex // 串行化本地输入状态写入
	typing      bool
	typingTimer *time.Timer
	typingGen   uint64
	closeOnce   sync.Once
}

// openView 解析会话 → 订阅 → 加载历史 → 逐条标记已读
// 先订阅再加载，两者之间产生的变更通过 id 合并去重
func openView(ctx context.Context, s *Session, peerID int64) (*ChatView, error) {
	conv, err := s.deps.Resolver.Resolve(ctx, s.userID, peerID)
	if err != nil {
		return nil, err
	}

	feed, err := s.deps.Feeds.Subscribe(s.ctx, changefeed.ConversationScope(conv.ID), changefeed.ConversationMask())
	if err != nil {
		return nil, err
	}

	v := &ChatView{
		s:      s,
		conv:   conv,
		peerID: peerID,
		feed:   feed,
		done:   make(chan struct{}),
		logger: s.logger.With("conversationId", conv.ID, "peerId", peerID),
	}

	history, err := s.deps.Messages.LoadHistory(ctx, s.userID, conv.ID, model.HistoryQuery{})
	if err != nil {
		feed.Close()
		return nil, err
	}
	v.merge(history...)

	// 已读回执在本视图打开时同步完成，再开始处理实时事件
	v.merge(s.deps.Messages.MarkHistoryRead(ctx, s.userID, history)...)

	go v.run()

	v.logger.Info("Conversation opened", "history", len(history))
	return v, nil
}

// Conversation 会话记录
func (v *ChatView) Conversation() *model.Conversation {
	return v.conv
}

// PeerID 对端用户
func (v *ChatView) PeerID() int64 {
	return v.peerID
}

// Messages 当前本地消息的副本，按创建顺序
func (v *ChatView) Messages() []*model.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

// PeerTyping 对端是否正在输入
func (v *ChatView) PeerTyping() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.peerTyping
}

// Done 事件循环退出（视图关闭或订阅断开）时关闭
func (v *ChatView) Done() <-chan struct{} {
	return v.done
}

// Err 订阅因传输断开而失效时返回 ErrTransport
func (v *ChatView) Err() error {
	return v.feed.Err()
}

func (v *ChatView) snapshotLocked() []*model.Message {
	out := make([]*model.Message, len(v.messages))
	for i, msg := range v.messages {
		cp := *msg
		out[i] = &cp
	}
	return out
}

func (v *ChatView) run() {
	defer close(v.done)

	handlers := changefeed.Handlers{
		MessageInserted: func(e changefeed.MessageInserted) {
			msg := e.Message
			v.merge(&msg)
			if msg.IsUnreadFor(v.s.userID) {
				v.markReadAsync(msg.ID)
			}
		},
		MessageUpdated: func(e changefeed.MessageUpdated) {
			msg := e.Message
			v.merge(&msg)
		},
		TypingChanged: func(e changefeed.TypingChanged) {
			if e.Indicator.UserID == v.s.userID {
				return
			}
			indicator := e.Indicator
			v.setPeerTyping(v.s.deps.Typing.IsActive(&indicator))
		},
	}

	for ev := range v.feed.Events() {
		handlers.Dispatch(ev)
	}

	if err := v.feed.Err(); err != nil {
		v.logger.Warn("Conversation feed lost, view is stale until reopened", "error", err)
		v.s.cb.fail("subscribe", err)
	}
}

// merge 按 id 合并消息
func (v *ChatView) merge(msgs ...*model.Message) {
	if len(msgs) == 0 {
		return
	}

	v.mu.Lock()
	changed := false
	for _, incoming := range msgs {
		if incoming == nil || incoming.ConversationID != v.conv.ID {
			continue
		}
		msg := *incoming
		if i := v.indexLocked(msg.ID); i >= 0 {
			existing := v.messages[i]
			// 乱序到达的旧事件不能把已读改回未读
			if existing.ReadAt != nil && msg.ReadAt == nil {
				msg.ReadAt = existing.ReadAt
				msg.IsRead = true
			}
			v.messages[i] = &msg
		} else {
			v.insertLocked(&msg)
		}
		changed = true
	}
	var snapshot []*model.Message
	if changed {
		snapshot = v.snapshotLocked()
	}
	v.mu.Unlock()

	if changed {
		v.s.cb.messages(v.conv.ID, snapshot)
	}
}

func (v *ChatView) indexLocked(id int64) int {
	for i := len(v.messages) - 1; i >= 0; i-- {
		if v.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (v *ChatView) insertLocked(msg *model.Message) {
	i := sort.Search(len(v.messages), func(i int) bool {
		m := v.messages[i]
		if m.CreatedAt.Equal(msg.CreatedAt) {
			return m.ID > msg.ID
		}
		return m.CreatedAt.After(msg.CreatedAt)
	})
	v.messages = append(v.messages, nil)
	copy(v.messages[i+1:], v.messages[i:])
	v.messages[i] = msg
}

// markReadAsync 视图打开期间收到的对端消息在 worker pool 中标记已读
func (v *ChatView) markReadAsync(messageID int64) {
	submitted := v.s.deps.Pool.TrySubmit(func(ctx context.Context) {
		read, err := v.s.deps.Messages.MarkRead(ctx, v.s.userID, messageID)
		if err != nil {
			v.logger.Error("Failed to mark message read", "messageId", messageID, "error", err)
			v.s.cb.fail("markRead", err)
			return
		}
		v.merge(read)
	})
	if !submitted {
		v.logger.Warn("Worker pool busy, read receipt deferred to next open",
			"messageId", messageID,
			"pending", v.s.deps.Pool.Pending())
	}
}

func (v *ChatView) setPeerTyping(active bool) {
	v.mu.Lock()
	v.staleGen++
	v.setPeerTypingLocked(active)
}

// expirePeerTyping 过期计时器回调，期间收到过新的输入事件则忽略
func (v *ChatView) expirePeerTyping(gen uint64) {
	v.mu.Lock()
	if v.staleGen != gen {
		v.mu.Unlock()
		return
	}
	v.setPeerTypingLocked(false)
}

// setPeerTypingLocked 调用时持有 v.mu，返回前释放
func (v *ChatView) setPeerTypingLocked(active bool) {
	if v.closed {
		v.mu.Unlock()
		return
	}
	if v.staleTimer != nil {
		v.staleTimer.Stop()
		v.staleTimer = nil
	}
	// 对端崩溃时不会再写 false，超过阈值后本地自行清除
	if staleAfter := v.s.deps.Typing.StaleAfter(); active && staleAfter > 0 {
		gen := v.staleGen
		v.staleTimer = time.AfterFunc(staleAfter, func() {
			v.expirePeerTyping(gen)
		})
	}
	changed := v.peerTyping != active
	v.peerTyping = active
	v.mu.Unlock()

	if changed {
		v.s.cb.typing(v.conv.ID, v.peerID, active)
	}
}

// Send 发送消息：先停止输入状态，再等待存储确认
// 空白内容在写入前以 ErrValidation 拒绝
func (v *ChatView) Send(ctx context.Context, content string) (*model.Message, error) {
	v.StopTyping(ctx)

	msg, err := v.s.deps.Messages.Append(ctx, v.conv.ID, v.s.userID, content)
	if err != nil {
		v.logger.Error("Failed to send message", "error", err)
		v.s.cb.fail("send", err)
		return nil, err
	}
	v.merge(msg)
	return msg, nil
}

// Keystroke 本地按键：写入"正在输入"并重新计时，超时后写入"未输入"
func (v *ChatView) Keystroke(ctx context.Context) {
	v.typingMu.Lock()
	defer v.typingMu.Unlock()

	if v.isClosed() {
		return
	}

	if v.typingTimer != nil {
		v.typingTimer.Stop()
	}
	v.typingGen++
	gen := v.typingGen
	v.typingTimer = time.AfterFunc(v.s.deps.TypingTimeout, func() {
		v.typingMu.Lock()
		defer v.typingMu.Unlock()
		// 计时器触发时已有新的按键重新计时
		if v.typingGen != gen {
			return
		}
		v.stopTypingLocked(context.Background())
	})

	v.typing = true
	v.writeTyping(ctx, true)
}

// StopTyping 取消计时并在输入中时写入"未输入"
func (v *ChatView) StopTyping(ctx context.Context) {
	v.typingMu.Lock()
	defer v.typingMu.Unlock()
	v.stopTypingLocked(ctx)
}

func (v *ChatView) stopTypingLocked(ctx context.Context) {
	v.typingGen++
	if v.typingTimer != nil {
		v.typingTimer.Stop()
		v.typingTimer = nil
	}
	if !v.typing {
		return
	}
	v.typing = false
	v.writeTyping(ctx, false)
}

func (v *ChatView) writeTyping(ctx context.Context, typing bool) {
	if err := v.s.deps.Typing.SetTyping(ctx, v.conv.ID, v.s.userID, typing); err != nil {
		v.logger.Error("Failed to update typing state", "typing", typing, "error", err)
		v.s.cb.fail("typing", err)
	}
}

func (v *ChatView) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

// Close 同步写入"未输入"后取消订阅，可重复调用
func (v *ChatView) Close(ctx context.Context) {
	v.closeOnce.Do(func() {
		v.typingMu.Lock()
		v.stopTypingLocked(ctx)
		v.mu.Lock()
		v.closed = true
		if v.staleTimer != nil {
			v.staleTimer.Stop()
			v.staleTimer = nil
		}
		v.mu.Unlock()
		v.typingMu.Unlock()

		v.feed.Close()
		<-v.done
		v.logger.Info("Conversation closed")
	})
}
