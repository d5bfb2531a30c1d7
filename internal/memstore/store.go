// Package memstore 进程内存储
// 与 PostgreSQL 仓库保持同样的约束：用户对唯一、参与者校验、已读幂等，
// 写入成功后按提交顺序发出与数据库触发器相同格式的变更通知
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"sudooom.im.chat/internal/changefeed"
	"sudooom.im.chat/internal/model"
	appErrors "sudooom.im.chat/pkg/errors"
)

// Store 所有表共享一把锁，变更通知在锁内发出以保持提交顺序
// 订阅方的投递不阻塞（缓冲满时订阅失效），慢订阅不会拖住写入
type Store struct {
	mu        sync.Mutex
	publisher changefeed.Publisher
	now       func() time.Time
	logger    *slog.Logger

	profiles      map[int64]*model.Profile
	conversations map[int64]*model.Conversation
	pairs         map[[2]int64]int64
	messages      map[int64]*model.Message
	byConv        map[int64][]int64
	typing        map[[2]int64]*model.TypingIndicator

	Profiles      *Profiles
	Conversations *Conversations
	Messages      *Messages
	Typing        *Typing
}

// New 创建存储，publisher 为 nil 时不发通知
func New(publisher changefeed.Publisher) *Store {
	s := &Store{
		publisher:     publisher,
		now:           func() time.Time { return time.Now().UTC() },
		logger:        slog.Default(),
		profiles:      make(map[int64]*model.Profile),
		conversations: make(map[int64]*model.Conversation),
		pairs:         make(map[[2]int64]int64),
		messages:      make(map[int64]*model.Message),
		byConv:        make(map[int64][]int64),
		typing:        make(map[[2]int64]*model.TypingIndicator),
	}
	s.Profiles = &Profiles{s: s}
	s.Conversations = &Conversations{s: s}
	s.Messages = &Messages{s: s}
	s.Typing = &Typing{s: s}
	return s
}

// SetClock 替换时钟
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// notify 必须在持有 s.mu 时调用
func (s *Store) notify(kind changefeed.EventKind, table string, old, newRow any) {
	if s.publisher == nil {
		return
	}

	ce := changefeed.ChangeEvent{EventKind: kind, Table: table}
	var err error
	if old != nil {
		if ce.Old, err = json.Marshal(old); err != nil {
			s.logger.Error("Failed to marshal change record", "table", table, "error", err)
			return
		}
	}
	if newRow != nil {
		if ce.New, err = json.Marshal(newRow); err != nil {
			s.logger.Error("Failed to marshal change record", "table", table, "error", err)
			return
		}
	}

	subject, err := changefeed.SubjectFor(ce)
	if err != nil {
		s.logger.Error("Failed to resolve change subject", "table", table, "error", err)
		return
	}
	data, err := json.Marshal(ce)
	if err != nil {
		s.logger.Error("Failed to marshal change event", "table", table, "error", err)
		return
	}
	if err := s.publisher.Publish(subject, data); err != nil {
		s.logger.Warn("Failed to publish change", "subject", subject, "error", err)
	}
}

func (s *Store) participantOf(conversationID, userID int64) (*model.Conversation, bool) {
	conv, ok := s.conversations[conversationID]
	if !ok || !conv.HasParticipant(userID) {
		return nil, false
	}
	return conv, true
}

// Profiles 用户资料表
type Profiles struct{ s *Store }

// Put 写入资料（身份服务注册用户时调用）
func (p *Profiles) Put(profile model.Profile) error {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.profiles {
		if existing.ID == profile.ID {
			continue
		}
		if existing.Username == profile.Username || existing.Email == profile.Email {
			return appErrors.ErrConflict.Wrap(errors.New("username or email already taken"))
		}
	}

	now := s.now()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	if profile.LastSeen.IsZero() {
		profile.LastSeen = now
	}
	profile.UpdatedAt = now

	old := s.profiles[profile.ID]
	stored := profile
	s.profiles[profile.ID] = &stored
	if old == nil {
		s.notify(changefeed.KindInsert, changefeed.TableProfiles, nil, stored)
	} else {
		s.notify(changefeed.KindUpdate, changefeed.TableProfiles, *old, stored)
	}
	return nil
}

// FindByID 根据 ID 查找用户
func (p *Profiles) FindByID(ctx context.Context, id int64) (*model.Profile, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	profile, ok := p.s.profiles[id]
	if !ok {
		return nil, appErrors.ErrNotFound
	}
	cp := *profile
	return &cp, nil
}

// FindByUsername 根据用户名查找用户
func (p *Profiles) FindByUsername(ctx context.Context, username string) (*model.Profile, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	for _, profile := range p.s.profiles {
		if profile.Username == username {
			cp := *profile
			return &cp, nil
		}
	}
	return nil, appErrors.ErrNotFound
}

// SetPresence 更新在线状态
func (p *Profiles) SetPresence(ctx context.Context, userID int64, online bool, lastSeen time.Time) (*model.Profile, error) {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()

	profile, ok := s.profiles[userID]
	if !ok {
		return nil, appErrors.ErrNotFound
	}
	old := *profile
	profile.IsOnline = online
	profile.LastSeen = lastSeen
	profile.UpdatedAt = s.now()
	s.notify(changefeed.KindUpdate, changefeed.TableProfiles, old, *profile)

	cp := *profile
	return &cp, nil
}

// Conversations 会话表
type Conversations struct{ s *Store }

// FindByPair 按无序用户对查找
func (c *Conversations) FindByPair(ctx context.Context, userA, userB int64) (*model.Conversation, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	lo, hi := model.CanonicalPair(userA, userB)
	id, ok := c.s.pairs[[2]int64{lo, hi}]
	if !ok {
		return nil, appErrors.ErrNotFound
	}
	cp := *c.s.conversations[id]
	return &cp, nil
}

// FindByID 根据 ID 查找会话
func (c *Conversations) FindByID(ctx context.Context, id int64) (*model.Conversation, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	conv, ok := c.s.conversations[id]
	if !ok {
		return nil, appErrors.ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

// Create 创建会话，用户对已存在返回 ErrConflict
func (c *Conversations) Create(ctx context.Context, conv *model.Conversation) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv.Participant1 == conv.Participant2 {
		return appErrors.ErrValidation.Wrap(errors.New("participants must differ"))
	}
	if _, ok := s.profiles[conv.Participant1]; !ok {
		return appErrors.ErrNotFound.Wrap(errors.New("participant_1 has no profile"))
	}
	if _, ok := s.profiles[conv.Participant2]; !ok {
		return appErrors.ErrNotFound.Wrap(errors.New("participant_2 has no profile"))
	}
	if _, ok := s.conversations[conv.ID]; ok {
		return appErrors.ErrConflict.Wrap(errors.New("duplicate conversation id"))
	}
	lo, hi := model.CanonicalPair(conv.Participant1, conv.Participant2)
	if _, ok := s.pairs[[2]int64{lo, hi}]; ok {
		return appErrors.ErrConflict.Wrap(errors.New("conversation for pair already exists"))
	}

	now := s.now()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	stored := *conv
	s.conversations[conv.ID] = &stored
	s.pairs[[2]int64{lo, hi}] = conv.ID
	return nil
}

// ListForUser 用户参与的会话，最近活跃的在前
func (c *Conversations) ListForUser(ctx context.Context, userID int64) ([]*model.Conversation, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	var list []*model.Conversation
	for _, conv := range c.s.conversations {
		if conv.HasParticipant(userID) {
			cp := *conv
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
	return list, nil
}

// Count 会话总数
func (c *Conversations) Count() int {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return len(c.s.conversations)
}

// Messages 消息表
type Messages struct{ s *Store }

// Create 创建消息，发送者必须是参与者
func (m *Messages) Create(ctx context.Context, msg *model.Message) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.participantOf(msg.ConversationID, msg.SenderID)
	if !ok {
		return appErrors.ErrAuthorization.Wrap(errors.New("sender is not a participant of the conversation"))
	}
	if len(msg.Content) > model.MaxContentBytes {
		return appErrors.ErrValidation.Wrap(errors.New("content too long"))
	}
	if _, dup := s.messages[msg.ID]; dup {
		return appErrors.ErrConflict.Wrap(errors.New("duplicate message id"))
	}

	now := s.now()
	delivered := now
	msg.IsRead = false
	msg.ReadAt = nil
	msg.DeliveredAt = &delivered
	msg.CreatedAt = now

	stored := *msg
	s.messages[msg.ID] = &stored
	s.byConv[msg.ConversationID] = append(s.byConv[msg.ConversationID], msg.ID)
	conv.UpdatedAt = now

	s.notify(changefeed.KindInsert, changefeed.TableMessages, nil, stored)
	return nil
}

// FindByID 查找消息（仅参与者可见）
func (m *Messages) FindByID(ctx context.Context, viewerID, id int64) (*model.Message, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.findLocked(viewerID, id)
}

func (m *Messages) findLocked(viewerID, id int64) (*model.Message, error) {
	msg, ok := m.s.messages[id]
	if !ok {
		return nil, appErrors.ErrNotFound
	}
	if _, ok := m.s.participantOf(msg.ConversationID, viewerID); !ok {
		return nil, appErrors.ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

// ListByConversation 升序返回会话消息，语义同 PostgreSQL 实现
func (m *Messages) ListByConversation(ctx context.Context, viewerID, conversationID int64, q model.HistoryQuery) ([]*model.Message, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	messages := make([]*model.Message, 0)
	if _, ok := m.s.participantOf(conversationID, viewerID); !ok {
		return messages, nil
	}

	for _, id := range m.s.byConv[conversationID] {
		if q.Before > 0 && id >= q.Before {
			continue
		}
		cp := *m.s.messages[id]
		messages = append(messages, &cp)
	}
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	if q.Limit > 0 && len(messages) > q.Limit {
		messages = messages[len(messages)-q.Limit:]
	}
	return messages, nil
}

// MarkRead 接收方标记已读，幂等
func (m *Messages) MarkRead(ctx context.Context, readerID, id int64) (*model.Message, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := m.findLocked(readerID, id)
	if err != nil {
		return nil, err
	}
	if current.SenderID == readerID {
		return nil, appErrors.ErrAuthorization.Wrap(errors.New("sender cannot mark own message as read"))
	}
	if current.ReadAt != nil {
		return current, nil
	}

	msg := s.messages[id]
	old := *msg
	readAt := s.now()
	msg.IsRead = true
	msg.ReadAt = &readAt
	s.notify(changefeed.KindUpdate, changefeed.TableMessages, old, *msg)

	cp := *msg
	return &cp, nil
}

// CountUnread 会话中发给 userID 的未读数
func (m *Messages) CountUnread(ctx context.Context, conversationID, userID int64) (int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	count := 0
	for _, id := range m.s.byConv[conversationID] {
		if m.s.messages[id].IsUnreadFor(userID) {
			count++
		}
	}
	return count, nil
}

// Typing 输入状态表
type Typing struct{ s *Store }

// Upsert 按 (conversation_id, user_id) 插入或原地更新
func (t *Typing) Upsert(ctx context.Context, indicator *model.TypingIndicator) error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participantOf(indicator.ConversationID, indicator.UserID); !ok {
		return appErrors.ErrAuthorization.Wrap(errors.New("user is not a participant of the conversation"))
	}

	key := [2]int64{indicator.ConversationID, indicator.UserID}
	now := s.now()
	existing, ok := s.typing[key]
	if !ok {
		stored := *indicator
		stored.UpdatedAt = now
		s.typing[key] = &stored
		*indicator = stored
		s.notify(changefeed.KindInsert, changefeed.TableTyping, nil, stored)
		return nil
	}

	old := *existing
	existing.IsTyping = indicator.IsTyping
	existing.UpdatedAt = now
	*indicator = *existing
	s.notify(changefeed.KindUpdate, changefeed.TableTyping, old, *existing)
	return nil
}

// FindByConversation 会话中所有参与者的输入状态
func (t *Typing) FindByConversation(ctx context.Context, viewerID, conversationID int64) ([]*model.TypingIndicator, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if _, ok := t.s.participantOf(conversationID, viewerID); !ok {
		return nil, nil
	}
	var list []*model.TypingIndicator
	for key, indicator := range t.s.typing {
		if key[0] == conversationID {
			cp := *indicator
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UserID < list[j].UserID })
	return list, nil
}

// Rows 会话中输入状态的行数
func (t *Typing) Rows(conversationID int64) int {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	n := 0
	for key := range t.s.typing {
		if key[0] == conversationID {
			n++
		}
	}
	return n
}
