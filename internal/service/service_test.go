package service

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.chat/internal/changefeed"
	"sudooom.im.chat/internal/memstore"
	"sudooom.im.chat/internal/model"
	appErrors "sudooom.im.chat/pkg/errors"
	"sudooom.im.chat/pkg/snowflake"
)

const (
	alice int64 = 1001
	bob   int64 = 1002
	carol int64 = 1003
)

type backend struct {
	store     *memstore.Store
	transport *changefeed.MemoryTransport
	mux       *changefeed.Multiplexer
	node      *snowflake.Node
	resolver  *ConversationResolver
	messages  *MessageStore
	typing    *TypingTracker
	unread    *UnreadAggregator
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	transport := changefeed.NewMemoryTransport()
	store := memstore.New(transport)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	for id, name := range map[int64]string{alice: "alice", bob: "bob", carol: "carol"} {
		require.NoError(t, store.Profiles.Put(model.Profile{ID: id, Username: name, Email: name + "@example.com"}))
	}

	return &backend{
		store:     store,
		transport: transport,
		mux:       changefeed.NewMultiplexer(transport, 64),
		node:      node,
		resolver:  NewConversationResolver(store.Conversations, node, 3),
		messages:  NewMessageStore(store.Messages, node),
		typing:    NewTypingTracker(store.Typing, node, 5*time.Second),
		unread:    NewUnreadAggregator(store.Conversations, store.Messages, nil),
	}
}

func TestResolve_SymmetricAndIdempotent(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	ab, err := b.resolver.Resolve(ctx, alice, bob)
	require.NoError(t, err)
	ba, err := b.resolver.Resolve(ctx, bob, alice)
	require.NoError(t, err)
	again, err := b.resolver.ResolveID(ctx, alice, bob)
	require.NoError(t, err)

	assert.Equal(t, ab.ID, ba.ID)
	assert.Equal(t, ab.ID, again)
	assert.Equal(t, alice, ab.Participant1)
	assert.Equal(t, bob, ab.Participant2)
	assert.Equal(t, 1, b.store.Conversations.Count())
}

func TestResolve_RejectsSelfAndInvalidUsers(t *testing.T) {
	b := newBackend(t)

	_, err := b.resolver.Resolve(context.Background(), alice, alice)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	_, err = b.resolver.Resolve(context.Background(), 0, bob)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
	assert.Equal(t, 0, b.store.Conversations.Count())
}

// racingStore 所有调用者都先看到"不存在"，再同时插入
type racingStore struct {
	ConversationStore
	barrier *sync.WaitGroup
	once    sync.Map
	creates atomic.Int32
}

func (r *racingStore) FindByPair(ctx context.Context, a, b int64) (*model.Conversation, error) {
	conv, err := r.ConversationStore.FindByPair(ctx, a, b)
	if _, seen := r.once.LoadOrStore(ctx.Value(callerKey{}), true); !seen {
		r.barrier.Done()
		r.barrier.Wait()
		return nil, appErrors.ErrNotFound
	}
	return conv, err
}

func (r *racingStore) Create(ctx context.Context, conv *model.Conversation) error {
	r.creates.Add(1)
	return r.ConversationStore.Create(ctx, conv)
}

type callerKey struct{}

func TestResolve_ConcurrentFirstContactCreatesOne(t *testing.T) {
	b := newBackend(t)
	const n = 16

	barrier := &sync.WaitGroup{}
	barrier.Add(n)
	racing := &racingStore{ConversationStore: b.store.Conversations, barrier: barrier}
	resolver := NewConversationResolver(racing, b.node, 3)

	ids := make([]int64, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := context.WithValue(context.Background(), callerKey{}, i)
			userA, userB := alice, bob
			if i%2 == 1 {
				userA, userB = bob, alice
			}
			ids[i], errs[i] = resolver.ResolveID(ctx, userA, userB)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, b.store.Conversations.Count())
	assert.Equal(t, int32(n), racing.creates.Load())
}

// alwaysConflict 查找永远落空、插入永远冲突
type alwaysConflict struct {
	ConversationStore
	finds atomic.Int32
}

func (a *alwaysConflict) FindByPair(ctx context.Context, x, y int64) (*model.Conversation, error) {
	a.finds.Add(1)
	return nil, appErrors.ErrNotFound
}

func (a *alwaysConflict) Create(ctx context.Context, conv *model.Conversation) error {
	return appErrors.ErrConflict
}

func TestResolve_RetryExhausted(t *testing.T) {
	b := newBackend(t)
	store := &alwaysConflict{}
	resolver := NewConversationResolver(store, b.node, 3)

	_, err := resolver.Resolve(context.Background(), alice, bob)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflictRetryExhausted))
	assert.Equal(t, int32(3), store.finds.Load())
}

func TestResolve_PropagatesOtherErrors(t *testing.T) {
	b := newBackend(t)

	// 9999 没有资料行
	_, err := b.resolver.Resolve(context.Background(), alice, 9999)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

// countingMessages 统计写入次数
type countingMessages struct {
	MessageRepository
	creates atomic.Int32
}

func (c *countingMessages) Create(ctx context.Context, msg *model.Message) error {
	c.creates.Add(1)
	return c.MessageRepository.Create(ctx, msg)
}

func TestAppend_RejectsBlankContentWithoutWriting(t *testing.T) {
	b := newBackend(t)
	conv, err := b.resolver.Resolve(context.Background(), alice, bob)
	require.NoError(t, err)

	repo := &countingMessages{MessageRepository: b.store.Messages}
	store := NewMessageStore(repo, b.node)

	for _, content := range []string{"", "   ", "\n\t  "} {
		_, err := store.Append(context.Background(), conv.ID, alice, content)
		assert.True(t, appErrors.Is(err, appErrors.ErrValidation), "content %q", content)
	}
	assert.Equal(t, int32(0), repo.creates.Load())
}

func TestAppend_RejectsOversizedContent(t *testing.T) {
	b := newBackend(t)
	conv, err := b.resolver.Resolve(context.Background(), alice, bob)
	require.NoError(t, err)

	_, err = b.messages.Append(context.Background(), conv.ID, alice, strings.Repeat("x", model.MaxContentBytes+1))
	assert.True(t, appErrors.Is(err, appErrors.ErrContentTooLong))

	msg, err := b.messages.Append(context.Background(), conv.ID, alice, strings.Repeat("x", model.MaxContentBytes))
	require.NoError(t, err)
	assert.Len(t, msg.Content, model.MaxContentBytes)
}

func TestAppend_NonParticipantRejectedByStore(t *testing.T) {
	b := newBackend(t)
	conv, err := b.resolver.Resolve(context.Background(), alice, bob)
	require.NoError(t, err)

	_, err = b.messages.Append(context.Background(), conv.ID, carol, "hello")
	assert.True(t, appErrors.Is(err, appErrors.ErrAuthorization))
}

func TestMarkRead_Idempotent(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	conv, err := b.resolver.Resolve(ctx, alice, bob)
	require.NoError(t, err)

	msg, err := b.messages.Append(ctx, conv.ID, alice, "ping")
	require.NoError(t, err)

	first, err := b.messages.MarkRead(ctx, bob, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, first.ReadAt)

	later := time.Now().Add(time.Hour).UTC()
	b.store.SetClock(func() time.Time { return later })

	second, err := b.messages.MarkRead(ctx, bob, msg.ID)
	require.NoError(t, err)
	assert.True(t, second.IsRead)
	assert.True(t, first.ReadAt.Equal(*second.ReadAt))
}

func TestLoadHistoryThenMarkRead_ClearsUnread(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	conv, err := b.resolver.Resolve(ctx, alice, bob)
	require.NoError(t, err)

	for _, content := range []string{"one", "two", "three"} {
		_, err := b.messages.Append(ctx, conv.ID, alice, content)
		require.NoError(t, err)
	}
	_, err = b.messages.Append(ctx, conv.ID, bob, "mine")
	require.NoError(t, err)

	counts, err := b.unread.Recompute(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{alice: 3}, counts)

	history, err := b.messages.LoadHistory(ctx, bob, conv.ID, model.HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "one", history[0].Content)
	assert.Equal(t, "mine", history[3].Content)

	updated := b.messages.MarkHistoryRead(ctx, bob, history)
	require.Len(t, updated, 3)
	for _, msg := range updated {
		assert.True(t, msg.IsRead)
		assert.NotNil(t, msg.ReadAt)
	}

	counts, err = b.unread.Recompute(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{alice: 0}, counts)

	// bob 的回复对 alice 仍是未读
	counts, err = b.unread.Recompute(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{bob: 1}, counts)
}

func TestLoadHistory_Paged(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	conv, err := b.resolver.Resolve(ctx, alice, bob)
	require.NoError(t, err)

	var ids []int64
	for i := 0; i < 5; i++ {
		msg, err := b.messages.Append(ctx, conv.ID, alice, "m")
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	page, err := b.messages.LoadHistory(ctx, bob, conv.ID, model.HistoryQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[3], page[0].ID)
	assert.Equal(t, ids[4], page[1].ID)

	older, err := b.messages.LoadHistory(ctx, bob, conv.ID, model.HistoryQuery{Before: page[0].ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, ids[1], older[0].ID)
	assert.Equal(t, ids[2], older[1].ID)
}

func TestTyping_UpsertKeepsOneRow(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	conv, err := b.resolver.Resolve(ctx, alice, bob)
	require.NoError(t, err)

	require.NoError(t, b.typing.SetTyping(ctx, conv.ID, alice, true))
	require.NoError(t, b.typing.SetTyping(ctx, conv.ID, alice, false))
	require.NoError(t, b.typing.SetTyping(ctx, conv.ID, alice, false))

	assert.Equal(t, 1, b.store.Typing.Rows(conv.ID))
	rows, err := b.store.Typing.FindByConversation(ctx, bob, conv.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].IsTyping)

	err = b.typing.SetTyping(ctx, conv.ID, carol, true)
	assert.True(t, appErrors.Is(err, appErrors.ErrAuthorization))
}

func TestTyping_StaleIndicatorsIgnored(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	conv, err := b.resolver.Resolve(ctx, alice, bob)
	require.NoError(t, err)

	require.NoError(t, b.typing.SetTyping(ctx, conv.ID, alice, true))

	peers, err := b.typing.ActivePeers(ctx, bob, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{alice}, peers)

	// alice 自己看不到自己
	peers, err = b.typing.ActivePeers(ctx, alice, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, peers)

	// 客户端崩溃：存储仍为 true，但超过阈值后读取方忽略
	b.typing.now = func() time.Time { return time.Now().Add(6 * time.Second) }
	peers, err = b.typing.ActivePeers(ctx, bob, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestUnread_ZeroEntriesPresent(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	counts, err := b.unread.Recompute(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, counts)

	_, err = b.resolver.Resolve(ctx, alice, bob)
	require.NoError(t, err)
	_, err = b.resolver.Resolve(ctx, carol, alice)
	require.NoError(t, err)

	counts, err = b.unread.Recompute(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{bob: 0, carol: 0}, counts)
}

func TestUnread_WatchRecomputesOnMessageEvents(t *testing.T) {
	b := newBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conv, err := b.resolver.Resolve(ctx, alice, bob)
	require.NoError(t, err)

	feed, err := b.mux.Subscribe(ctx, changefeed.UserScope(bob), changefeed.UserMask())
	require.NoError(t, err)

	updates := make(chan map[int64]int, 16)
	done := make(chan error, 1)
	go func() {
		done <- b.unread.Watch(ctx, bob, feed, func(counts map[int64]int) { updates <- counts })
	}()

	next := func() map[int64]int {
		select {
		case counts := <-updates:
			return counts
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for unread update")
		}
		return nil
	}
	waitFor := func(want map[int64]int) {
		deadline := time.After(time.Second)
		for {
			select {
			case counts := <-updates:
				if assert.ObjectsAreEqual(want, counts) {
					return
				}
			case <-deadline:
				t.Fatalf("unread never reached %v", want)
			}
		}
	}

	assert.Equal(t, map[int64]int{alice: 0}, next())

	msg, err := b.messages.Append(ctx, conv.ID, alice, "Hi Bob!")
	require.NoError(t, err)
	waitFor(map[int64]int{alice: 1})

	_, err = b.messages.MarkRead(ctx, bob, msg.ID)
	require.NoError(t, err)
	waitFor(map[int64]int{alice: 0})

	feed.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop after feed close")
	}
}

func TestEndToEnd_AliceSendsBobReads(t *testing.T) {
	b := newBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conv, err := b.resolver.Resolve(ctx, alice, bob)
	require.NoError(t, err)

	aliceFeed, err := b.mux.Subscribe(ctx, changefeed.ConversationScope(conv.ID), changefeed.ConversationMask())
	require.NoError(t, err)
	defer aliceFeed.Close()

	msg, err := b.messages.Append(ctx, conv.ID, alice, "Hi Bob!")
	require.NoError(t, err)
	assert.NotNil(t, msg.DeliveredAt)
	assert.Nil(t, msg.ReadAt)
	assert.Equal(t, model.DeliveryStateDelivered, msg.DeliveryState())

	counts, err := b.unread.Recompute(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{alice: 1}, counts)

	_, err = b.messages.MarkRead(ctx, bob, msg.ID)
	require.NoError(t, err)

	var sawInsert, sawRead bool
	deadline := time.After(time.Second)
	for !sawRead {
		select {
		case ev := <-aliceFeed.Events():
			switch e := ev.(type) {
			case changefeed.MessageInserted:
				sawInsert = e.Message.ID == msg.ID
			case changefeed.MessageUpdated:
				if e.Message.ID == msg.ID && e.Message.ReadAt != nil {
					sawRead = true
				}
			}
		case <-deadline:
			t.Fatal("alice never saw the read receipt")
		}
	}
	assert.True(t, sawInsert)

	counts, err = b.unread.Recompute(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[alice])
}
