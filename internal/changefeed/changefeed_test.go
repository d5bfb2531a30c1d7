package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.chat/internal/model"
	appErrors "sudooom.im.chat/pkg/errors"
)

func payload(t *testing.T, kind EventKind, table string, old, newRow any) []byte {
	t.Helper()
	ce := map[string]any{"eventKind": kind, "table": table, "old": old, "new": newRow}
	data, err := json.Marshal(ce)
	require.NoError(t, err)
	return data
}

func messageRow(id, conversationID, senderID int64, content string, read bool) map[string]any {
	row := map[string]any{
		"id":              id,
		"conversation_id": conversationID,
		"sender_id":       senderID,
		"content":         content,
		"is_read":         read,
		"delivered_at":    "2024-05-01T10:00:00.000000+00:00",
		"read_at":         nil,
		"created_at":      "2024-05-01T10:00:00.000000+00:00",
	}
	if read {
		row["read_at"] = "2024-05-01T10:00:05.000000+00:00"
	}
	return row
}

func typingRow(conversationID, userID int64, typing bool) map[string]any {
	return map[string]any{
		"id":              conversationID*10 + userID,
		"conversation_id": conversationID,
		"user_id":         userID,
		"is_typing":       typing,
		"updated_at":      "2024-05-01T10:00:00.000000+00:00",
	}
}

func profileRow(id int64, online bool) map[string]any {
	return map[string]any{
		"id":         id,
		"username":   "alice",
		"email":      "alice@example.com",
		"avatar_url": nil,
		"is_online":  online,
		"last_seen":  "2024-05-01T10:00:00.000000+00:00",
		"created_at": "2024-05-01T09:00:00.000000+00:00",
		"updated_at": "2024-05-01T10:00:00.000000+00:00",
	}
}

// publish 模拟 relay：按作用域列计算 Subject 后发布
func publish(t *testing.T, tr *MemoryTransport, data []byte) {
	t.Helper()
	relay := &Relay{publisher: tr, logger: slog.Default()}
	relay.Forward(context.Background(), data)
}

func receive(t *testing.T, feed *Feed) Event {
	t.Helper()
	select {
	case ev, ok := <-feed.Events():
		require.True(t, ok, "feed closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func assertNoEvent(t *testing.T, feed *Feed) {
	t.Helper()
	select {
	case ev := <-feed.Events():
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		data  func(t *testing.T) []byte
		check func(t *testing.T, ev Event, err error)
	}{
		{
			name: "message insert",
			data: func(t *testing.T) []byte {
				return payload(t, KindInsert, TableMessages, nil, messageRow(1, 10, 100, "hi", false))
			},
			check: func(t *testing.T, ev Event, err error) {
				require.NoError(t, err)
				ins, ok := ev.(MessageInserted)
				require.True(t, ok)
				assert.Equal(t, "hi", ins.Message.Content)
				assert.Nil(t, ins.Message.ReadAt)
				assert.Equal(t, int64(10), ConversationID(ev))
			},
		},
		{
			name: "message update keeps old row",
			data: func(t *testing.T) []byte {
				return payload(t, KindUpdate, TableMessages, messageRow(1, 10, 100, "hi", false), messageRow(1, 10, 100, "hi", true))
			},
			check: func(t *testing.T, ev Event, err error) {
				require.NoError(t, err)
				upd, ok := ev.(MessageUpdated)
				require.True(t, ok)
				require.NotNil(t, upd.Old)
				assert.False(t, upd.Old.IsRead)
				assert.True(t, upd.Message.IsRead)
				assert.Equal(t, model.DeliveryStateRead, upd.Message.DeliveryState())
			},
		},
		{
			name: "message delete unsupported",
			data: func(t *testing.T) []byte {
				return payload(t, KindDelete, TableMessages, messageRow(1, 10, 100, "hi", false), nil)
			},
			check: func(t *testing.T, ev Event, err error) {
				assert.True(t, errors.Is(err, ErrUnsupportedEvent))
			},
		},
		{
			name: "typing delete reads as stopped",
			data: func(t *testing.T) []byte {
				return payload(t, KindDelete, TableTyping, typingRow(10, 100, true), nil)
			},
			check: func(t *testing.T, ev Event, err error) {
				require.NoError(t, err)
				tc, ok := ev.(TypingChanged)
				require.True(t, ok)
				assert.Equal(t, KindDelete, tc.Kind())
				assert.False(t, tc.Indicator.IsTyping)
			},
		},
		{
			name: "profile update",
			data: func(t *testing.T) []byte {
				return payload(t, KindUpdate, TableProfiles, profileRow(100, false), profileRow(100, true))
			},
			check: func(t *testing.T, ev Event, err error) {
				require.NoError(t, err)
				pc, ok := ev.(ProfileChanged)
				require.True(t, ok)
				assert.True(t, pc.Profile.IsOnline)
				assert.Equal(t, int64(0), ConversationID(ev))
			},
		},
		{
			name: "unknown table",
			data: func(t *testing.T) []byte {
				return payload(t, KindInsert, "conversations", nil, map[string]any{"id": 1})
			},
			check: func(t *testing.T, ev Event, err error) {
				assert.True(t, errors.Is(err, ErrUnknownTable))
			},
		},
		{
			name: "empty record",
			data: func(t *testing.T) []byte {
				return payload(t, KindInsert, TableMessages, nil, nil)
			},
			check: func(t *testing.T, ev Event, err error) {
				assert.True(t, errors.Is(err, ErrEmptyRecord))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ce ChangeEvent
			require.NoError(t, json.Unmarshal(tt.data(t), &ce))
			ev, err := Decode(ce)
			tt.check(t, ev, err)
		})
	}
}

func TestSubjectFor(t *testing.T) {
	var ce ChangeEvent
	require.NoError(t, json.Unmarshal(payload(t, KindInsert, TableMessages, nil, messageRow(1, 42, 100, "x", false)), &ce))
	subject, err := SubjectFor(ce)
	require.NoError(t, err)
	assert.Equal(t, "chat.change.messages.42", subject)

	require.NoError(t, json.Unmarshal(payload(t, KindDelete, TableTyping, typingRow(42, 7, false), nil), &ce))
	subject, err = SubjectFor(ce)
	require.NoError(t, err)
	assert.Equal(t, "chat.change.typing.42", subject)

	require.NoError(t, json.Unmarshal(payload(t, KindUpdate, TableProfiles, nil, profileRow(7, true)), &ce))
	subject, err = SubjectFor(ce)
	require.NoError(t, err)
	assert.Equal(t, "chat.change.profiles.7", subject)
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"chat.change.*.42", "chat.change.messages.42", true},
		{"chat.change.*.42", "chat.change.typing.42", true},
		{"chat.change.*.42", "chat.change.messages.43", false},
		{"chat.change.>", "chat.change.profiles.7", true},
		{"chat.change.>", "chat.change", false},
		{"chat.change.messages.42", "chat.change.messages.42.x", false},
	}
	for _, tt := range tests {
		got := matchSubject(strings.Split(tt.pattern, "."), strings.Split(tt.subject, "."))
		assert.Equal(t, tt.want, got, "%s ~ %s", tt.pattern, tt.subject)
	}
}

func TestMultiplexer_ConversationScopeFiltersOtherConversations(t *testing.T) {
	tr := NewMemoryTransport()
	mux := NewMultiplexer(tr, 16)

	feed, err := mux.Subscribe(context.Background(), ConversationScope(10), ConversationMask())
	require.NoError(t, err)
	defer feed.Close()

	publish(t, tr, payload(t, KindInsert, TableMessages, nil, messageRow(1, 20, 100, "elsewhere", false)))
	publish(t, tr, payload(t, KindInsert, TableMessages, nil, messageRow(2, 10, 100, "here", false)))
	publish(t, tr, payload(t, KindUpdate, TableTyping, nil, typingRow(20, 100, true)))
	publish(t, tr, payload(t, KindUpdate, TableProfiles, nil, profileRow(10, true)))

	ev := receive(t, feed)
	ins, ok := ev.(MessageInserted)
	require.True(t, ok)
	assert.Equal(t, int64(2), ins.Message.ID)
	assertNoEvent(t, feed)
}

func TestMultiplexer_PreservesOrderWithinScope(t *testing.T) {
	tr := NewMemoryTransport()
	mux := NewMultiplexer(tr, 16)

	feed, err := mux.Subscribe(context.Background(), ConversationScope(10), ConversationMask())
	require.NoError(t, err)
	defer feed.Close()

	publish(t, tr, payload(t, KindInsert, TableTyping, nil, typingRow(10, 100, true)))
	publish(t, tr, payload(t, KindInsert, TableMessages, nil, messageRow(1, 10, 100, "first", false)))
	publish(t, tr, payload(t, KindUpdate, TableTyping, nil, typingRow(10, 100, false)))
	publish(t, tr, payload(t, KindUpdate, TableMessages, nil, messageRow(1, 10, 100, "first", true)))

	_, ok := receive(t, feed).(TypingChanged)
	assert.True(t, ok)
	_, ok = receive(t, feed).(MessageInserted)
	assert.True(t, ok)
	_, ok = receive(t, feed).(TypingChanged)
	assert.True(t, ok)
	upd, ok := receive(t, feed).(MessageUpdated)
	require.True(t, ok)
	assert.True(t, upd.Message.IsRead)
}

func TestMultiplexer_UserScopeSeesAllMessagesAndProfiles(t *testing.T) {
	tr := NewMemoryTransport()
	mux := NewMultiplexer(tr, 16)

	feed, err := mux.Subscribe(context.Background(), UserScope(100), UserMask())
	require.NoError(t, err)
	defer feed.Close()

	publish(t, tr, payload(t, KindInsert, TableMessages, nil, messageRow(1, 10, 200, "a", false)))
	publish(t, tr, payload(t, KindInsert, TableMessages, nil, messageRow(2, 20, 300, "b", false)))
	publish(t, tr, payload(t, KindUpdate, TableTyping, nil, typingRow(10, 200, true)))
	publish(t, tr, payload(t, KindUpdate, TableProfiles, nil, profileRow(200, true)))

	assert.Equal(t, int64(10), ConversationID(receive(t, feed)))
	assert.Equal(t, int64(20), ConversationID(receive(t, feed)))
	_, ok := receive(t, feed).(ProfileChanged)
	assert.True(t, ok)
	assertNoEvent(t, feed)
}

func TestMultiplexer_MaskExcludesKinds(t *testing.T) {
	tr := NewMemoryTransport()
	mux := NewMultiplexer(tr, 16)

	feed, err := mux.Subscribe(context.Background(), ConversationScope(10), Mask{Messages: OpUpdate})
	require.NoError(t, err)
	defer feed.Close()

	publish(t, tr, payload(t, KindInsert, TableMessages, nil, messageRow(1, 10, 100, "x", false)))
	publish(t, tr, payload(t, KindUpdate, TableMessages, nil, messageRow(1, 10, 100, "x", true)))

	_, ok := receive(t, feed).(MessageUpdated)
	assert.True(t, ok)
	assertNoEvent(t, feed)
}

func TestFeed_CloseIsIdempotentAndUnsubscribes(t *testing.T) {
	tr := NewMemoryTransport()
	mux := NewMultiplexer(tr, 16)

	feed, err := mux.Subscribe(context.Background(), ConversationScope(10), ConversationMask())
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Subscriptions())
	assert.Equal(t, 1, mux.Active())

	feed.Close()
	feed.Close()

	assert.Equal(t, 0, tr.Subscriptions())
	assert.Equal(t, 0, mux.Active())
	_, ok := <-feed.Events()
	assert.False(t, ok)
	assert.NoError(t, feed.Err())

	// 关闭后的发布不会 panic
	publish(t, tr, payload(t, KindInsert, TableMessages, nil, messageRow(1, 10, 100, "late", false)))
}

func TestFeed_ContextCancelCloses(t *testing.T) {
	tr := NewMemoryTransport()
	mux := NewMultiplexer(tr, 16)

	ctx, cancel := context.WithCancel(context.Background())
	feed, err := mux.Subscribe(ctx, UserScope(100), UserMask())
	require.NoError(t, err)

	cancel()
	select {
	case <-feed.Done():
	case <-time.After(time.Second):
		t.Fatal("feed not closed after context cancel")
	}
	assert.Eventually(t, func() bool { return tr.Subscriptions() == 0 }, time.Second, 5*time.Millisecond)
}

func TestFeed_TransportLossMarksStale(t *testing.T) {
	tr := NewMemoryTransport()
	mux := NewMultiplexer(tr, 16)

	feed, err := mux.Subscribe(context.Background(), ConversationScope(10), ConversationMask())
	require.NoError(t, err)

	tr.Disconnect(errors.New("connection reset"))

	_, ok := <-feed.Events()
	assert.False(t, ok)
	assert.True(t, appErrors.Is(feed.Err(), appErrors.ErrTransport))

	// 不会自动重新订阅
	_, err = mux.Subscribe(context.Background(), ConversationScope(10), ConversationMask())
	assert.True(t, appErrors.Is(err, appErrors.ErrTransport))
}

func TestFeed_SlowConsumerFailsWithoutBlocking(t *testing.T) {
	tr := NewMemoryTransport()

	slow, err := NewMultiplexer(tr, 1).Subscribe(context.Background(), ConversationScope(10), ConversationMask())
	require.NoError(t, err)
	fast, err := NewMultiplexer(tr, 16).Subscribe(context.Background(), ConversationScope(10), ConversationMask())
	require.NoError(t, err)
	defer fast.Close()

	var batch [][]byte
	for id := int64(1); id <= 3; id++ {
		batch = append(batch, payload(t, KindInsert, TableMessages, nil, messageRow(id, 10, 100, "x", false)))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, data := range batch {
			publish(t, tr, data)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a feed nobody reads")
	}

	// 已缓冲的事件仍可读出，之后通道关闭
	_, ok := receive(t, slow).(MessageInserted)
	assert.True(t, ok)
	_, ok = <-slow.Events()
	assert.False(t, ok)
	assert.True(t, appErrors.Is(slow.Err(), appErrors.ErrTransport))
	assert.ErrorIs(t, slow.Err(), ErrSlowConsumer)

	for id := int64(1); id <= 3; id++ {
		ins, ok := receive(t, fast).(MessageInserted)
		require.True(t, ok)
		assert.Equal(t, id, ins.Message.ID)
	}
}

func TestMultiplexer_RejectsInvalidScope(t *testing.T) {
	mux := NewMultiplexer(NewMemoryTransport(), 16)

	_, err := mux.Subscribe(context.Background(), ConversationScope(0), ConversationMask())
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	_, err = mux.Subscribe(context.Background(), Scope{ID: 5}, ConversationMask())
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestHandlersDispatch(t *testing.T) {
	var inserted, typing int
	h := Handlers{
		MessageInserted: func(MessageInserted) { inserted++ },
		TypingChanged:   func(TypingChanged) { typing++ },
	}

	h.Dispatch(MessageInserted{})
	h.Dispatch(TypingChanged{EventKind: KindUpdate})
	h.Dispatch(MessageUpdated{})
	h.Dispatch(ProfileChanged{EventKind: KindUpdate})

	assert.Equal(t, 1, inserted)
	assert.Equal(t, 1, typing)
}

func TestRelay_ForwardIgnoresUnknownTables(t *testing.T) {
	tr := NewMemoryTransport()
	var got []string
	_, err := tr.Subscribe(SubjectAll, func(subject string, data []byte) {
		got = append(got, subject)
	})
	require.NoError(t, err)

	publish(t, tr, []byte("not json"))
	publish(t, tr, payload(t, KindInsert, "conversations", nil, map[string]any{"id": 1}))
	publish(t, tr, payload(t, KindInsert, TableMessages, nil, messageRow(1, 42, 100, "x", false)))

	assert.Equal(t, []string{"chat.change.messages.42"}, got)
}

type contentTable map[int64]string

func (c contentTable) MessageContent(ctx context.Context, id int64) (string, error) {
	content, ok := c[id]
	if !ok {
		return "", errors.New("no rows in result set")
	}
	return content, nil
}

func partialMessagePayload(t *testing.T, kind EventKind, old, newRow map[string]any) []byte {
	t.Helper()
	for _, row := range []map[string]any{old, newRow} {
		if row != nil {
			delete(row, "content")
		}
	}
	ce := map[string]any{"eventKind": kind, "table": TableMessages, "old": old, "new": newRow, "partial": true}
	data, err := json.Marshal(ce)
	require.NoError(t, err)
	return data
}

func TestRelay_CompletesPartialMessage(t *testing.T) {
	tr := NewMemoryTransport()
	mux := NewMultiplexer(tr, 8)
	defer mux.Close()

	feed, err := mux.Subscribe(context.Background(), ConversationScope(42), ConversationMask())
	require.NoError(t, err)

	long := strings.Repeat(`"`, model.MaxContentBytes)
	relay := &Relay{publisher: tr, contents: contentTable{7: long}, logger: slog.Default()}

	relay.Forward(context.Background(), partialMessagePayload(t, KindUpdate,
		messageRow(7, 42, 100, "", false),
		messageRow(7, 42, 100, "", true)))

	upd, ok := receive(t, feed).(MessageUpdated)
	require.True(t, ok)
	assert.Equal(t, long, upd.Message.Content)
	assert.True(t, upd.Message.IsRead)
	require.NotNil(t, upd.Message.ReadAt)
	require.NotNil(t, upd.Old)
	assert.False(t, upd.Old.IsRead)

	relay.Forward(context.Background(), partialMessagePayload(t, KindInsert, nil, messageRow(7, 42, 100, "", false)))
	ins, ok := receive(t, feed).(MessageInserted)
	require.True(t, ok)
	assert.Equal(t, long, ins.Message.Content)

	// 内容无法补全时不发布残缺的消息
	relay.Forward(context.Background(), partialMessagePayload(t, KindInsert, nil, messageRow(8, 42, 100, "", false)))
	assertNoEvent(t, feed)
}
