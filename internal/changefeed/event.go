package changefeed

import (
	"encoding/json"
	"errors"
	"fmt"

	"sudooom.im.chat/internal/model"
)

// EventKind 行级变更类型
type EventKind string

const (
	KindInsert EventKind = "INSERT"
	KindUpdate EventKind = "UPDATE"
	KindDelete EventKind = "DELETE"
)

// 被监听的表
const (
	TableMessages = "messages"
	TableTyping   = "typing_indicators"
	TableProfiles = "profiles"
)

var (
	ErrUnknownTable     = errors.New("changefeed: unknown table")
	ErrUnsupportedEvent = errors.New("changefeed: unsupported event")
	ErrEmptyRecord      = errors.New("changefeed: event carries no record")
)

// ChangeEvent 触发器通过 pg_notify 发出的原始载荷，relay 转发到 NATS
// Partial 表示负载过大时去掉了 content，relay 补全后再发布
type ChangeEvent struct {
	EventKind EventKind       `json:"eventKind"`
	Table     string          `json:"table"`
	Old       json.RawMessage `json:"old"`
	New       json.RawMessage `json:"new"`
	Partial   bool            `json:"partial,omitempty"`
}

// record 返回变更后的行，DELETE 时返回变更前的行
func (e ChangeEvent) record() (json.RawMessage, error) {
	if !isNull(e.New) {
		return e.New, nil
	}
	if !isNull(e.Old) {
		return e.Old, nil
	}
	return nil, ErrEmptyRecord
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// Event 解码后的变更事件
// 具体类型只有 MessageInserted / MessageUpdated / TypingChanged / ProfileChanged
type Event interface {
	Kind() EventKind
	isEvent()
}

// MessageInserted 新消息
type MessageInserted struct {
	Message model.Message
}

// MessageUpdated 消息状态变更（送达、已读）
type MessageUpdated struct {
	Old     *model.Message // 触发器未携带旧行时为 nil
	Message model.Message
}

// TypingChanged 输入状态变更
type TypingChanged struct {
	EventKind EventKind
	Indicator model.TypingIndicator
}

// ProfileChanged 用户资料（在线状态）变更
type ProfileChanged struct {
	EventKind EventKind
	Profile   model.Profile
}

func (MessageInserted) Kind() EventKind  { return KindInsert }
func (MessageUpdated) Kind() EventKind   { return KindUpdate }
func (e TypingChanged) Kind() EventKind  { return e.EventKind }
func (e ProfileChanged) Kind() EventKind { return e.EventKind }

func (MessageInserted) isEvent() {}
func (MessageUpdated) isEvent()  {}
func (TypingChanged) isEvent()   {}
func (ProfileChanged) isEvent()  {}

// Decode 将原始载荷解码为具体事件
// 消息删除不在模型范围内，返回 ErrUnsupportedEvent
func Decode(ce ChangeEvent) (Event, error) {
	raw, err := ce.record()
	if err != nil {
		return nil, err
	}

	switch ce.Table {
	case TableMessages:
		var msg model.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		switch ce.EventKind {
		case KindInsert:
			return MessageInserted{Message: msg}, nil
		case KindUpdate:
			ev := MessageUpdated{Message: msg}
			if !isNull(ce.Old) {
				var old model.Message
				if err := json.Unmarshal(ce.Old, &old); err == nil {
					ev.Old = &old
				}
			}
			return ev, nil
		}
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedEvent, ce.EventKind, ce.Table)

	case TableTyping:
		var indicator model.TypingIndicator
		if err := json.Unmarshal(raw, &indicator); err != nil {
			return nil, fmt.Errorf("decode typing indicator: %w", err)
		}
		// 删除的输入行等同于停止输入
		if ce.EventKind == KindDelete {
			indicator.IsTyping = false
		}
		return TypingChanged{EventKind: ce.EventKind, Indicator: indicator}, nil

	case TableProfiles:
		var profile model.Profile
		if err := json.Unmarshal(raw, &profile); err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}
		return ProfileChanged{EventKind: ce.EventKind, Profile: profile}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownTable, ce.Table)
}

// ConversationID 返回事件所属会话，资料事件返回 0
func ConversationID(ev Event) int64 {
	switch e := ev.(type) {
	case MessageInserted:
		return e.Message.ConversationID
	case MessageUpdated:
		return e.Message.ConversationID
	case TypingChanged:
		return e.Indicator.ConversationID
	}
	return 0
}

// Table 返回事件来源表
func Table(ev Event) string {
	switch ev.(type) {
	case MessageInserted, MessageUpdated:
		return TableMessages
	case TypingChanged:
		return TableTyping
	case ProfileChanged:
		return TableProfiles
	}
	return ""
}

// Handlers 按事件类型分发，未设置的回调忽略对应事件
type Handlers struct {
	MessageInserted func(MessageInserted)
	MessageUpdated  func(MessageUpdated)
	TypingChanged   func(TypingChanged)
	ProfileChanged  func(ProfileChanged)
}

// Dispatch 调用与事件类型对应的回调
func (h Handlers) Dispatch(ev Event) {
	switch e := ev.(type) {
	case MessageInserted:
		if h.MessageInserted != nil {
			h.MessageInserted(e)
		}
	case MessageUpdated:
		if h.MessageUpdated != nil {
			h.MessageUpdated(e)
		}
	case TypingChanged:
		if h.TypingChanged != nil {
			h.TypingChanged(e)
		}
	case ProfileChanged:
		if h.ProfileChanged != nil {
			h.ProfileChanged(e)
		}
	}
}
