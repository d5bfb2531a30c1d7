package model

import "time"

// MaxContentBytes 消息内容上限（字节），与 messages.content 的 CHECK 约束一致
const MaxContentBytes = 4000

// DeliveryState 消息投递状态
type DeliveryState string

const (
	DeliveryStateSent      DeliveryState = "sent"
	DeliveryStateDelivered DeliveryState = "delivered"
	DeliveryStateRead      DeliveryState = "read"
)

// Message 消息实体
// content 创建后不可变；read_at 只由接收方设置一次且不可回退
type Message struct {
	ID             int64      `json:"id" db:"id"`
	ConversationID int64      `json:"conversation_id" db:"conversation_id"`
	SenderID       int64      `json:"sender_id" db:"sender_id"`
	Content        string     `json:"content" db:"content"`
	IsRead         bool       `json:"is_read" db:"is_read"`
	DeliveredAt    *time.Time `json:"delivered_at" db:"delivered_at"`
	ReadAt         *time.Time `json:"read_at" db:"read_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// DeliveryState 根据时间戳推导投递状态
func (m *Message) DeliveryState() DeliveryState {
	switch {
	case m.ReadAt != nil:
		return DeliveryStateRead
	case m.DeliveredAt != nil:
		return DeliveryStateDelivered
	default:
		return DeliveryStateSent
	}
}

// IsUnreadFor 判断消息对某用户来说是否未读（只统计对方发来的消息）
func (m *Message) IsUnreadFor(userID int64) bool {
	return m.SenderID != userID && !m.IsRead
}

// HistoryQuery 历史消息查询条件
// Limit <= 0 表示全部；Before > 0 时只返回 id 小于该值的消息
type HistoryQuery struct {
	Before int64 `form:"before"`
	Limit  int   `form:"limit"`
}

// All 是否请求完整历史
func (q HistoryQuery) All() bool {
	return q.Before <= 0 && q.Limit <= 0
}
