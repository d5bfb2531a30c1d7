package model

import "time"

// Conversation 两个用户之间唯一的私聊会话
// participant 对无序：{A,B} 与 {B,A} 是同一个会话，由数据库 (LEAST, GREATEST) 唯一索引保证
type Conversation struct {
	ID           int64     `json:"id" db:"id"`
	Participant1 int64     `json:"participant_1" db:"participant_1"`
	Participant2 int64     `json:"participant_2" db:"participant_2"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"` // 每条新消息都会刷新
}

// HasParticipant 判断用户是否为会话参与者
func (c *Conversation) HasParticipant(userID int64) bool {
	return c.Participant1 == userID || c.Participant2 == userID
}

// PeerOf 返回会话中另一方的用户ID，非参与者返回 0
func (c *Conversation) PeerOf(userID int64) int64 {
	switch userID {
	case c.Participant1:
		return c.Participant2
	case c.Participant2:
		return c.Participant1
	default:
		return 0
	}
}

// CanonicalPair 返回规范化后的 (min, max) 用户对
func CanonicalPair(a, b int64) (int64, int64) {
	if a < b {
		return a, b
	}
	return b, a
}
