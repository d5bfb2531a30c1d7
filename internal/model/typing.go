package model

import "time"

// TypingIndicator 正在输入状态，每个 (conversation, user) 只有一行，原地更新
type TypingIndicator struct {
	ID             int64     `json:"id" db:"id"`
	ConversationID int64     `json:"conversation_id" db:"conversation_id"`
	UserID         int64     `json:"user_id" db:"user_id"`
	IsTyping       bool      `json:"is_typing" db:"is_typing"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// ActiveAt 判断在 now 时刻是否仍视为正在输入
// 超过 staleAfter 未刷新的指示一律视为过期，无论存储的布尔值
func (t *TypingIndicator) ActiveAt(now time.Time, staleAfter time.Duration) bool {
	if !t.IsTyping {
		return false
	}
	if staleAfter <= 0 {
		return true
	}
	return now.Sub(t.UpdatedAt) < staleAfter
}
