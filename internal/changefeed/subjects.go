package changefeed

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// NATS Subject 定义
// 完整格式: chat.change.{table}.{scope_id}
// messages / typing 以 conversation_id 为作用域，profiles 以用户 id 为作用域
const (
	SubjectPrefix = "chat.change."

	SubjectMessagesPrefix = SubjectPrefix + "messages."
	SubjectTypingPrefix   = SubjectPrefix + "typing."
	SubjectProfilesPrefix = SubjectPrefix + "profiles."

	// SubjectAll 所有变更
	SubjectAll = SubjectPrefix + ">"
)

// BuildMessagesSubject 构建会话消息 Subject
func BuildMessagesSubject(conversationID int64) string {
	return SubjectMessagesPrefix + strconv.FormatInt(conversationID, 10)
}

// BuildTypingSubject 构建会话输入状态 Subject
func BuildTypingSubject(conversationID int64) string {
	return SubjectTypingPrefix + strconv.FormatInt(conversationID, 10)
}

// BuildProfilesSubject 构建用户资料 Subject
func BuildProfilesSubject(userID int64) string {
	return SubjectProfilesPrefix + strconv.FormatInt(userID, 10)
}

// BuildConversationSubject 订阅一个会话下所有表的通配 Subject
// 同一订阅内的消息按发布顺序到达，因此消息与输入状态共享提交顺序
func BuildConversationSubject(conversationID int64) string {
	return SubjectPrefix + "*." + strconv.FormatInt(conversationID, 10)
}

type scopeColumns struct {
	ID             int64 `json:"id"`
	ConversationID int64 `json:"conversation_id"`
}

// SubjectFor 根据行的作用域列计算发布 Subject
func SubjectFor(ce ChangeEvent) (string, error) {
	raw, err := ce.record()
	if err != nil {
		return "", err
	}

	var cols scopeColumns
	if err := json.Unmarshal(raw, &cols); err != nil {
		return "", fmt.Errorf("decode scope columns: %w", err)
	}

	switch ce.Table {
	case TableMessages:
		return BuildMessagesSubject(cols.ConversationID), nil
	case TableTyping:
		return BuildTypingSubject(cols.ConversationID), nil
	case TableProfiles:
		return BuildProfilesSubject(cols.ID), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTable, ce.Table)
}
