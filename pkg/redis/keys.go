package redis

import (
	"fmt"
	"strconv"
)

const (
	// PresenceKeyPrefix 在线心跳 Key 前缀
	// 完整格式: im:presence:{userId}，值为最后心跳的 Unix 毫秒
	PresenceKeyPrefix = "im:presence:"

	// UnreadKeyPrefix 未读数快照 Hash 前缀
	// 完整格式: im:unread:{userId}，field 为 peerId，value 为未读数
	UnreadKeyPrefix = "im:unread:"
)

// BuildPresenceKey 构建在线心跳 Key
func BuildPresenceKey(userId int64) string {
	return fmt.Sprintf("%s%d", PresenceKeyPrefix, userId)
}

// BuildUnreadKey 构建未读数快照 Key
func BuildUnreadKey(userId int64) string {
	return fmt.Sprintf("%s%d", UnreadKeyPrefix, userId)
}

// EncodeUnread 未读数映射转为 HSET 参数
func EncodeUnread(counts map[int64]int) map[string]any {
	fields := make(map[string]any, len(counts))
	for peerId, n := range counts {
		fields[strconv.FormatInt(peerId, 10)] = n
	}
	return fields
}

// DecodeUnread 解析 HGETALL 结果，无法解析的字段跳过
func DecodeUnread(fields map[string]string) map[int64]int {
	counts := make(map[int64]int, len(fields))
	for field, value := range fields {
		peerId, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			continue
		}
		counts[peerId] = n
	}
	return counts
}
