package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildKeys(t *testing.T) {
	assert.Equal(t, "im:presence:1001", BuildPresenceKey(1001))
	assert.Equal(t, "im:unread:1001", BuildUnreadKey(1001))
}

func TestDecodeUnreadSkipsGarbage(t *testing.T) {
	counts := DecodeUnread(map[string]string{
		"1002": "3",
		"1003": "0",
		"peer": "1",
		"1004": "many",
	})
	assert.Equal(t, map[int64]int{1002: 3, 1003: 0}, counts)

	fields := EncodeUnread(map[int64]int{1002: 3})
	assert.Equal(t, map[string]any{"1002": 3}, fields)
}
