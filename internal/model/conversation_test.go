package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConversationKey(t *testing.T) {
	// 双方算出同一个key
	assert.Equal(t, ConversationKey(3, 7, nil), ConversationKey(7, 3, nil))
	assert.Equal(t, "3:7", ConversationKey(7, 3, nil))

	// 职位维度把同一对用户的对话分开
	jobA := uint(12)
	jobB := uint(13)
	assert.Equal(t, "3:7:job12", ConversationKey(3, 7, &jobA))
	assert.Equal(t, ConversationKey(3, 7, &jobA), ConversationKey(7, 3, &jobA))
	assert.NotEqual(t, ConversationKey(3, 7, &jobA), ConversationKey(3, 7, &jobB))
	assert.NotEqual(t, ConversationKey(3, 7, &jobA), ConversationKey(3, 7, nil))
}
