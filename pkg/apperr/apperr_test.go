package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatching(t *testing.T) {
	err := Persistence("写入失败", errors.New("connection refused"))

	assert.True(t, IsPersistence(err))
	assert.False(t, IsValidation(err))
	assert.False(t, IsDelivery(err))

	// 包装后仍可按类别匹配
	wrapped := fmt.Errorf("发送消息: %w", err)
	assert.True(t, IsPersistence(wrapped))
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Delivery("推送失败", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "推送失败")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestValidationErrorWithoutCause(t *testing.T) {
	err := Validation("消息内容不能为空")

	assert.True(t, IsValidation(err))
	assert.Equal(t, "消息内容不能为空", err.Error())
	assert.Nil(t, errors.Unwrap(err))
}
