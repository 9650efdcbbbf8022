package password

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// 哈希后应能用原始密码校验通过，错误密码校验失败
func TestHashAndVerify(t *testing.T) {
	hash, err := Hash("secret123")
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	assert.True(t, Verify("secret123", hash))
	assert.False(t, Verify("wrong-password", hash))
}

// 指定代价生成的哈希应携带该代价
func TestHashWithCost(t *testing.T) {
	hash, err := HashWithCost("secret123", bcrypt.MinCost)
	require.NoError(t, err)

	cost, err := bcrypt.Cost([]byte(hash))
	require.NoError(t, err)
	assert.Equal(t, bcrypt.MinCost, cost)
	assert.True(t, Verify("secret123", hash))
}

// 超出允许范围的代价回落到默认值
func TestHashWithInvalidCostFallsBack(t *testing.T) {
	hash, err := HashWithCost("secret123", bcrypt.MaxCost+1)
	require.NoError(t, err)

	cost, err := bcrypt.Cost([]byte(hash))
	require.NoError(t, err)
	assert.Equal(t, DefaultCost, cost)
}

// 校验非法哈希串不会panic，直接返回false
func TestVerifyMalformedHash(t *testing.T) {
	assert.False(t, Verify("secret123", "not-a-bcrypt-hash"))
}
