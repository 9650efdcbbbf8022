package password

import (
	"golang.org/x/crypto/bcrypt"
)

// DefaultCost bcrypt默认代价因子
const DefaultCost = bcrypt.DefaultCost

// Hash 使用默认代价生成密码哈希
// 盐和代价因子都编码在哈希串里，校验时不需要另外保存
func Hash(plain string) (string, error) {
	return HashWithCost(plain, DefaultCost)
}

// HashWithCost 以指定代价生成密码哈希
// 代价超出bcrypt允许范围时回落到默认值
func HashWithCost(plain string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// Verify 比对明文密码与哈希
func Verify(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
