package presence

import (
	"gigmarket/internal/repository"
	"gigmarket/pkg/redis"
)

// StoreMirror 在线状态镜像的默认实现
// 同时写数据库（最近在线时间）和Redis（带TTL的在线状态）
type StoreMirror struct {
	users *repository.UserRepository
}

// NewStoreMirror 创建镜像实现
func NewStoreMirror(users *repository.UserRepository) *StoreMirror {
	return &StoreMirror{users: users}
}

// SetOnline 标记用户在线
func (m *StoreMirror) SetOnline(userID uint) error {
	if err := m.users.UpdateStatus(userID, "online"); err != nil {
		return err
	}
	return redis.SetUserPresence(userID, "online")
}

// SetOffline 标记用户离线
func (m *StoreMirror) SetOffline(userID uint) error {
	if err := m.users.UpdateStatus(userID, "offline"); err != nil {
		return err
	}
	return redis.SetUserPresence(userID, "offline")
}
