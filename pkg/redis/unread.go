package redis

import (
	"fmt"
	"strconv"
	"time"
)

// 未读消息计数相关常量
const (
	UnreadCountKeyPrefix = "gig:unread:"  // 未读消息计数key前缀
	UnreadCountTTL       = 24 * time.Hour // 计数TTL，过期后回源数据库
)

// IncrementUnreadCount 增加用户未读消息计数
func IncrementUnreadCount(userID uint) error {
	if client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}

	key := fmt.Sprintf("%s%d", UnreadCountKeyPrefix, userID)

	if err := client.Incr(ctx, key).Err(); err != nil {
		return fmt.Errorf("增加未读消息计数失败: %w", err)
	}

	if err := client.Expire(ctx, key, UnreadCountTTL).Err(); err != nil {
		return fmt.Errorf("设置未读消息计数TTL失败: %w", err)
	}

	return nil
}

// DecrementUnreadCount 减少用户未读消息计数
func DecrementUnreadCount(userID uint) error {
	if client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}

	key := fmt.Sprintf("%s%d", UnreadCountKeyPrefix, userID)

	if err := client.Decr(ctx, key).Err(); err != nil {
		return fmt.Errorf("减少未读消息计数失败: %w", err)
	}

	// 计数为0或负数时删除key
	count, err := client.Get(ctx, key).Int64()
	if err == nil && count <= 0 {
		client.Del(ctx, key)
	}

	return nil
}

// GetUnreadCount 获取用户未读消息计数
// key不存在时返回-1，表示需要从数据库回源
func GetUnreadCount(userID uint) (int64, error) {
	if client == nil {
		return 0, fmt.Errorf("redis客户端未初始化")
	}

	key := fmt.Sprintf("%s%d", UnreadCountKeyPrefix, userID)

	result, err := client.Get(ctx, key).Result()
	if err != nil {
		if err.Error() == "redis: nil" {
			return -1, nil
		}
		return 0, fmt.Errorf("获取未读消息计数失败: %w", err)
	}

	count, err := strconv.ParseInt(result, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("解析未读消息计数失败: %w", err)
	}

	return count, nil
}

// SetUnreadCount 设置用户未读消息计数（数据库回源后同步）
func SetUnreadCount(userID uint, count int64) error {
	if client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}

	key := fmt.Sprintf("%s%d", UnreadCountKeyPrefix, userID)

	if err := client.Set(ctx, key, count, UnreadCountTTL).Err(); err != nil {
		return fmt.Errorf("设置未读消息计数失败: %w", err)
	}

	return nil
}

// ResetUnreadCount 重置用户未读消息计数为0
func ResetUnreadCount(userID uint) error {
	if client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}

	key := fmt.Sprintf("%s%d", UnreadCountKeyPrefix, userID)

	if err := client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("重置未读消息计数失败: %w", err)
	}

	return nil
}
