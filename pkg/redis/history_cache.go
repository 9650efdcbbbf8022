package redis

import (
	"encoding/json"
	"fmt"
	"time"

	"gigmarket/internal/model"
)

// 对话历史缓存
// key按确定性的对话key组织，双方看到同一份缓存
// 首页历史读取先尝试缓存，未命中回源数据库后异步回填
const (
	HistoryKeyPrefix = "gig:history:" // 对话历史缓存key前缀
)

// 缓存配置（启动时从配置注入）
var (
	HistoryCacheTTL   = time.Hour // 历史缓存TTL
	MaxCachedMessages = 30        // 单个对话最大缓存消息数
)

// SetHistoryCacheConfig 设置历史缓存配置
func SetHistoryCacheConfig(ttl time.Duration, maxMessages int) {
	if ttl > 0 {
		HistoryCacheTTL = ttl
	}
	if maxMessages > 0 {
		MaxCachedMessages = maxMessages
	}
}

// CacheHistory 缓存对话的最近消息（按createdAt升序存放）
func CacheHistory(conversationKey string, messages []*model.Message) error {
	if client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}

	if len(messages) > MaxCachedMessages {
		messages = messages[len(messages)-MaxCachedMessages:]
	}

	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("序列化历史消息失败: %w", err)
	}

	key := HistoryKeyPrefix + conversationKey
	if err := client.Set(ctx, key, data, HistoryCacheTTL).Err(); err != nil {
		return fmt.Errorf("缓存历史消息失败: %w", err)
	}

	return nil
}

// GetCachedHistory 读取对话历史缓存，未命中返回空切片
func GetCachedHistory(conversationKey string) ([]*model.Message, error) {
	if client == nil {
		return nil, fmt.Errorf("redis客户端未初始化")
	}

	key := HistoryKeyPrefix + conversationKey

	data, err := client.Get(ctx, key).Result()
	if err != nil {
		if err.Error() == "redis: nil" {
			return nil, nil
		}
		return nil, fmt.Errorf("读取历史缓存失败: %w", err)
	}

	var messages []*model.Message
	if err := json.Unmarshal([]byte(data), &messages); err != nil {
		return nil, fmt.Errorf("反序列化历史缓存失败: %w", err)
	}

	return messages, nil
}

// InvalidateHistory 使对话历史缓存失效
// 消息状态变更（送达/已读/删除）后调用，避免缓存返回过期状态
func InvalidateHistory(conversationKey string) error {
	if client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}

	key := HistoryKeyPrefix + conversationKey
	if err := client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("删除历史缓存失败: %w", err)
	}

	return nil
}
