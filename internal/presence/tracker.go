package presence

import (
	"sync"
	"time"

	"gigmarket/internal/event"
	"gigmarket/pkg/apperr"

	"go.uber.org/zap"
)

// OnlineChecker 在线判定，由连接注册表实现
type OnlineChecker interface {
	IsOnline(userID uint) bool
}

// Broadcaster 全量扇出，由连接注册表实现
type Broadcaster interface {
	Broadcast(data []byte)
}

// RoomBroadcaster 房间定向扇出，由房间路由实现
type RoomBroadcaster interface {
	Broadcast(conversationKey string, data []byte, exclude ...string)
}

// Mirror 在线状态的外部镜像（Redis + 用户表）
// 镜像失败不影响消息正确性，只记日志
type Mirror interface {
	SetOnline(userID uint) error
	SetOffline(userID uint) error
}

// typingKey 输入状态的定位键
type typingKey struct {
	conversationKey string
	userID          uint
}

// Tracker 在线/输入状态跟踪器
// 输入状态带自动过期：即使 stop 信号丢失，TTL 到期后指示器也会消失，
// 过期计时器是正确性兜底，显式 stop 只是提前结束
type Tracker struct {
	mu     sync.Mutex
	typing map[typingKey]*time.Timer

	typingTTL time.Duration

	online OnlineChecker
	rooms  RoomBroadcaster
	global Broadcaster
	mirror Mirror
}

// NewTracker 创建在线状态跟踪器
func NewTracker(typingTTL time.Duration, online OnlineChecker, rooms RoomBroadcaster, global Broadcaster, mirror Mirror) *Tracker {
	return &Tracker{
		typing:    make(map[typingKey]*time.Timer),
		typingTTL: typingTTL,
		online:    online,
		rooms:     rooms,
		global:    global,
		mirror:    mirror,
	}
}

// StartTyping 记录输入状态并向房间广播
// 重复调用只重置过期计时器（防抖），不会堆叠计时器，也不重复广播
func (t *Tracker) StartTyping(userID uint, conversationKey string, excludeSessions ...string) {
	key := typingKey{conversationKey: conversationKey, userID: userID}

	t.mu.Lock()
	if timer, ok := t.typing[key]; ok {
		timer.Reset(t.typingTTL)
		t.mu.Unlock()
		return
	}
	t.typing[key] = time.AfterFunc(t.typingTTL, func() {
		t.expireTyping(userID, conversationKey)
	})
	t.mu.Unlock()

	data, err := event.NewTyping(event.KindTypingStart, conversationKey, userID).Encode()
	if err != nil {
		zap.L().Warn("编码typing事件失败", zap.Error(err))
		return
	}
	t.rooms.Broadcast(conversationKey, data, excludeSessions...)
}

// StopTyping 显式停止输入
func (t *Tracker) StopTyping(userID uint, conversationKey string, excludeSessions ...string) {
	key := typingKey{conversationKey: conversationKey, userID: userID}

	t.mu.Lock()
	timer, ok := t.typing[key]
	if ok {
		timer.Stop()
		delete(t.typing, key)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	t.broadcastTypingStop(userID, conversationKey, excludeSessions...)
}

// expireTyping TTL到期的隐式停止
func (t *Tracker) expireTyping(userID uint, conversationKey string) {
	key := typingKey{conversationKey: conversationKey, userID: userID}

	t.mu.Lock()
	_, ok := t.typing[key]
	if ok {
		delete(t.typing, key)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	t.broadcastTypingStop(userID, conversationKey)
}

func (t *Tracker) broadcastTypingStop(userID uint, conversationKey string, excludeSessions ...string) {
	data, err := event.NewTyping(event.KindTypingStop, conversationKey, userID).Encode()
	if err != nil {
		zap.L().Warn("编码typing事件失败", zap.Error(err))
		return
	}
	t.rooms.Broadcast(conversationKey, data, excludeSessions...)
}

// IsTyping 用户在某对话中是否正在输入
func (t *Tracker) IsTyping(userID uint, conversationKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typing[typingKey{conversationKey: conversationKey, userID: userID}]
	return ok
}

// IsOnline 用户是否在线（含断线宽限期）
func (t *Tracker) IsOnline(userID uint) bool {
	return t.online.IsOnline(userID)
}

// UserOnline 连接注册表回调：用户上线
func (t *Tracker) UserOnline(userID uint) {
	if err := t.mirror.SetOnline(userID); err != nil {
		// 镜像失败属于 PresenceError，吞掉不上报
		zap.L().Warn("更新在线镜像失败", zap.Uint("user_id", userID),
			zap.Error(apperr.Presence("set online mirror", err)))
	}

	data, err := event.NewPresence(event.KindPresenceOnline, userID, "", "").Encode()
	if err != nil {
		return
	}
	t.global.Broadcast(data)
}

// UserOffline 连接注册表回调：用户离线（宽限期已过）
func (t *Tracker) UserOffline(userID uint) {
	// 清掉该用户残留的输入状态，房间里不留卡住的指示器
	t.mu.Lock()
	var stopped []string
	for key, timer := range t.typing {
		if key.userID != userID {
			continue
		}
		timer.Stop()
		delete(t.typing, key)
		stopped = append(stopped, key.conversationKey)
	}
	t.mu.Unlock()

	for _, conversationKey := range stopped {
		t.broadcastTypingStop(userID, conversationKey)
	}

	if err := t.mirror.SetOffline(userID); err != nil {
		zap.L().Warn("更新离线镜像失败", zap.Uint("user_id", userID),
			zap.Error(apperr.Presence("set offline mirror", err)))
	}

	data, err := event.NewPresence(event.KindPresenceOffline, userID, "", time.Now().Format(time.RFC3339)).Encode()
	if err != nil {
		return
	}
	t.global.Broadcast(data)
}
