package registry

import (
	"context"
	"sync"
	"time"
)

// PresenceListener 上下线事件回调
// 由在线状态组件实现，离线通知已经吸收了宽限期
type PresenceListener interface {
	UserOnline(userID uint)
	UserOffline(userID uint)
}

// Registry 连接注册表
// 维护 userID → 在线会话集合的映射，进程级共享状态
// 最后一个会话断开后先进入宽限期再通知离线，避免刷新页面导致状态抖动
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session          // sessionID → 会话
	byUser      map[uint]map[string]*Session // userID → 会话集合
	graceTimers map[uint]*time.Timer         // userID → 离线宽限计时器

	grace            time.Duration
	heartbeatTimeout time.Duration

	listener   PresenceListener
	closeHooks []func(*Session)
}

// New 创建连接注册表
func New(grace, heartbeatTimeout time.Duration) *Registry {
	return &Registry{
		sessions:         make(map[string]*Session),
		byUser:           make(map[uint]map[string]*Session),
		graceTimers:      make(map[uint]*time.Timer),
		grace:            grace,
		heartbeatTimeout: heartbeatTimeout,
	}
}

// SetListener 设置上下线回调（启动时注入，之后不再变更）
func (r *Registry) SetListener(l PresenceListener) {
	r.listener = l
}

// OnSessionClosed 注册会话清理钩子（例如退出所有对话房间）
func (r *Registry) OnSessionClosed(fn func(*Session)) {
	r.closeHooks = append(r.closeHooks, fn)
}

// Register 注册会话，按 sessionID 幂等
// 用户的第一个会话会触发上线通知；宽限期内重连只取消计时器，不重复通知
func (r *Registry) Register(s *Session) {
	r.mu.Lock()

	if _, exists := r.sessions[s.ID()]; exists {
		r.mu.Unlock()
		return
	}

	r.sessions[s.ID()] = s
	userSessions, ok := r.byUser[s.UserID()]
	if !ok {
		userSessions = make(map[string]*Session)
		r.byUser[s.UserID()] = userSessions
	}
	first := len(userSessions) == 0
	userSessions[s.ID()] = s

	// 宽限期内重连：取消离线计时器，状态未曾翻转，不通知
	graceAbsorbed := false
	if timer, ok := r.graceTimers[s.UserID()]; ok {
		timer.Stop()
		delete(r.graceTimers, s.UserID())
		graceAbsorbed = true
	}

	r.mu.Unlock()

	if first && !graceAbsorbed && r.listener != nil {
		r.listener.UserOnline(s.UserID())
	}
}

// Deregister 移除会话
// 未知的 sessionID 是 no-op（清理操作幂等）
// 用户最后一个会话移除后启动离线宽限计时器
func (r *Registry) Deregister(sessionID string) {
	r.mu.Lock()

	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}

	delete(r.sessions, sessionID)
	userID := s.UserID()
	if userSessions, ok := r.byUser[userID]; ok {
		delete(userSessions, sessionID)
		if len(userSessions) == 0 {
			delete(r.byUser, userID)
			r.startGraceTimerLocked(userID)
		}
	}

	hooks := r.closeHooks
	r.mu.Unlock()

	s.close()
	for _, fn := range hooks {
		fn(s)
	}
}

// startGraceTimerLocked 启动离线宽限计时器，调用方必须持有写锁
func (r *Registry) startGraceTimerLocked(userID uint) {
	if timer, ok := r.graceTimers[userID]; ok {
		timer.Stop()
	}
	r.graceTimers[userID] = time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		// 宽限期内重新注册过则计时器已被取消；这里再确认一次
		if len(r.byUser[userID]) > 0 {
			r.mu.Unlock()
			return
		}
		delete(r.graceTimers, userID)
		r.mu.Unlock()

		if r.listener != nil {
			r.listener.UserOffline(userID)
		}
	})
}

// SessionsFor 返回用户当前的在线会话，可能为空
func (r *Registry) SessionsFor(userID uint) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userSessions := r.byUser[userID]
	result := make([]*Session, 0, len(userSessions))
	for _, s := range userSessions {
		result = append(result, s)
	}
	return result
}

// Session 按 sessionID 查找会话
func (r *Registry) Session(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// IsOnline 用户是否在线
// 宽限期内（会话刚断开、计时器未到期）仍视为在线
func (r *Registry) IsOnline(userID uint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.byUser[userID]) > 0 {
		return true
	}
	_, graceful := r.graceTimers[userID]
	return graceful
}

// Touch 刷新会话心跳，未知会话为 no-op
func (r *Registry) Touch(sessionID string) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		s.Touch()
	}
}

// Broadcast 推送给所有在线会话（在线状态事件的全量扇出）
// 尽力而为：个别会话队列满时跳过
func (r *Registry) Broadcast(data []byte) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		_ = s.Push(data)
	}
}

// Run 心跳巡检：周期性清理超时会话
// 进程退出时随 ctx 结束
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.purgeStale()
		}
	}
}

// purgeStale 清理超过心跳超时时间未活动的会话
func (r *Registry) purgeStale() {
	cutoff := time.Now().Add(-r.heartbeatTimeout)

	r.mu.RLock()
	var stale []string
	for id, s := range r.sessions {
		if s.LastBeat().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.Deregister(id)
	}
}
