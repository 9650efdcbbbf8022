package room

import (
	"sync"

	"gigmarket/internal/registry"
)

// Router 对话房间路由
// 按对话key把会话分组，房间内广播只到达当前打开该对话的会话
// 消息投递不经过房间（走注册表的全会话路径），输入指示器才按房间定向
type Router struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]*registry.Session // 对话key → sessionID → 会话
	joined  map[string]map[string]struct{}          // sessionID → 已加入的对话key集合
}

// NewRouter 创建房间路由
func NewRouter() *Router {
	return &Router{
		rooms:  make(map[string]map[string]*registry.Session),
		joined: make(map[string]map[string]struct{}),
	}
}

// Join 会话加入对话房间
// 一个会话可以同时打开多个对话线程
func (r *Router) Join(s *registry.Session, conversationKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[conversationKey]
	if !ok {
		members = make(map[string]*registry.Session)
		r.rooms[conversationKey] = members
	}
	members[s.ID()] = s

	keys, ok := r.joined[s.ID()]
	if !ok {
		keys = make(map[string]struct{})
		r.joined[s.ID()] = keys
	}
	keys[conversationKey] = struct{}{}
}

// Leave 会话离开对话房间，未加入过为 no-op
func (r *Router) Leave(sessionID, conversationKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(sessionID, conversationKey)
}

// LeaveAll 会话断开时退出其全部房间
func (r *Router) LeaveAll(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.joined[sessionID] {
		r.leaveLocked(sessionID, key)
	}
}

// leaveLocked 调用方必须持有写锁
func (r *Router) leaveLocked(sessionID, conversationKey string) {
	if members, ok := r.rooms[conversationKey]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.rooms, conversationKey)
		}
	}
	if keys, ok := r.joined[sessionID]; ok {
		delete(keys, conversationKey)
		if len(keys) == 0 {
			delete(r.joined, sessionID)
		}
	}
}

// Members 房间内的会话快照
func (r *Router) Members(conversationKey string) []*registry.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[conversationKey]
	result := make([]*registry.Session, 0, len(members))
	for _, s := range members {
		result = append(result, s)
	}
	return result
}

// Broadcast 向房间内所有会话推送事件
// exclude 用于跳过发起方自己的会话；推送尽力而为，队列满则丢弃
func (r *Router) Broadcast(conversationKey string, data []byte, exclude ...string) {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	for _, s := range r.Members(conversationKey) {
		if _, ok := skip[s.ID()]; ok {
			continue
		}
		_ = s.Push(data)
	}
}
