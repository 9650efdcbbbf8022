package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionClosed 会话已关闭
var ErrSessionClosed = errors.New("session closed")

// ErrSendBufferFull 发送队列已满
var ErrSendBufferFull = errors.New("session send buffer full")

// Session 一个已认证的在线传输会话
// 同一用户可以同时持有多个会话（多标签页/多设备）
// 只存在于内存中，进程重启后由客户端重新注册

type Session struct {
	id       string
	userID   uint
	send     chan []byte
	mu       sync.Mutex
	closed   bool
	lastBeat time.Time
}

// NewSession 创建会话，buffer 为发送队列长度
func NewSession(userID uint, buffer int) *Session {
	return &Session{
		id:       uuid.NewString(),
		userID:   userID,
		send:     make(chan []byte, buffer),
		lastBeat: time.Now(),
	}
}

// ID 会话标识
func (s *Session) ID() string { return s.id }

// UserID 会话所属用户
func (s *Session) UserID() uint { return s.userID }

// Push 将数据放入发送队列
// 队列满或会话已关闭时返回错误，由投递引擎决定是否重试
func (s *Session) Push(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Outbox 供传输层写协程消费的发送队列
func (s *Session) Outbox() <-chan []byte {
	return s.send
}

// Touch 刷新心跳时间
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastBeat = time.Now()
	s.mu.Unlock()
}

// LastBeat 最近一次心跳时间
func (s *Session) LastBeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBeat
}

// close 关闭会话，幂等
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}
