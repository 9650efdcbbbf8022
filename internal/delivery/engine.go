package delivery

import (
	"fmt"
	"sync"
	"time"

	"gigmarket/internal/event"
	"gigmarket/internal/model"
	"gigmarket/internal/registry"
	"gigmarket/pkg/apperr"

	"go.uber.org/zap"
)

// Store 投递引擎需要的持久化操作
// 由消息仓储实现；状态更新必须带前置状态条件，保证状态机只前进
type Store interface {
	Create(m *model.Message) error
	UpdateStatus(messageID uint, from, to string) error
	IncrementRetry(messageID uint) (int, error)
	MarkRead(messageID uint, readAt time.Time) error
	GetByID(messageID uint) (*model.Message, error)
}

// SessionProvider 在线会话查询，由连接注册表实现
type SessionProvider interface {
	SessionsFor(userID uint) []*registry.Session
}

// Config 投递引擎配置
type Config struct {
	MaxAttempts  int           // 最大推送尝试次数
	RetryBackoff time.Duration // 首次重试退避时间，之后逐次翻倍
}

// Engine 投递引擎
// 每条消息的状态机：sending → sent → delivered → read
// failed 从 sending/sent 进入，重试耗尽后停留，手动重发回到 sending
//
// 持久化成功（sent）即为耐久性边界：之后推送全部失败也不会丢消息，
// 接收方不在线时消息以 sent 状态留在存储里等待重连拉取（离线队列）
type Engine struct {
	store    Store
	sessions SessionProvider
	cfg      Config

	// 状态变更钩子（缓存失效等），启动时注入
	onStatus func(m *model.Message, status string)

	mu      sync.Mutex
	pending map[uint]*time.Timer // messageID → 排程中的重试计时器
}

// NewEngine 创建投递引擎
func NewEngine(store Store, sessions SessionProvider, cfg Config) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &Engine{
		store:    store,
		sessions: sessions,
		cfg:      cfg,
		pending:  make(map[uint]*time.Timer),
	}
}

// OnStatusChange 注册状态变更钩子
func (e *Engine) OnStatusChange(fn func(m *model.Message, status string)) {
	e.onStatus = fn
}

// Submit 接收一条出站消息：先落库，再尝试实时投递
// 返回时消息已持久化且状态为 sent；实时推送异步进行
func (e *Engine) Submit(m *model.Message) error {
	m.DeliveryStatus = model.StatusSending
	if err := e.store.Create(m); err != nil {
		// 持久化失败对本次发送是致命的：消息没有服务端ID，客户端需整体重试
		return apperr.Persistence("创建消息失败", err)
	}

	// 持久化成功即转为 sent，这里是耐久性边界
	if err := e.store.UpdateStatus(m.ID, model.StatusSending, model.StatusSent); err != nil {
		return apperr.Persistence("更新消息状态失败", err)
	}
	m.DeliveryStatus = model.StatusSent
	e.notifyStatus(m, model.StatusSent)

	// 投递协程持有自己的副本，后续状态写入不触碰调用方仍在读取的结构体
	clone := *m
	go e.deliver(&clone, 0)
	return nil
}

// Resend 手动重发一条 failed 状态的消息
// failed → sending 是状态机中唯一的回退边，只允许显式触发
func (e *Engine) Resend(messageID, senderID uint) (*model.Message, error) {
	m, err := e.store.GetByID(messageID)
	if err != nil {
		return nil, apperr.Persistence("查询消息失败", err)
	}
	if m.SenderID != senderID {
		return nil, apperr.Validation("只能重发自己发送的消息")
	}
	if m.DeliveryStatus != model.StatusFailed {
		return nil, apperr.Validation("只有发送失败的消息可以重发")
	}

	if err := e.store.UpdateStatus(messageID, model.StatusFailed, model.StatusSending); err != nil {
		return nil, apperr.Persistence("更新消息状态失败", err)
	}
	if err := e.store.UpdateStatus(messageID, model.StatusSending, model.StatusSent); err != nil {
		return nil, apperr.Persistence("更新消息状态失败", err)
	}
	m.DeliveryStatus = model.StatusSent
	e.notifyStatus(m, model.StatusSent)

	clone := *m
	go e.deliver(&clone, 0)
	return m, nil
}

// MarkRead 接收方确认已读
// 已读回执只推送给发送者的在线会话，不作为独立消息持久化
func (e *Engine) MarkRead(messageID, readerID uint) (*model.Message, error) {
	m, err := e.store.GetByID(messageID)
	if err != nil {
		return nil, apperr.Persistence("查询消息失败", err)
	}
	if m.RecipientID != readerID {
		return nil, apperr.Validation("只能标记发给自己的消息为已读")
	}
	if m.IsRead {
		// 重复标记是幂等的
		return m, nil
	}

	readAt := time.Now()
	if err := e.store.MarkRead(messageID, readAt); err != nil {
		return nil, apperr.Persistence("标记已读失败", err)
	}
	m.IsRead = true
	m.ReadAt = &readAt
	// 状态机没有 failed → read 的边，failed 消息只置已读标记，投递状态保持不变
	if model.CanTransition(m.DeliveryStatus, model.StatusRead) {
		m.DeliveryStatus = model.StatusRead
	}
	e.notifyStatus(m, model.StatusRead)

	e.pushStatusToSender(m, model.StatusRead)
	return m, nil
}

// deliver 单次投递尝试，attempt 从0开始计数
func (e *Engine) deliver(m *model.Message, attempt int) {
	sessions := e.sessions.SessionsFor(m.RecipientID)
	if len(sessions) == 0 {
		if attempt > 0 {
			// 重试途中对方下线：取消剩余重试，消息以 sent 状态留在离线队列
			zap.L().Debug("接收方已离线，取消重试",
				zap.Uint("message_id", m.ID), zap.Int("attempt", attempt))
		}
		return
	}

	data, err := event.NewMessage(m).Encode()
	if err != nil {
		zap.L().Error("编码消息事件失败", zap.Uint("message_id", m.ID), zap.Error(err))
		return
	}

	delivered := false
	var lastErr error
	for _, s := range sessions {
		if err := s.Push(data); err != nil {
			lastErr = err
			continue
		}
		delivered = true
	}

	if delivered {
		// 任一会话推送成功即视为送达；消息已经到达该用户
		if err := e.store.UpdateStatus(m.ID, model.StatusSent, model.StatusDelivered); err != nil {
			zap.L().Error("更新送达状态失败", zap.Uint("message_id", m.ID), zap.Error(err))
			return
		}
		m.DeliveryStatus = model.StatusDelivered
		e.notifyStatus(m, model.StatusDelivered)
		e.pushStatusToSender(m, model.StatusDelivered)
		return
	}

	// 所有会话推送失败，进入重试
	retryCount, err := e.store.IncrementRetry(m.ID)
	if err != nil {
		zap.L().Error("更新重试计数失败", zap.Uint("message_id", m.ID), zap.Error(err))
	} else {
		m.RetryCount = retryCount
	}

	deliveryErr := apperr.Delivery(
		fmt.Sprintf("推送消息失败(第%d次尝试)", attempt+1), lastErr)

	if attempt+1 >= e.cfg.MaxAttempts {
		// 重试耗尽：标记 failed 并通知发送方，由用户手动重发
		// 不无限重试，持续失败的传输不应被掩盖
		zap.L().Warn("推送重试耗尽，消息进入failed状态",
			zap.Uint("message_id", m.ID),
			zap.Int("retry_count", m.RetryCount),
			zap.Error(deliveryErr))
		if err := e.store.UpdateStatus(m.ID, model.StatusSent, model.StatusFailed); err != nil {
			zap.L().Error("更新失败状态失败", zap.Uint("message_id", m.ID), zap.Error(err))
			return
		}
		m.DeliveryStatus = model.StatusFailed
		e.notifyStatus(m, model.StatusFailed)
		e.pushStatusToSender(m, model.StatusFailed)
		return
	}

	// 指数退避后重试
	backoff := e.cfg.RetryBackoff << uint(attempt)
	zap.L().Debug("排程推送重试",
		zap.Uint("message_id", m.ID),
		zap.Int("attempt", attempt+1),
		zap.Duration("backoff", backoff),
		zap.Error(deliveryErr))

	e.mu.Lock()
	e.pending[m.ID] = time.AfterFunc(backoff, func() {
		e.mu.Lock()
		delete(e.pending, m.ID)
		e.mu.Unlock()
		e.deliver(m, attempt+1)
	})
	e.mu.Unlock()
}

// CancelPending 取消某条消息排程中的重试（进程关闭时批量调用）
func (e *Engine) CancelPending(messageID uint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if timer, ok := e.pending[messageID]; ok {
		timer.Stop()
		delete(e.pending, messageID)
	}
}

// Shutdown 停止所有排程中的重试
// 未送达的消息保持 sent 状态，重启后由离线队列路径兜底
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, timer := range e.pending {
		timer.Stop()
		delete(e.pending, id)
	}
}

// pushStatusToSender 把状态变更推送给发送者的所有在线会话
func (e *Engine) pushStatusToSender(m *model.Message, status string) {
	readAt := ""
	if m.ReadAt != nil {
		readAt = m.ReadAt.Format(time.RFC3339)
	}
	data, err := event.NewStatus(m.ID, status, readAt, m.RetryCount).Encode()
	if err != nil {
		zap.L().Error("编码状态事件失败", zap.Uint("message_id", m.ID), zap.Error(err))
		return
	}
	for _, s := range e.sessions.SessionsFor(m.SenderID) {
		_ = s.Push(data)
	}
}

// notifyStatus 触发状态变更钩子
func (e *Engine) notifyStatus(m *model.Message, status string) {
	if e.onStatus != nil {
		e.onStatus(m, status)
	}
}
