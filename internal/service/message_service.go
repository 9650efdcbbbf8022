package service

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"gigmarket/internal/delivery"
	"gigmarket/internal/model"
	"gigmarket/internal/reconcile"
	"gigmarket/internal/repository"
	"gigmarket/pkg/apperr"
	"gigmarket/pkg/redis"

	"go.uber.org/zap"
)

// MaxContentLength 消息内容最大长度（按字符数）
const MaxContentLength = 4000

// SendMessageInput 发送消息请求
type SendMessageInput struct {
	RecipientID    uint   `json:"recipient_id" binding:"required"`
	JobID          *uint  `json:"job_id"`
	Content        string `json:"content" binding:"required"`
	MsgType        string `json:"msg_type"`
	AttachmentURL  string `json:"attachment_url"`
	AttachmentName string `json:"attachment_name"`
	AttachmentSize int64  `json:"attachment_size"`
}

// MessageService 消息服务
// 负责校验与编排；实时投递的状态机由投递引擎负责
type MessageService struct {
	messageRepo *repository.MessageRepository
	userRepo    *repository.UserRepository
	engine      *delivery.Engine
}

// NewMessageService 创建MessageService实例
// 投递引擎的状态变更钩子在这里接上缓存失效与未读计数
func NewMessageService(messageRepo *repository.MessageRepository, userRepo *repository.UserRepository, engine *delivery.Engine) *MessageService {
	s := &MessageService{
		messageRepo: messageRepo,
		userRepo:    userRepo,
		engine:      engine,
	}

	engine.OnStatusChange(func(m *model.Message, status string) {
		// 引擎对重复已读标记短路，钩子每条消息只触发一次 read，
		// HTTP 与 WebSocket 两条已读路径都在这里递减计数
		if status == model.StatusRead {
			if err := redis.DecrementUnreadCount(m.RecipientID); err != nil {
				zap.L().Debug("减少未读计数失败", zap.Uint("user_id", m.RecipientID), zap.Error(err))
			}
		}

		// 状态已变，缓存里的旧状态不能再被读到
		key := model.ConversationKey(m.SenderID, m.RecipientID, m.JobID)
		if err := redis.InvalidateHistory(key); err != nil {
			zap.L().Debug("历史缓存失效失败", zap.String("conversation", key), zap.Error(err))
		}
	})

	return s
}

// SendMessage 发送私聊消息
// 校验失败同步拒绝且不落库；持久化成功后实时推送异步进行
func (s *MessageService) SendMessage(senderID uint, in SendMessageInput) (*model.Message, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, apperr.Validation("消息内容不能为空")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return nil, apperr.Validation("消息内容过长")
	}
	if senderID == in.RecipientID {
		return nil, apperr.Validation("不能给自己发消息")
	}

	// 检查接收者是否存在
	if _, err := s.userRepo.GetByID(in.RecipientID); err != nil {
		return nil, apperr.Validation("接收者不存在")
	}

	msgType := in.MsgType
	if msgType == "" {
		msgType = model.TypeText
	}
	if msgType != model.TypeText && msgType != model.TypeFile {
		return nil, apperr.Validation("不支持的消息类型")
	}
	if msgType == model.TypeFile && in.AttachmentURL == "" {
		return nil, apperr.Validation("附件消息缺少附件URL")
	}

	message := &model.Message{
		SenderID:       senderID,
		RecipientID:    in.RecipientID,
		JobID:          in.JobID,
		Content:        content,
		MsgType:        msgType,
		AttachmentURL:  in.AttachmentURL,
		AttachmentName: in.AttachmentName,
		AttachmentSize: in.AttachmentSize,
	}

	// 投递引擎负责持久化与实时推送
	if err := s.engine.Submit(message); err != nil {
		return nil, err
	}

	// 增加接收者未读计数（尽力而为）
	if err := redis.IncrementUnreadCount(in.RecipientID); err != nil {
		zap.L().Debug("增加未读计数失败", zap.Uint("user_id", in.RecipientID), zap.Error(err))
	}

	return message, nil
}

// GetConversation 获取与指定用户的对话历史
// 第一页且数量在缓存范围内时先读缓存；缓存未命中则回源数据库并异步回填
// 返回结果始终按 createdAt 升序、ID升序（持久化完成顺序为权威顺序）
func (s *MessageService) GetConversation(userID uint, otherUserIDStr string, jobID *uint, page, pageSize int) ([]*model.Message, error) {
	otherUserID, err := strconv.ParseUint(otherUserIDStr, 10, 32)
	if err != nil {
		return nil, apperr.Validation("invalid user ID")
	}

	if _, err := s.userRepo.GetByID(uint(otherUserID)); err != nil {
		return nil, apperr.Validation("用户不存在")
	}

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	key := model.ConversationKey(userID, uint(otherUserID), jobID)

	// 第一页尝试缓存
	if page == 1 && pageSize <= redis.MaxCachedMessages {
		cached, cacheErr := redis.GetCachedHistory(key)
		if cacheErr == nil && len(cached) >= pageSize {
			// 合并去重排序后截断，缓存写入竞争也不会产生重复或乱序
			merged := reconcile.Merge(cached)
			if len(merged) > pageSize {
				merged = merged[:pageSize]
			}
			return merged, nil
		}
	}

	messages, err := s.messageRepo.GetConversation(userID, uint(otherUserID), jobID, pageSize, offset)
	if err != nil {
		return nil, apperr.Persistence("查询对话历史失败", err)
	}

	// 第一页异步回填缓存
	if page == 1 {
		toCache := messages
		go func() {
			if err := redis.CacheHistory(key, toCache); err != nil {
				zap.L().Debug("回填历史缓存失败", zap.String("conversation", key), zap.Error(err))
			}
		}()
	}

	return messages, nil
}

// GetUnreadMessages 获取未读消息（离线队列内容）
func (s *MessageService) GetUnreadMessages(userID uint) ([]*model.Message, error) {
	messages, err := s.messageRepo.GetUnreadMessages(userID)
	if err != nil {
		return nil, apperr.Persistence("查询未读消息失败", err)
	}
	return messages, nil
}

// GetUnreadCount 获取未读消息数量（优先从Redis获取）
func (s *MessageService) GetUnreadCount(userID uint) (int64, error) {
	count, err := redis.GetUnreadCount(userID)
	if err == nil && count >= 0 {
		return count, nil
	}

	// Redis未命中或不可用，从数据库回源并同步
	dbCount, err := s.messageRepo.GetUnreadCount(userID)
	if err != nil {
		return 0, apperr.Persistence("查询未读数量失败", err)
	}

	if err := redis.SetUnreadCount(userID, dbCount); err != nil {
		zap.L().Debug("同步未读计数失败", zap.Uint("user_id", userID), zap.Error(err))
	}

	return dbCount, nil
}

// MarkAsRead 标记消息为已读
// 状态推进到 read 并向发送者推送已读回执
func (s *MessageService) MarkAsRead(messageIDStr string, userID uint) (*model.Message, error) {
	messageID, err := strconv.ParseUint(messageIDStr, 10, 32)
	if err != nil {
		return nil, apperr.Validation("invalid message ID")
	}

	// 未读计数的递减在引擎的状态钩子里完成
	return s.engine.MarkRead(uint(messageID), userID)
}

// Resend 手动重发一条发送失败的消息
func (s *MessageService) Resend(messageIDStr string, userID uint) (*model.Message, error) {
	messageID, err := strconv.ParseUint(messageIDStr, 10, 32)
	if err != nil {
		return nil, apperr.Validation("invalid message ID")
	}

	return s.engine.Resend(uint(messageID), userID)
}

// DeleteMessage 软删除消息（只能删除自己发送的）
func (s *MessageService) DeleteMessage(messageIDStr string, userID uint) error {
	messageID, err := strconv.ParseUint(messageIDStr, 10, 32)
	if err != nil {
		return apperr.Validation("invalid message ID")
	}

	message, err := s.messageRepo.GetByID(uint(messageID))
	if err != nil {
		return apperr.Validation("消息不存在")
	}
	if message.SenderID != userID {
		return apperr.Validation("只能删除自己发送的消息")
	}

	if err := s.messageRepo.SoftDelete(uint(messageID), userID); err != nil {
		return apperr.Persistence("删除消息失败", err)
	}

	key := model.ConversationKey(message.SenderID, message.RecipientID, message.JobID)
	if err := redis.InvalidateHistory(key); err != nil {
		zap.L().Debug("历史缓存失效失败", zap.String("conversation", key), zap.Error(err))
	}

	return nil
}
