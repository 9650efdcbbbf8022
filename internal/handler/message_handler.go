package handler

import (
	"strconv"

	"gigmarket/internal/service"
	"gigmarket/pkg/jwt"
	"gigmarket/pkg/response"

	"github.com/gin-gonic/gin"
)

// MessageHandler 消息处理器
type MessageHandler struct {
	service *service.MessageService
}

// NewMessageHandler 创建MessageHandler实例
func NewMessageHandler(s *service.MessageService) *MessageHandler {
	return &MessageHandler{service: s}
}

// currentUserID 从JWT上下文取当前用户ID
func currentUserID(c *gin.Context) (uint, bool) {
	userIDStr := jwt.GetUserID(c)
	userID, err := strconv.ParseUint(userIDStr, 10, 32)
	if err != nil || userID == 0 {
		response.BadRequest(c, "invalid user ID")
		return 0, false
	}
	return uint(userID), true
}

// SendMessage 发送消息
func (h *MessageHandler) SendMessage(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var in service.SendMessageInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	message, err := h.service.SendMessage(userID, in)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	response.SuccessWithMessage(c, "消息发送成功", message)
}

// GetConversation 获取与指定用户的对话历史
func (h *MessageHandler) GetConversation(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	otherUserID := c.Param("user_id")
	if otherUserID == "" {
		response.BadRequest(c, "user_id is required")
		return
	}

	// 可选的职位过滤
	var jobID *uint
	if jobIDStr := c.Query("job_id"); jobIDStr != "" {
		id, err := strconv.ParseUint(jobIDStr, 10, 32)
		if err != nil {
			response.BadRequest(c, "invalid job_id")
			return
		}
		v := uint(id)
		jobID = &v
	}

	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	messages, err := h.service.GetConversation(userID, otherUserID, jobID, page, pageSize)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	response.SuccessWithMessage(c, "获取对话历史成功", messages)
}

// GetUnreadMessages 获取未读消息
func (h *MessageHandler) GetUnreadMessages(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	messages, err := h.service.GetUnreadMessages(userID)
	if err != nil {
		response.InternalError(c, "获取未读消息失败")
		return
	}

	response.SuccessWithMessage(c, "获取未读消息成功", messages)
}

// GetUnreadCount 获取未读消息数量
func (h *MessageHandler) GetUnreadCount(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	count, err := h.service.GetUnreadCount(userID)
	if err != nil {
		response.InternalError(c, "获取未读消息数量失败")
		return
	}

	response.SuccessWithMessage(c, "获取未读消息数量成功", gin.H{
		"unread_count": count,
	})
}

// MarkAsRead 标记消息为已读
func (h *MessageHandler) MarkAsRead(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	messageID := c.Param("message_id")
	if messageID == "" {
		response.BadRequest(c, "message_id is required")
		return
	}

	message, err := h.service.MarkAsRead(messageID, userID)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	response.SuccessWithMessage(c, "消息已标记为已读", message)
}

// Resend 手动重发发送失败的消息
func (h *MessageHandler) Resend(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	messageID := c.Param("message_id")
	if messageID == "" {
		response.BadRequest(c, "message_id is required")
		return
	}

	message, err := h.service.Resend(messageID, userID)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	response.SuccessWithMessage(c, "消息已重新发送", message)
}

// DeleteMessage 删除消息（软删除）
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	messageID := c.Param("message_id")
	if messageID == "" {
		response.BadRequest(c, "message_id is required")
		return
	}

	if err := h.service.DeleteMessage(messageID, userID); err != nil {
		response.FromAppError(c, err)
		return
	}

	response.SuccessWithMessage(c, "消息删除成功", nil)
}
