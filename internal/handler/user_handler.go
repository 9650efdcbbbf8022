package handler

import (
	"time"

	"gigmarket/internal/service"
	"gigmarket/pkg/response"

	"github.com/gin-gonic/gin"
)

// UserHandler 用户处理器
type UserHandler struct {
	service *service.UserService
}

// NewUserHandler 创建UserHandler实例
func NewUserHandler(s *service.UserService) *UserHandler {
	return &UserHandler{service: s}
}

// RegisterRequest 注册请求参数
type RegisterRequest struct {
	Username string `json:"username" binding:"required,min=3,max=32"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6,max=64"`
	Role     string `json:"role" binding:"omitempty,oneof=poster worker"`
}

// LoginRequest 登录请求参数
type LoginRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	Password   string `json:"password" binding:"required"`
}

// Register 用户注册
func (h *UserHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	user, token, err := h.service.Register(req.Username, req.Email, req.Password, req.Role)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	response.SuccessWithMessage(c, "注册成功", &response.AuthResponse{
		User:        response.FilterUserInfo(user),
		AccessToken: token,
	})
}

// Login 用户登录
func (h *UserHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	user, token, err := h.service.Login(req.Identifier, req.Password)
	if err != nil {
		response.Unauthorized(c, "用户名或密码错误")
		return
	}

	response.SuccessWithMessage(c, "登录成功", &response.AuthResponse{
		User:        response.FilterUserInfo(user),
		AccessToken: token,
	})
}

// GetProfile 获取当前用户信息
func (h *UserHandler) GetProfile(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	user, err := h.service.GetProfile(userID)
	if err != nil {
		response.NotFound(c, "用户不存在")
		return
	}

	response.Success(c, response.FilterUserInfo(user))
}

// GetPresence 查询指定用户的在线状态
func (h *UserHandler) GetPresence(c *gin.Context) {
	userIDStr := c.Param("user_id")
	if userIDStr == "" {
		response.BadRequest(c, "user_id is required")
		return
	}

	userID, online, lastSeen, err := h.service.GetPresence(userIDStr)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	info := &response.PresenceInfo{
		UserID: userID,
		Online: online,
	}
	if !online && !lastSeen.IsZero() {
		info.LastSeen = lastSeen.Format(time.RFC3339)
	}

	response.Success(c, info)
}
