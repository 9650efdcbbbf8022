package service

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gigmarket/internal/model"
	"gigmarket/internal/presence"
	"gigmarket/internal/repository"
	"gigmarket/pkg/apperr"
	"gigmarket/pkg/jwt"
	"gigmarket/pkg/password"
	"gigmarket/pkg/redis"
)

// UserService 用户服务
type UserService struct {
	repo       *repository.UserRepository
	jwtService *jwt.JWTService
	tracker    *presence.Tracker
}

// NewUserService 创建UserService实例
func NewUserService(repo *repository.UserRepository, jwtService *jwt.JWTService, tracker *presence.Tracker) *UserService {
	return &UserService{repo: repo, jwtService: jwtService, tracker: tracker}
}

// Register 注册
func (s *UserService) Register(username, email, plainPassword, role string) (*model.User, string, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" || plainPassword == "" {
		return nil, "", apperr.Validation("username and password are required")
	}
	if role == "" {
		role = model.RoleWorker
	}
	if role != model.RolePoster && role != model.RoleWorker {
		return nil, "", apperr.Validation("invalid role")
	}

	if _, err := s.repo.GetByUsernameOrEmail(username); err == nil {
		return nil, "", apperr.Validation("用户名已存在")
	}

	hash, err := password.Hash(plainPassword)
	if err != nil {
		return nil, "", err
	}
	user := &model.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		Status:       "offline",
		LastSeen:     time.Now(),
	}
	if err := s.repo.Create(user); err != nil {
		return nil, "", apperr.Persistence("创建用户失败", err)
	}

	token, err := s.jwtService.GenerateToken(
		fmt.Sprintf("%d", user.ID),
		map[string]interface{}{"username": user.Username, "role": user.Role},
	)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Login 登录
func (s *UserService) Login(identifier, plainPassword string) (*model.User, string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || plainPassword == "" {
		return nil, "", apperr.Validation("identifier and password are required")
	}
	u, err := s.repo.GetByUsernameOrEmail(identifier)
	if err != nil {
		return nil, "", apperr.Validation("invalid credentials")
	}
	if !password.Verify(plainPassword, u.PasswordHash) {
		return nil, "", apperr.Validation("invalid credentials")
	}
	token, err := s.jwtService.GenerateToken(
		fmt.Sprintf("%d", u.ID),
		map[string]interface{}{"username": u.Username, "role": u.Role},
	)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

// GetProfile 获取用户资料
func (s *UserService) GetProfile(userID uint) (*model.User, error) {
	return s.repo.GetByID(userID)
}

// GetPresence 查询用户在线状态
// 进程内注册表优先；不在线时从Redis镜像/数据库补最近在线时间
func (s *UserService) GetPresence(userIDStr string) (uint, bool, time.Time, error) {
	userID, err := strconv.ParseUint(userIDStr, 10, 32)
	if err != nil {
		return 0, false, time.Time{}, apperr.Validation("invalid user ID")
	}

	u, err := s.repo.GetByID(uint(userID))
	if err != nil {
		return 0, false, time.Time{}, apperr.Validation("用户不存在")
	}

	if s.tracker.IsOnline(uint(userID)) {
		return uint(userID), true, time.Now(), nil
	}

	lastSeen := u.LastSeen
	if p, err := redis.GetUserPresence(uint(userID)); err == nil && p.LastSeen.After(lastSeen) {
		lastSeen = p.LastSeen
	}
	return uint(userID), false, lastSeen, nil
}
