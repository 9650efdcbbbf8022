package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gigmarket/config"
	"gigmarket/internal/delivery"
	"gigmarket/internal/handler"
	"gigmarket/internal/model"
	"gigmarket/internal/presence"
	"gigmarket/internal/registry"
	"gigmarket/internal/repository"
	"gigmarket/internal/room"
	"gigmarket/internal/service"
	"gigmarket/internal/ws"
	dbPkg "gigmarket/pkg/db"
	"gigmarket/pkg/jwt"
	"gigmarket/pkg/logger"
	redisPkg "gigmarket/pkg/redis"
	"gigmarket/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg := config.LoadConfig()

	// 2. 初始化日志系统
	log := logger.InitLogger(cfg.Log)
	defer log.Sync()

	log.Info("=== 零工市场消息服务启动 ===")
	log.Info("服务器配置信息",
		zap.String("port", cfg.Server.Port),
		zap.String("database_host", cfg.Database.Host),
		zap.Int("database_port", cfg.Database.Port),
		zap.String("database_name", cfg.Database.Database),
		zap.Duration("jwt_expire_time", cfg.JWT.ExpireTime),
		zap.Duration("typing_ttl", cfg.Presence.TypingTTL),
		zap.Duration("offline_grace", cfg.Presence.OfflineGrace),
		zap.Int("delivery_max_attempts", cfg.Delivery.MaxAttempts),
		zap.String("log_level", cfg.Log.Level),
	)

	// 3. 初始化数据库连接
	if _, err := dbPkg.InitDB(cfg.Database); err != nil {
		log.Fatal("数据库连接失败", zap.Error(err))
	}
	defer func() {
		if err := dbPkg.CloseDB(); err != nil {
			log.Error("关闭数据库连接失败", zap.Error(err))
		}
	}()
	log.Info("数据库连接成功")

	// 3.1 自动迁移表结构
	if err := dbPkg.AutoMigrate(&model.User{}, &model.Message{}); err != nil {
		log.Fatal("自动迁移失败", zap.Error(err))
	}
	log.Info("自动迁移完成")

	// 3.2 初始化Redis（在线状态镜像、未读计数、历史缓存）
	if err := redisPkg.InitRedis(cfg.Redis); err != nil {
		log.Fatal("Redis连接失败", zap.Error(err))
	}
	defer func() {
		if err := redisPkg.Close(); err != nil {
			log.Error("关闭Redis连接失败", zap.Error(err))
		}
	}()
	redisPkg.SetHistoryCacheConfig(cfg.Cache.HistoryTTL, cfg.Cache.MaxMessages)
	log.Info("Redis连接成功")

	// 4. 组装核心组件
	jwtSvc := jwt.NewJWTService(cfg.JWT)
	userRepo := repository.NewUserRepository(dbPkg.GetDB())
	messageRepo := repository.NewMessageRepository(dbPkg.GetDB())

	reg := registry.New(cfg.Presence.OfflineGrace, cfg.Presence.HeartbeatTimeout)
	rooms := room.NewRouter()

	// 会话关闭时同步退出其加入的所有对话
	reg.OnSessionClosed(func(s *registry.Session) {
		rooms.LeaveAll(s.ID())
	})

	mirror := presence.NewStoreMirror(userRepo)
	tracker := presence.NewTracker(cfg.Presence.TypingTTL, reg, rooms, reg, mirror)
	reg.SetListener(tracker)

	engine := delivery.NewEngine(messageRepo, reg, delivery.Config{
		MaxAttempts:  cfg.Delivery.MaxAttempts,
		RetryBackoff: cfg.Delivery.RetryBackoff,
	})

	userSvc := service.NewUserService(userRepo, jwtSvc, tracker)
	messageSvc := service.NewMessageService(messageRepo, userRepo, engine)
	userHandler := handler.NewUserHandler(userSvc)
	messageHandler := handler.NewMessageHandler(messageSvc)
	wsHandler := ws.NewHandler(jwtSvc, reg, rooms, tracker, engine, messageRepo, cfg.WebSocket)

	// 心跳巡检协程（清理失联会话）
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go reg.Run(janitorCtx)

	// 5. 设置Gin模式
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 6. 创建Gin路由
	router := gin.New()
	router.Use(logger.LoggerMiddleware())
	router.Use(logger.ErrorLoggerMiddleware())

	setupBasicRoutes(router)

	v1 := router.Group("/api/v1")
	{
		users := v1.Group("/users")
		{
			// 公开接口（无需认证）
			users.POST("/register", userHandler.Register)
			users.POST("/login", userHandler.Login)

			// 需要认证的接口
			authUsers := users.Group("")
			authUsers.Use(jwtSvc.AuthMiddleware())
			{
				authUsers.GET("/profile", userHandler.GetProfile)
			}
		}

		// 消息路由（需要认证）
		messages := v1.Group("/messages")
		messages.Use(jwtSvc.AuthMiddleware())
		{
			messages.POST("/send", messageHandler.SendMessage)            // 发送消息
			messages.GET("/unread", messageHandler.GetUnreadMessages)     // 获取未读消息
			messages.GET("/unread/count", messageHandler.GetUnreadCount)  // 获取未读消息数量
			messages.PUT("/:message_id/read", messageHandler.MarkAsRead)  // 标记消息为已读
			messages.POST("/:message_id/resend", messageHandler.Resend)   // 手动重发失败消息
			messages.DELETE("/:message_id", messageHandler.DeleteMessage) // 删除消息
		}

		// 对话历史（需要认证）
		conversations := v1.Group("/conversations")
		conversations.Use(jwtSvc.AuthMiddleware())
		{
			conversations.GET("/:user_id/messages", messageHandler.GetConversation)
		}

		// 在线状态查询（需要认证）
		presenceGroup := v1.Group("/presence")
		presenceGroup.Use(jwtSvc.AuthMiddleware())
		{
			presenceGroup.GET("/:user_id", userHandler.GetPresence)
		}
	}

	// WebSocket路由
	router.GET("/ws", wsHandler.Serve)

	// 7. 创建HTTP服务器
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// 8. 启动HTTP服务器
	go func() {
		log.Info("HTTP服务器启动", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP服务器启动失败", zap.Error(err))
		}
	}()

	// 9. 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("HTTP服务器关闭失败", zap.Error(err))
	}

	// 停止巡检并取消所有待执行的重试定时器
	stopJanitor()
	engine.Shutdown()

	log.Info("服务器已安全关闭")
}

// setupBasicRoutes 设置基础路由
func setupBasicRoutes(router *gin.Engine) {
	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		status := "ok"
		if err := dbPkg.HealthCheck(); err != nil {
			status = "db-down"
		} else if err := redisPkg.HealthCheck(); err != nil {
			status = "redis-down"
		}
		response.Success(c, gin.H{
			"status": status,
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	// 根路径
	router.GET("/", func(c *gin.Context) {
		response.Success(c, gin.H{
			"message": "欢迎使用零工市场消息服务",
			"version": "1.0.0",
		})
	})
}
