package ws

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"gigmarket/config"
	"gigmarket/internal/delivery"
	"gigmarket/internal/event"
	"gigmarket/internal/model"
	"gigmarket/internal/presence"
	"gigmarket/internal/registry"
	"gigmarket/internal/repository"
	"gigmarket/internal/room"
	"gigmarket/pkg/jwt"
	"gigmarket/pkg/redis"
	"gigmarket/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许跨域
	},
}

// Handler WebSocket接入层
// 负责鉴权、升级连接、读写泵以及入站事件分发
type Handler struct {
	jwtService *jwt.JWTService
	registry   *registry.Registry
	rooms      *room.Router
	tracker    *presence.Tracker
	engine     *delivery.Engine
	messages   *repository.MessageRepository
	cfg        config.WebSocketConfig
}

// NewHandler 创建WebSocket处理器
func NewHandler(
	jwtService *jwt.JWTService,
	reg *registry.Registry,
	rooms *room.Router,
	tracker *presence.Tracker,
	engine *delivery.Engine,
	messages *repository.MessageRepository,
	cfg config.WebSocketConfig,
) *Handler {
	return &Handler{
		jwtService: jwtService,
		registry:   reg,
		rooms:      rooms,
		tracker:    tracker,
		engine:     engine,
		messages:   messages,
		cfg:        cfg,
	}
}

// Serve Gin路由处理函数
func (h *Handler) Serve(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Sec-WebSocket-Protocol"), "Bearer ")
	}
	if token == "" {
		response.Unauthorized(c, "缺少token")
		return
	}

	claims, err := h.jwtService.ValidateToken(token)
	if err != nil {
		response.Unauthorized(c, "token无效或已过期")
		return
	}
	userID64, _ := strconv.ParseUint(claims.Subject, 10, 32)
	if userID64 == 0 {
		response.Unauthorized(c, "token无效")
		return
	}
	userID := uint(userID64)

	// 回显子协议，避免客户端提示 "Server sent no subprotocol"
	respHeader := http.Header{}
	if protocol := c.GetHeader("Sec-WebSocket-Protocol"); protocol != "" {
		respHeader.Set("Sec-WebSocket-Protocol", protocol)
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, respHeader)
	if err != nil {
		return
	}

	sess := registry.NewSession(userID, h.cfg.SendBuffer)
	h.registry.Register(sess)

	defer func() {
		h.rooms.LeaveAll(sess.ID())
		h.registry.Deregister(sess.ID())
		_ = conn.Close()
	}()

	// 写协程：消费会话发送队列 + 定时发送ping心跳
	go h.writePump(conn, sess)

	// 连接建立后，推送所有未读消息（离线期间送达的消息）
	h.pushUnread(sess)

	h.readPump(conn, sess)
}

// writePump 将会话发送队列写出到连接
// 会话关闭（注销）时发送队列被关闭，写协程随之退出
func (h *Handler) writePump(conn *websocket.Conn, sess *registry.Session) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-sess.Outbox():
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// readPump 接收并分发客户端事件。若超时未收到任何读事件则断开
func (h *Handler) readPump(conn *websocket.Conn, sess *registry.Session) {
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	conn.SetPongHandler(func(appData string) error {
		h.registry.Touch(sess.ID())
		return conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		h.registry.Touch(sess.ID())

		env, err := event.Decode(payload)
		if err != nil {
			zap.L().Debug("丢弃无法解析的WebSocket事件", zap.Error(err))
			continue
		}
		h.dispatch(sess, env)
	}
}

// dispatch 按事件类型分发入站事件
func (h *Handler) dispatch(sess *registry.Session, env event.Envelope) {
	userID := sess.UserID()

	switch env.Kind {
	case event.KindMessageRead:
		ack, err := env.ReadAck()
		if err != nil {
			return
		}
		if _, err := h.engine.MarkRead(ack.MessageID, userID); err != nil {
			zap.L().Debug("已读回执处理失败",
				zap.Uint("message_id", ack.MessageID),
				zap.Uint("user_id", userID),
				zap.Error(err))
		}

	case event.KindRoomJoin:
		conv, err := env.Conversation()
		if err != nil {
			return
		}
		key := model.ConversationKey(userID, conv.PeerID, conv.JobID)
		h.rooms.Join(sess, key)

	case event.KindRoomLeave:
		conv, err := env.Conversation()
		if err != nil {
			return
		}
		key := model.ConversationKey(userID, conv.PeerID, conv.JobID)
		// 离开对话时同时终止本人在该对话的输入状态
		h.tracker.StopTyping(userID, key, sess.ID())
		h.rooms.Leave(sess.ID(), key)

	case event.KindTypingStart:
		conv, err := env.Conversation()
		if err != nil {
			return
		}
		key := model.ConversationKey(userID, conv.PeerID, conv.JobID)
		h.tracker.StartTyping(userID, key, sess.ID())

	case event.KindTypingStop:
		conv, err := env.Conversation()
		if err != nil {
			return
		}
		key := model.ConversationKey(userID, conv.PeerID, conv.JobID)
		h.tracker.StopTyping(userID, key, sess.ID())

	case event.KindHeartbeat:
		// 刷新Redis在线状态TTL
		_ = redis.RefreshUserPresence(userID)
	}
}

// pushUnread 上线后自动推送未读消息
func (h *Handler) pushUnread(sess *registry.Session) {
	unread, err := h.messages.GetUnreadMessages(sess.UserID())
	if err != nil {
		zap.L().Warn("查询未读消息失败", zap.Uint("user_id", sess.UserID()), zap.Error(err))
		return
	}
	for _, m := range unread {
		data, err := event.NewMessage(m).Encode()
		if err != nil {
			continue
		}
		if err := sess.Push(data); err != nil {
			return
		}
	}
}
