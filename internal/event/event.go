package event

import (
	"encoding/json"
	"fmt"

	"gigmarket/internal/model"
)

// Kind WebSocket事件类型
// 传输层只认识带kind标签的信封，载荷在边界处解码并校验，
// 非法载荷不会进入投递引擎
type Kind string

// 服务端推送事件
const (
	KindMessageNew      Kind = "message:new"      // 新消息推送
	KindMessageStatus   Kind = "message:status"   // 投递状态变更（含已读回执）
	KindTypingStart     Kind = "typing:start"     // 开始输入
	KindTypingStop      Kind = "typing:stop"      // 停止输入
	KindPresenceOnline  Kind = "presence:online"  // 用户上线
	KindPresenceOffline Kind = "presence:offline" // 用户下线
)

// 客户端上行事件
const (
	KindMessageRead Kind = "message:read" // 已读回执
	KindRoomJoin    Kind = "room:join"    // 进入对话（打开聊天线程）
	KindRoomLeave   Kind = "room:leave"   // 离开对话
	KindHeartbeat   Kind = "heartbeat"    // 应用层心跳
)

// Envelope 事件信封
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MessagePayload 新消息载荷
type MessagePayload struct {
	Message *model.Message `json:"message"`
}

// StatusPayload 状态变更载荷
type StatusPayload struct {
	MessageID  uint   `json:"message_id"`
	Status     string `json:"status"`
	ReadAt     string `json:"read_at,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
}

// TypingPayload 输入状态载荷（推送方向携带计算好的对话key）
type TypingPayload struct {
	ConversationKey string `json:"conversation_key"`
	UserID          uint   `json:"user_id"`
}

// PresencePayload 在线状态载荷
type PresencePayload struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username,omitempty"`
	LastSeen string `json:"last_seen,omitempty"`
}

// ReadAckPayload 已读回执载荷
type ReadAckPayload struct {
	MessageID uint `json:"message_id"`
}

// ConversationPayload 对话定位载荷（上行）
// 客户端只上报对端和可选职位，对话key由服务端计算
type ConversationPayload struct {
	PeerID uint  `json:"peer_id"`
	JobID  *uint `json:"job_id,omitempty"`
}

// Encode 序列化信封
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode 从原始字节解析信封
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("解析事件信封失败: %w", err)
	}
	if e.Kind == "" {
		return Envelope{}, fmt.Errorf("事件缺少kind标签")
	}
	return e, nil
}

// ReadAck 解码已读回执载荷
func (e Envelope) ReadAck() (ReadAckPayload, error) {
	var p ReadAckPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("解析已读回执失败: %w", err)
	}
	if p.MessageID == 0 {
		return p, fmt.Errorf("已读回执缺少message_id")
	}
	return p, nil
}

// Conversation 解码对话定位载荷
func (e Envelope) Conversation() (ConversationPayload, error) {
	var p ConversationPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("解析对话载荷失败: %w", err)
	}
	if p.PeerID == 0 {
		return p, fmt.Errorf("对话载荷缺少peer_id")
	}
	return p, nil
}

// mustEnvelope 构造带载荷的信封，载荷均为本包内类型，序列化不会失败
func mustEnvelope(kind Kind, payload interface{}) Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("序列化事件载荷失败: %v", err))
	}
	return Envelope{Kind: kind, Payload: data}
}

// NewMessage 构造新消息推送事件
func NewMessage(m *model.Message) Envelope {
	return mustEnvelope(KindMessageNew, MessagePayload{Message: m})
}

// NewStatus 构造状态变更推送事件
func NewStatus(messageID uint, status string, readAt string, retryCount int) Envelope {
	return mustEnvelope(KindMessageStatus, StatusPayload{
		MessageID:  messageID,
		Status:     status,
		ReadAt:     readAt,
		RetryCount: retryCount,
	})
}

// NewTyping 构造输入状态事件
func NewTyping(kind Kind, conversationKey string, userID uint) Envelope {
	return mustEnvelope(kind, TypingPayload{
		ConversationKey: conversationKey,
		UserID:          userID,
	})
}

// NewPresence 构造在线状态事件
func NewPresence(kind Kind, userID uint, username, lastSeen string) Envelope {
	return mustEnvelope(kind, PresencePayload{
		UserID:   userID,
		Username: username,
		LastSeen: lastSeen,
	})
}
