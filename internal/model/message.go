package model

import (
	"time"
)

// 消息类型
const (
	TypeText = "text" // 文本消息
	TypeFile = "file" // 附件消息（仅元数据，文件传输不在本系统内）
)

// 投递状态
// 状态只能前进：sending → sent → delivered → read
// failed 可从 sending/sent 进入，且仅能通过手动重发回到 sending
const (
	StatusSending   = "sending"   // 已提交，持久化进行中
	StatusSent      = "sent"      // 已持久化（接收方不在线时即离线队列状态）
	StatusDelivered = "delivered" // 已推送到接收方在线会话
	StatusRead      = "read"      // 接收方已读
	StatusFailed    = "failed"    // 推送重试耗尽
)

// 正向状态的顺序表
var statusRank = map[string]int{
	StatusSending:   1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusRead:      4,
}

// CanTransition 判断投递状态迁移是否合法
func CanTransition(from, to string) bool {
	if from == to {
		return false
	}
	if to == StatusFailed {
		return from == StatusSending || from == StatusSent
	}
	if from == StatusFailed {
		// 仅手动重发
		return to == StatusSending
	}
	fromRank, okFrom := statusRank[from]
	toRank, okTo := statusRank[to]
	return okFrom && okTo && toRank > fromRank
}

// Message 消息模型
// 雇主与零工之间的私聊消息，可选关联某个职位（JobID）
// 持久化成功即为耐久性边界：之后任何推送失败都不会丢消息

type Message struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	SenderID       uint       `gorm:"not null;index:idx_conv,priority:1;comment:发送者ID" json:"sender_id"`
	RecipientID    uint       `gorm:"not null;index:idx_conv,priority:2;comment:接收者ID" json:"recipient_id"`
	JobID          *uint      `gorm:"index;comment:关联职位ID(可选)" json:"job_id,omitempty"`
	Content        string     `gorm:"type:text;not null;comment:消息内容" json:"content"`
	MsgType        string     `gorm:"type:varchar(32);default:'text';comment:消息类型" json:"msg_type"`
	AttachmentURL  string     `gorm:"type:varchar(512);comment:附件URL" json:"attachment_url,omitempty"`
	AttachmentName string     `gorm:"type:varchar(255);comment:附件文件名" json:"attachment_name,omitempty"`
	AttachmentSize int64      `gorm:"default:0;comment:附件大小(字节)" json:"attachment_size,omitempty"`
	DeliveryStatus string     `gorm:"type:varchar(32);default:'sending';index;comment:投递状态" json:"delivery_status"`
	RetryCount     int        `gorm:"default:0;comment:推送重试次数" json:"retry_count"`
	IsRead         bool       `gorm:"default:false;comment:是否已读" json:"is_read"`
	ReadAt         *time.Time `gorm:"comment:已读时间" json:"read_at,omitempty"`
	EditedAt       *time.Time `gorm:"comment:编辑时间" json:"edited_at,omitempty"`
	IsDeleted      bool       `gorm:"default:false;index;comment:是否已删除(软删除)" json:"is_deleted"`
	DeletedAt      *time.Time `gorm:"comment:删除时间" json:"deleted_at,omitempty"`
	CreatedAt      time.Time  `gorm:"index;comment:创建时间(排序依据)" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"comment:更新时间" json:"updated_at"`
}

func (Message) TableName() string { return "message" }
