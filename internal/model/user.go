package model

import (
	"time"
)

// 市场双方角色
const (
	RolePoster = "poster" // 雇主（发布职位）
	RoleWorker = "worker" // 零工（接单）
)

// User 用户模型
// 密码仅存储哈希（PasswordHash），不存储明文
// Status 标记用户在线/离线，LastSeen 记录最近在线时间

type User struct {
	ID           uint      `gorm:"primaryKey"`
	Username     string    `gorm:"type:varchar(64);not null;uniqueIndex;comment:用户名"`
	Email        string    `gorm:"type:varchar(128);uniqueIndex;comment:邮箱"`
	PasswordHash string    `gorm:"type:varchar(255);not null;comment:密码哈希"`
	Role         string    `gorm:"type:varchar(32);default:'worker';comment:角色(poster雇主/worker零工)"`
	Nickname     string    `gorm:"type:varchar(64);comment:昵称"`
	Avatar       string    `gorm:"type:varchar(255);comment:头像URL"`
	Status       string    `gorm:"type:varchar(32);default:'offline';comment:在线状态"`
	LastSeen     time.Time `gorm:"comment:最近在线时间"`
	CreatedAt    time.Time `gorm:"comment:创建时间"`
	UpdatedAt    time.Time `gorm:"comment:更新时间"`
}

func (User) TableName() string { return "user" }
