package repository

import (
	"errors"
	"fmt"
	"time"

	"gigmarket/internal/model"

	"gorm.io/gorm"
)

// ErrMessageNotFound 消息不存在
var ErrMessageNotFound = errors.New("message not found")

// ErrStatusConflict 状态迁移冲突（前置状态不匹配）
var ErrStatusConflict = errors.New("delivery status conflict")

// MessageRepository 消息数据仓储
// 状态更新都带前置状态条件（乐观并发控制），保证投递状态机只前进
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建MessageRepository实例
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create 创建消息，ID与createdAt由持久化层分配
func (r *MessageRepository) Create(message *model.Message) error {
	return r.db.Create(message).Error
}

// GetByID 根据ID获取消息
// 不过滤软删除：直接按ID查询时已删除的消息仍然可见（ID唯一性不受影响）
func (r *MessageRepository) GetByID(id uint) (*model.Message, error) {
	var message model.Message
	err := r.db.First(&message, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &message, nil
}

// UpdateStatus 按前置状态条件更新投递状态
// 状态机规则在这里强制执行：非法迁移直接拒绝，
// 前置状态不匹配（并发更新已推进状态）返回 ErrStatusConflict
func (r *MessageRepository) UpdateStatus(messageID uint, from, to string) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("非法状态迁移 %s → %s", from, to)
	}

	result := r.db.Model(&model.Message{}).
		Where("id = ? AND delivery_status = ?", messageID, from).
		Update("delivery_status", to)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// 消息不存在，或状态已被并发推进
		var count int64
		if err := r.db.Model(&model.Message{}).Where("id = ?", messageID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrMessageNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

// IncrementRetry 原子递增重试计数，返回更新后的值
func (r *MessageRepository) IncrementRetry(messageID uint) (int, error) {
	result := r.db.Model(&model.Message{}).
		Where("id = ?", messageID).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1"))
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, ErrMessageNotFound
	}

	var message model.Message
	if err := r.db.Select("retry_count").First(&message, messageID).Error; err != nil {
		return 0, err
	}
	return message.RetryCount, nil
}

// MarkRead 标记消息已读
// is_read 与 read_at 同时落库，状态推进到 read；重复标记是no-op
// failed 消息没有到 read 的迁移边，只置已读标记，投递状态保持 failed
func (r *MessageRepository) MarkRead(messageID uint, readAt time.Time) error {
	result := r.db.Model(&model.Message{}).
		Where("id = ? AND is_read = ?", messageID, false).
		Updates(map[string]interface{}{
			"is_read": true,
			"read_at": readAt,
			"delivery_status": gorm.Expr(
				"CASE WHEN delivery_status = ? THEN delivery_status ELSE ? END",
				model.StatusFailed, model.StatusRead,
			),
		})
	if result.Error != nil {
		return result.Error
	}
	return nil
}

// GetConversation 获取两个用户之间的对话历史（可选按职位过滤）
// 按 createdAt 升序、ID升序排列：持久化完成顺序即为权威顺序
// 默认过滤软删除的消息
func (r *MessageRepository) GetConversation(userA, userB uint, jobID *uint, limit, offset int) ([]*model.Message, error) {
	var messages []*model.Message

	query := r.db.Where(
		"((sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?))",
		userA, userB, userB, userA,
	).Where("is_deleted = ?", false)

	if jobID != nil {
		query = query.Where("job_id = ?", *jobID)
	} else {
		query = query.Where("job_id IS NULL")
	}

	err := query.
		Order("created_at ASC, id ASC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error

	return messages, err
}

// GetUnreadMessages 获取用户的未读消息（离线队列内容）
func (r *MessageRepository) GetUnreadMessages(userID uint) ([]*model.Message, error) {
	var messages []*model.Message

	err := r.db.Where("recipient_id = ? AND is_read = ? AND is_deleted = ?", userID, false, false).
		Order("created_at ASC, id ASC").
		Find(&messages).Error

	return messages, err
}

// GetUnreadCount 获取用户未读消息数量
func (r *MessageRepository) GetUnreadCount(userID uint) (int64, error) {
	var count int64
	err := r.db.Model(&model.Message{}).
		Where("recipient_id = ? AND is_read = ? AND is_deleted = ?", userID, false, false).
		Count(&count).Error
	return count, err
}

// SoftDelete 软删除消息
// 只设置删除标记和时间，不做物理删除，保证对话历史完整性
func (r *MessageRepository) SoftDelete(messageID, userID uint) error {
	result := r.db.Model(&model.Message{}).
		Where("id = ? AND sender_id = ? AND is_deleted = ?", messageID, userID, false).
		Updates(map[string]interface{}{
			"is_deleted": true,
			"deleted_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	return nil
}
