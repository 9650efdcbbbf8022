package apperr

import (
	"errors"
	"fmt"
)

// Kind 错误类别
// 投递链路上的错误分为四类，处理策略各不相同：
// 校验错误同步拒绝；持久化错误对本次发送致命，需要整体重试；
// 投递错误在持久化之后发生，消息不会丢失，重试耗尽前不上报；
// 在线状态错误只记日志，不影响消息正确性。
type Kind int

const (
	KindValidation Kind = iota + 1 // 请求不合法，未持久化
	KindPersistence                // 存储写入失败
	KindDelivery                   // 推送到在线会话失败
	KindPresence                   // 在线状态/输入状态更新失败
)

// Error 带类别的业务错误
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is 支持按类别哨兵匹配
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// 按类别匹配用的哨兵
var (
	ErrValidation  = &Error{Kind: KindValidation}
	ErrPersistence = &Error{Kind: KindPersistence}
	ErrDelivery    = &Error{Kind: KindDelivery}
	ErrPresence    = &Error{Kind: KindPresence}
)

// Validation 构造校验错误
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// Persistence 构造持久化错误
func Persistence(message string, cause error) *Error {
	return &Error{Kind: KindPersistence, Message: message, Cause: cause}
}

// Delivery 构造投递错误
func Delivery(message string, cause error) *Error {
	return &Error{Kind: KindDelivery, Message: message, Cause: cause}
}

// Presence 构造在线状态错误
func Presence(message string, cause error) *Error {
	return &Error{Kind: KindPresence, Message: message, Cause: cause}
}

// IsValidation 是否为校验错误
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsPersistence 是否为持久化错误
func IsPersistence(err error) bool { return errors.Is(err, ErrPersistence) }

// IsDelivery 是否为投递错误
func IsDelivery(err error) bool { return errors.Is(err, ErrDelivery) }

// IsPresence 是否为在线状态错误
func IsPresence(err error) bool { return errors.Is(err, ErrPresence) }
