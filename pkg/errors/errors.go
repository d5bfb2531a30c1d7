package errors

import (
	"errors"
	"fmt"
)

// AppError 应用错误类型
// 统一承载会话同步核心的错误分类，包含错误码和用户可见消息
type AppError struct {
	Code    int    // 错误码
	Message string // 用户可见的错误消息
	Err     error  // 原始错误（可选，用于调试）
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewError 创建新错误
func NewError(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装原始错误，保留错误码与消息
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     err,
	}
}

// WithMessage 替换用户可见消息
func (e *AppError) WithMessage(message string) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: message,
		Err:     e.Err,
	}
}

// Is 判断是否为指定错误（按错误码比较）
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// GetCode 获取错误码，如果不是 AppError 返回默认错误码
func GetCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeServerError
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal server error"
}

// Retryable 判断错误是否值得在本地重试
// 只有唯一约束冲突属于可恢复错误，鉴权失败和校验失败不重试
func Retryable(err error) bool {
	return Is(err, ErrConflict)
}

// ============== 错误码定义 ==============

const (
	CodeSuccess = 0

	// 认证/鉴权 10000-10999
	CodeTokenInvalid  = 10003
	CodeTokenExpired  = 10004
	CodeAuthorization = 10006

	// 参数/记录 11000-11999
	CodeNotFound       = 11001
	CodeValidation     = 11002
	CodeContentTooLong = 11003

	// 会话并发 13000-13999
	CodeConflict               = 13001
	CodeConflictRetryExhausted = 13002

	// 系统错误 50000-50999
	CodeServerError = 50001
	CodeDBError     = 50002
	CodeTransport   = 50004
)

// ============== 预定义错误 ==============

// 认证/鉴权
var (
	ErrTokenInvalid  = NewError(CodeTokenInvalid, "token is invalid")
	ErrTokenExpired  = NewError(CodeTokenExpired, "token has expired")
	ErrAuthorization = NewError(CodeAuthorization, "operation not permitted")
)

// 参数/记录
var (
	ErrNotFound       = NewError(CodeNotFound, "record not found")
	ErrValidation     = NewError(CodeValidation, "validation failed")
	ErrContentTooLong = NewError(CodeContentTooLong, "message content is too long")
)

// 会话并发
var (
	ErrConflict               = NewError(CodeConflict, "record already exists")
	ErrConflictRetryExhausted = NewError(CodeConflictRetryExhausted, "conversation could not be resolved after retries")
)

// 系统
var (
	ErrServerError = NewError(CodeServerError, "internal server error")
	ErrDBError     = NewError(CodeDBError, "database error")
	ErrTransport   = NewError(CodeTransport, "real-time connection lost")
)
