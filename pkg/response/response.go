package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	appErrors "sudooom.im.chat/pkg/errors"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// 错误码常量（使用 pkg/errors 包的定义）
const (
	CodeSuccess = appErrors.CodeSuccess

	CodeTokenInvalid  = appErrors.CodeTokenInvalid
	CodeTokenExpired  = appErrors.CodeTokenExpired
	CodeAuthorization = appErrors.CodeAuthorization

	CodeNotFound       = appErrors.CodeNotFound
	CodeInvalidParams  = appErrors.CodeValidation
	CodeContentTooLong = appErrors.CodeContentTooLong

	CodeConflict               = appErrors.CodeConflict
	CodeConflictRetryExhausted = appErrors.CodeConflictRetryExhausted

	CodeServerError = appErrors.CodeServerError
	CodeDBError     = appErrors.CodeDBError
	CodeTransport   = appErrors.CodeTransport
)

var codeMessages = map[int]string{
	CodeSuccess:                "success",
	CodeTokenInvalid:           "Token 无效",
	CodeTokenExpired:           "Token 已过期",
	CodeAuthorization:          "无权操作",
	CodeNotFound:               "记录不存在",
	CodeInvalidParams:          "参数校验失败",
	CodeContentTooLong:         "消息内容过长",
	CodeConflict:               "记录已存在",
	CodeConflictRetryExhausted: "会话创建冲突，请重试",
	CodeServerError:            "服务器内部错误",
	CodeDBError:                "数据库错误",
	CodeTransport:              "实时连接已断开",
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Error 错误响应
func Error(c *gin.Context, code int) {
	message := codeMessages[code]
	if message == "" {
		message = "unknown error"
	}
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

// ErrorWithMsg 自定义错误消息
func ErrorWithMsg(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

// ErrorFromAppError 从 AppError 生成错误响应
func ErrorFromAppError(c *gin.Context, err error) {
	c.JSON(http.StatusOK, Response{
		Code:    appErrors.GetCode(err),
		Message: appErrors.GetMessage(err),
		Data:    nil,
	})
}

// Unauthorized 未认证
func Unauthorized(c *gin.Context, code int) {
	c.JSON(http.StatusUnauthorized, Response{
		Code:    code,
		Message: codeMessages[code],
		Data:    nil,
	})
}

// ServiceUnavailable 依赖不可用
func ServiceUnavailable(c *gin.Context, data interface{}) {
	c.JSON(http.StatusServiceUnavailable, Response{
		Code:    CodeServerError,
		Message: "service unavailable",
		Data:    data,
	})
}
