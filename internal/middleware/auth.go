package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"sudooom.im.chat/pkg/jwt"
	"sudooom.im.chat/pkg/response"
)

const (
	ctxUserID   = "user_id"
	ctxDeviceID = "device_id"

	tokenQueryParam = "access_token"
)

// JWTAuth JWT 认证中间件
// 令牌由外部身份服务签发，这里只校验并取出当前用户
func JWTAuth(jwtService *jwt.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c.GetHeader("Authorization"))
		if token == "" {
			// EventSource 无法设置请求头，允许通过 query 传递
			token = c.Query(tokenQueryParam)
		}
		if token == "" {
			response.Unauthorized(c, response.CodeTokenInvalid)
			c.Abort()
			return
		}

		claims, err := jwtService.Validate(token)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				response.Unauthorized(c, response.CodeTokenExpired)
			} else {
				response.Unauthorized(c, response.CodeTokenInvalid)
			}
			c.Abort()
			return
		}

		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxDeviceID, claims.DeviceID)
		c.Next()
	}
}

// extractToken 从 Authorization header 提取 token
func extractToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return parts[1]
}

// GetUserID 从 context 获取 user_id
func GetUserID(c *gin.Context) int64 {
	userID, exists := c.Get(ctxUserID)
	if !exists {
		return 0
	}
	return userID.(int64)
}

// GetDeviceID 从 context 获取 device_id
func GetDeviceID(c *gin.Context) string {
	deviceID, exists := c.Get(ctxDeviceID)
	if !exists {
		return ""
	}
	return deviceID.(string)
}
