package middleware

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	// DefaultBodyLimit 默认请求体大小限制
	DefaultBodyLimit = 1 * 1024 * 1024 // 1MB - 普通 JSON 请求

	// RawMessageLimit 原始邮件导入的默认限制
	RawMessageLimit = 25 * 1024 * 1024 // 25MB
)

// BodySizeLimit 按路由设置请求体大小限制，未登记的路由使用 defaultLimit
func BodySizeLimit(defaultLimit int64, limits map[string]int64) gin.HandlerFunc {
	if defaultLimit <= 0 {
		defaultLimit = DefaultBodyLimit
	}

	return func(c *gin.Context) {
		limit, ok := limits[c.FullPath()]
		if !ok {
			limit = defaultLimit
		}

		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"code": http.StatusRequestEntityTooLarge,
				"msg":  fmt.Sprintf("请求体超过 %d 字节上限", limit),
			})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Header("X-Max-Body-Size", strconv.FormatInt(limit, 10))

		c.Next()
	}
}
