package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"crmmail/backend/internal/auth/jwt"
	"crmmail/backend/internal/service"
)

const (
	// ContextSubject 令牌主体在 gin 上下文中的键
	ContextSubject = "subject"
	// ContextAccountScope 令牌可访问的账户集合在 gin 上下文中的键
	ContextAccountScope = "accountScope"
)

// TokenValidator 会话令牌校验
type TokenValidator interface {
	ValidateToken(token string) (*jwt.Claims, error)
}

// JWTAuth JWT认证中间件
type JWTAuth struct {
	tokens TokenValidator
	log    *zap.Logger
}

// NewJWTAuth 创建JWT认证中间件
func NewJWTAuth(tokens TokenValidator, log *zap.Logger) *JWTAuth {
	if log == nil {
		log = zap.NewNop()
	}
	return &JWTAuth{
		tokens: tokens,
		log:    log,
	}
}

// RequireAuth 要求JWT认证，并把令牌中的账户集合写入上下文
func (ja *JWTAuth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ja.extractToken(c)
		if token == "" {
			abortJSON(c, http.StatusUnauthorized, "缺少认证令牌")
			return
		}

		claims, err := ja.tokens.ValidateToken(token)
		if err != nil {
			ja.log.Warn("invalid token",
				zap.String("error", err.Error()),
				zap.String("ip", c.ClientIP()),
			)
			abortJSON(c, http.StatusUnauthorized, "令牌无效或已过期")
			return
		}

		c.Set(ContextSubject, claims.Subject)
		c.Set(ContextAccountScope, service.NewAccountScope(claims.AccountIDs))

		c.Next()
	}
}

// RequireAccount 要求路径参数中的账户属于当前令牌
func RequireAccount(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !AccountScope(c).Allows(c.Param(param)) {
			abortJSON(c, http.StatusForbidden, "无权访问该账户")
			return
		}
		c.Next()
	}
}

// AccountScope 返回当前请求可访问的账户集合，未认证时为空集合
func AccountScope(c *gin.Context) service.AccountScope {
	if v, ok := c.Get(ContextAccountScope); ok {
		if scope, ok := v.(service.AccountScope); ok {
			return scope
		}
	}
	return service.AccountScope{}
}

// Subject 返回当前令牌主体
func Subject(c *gin.Context) string {
	return c.GetString(ContextSubject)
}

// extractToken 从请求中提取JWT token
func (ja *JWTAuth) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return strings.TrimSpace(parts[1])
		}
	}

	token, err := c.Cookie("access_token")
	if err == nil && token != "" {
		return token
	}

	return ""
}

func abortJSON(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code": status,
		"msg":  msg,
	})
}
