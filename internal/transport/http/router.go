package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"crmmail/backend/internal/config"
	"crmmail/backend/internal/health"
	"crmmail/backend/internal/mail"
	"crmmail/backend/internal/middleware"
	"crmmail/backend/internal/monitoring"
	"crmmail/backend/internal/service"
	"crmmail/backend/internal/websocket"
)

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	accounts      *service.AccountService
	conversations *service.ConversationService
	threads       *service.ThreadService
	readState     *service.ReadStateService
	composer      *service.ComposerService
	sender        *service.SendService
	attachments   *service.AttachmentResolver
	queue         *service.IngestQueue
	files         mail.ContentSink
	sendLimiter   *middleware.KeyedRateLimiter
	log           *zap.Logger
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config        *config.Config
	Accounts      *service.AccountService
	Conversations *service.ConversationService
	Threads       *service.ThreadService
	ReadState     *service.ReadStateService
	Composer      *service.ComposerService
	Sender        *service.SendService
	Attachments   *service.AttachmentResolver
	IngestQueue   *service.IngestQueue // 可选，提供时批量导入支持 ?async=true
	Files         mail.ContentSink     // 原始邮件导入时的附件落盘
	Tokens        middleware.TokenValidator
	WebSocketHub  *websocket.Hub
	SendLimiter   *middleware.KeyedRateLimiter
	Metrics       *monitoring.Metrics
	Health        *health.HealthChecker
	Logger        *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()

	monitor := middleware.NewMonitoringMiddleware(deps.Metrics, log)
	router.Use(monitor.PanicRecovery())
	router.Use(middleware.RequestLogger(log))
	router.Use(monitor.HTTPMetrics())
	router.Use(middleware.SecurityHeaders())

	rawLimit := deps.Config.Storage.MaxRawSize
	if rawLimit <= 0 {
		rawLimit = middleware.RawMessageLimit
	}
	router.Use(middleware.BodySizeLimit(deps.Config.Server.MaxRequestSize, map[string]int64{
		"/v1/accounts/:accountId/messages/raw": rawLimit,
		"/v1/accounts/:accountId/messages":     rawLimit,
	}))

	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition", "X-Max-Body-Size"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	handler := &Handler{
		accounts:      deps.Accounts,
		conversations: deps.Conversations,
		threads:       deps.Threads,
		readState:     deps.ReadState,
		composer:      deps.Composer,
		sender:        deps.Sender,
		attachments:   deps.Attachments,
		queue:         deps.IngestQueue,
		files:         deps.Files,
		sendLimiter:   deps.SendLimiter,
		log:           log.Named("http"),
	}

	if deps.Health != nil {
		router.GET("/health", func(c *gin.Context) {
			results := deps.Health.CheckHealth(c.Request.Context())
			status := http.StatusOK
			if !health.Healthy(results) {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, results)
		})
		router.GET("/health/live", gin.WrapF(deps.Health.LiveHandler))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyHandler))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	jwtAuth := middleware.NewJWTAuth(deps.Tokens, log)

	v1 := router.Group("/v1")
	{
		if deps.WebSocketHub != nil {
			// WebSocket 在握手时自行校验令牌（支持 ?token=）
			v1.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub, deps.Tokens))
		}

		authed := v1.Group("")
		authed.Use(jwtAuth.RequireAuth())

		authed.POST("/accounts", handler.linkAccount)
		authed.GET("/accounts", handler.listAccounts)

		accountRoutes := authed.Group("/accounts/:accountId")
		accountRoutes.Use(middleware.RequireAccount("accountId"))
		{
			accountRoutes.DELETE("", handler.unlinkAccount)
			accountRoutes.GET("/conversations", handler.listConversations)
			accountRoutes.GET("/threads/:counterparty", handler.getThread)
			accountRoutes.POST("/threads/:counterparty/read", handler.markConversationRead)
			accountRoutes.GET("/unread", handler.getUnreadCount)
			accountRoutes.POST("/messages", handler.ingestBatch)
			accountRoutes.POST("/messages/raw", handler.ingestRaw)
		}

		authed.POST("/messages/:messageId/read", handler.markMessageRead)
		authed.GET("/messages/:messageId/attachments/:attachmentId", handler.downloadAttachment)

		authed.POST("/compose", handler.compose)
		authed.POST("/send", handler.send)
	}

	return router
}
