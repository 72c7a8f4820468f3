package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	jwtpkg "crmmail/backend/internal/auth/jwt"
	"crmmail/backend/internal/cache"
	"crmmail/backend/internal/config"
	"crmmail/backend/internal/domain"
	"crmmail/backend/internal/health"
	"crmmail/backend/internal/logger"
	"crmmail/backend/internal/mail"
	"crmmail/backend/internal/middleware"
	"crmmail/backend/internal/monitoring"
	"crmmail/backend/internal/pool"
	"crmmail/backend/internal/service"
	"crmmail/backend/internal/smtp"
	"crmmail/backend/internal/storage"
	"crmmail/backend/internal/storage/filesystem"
	"crmmail/backend/internal/storage/hybrid"
	"crmmail/backend/internal/storage/memory"
	"crmmail/backend/internal/storage/postgres"
	redisstore "crmmail/backend/internal/storage/redis"
	httptransport "crmmail/backend/internal/transport/http"
	"crmmail/backend/internal/websocket"
)

// main 启动 HTTP API、实时推送与可选的入站 SMTP 服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(logger.FromAppConfig("crmmail", cfg.Log))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting crmmail server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetrics(nil)

	// 存储层：关系型数据库（可叠加 Redis 未读缓存），未配置时使用内存存储
	var redisClient *redisstore.Client
	if cfg.Redis.Enabled {
		redisClient, err = redisstore.New(ctx, cfg.Redis, log.Named("redis"))
		if err != nil {
			log.Fatal("failed to connect redis", zap.Error(err))
		}
		defer redisClient.Close()
	}

	store, err := initializeStorage(cfg, redisClient, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	healthChecker := health.NewHealthChecker(store, log)
	if redisClient != nil {
		healthChecker.AddDependency("redis", redisClient)
	}
	if cfg.Database.Type == "postgres" {
		pgClient, err := postgres.New(ctx, cfg.Database, log.Named("pgx"))
		if err != nil {
			log.Warn("pgx readiness pool unavailable", zap.Error(err))
		} else {
			defer pgClient.Close()
			healthChecker.AddDependency("postgres", pgClient)
		}
	}

	fsStore, err := filesystem.NewStore(cfg.Storage.AttachmentPath)
	if err != nil {
		log.Fatal("failed to initialize attachment storage", zap.Error(err))
	}
	log.Info("attachment storage initialized", zap.String("path", fsStore.BasePath()))

	// 实时事件：单实例进程内分发，启用 Redis 时经发布订阅跨实例分发
	var broker websocket.Broker = websocket.NewLocalBroker()
	if redisClient != nil {
		broker = redisstore.NewPubSubBroker(redisClient, cfg.Realtime.ChannelPrefix, log.Named("pubsub"))
	}
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, cfg.Realtime.ClientBuffer, metrics, log)

	// 服务层
	accountCache := cache.NewLocalCache[*domain.Account](10000, cfg.Ingest.AccountCacheTTL)
	defer accountCache.Stop()

	accounts := service.NewAccountService(store, fsStore, accountCache, log)
	resolver := service.NewAttachmentResolver(store, fsStore, cfg.Storage.PublicBaseURL, cfg.Storage.MaxRawSize)
	conversations := service.NewConversationService(store, accounts, broker, resolver, metrics, log)
	threads := service.NewThreadService(store, accounts, resolver, log)
	readState := service.NewReadStateService(store, accounts, broker, metrics, log)
	composer := service.NewComposerService(store, accounts, log)
	mailer := mail.NewSMTPMailer(cfg.Mail, log)
	sender := service.NewSendService(store, accounts, mailer, conversations, resolver, cfg.Mail.SendTimeout, metrics, log)

	workers := pool.NewKeyedPool(cfg.Ingest.Workers, cfg.Ingest.QueueSize, log)
	ingestQueue := service.NewIngestQueue(workers, conversations, log)

	sendLimiter := middleware.NewKeyedRateLimiter(cfg.Mail.SendRatePerMin, cfg.Mail.SendBurst)
	defer sendLimiter.Stop()

	jwtManager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry)
	log.Info("JWT configuration",
		zap.String("issuer", cfg.JWT.Issuer),
		zap.Duration("access_expiry", cfg.JWT.AccessExpiry),
	)

	httpAddr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:        cfg,
		Accounts:      accounts,
		Conversations: conversations,
		Threads:       threads,
		ReadState:     readState,
		Composer:      composer,
		Sender:        sender,
		Attachments:   resolver,
		IngestQueue:   ingestQueue,
		Files:         fsStore,
		Tokens:        jwtManager,
		WebSocketHub:  wsHub,
		SendLimiter:   sendLimiter,
		Metrics:       metrics,
		Health:        healthChecker,
		Logger:        log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var smtpServer *gosmtp.Server
	if cfg.Inbound.Enabled {
		limiter := smtp.NewConnectionLimiter(cfg.Inbound.MaxConns, cfg.Inbound.MaxRate)
		backend := smtp.NewBackend(store, ingestQueue, conversations, fsStore, limiter, cfg.Storage.MaxRawSize, log)

		smtpServer = gosmtp.NewServer(backend)
		smtpServer.Addr = net.JoinHostPort(cfg.Inbound.Host, strconv.Itoa(cfg.Inbound.Port))
		smtpServer.Domain = cfg.Inbound.Domain
		smtpServer.ReadTimeout = 30 * time.Second
		smtpServer.WriteTimeout = 30 * time.Second
		smtpServer.MaxMessageBytes = cfg.Storage.MaxRawSize
		smtpServer.MaxRecipients = 50
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// 入库协程不随信号退出，关闭时由 Stop 排空队列
	workers.Start(context.Background())

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	if smtpServer != nil {
		group.Go(func() error {
			log.Info("starting inbound SMTP server",
				zap.String("address", smtpServer.Addr),
				zap.String("domain", smtpServer.Domain),
			)
			if err := smtpServer.ListenAndServe(); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
				log.Error("SMTP server error", zap.Error(err))
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		if err := websocket.Pump(groupCtx, broker, wsHub); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("realtime event pump stopped", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if smtpServer != nil {
			if err := smtpServer.Close(); err != nil {
				log.Warn("SMTP server close warning", zap.Error(err))
			}
		}

		// 等待已排队的入库任务完成
		workers.Stop()

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// initializeStorage 初始化存储层
func initializeStorage(cfg *config.Config, redisClient *redisstore.Client, log *zap.Logger) (storage.Store, error) {
	if cfg.Database.Type == "" {
		log.Info("using memory storage (development mode)")
		return memory.NewStore(), nil
	}

	log.Info("initializing database storage",
		zap.String("database_type", cfg.Database.Type),
		zap.Bool("redis_enabled", redisClient != nil),
	)

	db, err := postgres.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Database.Type, err)
	}
	if redisClient == nil {
		return db, nil
	}

	unreadCache := redisstore.NewUnreadCache(redisClient, cfg.Redis.UnreadCacheTTL)
	return hybrid.NewStore(db, unreadCache, log.Named("hybrid")), nil
}
