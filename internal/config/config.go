package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host           string // 监听地址，默认 "0.0.0.0"
	Port           int    // 监听端口，默认 8080
	MaxRequestSize int64  // 请求体上限（字节），默认 1MB
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到控制台
	MaxSize     int    // 单个日志文件大小上限（MB）
	MaxBackups  int    // 保留的历史日志文件数量
	MaxAge      int    // 历史日志保留天数
	Compress    bool   // 是否压缩历史日志
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string        // 数据库类型: "mysql"、"postgres"，留空使用内存存储
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 配置，用于未读数缓存与跨实例事件分发
type RedisConfig struct {
	Enabled        bool          // 是否启用 Redis
	Address        string        // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password       string        // Redis 认证密码，留空表示无密码
	DB             int           // Redis 数据库编号，默认 0
	UnreadCacheTTL time.Duration // 账户未读数缓存有效期，默认 30 秒
}

// JWTConfig 定义会话令牌配置
type JWTConfig struct {
	Secret       string        // JWT 签名密钥，必须至少 32 字符
	Issuer       string        // JWT 签发者标识，默认 "crmmail"
	AccessExpiry time.Duration // 令牌有效期，默认 12 小时
}

// MailConfig 定义外发邮件配置
type MailConfig struct {
	SMTPHost        string        // 外发 SMTP 服务器地址
	SMTPPort        int           // 外发 SMTP 端口，默认 587
	Username        string        // SMTP 认证用户名，留空表示不认证
	Password        string        // SMTP 认证密码
	ImplicitTLS     bool          // 是否使用隐式 TLS（465 端口）
	MessageIDDomain string        // 生成 Message-ID 使用的域名
	SendTimeout     time.Duration // 单次投递超时，默认 30 秒
	SendRatePerMin  int           // 每账户每分钟允许发送的邮件数，默认 30
	SendBurst       int           // 发送突发上限，默认 5
}

// StorageConfig 定义附件存储配置
type StorageConfig struct {
	AttachmentPath string // 附件落盘目录，默认 "./data/attachments"
	PublicBaseURL  string // 附件下载地址前缀，如 "https://crm.example.com/api"
	MaxRawSize     int64  // 原始邮件导入上限（字节），默认 25MB
}

// IngestConfig 定义入库工作池配置
type IngestConfig struct {
	Workers         int           // 工作协程数量，默认 8
	QueueSize       int           // 每个工作协程的队列长度，默认 256
	AccountCacheTTL time.Duration // 账户查询本地缓存有效期，默认 30 秒
}

// InboundConfig 定义入站 SMTP 接收配置（实时推送通道）
type InboundConfig struct {
	Enabled  bool   // 是否启动入站 SMTP 服务
	Host     string // 监听地址，默认 "0.0.0.0"
	Port     int    // 监听端口，默认 2525
	Domain   string // SMTP 问候使用的域名
	MaxConns int    // 最大并发连接数，默认 100
	MaxRate  int    // 每秒最大新建连接数，默认 20
}

// RealtimeConfig 定义实时推送配置
type RealtimeConfig struct {
	ChannelPrefix string // Redis 发布订阅频道前缀，默认 "crmmail:events"
	ClientBuffer  int    // 每个 WebSocket 连接的发送缓冲，默认 64
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server   ServerConfig   // HTTP 服务器配置
	CORS     CORSConfig     // 跨域配置
	Log      LogConfig      // 日志配置
	Database DatabaseConfig // 数据库配置
	Redis    RedisConfig    // Redis 配置
	JWT      JWTConfig      // 会话令牌配置
	Mail     MailConfig     // 外发邮件配置
	Storage  StorageConfig  // 附件存储配置
	Ingest   IngestConfig   // 入库工作池配置
	Inbound  InboundConfig  // 入站 SMTP 配置
	Realtime RealtimeConfig // 实时推送配置
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: CRMMAIL_
// 例如: CRMMAIL_SERVER_PORT, CRMMAIL_JWT_SECRET, CRMMAIL_MAIL_SMTP_HOST
func Load() (*Config, error) {
	loadEnvFile()

	viper.SetEnvPrefix("crmmail")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.max_request_size", 1<<20)
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)
	viper.SetDefault("database.type", "") // 默认为空，使用内存存储
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.unread_cache_ttl", "30s")
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.issuer", "crmmail")
	viper.SetDefault("jwt.access_expiry", "12h")
	viper.SetDefault("mail.smtp_host", "")
	viper.SetDefault("mail.smtp_port", 587)
	viper.SetDefault("mail.username", "")
	viper.SetDefault("mail.password", "")
	viper.SetDefault("mail.implicit_tls", false)
	viper.SetDefault("mail.message_id_domain", "crm.local")
	viper.SetDefault("mail.send_timeout", "30s")
	viper.SetDefault("mail.send_rate_per_min", 30)
	viper.SetDefault("mail.send_burst", 5)
	viper.SetDefault("storage.attachment_path", "./data/attachments")
	viper.SetDefault("storage.public_base_url", "")
	viper.SetDefault("storage.max_raw_size", 25<<20)
	viper.SetDefault("ingest.workers", 8)
	viper.SetDefault("ingest.queue_size", 256)
	viper.SetDefault("ingest.account_cache_ttl", "30s")
	viper.SetDefault("inbound.enabled", false)
	viper.SetDefault("inbound.host", "0.0.0.0")
	viper.SetDefault("inbound.port", 2525)
	viper.SetDefault("inbound.domain", "localhost")
	viper.SetDefault("inbound.max_conns", 100)
	viper.SetDefault("inbound.max_rate", 20)
	viper.SetDefault("realtime.channel_prefix", "crmmail:events")
	viper.SetDefault("realtime.client_buffer", 64)

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	unreadTTL, err := time.ParseDuration(viper.GetString("redis.unread_cache_ttl"))
	if err != nil {
		unreadTTL = 30 * time.Second
	}

	accessExpiry, err := time.ParseDuration(viper.GetString("jwt.access_expiry"))
	if err != nil {
		accessExpiry = 12 * time.Hour
	}

	accountCacheTTL, err := time.ParseDuration(viper.GetString("ingest.account_cache_ttl"))
	if err != nil {
		accountCacheTTL = 30 * time.Second
	}

	sendTimeout, err := time.ParseDuration(viper.GetString("mail.send_timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid mail.send_timeout: %w", err)
	}
	if sendTimeout <= 0 {
		return nil, fmt.Errorf("mail.send_timeout must be positive")
	}

	dbType := strings.ToLower(strings.TrimSpace(viper.GetString("database.type")))
	switch dbType {
	case "", "memory", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported database.type %q", dbType)
	}
	if dbType != "" && dbType != "memory" && viper.GetString("database.dsn") == "" {
		return nil, fmt.Errorf("database.dsn is required for database.type %q", dbType)
	}

	jwtSecret := viper.GetString("jwt.secret")

	// 安全检查：禁止使用默认的 JWT secret
	if jwtSecret == "change-me-in-production" {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret cannot be the default value. Please set CRMMAIL_JWT_SECRET environment variable")
	}

	// JWT secret 必须至少 32 字符
	if len(jwtSecret) < 32 {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret must be at least 32 characters long")
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:           viper.GetString("server.host"),
			Port:           viper.GetInt("server.port"),
			MaxRequestSize: viper.GetInt64("server.max_request_size"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
			MaxSize:     viper.GetInt("log.max_size"),
			MaxBackups:  viper.GetInt("log.max_backups"),
			MaxAge:      viper.GetInt("log.max_age"),
			Compress:    viper.GetBool("log.compress"),
		},
		Database: DatabaseConfig{
			Type:            dbType,
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Redis: RedisConfig{
			Enabled:        viper.GetBool("redis.enabled"),
			Address:        viper.GetString("redis.address"),
			Password:       viper.GetString("redis.password"),
			DB:             viper.GetInt("redis.db"),
			UnreadCacheTTL: unreadTTL,
		},
		JWT: JWTConfig{
			Secret:       jwtSecret,
			Issuer:       viper.GetString("jwt.issuer"),
			AccessExpiry: accessExpiry,
		},
		Mail: MailConfig{
			SMTPHost:        viper.GetString("mail.smtp_host"),
			SMTPPort:        viper.GetInt("mail.smtp_port"),
			Username:        viper.GetString("mail.username"),
			Password:        viper.GetString("mail.password"),
			ImplicitTLS:     viper.GetBool("mail.implicit_tls"),
			MessageIDDomain: strings.ToLower(viper.GetString("mail.message_id_domain")),
			SendTimeout:     sendTimeout,
			SendRatePerMin:  positiveOr(viper.GetInt("mail.send_rate_per_min"), 30),
			SendBurst:       positiveOr(viper.GetInt("mail.send_burst"), 5),
		},
		Storage: StorageConfig{
			AttachmentPath: viper.GetString("storage.attachment_path"),
			PublicBaseURL:  strings.TrimRight(viper.GetString("storage.public_base_url"), "/"),
			MaxRawSize:     viper.GetInt64("storage.max_raw_size"),
		},
		Ingest: IngestConfig{
			Workers:         positiveOr(viper.GetInt("ingest.workers"), 8),
			QueueSize:       positiveOr(viper.GetInt("ingest.queue_size"), 256),
			AccountCacheTTL: accountCacheTTL,
		},
		Inbound: InboundConfig{
			Enabled:  viper.GetBool("inbound.enabled"),
			Host:     viper.GetString("inbound.host"),
			Port:     viper.GetInt("inbound.port"),
			Domain:   viper.GetString("inbound.domain"),
			MaxConns: positiveOr(viper.GetInt("inbound.max_conns"), 100),
			MaxRate:  positiveOr(viper.GetInt("inbound.max_rate"), 20),
		},
		Realtime: RealtimeConfig{
			ChannelPrefix: viper.GetString("realtime.channel_prefix"),
			ClientBuffer:  positiveOr(viper.GetInt("realtime.client_buffer"), 64),
		},
	}

	return cfg, nil
}

func positiveOr(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

// parseList 将逗号分隔的字符串解析为字符串切片
//
// 参数:
//   - value: 逗号分隔的字符串，如 "item1,item2,item3"
//
// 返回值:
//   - []string: 解析后的字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env（用于从 backend/ 子目录运行的情况）
//
// 已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
