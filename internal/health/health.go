package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"crmmail/backend/internal/storage"
)

const checkTimeout = 5 * time.Second

// Pinger 可探活的外部依赖（Redis、PostgreSQL 连接池）
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker 健康检查器
//
// 存活检查只看进程自身；就绪检查覆盖存储与已注册的外部依赖。
type HealthChecker struct {
	health healthcheck.Handler
	store  storage.Store
	logger *zap.Logger

	mu      sync.RWMutex
	pingers map[string]Pinger
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(store storage.Store, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health:  healthcheck.NewHandler(),
		store:   store,
		logger:  logger.Named("health"),
		pingers: make(map[string]Pinger),
	}

	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	hc.health.AddReadinessCheck("database", func() error {
		return hc.store.Health()
	})

	return hc
}

// AddDependency 注册一个就绪检查依赖
func (hc *HealthChecker) AddDependency(name string, p Pinger) {
	hc.mu.Lock()
	hc.pingers[name] = p
	hc.mu.Unlock()

	hc.health.AddReadinessCheck(name, PingCheck(p))
}

// Handler 返回健康检查处理器，提供 /live 与 /ready
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveHandler 存活检查
func (hc *HealthChecker) LiveHandler(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyHandler 就绪检查
func (hc *HealthChecker) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// CheckHealth 执行全部检查并返回每一项的状态
func (hc *HealthChecker) CheckHealth(ctx context.Context) map[string]string {
	results := make(map[string]string)

	if err := hc.store.Health(); err != nil {
		results["database"] = fmt.Sprintf("ERROR: %v", err)
		hc.logger.Warn("database health check failed", zap.Error(err))
	} else {
		results["database"] = "OK"
	}

	hc.mu.RLock()
	defer hc.mu.RUnlock()
	for name, p := range hc.pingers {
		pingCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := p.Ping(pingCtx)
		cancel()
		if err != nil {
			results[name] = fmt.Sprintf("ERROR: %v", err)
			hc.logger.Warn("dependency health check failed", zap.String("dependency", name), zap.Error(err))
			continue
		}
		results[name] = "OK"
	}

	results["timestamp"] = time.Now().Format(time.RFC3339)
	return results
}

// Healthy 所有检查都通过时返回 true
func Healthy(results map[string]string) bool {
	for name, status := range results {
		if name == "timestamp" {
			continue
		}
		if status != "OK" {
			return false
		}
	}
	return true
}

// PingCheck 把 Pinger 包装为带超时的检查
func PingCheck(p Pinger) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()

		return p.Ping(ctx)
	}
}
