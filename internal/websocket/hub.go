package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"crmmail/backend/internal/cache"
	"crmmail/backend/internal/domain"
	"crmmail/backend/internal/monitoring"
)

const (
	pingInterval    = 30 * time.Second
	threadMarkTTL   = 6 * time.Hour
	maxThreadMarks  = 100000
	eventBacklog    = 1024
	defaultClientCh = 64
)

// Hub 管理所有 WebSocket 连接并按订阅范围分发事件
//
// 连接注册、注销与事件分发都在 Run 协程中串行处理；
// 订阅变更直接在读协程中加锁修改索引。
type Hub struct {
	clients    map[string]*Client
	accounts   map[string]map[string]*Client // accountID -> clientID -> Client
	register   chan *Client
	unregister chan *Client
	events     chan *domain.Event
	done       chan struct{}
	mu         sync.RWMutex

	// 每个 (account, counterparty) 最近一次投递的 new_message 时间
	threadMarks *cache.LocalCache[time.Time]

	allowedOrigins []string
	clientBuffer   int
	metrics        *monitoring.Metrics
	log            *zap.Logger
}

// NewHub 创建 WebSocket Hub
//
// 参数:
//   - allowedOrigins: 允许的 Origin 列表，为空时允许所有来源
//   - clientBuffer: 每个连接的发送缓冲
func NewHub(allowedOrigins []string, clientBuffer int, metrics *monitoring.Metrics, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if clientBuffer <= 0 {
		clientBuffer = defaultClientCh
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		clients:        make(map[string]*Client),
		accounts:       make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		events:         make(chan *domain.Event, eventBacklog),
		done:           make(chan struct{}),
		threadMarks:    cache.NewLocalCache[time.Time](maxThreadMarks, threadMarkTTL),
		allowedOrigins: allowedOrigins,
		clientBuffer:   clientBuffer,
		metrics:        metrics,
		log:            log.Named("ws-hub"),
	}
}

// Run 启动 Hub，直到 ctx 结束
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer h.threadMarks.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case event := <-h.events:
			h.deliver(event)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// Register 注册客户端，Hub 已停止时关闭客户端
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.send)
	}
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Dispatch 提交事件等待分发，积压已满时丢弃
func (h *Hub) Dispatch(event *domain.Event) {
	select {
	case h.events <- event:
	default:
		h.metrics.RecordEventDropped("hub_backlog")
		h.log.Warn("event backlog full, dropping event",
			zap.String("type", string(event.Type)),
			zap.String("accountID", event.AccountID),
		)
	}
}

// ClientCount 返回当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	for _, s := range client.scopes() {
		h.indexLocked(s.AccountID, client)
	}
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetActiveClients(count)
	h.log.Debug("client registered", zap.String("id", client.ID), zap.String("subject", client.Subject))
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.ID]; !ok {
		h.mu.Unlock()
		return
	}
	for accountID, clients := range h.accounts {
		delete(clients, client.ID)
		if len(clients) == 0 {
			delete(h.accounts, accountID)
		}
	}
	delete(h.clients, client.ID)
	close(client.send)
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetActiveClients(count)
	h.log.Debug("client unregistered", zap.String("id", client.ID))
}

func (h *Hub) indexLocked(accountID string, client *Client) {
	if h.accounts[accountID] == nil {
		h.accounts[accountID] = make(map[string]*Client)
	}
	h.accounts[accountID][client.ID] = client
}

// subscribe 为客户端增加订阅范围
func (h *Hub) subscribe(client *Client, s Scope) {
	client.addScope(s)

	h.mu.Lock()
	if _, ok := h.clients[client.ID]; ok {
		h.indexLocked(s.AccountID, client)
	}
	h.mu.Unlock()
}

// unsubscribe 移除客户端的一个订阅范围，不影响其它连接
func (h *Hub) unsubscribe(client *Client, s Scope) {
	remaining := client.removeScope(s)
	if remaining {
		return
	}

	h.mu.Lock()
	if clients, ok := h.accounts[s.AccountID]; ok {
		delete(clients, client.ID)
		if len(clients) == 0 {
			delete(h.accounts, s.AccountID)
		}
	}
	h.mu.Unlock()
}

// deliver 把事件发给订阅范围匹配的客户端，慢客户端直接跳过
func (h *Hub) deliver(event *domain.Event) {
	if event.Type == domain.EventNewMessage && event.SentAt != nil {
		key := event.AccountID + "\x00" + event.Counterparty
		if last, ok := h.threadMarks.Get(key); ok && event.SentAt.Before(last) {
			h.metrics.RecordEventDropped("stale")
			return
		}
		h.threadMarks.Set(key, *event.SentAt, 0)
	}

	h.mu.RLock()
	candidates := make([]*Client, 0, len(h.accounts[event.AccountID]))
	for _, client := range h.accounts[event.AccountID] {
		candidates = append(candidates, client)
	}
	h.mu.RUnlock()

	if len(candidates) == 0 {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error("failed to marshal event", zap.Error(err))
		return
	}

	for _, client := range candidates {
		if !client.wants(event) {
			continue
		}
		select {
		case client.send <- data:
			h.metrics.RecordEventDelivered(string(event.Type))
		default:
			h.metrics.RecordEventDropped("slow_client")
			h.log.Warn("client channel blocked, skipping", zap.String("clientID", client.ID))
		}
	}
}

// pingAllClients 向所有客户端发送 ping
func (h *Hub) pingAllClients() {
	data, err := json.Marshal(&Message{Type: MessageTypePing, Timestamp: time.Now()})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
	h.accounts = make(map[string]map[string]*Client)
	h.metrics.SetActiveClients(0)
}
