package websocket

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"crmmail/backend/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	maxFrame   = 4096
)

// MessageType 控制帧类型
type MessageType string

const (
	MessageTypePing         MessageType = "ping"
	MessageTypePong         MessageType = "pong"
	MessageTypeSubscribe    MessageType = "subscribe"
	MessageTypeUnsubscribe  MessageType = "unsubscribe"
	MessageTypeSubscribed   MessageType = "subscribed"
	MessageTypeUnsubscribed MessageType = "unsubscribed"
	MessageTypeError        MessageType = "error"
)

// Message 客户端与服务端之间的控制帧，事件本身以 domain.Event 发送
type Message struct {
	Type         MessageType `json:"type"`
	AccountID    string      `json:"accountId,omitempty"`
	Counterparty string      `json:"counterparty,omitempty"`
	Error        string      `json:"error,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

// Scope 订阅范围，Counterparty 为空表示整个账户
type Scope struct {
	AccountID    string
	Counterparty string
}

// Client 代表一个 WebSocket 客户端连接
type Client struct {
	ID      string
	Subject string

	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	allowed map[string]struct{}
	subs    map[Scope]struct{}
	mu      sync.RWMutex
	log     *zap.Logger
}

// NewClient 创建客户端，并隐式订阅令牌中的全部账户
func NewClient(hub *Hub, conn *websocket.Conn, subject string, accountIDs []string) *Client {
	c := &Client{
		ID:      uuid.NewString(),
		Subject: subject,
		conn:    conn,
		send:    make(chan []byte, hub.clientBuffer),
		hub:     hub,
		allowed: make(map[string]struct{}, len(accountIDs)),
		subs:    make(map[Scope]struct{}, len(accountIDs)),
		log:     hub.log,
	}
	for _, id := range accountIDs {
		if id == "" {
			continue
		}
		c.allowed[id] = struct{}{}
		c.subs[Scope{AccountID: id}] = struct{}{}
	}
	return c
}

func (c *Client) scopes() []Scope {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Scope, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].Counterparty < out[j].Counterparty
	})
	return out
}

func (c *Client) addScope(s Scope) {
	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()
}

// removeScope 删除订阅，返回该账户下是否还有其它订阅
func (c *Client) removeScope(s Scope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.subs, s)
	for other := range c.subs {
		if other.AccountID == s.AccountID {
			return true
		}
	}
	return false
}

// wants 账户级订阅接收该账户的全部事件，会话级订阅只接收对应会话的事件
func (c *Client) wants(event *domain.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.subs[Scope{AccountID: event.AccountID}]; ok {
		return true
	}
	if event.Counterparty == "" {
		return false
	}
	_, ok := c.subs[Scope{AccountID: event.AccountID, Counterparty: event.Counterparty}]
	return ok
}

func (c *Client) permits(accountID string) bool {
	_, ok := c.allowed[accountID]
	return ok
}

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read error", zap.String("clientID", c.ID), zap.Error(err))
			}
			return
		}
		c.handleMessage(&msg)
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的控制帧
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.handleSubscribe(msg)
	case MessageTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case MessageTypePong:
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	default:
		c.sendError(fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (c *Client) handleSubscribe(msg *Message) {
	s, ok := c.scopeFrom(msg)
	if !ok {
		return
	}
	c.hub.subscribe(c, s)
	c.log.Debug("subscribed",
		zap.String("clientID", c.ID),
		zap.String("accountID", s.AccountID),
		zap.String("counterparty", s.Counterparty),
	)
	c.sendMessage(&Message{Type: MessageTypeSubscribed, AccountID: s.AccountID, Counterparty: s.Counterparty, Timestamp: time.Now()})
}

func (c *Client) handleUnsubscribe(msg *Message) {
	s, ok := c.scopeFrom(msg)
	if !ok {
		return
	}
	c.hub.unsubscribe(c, s)
	c.sendMessage(&Message{Type: MessageTypeUnsubscribed, AccountID: s.AccountID, Counterparty: s.Counterparty, Timestamp: time.Now()})
}

// scopeFrom 校验订阅帧并检查令牌是否授权该账户
func (c *Client) scopeFrom(msg *Message) (Scope, bool) {
	if msg.AccountID == "" {
		c.sendError("accountId is required")
		return Scope{}, false
	}
	if !c.permits(msg.AccountID) {
		c.log.Warn("subscription denied",
			zap.String("clientID", c.ID),
			zap.String("accountID", msg.AccountID),
		)
		c.sendError(fmt.Sprintf("no permission to access account: %s", msg.AccountID))
		return Scope{}, false
	}
	return Scope{AccountID: msg.AccountID, Counterparty: domain.NormalizeEmail(msg.Counterparty)}, true
}

func (c *Client) sendError(errMsg string) {
	c.sendMessage(&Message{Type: MessageTypeError, Error: errMsg, Timestamp: time.Now()})
}

// sendMessage 非阻塞发送
func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	defer func() {
		// send 已被 Hub 关闭
		_ = recover()
	}()
	select {
	case c.send <- data:
	default:
		c.log.Warn("client channel blocked", zap.String("clientID", c.ID))
	}
}
