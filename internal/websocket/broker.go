package websocket

import (
	"context"
	"sync"

	"crmmail/backend/internal/domain"
)

// Broker 事件分发通道，单实例用 LocalBroker，多实例用 Redis 发布订阅
type Broker interface {
	Publish(ctx context.Context, event *domain.Event) error
	Subscribe(ctx context.Context, handler func(*domain.Event)) error
}

// LocalBroker 进程内事件分发
type LocalBroker struct {
	mu       sync.RWMutex
	handlers map[int]func(*domain.Event)
	nextID   int
}

// NewLocalBroker 创建进程内分发器
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{handlers: make(map[int]func(*domain.Event))}
}

// Publish 把事件交给所有订阅者
func (b *LocalBroker) Publish(_ context.Context, event *domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, handler := range b.handlers {
		handler(event)
	}
	return nil
}

// Subscribe 注册 handler，直到 ctx 结束
func (b *LocalBroker) Subscribe(ctx context.Context, handler func(*domain.Event)) error {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
	return nil
}

// Pump 把 broker 收到的事件转交给 hub，直到 ctx 结束
func Pump(ctx context.Context, broker Broker, hub *Hub) error {
	return broker.Subscribe(ctx, hub.Dispatch)
}
