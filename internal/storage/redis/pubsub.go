package redis

import (
	"context"
	"encoding/json"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"crmmail/backend/internal/domain"
)

// PubSubBroker 通过 Redis 发布订阅在多个实例间分发实时事件
//
// 每个账户一个频道：{prefix}:{accountId}，订阅端使用模式匹配接收全部账户。
type PubSubBroker struct {
	rdb    *goredis.Client
	prefix string
	log    *zap.Logger
}

// NewPubSubBroker 创建事件分发器
func NewPubSubBroker(client *Client, prefix string, log *zap.Logger) *PubSubBroker {
	if prefix == "" {
		prefix = "crmmail:events"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PubSubBroker{
		rdb:    client.Client(),
		prefix: strings.TrimSuffix(prefix, ":"),
		log:    log,
	}
}

// Channel 返回账户对应的频道名
func (b *PubSubBroker) Channel(accountID string) string {
	return b.prefix + ":" + accountID
}

// Publish 发布事件
func (b *PubSubBroker) Publish(ctx context.Context, event *domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.Channel(event.AccountID), data).Err()
}

// Subscribe 订阅全部账户的事件并逐条交给 handler，直到 ctx 结束
func (b *PubSubBroker) Subscribe(ctx context.Context, handler func(*domain.Event)) error {
	sub := b.rdb.PSubscribe(ctx, b.prefix+":*")
	defer sub.Close()

	// 等待订阅确认
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.log.Warn("discard malformed event",
					zap.String("channel", msg.Channel),
					zap.Error(err),
				)
				continue
			}
			handler(&event)
		}
	}
}
