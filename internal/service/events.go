package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"crmmail/backend/internal/domain"
	"crmmail/backend/internal/monitoring"
)

// EventPublisher 实时事件发布接口
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.Event) error
}

// NopPublisher 丢弃所有事件
type NopPublisher struct{}

// Publish 实现 EventPublisher
func (NopPublisher) Publish(context.Context, *domain.Event) error { return nil }

// emitter 构建并发布事件，发布失败只记录日志
type emitter struct {
	publisher EventPublisher
	metrics   *monitoring.Metrics
	logger    *zap.Logger
}

func newEmitter(publisher EventPublisher, metrics *monitoring.Metrics, logger *zap.Logger) emitter {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return emitter{publisher: publisher, metrics: metrics, logger: logger}
}

func (e emitter) emit(ctx context.Context, eventType domain.EventType, accountID, counterparty string, payload interface{}) {
	e.emitAt(ctx, eventType, accountID, counterparty, nil, payload)
}

func (e emitter) emitAt(ctx context.Context, eventType domain.EventType, accountID, counterparty string, sentAt *time.Time, payload interface{}) {
	event, err := domain.NewEvent(eventType, accountID, counterparty, payload)
	if err != nil {
		e.logger.Error("build event failed", zap.String("type", string(eventType)), zap.Error(err))
		return
	}
	event.SentAt = sentAt

	if err := e.publisher.Publish(ctx, event); err != nil {
		e.metrics.RecordError("publish", "realtime")
		e.logger.Warn("publish event failed",
			zap.String("type", string(eventType)),
			zap.String("accountID", accountID),
			zap.Error(err),
		)
		return
	}
	e.metrics.RecordEventPublished(string(eventType))
}

// emitUnreadTotal 重新统计账户未读数并发布 unread_count_changed
func (e emitter) emitUnreadTotal(ctx context.Context, counter unreadCounter, accountID string) (int, bool) {
	total, err := counter.CountUnread(ctx, accountID)
	if err != nil {
		e.logger.Warn("count unread failed", zap.String("accountID", accountID), zap.Error(err))
		return 0, false
	}
	e.emit(ctx, domain.EventUnreadCountChanged, accountID, "", domain.UnreadCountPayload{UnreadCount: total})
	return total, true
}

type unreadCounter interface {
	CountUnread(ctx context.Context, accountID string) (int, error)
}

func conversationUpdatedPayload(conv *domain.Conversation, snippet string) domain.ConversationUpdatedPayload {
	return domain.ConversationUpdatedPayload{
		ConversationID:    conv.ID,
		CounterpartyEmail: conv.CounterpartyEmail,
		Subject:           conv.Subject,
		Snippet:           snippet,
		LastMessageAt:     conv.LastMessageAt,
		MessageCount:      conv.MessageCount,
		UnreadCount:       conv.UnreadCount,
	}
}
