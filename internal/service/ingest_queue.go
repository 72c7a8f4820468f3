package service

import (
	"context"

	"go.uber.org/zap"

	"crmmail/backend/internal/domain"
	"crmmail/backend/internal/pool"
)

// IngestQueue 异步入库队列
//
// 按账户 ID 分区，同一账户的邮件按提交顺序入库，不同账户并行。
type IngestQueue struct {
	pool          *pool.KeyedPool
	conversations *ConversationService
	logger        *zap.Logger
}

// NewIngestQueue 创建入库队列，workers 需由调用方 Start。
func NewIngestQueue(workers *pool.KeyedPool, conversations *ConversationService, logger *zap.Logger) *IngestQueue {
	return &IngestQueue{
		pool:          workers,
		conversations: conversations,
		logger:        logger.Named("ingest-queue"),
	}
}

// Enqueue 提交一封邮件，队列满时阻塞直到 ctx 结束。
func (q *IngestQueue) Enqueue(ctx context.Context, accountID string, raw *domain.InboundMessage) error {
	return q.pool.Submit(ctx, accountID, func() {
		res, err := q.conversations.Ingest(context.Background(), accountID, raw)
		if err != nil {
			q.logger.Warn("queued ingest failed", zap.String("accountID", accountID), zap.Error(err))
			return
		}
		q.logger.Debug("queued ingest done",
			zap.String("accountID", accountID),
			zap.String("messageID", res.MessageID),
			zap.Bool("duplicate", res.Duplicate),
		)
	})
}

// EnqueueBatch 依次提交一批邮件，返回成功提交的数量。
func (q *IngestQueue) EnqueueBatch(ctx context.Context, accountID string, raws []*domain.InboundMessage) (int, error) {
	for i, raw := range raws {
		if err := q.Enqueue(ctx, accountID, raw); err != nil {
			return i, err
		}
	}
	return len(raws), nil
}
