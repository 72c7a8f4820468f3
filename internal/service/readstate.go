package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"crmmail/backend/internal/domain"
	"crmmail/backend/internal/monitoring"
	"crmmail/backend/internal/storage"
)

// ReadStateService 维护已读状态。
//
// 会话与账户的未读数始终是对邮件行的重新统计，只有真正改变了状态的调用才发布事件。
type ReadStateService struct {
	store    storage.Store
	accounts AccountLookup
	events   emitter
	metrics  *monitoring.Metrics
	logger   *zap.Logger
}

// NewReadStateService 创建已读状态服务。
func NewReadStateService(store storage.Store, accounts AccountLookup, publisher EventPublisher, metrics *monitoring.Metrics, logger *zap.Logger) *ReadStateService {
	logger = logger.Named("readstate")
	return &ReadStateService{
		store:    store,
		accounts: accounts,
		events:   newEmitter(publisher, metrics, logger),
		metrics:  metrics,
		logger:   logger,
	}
}

// ReadResult 已读操作的结果。
type ReadResult struct {
	Changed      bool                 `json:"changed"`
	MessageIDs   []string             `json:"messageIds"`
	Conversation *domain.Conversation `json:"conversation"`
	UnreadTotal  *int                 `json:"unreadTotal,omitempty"`
}

// MarkRead 标记单封邮件为已读，已读的邮件再次标记为无操作。
func (s *ReadStateService) MarkRead(ctx context.Context, messageID string, scope AccountScope) (*ReadResult, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !scope.Allows(msg.AccountID) {
		return nil, ErrAccountForbidden
	}

	changed, err := s.store.MarkMessageRead(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("mark message read: %w", err)
	}
	if !changed {
		conv, err := s.store.GetConversationByID(ctx, msg.ConversationID)
		if err != nil {
			return nil, err
		}
		return &ReadResult{MessageIDs: []string{}, Conversation: conv}, nil
	}

	return s.afterChange(ctx, msg.AccountID, msg.ConversationID, []string{messageID})
}

// MarkConversationRead 标记会话内全部未读收件为已读。
func (s *ReadStateService) MarkConversationRead(ctx context.Context, accountID, counterparty string) (*ReadResult, error) {
	if _, err := s.accounts.Get(ctx, accountID); err != nil {
		return nil, err
	}

	conv, err := s.store.GetConversation(ctx, accountID, domain.NormalizeEmail(counterparty))
	if err != nil {
		return nil, err
	}

	ids, err := s.store.MarkConversationRead(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("mark conversation read: %w", err)
	}
	if len(ids) == 0 {
		return &ReadResult{MessageIDs: []string{}, Conversation: conv}, nil
	}

	return s.afterChange(ctx, accountID, conv.ID, ids)
}

// GetUnreadCount 返回账户下未读收件总数。
func (s *ReadStateService) GetUnreadCount(ctx context.Context, accountID string) (int, error) {
	if _, err := s.accounts.Get(ctx, accountID); err != nil {
		return 0, err
	}
	return s.store.CountUnread(ctx, accountID)
}

// afterChange 重新统计会话并发布 read_state_changed 与 unread_count_changed
func (s *ReadStateService) afterChange(ctx context.Context, accountID, conversationID string, ids []string) (*ReadResult, error) {
	s.metrics.RecordReadChanges(len(ids))

	conv, err := s.store.RecountConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("recount conversation: %w", err)
	}

	s.events.emit(ctx, domain.EventReadStateChanged, accountID, conv.CounterpartyEmail, domain.ReadStatePayload{
		ConversationID:    conv.ID,
		CounterpartyEmail: conv.CounterpartyEmail,
		MessageIDs:        ids,
		IsRead:            true,
		UnreadCount:       conv.UnreadCount,
	})

	result := &ReadResult{Changed: true, MessageIDs: ids, Conversation: conv}
	if total, ok := s.events.emitUnreadTotal(ctx, s.store, accountID); ok {
		result.UnreadTotal = &total
	}

	s.logger.Debug("messages marked read",
		zap.String("accountID", accountID),
		zap.String("conversationID", conv.ID),
		zap.Int("count", len(ids)),
	)
	return result, nil
}
