package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"crmmail/backend/internal/domain"
	"crmmail/backend/internal/monitoring"
	"crmmail/backend/internal/security"
	"crmmail/backend/internal/storage"
)

// ConversationService 负责入库时的会话归档与去重。
type ConversationService struct {
	store     storage.Store
	accounts  AccountLookup
	resolver  *AttachmentResolver
	sanitizer *security.HTMLSanitizer
	events    emitter
	metrics   *monitoring.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewConversationService 创建会话服务。
func NewConversationService(
	store storage.Store,
	accounts AccountLookup,
	publisher EventPublisher,
	resolver *AttachmentResolver,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
) *ConversationService {
	logger = logger.Named("ingest")
	return &ConversationService{
		store:     store,
		accounts:  accounts,
		resolver:  resolver,
		sanitizer: security.NewHTMLSanitizer(),
		events:    newEmitter(publisher, metrics, logger),
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// IngestResult 单封邮件的入库结果。
type IngestResult struct {
	MessageID      string `json:"messageId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Counterparty   string `json:"counterparty,omitempty"`
	Created        bool   `json:"created"`
	Duplicate      bool   `json:"duplicate"`
	Error          string `json:"error,omitempty"`

	Message      *domain.Message      `json:"-"`
	Conversation *domain.Conversation `json:"-"`
}

// ResolveConversation 返回邮件所属会话的 ID，不存在则创建。
func (s *ConversationService) ResolveConversation(ctx context.Context, accountID string, raw *domain.InboundMessage) (string, error) {
	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return "", err
	}

	msg, counterparty, err := s.prepare(account, raw)
	if err != nil {
		return "", err
	}

	conv, err := s.store.EnsureConversation(ctx, accountID, counterparty, msg.Subject)
	if err != nil {
		return "", fmt.Errorf("ensure conversation: %w", err)
	}
	return conv.ID, nil
}

// Ingest 归档并去重一封邮件。
//
// 重复的邮件返回已有记录且 Duplicate=true，不视为错误；
// 无法推导往来方的邮件返回 ErrMalformedMessage，不会创建会话。
func (s *ConversationService) Ingest(ctx context.Context, accountID string, raw *domain.InboundMessage) (*IngestResult, error) {
	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.ingest(ctx, account, raw)
}

// IngestBatch 按提交顺序依次入库。
//
// 单封失败只记录在对应的结果里，不影响后续邮件；只有账户不存在或 ctx 结束才返回错误。
func (s *ConversationService) IngestBatch(ctx context.Context, accountID string, raws []*domain.InboundMessage) ([]IngestResult, error) {
	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}

	results := make([]IngestResult, 0, len(raws))
	for _, raw := range raws {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		res, err := s.ingest(ctx, account, raw)
		if err != nil {
			results = append(results, IngestResult{Error: err.Error()})
			continue
		}
		results = append(results, *res)
	}
	return results, nil
}

// FindDuplicate 在附件落盘之前查找与 raw 去重键相同的已入库邮件。
//
// 命中时返回 Duplicate=true 的结果，未命中返回 nil；
// 无法推导往来方的邮件返回 ErrMalformedMessage。
func (s *ConversationService) FindDuplicate(ctx context.Context, accountID string, raw *domain.InboundMessage) (*IngestResult, error) {
	started := s.now()
	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}

	msg, counterparty, err := s.prepare(account, raw)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.FindMessageByDedupKey(ctx, account.ID, msg.DedupKey)
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find duplicate: %w", err)
	}

	s.metrics.RecordIngest("duplicate", s.now().Sub(started))
	return &IngestResult{
		MessageID:      existing.ID,
		ConversationID: existing.ConversationID,
		Counterparty:   counterparty,
		Duplicate:      true,
		Message:        existing,
	}, nil
}

func (s *ConversationService) ingest(ctx context.Context, account *domain.Account, raw *domain.InboundMessage) (*IngestResult, error) {
	started := s.now()

	msg, counterparty, err := s.prepare(account, raw)
	if err != nil {
		s.metrics.RecordIngest("malformed", s.now().Sub(started))
		fields := []zap.Field{zap.String("accountID", account.ID), zap.Error(err)}
		if raw != nil {
			fields = append(fields, zap.String("from", raw.FromEmail), zap.String("subject", raw.Subject))
		}
		s.logger.Warn("rejected malformed message", fields...)
		return nil, err
	}

	conv, err := s.store.EnsureConversation(ctx, account.ID, counterparty, msg.Subject)
	if err != nil {
		s.metrics.RecordIngest("failed", s.now().Sub(started))
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}
	msg.ConversationID = conv.ID

	stored, created, err := s.store.InsertMessage(ctx, msg)
	if err != nil {
		s.metrics.RecordIngest("failed", s.now().Sub(started))
		return nil, fmt.Errorf("insert message: %w", err)
	}

	result := &IngestResult{
		MessageID:      stored.ID,
		ConversationID: stored.ConversationID,
		Counterparty:   counterparty,
		Created:        created,
		Duplicate:      !created,
		Message:        stored,
		Conversation:   conv,
	}

	if !created {
		s.metrics.RecordIngest("duplicate", s.now().Sub(started))
		s.logger.Debug("duplicate message absorbed",
			zap.String("accountID", account.ID),
			zap.String("messageID", stored.ID),
		)
		return result, nil
	}

	conv, err = s.store.RecountConversation(ctx, conv.ID)
	if err != nil {
		s.metrics.RecordIngest("failed", s.now().Sub(started))
		return nil, fmt.Errorf("recount conversation: %w", err)
	}
	result.Conversation = conv

	s.metrics.RecordIngest("created", s.now().Sub(started))
	s.publishNewMessage(ctx, account, conv, stored)

	return result, nil
}

// prepare 规范化原始邮件并推导方向、往来方与去重键
func (s *ConversationService) prepare(account *domain.Account, raw *domain.InboundMessage) (*domain.Message, string, error) {
	if raw == nil {
		return nil, "", fmt.Errorf("%w: empty record", ErrMalformedMessage)
	}

	from := domain.NormalizeEmail(raw.FromEmail)
	direction := domain.ResolveDirection(from, account.Email)
	isTrash, isSpam := domain.FolderFlags(raw.Folder)
	subject := strings.TrimSpace(raw.Subject)

	msg := &domain.Message{
		AccountID: account.ID,
		Direction: direction,
		FromEmail: from,
		ToEmail:   domain.JoinAddressList(domain.SplitAddressList(raw.ToEmail)),
		CCEmail:   domain.JoinAddressList(domain.SplitAddressList(raw.CCEmail)),
		Subject:   subject,
		SentAt:    raw.SentAt.UTC(),
		IsRead:    raw.IsRead || direction == domain.DirectionSent,
		IsTrash:   isTrash,
		IsSpam:    isSpam,
		StableID:  strings.TrimSpace(raw.StableID),
	}

	counterparty := domain.Counterparty(msg, account.Email, direction)
	if counterparty == "" {
		return nil, "", fmt.Errorf("%w: no counterparty in from/to", ErrMalformedMessage)
	}

	msg.DedupKey = domain.DedupKeyFor(account.ID, msg.StableID, msg.SentAt, from, subject)
	if msg.SentAt.IsZero() {
		msg.SentAt = s.now().UTC()
	}

	msg.Body = s.sanitizer.Sanitize(raw.Body)
	msg.Snippet = Snippet(msg.Body)

	for _, in := range raw.Attachments {
		msg.Attachments = append(msg.Attachments, &domain.Attachment{
			Filename:       in.Filename,
			MimeType:       in.MimeType,
			Size:           in.Size,
			StorageLocator: in.StorageLocator,
			Kind:           domain.ClassifyAttachment(in.Filename, in.MimeType),
		})
	}

	return msg, counterparty, nil
}

// publishNewMessage 发布 new_message、conversation_updated 与 unread_count_changed
func (s *ConversationService) publishNewMessage(ctx context.Context, account *domain.Account, conv *domain.Conversation, msg *domain.Message) {
	sentAt := msg.SentAt
	s.events.emitAt(ctx, domain.EventNewMessage, account.ID, conv.CounterpartyEmail, &sentAt, domain.NewMessagePayload{
		MessageID:      msg.ID,
		ConversationID: conv.ID,
		Direction:      msg.Direction,
		FromEmail:      msg.FromEmail,
		ToEmail:        msg.ToEmail,
		CCEmail:        msg.CCEmail,
		Subject:        msg.Subject,
		Snippet:        msg.Snippet,
		SentAt:         msg.SentAt,
		IsSpam:         msg.IsSpam,
		IsTrash:        msg.IsTrash,
		Attachments:    s.resolver.Summaries(msg.Attachments),
	})

	s.events.emit(ctx, domain.EventConversationUpdated, account.ID, conv.CounterpartyEmail,
		conversationUpdatedPayload(conv, msg.Snippet))

	s.events.emitUnreadTotal(ctx, s.store, account.ID)
}
