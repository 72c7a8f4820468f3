package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"crmmail/backend/internal/domain"
	"crmmail/backend/internal/monitoring"
	"crmmail/backend/internal/storage"
)

// OutboundAttachment 外发附件。
type OutboundAttachment struct {
	Filename string
	MimeType string
	Content  []byte
}

// OutboundMail 交给投递服务的邮件。
type OutboundMail struct {
	From        string
	FromName    string
	To          []string
	CC          []string
	Subject     string
	HTMLBody    string
	InReplyTo   string
	Attachments []OutboundAttachment
}

// Mailer 邮件投递接口，成功时返回传输层 Message-ID。
type Mailer interface {
	Deliver(ctx context.Context, mail *OutboundMail) (string, error)
}

// SendService 投递草稿，并在确认投递后把已发送邮件归档到会话。
type SendService struct {
	store         storage.Store
	accounts      AccountLookup
	mailer        Mailer
	conversations *ConversationService
	resolver      *AttachmentResolver
	timeout       time.Duration
	metrics       *monitoring.Metrics
	logger        *zap.Logger
	now           func() time.Time
}

// NewSendService 创建发送服务。
func NewSendService(
	store storage.Store,
	accounts AccountLookup,
	mailer Mailer,
	conversations *ConversationService,
	resolver *AttachmentResolver,
	timeout time.Duration,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
) *SendService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SendService{
		store:         store,
		accounts:      accounts,
		mailer:        mailer,
		conversations: conversations,
		resolver:      resolver,
		timeout:       timeout,
		metrics:       metrics,
		logger:        logger.Named("send"),
		now:           time.Now,
	}
}

// Send 投递草稿。
//
// 只有确认投递成功后才写入邮件行；投递失败或超时返回 ErrDeliveryFailed，会话保持不变，不做重试。
func (s *SendService) Send(ctx context.Context, draft *Draft) (*domain.Message, error) {
	account, err := s.accounts.Get(ctx, draft.AccountID)
	if err != nil {
		return nil, err
	}

	if len(domain.SplitAddressList(draft.To)) == 0 {
		return nil, ErrMissingRecipient
	}
	to, err := domain.ValidateAddressList(draft.To)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	cc, err := domain.ValidateAddressList(draft.CC)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	attachments, outbound, err := s.loadAttachments(ctx, account, draft.Attachments)
	if err != nil {
		return nil, err
	}

	subject := strings.TrimSpace(draft.Subject)
	mail := &OutboundMail{
		From:        account.Email,
		FromName:    account.DisplayName,
		To:          to,
		CC:          cc,
		Subject:     subject,
		HTMLBody:    joinBody(draft.BodyHTML, draft.QuotedBodyHTML),
		InReplyTo:   s.inReplyTo(ctx, account, draft),
		Attachments: outbound,
	}

	deliveredID, err := s.deliver(ctx, mail)
	if err != nil {
		s.logger.Warn("delivery failed",
			zap.String("accountID", account.ID),
			zap.Strings("to", to),
			zap.Error(err),
		)
		return nil, err
	}

	raw := &domain.InboundMessage{
		FromEmail:   account.Email,
		ToEmail:     domain.JoinAddressList(to),
		CCEmail:     domain.JoinAddressList(cc),
		Subject:     subject,
		Body:        mail.HTMLBody,
		SentAt:      s.now().UTC(),
		Folder:      "sent",
		IsRead:      true,
		StableID:    deliveredID,
		Attachments: attachments,
	}
	result, err := s.conversations.Ingest(ctx, account.ID, raw)
	if err != nil {
		s.logger.Error("record sent message failed",
			zap.String("accountID", account.ID),
			zap.String("deliveredMessageID", deliveredID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("record sent message: %w", err)
	}

	s.logger.Info("message sent",
		zap.String("accountID", account.ID),
		zap.String("messageID", result.MessageID),
		zap.String("deliveredMessageID", deliveredID),
	)
	return result.Message, nil
}

// deliver 在超时内等待投递结果
func (s *SendService) deliver(ctx context.Context, mail *OutboundMail) (string, error) {
	started := s.now()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type outcome struct {
		id  string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		id, err := s.mailer.Deliver(ctx, mail)
		done <- outcome{id: id, err: err}
	}()

	select {
	case <-ctx.Done():
		s.metrics.RecordSend("timeout", s.now().Sub(started))
		return "", fmt.Errorf("%w: %w", ErrDeliveryFailed, ctx.Err())
	case out := <-done:
		if out.err != nil {
			s.metrics.RecordSend("failed", s.now().Sub(started))
			return "", fmt.Errorf("%w: %w", ErrDeliveryFailed, out.err)
		}
		s.metrics.RecordSend("delivered", s.now().Sub(started))
		return out.id, nil
	}
}

// loadAttachments 按引用重新读取附件，只允许引用本账户邮件的附件
func (s *SendService) loadAttachments(ctx context.Context, account *domain.Account, refs []DraftAttachment) ([]domain.InboundAttachment, []OutboundAttachment, error) {
	if len(refs) == 0 {
		return nil, nil, nil
	}

	inbound := make([]domain.InboundAttachment, 0, len(refs))
	outbound := make([]OutboundAttachment, 0, len(refs))
	for _, ref := range refs {
		msg, err := s.store.GetMessage(ctx, ref.MessageID)
		if err != nil {
			return nil, nil, err
		}
		if msg.AccountID != account.ID {
			return nil, nil, storage.ErrAttachmentNotFound
		}

		att, err := s.store.GetAttachment(ctx, ref.MessageID, ref.AttachmentID)
		if err != nil {
			return nil, nil, err
		}
		content, err := s.resolver.Load(ctx, att)
		if err != nil {
			return nil, nil, err
		}

		outbound = append(outbound, OutboundAttachment{
			Filename: att.Filename,
			MimeType: att.MimeType,
			Content:  content,
		})
		inbound = append(inbound, domain.InboundAttachment{
			Filename:       att.Filename,
			MimeType:       att.MimeType,
			Size:           att.Size,
			StorageLocator: att.StorageLocator,
		})
	}
	return inbound, outbound, nil
}

func (s *SendService) inReplyTo(ctx context.Context, account *domain.Account, draft *Draft) string {
	if draft.SourceMessageID == "" || (draft.Mode != ModeReply && draft.Mode != ModeReplyAll) {
		return ""
	}
	source, err := s.store.GetMessage(ctx, draft.SourceMessageID)
	if err != nil || source.AccountID != account.ID {
		return ""
	}
	return source.StableID
}

func joinBody(body, quoted string) string {
	switch {
	case quoted == "":
		return body
	case strings.TrimSpace(body) == "":
		return quoted
	default:
		return body + "<br>" + quoted
	}
}
