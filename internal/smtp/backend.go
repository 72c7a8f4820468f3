package smtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"crmmail/backend/internal/domain"
	"crmmail/backend/internal/mail"
	"crmmail/backend/internal/service"
	"crmmail/backend/internal/storage"
)

// AccountResolver 按邮箱地址查找已接入的账户
type AccountResolver interface {
	GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error)
}

// Enqueuer 入库队列
type Enqueuer interface {
	Enqueue(ctx context.Context, accountID string, raw *domain.InboundMessage) error
}

// DuplicateFinder 在附件落盘之前识别已入库的副本
type DuplicateFinder interface {
	FindDuplicate(ctx context.Context, accountID string, raw *domain.InboundMessage) (*service.IngestResult, error)
}

// Backend 实现 go-smtp 的 Backend 接口。
//
// 只接收发往已接入账户的邮件，解析后交给入库队列；外部地址一律返回 550，
// 不提供中继。
type Backend struct {
	accounts AccountResolver
	queue    Enqueuer
	dups     DuplicateFinder
	files    mail.ContentSink
	limiter  *ConnectionLimiter
	maxSize  int64
	logger   *zap.Logger
}

// NewBackend 创建 SMTP Backend，limiter 为 nil 时不限流，dups 为 nil 时不预先去重。
func NewBackend(accounts AccountResolver, queue Enqueuer, dups DuplicateFinder, files mail.ContentSink, limiter *ConnectionLimiter, maxSize int64, logger *zap.Logger) *Backend {
	if maxSize <= 0 {
		maxSize = 25 << 20
	}
	return &Backend{
		accounts: accounts,
		queue:    queue,
		dups:     dups,
		files:    files,
		limiter:  limiter,
		maxSize:  maxSize,
		logger:   logger.Named("smtp-inbound"),
	}
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(_ *gosmtp.Conn) (gosmtp.Session, error) {
	if b.limiter != nil && !b.limiter.Acquire() {
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "too many connections, try again later",
		}
	}
	return &session{backend: b}, nil
}

type session struct {
	backend    *Backend
	from       string
	recipients []*domain.Account
	release    sync.Once
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt 处理 RCPT 命令，只接受已接入账户的地址。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := domain.NormalizeEmail(strings.Trim(strings.TrimSpace(to), "<>"))
	if domain.ValidateAddress(addr) != nil {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	account, err := s.backend.accounts.GetAccountByEmail(context.Background(), addr)
	if err != nil {
		if !errors.Is(err, storage.ErrAccountNotFound) {
			s.backend.logger.Error("lookup recipient failed", zap.String("rcpt", addr), zap.Error(err))
			return &gosmtp.SMTPError{
				Code:         451,
				EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
				Message:      "temporary lookup failure",
			}
		}
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "recipient mailbox not found",
		}
	}

	for _, existing := range s.recipients {
		if existing.ID == account.ID {
			return nil
		}
	}
	s.recipients = append(s.recipients, account)
	return nil
}

// Data 解析邮件并为每个收件账户提交入库。
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(io.LimitReader(r, s.backend.maxSize+1))
	if err != nil {
		return err
	}
	if int64(len(raw)) > s.backend.maxSize {
		return &gosmtp.SMTPError{
			Code:         552,
			EnhancedCode: gosmtp.EnhancedCode{5, 3, 4},
			Message:      "message too large",
		}
	}

	parsed, err := mail.Parse(raw, "INBOX")
	if err != nil {
		s.backend.logger.Warn("reject unparseable message",
			zap.String("from", s.from),
			zap.Error(err),
		)
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      "message could not be parsed",
		}
	}
	if parsed.Inbound.FromEmail == "" {
		parsed.Inbound.FromEmail = s.from
	}

	ctx := context.Background()
	for _, account := range s.recipients {
		if s.isDuplicate(ctx, account.ID, parsed.Inbound) {
			continue
		}

		msg, err := parsed.Persist(account.ID, s.backend.files)
		if err != nil {
			return fmt.Errorf("persist message: %w", err)
		}
		if err := s.backend.queue.Enqueue(ctx, account.ID, msg); err != nil {
			return fmt.Errorf("enqueue message: %w", err)
		}
	}
	return nil
}

// isDuplicate 查重失败时照常入库，由入库时的唯一约束兜底
func (s *session) isDuplicate(ctx context.Context, accountID string, msg *domain.InboundMessage) bool {
	if s.backend.dups == nil {
		return false
	}
	existing, err := s.backend.dups.FindDuplicate(ctx, accountID, msg)
	if err != nil {
		s.backend.logger.Debug("duplicate lookup failed",
			zap.String("accountID", accountID),
			zap.Error(err),
		)
		return false
	}
	if existing == nil {
		return false
	}
	s.backend.logger.Debug("skip delivered duplicate",
		zap.String("accountID", accountID),
		zap.String("messageID", existing.MessageID),
	)
	return true
}

// Reset 重置状态。
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout 会话结束，释放连接许可。
func (s *session) Logout() error {
	s.release.Do(func() {
		if s.backend.limiter != nil {
			s.backend.limiter.Release()
		}
	})
	return nil
}
