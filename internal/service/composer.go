package service

import (
	"context"
	"fmt"
	"html"
	"strings"

	"go.uber.org/zap"

	"crmmail/backend/internal/domain"
	"crmmail/backend/internal/storage"
)

// ComposeMode 撰写模式
type ComposeMode string

const (
	ModeReply    ComposeMode = "reply"
	ModeReplyAll ComposeMode = "reply-all"
	ModeForward  ComposeMode = "forward"
	ModeNew      ComposeMode = "new"
)

// ParseComposeMode 解析撰写模式
func ParseComposeMode(raw string) (ComposeMode, error) {
	switch mode := ComposeMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case ModeReply, ModeReplyAll, ModeForward, ModeNew:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

const (
	noSubject       = "(No Subject)"
	quoteDateLayout = "Mon, Jan 2, 2006 at 15:04 MST"
)

// ComposeOverrides 用户在草稿上的修改，在推导之后生效。
type ComposeOverrides struct {
	To       *string `json:"to,omitempty"`
	CC       *string `json:"cc,omitempty"`
	Subject  *string `json:"subject,omitempty"`
	BodyHTML *string `json:"bodyHtml,omitempty"`
}

// ComposeRequest 撰写请求。
type ComposeRequest struct {
	Mode            ComposeMode      `json:"mode"`
	AccountID       string           `json:"accountId"`
	SourceMessageID string           `json:"sourceMessageId,omitempty"`
	Counterparty    string           `json:"counterparty,omitempty"`
	Overrides       ComposeOverrides `json:"overrides"`
}

// DraftAttachment 草稿引用的已有附件。
type DraftAttachment struct {
	MessageID    string                `json:"messageId"`
	AttachmentID string                `json:"attachmentId"`
	Filename     string                `json:"filename"`
	MimeType     string                `json:"mimeType"`
	Size         int64                 `json:"size"`
	Kind         domain.AttachmentKind `json:"kind"`
}

// Draft 撰写结果，交给 SendService 投递。
type Draft struct {
	Mode            ComposeMode       `json:"mode"`
	AccountID       string            `json:"accountId"`
	From            string            `json:"from"`
	To              string            `json:"to"`
	CC              string            `json:"cc"`
	Subject         string            `json:"subject"`
	QuotedBodyHTML  string            `json:"quotedBodyHtml"`
	BodyHTML        string            `json:"bodyHtml"`
	Attachments     []DraftAttachment `json:"attachments"`
	SourceMessageID string            `json:"sourceMessageId,omitempty"`
}

// ComposerService 推导回复、全部回复、转发与新邮件的收件人、主题与引用。
type ComposerService struct {
	store    storage.Store
	accounts AccountLookup
	logger   *zap.Logger
}

// NewComposerService 创建撰写服务。
func NewComposerService(store storage.Store, accounts AccountLookup, logger *zap.Logger) *ComposerService {
	return &ComposerService{
		store:    store,
		accounts: accounts,
		logger:   logger.Named("composer"),
	}
}

// Compose 根据模式与源邮件生成草稿。
//
// reply、reply-all 与 new 的收件人为空时返回 ErrMissingRecipient；
// forward 的收件人留空，由用户填写。
func (s *ComposerService) Compose(ctx context.Context, req ComposeRequest) (*Draft, error) {
	mode, err := ParseComposeMode(string(req.Mode))
	if err != nil {
		return nil, err
	}

	account, err := s.accounts.Get(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	var source *domain.Message
	if req.SourceMessageID != "" {
		source, err = s.store.GetMessage(ctx, req.SourceMessageID)
		if err != nil {
			return nil, err
		}
		if source.AccountID != account.ID {
			return nil, storage.ErrMessageNotFound
		}
	} else if mode != ModeNew {
		return nil, ErrSourceRequired
	}

	draft := &Draft{
		Mode:            mode,
		AccountID:       account.ID,
		From:            account.Email,
		Attachments:     []DraftAttachment{},
		SourceMessageID: req.SourceMessageID,
	}

	switch mode {
	case ModeReply:
		draft.To = domain.Counterparty(source, account.Email, source.Direction)
		draft.Subject = replySubject(source.Subject)
		draft.QuotedBodyHTML = replyQuote(source)

	case ModeReplyAll:
		to, cc, err := s.replyAllRecipients(ctx, account, source)
		if err != nil {
			return nil, err
		}
		draft.To = to
		draft.CC = domain.JoinAddressList(cc)
		draft.Subject = replySubject(source.Subject)
		draft.QuotedBodyHTML = replyQuote(source)

	case ModeForward:
		draft.Subject = forwardSubject(source.Subject)
		draft.QuotedBodyHTML = forwardQuote(source)
		for _, att := range source.Attachments {
			draft.Attachments = append(draft.Attachments, DraftAttachment{
				MessageID:    source.ID,
				AttachmentID: att.ID,
				Filename:     att.Filename,
				MimeType:     att.MimeType,
				Size:         att.Size,
				Kind:         att.Kind,
			})
		}

	case ModeNew:
		to, err := s.newRecipient(ctx, source, req.Counterparty)
		if err != nil {
			return nil, err
		}
		draft.To = to
	}

	applyOverrides(draft, req.Overrides)

	if mode != ModeForward && len(domain.SplitAddressList(draft.To)) == 0 {
		return nil, ErrMissingRecipient
	}
	return draft, nil
}

// replyAllRecipients 收件源邮件用整个会话的参与者集合计算抄送；
// 发件源邮件沿用原邮件自身的抄送列表，保留最初的收件范围。
func (s *ComposerService) replyAllRecipients(ctx context.Context, account *domain.Account, source *domain.Message) (string, []string, error) {
	to := domain.Counterparty(source, account.Email, source.Direction)

	if source.Direction == domain.DirectionSent {
		return to, domain.ExcludeAddresses(source.CCList(), account.Email, to), nil
	}

	messages, err := s.store.ListConversationMessages(ctx, source.ConversationID)
	if err != nil {
		return "", nil, err
	}
	thread := &Thread{
		Participants: domain.Participants(account.Email, messages),
		OwnEmail:     account.Email,
	}
	to, cc := thread.ReplyAllRecipients(source)
	return to, cc, nil
}

func (s *ComposerService) newRecipient(ctx context.Context, source *domain.Message, counterparty string) (string, error) {
	if source != nil {
		conv, err := s.store.GetConversationByID(ctx, source.ConversationID)
		if err != nil {
			return "", err
		}
		return conv.CounterpartyEmail, nil
	}
	return domain.NormalizeEmail(counterparty), nil
}

func applyOverrides(draft *Draft, o ComposeOverrides) {
	if o.To != nil {
		draft.To = domain.JoinAddressList(domain.SplitAddressList(*o.To))
	}
	if o.CC != nil {
		draft.CC = domain.JoinAddressList(domain.SplitAddressList(*o.CC))
	}
	if o.Subject != nil {
		draft.Subject = strings.TrimSpace(*o.Subject)
	}
	if o.BodyHTML != nil {
		draft.BodyHTML = *o.BodyHTML
	}
}

// replySubject 加一次 "Re: " 前缀，已带前缀（不区分大小写）时保持原样
func replySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "Re: " + noSubject
	}
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

// forwardSubject 加 "Fwd: " 前缀，已带 fwd:/fw: 时保持原样
func forwardSubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "Fwd: " + noSubject
	}
	lower := strings.ToLower(subject)
	if strings.HasPrefix(lower, "fwd:") || strings.HasPrefix(lower, "fw:") {
		return subject
	}
	return "Fwd: " + subject
}

// replyQuote 引用容器默认折叠，只显示用户新写的内容
func replyQuote(source *domain.Message) string {
	var b strings.Builder
	b.WriteString(`<div class="crm-quote" data-collapsed="true">`)
	fmt.Fprintf(&b, `<div class="crm-quote-attribution">On %s, %s wrote:</div>`,
		html.EscapeString(source.SentAt.Format(quoteDateLayout)),
		html.EscapeString(source.FromEmail))
	b.WriteString(`<blockquote type="cite">`)
	b.WriteString(source.Body)
	b.WriteString(`</blockquote></div>`)
	return b.String()
}

func forwardQuote(source *domain.Message) string {
	subject := source.Subject
	if subject == "" {
		subject = noSubject
	}

	var b strings.Builder
	b.WriteString(`<div class="crm-quote" data-collapsed="true">`)
	b.WriteString(`<div class="crm-forward-header">---------- Forwarded message ---------<br>`)
	fmt.Fprintf(&b, "From: %s<br>", html.EscapeString(source.FromEmail))
	fmt.Fprintf(&b, "Date: %s<br>", html.EscapeString(source.SentAt.Format(quoteDateLayout)))
	fmt.Fprintf(&b, "Subject: %s<br>", html.EscapeString(subject))
	fmt.Fprintf(&b, "To: %s", html.EscapeString(source.ToEmail))
	if source.CCEmail != "" {
		fmt.Fprintf(&b, "<br>Cc: %s", html.EscapeString(source.CCEmail))
	}
	b.WriteString(`</div><br>`)
	b.WriteString(source.Body)
	b.WriteString(`</div>`)
	return b.String()
}
