package service

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"crmmail/backend/internal/domain"
	"crmmail/backend/internal/storage"
)

const (
	defaultConversationLimit = 50
	maxConversationLimit     = 200
)

// ThreadService 组装会话详情与会话列表。
type ThreadService struct {
	store    storage.Store
	accounts AccountLookup
	resolver *AttachmentResolver
	logger   *zap.Logger
}

// NewThreadService 创建会话详情服务。
func NewThreadService(store storage.Store, accounts AccountLookup, resolver *AttachmentResolver, logger *zap.Logger) *ThreadService {
	return &ThreadService{
		store:    store,
		accounts: accounts,
		resolver: resolver,
		logger:   logger.Named("thread"),
	}
}

// ThreadMessage 会话详情中的一封邮件，附带默认显示的正文。
type ThreadMessage struct {
	*domain.Message
	VisibleBody string `json:"visibleBody"`
	HasQuoted   bool   `json:"hasQuoted"`
}

// Thread 会话详情。
type Thread struct {
	Conversation *domain.Conversation `json:"conversation"`
	Tab          domain.FolderTab     `json:"tab"`
	Messages     []ThreadMessage      `json:"messages"`
	Participants []string             `json:"participants"`
	OwnEmail     string               `json:"-"`
}

// GetThread 返回 (accountID, counterparty) 会话在指定标签下的邮件，按 sentAt 升序。
//
// spam 与 trash 标签不过滤，被标记的邮件保留上下文；其余标签排除 spam/trash。
func (s *ThreadService) GetThread(ctx context.Context, accountID, counterparty string, tab domain.FolderTab) (*Thread, error) {
	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}

	conv, err := s.store.GetConversation(ctx, accountID, domain.NormalizeEmail(counterparty))
	if err != nil {
		return nil, err
	}

	all, err := s.store.ListConversationMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	all = dropDuplicates(all)
	sort.SliceStable(all, func(i, j int) bool { return domain.SortKeyLess(all[i], all[j]) })

	thread := &Thread{
		Conversation: conv,
		Tab:          tab,
		Messages:     make([]ThreadMessage, 0, len(all)),
		Participants: domain.Participants(account.Email, all),
		OwnEmail:     account.Email,
	}
	if thread.Participants == nil {
		thread.Participants = []string{}
	}

	for _, m := range all {
		if !tab.ShowsInThread(m) {
			continue
		}
		s.resolver.Annotate(m)
		visible, quoted := SplitQuoted(m.Body)
		thread.Messages = append(thread.Messages, ThreadMessage{
			Message:     m,
			VisibleBody: visible,
			HasQuoted:   quoted,
		})
	}

	return thread, nil
}

// ListConversations 返回在该标签下至少有一封可见邮件的会话，按最后消息时间倒序。
func (s *ThreadService) ListConversations(ctx context.Context, accountID string, tab domain.FolderTab, limit int) ([]domain.ConversationSummary, error) {
	if _, err := s.accounts.Get(ctx, accountID); err != nil {
		return nil, err
	}

	switch {
	case limit <= 0:
		limit = defaultConversationLimit
	case limit > maxConversationLimit:
		limit = maxConversationLimit
	}

	summaries, err := s.store.ListConversations(ctx, accountID, tab, limit)
	if err != nil {
		return nil, err
	}
	if summaries == nil {
		summaries = []domain.ConversationSummary{}
	}
	return summaries, nil
}

// ReplyAllRecipients 按参与者集合划分全部回复的收件人：
// to 为所选邮件的另一方，cc 为其余参与者去掉账户本身与 to。
func (t *Thread) ReplyAllRecipients(selected *domain.Message) (string, []string) {
	to := domain.Counterparty(selected, t.OwnEmail, selected.Direction)
	return to, domain.ExcludeAddresses(t.Participants, t.OwnEmail, to)
}

// dropDuplicates 丢弃去重键相同的重复行，保留先出现的一条
func dropDuplicates(messages []*domain.Message) []*domain.Message {
	seen := make(map[string]struct{}, len(messages))
	out := messages[:0]
	for _, m := range messages {
		key := m.DedupKey
		if key == "" {
			key = "id:" + m.ID
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, m)
	}
	return out
}
