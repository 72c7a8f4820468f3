package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"crmmail/backend/internal/domain"
	"crmmail/backend/internal/storage"

	"github.com/google/uuid"
)

// Store 使用内存保存账户、会话与邮件数据，主要用于开发验证与测试。
//
// 所有写操作在同一把锁内完成，去重插入与重新统计天然原子。
type Store struct {
	mu             sync.RWMutex
	accounts       map[string]*domain.Account
	byEmail        map[string]string                     // email -> accountID
	conversations  map[string]*domain.Conversation       // conversationID -> conversation
	byCounterparty map[string]string                     // accountID + counterparty -> conversationID
	messages       map[string]*domain.Message            // messageID -> message
	byDedup        map[string]string                     // accountID + dedupKey -> messageID
	byConversation map[string]map[string]*domain.Message // conversationID -> messageID -> message

	lastIngested time.Time
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		accounts:       make(map[string]*domain.Account),
		byEmail:        make(map[string]string),
		conversations:  make(map[string]*domain.Conversation),
		byCounterparty: make(map[string]string),
		messages:       make(map[string]*domain.Message),
		byDedup:        make(map[string]string),
		byConversation: make(map[string]map[string]*domain.Message),
	}
}

func compositeKey(a, b string) string {
	return a + "\x00" + b
}

// SaveAccount 保存账户，地址重复时返回 ErrAccountExists。
func (s *Store) SaveAccount(_ context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := domain.NormalizeEmail(account.Email)
	if id, ok := s.byEmail[email]; ok && id != account.ID {
		return storage.ErrAccountExists
	}
	if old, ok := s.accounts[account.ID]; ok {
		delete(s.byEmail, domain.NormalizeEmail(old.Email))
	}

	clone := *account
	clone.Email = email
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	s.accounts[clone.ID] = &clone
	s.byEmail[email] = clone.ID
	*account = clone
	return nil
}

// GetAccount 根据 ID 获取账户。
func (s *Store) GetAccount(_ context.Context, id string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[id]
	if !ok {
		return nil, storage.ErrAccountNotFound
	}
	clone := *account
	return &clone, nil
}

// GetAccountByEmail 根据地址获取账户。
func (s *Store) GetAccountByEmail(_ context.Context, email string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[domain.NormalizeEmail(email)]
	if !ok {
		return nil, storage.ErrAccountNotFound
	}
	clone := *s.accounts[id]
	return &clone, nil
}

// ListAccounts 返回指定 ID 的账户，ids 为空时返回全部，按创建时间排序。
func (s *Store) ListAccounts(_ context.Context, ids []string) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Account, 0, len(s.accounts))
	if len(ids) == 0 {
		for _, account := range s.accounts {
			result = append(result, *account)
		}
	} else {
		for _, id := range ids {
			if account, ok := s.accounts[id]; ok {
				result = append(result, *account)
			}
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// DeleteAccount 删除账户及其全部会话与邮件。
func (s *Store) DeleteAccount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[id]
	if !ok {
		return storage.ErrAccountNotFound
	}

	for convID, conv := range s.conversations {
		if conv.AccountID != id {
			continue
		}
		for msgID, msg := range s.byConversation[convID] {
			delete(s.byDedup, compositeKey(msg.AccountID, msg.DedupKey))
			delete(s.messages, msgID)
		}
		delete(s.byConversation, convID)
		delete(s.byCounterparty, compositeKey(conv.AccountID, conv.CounterpartyEmail))
		delete(s.conversations, convID)
	}

	delete(s.byEmail, domain.NormalizeEmail(account.Email))
	delete(s.accounts, id)
	return nil
}

// EnsureConversation 查找或创建 (accountID, counterparty) 对应的会话。
func (s *Store) EnsureConversation(_ context.Context, accountID, counterparty, subject string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountID]; !ok {
		return nil, storage.ErrAccountNotFound
	}

	key := compositeKey(accountID, domain.NormalizeEmail(counterparty))
	if id, ok := s.byCounterparty[key]; ok {
		clone := *s.conversations[id]
		return &clone, nil
	}

	now := time.Now().UTC()
	conv := &domain.Conversation{
		ID:                uuid.NewString(),
		AccountID:         accountID,
		CounterpartyEmail: domain.NormalizeEmail(counterparty),
		Subject:           subject,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.conversations[conv.ID] = conv
	s.byCounterparty[key] = conv.ID
	s.byConversation[conv.ID] = make(map[string]*domain.Message)

	clone := *conv
	return &clone, nil
}

// GetConversation 根据账户与往来方获取会话。
func (s *Store) GetConversation(_ context.Context, accountID, counterparty string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byCounterparty[compositeKey(accountID, domain.NormalizeEmail(counterparty))]
	if !ok {
		return nil, storage.ErrConversationNotFound
	}
	clone := *s.conversations[id]
	return &clone, nil
}

// GetConversationByID 根据 ID 获取会话。
func (s *Store) GetConversationByID(_ context.Context, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, storage.ErrConversationNotFound
	}
	clone := *conv
	return &clone, nil
}

// ListConversations 返回该标签下可见的会话摘要。
func (s *Store) ListConversations(_ context.Context, accountID string, tab domain.FolderTab, limit int) ([]domain.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var summaries []domain.ConversationSummary
	for convID, conv := range s.conversations {
		if conv.AccountID != accountID {
			continue
		}

		var newest *domain.Message
		for _, msg := range s.byConversation[convID] {
			if !tab.ListsConversation(msg) {
				continue
			}
			if newest == nil || domain.SortKeyLess(newest, msg) {
				newest = msg
			}
		}
		if newest == nil {
			continue
		}

		summaries = append(summaries, domain.ConversationSummary{
			ConversationID:    conv.ID,
			CounterpartyEmail: conv.CounterpartyEmail,
			Subject:           conv.Subject,
			UnreadCount:       conv.UnreadCount,
			MessageCount:      conv.MessageCount,
			LastMessageAt:     conv.LastMessageAt,
			Snippet:           newest.Snippet,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].LastMessageAt.Equal(summaries[j].LastMessageAt) {
			return summaries[i].LastMessageAt.After(summaries[j].LastMessageAt)
		}
		return summaries[i].ConversationID < summaries[j].ConversationID
	})

	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// RecountConversation 由邮件行重新统计会话计数。
func (s *Store) RecountConversation(_ context.Context, conversationID string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, storage.ErrConversationNotFound
	}
	s.recountLocked(conv)

	clone := *conv
	return &clone, nil
}

func (s *Store) recountLocked(conv *domain.Conversation) {
	var (
		total  int
		unread int
		last   time.Time
	)
	for _, msg := range s.byConversation[conv.ID] {
		total++
		if msg.IsUnreadReceived() {
			unread++
		}
		if msg.SentAt.After(last) {
			last = msg.SentAt
		}
	}
	conv.MessageCount = total
	conv.UnreadCount = unread
	conv.LastMessageAt = last
	conv.UpdatedAt = time.Now().UTC()
}

// InsertMessage 去重插入邮件。
func (s *Store) InsertMessage(_ context.Context, message *domain.Message) (*domain.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dedup := compositeKey(message.AccountID, message.DedupKey)
	if id, ok := s.byDedup[dedup]; ok {
		return cloneMessage(s.messages[id]), false, nil
	}
	if _, ok := s.conversations[message.ConversationID]; !ok {
		return nil, false, storage.ErrConversationNotFound
	}

	stored := cloneMessage(message)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.IngestedAt = s.nextIngestedLocked()
	for _, att := range stored.Attachments {
		if att.ID == "" {
			att.ID = uuid.NewString()
		}
		att.MessageID = stored.ID
	}

	s.messages[stored.ID] = stored
	s.byDedup[dedup] = stored.ID
	s.byConversation[stored.ConversationID][stored.ID] = stored

	return cloneMessage(stored), true, nil
}

// nextIngestedLocked 返回严格递增的入库时间，保证同一 sentAt 下的入库顺序可比较。
func (s *Store) nextIngestedLocked() time.Time {
	now := time.Now().UTC()
	if !now.After(s.lastIngested) {
		now = s.lastIngested.Add(time.Microsecond)
	}
	s.lastIngested = now
	return now
}

// FindMessageByDedupKey 按去重键查找邮件。
func (s *Store) FindMessageByDedupKey(_ context.Context, accountID, dedupKey string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byDedup[compositeKey(accountID, dedupKey)]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	return cloneMessage(s.messages[id]), nil
}

// GetMessage 根据 ID 获取邮件。
func (s *Store) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	return cloneMessage(msg), nil
}

// ListConversationMessages 按会话排序规则返回全部邮件。
func (s *Store) ListConversationMessages(_ context.Context, conversationID string) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket, ok := s.byConversation[conversationID]
	if !ok {
		return nil, storage.ErrConversationNotFound
	}

	result := make([]*domain.Message, 0, len(bucket))
	for _, msg := range bucket {
		result = append(result, cloneMessage(msg))
	}
	sort.Slice(result, func(i, j int) bool {
		return domain.SortKeyLess(result[i], result[j])
	})
	return result, nil
}

// MarkMessageRead 将邮件标记为已读，只有首次改变状态时返回 true。
func (s *Store) MarkMessageRead(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return false, storage.ErrMessageNotFound
	}
	if msg.IsRead {
		return false, nil
	}
	msg.IsRead = true
	return true, nil
}

// MarkConversationRead 将会话内未读的收件全部标记为已读。
func (s *Store) MarkConversationRead(_ context.Context, conversationID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.byConversation[conversationID]
	if !ok {
		return nil, storage.ErrConversationNotFound
	}

	var changed []*domain.Message
	for _, msg := range bucket {
		if msg.IsUnreadReceived() {
			msg.IsRead = true
			changed = append(changed, msg)
		}
	}
	sort.Slice(changed, func(i, j int) bool {
		return domain.SortKeyLess(changed[i], changed[j])
	})

	ids := make([]string, 0, len(changed))
	for _, msg := range changed {
		ids = append(ids, msg.ID)
	}
	return ids, nil
}

// CountUnread 统计账户未读收件数。
func (s *Store) CountUnread(_ context.Context, accountID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, msg := range s.messages {
		if msg.AccountID == accountID && msg.IsUnreadReceived() {
			count++
		}
	}
	return count, nil
}

// GetAttachment 获取邮件下的某个附件。
func (s *Store) GetAttachment(_ context.Context, messageID, attachmentID string) (*domain.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	for _, att := range msg.Attachments {
		if att.ID == attachmentID {
			clone := *att
			return &clone, nil
		}
	}
	return nil, storage.ErrAttachmentNotFound
}

// Close 释放资源（内存存储无需处理）。
func (s *Store) Close() error {
	return nil
}

// Health 健康检查。
func (s *Store) Health() error {
	return nil
}

func cloneMessage(msg *domain.Message) *domain.Message {
	if msg == nil {
		return nil
	}
	clone := *msg
	if len(msg.Attachments) > 0 {
		clone.Attachments = make([]*domain.Attachment, len(msg.Attachments))
		for i, att := range msg.Attachments {
			a := *att
			clone.Attachments[i] = &a
		}
	}
	return &clone
}
