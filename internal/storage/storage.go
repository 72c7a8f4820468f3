package storage

import (
	"context"
	"errors"

	"crmmail/backend/internal/domain"
)

var (
	// ErrAccountNotFound 账户不存在
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountExists 账户地址已接入
	ErrAccountExists = errors.New("account already exists")
	// ErrConversationNotFound 会话不存在
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrMessageNotFound 邮件不存在
	ErrMessageNotFound = errors.New("message not found")
	// ErrAttachmentNotFound 附件不存在
	ErrAttachmentNotFound = errors.New("attachment not found")
)

// AccountRepository 定义账户数据存取操作。
type AccountRepository interface {
	SaveAccount(ctx context.Context, account *domain.Account) error
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error)
	ListAccounts(ctx context.Context, ids []string) ([]domain.Account, error)
	// DeleteAccount 级联删除账户下的会话、邮件与附件
	DeleteAccount(ctx context.Context, id string) error
}

// ConversationRepository 定义会话数据存取操作。
type ConversationRepository interface {
	// EnsureConversation 按 (accountID, counterparty) 查找会话，不存在则创建。
	// 并发调用只会产生一条记录；subject 仅在创建时写入。
	EnsureConversation(ctx context.Context, accountID, counterparty, subject string) (*domain.Conversation, error)
	GetConversation(ctx context.Context, accountID, counterparty string) (*domain.Conversation, error)
	GetConversationByID(ctx context.Context, id string) (*domain.Conversation, error)
	// ListConversations 返回在该标签下至少有一封可见邮件的会话，按最后消息时间倒序。
	ListConversations(ctx context.Context, accountID string, tab domain.FolderTab, limit int) ([]domain.ConversationSummary, error)
	// RecountConversation 由邮件行原子地重新计算 messageCount、unreadCount 与 lastMessageAt。
	RecountConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)
}

// MessageRepository 定义邮件数据存取操作。
type MessageRepository interface {
	// InsertMessage 按 (AccountID, DedupKey) 去重插入（含附件）。
	// 已存在时不写入，返回已有记录且 created=false。
	InsertMessage(ctx context.Context, message *domain.Message) (stored *domain.Message, created bool, err error)
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	// FindMessageByDedupKey 按 (accountID, dedupKey) 查找已入库邮件，不存在时返回 ErrMessageNotFound。
	FindMessageByDedupKey(ctx context.Context, accountID, dedupKey string) (*domain.Message, error)
	// ListConversationMessages 按 sentAt、入库顺序升序返回会话全部邮件（含附件）。
	ListConversationMessages(ctx context.Context, conversationID string) ([]*domain.Message, error)
	// MarkMessageRead 条件更新 is_read，只有真正改变状态的调用返回 true。
	MarkMessageRead(ctx context.Context, id string) (changed bool, err error)
	// MarkConversationRead 将会话内全部未读的收件标记为已读，返回被改变的邮件 ID。
	MarkConversationRead(ctx context.Context, conversationID string) ([]string, error)
	// CountUnread 统计账户下未读的收件数量。
	CountUnread(ctx context.Context, accountID string) (int, error)
	GetAttachment(ctx context.Context, messageID, attachmentID string) (*domain.Attachment, error)
}

// Store 定义完整的存储接口。
type Store interface {
	AccountRepository
	ConversationRepository
	MessageRepository

	Close() error
	Health() error
}
