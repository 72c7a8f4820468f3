package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"crmmail/backend/internal/domain"
	"crmmail/backend/internal/storage"
)

// ========== Conversation Repository ==========

// EnsureConversation 查找或创建会话
//
// 依赖 (account_id, counterparty_email) 唯一索引：并发创建时冲突方什么也不写，
// 随后统一回读已存在的行。
func (s *Store) EnsureConversation(ctx context.Context, accountID, counterparty, subject string) (*domain.Conversation, error) {
	counterparty = domain.NormalizeEmail(counterparty)

	if existing, err := s.GetConversation(ctx, accountID, counterparty); err == nil {
		return existing, nil
	} else if !errors.Is(err, storage.ErrConversationNotFound) {
		return nil, err
	}

	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	conv := &domain.Conversation{
		ID:                uuid.NewString(),
		AccountID:         accountID,
		CounterpartyEmail: counterparty,
		Subject:           subject,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(conv).Error
	if err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, err
	}

	return s.GetConversation(ctx, accountID, counterparty)
}

// GetConversation 根据账户与往来方获取会话
func (s *Store) GetConversation(ctx context.Context, accountID, counterparty string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND counterparty_email = ?", accountID, domain.NormalizeEmail(counterparty)).
		First(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrConversationNotFound
		}
		return nil, err
	}
	return &conv, nil
}

// GetConversationByID 根据 ID 获取会话
func (s *Store) GetConversationByID(ctx context.Context, id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrConversationNotFound
		}
		return nil, err
	}
	return &conv, nil
}

// tabCondition 返回标签对应的邮件过滤条件（别名 m）
func tabCondition(tab domain.FolderTab) (string, []interface{}) {
	switch tab {
	case domain.TabSent:
		return "m.direction = ? AND m.is_trash = ? AND m.is_spam = ?", []interface{}{domain.DirectionSent, false, false}
	case domain.TabSpam:
		return "m.is_spam = ?", []interface{}{true}
	case domain.TabTrash:
		return "m.is_trash = ?", []interface{}{true}
	default:
		return "m.is_trash = ? AND m.is_spam = ?", []interface{}{false, false}
	}
}

// ListConversations 返回该标签下可见的会话摘要，摘要文本取最新一封可见邮件
func (s *Store) ListConversations(ctx context.Context, accountID string, tab domain.FolderTab, limit int) ([]domain.ConversationSummary, error) {
	cond, condArgs := tabCondition(tab)

	sql := `SELECT c.id AS conversation_id, c.counterparty_email, c.subject, c.unread_count,
		c.message_count, c.last_message_at,
		(SELECT m.snippet FROM messages m WHERE m.conversation_id = c.id AND ` + cond + `
			ORDER BY m.sent_at DESC, m.ingested_at DESC, m.id DESC LIMIT 1) AS snippet
	FROM conversations c
	WHERE c.account_id = ?
		AND EXISTS (SELECT 1 FROM messages m WHERE m.conversation_id = c.id AND ` + cond + `)
	ORDER BY c.last_message_at DESC, c.id ASC`

	args := make([]interface{}, 0, 2*len(condArgs)+2)
	args = append(args, condArgs...)
	args = append(args, accountID)
	args = append(args, condArgs...)
	if limit > 0 {
		sql += " LIMIT ?"
		args = append(args, limit)
	}

	var summaries []domain.ConversationSummary
	err := s.db.WithContext(ctx).Raw(sql, args...).Scan(&summaries).Error
	return summaries, err
}

// RecountConversation 由邮件行重新统计会话计数
//
// 单条 UPDATE 内用子查询计算，不依赖应用层的增减。
func (s *Store) RecountConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", conversationID).First(&conv).Error; err != nil {
			return err
		}

		err := tx.Exec(`UPDATE conversations SET
			message_count = (SELECT COUNT(*) FROM messages WHERE conversation_id = ?),
			unread_count = (SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND direction = ? AND is_read = ?),
			last_message_at = COALESCE((SELECT MAX(sent_at) FROM messages WHERE conversation_id = ?), last_message_at),
			updated_at = ?
			WHERE id = ?`,
			conversationID,
			conversationID, domain.DirectionReceived, false,
			conversationID,
			time.Now().UTC(),
			conversationID,
		).Error
		if err != nil {
			return err
		}

		return tx.Where("id = ?", conversationID).First(&conv).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrConversationNotFound
		}
		return nil, err
	}
	return &conv, nil
}
