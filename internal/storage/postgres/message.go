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

// ========== Message Repository ==========

// InsertMessage 去重插入邮件及其附件
//
// 邮件行以 ON CONFLICT DO NOTHING 写入，只有真正插入的一方继续写附件。
func (s *Store) InsertMessage(ctx context.Context, message *domain.Message) (*domain.Message, bool, error) {
	row := *message
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	row.IngestedAt = time.Now().UTC()
	attachments := row.Attachments

	var (
		stored  *domain.Message
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&row)
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected == 0 {
			var existing domain.Message
			err := tx.Preload("Attachments").
				Where("account_id = ? AND dedup_key = ?", row.AccountID, row.DedupKey).
				First(&existing).Error
			if err != nil {
				return err
			}
			stored = &existing
			return nil
		}

		for _, att := range attachments {
			if att.ID == "" {
				att.ID = uuid.NewString()
			}
			att.MessageID = row.ID
		}
		if len(attachments) > 0 {
			if err := tx.Create(&attachments).Error; err != nil {
				return err
			}
		}

		row.Attachments = attachments
		stored = &row
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// GetMessage 获取单封邮件
func (s *Store) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	var message domain.Message
	err := s.db.WithContext(ctx).Preload("Attachments").Where("id = ?", id).First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, err
	}
	return &message, nil
}

// FindMessageByDedupKey 按 (account_id, dedup_key) 唯一索引查找邮件
func (s *Store) FindMessageByDedupKey(ctx context.Context, accountID, dedupKey string) (*domain.Message, error) {
	var message domain.Message
	err := s.db.WithContext(ctx).Preload("Attachments").
		Where("account_id = ? AND dedup_key = ?", accountID, dedupKey).
		First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, err
	}
	return &message, nil
}

// ListConversationMessages 返回会话全部邮件，按 sentAt、入库时间升序
func (s *Store) ListConversationMessages(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	if _, err := s.GetConversationByID(ctx, conversationID); err != nil {
		return nil, err
	}

	var messages []*domain.Message
	err := s.db.WithContext(ctx).
		Preload("Attachments").
		Where("conversation_id = ?", conversationID).
		Order("sent_at ASC, ingested_at ASC, id ASC").
		Find(&messages).Error
	return messages, err
}

// MarkMessageRead 条件更新已读状态，只有改变了状态的调用返回 true
func (s *Store) MarkMessageRead(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ? AND is_read = ?", id, false).
		Update("is_read", true)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&domain.Message{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, storage.ErrMessageNotFound
	}
	return false, nil
}

// MarkConversationRead 将会话内未读的收件标记为已读，返回被改变的邮件 ID
func (s *Store) MarkConversationRead(ctx context.Context, conversationID string) ([]string, error) {
	if _, err := s.GetConversationByID(ctx, conversationID); err != nil {
		return nil, err
	}

	var ids []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&domain.Message{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("conversation_id = ? AND direction = ? AND is_read = ?", conversationID, domain.DirectionReceived, false).
			Order("sent_at ASC, ingested_at ASC, id ASC").
			Pluck("id", &ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&domain.Message{}).
			Where("id IN ? AND is_read = ?", ids, false).
			Update("is_read", true).Error
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// CountUnread 统计账户未读收件数
func (s *Store) CountUnread(ctx context.Context, accountID string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.Message{}).
		Where("account_id = ? AND direction = ? AND is_read = ?", accountID, domain.DirectionReceived, false).
		Count(&count).Error
	return int(count), err
}

// GetAttachment 获取邮件附件
func (s *Store) GetAttachment(ctx context.Context, messageID, attachmentID string) (*domain.Attachment, error) {
	var attachment domain.Attachment
	err := s.db.WithContext(ctx).Where("id = ? AND message_id = ?", attachmentID, messageID).First(&attachment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrAttachmentNotFound
		}
		return nil, err
	}
	return &attachment, nil
}
