package hybrid

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"crmmail/backend/internal/domain"
	"crmmail/backend/internal/storage"
)

// UnreadCache 账户未读数缓存
//
// 每个账户带一个代数：Invalidate 删除缓存并递增代数，
// SetIfGeneration 只在代数未变时写入，避免回源期间被失效的旧值落入缓存。
type UnreadCache interface {
	Get(ctx context.Context, accountID string) (int, bool, error)
	Generation(ctx context.Context, accountID string) (int64, error)
	SetIfGeneration(ctx context.Context, accountID string, count int, generation int64) (bool, error)
	Invalidate(ctx context.Context, accountIDs ...string) error
}

// Store 混合存储实现：关系型数据库为准，Redis 只缓存账户未读数
//
// 任何可能改变未读数的写操作成功后都会删除缓存键；缓存故障只记录日志，不影响结果。
type Store struct {
	storage.Store
	cache UnreadCache
	group singleflight.Group
	log   *zap.Logger
}

// NewStore 创建混合存储实例
func NewStore(db storage.Store, cache UnreadCache, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		Store: db,
		cache: cache,
		log:   log,
	}
}

// CountUnread 优先读取缓存，未命中时合并并发请求后回源统计
func (s *Store) CountUnread(ctx context.Context, accountID string) (int, error) {
	if count, ok, err := s.cache.Get(ctx, accountID); err == nil && ok {
		return count, nil
	} else if err != nil {
		s.log.Warn("unread cache read failed", zap.String("account_id", accountID), zap.Error(err))
	}

	v, err, _ := s.group.Do(accountID, func() (interface{}, error) {
		// 代数必须在回源之前读取
		generation, genErr := s.cache.Generation(ctx, accountID)

		count, err := s.Store.CountUnread(ctx, accountID)
		if err != nil {
			return 0, err
		}
		if genErr != nil {
			s.log.Warn("unread cache generation read failed", zap.String("account_id", accountID), zap.Error(genErr))
			return count, nil
		}

		stored, err := s.cache.SetIfGeneration(ctx, accountID, count, generation)
		switch {
		case err != nil:
			s.log.Warn("unread cache write failed", zap.String("account_id", accountID), zap.Error(err))
		case !stored:
			s.log.Debug("unread cache invalidated during recount, skip write", zap.String("account_id", accountID))
		}
		return count, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// InsertMessage 插入邮件，新插入时失效所属账户的未读缓存
func (s *Store) InsertMessage(ctx context.Context, message *domain.Message) (*domain.Message, bool, error) {
	stored, created, err := s.Store.InsertMessage(ctx, message)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.invalidate(ctx, stored.AccountID)
	}
	return stored, created, nil
}

// MarkMessageRead 标记已读，状态改变时失效缓存
func (s *Store) MarkMessageRead(ctx context.Context, id string) (bool, error) {
	changed, err := s.Store.MarkMessageRead(ctx, id)
	if err != nil || !changed {
		return changed, err
	}
	if msg, err := s.Store.GetMessage(ctx, id); err == nil {
		s.invalidate(ctx, msg.AccountID)
	}
	return true, nil
}

// MarkConversationRead 整段会话标记已读，有改变时失效缓存
func (s *Store) MarkConversationRead(ctx context.Context, conversationID string) ([]string, error) {
	ids, err := s.Store.MarkConversationRead(ctx, conversationID)
	if err != nil || len(ids) == 0 {
		return ids, err
	}
	if conv, err := s.Store.GetConversationByID(ctx, conversationID); err == nil {
		s.invalidate(ctx, conv.AccountID)
	}
	return ids, nil
}

// DeleteAccount 删除账户并清理缓存
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	if err := s.Store.DeleteAccount(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

func (s *Store) invalidate(ctx context.Context, accountID string) {
	if err := s.cache.Invalidate(ctx, accountID); err != nil {
		s.log.Warn("unread cache invalidate failed", zap.String("account_id", accountID), zap.Error(err))
	}
	s.group.Forget(accountID)
}
