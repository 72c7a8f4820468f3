package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crmmail/backend/internal/cache"
	"crmmail/backend/internal/domain"
	"crmmail/backend/internal/storage"
)

// AccountLookup 账户查询
type AccountLookup interface {
	Get(ctx context.Context, id string) (*domain.Account, error)
}

// AccountFiles 账户文件清理
type AccountFiles interface {
	DeleteAccount(accountID string) error
}

// AccountService 管理已接入的邮箱账户。
type AccountService struct {
	store  storage.AccountRepository
	files  AccountFiles
	cache  *cache.LocalCache[*domain.Account]
	logger *zap.Logger
}

// NewAccountService 创建账户服务，accountCache 为 nil 时不缓存。
func NewAccountService(store storage.AccountRepository, files AccountFiles, accountCache *cache.LocalCache[*domain.Account], logger *zap.Logger) *AccountService {
	return &AccountService{
		store:  store,
		files:  files,
		cache:  accountCache,
		logger: logger.Named("accounts"),
	}
}

// LinkAccountInput 接入账户所需的输入。
type LinkAccountInput struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// Link 接入新的邮箱账户。
func (s *AccountService) Link(ctx context.Context, input LinkAccountInput) (*domain.Account, error) {
	if err := domain.ValidateAddress(input.Email); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = uuid.NewString()
	}

	account := &domain.Account{
		ID:          id,
		Email:       domain.NormalizeEmail(input.Email),
		DisplayName: strings.TrimSpace(input.DisplayName),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.SaveAccount(ctx, account); err != nil {
		return nil, err
	}

	s.logger.Info("account linked", zap.String("accountID", account.ID), zap.String("email", account.Email))
	return account, nil
}

// Unlink 解除账户，级联删除会话、邮件、附件及落盘文件。
func (s *AccountService) Unlink(ctx context.Context, id string) error {
	if err := s.store.DeleteAccount(ctx, id); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Delete(id)
	}

	if s.files != nil {
		if err := s.files.DeleteAccount(id); err != nil {
			s.logger.Warn("delete account files failed", zap.String("accountID", id), zap.Error(err))
		}
	}

	s.logger.Info("account unlinked", zap.String("accountID", id))
	return nil
}

// List 返回指定 ID 的账户。
func (s *AccountService) List(ctx context.Context, ids []string) ([]domain.Account, error) {
	if len(ids) == 0 {
		return []domain.Account{}, nil
	}
	return s.store.ListAccounts(ctx, ids)
}

// Get 查询账户，优先读取本地缓存。
func (s *AccountService) Get(ctx context.Context, id string) (*domain.Account, error) {
	if s.cache != nil {
		if cached, ok := s.cache.Get(id); ok {
			account := *cached
			return &account, nil
		}
	}

	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		stored := *account
		s.cache.Set(id, &stored, 0)
	}
	return account, nil
}
