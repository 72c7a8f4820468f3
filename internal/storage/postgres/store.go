package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"crmmail/backend/internal/config"
	"crmmail/backend/internal/domain"
	"crmmail/backend/internal/storage"
)

// Store 基于 GORM 的关系型存储实现，支持 PostgreSQL 与 MySQL
type Store struct {
	db *gorm.DB
}

// NewStore 创建 PostgreSQL 存储实例
func NewStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(postgres.Open(dsn))
}

// NewMySQLStore 创建 MySQL 存储实例
func NewMySQLStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(mysql.Open(dsn))
}

// Open 按配置中的数据库类型创建存储实例
func Open(cfg config.DatabaseConfig) (*Store, error) {
	var (
		store *Store
		err   error
	)
	switch cfg.Type {
	case "postgres":
		store, err = NewStore(cfg.DSN)
	case "mysql":
		store, err = NewMySQLStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := store.configurePool(cfg); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// NewStoreWithDialector 使用指定的GORM dialector创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector) (*Store, error) {
	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &Store{db: db}
	if err := store.configurePool(config.DatabaseConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}); err != nil {
		return nil, err
	}

	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) configurePool(cfg config.DatabaseConfig) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return nil
}

// migrate 自动迁移数据库表结构
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.Account{},
		&domain.Conversation{},
		&domain.Message{},
		&domain.Attachment{},
	)
}

// ========== Account Repository ==========

// SaveAccount 保存账户信息
func (s *Store) SaveAccount(ctx context.Context, account *domain.Account) error {
	account.Email = domain.NormalizeEmail(account.Email)

	err := s.db.WithContext(ctx).Save(account).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return storage.ErrAccountExists
	}
	return err
}

// GetAccount 根据 ID 获取账户
func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	var account domain.Account
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetAccountByEmail 根据地址获取账户
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	var account domain.Account
	err := s.db.WithContext(ctx).Where("email = ?", domain.NormalizeEmail(email)).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// ListAccounts 返回指定 ID 的账户，ids 为空时返回全部
func (s *Store) ListAccounts(ctx context.Context, ids []string) ([]domain.Account, error) {
	var accounts []domain.Account
	query := s.db.WithContext(ctx).Order("created_at ASC, id ASC")
	if len(ids) > 0 {
		query = query.Where("id IN ?", ids)
	}
	err := query.Find(&accounts).Error
	return accounts, err
}

// DeleteAccount 删除账户及其会话、邮件与附件
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ?", id).Delete(&domain.Account{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return storage.ErrAccountNotFound
		}

		messageIDs := tx.Model(&domain.Message{}).Select("id").Where("account_id = ?", id)
		if err := tx.Where("message_id IN (?)", messageIDs).Delete(&domain.Attachment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("account_id = ?", id).Delete(&domain.Message{}).Error; err != nil {
			return err
		}
		return tx.Where("account_id = ?", id).Delete(&domain.Conversation{}).Error
	})
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库连接
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}
