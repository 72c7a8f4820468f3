package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crmmail/backend/internal/cache"
	"crmmail/backend/internal/domain"
	"crmmail/backend/internal/storage"
	"crmmail/backend/internal/storage/memory"
)

type recordingFiles struct {
	deleted []string
	err     error
}

func (r *recordingFiles) DeleteAccount(accountID string) error {
	r.deleted = append(r.deleted, accountID)
	return r.err
}

func newAccountService(t *testing.T, files AccountFiles) (*AccountService, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	accountCache := cache.NewLocalCache[*domain.Account](100, time.Minute)
	t.Cleanup(accountCache.Stop)
	return NewAccountService(store, files, accountCache, zap.NewNop()), store
}

func TestAccountService_Link(t *testing.T) {
	svc, _ := newAccountService(t, nil)
	ctx := context.Background()

	t.Run("规范化邮箱", func(t *testing.T) {
		acc, err := svc.Link(ctx, LinkAccountInput{ID: "acc-1", Email: "  Sales@Example.COM ", DisplayName: " Sales "})
		require.NoError(t, err)
		assert.Equal(t, "sales@example.com", acc.Email)
		assert.Equal(t, "Sales", acc.DisplayName)
		assert.False(t, acc.CreatedAt.IsZero())
	})

	t.Run("未提供 ID 时生成", func(t *testing.T) {
		acc, err := svc.Link(ctx, LinkAccountInput{Email: "ops@example.com"})
		require.NoError(t, err)
		assert.NotEmpty(t, acc.ID)
	})

	t.Run("邮箱格式错误", func(t *testing.T) {
		_, err := svc.Link(ctx, LinkAccountInput{ID: "bad", Email: "not-an-email"})
		assert.ErrorIs(t, err, ErrInvalidAddress)
	})

	t.Run("邮箱已被其它账户接入", func(t *testing.T) {
		_, err := svc.Link(ctx, LinkAccountInput{ID: "acc-9", Email: "sales@example.com"})
		assert.ErrorIs(t, err, storage.ErrAccountExists)
	})
}

func TestAccountService_GetReturnsCopies(t *testing.T) {
	svc, _ := newAccountService(t, nil)
	ctx := context.Background()

	_, err := svc.Link(ctx, LinkAccountInput{ID: "acc-1", Email: "me@y.com"})
	require.NoError(t, err)

	first, err := svc.Get(ctx, "acc-1")
	require.NoError(t, err)
	first.Email = "mutated@y.com"

	second, err := svc.Get(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "me@y.com", second.Email)

	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrAccountNotFound)
}

func TestAccountService_Unlink(t *testing.T) {
	files := &recordingFiles{err: errors.New("disk gone")}
	svc, store := newAccountService(t, files)
	ctx := context.Background()

	_, err := svc.Link(ctx, LinkAccountInput{ID: "acc-1", Email: "me@y.com"})
	require.NoError(t, err)
	_, err = svc.Get(ctx, "acc-1")
	require.NoError(t, err)

	_, err = store.EnsureConversation(ctx, "acc-1", "a@x.com", "hi")
	require.NoError(t, err)

	// 文件清理失败只记录日志
	require.NoError(t, svc.Unlink(ctx, "acc-1"))
	assert.Equal(t, []string{"acc-1"}, files.deleted)

	_, err = svc.Get(ctx, "acc-1")
	assert.ErrorIs(t, err, storage.ErrAccountNotFound)

	_, err = store.GetConversation(ctx, "acc-1", "a@x.com")
	assert.ErrorIs(t, err, storage.ErrConversationNotFound)

	assert.ErrorIs(t, svc.Unlink(ctx, "acc-1"), storage.ErrAccountNotFound)
}

func TestAccountService_List(t *testing.T) {
	svc, _ := newAccountService(t, nil)
	ctx := context.Background()

	_, err := svc.Link(ctx, LinkAccountInput{ID: "acc-1", Email: "a@y.com"})
	require.NoError(t, err)
	_, err = svc.Link(ctx, LinkAccountInput{ID: "acc-2", Email: "b@y.com"})
	require.NoError(t, err)

	all, err := svc.List(ctx, []string{"acc-2"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "b@y.com", all[0].Email)

	none, err := svc.List(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.NotNil(t, none)
}
