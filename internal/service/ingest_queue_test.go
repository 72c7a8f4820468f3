package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crmmail/backend/internal/domain"
	"crmmail/backend/internal/pool"
)

func TestIngestQueue_PreservesOrderPerAccount(t *testing.T) {
	f := newFixture(t)
	workers := pool.NewKeyedPool(4, 16, zap.NewNop())
	workers.Start(context.Background())

	queue := NewIngestQueue(workers, f.conversations, zap.NewNop())

	for i := 0; i < 10; i++ {
		raw := received("a@x.com", fmt.Sprintf("update %d", i), baseTime.Add(time.Duration(i)*time.Minute))
		require.NoError(t, queue.Enqueue(context.Background(), "acc-1", raw))
	}
	// 重复提交同一封
	require.NoError(t, queue.Enqueue(context.Background(), "acc-1", received("a@x.com", "update 0", baseTime)))

	workers.Stop()

	conv, err := f.store.GetConversation(context.Background(), "acc-1", "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, 10, conv.MessageCount)
	assert.Equal(t, 10, conv.UnreadCount)
	assert.True(t, conv.LastMessageAt.Equal(baseTime.Add(9*time.Minute)))
}

func TestIngestQueue_EnqueueBatchStopsWhenPoolStopped(t *testing.T) {
	f := newFixture(t)
	workers := pool.NewKeyedPool(1, 4, zap.NewNop())
	workers.Start(context.Background())
	workers.Stop()

	queue := NewIngestQueue(workers, f.conversations, zap.NewNop())
	n, err := queue.EnqueueBatch(context.Background(), "acc-1", []*domain.InboundMessage{
		received("a@x.com", "one", baseTime),
	})
	assert.ErrorIs(t, err, pool.ErrPoolStopped)
	assert.Equal(t, 0, n)
}
