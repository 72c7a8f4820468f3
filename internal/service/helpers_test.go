package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crmmail/backend/internal/domain"
	"crmmail/backend/internal/storage/memory"
)

// MockPublisher 模拟事件发布
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event *domain.Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// Events 返回指定类型的已发布事件
func (m *MockPublisher) Events(eventType domain.EventType) []*domain.Event {
	var out []*domain.Event
	for _, call := range m.Calls {
		if call.Method != "Publish" {
			continue
		}
		if ev, ok := call.Arguments.Get(1).(*domain.Event); ok && ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// MockMailer 模拟投递服务
type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) Deliver(ctx context.Context, mail *OutboundMail) (string, error) {
	args := m.Called(ctx, mail)
	return args.String(0), args.Error(1)
}

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store         *memory.Store
	accounts      *AccountService
	publisher     *MockPublisher
	conversations *ConversationService
	threads       *ThreadService
	reads         *ReadStateService
	composer      *ComposerService
	account       *domain.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewStore()
	logger := zap.NewNop()
	publisher := &MockPublisher{}
	publisher.On("Publish", mock.Anything, mock.Anything).Return(nil)

	accounts := NewAccountService(store, nil, nil, logger)
	account, err := accounts.Link(context.Background(), LinkAccountInput{
		ID:          "acc-1",
		Email:       "Me@Y.com",
		DisplayName: "Sales Me",
	})
	require.NoError(t, err)

	resolver := NewAttachmentResolver(store, nil, "https://crm.example.com/api", 0)

	return &fixture{
		store:         store,
		accounts:      accounts,
		publisher:     publisher,
		conversations: NewConversationService(store, accounts, publisher, resolver, nil, logger),
		threads:       NewThreadService(store, accounts, resolver, logger),
		reads:         NewReadStateService(store, accounts, publisher, nil, logger),
		composer:      NewComposerService(store, accounts, logger),
		account:       account,
	}
}

func (f *fixture) ingest(t *testing.T, raw *domain.InboundMessage) *IngestResult {
	t.Helper()
	res, err := f.conversations.Ingest(context.Background(), f.account.ID, raw)
	require.NoError(t, err)
	return res
}

func received(from, subject string, at time.Time) *domain.InboundMessage {
	return &domain.InboundMessage{
		FromEmail: from,
		ToEmail:   "me@y.com",
		Subject:   subject,
		Body:      "<p>" + subject + "</p>",
		SentAt:    at,
		Folder:    "INBOX",
	}
}

func sent(to, subject string, at time.Time) *domain.InboundMessage {
	return &domain.InboundMessage{
		FromEmail: "me@y.com",
		ToEmail:   to,
		Subject:   subject,
		Body:      "<p>" + subject + "</p>",
		SentAt:    at,
		Folder:    "Sent",
	}
}

// liveUnread 直接从邮件行统计会话未读数
func liveUnread(t *testing.T, f *fixture, conversationID string) int {
	t.Helper()
	msgs, err := f.store.ListConversationMessages(context.Background(), conversationID)
	require.NoError(t, err)
	n := 0
	for _, m := range msgs {
		if m.IsUnreadReceived() {
			n++
		}
	}
	return n
}
