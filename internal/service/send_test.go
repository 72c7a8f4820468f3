package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crmmail/backend/internal/domain"
	"crmmail/backend/internal/storage/filesystem"
)

func newSendService(f *fixture, mailer Mailer, resolver *AttachmentResolver, timeout time.Duration) *SendService {
	if resolver == nil {
		resolver = NewAttachmentResolver(f.store, nil, "", 0)
	}
	return NewSendService(f.store, f.accounts, mailer, f.conversations, resolver, timeout, nil, zap.NewNop())
}

func TestSend_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := received("a@x.com", "Quarterly Update", baseTime)
	raw.StableID = "<q3@x.com>"
	src := f.ingest(t, raw)

	draft, err := f.composer.Compose(ctx, ComposeRequest{
		Mode:            ModeReply,
		AccountID:       "acc-1",
		SourceMessageID: src.MessageID,
		Overrides:       ComposeOverrides{BodyHTML: strPtr("<p>Thanks!</p>")},
	})
	require.NoError(t, err)

	mailer := &MockMailer{}
	mailer.On("Deliver", mock.Anything, mock.MatchedBy(func(m *OutboundMail) bool {
		return m.From == "me@y.com" &&
			len(m.To) == 1 && m.To[0] == "a@x.com" &&
			m.Subject == "Re: Quarterly Update" &&
			strings.HasPrefix(m.HTMLBody, "<p>Thanks!</p><br>") &&
			strings.Contains(m.HTMLBody, "crm-quote") &&
			m.InReplyTo == "<q3@x.com>"
	})).Return("<sent-1@crm.local>", nil).Once()

	svc := newSendService(f, mailer, nil, time.Second)
	msg, err := svc.Send(ctx, draft)
	require.NoError(t, err)
	mailer.AssertExpectations(t)

	assert.Equal(t, domain.DirectionSent, msg.Direction)
	assert.Equal(t, "<sent-1@crm.local>", msg.StableID)
	assert.Equal(t, src.ConversationID, msg.ConversationID)
	assert.True(t, msg.IsRead)

	conv, err := f.store.GetConversationByID(ctx, src.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 2, conv.MessageCount)

	t.Run("轮询到的同一封已发送邮件被去重", func(t *testing.T) {
		copyRaw := sent("a@x.com", "Re: Quarterly Update", time.Now().Add(time.Second))
		copyRaw.StableID = "sent-1@crm.local"
		res := f.ingest(t, copyRaw)
		assert.True(t, res.Duplicate)
		assert.Equal(t, msg.ID, res.MessageID)
	})
}

func TestSend_DeliveryFailureLeavesConversationUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.ingest(t, received("a@x.com", "Pricing", baseTime))

	before, err := f.store.GetConversationByID(ctx, src.ConversationID)
	require.NoError(t, err)

	draft, err := f.composer.Compose(ctx, ComposeRequest{Mode: ModeReply, AccountID: "acc-1", SourceMessageID: src.MessageID})
	require.NoError(t, err)

	mailer := &MockMailer{}
	mailer.On("Deliver", mock.Anything, mock.Anything).Return("", errors.New("550 mailbox unavailable")).Once()

	_, err = newSendService(f, mailer, nil, time.Second).Send(ctx, draft)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Contains(t, err.Error(), "550 mailbox unavailable")

	after, err := f.store.GetConversationByID(ctx, src.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, before.MessageCount, after.MessageCount)
	assert.True(t, before.LastMessageAt.Equal(after.LastMessageAt))
	assert.Len(t, f.publisher.Events(domain.EventNewMessage), 1)
}

// blockingMailer 一直等到 ctx 结束
type blockingMailer struct{}

func (blockingMailer) Deliver(ctx context.Context, _ *OutboundMail) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestSend_Timeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.ingest(t, received("a@x.com", "Pricing", baseTime))

	draft, err := f.composer.Compose(ctx, ComposeRequest{Mode: ModeReply, AccountID: "acc-1", SourceMessageID: src.MessageID})
	require.NoError(t, err)

	_, err = newSendService(f, blockingMailer{}, nil, 20*time.Millisecond).Send(ctx, draft)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	msgs, err := f.store.ListConversationMessages(ctx, src.ConversationID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(t)
	mailer := &MockMailer{}
	svc := newSendService(f, mailer, nil, time.Second)
	ctx := context.Background()

	t.Run("收件人为空", func(t *testing.T) {
		_, err := svc.Send(ctx, &Draft{Mode: ModeForward, AccountID: "acc-1", To: " , "})
		assert.ErrorIs(t, err, ErrMissingRecipient)
	})

	t.Run("收件人格式错误", func(t *testing.T) {
		_, err := svc.Send(ctx, &Draft{Mode: ModeNew, AccountID: "acc-1", To: "not-an-address"})
		assert.ErrorIs(t, err, ErrInvalidAddress)
	})

	t.Run("抄送格式错误", func(t *testing.T) {
		_, err := svc.Send(ctx, &Draft{Mode: ModeNew, AccountID: "acc-1", To: "a@x.com", CC: "b@"})
		assert.ErrorIs(t, err, ErrInvalidAddress)
	})

	mailer.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything)
}

func TestSend_ForwardCarriesAttachments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	files, err := filesystem.NewStore(t.TempDir())
	require.NoError(t, err)
	locator, size, err := files.SaveAttachment("acc-1", "q3.pdf", strings.NewReader("%PDF-1.7"))
	require.NoError(t, err)

	raw := received("a@x.com", "Quote", baseTime)
	raw.Attachments = []domain.InboundAttachment{
		{Filename: "q3.pdf", MimeType: "application/pdf", Size: size, StorageLocator: locator},
	}
	src := f.ingest(t, raw)

	draft, err := f.composer.Compose(ctx, ComposeRequest{
		Mode:            ModeForward,
		AccountID:       "acc-1",
		SourceMessageID: src.MessageID,
		Overrides:       ComposeOverrides{To: strPtr("boss@y.com")},
	})
	require.NoError(t, err)

	mailer := &MockMailer{}
	mailer.On("Deliver", mock.Anything, mock.MatchedBy(func(m *OutboundMail) bool {
		return len(m.Attachments) == 1 &&
			m.Attachments[0].Filename == "q3.pdf" &&
			string(m.Attachments[0].Content) == "%PDF-1.7" &&
			m.InReplyTo == ""
	})).Return("<fwd-1@crm.local>", nil).Once()

	resolver := NewAttachmentResolver(f.store, files, "", 0)
	msg, err := newSendService(f, mailer, resolver, time.Second).Send(ctx, draft)
	require.NoError(t, err)
	mailer.AssertExpectations(t)

	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, locator, msg.Attachments[0].StorageLocator)
	assert.Equal(t, domain.KindPdf, msg.Attachments[0].Kind)

	// 转发给新的往来方，归入新会话
	conv, err := f.store.GetConversation(ctx, "acc-1", "boss@y.com")
	require.NoError(t, err)
	assert.Equal(t, msg.ConversationID, conv.ID)
}

func TestSend_RejectsForeignAttachment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.accounts.Link(ctx, LinkAccountInput{ID: "acc-2", Email: "other@y.com"})
	require.NoError(t, err)

	raw := received("a@x.com", "Secret", baseTime)
	raw.ToEmail = "other@y.com"
	raw.Attachments = []domain.InboundAttachment{{Filename: "s.pdf", StorageLocator: "https://cdn.x.com/s.pdf"}}
	foreign, err := f.conversations.Ingest(ctx, "acc-2", raw)
	require.NoError(t, err)

	mailer := &MockMailer{}
	_, err = newSendService(f, mailer, nil, time.Second).Send(ctx, &Draft{
		Mode:      ModeForward,
		AccountID: "acc-1",
		To:        "a@x.com",
		Attachments: []DraftAttachment{
			{MessageID: foreign.MessageID, AttachmentID: foreign.Message.Attachments[0].ID},
		},
	})
	assert.Error(t, err)
	mailer.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything)
}
