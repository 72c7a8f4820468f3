package smtp

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crmmail/backend/internal/domain"
	"crmmail/backend/internal/service"
	"crmmail/backend/internal/storage/memory"
)

type recordingQueue struct {
	mu    sync.Mutex
	items map[string][]*domain.InboundMessage
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, accountID string, raw *domain.InboundMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	if q.items == nil {
		q.items = make(map[string][]*domain.InboundMessage)
	}
	q.items[accountID] = append(q.items[accountID], raw)
	return nil
}

// knownDuplicates 把指定账户的邮件都视为已入库
type knownDuplicates map[string]bool

func (d knownDuplicates) FindDuplicate(_ context.Context, accountID string, _ *domain.InboundMessage) (*service.IngestResult, error) {
	if !d[accountID] {
		return nil, nil
	}
	return &service.IngestResult{MessageID: "existing", Duplicate: true}, nil
}

type countingSink struct {
	mu    sync.Mutex
	saved map[string]int
}

func (s *countingSink) SaveAttachment(accountID, filename string, _ io.Reader) (string, int64, error) {
	s.record(accountID)
	return accountID + "/" + filename, 0, nil
}

func (s *countingSink) SaveRaw(accountID string, _ []byte) (string, error) {
	s.record(accountID)
	return accountID + "/raw.eml", nil
}

func (s *countingSink) record(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[string]int)
	}
	s.saved[accountID]++
}

func newTestBackend(t *testing.T, queue Enqueuer, limiter *ConnectionLimiter, maxSize int64) *Backend {
	t.Helper()
	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, store.SaveAccount(ctx, &domain.Account{ID: "acc-1", Email: "me@y.com"}))
	require.NoError(t, store.SaveAccount(ctx, &domain.Account{ID: "acc-2", Email: "ops@y.com"}))
	return NewBackend(store, queue, nil, nil, limiter, maxSize, zap.NewNop())
}

const inboundRaw = "From: Alice <alice@x.com>\r\nTo: me@y.com, ops@y.com\r\nSubject: Pricing\r\nMessage-ID: <p1@x.com>\r\n\r\nHello\r\n"

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var smtpErr *gosmtp.SMTPError
	require.True(t, errors.As(err, &smtpErr), "expected SMTPError, got %v", err)
	return smtpErr.Code
}

func TestSession_DeliversToEachAccount(t *testing.T) {
	queue := &recordingQueue{}
	b := newTestBackend(t, queue, nil, 0)

	sess, err := b.NewSession(nil)
	require.NoError(t, err)

	require.NoError(t, sess.Mail("alice@x.com", nil))
	require.NoError(t, sess.Rcpt("<Me@Y.com>", nil))
	require.NoError(t, sess.Rcpt("ops@y.com", nil))
	require.NoError(t, sess.Rcpt("me@y.com", nil))
	require.NoError(t, sess.Data(strings.NewReader(inboundRaw)))

	require.Len(t, queue.items["acc-1"], 1)
	require.Len(t, queue.items["acc-2"], 1)

	msg := queue.items["acc-1"][0]
	assert.Equal(t, "alice@x.com", msg.FromEmail)
	assert.Equal(t, "Pricing", msg.Subject)
	assert.Equal(t, "<p1@x.com>", msg.StableID)
	assert.Equal(t, "INBOX", msg.Folder)
}

func TestSession_RejectsUnknownRecipient(t *testing.T) {
	b := newTestBackend(t, &recordingQueue{}, nil, 0)
	sess, err := b.NewSession(nil)
	require.NoError(t, err)

	t.Run("未接入的地址", func(t *testing.T) {
		assert.Equal(t, 550, smtpCode(t, sess.Rcpt("nobody@y.com", nil)))
	})

	t.Run("格式错误", func(t *testing.T) {
		assert.Equal(t, 501, smtpCode(t, sess.Rcpt("not-an-address", nil)))
	})
}

func TestSession_MessageTooLarge(t *testing.T) {
	queue := &recordingQueue{}
	b := newTestBackend(t, queue, nil, 16)
	sess, err := b.NewSession(nil)
	require.NoError(t, err)

	require.NoError(t, sess.Rcpt("me@y.com", nil))
	assert.Equal(t, 552, smtpCode(t, sess.Data(strings.NewReader(inboundRaw))))
	assert.Empty(t, queue.items)
}

func TestSession_QueueFailure(t *testing.T) {
	b := newTestBackend(t, &recordingQueue{err: errors.New("pool stopped")}, nil, 0)
	sess, err := b.NewSession(nil)
	require.NoError(t, err)

	require.NoError(t, sess.Rcpt("me@y.com", nil))
	assert.Error(t, sess.Data(strings.NewReader(inboundRaw)))
}

func TestSession_Reset(t *testing.T) {
	queue := &recordingQueue{}
	b := newTestBackend(t, queue, nil, 0)
	sess, err := b.NewSession(nil)
	require.NoError(t, err)

	require.NoError(t, sess.Rcpt("me@y.com", nil))
	sess.Reset()
	require.NoError(t, sess.Data(strings.NewReader(inboundRaw)))
	assert.Empty(t, queue.items)
}

func TestBackend_ConnectionLimit(t *testing.T) {
	limiter := NewConnectionLimiter(1, 100)
	b := newTestBackend(t, &recordingQueue{}, limiter, 0)

	first, err := b.NewSession(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, limiter.Current())

	_, err = b.NewSession(nil)
	assert.Equal(t, 421, smtpCode(t, err))

	require.NoError(t, first.Logout())
	require.NoError(t, first.Logout())
	assert.Equal(t, 0, limiter.Current())

	_, err = b.NewSession(nil)
	assert.NoError(t, err)
}

func TestConnectionLimiter_Rate(t *testing.T) {
	limiter := NewConnectionLimiter(10, 2)
	assert.True(t, limiter.Acquire())
	assert.True(t, limiter.Acquire())
	assert.False(t, limiter.Acquire())
	assert.Equal(t, 2, limiter.Current())

	limiter.Release()
	limiter.Release()
	limiter.Release()
	assert.Equal(t, 0, limiter.Current())
}

func TestSession_SkipsKnownDuplicates(t *testing.T) {
	queue := &recordingQueue{}
	files := &countingSink{}
	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, store.SaveAccount(ctx, &domain.Account{ID: "acc-1", Email: "me@y.com"}))
	require.NoError(t, store.SaveAccount(ctx, &domain.Account{ID: "acc-2", Email: "ops@y.com"}))
	b := NewBackend(store, queue, knownDuplicates{"acc-1": true}, files, nil, 0, zap.NewNop())

	sess, err := b.NewSession(nil)
	require.NoError(t, err)
	require.NoError(t, sess.Mail("alice@x.com", nil))
	require.NoError(t, sess.Rcpt("me@y.com", nil))
	require.NoError(t, sess.Rcpt("ops@y.com", nil))
	require.NoError(t, sess.Data(strings.NewReader(inboundRaw)))

	t.Run("已入库的账户不落盘也不入队", func(t *testing.T) {
		assert.Empty(t, queue.items["acc-1"])
		assert.Zero(t, files.saved["acc-1"])
	})

	t.Run("其他账户照常投递", func(t *testing.T) {
		require.Len(t, queue.items["acc-2"], 1)
		assert.Equal(t, 1, files.saved["acc-2"])
	})
}
