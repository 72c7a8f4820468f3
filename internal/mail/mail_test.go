package mail

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crmmail/backend/internal/config"
	"crmmail/backend/internal/service"
	"crmmail/backend/internal/storage/filesystem"
)

const rawMultipart = "From: \"Alice\" <Alice@X.com>\r\n" +
	"To: me@y.com, Bob <bob@x.com>\r\n" +
	"Cc: carol@x.com\r\n" +
	"Subject: =?UTF-8?B?5oql5Lu35Y2V?=\r\n" +
	"Date: Mon, 02 Mar 2026 09:00:00 +0800\r\n" +
	"Message-ID: <abc123@x.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Please see the quote</p>\r\n" +
	"--b1\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"quote.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0xLjc=\r\n" +
	"--b1--\r\n"

func TestParseRaw(t *testing.T) {
	files, err := filesystem.NewStore(t.TempDir())
	require.NoError(t, err)

	msg, err := ParseRaw("acc-1", []byte(rawMultipart), "INBOX", files)
	require.NoError(t, err)

	assert.Equal(t, "Alice@X.com", msg.FromEmail)
	assert.Equal(t, "me@y.com, bob@x.com", msg.ToEmail)
	assert.Equal(t, "carol@x.com", msg.CCEmail)
	assert.Equal(t, "报价单", msg.Subject)
	assert.Equal(t, "<abc123@x.com>", msg.StableID)
	assert.Equal(t, "INBOX", msg.Folder)
	assert.True(t, msg.SentAt.Equal(time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)))
	assert.Contains(t, msg.Body, "<p>Please see the quote</p>")

	require.Len(t, msg.Attachments, 1)
	att := msg.Attachments[0]
	assert.Equal(t, "quote.pdf", att.Filename)
	assert.Equal(t, "application/pdf", att.MimeType)
	assert.Equal(t, int64(len("%PDF-1.7")), att.Size)

	body, _, err := files.OpenAttachment(att.StorageLocator)
	require.NoError(t, err)
	defer body.Close()
	content, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(content))
}

func TestParseRaw_PlainText(t *testing.T) {
	raw := "From: a@x.com\r\nTo: me@y.com\r\nSubject: hi\r\n\r\nline one\r\n<b>two</b>\r\n"

	msg, err := ParseRaw("acc-1", []byte(raw), "", nil)
	require.NoError(t, err)

	assert.Equal(t, "a@x.com", msg.FromEmail)
	assert.Contains(t, msg.Body, "line one<br>&lt;b&gt;two&lt;/b&gt;")
	assert.True(t, msg.SentAt.IsZero())
	assert.Empty(t, msg.StableID)
	assert.Empty(t, msg.Attachments)
}

func TestBuildMessage(t *testing.T) {
	out := &service.OutboundMail{
		From:      "me@y.com",
		FromName:  "Sales Me",
		To:        []string{"a@x.com"},
		CC:        []string{"b@x.com"},
		Subject:   "Re: Pricing",
		HTMLBody:  "<p>Thanks</p>",
		InReplyTo: "orig@x.com",
		Attachments: []service.OutboundAttachment{
			{Filename: "q3.pdf", MimeType: "application/pdf", Content: []byte("%PDF-1.7")},
		},
	}

	data, err := BuildMessage(out, "<id-1@crm.local>", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	env, err := enmime.ReadEnvelope(bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, "Re: Pricing", env.GetHeader("Subject"))
	assert.Equal(t, "<id-1@crm.local>", env.GetHeader("Message-ID"))
	assert.Equal(t, "<orig@x.com>", env.GetHeader("In-Reply-To"))
	assert.Contains(t, env.HTML, "<p>Thanks</p>")
	assert.Contains(t, env.Text, "Thanks")

	cc, err := env.AddressList("Cc")
	require.NoError(t, err)
	require.Len(t, cc, 1)
	assert.Equal(t, "b@x.com", cc[0].Address)

	require.Len(t, env.Attachments, 1)
	assert.Equal(t, "q3.pdf", env.Attachments[0].FileName)
	assert.Equal(t, "%PDF-1.7", string(env.Attachments[0].Content))

	t.Run("空主题使用占位", func(t *testing.T) {
		data, err := BuildMessage(&service.OutboundMail{From: "me@y.com", To: []string{"a@x.com"}}, NewMessageID("crm.local"), time.Now())
		require.NoError(t, err)
		env, err := enmime.ReadEnvelope(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, defaultSubject, env.GetHeader("Subject"))
	})

	t.Run("没有收件人", func(t *testing.T) {
		_, err := BuildMessage(&service.OutboundMail{From: "me@y.com"}, "<x@y>", time.Now())
		assert.ErrorIs(t, err, service.ErrMissingRecipient)
	})
}

func TestNewMessageID(t *testing.T) {
	id := NewMessageID("crm.example.com")
	assert.True(t, strings.HasPrefix(id, "<"))
	assert.True(t, strings.HasSuffix(id, "@crm.example.com>"))
	assert.NotEqual(t, id, NewMessageID("crm.example.com"))
}

// captureBackend 记录收到的邮件
type captureBackend struct {
	mu   sync.Mutex
	from string
	to   []string
	data []byte
}

func (b *captureBackend) NewSession(*gosmtp.Conn) (gosmtp.Session, error) {
	return &captureSession{backend: b}, nil
}

type captureSession struct {
	backend *captureBackend
	from    string
	to      []string
}

func (s *captureSession) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *captureSession) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *captureSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.from = s.from
	s.backend.to = s.to
	s.backend.data = data
	return nil
}

func (s *captureSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *captureSession) Logout() error { return nil }

func startSMTPServer(t *testing.T) (*captureBackend, config.MailConfig) {
	t.Helper()

	be := &captureBackend{}
	srv := gosmtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })

	host, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return be, config.MailConfig{SMTPHost: host, SMTPPort: port, MessageIDDomain: "crm.test"}
}

func TestSMTPMailer_Deliver(t *testing.T) {
	be, cfg := startSMTPServer(t)
	mailer := NewSMTPMailer(cfg, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := mailer.Deliver(ctx, &service.OutboundMail{
		From:     "me@y.com",
		To:       []string{"a@x.com"},
		CC:       []string{"b@x.com"},
		Subject:  "Hello",
		HTMLBody: "<p>Hi there</p>",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(id, "@crm.test>"))

	be.mu.Lock()
	defer be.mu.Unlock()
	assert.Equal(t, "me@y.com", be.from)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, be.to)

	env, err := enmime.ReadEnvelope(bytes.NewReader(be.data))
	require.NoError(t, err)
	assert.Equal(t, id, env.GetHeader("Message-ID"))
	assert.Contains(t, env.HTML, "Hi there")
}

func TestSMTPMailer_NotConfigured(t *testing.T) {
	mailer := NewSMTPMailer(config.MailConfig{}, zap.NewNop())
	_, err := mailer.Deliver(context.Background(), &service.OutboundMail{From: "me@y.com", To: []string{"a@x.com"}})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestSMTPMailer_DialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	require.NoError(t, l.Close())

	mailer := NewSMTPMailer(config.MailConfig{SMTPHost: "127.0.0.1", SMTPPort: addr.Port}, zap.NewNop())
	_, err = mailer.Deliver(context.Background(), &service.OutboundMail{From: "me@y.com", To: []string{"a@x.com"}})
	assert.Error(t, err)
}
