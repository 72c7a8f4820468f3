package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	netmail "net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
	"go.uber.org/zap"

	"crmmail/backend/internal/config"
	"crmmail/backend/internal/service"
)

// ErrNotConfigured 未配置外发 SMTP 服务器
var ErrNotConfigured = errors.New("outbound smtp not configured")

const defaultSubject = "(No Subject)"

// SMTPMailer 通过 SMTP 投递外发邮件，实现 service.Mailer。
type SMTPMailer struct {
	host        string
	port        int
	username    string
	password    string
	implicitTLS bool
	idDomain    string
	tlsConfig   *tls.Config
	dialer      *net.Dialer
	logger      *zap.Logger
	now         func() time.Time
}

// NewSMTPMailer 创建 SMTP 投递器
func NewSMTPMailer(cfg config.MailConfig, logger *zap.Logger) *SMTPMailer {
	domain := cfg.MessageIDDomain
	if domain == "" {
		domain = "crm.local"
	}
	return &SMTPMailer{
		host:        cfg.SMTPHost,
		port:        cfg.SMTPPort,
		username:    cfg.Username,
		password:    cfg.Password,
		implicitTLS: cfg.ImplicitTLS,
		idDomain:    domain,
		tlsConfig:   &tls.Config{ServerName: cfg.SMTPHost, MinVersion: tls.VersionTLS12},
		dialer:      &net.Dialer{Timeout: 15 * time.Second},
		logger:      logger.Named("smtp-mailer"),
		now:         time.Now,
	}
}

// Deliver 构建 MIME 邮件并投递，返回生成的 Message-ID。
//
// ctx 结束时关闭连接，正在进行的 SMTP 会话随之失败。
func (m *SMTPMailer) Deliver(ctx context.Context, out *service.OutboundMail) (string, error) {
	if m.host == "" {
		return "", ErrNotConfigured
	}

	messageID := NewMessageID(m.idDomain)
	data, err := BuildMessage(out, messageID, m.now())
	if err != nil {
		return "", err
	}

	client, err := m.connect(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	if m.username != "" {
		if err := client.Auth(sasl.NewPlainClient("", m.username, m.password)); err != nil {
			return "", fmt.Errorf("smtp auth: %w", err)
		}
	}

	recipients := make([]string, 0, len(out.To)+len(out.CC))
	recipients = append(recipients, out.To...)
	recipients = append(recipients, out.CC...)

	if err := client.SendMail(out.From, recipients, bytes.NewReader(data)); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("smtp send: %w", err)
	}
	_ = client.Quit()

	m.logger.Debug("mail delivered",
		zap.String("from", out.From),
		zap.Int("recipients", len(recipients)),
		zap.String("messageID", messageID),
	)
	return messageID, nil
}

func (m *SMTPMailer) connect(ctx context.Context) (*gosmtp.Client, error) {
	addr := net.JoinHostPort(m.host, strconv.Itoa(m.port))
	conn, err := m.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if m.implicitTLS {
		return gosmtp.NewClient(tls.Client(conn, m.tlsConfig)), nil
	}

	client := gosmtp.NewClient(conn)
	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(m.tlsConfig); err != nil {
			client.Close()
			return nil, fmt.Errorf("smtp starttls: %w", err)
		}
	}
	return client, nil
}

// NewMessageID 生成 <uuid@domain> 形式的 Message-ID
func NewMessageID(domain string) string {
	return "<" + uuid.NewString() + "@" + domain + ">"
}

// BuildMessage 用 enmime 构建 multipart 邮件
func BuildMessage(out *service.OutboundMail, messageID string, date time.Time) ([]byte, error) {
	if len(out.To) == 0 {
		return nil, service.ErrMissingRecipient
	}

	subject := strings.TrimSpace(out.Subject)
	if subject == "" {
		subject = defaultSubject
	}

	builder := enmime.Builder().
		From(out.FromName, out.From).
		ToAddrs(addresses(out.To)).
		Subject(subject).
		Date(date).
		Header("Message-ID", messageID).
		HTML([]byte(out.HTMLBody)).
		Text([]byte(PlainText(out.HTMLBody)))
	if len(out.CC) > 0 {
		builder = builder.CCAddrs(addresses(out.CC))
	}
	if out.InReplyTo != "" {
		ref := ensureAngle(out.InReplyTo)
		builder = builder.Header("In-Reply-To", ref).Header("References", ref)
	}
	for _, att := range out.Attachments {
		builder = builder.AddAttachment(att.Content, att.MimeType, att.Filename)
	}

	root, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build mime message: %w", err)
	}

	var buf bytes.Buffer
	if err := root.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode mime message: %w", err)
	}
	return buf.Bytes(), nil
}

func addresses(list []string) []netmail.Address {
	out := make([]netmail.Address, 0, len(list))
	for _, addr := range list {
		out = append(out, netmail.Address{Address: addr})
	}
	return out
}

func ensureAngle(id string) string {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}
