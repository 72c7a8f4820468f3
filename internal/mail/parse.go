package mail

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"crmmail/backend/internal/domain"
)

// ErrInvalidMessage 原始邮件无法解析
var ErrInvalidMessage = errors.New("invalid rfc 5322 message")

// ContentSink 附件与原始邮件的落盘存储
type ContentSink interface {
	SaveAttachment(accountID, filename string, content io.Reader) (string, int64, error)
	SaveRaw(accountID string, raw []byte) (string, error)
}

// RawMessage 已解析但尚未落盘的原始邮件
type RawMessage struct {
	// Inbound 解析出的入库记录，不含附件定位符
	Inbound *domain.InboundMessage

	raw []byte
	env *enmime.Envelope
}

// Parse 解析一封 RFC 5322 邮件，不写任何文件。
//
// Message-ID 作为稳定 ID，用于与轮询同步的副本去重。
func Parse(raw []byte, folder string) (*RawMessage, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	return &RawMessage{
		Inbound: &domain.InboundMessage{
			FromEmail: firstAddress(env, "From"),
			ToEmail:   addressList(env, "To"),
			CCEmail:   addressList(env, "Cc"),
			Subject:   strings.TrimSpace(env.GetHeader("Subject")),
			Body:      bodyHTML(env),
			SentAt:    parseDate(env.GetHeader("Date")),
			Folder:    folder,
			StableID:  strings.TrimSpace(env.GetHeader("Message-ID")),
		},
		raw: raw,
		env: env,
	}, nil
}

// Persist 为 accountID 保存原始邮件与附件，返回带附件定位符的入库记录副本。
//
// files 为 nil 时不落盘，附件被忽略。
func (m *RawMessage) Persist(accountID string, files ContentSink) (*domain.InboundMessage, error) {
	msg := *m.Inbound
	msg.Attachments = nil
	if files == nil {
		return &msg, nil
	}

	if _, err := files.SaveRaw(accountID, m.raw); err != nil {
		return nil, fmt.Errorf("save raw message: %w", err)
	}

	parts := make([]*enmime.Part, 0, len(m.env.Attachments)+len(m.env.Inlines))
	parts = append(parts, m.env.Attachments...)
	parts = append(parts, m.env.Inlines...)
	for i, part := range parts {
		if isBodyPart(part) {
			continue
		}
		name := part.FileName
		if name == "" {
			name = fmt.Sprintf("attachment-%d", i+1)
		}
		locator, size, err := files.SaveAttachment(accountID, name, bytes.NewReader(part.Content))
		if err != nil {
			return nil, fmt.Errorf("save attachment %s: %w", name, err)
		}
		msg.Attachments = append(msg.Attachments, domain.InboundAttachment{
			Filename:       name,
			MimeType:       mediaType(part.ContentType),
			Size:           size,
			StorageLocator: locator,
		})
	}
	return &msg, nil
}

// ParseRaw 解析并立即落盘，附件内容写入 files 并以定位符引用。
func ParseRaw(accountID string, raw []byte, folder string, files ContentSink) (*domain.InboundMessage, error) {
	parsed, err := Parse(raw, folder)
	if err != nil {
		return nil, err
	}
	return parsed.Persist(accountID, files)
}

func firstAddress(env *enmime.Envelope, header string) string {
	list, err := env.AddressList(header)
	if err != nil || len(list) == 0 {
		return strings.TrimSpace(env.GetHeader(header))
	}
	return list[0].Address
}

func addressList(env *enmime.Envelope, header string) string {
	list, err := env.AddressList(header)
	if err != nil {
		return domain.JoinAddressList(domain.SplitAddressList(env.GetHeader(header)))
	}
	addrs := make([]string, 0, len(list))
	for _, addr := range list {
		if addr.Address != "" {
			addrs = append(addrs, addr.Address)
		}
	}
	return domain.JoinAddressList(addrs)
}

// bodyHTML 优先使用 HTML 正文，纯文本正文转义后换行转为 <br>
func bodyHTML(env *enmime.Envelope) string {
	if strings.TrimSpace(env.HTML) != "" {
		return env.HTML
	}
	if env.Text == "" {
		return ""
	}
	escaped := html.EscapeString(strings.ReplaceAll(env.Text, "\r\n", "\n"))
	return "<div>" + strings.ReplaceAll(escaped, "\n", "<br>") + "</div>"
}

func parseDate(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := netmail.ParseDate(value)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// isBodyPart 没有文件名的 text/plain、text/html 部分属于正文
func isBodyPart(part *enmime.Part) bool {
	ct := mediaType(part.ContentType)
	if ct != "text/plain" && ct != "text/html" {
		return false
	}
	if part.FileName != "" {
		return false
	}
	return !strings.EqualFold(mediaType(part.Disposition), "attachment")
}

func mediaType(value string) string {
	if idx := strings.Index(value, ";"); idx >= 0 {
		value = value[:idx]
	}
	return strings.ToLower(strings.TrimSpace(value))
}
