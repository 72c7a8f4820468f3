package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"crmmail/backend/internal/domain"
	"crmmail/backend/internal/storage"
	"crmmail/backend/internal/storage/filesystem"
)

// ContentStore 附件内容存储
type ContentStore interface {
	OpenAttachment(locator string) (io.ReadCloser, int64, error)
}

// AttachmentContent 附件下载结果：本地内容或远程地址二选一
type AttachmentContent struct {
	Attachment *domain.Attachment
	Body       io.ReadCloser
	Size       int64
	RemoteURL  string
}

// AttachmentResolver 把附件描述映射为可访问的 URL 或内容，不依赖传输方式
type AttachmentResolver struct {
	messages storage.MessageRepository
	files    ContentStore
	baseURL  string
	client   *http.Client
	maxSize  int64
}

// NewAttachmentResolver 创建附件解析器
//
// baseURL 为对外 API 前缀，为空时返回相对路径。
func NewAttachmentResolver(messages storage.MessageRepository, files ContentStore, baseURL string, maxSize int64) *AttachmentResolver {
	if maxSize <= 0 {
		maxSize = 25 << 20
	}
	return &AttachmentResolver{
		messages: messages,
		files:    files,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: 30 * time.Second},
		maxSize:  maxSize,
	}
}

// ResolveURL 返回附件的访问地址
//
// 远程定位符（http/https）原样返回；本地定位符映射到下载接口。
func (r *AttachmentResolver) ResolveURL(att *domain.Attachment) string {
	if att == nil {
		return ""
	}
	if isRemoteLocator(att.StorageLocator) {
		return att.StorageLocator
	}
	if att.ID == "" || att.MessageID == "" {
		return ""
	}
	return fmt.Sprintf("%s/v1/messages/%s/attachments/%s",
		r.baseURL, url.PathEscape(att.MessageID), url.PathEscape(att.ID))
}

// Annotate 为邮件的附件填充 URL
func (r *AttachmentResolver) Annotate(messages ...*domain.Message) {
	if r == nil {
		return
	}
	for _, m := range messages {
		for _, att := range m.Attachments {
			att.URL = r.ResolveURL(att)
		}
	}
}

// Summaries 构建事件中的附件摘要
func (r *AttachmentResolver) Summaries(attachments []*domain.Attachment) []domain.AttachmentSummary {
	if len(attachments) == 0 {
		return nil
	}
	out := make([]domain.AttachmentSummary, 0, len(attachments))
	for _, att := range attachments {
		summary := domain.AttachmentSummary{
			ID:       att.ID,
			Filename: att.Filename,
			MimeType: att.MimeType,
			Size:     att.Size,
			Kind:     att.Kind,
		}
		if r != nil {
			summary.URL = r.ResolveURL(att)
		}
		out = append(out, summary)
	}
	return out
}

// Open 打开附件内容，scope 用于校验所属账户
func (r *AttachmentResolver) Open(ctx context.Context, messageID, attachmentID string, scope AccountScope) (*AttachmentContent, error) {
	msg, err := r.messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !scope.Allows(msg.AccountID) {
		return nil, ErrAccountForbidden
	}

	att, err := r.messages.GetAttachment(ctx, messageID, attachmentID)
	if err != nil {
		return nil, err
	}

	if isRemoteLocator(att.StorageLocator) {
		return &AttachmentContent{Attachment: att, RemoteURL: att.StorageLocator, Size: att.Size}, nil
	}

	body, size, err := r.openLocal(att.StorageLocator)
	if err != nil {
		return nil, err
	}
	return &AttachmentContent{Attachment: att, Body: body, Size: size}, nil
}

// Load 读取附件完整内容，用于转发时重新附加
func (r *AttachmentResolver) Load(ctx context.Context, att *domain.Attachment) ([]byte, error) {
	var body io.ReadCloser
	if isRemoteLocator(att.StorageLocator) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.StorageLocator, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAttachmentUnavailable, err)
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAttachmentUnavailable, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: remote status %d", ErrAttachmentUnavailable, resp.StatusCode)
		}
		body = resp.Body
	} else {
		local, _, err := r.openLocal(att.StorageLocator)
		if err != nil {
			return nil, err
		}
		body = local
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, r.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttachmentUnavailable, err)
	}
	if int64(len(data)) > r.maxSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrAttachmentUnavailable, att.Filename, r.maxSize)
	}
	return data, nil
}

func (r *AttachmentResolver) openLocal(locator string) (io.ReadCloser, int64, error) {
	if r.files == nil || !filesystem.IsLocalLocator(locator) {
		return nil, 0, ErrAttachmentUnavailable
	}
	body, size, err := r.files.OpenAttachment(locator)
	if err != nil {
		if errors.Is(err, filesystem.ErrContentNotFound) || errors.Is(err, filesystem.ErrInvalidLocator) {
			return nil, 0, fmt.Errorf("%w: %v", ErrAttachmentUnavailable, err)
		}
		return nil, 0, err
	}
	return body, size, nil
}

func isRemoteLocator(locator string) bool {
	lower := strings.ToLower(locator)
	return strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "http://")
}

// AccountScope 会话被授权访问的账户集合
type AccountScope map[string]struct{}

// NewAccountScope 由令牌中的账户 ID 构建授权范围
func NewAccountScope(ids []string) AccountScope {
	scope := make(AccountScope, len(ids))
	for _, id := range ids {
		if id != "" {
			scope[id] = struct{}{}
		}
	}
	return scope
}

// Allows 判断是否可以访问该账户
func (s AccountScope) Allows(accountID string) bool {
	_, ok := s[accountID]
	return ok
}

// IDs 返回排序后的授权账户 ID
func (s AccountScope) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
