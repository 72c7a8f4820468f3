package service

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmmail/backend/internal/domain"
	"crmmail/backend/internal/storage/filesystem"
)

func TestAttachmentResolver_ResolveURL(t *testing.T) {
	r := NewAttachmentResolver(nil, nil, "https://crm.example.com/api/", 0)

	tests := []struct {
		name string
		att  *domain.Attachment
		want string
	}{
		{"远程地址原样返回", &domain.Attachment{ID: "a1", MessageID: "m1", StorageLocator: "https://cdn.x.com/f.pdf"}, "https://cdn.x.com/f.pdf"},
		{"本地内容映射到下载接口", &domain.Attachment{ID: "a1", MessageID: "m1", StorageLocator: "fs:acc/f.pdf"}, "https://crm.example.com/api/v1/messages/m1/attachments/a1"},
		{"缺少 ID", &domain.Attachment{StorageLocator: "fs:acc/f.pdf"}, ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.ResolveURL(tt.att))
		})
	}
}

func TestAttachmentResolver_Open(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	files, err := filesystem.NewStore(t.TempDir())
	require.NoError(t, err)
	locator, size, err := files.SaveAttachment("acc-1", "price.xlsx", strings.NewReader("sheet-bytes"))
	require.NoError(t, err)

	raw := received("a@x.com", "Prices", baseTime)
	raw.Attachments = []domain.InboundAttachment{
		{Filename: "price.xlsx", MimeType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", Size: size, StorageLocator: locator},
		{Filename: "logo.png", MimeType: "image/png", StorageLocator: "https://cdn.x.com/logo.png"},
	}
	res := f.ingest(t, raw)
	local := res.Message.Attachments[0]
	remote := res.Message.Attachments[1]

	r := NewAttachmentResolver(f.store, files, "", 0)

	t.Run("读取本地内容", func(t *testing.T) {
		content, err := r.Open(ctx, res.MessageID, local.ID, NewAccountScope([]string{"acc-1"}))
		require.NoError(t, err)
		defer content.Body.Close()

		data, err := io.ReadAll(content.Body)
		require.NoError(t, err)
		assert.Equal(t, "sheet-bytes", string(data))
		assert.Equal(t, size, content.Size)
		assert.Equal(t, domain.KindSpreadsheet, content.Attachment.Kind)
	})

	t.Run("远程内容返回地址", func(t *testing.T) {
		content, err := r.Open(ctx, res.MessageID, remote.ID, NewAccountScope([]string{"acc-1"}))
		require.NoError(t, err)
		assert.Nil(t, content.Body)
		assert.Equal(t, "https://cdn.x.com/logo.png", content.RemoteURL)
	})

	t.Run("不在授权范围内", func(t *testing.T) {
		_, err := r.Open(ctx, res.MessageID, local.ID, NewAccountScope([]string{"acc-2"}))
		assert.ErrorIs(t, err, ErrAccountForbidden)
	})

	t.Run("没有内容存储", func(t *testing.T) {
		bare := NewAttachmentResolver(f.store, nil, "", 0)
		_, err := bare.Open(ctx, res.MessageID, local.ID, NewAccountScope([]string{"acc-1"}))
		assert.ErrorIs(t, err, ErrAttachmentUnavailable)
	})
}

func TestAttachmentResolver_Load(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/ok.pdf":
			_, _ = w.Write([]byte("%PDF remote"))
		case "/big.bin":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		default:
			http.NotFound(w, req)
		}
	}))
	defer server.Close()

	r := NewAttachmentResolver(nil, nil, "", 32)
	ctx := context.Background()

	t.Run("远程内容", func(t *testing.T) {
		data, err := r.Load(ctx, &domain.Attachment{Filename: "ok.pdf", StorageLocator: server.URL + "/ok.pdf"})
		require.NoError(t, err)
		assert.Equal(t, "%PDF remote", string(data))
	})

	t.Run("远程返回非 200", func(t *testing.T) {
		_, err := r.Load(ctx, &domain.Attachment{Filename: "gone.pdf", StorageLocator: server.URL + "/gone.pdf"})
		assert.ErrorIs(t, err, ErrAttachmentUnavailable)
	})

	t.Run("超过大小限制", func(t *testing.T) {
		_, err := r.Load(ctx, &domain.Attachment{Filename: "big.bin", StorageLocator: server.URL + "/big.bin"})
		assert.ErrorIs(t, err, ErrAttachmentUnavailable)
	})

	t.Run("本地定位符没有内容存储", func(t *testing.T) {
		_, err := r.Load(ctx, &domain.Attachment{Filename: "a.txt", StorageLocator: "fs:acc-1/a.txt"})
		assert.ErrorIs(t, err, ErrAttachmentUnavailable)
	})
}

func TestAccountScope(t *testing.T) {
	scope := NewAccountScope([]string{"b", "", "a", "b"})
	assert.True(t, scope.Allows("a"))
	assert.False(t, scope.Allows(""))
	assert.False(t, scope.Allows("c"))
	assert.Equal(t, []string{"a", "b"}, scope.IDs())

	var empty AccountScope
	assert.False(t, empty.Allows("a"))
}
