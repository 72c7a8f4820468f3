package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTMLSanitizer(t *testing.T) {
	s := NewHTMLSanitizer()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"保留排版标签", `<p>Hi <b>there</b></p>`, `<p>Hi <b>there</b></p>`},
		{"保留引用标记 class", `<div class="gmail_quote">q</div>`, `<div class="gmail_quote">q</div>`},
		{"移除 script", `<p>a</p><script>alert(1)</script><p>b</p>`, `<p>a</p><p>b</p>`},
		{"移除事件属性", `<img src="x.png" onerror="alert(1)">`, `<img src="x.png">`},
		{"移除 iframe", `x<iframe src="https://evil"></iframe>y`, `xy`},
		{"移除 head 与样式表", `<html><head><style>p{}</style></head><body><p>x</p></body></html>`, `<p>x</p>`},
		{"移除注释", `<p>a<!-- hi --></p>`, `<p>a</p>`},
		{"去掉 javascript 链接", `<a href="javascript:alert(1)">x</a>`, `<a>x</a>`},
		{"去掉实体编码的协议", `<a href="jav&#x61;script:alert(1)">x</a>`, `<a>x</a>`},
		{"去掉夹带空白的协议", `<a href="java&#09;script:alert(1)">x</a>`, `<a>x</a>`},
		{"保留 https 链接", `<a href="https://example.com/a?b=1&amp;c=2">x</a>`, `<a href="https://example.com/a?b=1&amp;c=2">x</a>`},
		{"保留相对链接", `<a href="/deals/42#notes">x</a>`, `<a href="/deals/42#notes">x</a>`},
		{"保留内嵌图片", `<img src="data:image/png;base64,AAAA">`, `<img src="data:image/png;base64,AAAA">`},
		{"去掉 data HTML", `<img src="data:text/html,x">`, `<img>`},
		{"保留普通样式", `<p style="color: red">x</p>`, `<p style="color: red">x</p>`},
		{"去掉外链样式", `<p style="background:url(javascript:alert(1))">x</p>`, `<p>x</p>`},
		{"空正文", "   ", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, s.Sanitize(tc.input))
		})
	}

	t.Run("斜杠分隔的事件属性", func(t *testing.T) {
		for _, input := range []string{
			`<img/onerror=alert(1) src=x>`,
			`<svg/onload=alert(1)>`,
			`<p>ok</p><svg><script>alert(1)</script></svg>`,
		} {
			out := s.Sanitize(input)
			assert.NotContains(t, out, "onerror", input)
			assert.NotContains(t, out, "onload", input)
			assert.NotContains(t, out, "alert", input)
			assert.NotContains(t, out, "svg", input)
		}
	})
}

func TestAttachmentDisposition(t *testing.T) {
	t.Run("PDF 内联预览", func(t *testing.T) {
		d := AttachmentDisposition("quote.pdf", "application/pdf")
		assert.Equal(t, "application/pdf", d.ContentType)
		assert.True(t, d.Inline)
	})

	t.Run("危险扩展名强制下载", func(t *testing.T) {
		d := AttachmentDisposition("invoice.exe", "application/pdf")
		assert.Equal(t, "application/octet-stream", d.ContentType)
		assert.False(t, d.Inline)
	})

	t.Run("HTML 不内联", func(t *testing.T) {
		d := AttachmentDisposition("page.txt", "text/html; charset=utf-8")
		assert.Equal(t, "application/octet-stream", d.ContentType)
	})

	t.Run("缺失 MIME 时按扩展名推断", func(t *testing.T) {
		d := AttachmentDisposition("photo.png", "")
		assert.Equal(t, "image/png", d.ContentType)
		assert.True(t, d.Inline)
	})

	t.Run("表格文件下载", func(t *testing.T) {
		d := AttachmentDisposition("q3.xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		assert.False(t, d.Inline)
	})
}
