package service

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSplitQuoted(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantBody   string
		wantQuoted bool
	}{
		{
			name:       "gmail 引用",
			body:       `<p>Thanks</p><div class="gmail_quote">On Mon someone wrote: old</div>`,
			wantBody:   "<p>Thanks</p>",
			wantQuoted: true,
		},
		{
			name:       "自身生成的引用容器",
			body:       `<p>See below</p><br><div class="crm-quote" data-collapsed="true"><blockquote>x</blockquote></div>`,
			wantBody:   "<p>See below</p><br>",
			wantQuoted: true,
		},
		{
			name:       "outlook 回复分隔",
			body:       `<div>Approved</div><hr><div id="divRplyFwdMsg">From: a</div>`,
			wantBody:   "<div>Approved</div><hr>",
			wantQuoted: true,
		},
		{
			name:       "纯文本 On ... wrote:",
			body:       "Sounds good\n\nOn Tue, Mar 3, 2026 at 10:00 AM, a@x.com wrote:\n> old",
			wantBody:   "Sounds good",
			wantQuoted: true,
		},
		{
			name:       "原始邮件分隔线",
			body:       "Ok\n-----Original Message-----\nFrom: b",
			wantBody:   "Ok",
			wantQuoted: true,
		},
		{
			name:       "没有引用",
			body:       "<p>Just a note</p>",
			wantBody:   "<p>Just a note</p>",
			wantQuoted: false,
		},
		{
			name:       "全部是引用时原样返回",
			body:       "<blockquote>old</blockquote>",
			wantBody:   "<blockquote>old</blockquote>",
			wantQuoted: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			visible, quoted := SplitQuoted(tt.body)
			assert.Equal(t, tt.wantBody, visible)
			assert.Equal(t, tt.wantQuoted, quoted)
		})
	}
}

func TestSnippet(t *testing.T) {
	t.Run("去掉标签并合并空白", func(t *testing.T) {
		got := Snippet("<p>Hello</p>\n\n<p>  second   line </p>")
		assert.NotContains(t, got, "<")
		assert.Contains(t, got, "Hello")
		assert.Contains(t, got, "second line")
		assert.NotContains(t, got, "  ")
	})

	t.Run("不包含引用历史", func(t *testing.T) {
		got := Snippet(`<p>New reply</p><blockquote>ancient history</blockquote>`)
		assert.Equal(t, "New reply", got)
	})

	t.Run("超长截断", func(t *testing.T) {
		got := Snippet(strings.Repeat("word ", 100))
		assert.LessOrEqual(t, utf8.RuneCountInString(got), snippetLength)
		assert.True(t, strings.HasSuffix(got, "…"))
	})

	t.Run("按字符截断多字节文本", func(t *testing.T) {
		got := Snippet(strings.Repeat("报价", 100))
		assert.True(t, utf8.ValidString(got))
		assert.Equal(t, snippetLength, utf8.RuneCountInString(got))
	})

	t.Run("空正文", func(t *testing.T) {
		assert.Equal(t, "", Snippet(""))
	})
}
