package mail

import (
	"strings"

	"github.com/jaytaylor/html2text"
)

// PlainText 生成 HTML 正文的纯文本备选部分
func PlainText(body string) string {
	text, err := html2text.FromString(body, html2text.Options{PrettyTables: false})
	if err != nil {
		return body
	}
	return strings.TrimSpace(text)
}
