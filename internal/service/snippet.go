package service

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jaytaylor/html2text"
)

const snippetLength = 140

var tagPattern = regexp.MustCompile(`(?s)<[^>]*>`)

// Snippet 计算列表预览文本：只取最新的非引用部分，去掉 HTML，合并空白
func Snippet(body string) string {
	visible, _ := SplitQuoted(body)

	text, err := html2text.FromString(visible, html2text.Options{TextOnly: true})
	if err != nil {
		text = html.UnescapeString(tagPattern.ReplaceAllString(visible, " "))
	}

	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= snippetLength {
		return text
	}

	runes := []rune(text)
	return strings.TrimSpace(string(runes[:snippetLength-1])) + "…"
}
