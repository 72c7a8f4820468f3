package service

import (
	"regexp"
	"strings"
)

// 常见客户端的引用起始标记
var quoteMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<div[^>]*\bclass\s*=\s*["'][^"']*\bcrm-quote\b`),
	regexp.MustCompile(`(?i)<div[^>]*\bclass\s*=\s*["'][^"']*\bgmail_quote\b`),
	regexp.MustCompile(`(?i)<div[^>]*\bid\s*=\s*["']?(divRplyFwdMsg|appendonsend)\b`),
	regexp.MustCompile(`(?i)<blockquote\b`),
	regexp.MustCompile(`(?i)-{3,}\s*(Original Message|Forwarded message)\s*-{3,}`),
	regexp.MustCompile(`(?i)\bOn\s[^<>\n]{1,200}?\swrote:`),
}

// SplitQuoted 把正文拆成最新的可见部分与被折叠的引用历史
//
// 存储的正文保持完整，这里只决定默认显示哪一段。正文全部是引用时原样返回。
func SplitQuoted(body string) (visible string, hasQuoted bool) {
	cut := -1
	for _, marker := range quoteMarkers {
		loc := marker.FindStringIndex(body)
		if loc != nil && (cut < 0 || loc[0] < cut) {
			cut = loc[0]
		}
	}
	if cut < 0 {
		return body, false
	}

	head := strings.TrimSpace(body[:cut])
	if strings.TrimSpace(tagPattern.ReplaceAllString(head, "")) == "" {
		return body, false
	}
	return head, true
}
