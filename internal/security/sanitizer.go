package security

import (
	"strings"

	"golang.org/x/net/html"
)

// HTMLSanitizer 邮件正文清理器
//
// 基于 HTML 分词器按白名单重建正文：只保留排版标签与安全属性，
// 可执行内容连同其内部文本一起丢弃，链接地址按解码后的协议校验。
type HTMLSanitizer struct {
	allowedTags  map[string]bool
	droppedTags  map[string]bool
	allowedAttrs map[string]bool
	urlAttrs     map[string]bool
	urlSchemes   map[string]bool
}

// NewHTMLSanitizer 创建正文清理器
func NewHTMLSanitizer() *HTMLSanitizer {
	return &HTMLSanitizer{
		allowedTags: setOf(
			"a", "abbr", "address", "b", "big", "blockquote", "br", "caption", "center", "cite",
			"code", "col", "colgroup", "dd", "del", "div", "dl", "dt", "em", "font",
			"h1", "h2", "h3", "h4", "h5", "h6", "hr", "i", "img", "ins",
			"li", "mark", "ol", "p", "pre", "q", "s", "small", "span", "strike",
			"strong", "sub", "sup", "table", "tbody", "td", "tfoot", "th", "thead", "tr",
			"tt", "u", "ul",
		),
		// 连同内部内容一起丢弃
		droppedTags: setOf(
			"script", "style", "iframe", "object", "applet", "noscript", "noembed", "noframes",
			"template", "svg", "math", "title", "head", "textarea", "select", "xmp", "frameset",
		),
		allowedAttrs: setOf(
			"align", "alt", "bgcolor", "border", "cellpadding", "cellspacing", "cite", "class",
			"color", "colspan", "dir", "face", "height", "href", "id", "lang", "rowspan",
			"size", "src", "style", "title", "valign", "width",
		),
		urlAttrs:   setOf("href", "src", "cite"),
		urlSchemes: setOf("http", "https", "mailto", "tel", "cid"),
	}
}

// Sanitize 清理 HTML 正文
func (s *HTMLSanitizer) Sanitize(body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}

	var out strings.Builder
	z := html.NewTokenizer(strings.NewReader(body))

	// 正在丢弃的标签及其嵌套深度
	skipTag, skipDepth := "", 0

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		token := z.Token()

		if skipDepth > 0 {
			switch {
			case tt == html.StartTagToken && token.Data == skipTag:
				skipDepth++
			case tt == html.EndTagToken && token.Data == skipTag:
				skipDepth--
			}
			continue
		}

		switch tt {
		case html.TextToken:
			out.WriteString(token.String())

		case html.StartTagToken, html.SelfClosingTagToken:
			if s.droppedTags[token.Data] {
				if tt == html.StartTagToken {
					skipTag, skipDepth = token.Data, 1
				}
				continue
			}
			if !s.allowedTags[token.Data] {
				continue
			}
			token.Attr = s.cleanAttrs(token.Data, token.Attr)
			out.WriteString(token.String())

		case html.EndTagToken:
			if s.allowedTags[token.Data] {
				out.WriteString(token.String())
			}
		}
		// 注释与 DOCTYPE 一律丢弃
	}

	return out.String()
}

// cleanAttrs 按白名单过滤属性，属性值已由分词器完成实体解码
func (s *HTMLSanitizer) cleanAttrs(tag string, attrs []html.Attribute) []html.Attribute {
	kept := attrs[:0]
	for _, attr := range attrs {
		if attr.Namespace != "" || !s.allowedAttrs[attr.Key] {
			continue
		}
		switch {
		case s.urlAttrs[attr.Key]:
			if !s.safeURL(tag, attr.Val) {
				continue
			}
		case attr.Key == "style":
			if !safeStyle(attr.Val) {
				continue
			}
		}
		kept = append(kept, attr)
	}
	return kept
}

// safeURL 只允许相对地址与白名单协议，img 额外允许内嵌图片
func (s *HTMLSanitizer) safeURL(tag, value string) bool {
	// 浏览器解析协议时忽略空白与控制字符
	compact := strings.Map(func(r rune) rune {
		if r <= ' ' || r == 0x7f {
			return -1
		}
		return r
	}, value)
	compact = strings.ToLower(compact)

	colon := strings.IndexByte(compact, ':')
	if colon < 0 || strings.ContainsAny(compact[:colon], "/?#") {
		return true
	}

	if tag == "img" && strings.HasPrefix(compact, "data:image/") && !strings.HasPrefix(compact, "data:image/svg") {
		return true
	}
	return s.urlSchemes[compact[:colon]]
}

// safeStyle 拒绝可执行或可外链的内联样式
func safeStyle(value string) bool {
	lower := strings.ToLower(strings.Join(strings.Fields(value), ""))
	for _, bad := range []string{"expression(", "javascript:", "vbscript:", "url(", "@import", "behavior:", "-moz-binding"} {
		if strings.Contains(lower, bad) {
			return false
		}
	}
	return !strings.ContainsAny(lower, `\<`)
}

func setOf(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
