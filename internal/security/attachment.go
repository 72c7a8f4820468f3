package security

import (
	"mime"
	"path/filepath"
	"strings"
)

// 浏览器中直接打开存在风险的扩展名
var dangerousExtensions = map[string]bool{
	".exe":  true,
	".bat":  true,
	".cmd":  true,
	".scr":  true,
	".pif":  true,
	".com":  true,
	".vbs":  true,
	".js":   true,
	".jar":  true,
	".php":  true,
	".asp":  true,
	".jsp":  true,
	".html": true,
	".htm":  true,
	".svg":  true,
}

// 允许内联预览的 MIME 类型
var inlineMimeTypes = map[string]bool{
	"application/pdf": true,
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"text/plain":      true,
}

// Disposition 附件下载时的响应方式
type Disposition struct {
	ContentType string
	Inline      bool
}

// AttachmentDisposition 根据文件名与声明的 MIME 类型决定下载方式
//
// 危险扩展名一律以 application/octet-stream 强制下载。
func AttachmentDisposition(filename, mimeType string) Disposition {
	if dangerousExtensions[strings.ToLower(filepath.Ext(filename))] {
		return Disposition{ContentType: "application/octet-stream"}
	}

	mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(mimeType))
	if err != nil || mediaType == "" {
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); byExt != "" {
			mediaType, _, _ = mime.ParseMediaType(byExt)
		}
	}
	if mediaType == "" || mediaType == "text/html" || mediaType == "image/svg+xml" {
		return Disposition{ContentType: "application/octet-stream"}
	}

	return Disposition{ContentType: mediaType, Inline: inlineMimeTypes[mediaType]}
}
