package filesystem

import (
	"path/filepath"
	"strings"
	"unicode"
)

const maxFilenameLength = 200

// 按最严格的平台（Windows）处理，保证导出的附件在任何系统上都能打开
var invalidFilenameChars = []string{"<", ">", ":", "\"", "|", "?", "*", "\\", "/", "\x00"}

// SanitizeFilename 清理附件文件名，确保跨平台可用
func SanitizeFilename(filename string) string {
	filename = filepath.Base(strings.ReplaceAll(filename, "\\", "/"))

	for _, char := range invalidFilenameChars {
		filename = strings.ReplaceAll(filename, char, "_")
	}

	filename = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, filename)

	filename = strings.Trim(limitLength(filename, maxFilenameLength), " .")
	if filename == "" {
		return "unnamed"
	}
	return filename
}

// limitLength 按字节截断并保留扩展名
func limitLength(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	ext := filepath.Ext(s)
	if len(ext) >= maxLen {
		ext = ""
	}
	name := strings.TrimSuffix(s, ext)

	cut := maxLen - len(ext)
	// 不截断在多字节字符中间
	for cut > 0 && !utf8Start(name[cut]) {
		cut--
	}
	return name[:cut] + ext
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
