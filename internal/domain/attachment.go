package domain

import (
	"mime"
	"path/filepath"
	"strings"
)

// AttachmentKind 附件类别，入库时计算一次并存储。
type AttachmentKind string

const (
	KindImage       AttachmentKind = "image"
	KindPdf         AttachmentKind = "pdf"
	KindDocument    AttachmentKind = "document"
	KindSpreadsheet AttachmentKind = "spreadsheet"
	KindGeneric     AttachmentKind = "generic"
)

// Attachment 表示邮件附件，随所属邮件一同删除。
type Attachment struct {
	ID             string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MessageID      string         `json:"messageId" gorm:"type:varchar(36);index;not null"`
	Filename       string         `json:"filename" gorm:"type:varchar(255)"`
	MimeType       string         `json:"mimeType" gorm:"type:varchar(255)"`
	Size           int64          `json:"size"`
	StorageLocator string         `json:"storageLocator" gorm:"type:varchar(1024)"`
	Kind           AttachmentKind `json:"kind" gorm:"type:varchar(16);not null;default:'generic'"`
	URL            string         `json:"url,omitempty" gorm:"-"`
}

var (
	documentMimeTypes = map[string]bool{
		"application/msword":                                                        true,
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
		"application/vnd.oasis.opendocument.text":                                   true,
		"application/rtf":                                                           true,
		"text/rtf":                                                                  true,
		"application/vnd.ms-powerpoint":                                             true,
		"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	}

	spreadsheetMimeTypes = map[string]bool{
		"application/vnd.ms-excel":                                          true,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
		"application/vnd.oasis.opendocument.spreadsheet":                    true,
		"text/csv":                                                          true,
		"text/tab-separated-values":                                         true,
	}

	kindByExtension = map[string]AttachmentKind{
		".png":     KindImage,
		".jpg":     KindImage,
		".jpeg":    KindImage,
		".gif":     KindImage,
		".webp":    KindImage,
		".bmp":     KindImage,
		".svg":     KindImage,
		".heic":    KindImage,
		".tif":     KindImage,
		".tiff":    KindImage,
		".pdf":     KindPdf,
		".doc":     KindDocument,
		".docx":    KindDocument,
		".odt":     KindDocument,
		".rtf":     KindDocument,
		".txt":     KindDocument,
		".ppt":     KindDocument,
		".pptx":    KindDocument,
		".pages":   KindDocument,
		".xls":     KindSpreadsheet,
		".xlsx":    KindSpreadsheet,
		".ods":     KindSpreadsheet,
		".csv":     KindSpreadsheet,
		".tsv":     KindSpreadsheet,
		".numbers": KindSpreadsheet,
	}
)

// ClassifyAttachment 根据 MIME 类型与文件扩展名判断附件类别。
//
// MIME 类型优先；application/octet-stream 之类的泛化类型再看扩展名。
func ClassifyAttachment(filename, mimeType string) AttachmentKind {
	mediaType := strings.ToLower(strings.TrimSpace(mimeType))
	if parsed, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = parsed
	}

	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return KindImage
	case mediaType == "application/pdf":
		return KindPdf
	case spreadsheetMimeTypes[mediaType]:
		return KindSpreadsheet
	case documentMimeTypes[mediaType]:
		return KindDocument
	}

	if kind, ok := kindByExtension[strings.ToLower(filepath.Ext(filename))]; ok {
		return kind
	}
	if mediaType == "text/plain" {
		return KindDocument
	}
	return KindGeneric
}
