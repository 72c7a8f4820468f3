package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Direction 邮件方向
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Message 表示会话中的一封邮件。
//
// (AccountID, DedupKey) 唯一，同一封物理邮件无论经由轮询同步还是实时推送到达都只落一行。
type Message struct {
	ID             string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ConversationID string        `json:"conversationId" gorm:"type:varchar(36);not null;index:idx_messages_conversation_order,priority:1"`
	AccountID      string        `json:"accountId" gorm:"type:varchar(36);not null;uniqueIndex:idx_messages_account_dedup,priority:1;index:idx_messages_account_unread,priority:1"`
	Direction      Direction     `json:"direction" gorm:"type:varchar(16);not null;index:idx_messages_account_unread,priority:2"`
	FromEmail      string        `json:"fromEmail" gorm:"type:varchar(320)"`
	ToEmail        string        `json:"toEmail" gorm:"type:text"`
	CCEmail        string        `json:"ccEmail" gorm:"column:cc_email;type:text"`
	Subject        string        `json:"subject" gorm:"type:varchar(998)"`
	Body           string        `json:"body" gorm:"type:text"`
	Snippet        string        `json:"snippet" gorm:"type:varchar(512)"`
	SentAt         time.Time     `json:"sentAt" gorm:"not null;index:idx_messages_conversation_order,priority:2"`
	IsRead         bool          `json:"isRead" gorm:"not null;default:false;index:idx_messages_account_unread,priority:3"`
	IsTrash        bool          `json:"isTrash" gorm:"not null;default:false"`
	IsSpam         bool          `json:"isSpam" gorm:"not null;default:false"`
	StableID       string        `json:"stableId,omitempty" gorm:"type:varchar(998)"`
	DedupKey       string        `json:"-" gorm:"type:varchar(300);not null;uniqueIndex:idx_messages_account_dedup,priority:2"`
	IngestedAt     time.Time     `json:"ingestedAt" gorm:"not null;index:idx_messages_conversation_order,priority:3"`
	Attachments    []*Attachment `json:"attachments,omitempty" gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE"`
}

// IsUnreadReceived 是否计入未读数。
func (m *Message) IsUnreadReceived() bool {
	return m.Direction == DirectionReceived && !m.IsRead
}

// CCList 返回规范化后的抄送地址列表。
func (m *Message) CCList() []string {
	return SplitAddressList(m.CCEmail)
}

// ToList 返回规范化后的收件地址列表。
func (m *Message) ToList() []string {
	return SplitAddressList(m.ToEmail)
}

const maxInlineStableID = 255

// DedupKeyFor 计算去重键。
//
// 有传输层稳定 ID（Message-ID）时优先使用；否则退化为
// accountID + sentAt + fromEmail + subject 的摘要，sentAt 只取到秒（Date 头的精度）。
func DedupKeyFor(accountID, stableID string, sentAt time.Time, fromEmail, subject string) string {
	if sid := strings.ToLower(strings.Trim(strings.TrimSpace(stableID), "<>")); sid != "" {
		if len(sid) <= maxInlineStableID {
			return "sid:" + sid
		}
		sum := sha256.Sum256([]byte(sid))
		return "sid#" + hex.EncodeToString(sum[:])
	}

	h := sha256.New()
	h.Write([]byte(accountID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(sentAt.UTC().Truncate(time.Second).Unix(), 10)))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeEmail(fromEmail)))
	h.Write([]byte{0})
	h.Write([]byte(subject))
	return "tuple:" + hex.EncodeToString(h.Sum(nil))
}

// SortKeyLess 会话内排序：sentAt 升序，相同时按入库顺序，最后按 ID 保证稳定。
func SortKeyLess(a, b *Message) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.Before(b.SentAt)
	}
	if !a.IngestedAt.Equal(b.IngestedAt) {
		return a.IngestedAt.Before(b.IngestedAt)
	}
	return a.ID < b.ID
}

// InboundMessage 同步服务提交的原始邮件记录。
type InboundMessage struct {
	FromEmail   string              `json:"fromEmail"`
	ToEmail     string              `json:"toEmail"`
	CCEmail     string              `json:"ccEmail"`
	Subject     string              `json:"subject"`
	Body        string              `json:"body"`
	SentAt      time.Time           `json:"sentAt"`
	Folder      string              `json:"folder"`
	IsRead      bool                `json:"isRead"`
	StableID    string              `json:"stableId"`
	Attachments []InboundAttachment `json:"attachments"`
}

// InboundAttachment 原始附件描述。
type InboundAttachment struct {
	Filename       string `json:"filename"`
	MimeType       string `json:"mimeType"`
	Size           int64  `json:"size"`
	StorageLocator string `json:"storageLocator"`
}

// FolderFlags 根据同步服务上报的文件夹名称推断 trash/spam 标记。
func FolderFlags(folder string) (isTrash, isSpam bool) {
	f := strings.ToLower(strings.TrimSpace(folder))
	f = strings.TrimPrefix(f, "[gmail]/")
	switch f {
	case "trash", "deleted", "deleted items", "deleted messages", "bin":
		return true, false
	case "spam", "junk", "junk e-mail", "junk email", "bulk mail":
		return false, true
	}
	return false, false
}
