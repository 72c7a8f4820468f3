package domain

import (
	"fmt"
	"strings"
	"time"
)

// Conversation 会话：同一账户与同一往来方之间全部邮件的聚合。
//
// (AccountID, CounterpartyEmail) 唯一。MessageCount、UnreadCount 与
// LastMessageAt 都是对消息行的重新统计结果，不做增减运算。
type Conversation struct {
	ID                string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	AccountID         string    `json:"accountId" gorm:"type:varchar(36);not null;uniqueIndex:idx_conversations_account_counterparty,priority:1;index:idx_conversations_account_last,priority:1"`
	CounterpartyEmail string    `json:"counterpartyEmail" gorm:"type:varchar(320);not null;uniqueIndex:idx_conversations_account_counterparty,priority:2"`
	Subject           string    `json:"subject" gorm:"type:varchar(998)"`
	LastMessageAt     time.Time `json:"lastMessageAt" gorm:"index:idx_conversations_account_last,priority:2"`
	MessageCount      int       `json:"messageCount" gorm:"not null;default:0"`
	UnreadCount       int       `json:"unreadCount" gorm:"not null;default:0"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// ConversationSummary 会话列表条目。
type ConversationSummary struct {
	ConversationID    string    `json:"conversationId"`
	CounterpartyEmail string    `json:"counterpartyEmail"`
	Subject           string    `json:"subject"`
	UnreadCount       int       `json:"unreadCount"`
	MessageCount      int       `json:"messageCount"`
	LastMessageAt     time.Time `json:"lastMessageAt"`
	Snippet           string    `json:"snippet"`
}

// FolderTab 会话视图过滤器。
type FolderTab string

const (
	TabInbox FolderTab = "inbox"
	TabSent  FolderTab = "sent"
	TabSpam  FolderTab = "spam"
	TabTrash FolderTab = "trash"
)

// ErrInvalidTab 未知的文件夹标签
var ErrInvalidTab = fmt.Errorf("invalid folder tab")

// ParseFolderTab 解析文件夹标签，空字符串视为 inbox。
func ParseFolderTab(raw string) (FolderTab, error) {
	switch tab := FolderTab(strings.ToLower(strings.TrimSpace(raw))); tab {
	case "":
		return TabInbox, nil
	case TabInbox, TabSent, TabSpam, TabTrash:
		return tab, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTab, raw)
	}
}

// ShowsInThread 判断消息在该标签的会话详情中是否可见。
//
// spam 与 trash 标签下不过滤，保留被标记邮件的上下文。
func (t FolderTab) ShowsInThread(m *Message) bool {
	switch t {
	case TabSent:
		return m.Direction == DirectionSent && !m.IsTrash && !m.IsSpam
	case TabSpam, TabTrash:
		return true
	default:
		return !m.IsTrash && !m.IsSpam
	}
}

// ListsConversation 判断消息能否让所属会话出现在该标签的会话列表中。
func (t FolderTab) ListsConversation(m *Message) bool {
	switch t {
	case TabSpam:
		return m.IsSpam
	case TabTrash:
		return m.IsTrash
	default:
		return t.ShowsInThread(m)
	}
}
