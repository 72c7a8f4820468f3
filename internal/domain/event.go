package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType 实时事件类型
type EventType string

const (
	EventNewMessage          EventType = "new_message"
	EventReadStateChanged    EventType = "read_state_changed"
	EventConversationUpdated EventType = "conversation_updated"
	EventUnreadCountChanged  EventType = "unread_count_changed"
)

// Event 实时推送事件。
//
// 事件只是提示，接收方按 ID 去重并以重新拉取的数据为准。
// SentAt 仅 new_message 携带，用于保证同一会话内的单调投递。
type Event struct {
	ID           string          `json:"id"`
	Type         EventType       `json:"type"`
	AccountID    string          `json:"accountId"`
	Counterparty string          `json:"counterparty,omitempty"`
	SentAt       *time.Time      `json:"sentAt,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	OccurredAt   time.Time       `json:"occurredAt"`
}

// NewEvent 构建事件并序列化载荷。
func NewEvent(eventType EventType, accountID, counterparty string, payload interface{}) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	return &Event{
		ID:           uuid.NewString(),
		Type:         eventType,
		AccountID:    accountID,
		Counterparty: counterparty,
		Data:         data,
		OccurredAt:   time.Now().UTC(),
	}, nil
}

// AttachmentSummary 事件中携带的附件摘要
type AttachmentSummary struct {
	ID       string         `json:"id"`
	Filename string         `json:"filename"`
	MimeType string         `json:"mimeType"`
	Size     int64          `json:"size"`
	Kind     AttachmentKind `json:"kind"`
	URL      string         `json:"url,omitempty"`
}

// NewMessagePayload new_message 事件载荷
type NewMessagePayload struct {
	MessageID      string              `json:"messageId"`
	ConversationID string              `json:"conversationId"`
	Direction      Direction           `json:"direction"`
	FromEmail      string              `json:"fromEmail"`
	ToEmail        string              `json:"toEmail"`
	CCEmail        string              `json:"ccEmail,omitempty"`
	Subject        string              `json:"subject"`
	Snippet        string              `json:"snippet"`
	SentAt         time.Time           `json:"sentAt"`
	IsSpam         bool                `json:"isSpam"`
	IsTrash        bool                `json:"isTrash"`
	Attachments    []AttachmentSummary `json:"attachments,omitempty"`
}

// ReadStatePayload read_state_changed 事件载荷
type ReadStatePayload struct {
	ConversationID    string   `json:"conversationId"`
	CounterpartyEmail string   `json:"counterpartyEmail"`
	MessageIDs        []string `json:"messageIds"`
	IsRead            bool     `json:"isRead"`
	UnreadCount       int      `json:"unreadCount"`
}

// ConversationUpdatedPayload conversation_updated 事件载荷
type ConversationUpdatedPayload struct {
	ConversationID    string    `json:"conversationId"`
	CounterpartyEmail string    `json:"counterpartyEmail"`
	Subject           string    `json:"subject"`
	Snippet           string    `json:"snippet"`
	LastMessageAt     time.Time `json:"lastMessageAt"`
	MessageCount      int       `json:"messageCount"`
	UnreadCount       int       `json:"unreadCount"`
}

// UnreadCountPayload unread_count_changed 事件载荷
type UnreadCountPayload struct {
	UnreadCount int `json:"unreadCount"`
}
