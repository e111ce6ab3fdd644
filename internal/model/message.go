package model

import "time"

type MessageStatus string

const (
	MessageStatusSent MessageStatus = "sent"
	MessageStatusRead MessageStatus = "read"
)

// Message is one unit of conversation content. The id is assigned by the
// server and is unique within a chat; id equality is the sole deduplication
// key regardless of whether the message arrived over REST or the live channel.
type Message struct {
	ID         int64         `json:"id"`
	Body       string        `json:"message"`
	ChatID     int64         `json:"chat_id"`
	BatchID    *int64        `json:"batch_id,omitempty"`
	SenderID   string        `json:"sender_id"`
	SenderName string        `json:"sender_name,omitempty"`
	Status     MessageStatus `json:"status"`
	ReadCount  int           `json:"read_count,omitempty"`
	IsSystem   bool          `json:"is_system_message,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// MessageCreate is the request body for the REST send endpoint.
type MessageCreate struct {
	Body    string `json:"message"`
	ChatID  int64  `json:"chat_id"`
	BatchID *int64 `json:"batch_id,omitempty"`
}

// MessageRead is the acknowledgment returned by the read-receipt endpoint.
type MessageRead struct {
	ID        int64     `json:"id"`
	MessageID int64     `json:"message_id"`
	UserID    string    `json:"user_id"`
	ChatID    int64     `json:"chat_id"`
	Status    string    `json:"status"`
	ReadAt    time.Time `json:"read_at"`
}
