package model

import "time"

type ChatType string

const (
	ChatTypeDirect ChatType = "direct"
	ChatTypeGroup  ChatType = "group"
)

// Batch is the class batch a group chat may be linked to.
type Batch struct {
	ID   int64  `json:"id"`
	Name string `json:"batch_name"`
}

type Chat struct {
	ID         int64        `json:"id"`
	ChatType   ChatType     `json:"chat_type"`
	Name       string       `json:"name,omitempty"`
	BatchID    *int64       `json:"batch_id,omitempty"`
	IsOfficial bool         `json:"is_official"`
	GroupIcon  string       `json:"group_icon,omitempty"`
	StudentID  string       `json:"student_id,omitempty"`
	CreatedBy  string       `json:"created_by"`
	CreatedAt  time.Time    `json:"created_at"`
	Members    []ChatMember `json:"members"`
	LatestMsg  *Message     `json:"latest_message,omitempty"`
	Batch      *Batch       `json:"batch,omitempty"`
}

// ChatMember associates a user with a chat. The membership list is
// authoritative from the server; the client never reorders or infers it.
type ChatMember struct {
	ID        int64       `json:"id"`
	ChatID    int64       `json:"chat_id"`
	UserID    string      `json:"user_id"`
	Role      string      `json:"role"`
	RoleID    *int64      `json:"role_id,omitempty"`
	JoinedAt  time.Time   `json:"joined_at"`
	UserName  string      `json:"user_name,omitempty"`
	UserEmail string      `json:"user_email,omitempty"`
	User      *UserSimple `json:"user,omitempty"`
}

// DisplayName resolves the member's name, falling back to the denormalized
// fields when the full user object is absent.
func (m *ChatMember) DisplayName() string {
	if m.User != nil && m.User.FullName != "" {
		return m.User.FullName
	}
	if m.UserName != "" {
		return m.UserName
	}
	return "Unknown User"
}

// OtherMember returns the member that is not userID, for direct chats.
func (c *Chat) OtherMember(userID string) *ChatMember {
	for i := range c.Members {
		if c.Members[i].UserID != userID {
			return &c.Members[i]
		}
	}
	return nil
}

// HasMember reports whether userID is in the membership list.
func (c *Chat) HasMember(userID string) bool {
	for i := range c.Members {
		if c.Members[i].UserID == userID {
			return true
		}
	}
	return false
}

// DisplayName resolves what to call the chat in a client: the explicit name,
// the batch name for group chats, or the other member's name for direct chats.
func (c *Chat) DisplayName(currentUserID string) string {
	if c.Name != "" {
		return c.Name
	}
	if c.ChatType == ChatTypeGroup {
		if c.Batch != nil && c.Batch.Name != "" {
			return c.Batch.Name
		}
		return "Group Chat"
	}
	if other := c.OtherMember(currentUserID); other != nil {
		return other.DisplayName()
	}
	return "Chat"
}

// ChatCreate is the request body for creating a chat.
type ChatCreate struct {
	ChatType       ChatType           `json:"chat_type"`
	BatchID        *int64             `json:"batch_id,omitempty"`
	IsOfficial     bool               `json:"is_official,omitempty"`
	GroupIcon      string             `json:"group_icon,omitempty"`
	StudentID      string             `json:"student_id,omitempty"`
	InitialMembers []ChatMemberCreate `json:"initial_members"`
}

type ChatMemberCreate struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// ChatResource is the response to a chat attachment upload.
type ChatResource struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	FileURL   string    `json:"file_url"`
	FileName  string    `json:"file_name"`
	FileType  string    `json:"file_type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
