// Package devserver is a self-contained in-memory backend speaking the same
// wire contract as the production Messaging API. It exists for local
// development and integration tests; nothing it stores survives the process.
package devserver

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classchat/internal/model"
)

// State holds all server-side data behind one mutex. Good enough for a dev
// box; not meant for production load.
type State struct {
	mu sync.RWMutex

	users map[string]*model.User
	creds map[string]credential // keyed by email

	chats map[int64]*model.Chat
	msgs  map[int64][]model.Message      // per chat, oldest first
	reads map[int64]map[string]time.Time // messageID -> reader -> when
	res   map[int64]model.ChatResource

	nextChatID   int64
	nextMemberID int64
	nextMsgID    int64
	nextReadID   int64
	nextResID    int64
}

type credential struct {
	userID   string
	password string
}

func NewState() *State {
	return &State{
		users: make(map[string]*model.User),
		creds: make(map[string]credential),
		chats: make(map[int64]*model.Chat),
		msgs:  make(map[int64][]model.Message),
		reads: make(map[int64]map[string]time.Time),
		res:   make(map[int64]model.ChatResource),
	}
}

// AddUser registers a user with credentials and returns it.
func (s *State) AddUser(fullName, email, password, role string) *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &model.User{
		ID:        uuid.NewString(),
		FullName:  fullName,
		Email:     email,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	s.users[u.ID] = u
	s.creds[email] = credential{userID: u.ID, password: password}
	return u
}

// Authenticate checks the password flow credentials.
func (s *State) Authenticate(email, password string) (*model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[email]
	if !ok || c.password != password {
		return nil, false
	}
	return s.users[c.userID], true
}

func (s *State) UserByID(id string) (*model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

// CreateChat creates a chat with the creator plus the requested initial
// members.
func (s *State) CreateChat(creatorID string, in model.ChatCreate) *model.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextChatID++
	chat := &model.Chat{
		ID:         s.nextChatID,
		ChatType:   in.ChatType,
		BatchID:    in.BatchID,
		IsOfficial: in.IsOfficial,
		GroupIcon:  in.GroupIcon,
		StudentID:  in.StudentID,
		CreatedBy:  creatorID,
		CreatedAt:  time.Now().UTC(),
	}

	addMember := func(userID, role string) {
		for _, m := range chat.Members {
			if m.UserID == userID {
				return
			}
		}
		s.nextMemberID++
		member := model.ChatMember{
			ID:       s.nextMemberID,
			ChatID:   chat.ID,
			UserID:   userID,
			Role:     role,
			JoinedAt: time.Now().UTC(),
		}
		if u, ok := s.users[userID]; ok {
			member.UserName = u.FullName
			member.UserEmail = u.Email
			simple := u.ToSimple()
			member.User = &simple
		}
		chat.Members = append(chat.Members, member)
	}

	addMember(creatorID, "admin")
	for _, m := range in.InitialMembers {
		addMember(m.UserID, m.Role)
	}

	s.chats[chat.ID] = chat
	return chat
}

func (s *State) ChatByID(id int64) (*model.Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	return c, ok
}

func (s *State) IsMember(chatID int64, userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	return ok && c.HasMember(userID)
}

// ChatsFor lists the user's chats with their latest message attached.
func (s *State) ChatsFor(userID string, skip, limit int) []model.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []model.Chat
	for id := int64(1); id <= s.nextChatID; id++ {
		c, ok := s.chats[id]
		if !ok || !c.HasMember(userID) {
			continue
		}
		cp := *c
		if msgs := s.msgs[c.ID]; len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			cp.LatestMsg = &last
		}
		all = append(all, cp)
	}

	if skip >= len(all) {
		return []model.Chat{}
	}
	all = all[skip:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

// AppendMessage persists a new message and returns it.
func (s *State) AppendMessage(chatID int64, senderID, body string, batchID *int64) model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextMsgID++
	m := model.Message{
		ID:        s.nextMsgID,
		Body:      body,
		ChatID:    chatID,
		BatchID:   batchID,
		SenderID:  senderID,
		Status:    model.MessageStatusSent,
		CreatedAt: time.Now().UTC(),
	}
	if u, ok := s.users[senderID]; ok {
		m.SenderName = u.FullName
	}
	s.msgs[chatID] = append(s.msgs[chatID], m)
	return m
}

// MessagesPage returns a history page newest first.
func (s *State) MessagesPage(chatID int64, skip, limit int) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.msgs[chatID]
	out := make([]model.Message, 0, limit)
	for i := len(src) - 1 - skip; i >= 0 && len(out) < limit; i-- {
		out = append(out, src[i])
	}
	return out
}

// MarkRead records a read receipt. Repeat receipts from the same reader ack
// without creating a new record. Returns false when the message does not
// exist in the chat.
func (s *State) MarkRead(chatID, messageID int64, readerID string) (model.MessageRead, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.msgs[chatID]
	idx := -1
	for i := range msgs {
		if msgs[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return model.MessageRead{}, false
	}

	now := time.Now().UTC()
	readers := s.reads[messageID]
	if readers == nil {
		readers = make(map[string]time.Time)
		s.reads[messageID] = readers
	}
	if _, seen := readers[readerID]; !seen {
		readers[readerID] = now
		s.nextReadID++
	}

	msgs[idx].ReadCount = len(readers)
	if readerID != msgs[idx].SenderID {
		msgs[idx].Status = model.MessageStatusRead
	}

	return model.MessageRead{
		ID:        s.nextReadID,
		MessageID: messageID,
		UserID:    readerID,
		ChatID:    chatID,
		Status:    string(model.MessageStatusRead),
		ReadAt:    readers[readerID],
	}, true
}

// AddResource records an uploaded attachment.
func (s *State) AddResource(chatID int64, senderID, fileName, fileType, fileURL string) model.ChatResource {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextResID++
	r := model.ChatResource{
		ID:        s.nextResID,
		ChatID:    chatID,
		SenderID:  senderID,
		FileURL:   fileURL,
		FileName:  fileName,
		FileType:  fileType,
		CreatedAt: time.Now().UTC(),
	}
	s.res[r.ID] = r
	return r
}
